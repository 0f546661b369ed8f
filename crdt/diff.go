package crdt

import "slices"

// StateVector returns an independent snapshot of integration progress,
// suitable for handing to a peer's Diff.
func (d *Doc) StateVector() StateVector {
	return d.sv.Clone()
}

// ObserveVector folds a previously captured state vector into the
// document's own and moves the minting clock past anything the vector
// covers for this replica. Item spans under-count clocks once splits have
// truncated runs, so a replica rebuilt from items alone can re-mint a
// clock its peers already cover; restoring the vector the state was saved
// with closes that gap.
func (d *Doc) ObserveVector(remote StateVector) {
	d.sv.Merge(remote)
	if last, ok := d.sv[d.client]; ok && d.clock <= last {
		d.clock = last + 1
	}
}

// Diff collects every item the remote side has not seen, judged by its
// state vector. For a replica the remote knows, that is each item whose
// clock lies above the remote high-water mark; for a replica the remote has
// never heard of, every item. Output is ordered by id, which keeps each
// replica's items in minting order; an item's anchors are always minted
// before it, so within one replica dependencies precede dependents.
func (d *Doc) Diff(remote StateVector) []Item {
	var out []Item
	for _, it := range d.items {
		if remote.Covers(it.ID) {
			continue
		}
		out = append(out, it.wireCopy())
	}
	slices.SortFunc(out, func(a, b Item) int { return a.ID.Compare(b.ID) })
	return out
}
