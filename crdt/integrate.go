package crdt

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Apply integrates a batch of remote items. Already-known ids are merged,
// not reinserted; items whose anchors have not arrived are parked in the
// pending buffer; the rest are spliced into the list. Applying the same
// batch twice, or two batches in either order, converges to the same state.
func (d *Doc) Apply(update []Item) {
	progress := false
	for _, it := range update {
		if d.tryIntegrate(it) {
			progress = true
		}
	}
	if progress {
		d.resolvePending()
	}
}

// tryIntegrate attempts to place one remote item now. It reports whether
// the item was spliced in, as opposed to merged into a known item or
// parked.
func (d *Doc) tryIntegrate(it Item) bool {
	if known, ok := d.items[it.ID]; ok {
		adopt(known, it)
		return false
	}
	if it.Content == "" {
		// nothing mints an empty run; drop it rather than corrupt the list
		return false
	}
	if !d.resolvable(it.Left) || !d.resolvable(it.Right) {
		d.park(it)
		return false
	}
	own := it
	own.prev, own.next = nil, nil
	own.Left = cloneIDPtr(it.Left)
	own.Right = cloneIDPtr(it.Right)
	d.integrate(&own)
	return true
}

// adopt folds a re-delivered copy of an item into the one already held.
// Both marks are monotone. Content is replaced when the incoming copy is a
// proper suffix of ours: that is the remainder of a split performed
// elsewhere, whose minted-off prefix travels separately as fresh items.
func adopt(dst *Item, in Item) {
	if in.Deleted {
		dst.Deleted = true
	}
	if in.Truncated {
		dst.Truncated = true
	}
	if len(in.Content) < len(dst.Content) && strings.HasSuffix(dst.Content, in.Content) {
		dst.Content = in.Content
		dst.Truncated = true
	}
}

func (d *Doc) resolvable(anchor *ID) bool {
	if anchor == nil {
		return true
	}
	_, ok := d.items[*anchor]
	return ok
}

// park stages an item until its anchors arrive, keeping one copy per id.
func (d *Doc) park(it Item) {
	it.prev, it.next = nil, nil
	for i := range d.pending {
		if d.pending[i].ID == it.ID {
			adopt(&d.pending[i], it)
			return
		}
	}
	d.pending = append(d.pending, it)
}

// resolvePending drains the pending buffer to a fixed point. Integrating
// one item can supply the anchor another is waiting on, so the buffer is
// rescanned until a pass makes no progress; whatever is left stays parked.
func (d *Doc) resolvePending() {
	for {
		waiting := d.pending
		d.pending = nil
		progress := false
		for _, it := range waiting {
			if d.tryIntegrate(it) {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

// integrate splices an item whose anchors all resolve. The scan covers the
// window between the item's creation anchors and decides, against each item
// already there, whether the newcomer belongs before or after it: occupants
// sharing the newcomer's left anchor are concurrent rivals and fall to the
// conflict strategy; an occupant anchored deeper inside the window keeps
// the newcomer moving right; an occupant anchored at or before the window
// start ends the scan.
func (d *Doc) integrate(it *Item) {
	d.items[it.ID] = it

	var leftA, rightA *Item
	if it.Left != nil {
		leftA = d.items[*it.Left]
	}
	if it.Right != nil {
		rightA = d.items[*it.Right]
	}

	left := leftA
	start := d.head
	if leftA != nil {
		start = leftA.next
	}

	rivals := mapset.NewThreadUnsafeSet[ID]()
	scanned := mapset.NewThreadUnsafeSet[ID]()

	for o := start; o != nil && o != rightA; o = o.next {
		rivals.Add(o.ID)
		scanned.Add(o.ID)
		if idPtrEqual(it.Left, o.Left) {
			if d.resolver.Resolve(o, it, d.items) < 0 {
				left = o
				rivals.Clear()
			} else if idPtrEqual(it.Right, o.Right) {
				// o shares both anchors and comes after the newcomer, so
				// nothing further in the window can come before it either
				break
			}
		} else if o.Left != nil && scanned.Contains(*o.Left) {
			if !rivals.Contains(*o.Left) {
				left = o
				rivals.Clear()
			}
		} else {
			break
		}
	}

	it.prev = left
	if left != nil {
		it.next = left.next
		left.next = it
	} else {
		it.next = d.head
		d.head = it
	}
	if it.next != nil {
		it.next.prev = it
	}

	d.sv.Observe(*it)
	if last := d.sv[it.ID.Client]; it.ID.Client == d.client && d.clock <= last {
		// rehydrating our own history; never remint a used clock
		d.clock = last + 1
	}
}
