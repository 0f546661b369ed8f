package crdt

// ConflictResolver decides the final order of two items that were inserted
// concurrently at the same left anchor, where neither author had seen the
// other's item. Resolve reports a negative value when a goes before b and a
// positive value when b goes before a.
//
// A resolver must be total and deterministic: every replica of a document
// must run the same strategy and reach the same answer for the same pair,
// independent of delivery order. Two items minted by the same replica must
// keep their minting order. items is the caller's store, passed read-only
// for strategies that want surrounding context.
type ConflictResolver interface {
	Resolve(a, b *Item, items map[ID]*Item) int
}

// YataResolver is the default strategy: plain identifier order, replica id
// first, clock second.
type YataResolver struct{}

func (YataResolver) Resolve(a, b *Item, _ map[ID]*Item) int {
	return a.ID.Compare(b.ID)
}
