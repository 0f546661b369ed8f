// Package crdt implements a replicated text sequence in the YATA family.
// Replicas edit their own copy locally and exchange items; any two replicas
// that have integrated the same set of items materialize the same text, no
// matter the order the items arrived in.
package crdt

import (
	"iter"
	"slices"
	"strings"
	"unicode/utf8"
)

// Doc is one replica's copy of the shared sequence. The document owns every
// item it has created or integrated, keyed by id; list order lives in
// private links between those items, rooted at head.
//
// A Doc is not safe for concurrent use. Replica concurrency is logical,
// across documents exchanging updates; a single document must be confined
// to one goroutine or guarded externally.
type Doc struct {
	client   uint64
	clock    uint64
	items    map[ID]*Item
	head     *Item
	sv       StateVector
	pending  []Item
	resolver ConflictResolver
}

var (
	_ Crdt         = (*Doc)(nil)
	_ SequenceCrdt = (*Doc)(nil)
)

// New creates an empty document minting under the given replica id, with
// the default identifier-order conflict strategy.
func New(client uint64) *Doc {
	return NewWithResolver(client, YataResolver{})
}

// NewWithResolver creates an empty document with a custom conflict
// strategy. Every replica of one document must use the same strategy or
// their merges will disagree.
func NewWithResolver(client uint64, resolver ConflictResolver) *Doc {
	return &Doc{
		client:   client,
		items:    make(map[ID]*Item),
		sv:       make(StateVector),
		resolver: resolver,
	}
}

// Client returns the replica id this document mints identifiers under.
func (d *Doc) Client() uint64 { return d.client }

// nextID mints an identifier covering runes characters and advances the
// local clock past all of them. The state vector keeps the highest clock
// used, not the next free one.
func (d *Doc) nextID(runes int) ID {
	if runes <= 0 {
		panic("crdt: nextID called for empty content")
	}
	id := ID{Client: d.client, Clock: d.clock}
	d.clock += uint64(runes)
	d.sv[d.client] = d.clock - 1
	return id
}

// findPos locates visible rune position pos. It returns the last visible
// item strictly before pos, the item containing or immediately after pos,
// and the rune offset into that item. Offset 0 means the position sits
// exactly before right; a positive offset means right must be split there
// first. At or past the visible end the result is (last visible, nil, 0);
// in a document of nothing but tombstones it is (nil, nil, 0).
func (d *Doc) findPos(pos int) (left, right *Item, offset int) {
	index := 0
	for cur := d.head; cur != nil; cur = cur.next {
		if cur.Deleted {
			continue
		}
		n := cur.runes()
		if index+n > pos {
			return left, cur, pos - index
		}
		index += n
		left = cur
	}
	return left, nil, 0
}

// splitItem splits it at rune offset 0 < offset < runes(it). The first
// offset runes move into a freshly minted item spliced just before it; the
// remainder keeps the original identifier. Anything in flight that anchors
// on the original id must still resolve after the split, and the remainder
// is the half adjacent to whichever neighbor such an anchor referenced.
// Returns the new left half.
func (d *Doc) splitItem(it *Item, offset int) *Item {
	content := []rune(it.Content)
	if offset <= 0 || offset >= len(content) {
		panic("crdt: split offset outside item")
	}

	var leftAnchor *ID
	if it.prev != nil {
		leftAnchor = cloneIDPtr(&it.prev.ID)
	}

	leftHalf := &Item{
		ID:      d.nextID(offset),
		Left:    leftAnchor,
		Right:   cloneIDPtr(&it.ID),
		Content: string(content[:offset]),
	}
	it.Content = string(content[offset:])
	it.Truncated = true

	d.items[leftHalf.ID] = leftHalf
	leftHalf.prev = it.prev
	leftHalf.next = it
	if it.prev != nil {
		it.prev.next = leftHalf
	} else {
		d.head = leftHalf
	}
	it.prev = leftHalf
	return leftHalf
}

// Insert places text at visible rune position pos. However long, the text
// becomes one item that other replicas address as a unit until an edit
// lands strictly inside it and splits it. Inserting mid-item splits the
// surrounding item first. Empty text is a no-op; a position past the
// visible end fails with ErrInvalidPosition.
func (d *Doc) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	if pos < 0 || pos > d.Len() {
		return ErrInvalidPosition
	}

	left, right, offset := d.findPos(pos)
	if offset > 0 {
		left = d.splitItem(right, offset)
	}

	it := &Item{
		ID:      d.nextID(utf8.RuneCountInString(text)),
		Content: text,
	}
	if left != nil {
		it.Left = cloneIDPtr(&left.ID)
	}
	if right != nil {
		it.Right = cloneIDPtr(&right.ID)
	}
	d.integrate(it)

	// Anchors that travel must name the item's literal neighbors. findPos
	// skips tombstones, so with deleted items between left and right the
	// creation window would be non-empty on the wire and remote walks
	// could order concurrent inserts differently.
	it.Left, it.Right = nil, nil
	if it.prev != nil {
		it.Left = cloneIDPtr(&it.prev.ID)
	}
	if it.next != nil {
		it.Right = cloneIDPtr(&it.next.ID)
	}
	return nil
}

// Delete tombstones up to length visible runes starting at pos. Deleted
// items stay in the document so identifiers referenced by concurrent
// operations keep resolving; they only stop contributing to the visible
// text. A length running past the end is truncated; a start position past
// the end is not, and fails with ErrInvalidPosition.
func (d *Doc) Delete(pos, length int) error {
	if length == 0 {
		return nil
	}
	if pos < 0 || length < 0 || pos > d.Len() {
		return ErrInvalidPosition
	}

	_, right, offset := d.findPos(pos)
	if right == nil {
		return nil
	}
	if offset > 0 {
		d.splitItem(right, offset)
	}

	budget := length
	for cur := right; cur != nil && budget > 0; cur = cur.next {
		if cur.Deleted {
			continue
		}
		n := cur.runes()
		if n > budget {
			d.splitItem(cur, budget).Deleted = true
			break
		}
		cur.Deleted = true
		budget -= n
	}
	return nil
}

// Value materializes the visible text.
func (d *Doc) Value() string {
	var b strings.Builder
	for cur := d.head; cur != nil; cur = cur.next {
		if !cur.Deleted {
			b.WriteString(cur.Content)
		}
	}
	return b.String()
}

// Len returns the visible length in runes.
func (d *Doc) Len() int {
	total := 0
	for cur := d.head; cur != nil; cur = cur.next {
		if !cur.Deleted {
			total += cur.runes()
		}
	}
	return total
}

// All yields every item in list order, tombstones included. Yielded items
// are copies, safe to hold or send after the loop.
func (d *Doc) All() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for cur := d.head; cur != nil; cur = cur.next {
			if !yield(cur.wireCopy()) {
				return
			}
		}
	}
}

// Tombstones returns copies of every deleted item, in list order.
func (d *Doc) Tombstones() []Item {
	var out []Item
	for cur := d.head; cur != nil; cur = cur.next {
		if cur.Deleted {
			out = append(out, cur.wireCopy())
		}
	}
	return out
}

// Amendments returns copies of items whose stored form changed after
// minting: tombstones, and remainders truncated by a split. Neither change
// advances a clock, so state-vector deltas never carry them; transports send
// these alongside Diff output so peers whose vectors already cover the ids
// still learn the changes. Both marks travel with the item, so a peer that
// integrates an amendment re-amends it onward. Applying them is idempotent.
func (d *Doc) Amendments() []Item {
	var out []Item
	for cur := d.head; cur != nil; cur = cur.next {
		if cur.Deleted || cur.Truncated {
			out = append(out, cur.wireCopy())
		}
	}
	return out
}

// Pending returns how many received items are parked waiting for their
// anchors. A count that never drains means a dependency was lost upstream;
// surfacing or evicting those is the transport's call, not the document's.
func (d *Doc) Pending() int { return len(d.pending) }

// Clone returns a deep copy sharing no mutable state with the original,
// including its replica id and clock. Useful for snapshots and what-if
// merges.
func (d *Doc) Clone() *Doc {
	out := &Doc{
		client:   d.client,
		clock:    d.clock,
		items:    make(map[ID]*Item, len(d.items)),
		sv:       d.sv.Clone(),
		pending:  slices.Clone(d.pending),
		resolver: d.resolver,
	}
	for id, it := range d.items {
		c := *it
		c.prev, c.next = nil, nil
		out.items[id] = &c
	}
	var prev *Item
	for cur := d.head; cur != nil; cur = cur.next {
		c := out.items[cur.ID]
		c.prev = prev
		if prev != nil {
			prev.next = c
		} else {
			out.head = c
		}
		prev = c
	}
	return out
}
