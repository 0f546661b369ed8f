package crdt

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"unicode/utf8"
)

// ErrInvalidPosition reports an insert or delete whose start offset lies
// outside the visible text.
var ErrInvalidPosition = errors.New("crdt: position out of range")

// ID labels a run of characters minted by one replica in one edit. A replica
// never reuses a clock value, so the pair is globally unique. IDs order
// lexicographically by (Client, Clock).
type ID struct {
	Client uint64 `json:"client"`
	Clock  uint64 `json:"clock"`
}

// Compare orders two ids by replica, then clock.
func (id ID) Compare(other ID) int {
	if c := cmp.Compare(id.Client, other.Client); c != 0 {
		return c
	}
	return cmp.Compare(id.Clock, other.Clock)
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func idPtrEqual(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneIDPtr(id *ID) *ID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

// Item is a run of characters created atomically by a single edit. Left and
// Right hold the identifiers of the neighbors the author saw at creation
// time; they never change afterwards and are what travels between replicas.
// The live list position is tracked by the owning document through private
// links, so concurrent insertions and splits move an item without rewriting
// its anchors.
//
// A deleted item stays in the document as a tombstone. Its identifier must
// remain resolvable for operations still in flight that anchor on it.
type Item struct {
	ID      ID     `json:"id"`
	Left    *ID    `json:"left,omitempty"`
	Right   *ID    `json:"right,omitempty"`
	Content string `json:"content"`
	Deleted bool   `json:"deleted,omitempty"`

	// Truncated marks a split remainder: the run once extended past its
	// current content. Such items must reach peers whose state vectors
	// already cover them, so they travel with every update.
	Truncated bool `json:"truncated,omitempty"`

	prev, next *Item
}

// runes returns the content length in Unicode scalar values. All position
// arithmetic counts runes, never bytes.
func (it *Item) runes() int {
	return utf8.RuneCountInString(it.Content)
}

// wireCopy returns the transferable view of the item, without live links.
func (it *Item) wireCopy() Item {
	return Item{
		ID:        it.ID,
		Left:      cloneIDPtr(it.Left),
		Right:     cloneIDPtr(it.Right),
		Content:   it.Content,
		Deleted:   it.Deleted,
		Truncated: it.Truncated,
	}
}

// StateVector records, per replica, the highest clock this document has
// integrated from that replica. A replica with no entry is wholly unknown.
type StateVector map[uint64]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	return maps.Clone(sv)
}

// Covers reports whether id has been integrated according to the vector.
func (sv StateVector) Covers(id ID) bool {
	last, ok := sv[id.Client]
	return ok && id.Clock <= last
}

// Observe folds an item's clock span into the vector. Truncated content
// under-counts the span the item covered at minting; that only makes a
// peer re-send items the other side already holds, and Apply drops those.
func (sv StateVector) Observe(it Item) {
	last := it.ID.Clock
	if n := it.runes(); n > 0 {
		last = it.ID.Clock + uint64(n) - 1
	}
	if cur, ok := sv[it.ID.Client]; !ok || last > cur {
		sv[it.ID.Client] = last
	}
}

// Merge folds other into the vector, keeping the higher clock per replica.
func (sv StateVector) Merge(other StateVector) {
	for client, last := range other {
		if cur, ok := sv[client]; !ok || last > cur {
			sv[client] = last
		}
	}
}

// Crdt is the replication contract shared by document types: integrate
// remote items, compute the delta a peer is missing, and report local
// integration progress.
type Crdt interface {
	Apply(update []Item)
	Diff(remote StateVector) []Item
	StateVector() StateVector
}

// SequenceCrdt is the editing surface of a replicated character sequence.
type SequenceCrdt interface {
	Insert(pos int, text string) error
	Delete(pos, length int) error
	Value() string
}
