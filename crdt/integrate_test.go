package crdt

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestApplyIdempotent(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "hello")
	mustInsert(t, a, 5, " world")
	mustDelete(t, a, 0, 1)

	u := a.Diff(StateVector{})

	b := New(2)
	b.Apply(u)
	once := b.Value()
	onceIDs := listIDs(b)

	b.Apply(u)
	require.Equal(t, once, b.Value())
	require.Equal(t, onceIDs, listIDs(b))
	require.Equal(t, a.Value(), b.Value())
	require.Equal(t, 0, b.Pending())
}

func TestApplyDuplicateWithinBatch(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "x")
	u := a.Diff(StateVector{})

	b := New(2)
	b.Apply(append(u, u...))
	require.Equal(t, "x", b.Value())
	require.Len(t, listIDs(b), 1)
}

func TestConcurrentRootInserts(t *testing.T) {
	a := New(1)
	b := New(2)
	mustInsert(t, a, 0, "A")
	mustInsert(t, b, 0, "B")

	merge(a, b)
	merge(b, a)

	require.Equal(t, "AB", a.Value())
	require.Equal(t, "AB", b.Value())
	require.Equal(t, a.StateVector(), b.StateVector())
}

func TestConcurrentSameAnchor(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "hello")
	b := New(2)
	merge(b, a)

	mustInsert(t, a, 5, "!")
	mustInsert(t, b, 5, "?")

	merge(a, b)
	merge(b, a)

	require.Equal(t, "hello!?", a.Value())
	require.Equal(t, "hello!?", b.Value())
	require.Equal(t, listIDs(a), listIDs(b))
}

func TestApplyParksUnresolvedItems(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "a")
	mustInsert(t, a, 1, "b")
	mustInsert(t, a, 2, "c")
	u := a.Diff(StateVector{})
	require.Len(t, u, 3)

	b := New(2)
	b.Apply(u[2:]) // c waits on b
	require.Equal(t, 1, b.Pending())
	require.Equal(t, "", b.Value())

	b.Apply(u[1:2]) // b waits on a
	require.Equal(t, 2, b.Pending())

	b.Apply(u[:1]) // a arrives, the buffer drains across two passes
	require.Equal(t, 0, b.Pending())
	require.Equal(t, "abc", b.Value())
}

func TestApplyParksOnMissingRightAnchor(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "ab")
	mustInsert(t, a, 1, "X")
	u := a.Diff(StateVector{}) // (1,0) "b", (1,2) "a", (1,3) "X"
	require.Equal(t, []ID{id(1, 0), id(1, 2), id(1, 3)}, []ID{u[0].ID, u[1].ID, u[2].ID})

	b := New(2)
	b.Apply(u[1:2]) // "a" waits on its right anchor
	require.Equal(t, 1, b.Pending())

	b.Apply(u[:1])
	require.Equal(t, 0, b.Pending())
	require.Equal(t, "ab", b.Value())

	b.Apply(u[2:])
	require.Equal(t, "aXb", b.Value())
	require.Equal(t, a.Value(), b.Value())
}

func TestApplyReversedBatch(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "one")
	mustInsert(t, a, 3, " two")
	mustInsert(t, a, 7, " three")
	mustDelete(t, a, 0, 3)

	u := a.Diff(StateVector{})
	rev := make([]Item, 0, len(u))
	for i := len(u) - 1; i >= 0; i-- {
		rev = append(rev, u[i])
	}

	b := New(2)
	b.Apply(rev)
	require.Equal(t, a.Value(), b.Value())
	require.Equal(t, 0, b.Pending())
}

func TestCommutativityAcrossReplicas(t *testing.T) {
	base := New(1)
	mustInsert(t, base, 0, "shared base")
	seed := base.Diff(StateVector{})
	seedSV := base.StateVector()

	a := New(1)
	a.Apply(seed)
	b := New(2)
	b.Apply(seed)
	c := New(3)
	c.Apply(seed)

	mustInsert(t, a, 11, "!")
	mustInsert(t, b, 0, "» ")
	mustInsert(t, c, 7, "common ")

	ua := update(a, seedSV)
	ub := update(b, seedSV)
	uc := update(c, seedSV)

	perms := [][3][]Item{
		{ua, ub, uc}, {ua, uc, ub},
		{ub, ua, uc}, {ub, uc, ua},
		{uc, ua, ub}, {uc, ub, ua},
	}

	var want string
	for i, perm := range perms {
		d := New(9)
		d.Apply(seed)
		for _, u := range perm {
			d.Apply(u)
		}
		if i == 0 {
			want = d.Value()
			require.Contains(t, want, "common ")
			require.Contains(t, want, "!")
			require.Contains(t, want, "» ")
		}
		require.Equalf(t, want, d.Value(), "permutation %d diverged", i)
		require.Equal(t, 0, d.Pending())
	}
}

func TestDeletionSpreadsViaAmendments(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "h")
	mustInsert(t, a, 1, "i")
	b := New(2)
	merge(b, a)
	require.Equal(t, "hi", b.Value())

	mustDelete(t, a, 0, 1)

	// a whole-item delete mints nothing, so the peer's vector already
	// covers it and the delta is empty; only the amendment channel can
	// carry the tombstone
	require.Empty(t, a.Diff(b.StateVector()))

	b.Apply(a.Tombstones())
	require.Equal(t, "i", b.Value())

	b.Apply(a.Tombstones())
	require.Equal(t, "i", b.Value())
}

func TestMidItemDeleteShipsFreshTombstone(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "hi")
	b := New(2)
	merge(b, a)

	mustDelete(t, a, 0, 1)

	// deleting inside a run splits it, and the minted-off half is an id
	// the peer has never seen, so it rides the delta
	delta := a.Diff(b.StateVector())
	require.Len(t, delta, 1)
	require.Equal(t, id(1, 2), delta[0].ID)
	require.True(t, delta[0].Deleted)

	// the splitter covers its own mint the moment it happens
	require.Empty(t, a.Diff(a.StateVector()))

	merge(b, a)
	require.Equal(t, "i", b.Value())
	require.Equal(t, listIDs(a), listIDs(b))
}

func TestSplitReachesSyncedPeer(t *testing.T) {
	a := New(1)
	mustInsert(t, a, 0, "hello")
	b := New(2)
	merge(b, a)

	mustInsert(t, a, 2, "X")
	require.Equal(t, "heXllo", a.Value())

	merge(b, a)
	require.Equal(t, "heXllo", b.Value())
	require.Equal(t, listIDs(a), listIDs(b))

	// b adopted the truncation, so b re-broadcasts it in its own amendments
	var bAmends []ID
	for _, it := range b.Amendments() {
		bAmends = append(bAmends, it.ID)
	}
	require.Contains(t, bAmends, id(1, 0))

	c := New(3)
	merge(c, b)
	require.Equal(t, "heXllo", c.Value())
}

func TestRehydratedReplicaContinuesMinting(t *testing.T) {
	orig := New(7)
	mustInsert(t, orig, 0, "saved")

	// rehydration is items plus the vector the state was saved with
	restored := New(7)
	restored.Apply(orig.Diff(StateVector{}))
	restored.ObserveVector(orig.StateVector())
	require.Equal(t, "saved", restored.Value())

	mustInsert(t, restored, 5, "!")
	require.Equal(t, "saved!", restored.Value())
	// the new item must not collide with the restored history
	require.Equal(t, []ID{id(7, 0), id(7, 5)}, listIDs(restored))
}

func TestRehydrationRestoresClockAfterPeerSplit(t *testing.T) {
	orig := New(7)
	mustInsert(t, orig, 0, "abcde")

	peer := New(1)
	merge(peer, orig)
	mustInsert(t, peer, 2, "X")
	require.Equal(t, "abXcde", peer.Value())

	// the peer's split truncated (7,0) down to "cde", so replaying items
	// alone only reaches clock 2; the saved vector restores the rest
	restored := New(7)
	restored.Apply(update(peer, nil))
	restored.ObserveVector(peer.StateVector())

	mustInsert(t, restored, 0, "NEW")
	require.Equal(t, []ID{id(7, 5), id(1, 0), id(1, 1), id(7, 0)}, listIDs(restored))

	merge(peer, restored)
	merge(restored, peer)
	require.Equal(t, "NEWabXcde", restored.Value())
	require.Equal(t, "NEWabXcde", peer.Value())
}

func TestConvergenceAfterInterleavedEdits(t *testing.T) {
	a := New(1)
	b := New(2)

	mustInsert(t, a, 0, "abc")
	merge(b, a)
	mustInsert(t, b, 3, "def")
	merge(a, b)

	mustDelete(t, a, 1, 2)
	mustInsert(t, b, 2, "-")

	merge(a, b)
	merge(b, a)

	require.Equal(t, a.Value(), b.Value())
	if diff := cmp.Diff(a.StateVector(), b.StateVector()); diff != "" {
		t.Errorf("state vectors diverged (-a +b):\n%s", diff)
	}
	require.Equal(t, listIDs(a), listIDs(b))
}

func TestConvergenceWhenInsertLandsBesideTombstones(t *testing.T) {
	r1 := New(1)
	r2 := New(2)

	mustInsert(t, r2, 0, "bc")
	mustInsert(t, r1, 0, "a")
	merge(r2, r1)

	mustDelete(t, r2, 2, 1)
	mustInsert(t, r1, 1, "a")
	mustDelete(t, r1, 0, 1)
	// this lands between r1's own tombstone and the surviving "a"; its
	// anchors must name the tombstone or r2's walk sees a different window
	mustInsert(t, r1, 0, "bc")

	merge(r1, r2)
	merge(r2, r1)

	require.Equal(t, "bcab", r1.Value())
	require.Equal(t, "bcab", r2.Value())
	require.Equal(t, []ID{id(1, 0), id(1, 2), id(1, 1), id(2, 2), id(2, 0)}, listIDs(r1))
	require.Equal(t, listIDs(r1), listIDs(r2))
	require.Equal(t, r1.StateVector(), r2.StateVector())
}

func TestConvergenceUnderRandomConcurrentEdits(t *testing.T) {
	const (
		seeds = 50
		steps = 40
	)
	alphabet := []rune("abcdefgxyz🦀")

	for seed := range uint64(seeds) {
		rng := rand.New(rand.NewPCG(seed, 0))
		docs := []*Doc{New(1), New(2), New(3)}

		for range steps {
			d := docs[rng.IntN(len(docs))]
			if rng.IntN(3) == 0 && d.Len() > 0 {
				mustDelete(t, d, rng.IntN(d.Len()), 1+rng.IntN(2))
			} else {
				var sb strings.Builder
				for range 1 + rng.IntN(3) {
					sb.WriteRune(alphabet[rng.IntN(len(alphabet))])
				}
				mustInsert(t, d, rng.IntN(d.Len()+1), sb.String())
			}
			if rng.IntN(2) == 0 {
				src, dst := rng.IntN(len(docs)), rng.IntN(len(docs))
				if src != dst {
					merge(docs[dst], docs[src])
				}
			}
		}

		// two full-mesh sweeps deliver every item and amendment everywhere
		for range 2 {
			for _, dst := range docs {
				for _, src := range docs {
					if src != dst {
						merge(dst, src)
					}
				}
			}
		}

		for _, d := range docs {
			require.Equalf(t, 0, d.Pending(), "seed %d left items unresolved", seed)
			require.Equalf(t, docs[0].Value(), d.Value(), "seed %d diverged", seed)
			require.Equalf(t, listIDs(docs[0]), listIDs(d), "seed %d item order diverged", seed)
		}
	}
}
