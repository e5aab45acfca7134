package parloop

import "golang.org/x/exp/constraints"

// Timestamp identifies a Task within its Job hierarchy: a finite ordered
// sequence of int64, compared lexicographically. A child Task's Timestamp is
// its parent's sequence with the child's own induction value appended.
//
// Two distinct live Tasks within a Job never have equal Timestamps
// (spec.md §3's Timestamp invariant); callers that violate this by reusing
// an induction value get undefined conflict-detection results, not a panic.
type Timestamp []int64

// Extend returns a new Timestamp equal to t with indvar appended, for
// deriving a child Task's Timestamp from its parent's.
func (t Timestamp) Extend(indvar int64) Timestamp {
	out := make(Timestamp, len(t)+1)
	copy(out, t)
	out[len(t)] = indvar
	return out
}

// Compare returns -1, 0, or 1 as t is lexicographically less than, equal to,
// or greater than other. A shorter sequence that is a prefix of a longer one
// compares as less than it, matching lexicographic order over sequences of
// unequal length.
//
// This compares values, not pointer identity. spec.md §9 Open Question (a)
// flags that the prior system this package replaces ordered Timestamp* by
// address — apparently a bug — and specifies value-ordering as the intended
// semantics. This is that corrected semantics, not a remaining open
// question.
func (t Timestamp) Compare(other Timestamp) int {
	n := minInt(len(t), len(other))
	for i := 0; i < n; i++ {
		if c := compareOrdered(t[i], other[i]); c != 0 {
			return c
		}
	}
	return compareOrdered(len(t), len(other))
}

// Less reports whether t sorts strictly before other.
func (t Timestamp) Less(other Timestamp) bool {
	return t.Compare(other) < 0
}

func compareOrdered[T constraints.Ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
