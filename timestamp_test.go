package parloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_Extend(t *testing.T) {
	root := Timestamp{7}
	child := root.Extend(3)
	require.Equal(t, Timestamp{7, 3}, child)
	// Extend must not mutate the receiver's backing array.
	require.Equal(t, Timestamp{7}, root)
}

func TestTimestamp_Compare(t *testing.T) {
	cases := []struct {
		name     string
		a, b     Timestamp
		expected int
	}{
		{"equal", Timestamp{1, 2}, Timestamp{1, 2}, 0},
		{"less by value", Timestamp{1, 2}, Timestamp{1, 3}, -1},
		{"greater by value", Timestamp{1, 3}, Timestamp{1, 2}, 1},
		{"prefix is less", Timestamp{1}, Timestamp{1, 0}, -1},
		{"longer is greater", Timestamp{1, 0}, Timestamp{1}, 1},
		{"differs at first element", Timestamp{2}, Timestamp{1, 99}, 1},
		{"empty vs empty", Timestamp{}, Timestamp{}, 0},
		{"empty vs nonempty", Timestamp{}, Timestamp{0}, -1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, c.a.Compare(c.b))
			assert.Equal(t, -c.expected, c.b.Compare(c.a))
			assert.Equal(t, c.expected < 0, c.a.Less(c.b))
		})
	}
}

func TestTimestamp_ChildDerivation(t *testing.T) {
	// spec.md §3: two distinct live Tasks within a Job never compare equal.
	parent := Timestamp{0}
	childA := parent.Extend(5)
	childB := parent.Extend(6)
	assert.True(t, childA.Less(childB))
	assert.NotEqual(t, 0, childA.Compare(childB))
}
