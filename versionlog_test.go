package parloop

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestVersionLog_RecordReadAndHasWriteAfter(t *testing.T) {
	v := newVersionLog()
	var x int64
	addr := Address(unsafe.Pointer(&x))

	// No history yet: nothing is after anything.
	assert.False(t, v.hasWriteAfter(addr, Timestamp{0}))

	v.recordWrite(addr, Timestamp{5})
	assert.True(t, v.hasWriteAfter(addr, Timestamp{3}))
	assert.False(t, v.hasWriteAfter(addr, Timestamp{5}))
	assert.False(t, v.hasWriteAfter(addr, Timestamp{9}))
}

func TestVersionLog_HasReadOrWriteAfter(t *testing.T) {
	v := newVersionLog()
	var x int64
	addr := Address(unsafe.Pointer(&x))

	v.recordRead(addr, Timestamp{4})
	assert.True(t, v.hasReadOrWriteAfter(addr, Timestamp{1}))
	assert.False(t, v.hasReadOrWriteAfter(addr, Timestamp{4}))

	v.recordWrite(addr, Timestamp{2})
	assert.True(t, v.hasReadOrWriteAfter(addr, Timestamp{1}))
	// The read at 4 is still strictly greater than a probe of 3.
	assert.True(t, v.hasReadOrWriteAfter(addr, Timestamp{3}))
	assert.False(t, v.hasReadOrWriteAfter(addr, Timestamp{4}))
}

func TestVersionLog_RecordWrite_FirstWriteDetection(t *testing.T) {
	v := newVersionLog()
	var x int64
	addr := Address(unsafe.Pointer(&x))

	first := v.recordWrite(addr, Timestamp{1})
	assert.True(t, first)

	second := v.recordWrite(addr, Timestamp{2})
	assert.False(t, second)
}

func TestInsertDescending_MaintainsOrder(t *testing.T) {
	var list []Timestamp
	list = insertDescending(list, Timestamp{3})
	list = insertDescending(list, Timestamp{7})
	list = insertDescending(list, Timestamp{1})
	list = insertDescending(list, Timestamp{5})

	want := []Timestamp{{7}, {5}, {3}, {1}}
	assert.Equal(t, want, list)
}
