package parloop

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_CheckLoad_NoConflictWithoutLaterWrite(t *testing.T) {
	js := newJobState(nil, nil)
	var x int64
	addr := Address(unsafe.Pointer(&x))

	js.CheckLoad(addr, Timestamp{5}, 1)
	noConflicts := js.NoConflicts()
	assert.True(t, noConflicts)
}

func TestJobState_CheckLoad_ConflictsWithLaterWrite(t *testing.T) {
	js := newJobState(nil, nil)
	var x int64
	addr := Address(unsafe.Pointer(&x))

	js.CheckStoreAndRecordWrite(addr, 8, Timestamp{9}, 1, func() []byte { return make([]byte, 8) })
	require.True(t, js.NoConflicts())

	// A reader with a lower timestamp than the recorded write observes a
	// write-after-read conflict (spec.md §4.3).
	js.CheckLoad(addr, Timestamp{3}, 1)
	assert.False(t, js.NoConflicts())
}

func TestJobState_CheckStore_ConflictsWithLaterReadOrWrite(t *testing.T) {
	t.Run("later read", func(t *testing.T) {
		js := newJobState(nil, nil)
		var x int64
		addr := Address(unsafe.Pointer(&x))

		js.RecordRead(addr, Timestamp{9})
		js.CheckStoreAndRecordWrite(addr, 8, Timestamp{3}, 1, func() []byte { return make([]byte, 8) })
		assert.False(t, js.NoConflicts())
	})

	t.Run("later write", func(t *testing.T) {
		js := newJobState(nil, nil)
		var x int64
		addr := Address(unsafe.Pointer(&x))

		js.CheckStoreAndRecordWrite(addr, 8, Timestamp{9}, 1, func() []byte { return make([]byte, 8) })
		require.True(t, js.NoConflicts())

		js.CheckStoreAndRecordWrite(addr, 8, Timestamp{3}, 1, func() []byte { return make([]byte, 8) })
		assert.False(t, js.NoConflicts())
	})

	t.Run("no conflict, independent addresses", func(t *testing.T) {
		js := newJobState(nil, nil)
		var x, y int64
		addrX := Address(unsafe.Pointer(&x))
		addrY := Address(unsafe.Pointer(&y))

		js.CheckStoreAndRecordWrite(addrX, 8, Timestamp{1}, 1, func() []byte { return make([]byte, 8) })
		js.CheckStoreAndRecordWrite(addrY, 8, Timestamp{2}, 1, func() []byte { return make([]byte, 8) })
		assert.True(t, js.NoConflicts())
	})
}

func TestJobState_StickyConflictFlag(t *testing.T) {
	js := newJobState(nil, nil)
	var x, y int64
	addrX := Address(unsafe.Pointer(&x))
	addrY := Address(unsafe.Pointer(&y))

	js.RecordRead(addrX, Timestamp{9})
	js.CheckStoreAndRecordWrite(addrX, 8, Timestamp{3}, 1, func() []byte { return make([]byte, 8) })
	require.False(t, js.NoConflicts())

	// Once the conflict flag is sticky-false, a later independent write must
	// not be appended to the log (spec.md §3's JobState invariant) — verify
	// by checking that undo entries stop accumulating for fresh addresses.
	beforeCalled := false
	js.CheckStoreAndRecordWrite(addrY, 8, Timestamp{1}, 1, func() []byte {
		beforeCalled = true
		return make([]byte, 8)
	})
	assert.False(t, js.NoConflicts())
	assert.False(t, beforeCalled, "no new undo entries should be installed once noConflicts is false")
}

func TestJobState_FirstWriteInstallsUndoEntry(t *testing.T) {
	js := newJobState(nil, nil)
	var x int64 = 42
	addr := Address(unsafe.Pointer(&x))

	calls := 0
	before := func() []byte {
		calls++
		return []byte{1, 2, 3, 4, 5, 6, 7, 8}
	}

	js.CheckStoreAndRecordWrite(addr, 8, Timestamp{1}, 1, before)
	js.CheckStoreAndRecordWrite(addr, 8, Timestamp{2}, 1, before)

	assert.Equal(t, 1, calls, "the before-image snapshot is only taken on the first write to an address")

	undoCount, noConflicts := js.Stats()
	assert.Equal(t, 1, undoCount)
	assert.True(t, noConflicts)
}

func TestJobState_Rollback_RestoresEveryUndoEntry(t *testing.T) {
	js := newJobState(nil, nil)
	a := int64(1)
	b := int64(2)
	addrA := Address(unsafe.Pointer(&a))
	addrB := Address(unsafe.Pointer(&b))

	snapshot := func(addr Address) func() []byte {
		return func() []byte {
			buf := make([]byte, 8)
			copy(buf, unsafe.Slice((*byte)(addr), 8))
			return buf
		}
	}

	js.CheckStoreAndRecordWrite(addrA, 8, Timestamp{1}, 1, snapshot(addrA))
	js.CheckStoreAndRecordWrite(addrB, 8, Timestamp{2}, 1, snapshot(addrB))

	a = 100
	b = 200

	restored := map[Address][]byte{}
	js.Rollback(func(addr Address, saved []byte) {
		restored[addr] = saved
		dst := unsafe.Slice((*byte)(addr), len(saved))
		copy(dst, saved)
	})

	assert.Len(t, restored, 2)
	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
}
