package parloop

import (
	"cmp"
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func noopParallel(int64, Address) {}

func TestJob_PopTask_OrdersByAscendingTimestamp(t *testing.T) {
	job := newJob(0, noopParallel, nil, nil, nil, newJobState(nil, nil), nil)

	job.Enqueue(&Task{Indvar: 5, Timestamp: Timestamp{5}})
	job.Enqueue(&Task{Indvar: 1, Timestamp: Timestamp{1}})
	job.Enqueue(&Task{Indvar: 3, Timestamp: Timestamp{3}})

	var order []int64
	for i := 0; i < 3; i++ {
		task, barrier := job.PopTask(1)
		require.False(t, barrier)
		require.NotNil(t, task)
		order = append(order, task.Indvar)
	}
	assert.Equal(t, []int64{1, 3, 5}, order)
}

func TestJob_PopTask_BarrierOnceEveryWorkerWaits(t *testing.T) {
	job := newJob(0, noopParallel, nil, nil, nil, newJobState(nil, nil), nil)

	task, barrier := job.PopTask(2)
	assert.Nil(t, task)
	assert.False(t, barrier, "only the last of N workers to park triggers the barrier")

	task, barrier = job.PopTask(2)
	assert.Nil(t, task)
	assert.True(t, barrier)
}

func TestJob_PopTask_EmptyQueueParksWorker(t *testing.T) {
	job := newJob(0, noopParallel, nil, nil, nil, newJobState(nil, nil), nil)
	job.Enqueue(&Task{Indvar: 1, Timestamp: Timestamp{1}})

	task, barrier := job.PopTask(2)
	require.NotNil(t, task)
	assert.False(t, barrier)

	// Queue now empty: both remaining pops park, the second triggers barrier.
	task, barrier = job.PopTask(2)
	assert.Nil(t, task)
	assert.False(t, barrier)

	task, barrier = job.PopTask(2)
	assert.Nil(t, task)
	assert.True(t, barrier)
}

func TestJob_PopTask_AlreadyConflictedTreatsQueueAsDrained(t *testing.T) {
	state := newJobState(nil, nil)
	job := newJob(0, noopParallel, nil, nil, nil, state, nil)
	job.Enqueue(&Task{Indvar: 1, Timestamp: Timestamp{1}})

	var x int64
	state.RecordRead(Address(nil), Timestamp{9})
	state.CheckStoreAndRecordWrite(Address(nil), 8, Timestamp{1}, 0, func() []byte { return make([]byte, 8) })
	require.False(t, state.NoConflicts())
	_ = x

	// Even though a Task is still queued, a tripped conflict flag means
	// pop_task treats the queue as drained (spec.md §4.4).
	task, barrier := job.PopTask(1)
	assert.Nil(t, task)
	assert.True(t, barrier)
}

func TestJob_AddParentTaskAndParentTasks(t *testing.T) {
	job := newJob(0, noopParallel, nil, nil, nil, newJobState(nil, nil), nil)
	parent := &Task{Indvar: 0, Timestamp: Timestamp{0}}
	job.AddParentTask(parent)

	got := job.ParentTasks()
	require.Len(t, got, 1)
	assert.Same(t, parent, got[0])
}

func TestJobHeap_OrdersByAscendingPriority(t *testing.T) {
	a := newJob(2, noopParallel, nil, nil, nil, newJobState(nil, nil), nil)
	b := newJob(0, noopParallel, nil, nil, nil, newJobState(nil, nil), nil)
	c := newJob(1, noopParallel, nil, nil, nil, newJobState(nil, nil), nil)

	h := &jobHeap{}
	heap.Init(h)
	heap.Push(h, a)
	heap.Push(h, b)
	heap.Push(h, c)

	var order []uint32
	for h.Len() > 0 {
		order = append(order, heap.Pop(h).(*Job).Priority)
	}
	assert.Equal(t, []uint32{0, 1, 2}, order)
	assert.True(t, slices.IsSortedFunc(order, func(a, b uint32) int { return cmp.Compare(a, b) }))
}
