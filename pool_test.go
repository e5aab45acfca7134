package parloop

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrOf(x *int64) Address { return Address(unsafe.Pointer(x)) }

// TestEnqueueTask_IndependentIterationsSucceed mirrors spec.md §8 scenario 3:
// a loop with no cross-iteration memory dependency must succeed with no
// rollback, and produce results identical to running it serially.
func TestEnqueueTask_IndependentIterationsSucceed(t *testing.T) {
	pool, err := NewThreadPool(WithWorkers(4))
	require.NoError(t, err)

	const n = 100
	a := make([]int64, n)

	parallel := func(indvar int64, scope Address) {
		addr := addrOf(&a[indvar])
		pool.CheckWriteConflict(addr, 8)
		a[indvar] = indvar * 2
	}

	ok, err := pool.EnqueueTask(EnqueueArgs{
		Parallel: parallel,
		Start:    0, Step: 1, Final: n,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	for i := int64(0); i < n; i++ {
		assert.Equal(t, i*2, a[i])
	}
}

// TestEnqueueTask_DeterministicConflictRollsBack forces two iterations to
// race on the same address in a controlled order — the lower-timestamp
// iteration runs second and observes the higher-timestamp iteration's write
// already recorded, which must latch the Job's conflict flag and, on
// rollback, restore the pre-Job value (spec.md §8's invariant on rollback).
func TestEnqueueTask_DeterministicConflictRollsBack(t *testing.T) {
	pool, err := NewThreadPool(WithWorkers(2))
	require.NoError(t, err)

	shared := int64(-1)
	addr := addrOf(&shared)

	higherStarted := make(chan struct{})
	lowerMayProceed := make(chan struct{})

	parallel := func(indvar int64, scope Address) {
		switch indvar {
		case 1: // higher timestamp: write first, then signal.
			pool.CheckWriteConflict(addr, 8)
			shared = 100
			close(higherStarted)
		case 0: // lower timestamp: wait until the higher write lands.
			<-higherStarted
			pool.CheckWriteConflict(addr, 8)
			shared = 200
			close(lowerMayProceed)
		}
	}

	ok, err := pool.EnqueueTask(EnqueueArgs{
		Parallel: parallel,
		Start:    0, Step: 1, Final: 2,
	})
	require.NoError(t, err)
	assert.False(t, ok, "iteration 0 observing iteration 1's already-recorded write must be flagged as a conflict")

	select {
	case <-lowerMayProceed:
	case <-time.After(time.Second):
		t.Fatal("iteration 0 never ran")
	}

	// Rollback restores the value present at the moment of the Job's first
	// write to the address, i.e. before either iteration touched it.
	assert.Equal(t, int64(-1), shared)
}

// TestEnqueueTask_SequentialFallbackRunsOnConflict verifies that when a
// nested Job conflicts and has a Sequential body, finishJob dispatches it as
// a successor Job whose Tasks are derived one-for-one from the conflicted
// Job's parent Tasks (spec.md §4.4) — exercising the case spec.md §4.1 step 4
// actually produces a Sequential body for: a nested (already-extracted)
// inner loop, not a top-level one.
func TestEnqueueTask_SequentialFallbackRunsOnConflict(t *testing.T) {
	pool, err := NewThreadPool(WithWorkers(2))
	require.NoError(t, err)

	shared := int64(0)
	addr := addrOf(&shared)

	var sequentialRan sync.WaitGroup
	sequentialRan.Add(1)

	higherWrote := make(chan struct{})

	var inner ParallelBody
	outer := func(i int64, scope Address) {
		ok, err := pool.EnqueueTask(EnqueueArgs{
			Parallel:   inner,
			Sequential: func(int64, Address) { sequentialRan.Done() },
			Start:      0, Step: 1, Final: 2,
		})
		require.NoError(t, err)
		require.True(t, ok, "nested dispatch always reports success immediately")
	}
	inner = func(j int64, scope Address) {
		switch j {
		case 1:
			pool.CheckWriteConflict(addr, 8)
			close(higherWrote)
		case 0:
			<-higherWrote
			pool.CheckWriteConflict(addr, 8)
		}
	}

	ok, err := pool.EnqueueTask(EnqueueArgs{
		Parallel: outer,
		Start:    0, Step: 1, Final: 1,
	})
	require.NoError(t, err)
	assert.False(t, ok, "the inner Job's conflict must propagate to the overall session result")

	waited := make(chan struct{})
	go func() {
		sequentialRan.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("sequential fallback never ran")
	}
}

// TestEnqueueTask_NestedDispatchIsPendingUntilParentCommits exercises the
// nested-loop case (spec.md §3): a dispatch from within an executing Task
// creates a Job that only becomes active once its parent Job finishes.
func TestEnqueueTask_NestedDispatchIsPendingUntilParentCommits(t *testing.T) {
	pool, err := NewThreadPool(WithWorkers(2))
	require.NoError(t, err)

	const outerN, innerN = 5, 5
	b := make([]int64, outerN*innerN)

	var inner ParallelBody
	outer := func(i int64, scope Address) {
		ok, err := pool.EnqueueTask(EnqueueArgs{
			Parallel: inner,
			Scope:    Address(unsafe.Pointer(&i)),
			Start:    0, Step: 1, Final: innerN,
		})
		require.NoError(t, err)
		require.True(t, ok, "nested dispatch always reports success immediately")
	}
	inner = func(j int64, scope Address) {
		i := *(*int64)(unsafe.Pointer(scope))
		addr := addrOf(&b[i*innerN+j])
		pool.CheckWriteConflict(addr, 8)
		b[i*innerN+j] = i*innerN + j
	}

	ok, err := pool.EnqueueTask(EnqueueArgs{
		Parallel: outer,
		Start:    0, Step: 1, Final: outerN,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	for i := int64(0); i < outerN*innerN; i++ {
		assert.Equal(t, i, b[i])
	}
}

// TestEnqueueTask_SequentialSessionsReuseThePool verifies the pool can be
// dispatched against more than once in sequence, each round fully clearing
// before the next begins (spec.md §8: "all worker threads are joined and
// the pool holds no active Jobs" after EnqueueTask returns on the main
// thread).
func TestEnqueueTask_SequentialSessionsReuseThePool(t *testing.T) {
	pool, err := NewThreadPool(WithWorkers(3))
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		var count int64
		var mu sync.Mutex
		parallel := func(indvar int64, scope Address) {
			mu.Lock()
			count++
			mu.Unlock()
		}
		ok, err := pool.EnqueueTask(EnqueueArgs{Parallel: parallel, Start: 0, Step: 1, Final: 10})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(10), count)

		pool.jobMu.Lock()
		activeCount := len(pool.activeJobs)
		pool.jobMu.Unlock()
		assert.Equal(t, 0, activeCount)
	}
}

func TestThreadPool_Malloc(t *testing.T) {
	pool, err := NewThreadPool()
	require.NoError(t, err)

	addr := pool.Malloc(8, 4)
	require.NotNil(t, addr)
	slice := unsafe.Slice((*int64)(unsafe.Pointer(addr)), 4)
	for i := range slice {
		slice[i] = int64(i)
	}
	assert.Equal(t, []int64{0, 1, 2, 3}, slice)

	assert.Nil(t, pool.Malloc(0, 4))
}

func TestThreadPool_CheckConflict_PanicsWithoutCurrentTask(t *testing.T) {
	pool, err := NewThreadPool()
	require.NoError(t, err)

	assert.Panics(t, func() {
		pool.CheckLoadConflict(Address(nil))
	})
	assert.Panics(t, func() {
		pool.CheckWriteConflict(Address(nil), 8)
	})
}

func TestEnqueueTask_RejectsNilParallelAndZeroStep(t *testing.T) {
	pool, err := NewThreadPool()
	require.NoError(t, err)

	_, err = pool.EnqueueTask(EnqueueArgs{Start: 0, Step: 1, Final: 1})
	assert.Error(t, err)

	_, err = pool.EnqueueTask(EnqueueArgs{Parallel: noopParallel, Start: 0, Step: 0, Final: 1})
	assert.Error(t, err)
}
