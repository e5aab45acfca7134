package parloop

// Task is one loop iteration: its induction value, the marshalled-args
// pointer passed to the parallel body, an optional nested-scope pointer for
// a continuation Task spawned on success, its Timestamp, and the Job that
// owns it.
//
// heapIndex is maintained by container/heap for O(log n) removal; callers
// never read or set it directly.
type Task struct {
	Indvar    int64
	Args      Address
	NewScope  Address
	Timestamp Timestamp
	Job       *Job

	heapIndex int
}

// Exec invokes the Task's Job's current body with this Task's induction
// value and marshalled-args pointer. The original's Task::exec always calls
// through the Job's single m_func field regardless of whether that Job is
// running a parallel, sequential, or continuation body — finishJob rewires
// which function a successor Job's Parallel field holds rather than Task
// dispatching on a tag, so this mirrors that by always calling Job.Parallel.
func (t *Task) Exec() {
	t.Job.Parallel(t.Indvar, t.Args)
}

// taskHeap is a container/heap min-heap of *Task ordered by Timestamp, so
// the lowest-timestamp Task is always popped first (spec.md §3: "the
// scheduler uses the inverse (min-timestamp-first) for Task priority within
// a Job").
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].Timestamp.Less(h[j].Timestamp)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}
