package parloop

import (
	"container/heap"
	"sync"
)

// ParallelBody is the extracted loop body emitted by the IR Transformer:
// signature (int64, ptr) -> void per spec.md §4.1 step 3.
type ParallelBody func(indvar int64, scope Address)

// SequentialBody is the faithful serial clone emitted alongside a nested
// transform (spec.md §4.1 step 4), run when a Job's speculative attempt
// fails and must be redone in order.
type SequentialBody func(indvar int64, scope Address)

// ContinuationBody resumes execution after the loop. Despite spec.md §4.1
// step 4 describing it as carrying "F's original signature", the original
// scheduler's Task::exec always invokes a Job's current function through one
// uniform FunctionPtr — parallel, sequential and continuation bodies are
// interchangeable at the call site, which is what lets a continuation Job's
// Tasks be derived directly from its parent's Tasks (same indvar, a scope
// built to the same convention as the parallel body's). This type matches
// that uniform signature rather than a distinct one.
type ContinuationBody func(indvar int64, scope Address)

// Job is a priority-ordered queue of Tasks plus a JobState, the extracted
// parallel body, an optional sequential and continuation body, and a parent
// Job. Jobs form a parent→children forest; only Jobs whose parent has
// committed become active (spec.md §3).
type Job struct {
	// Priority is the global monotonic allocation order: lower runs first.
	Priority uint32

	Parallel     ParallelBody
	Sequential   SequentialBody
	Continuation ContinuationBody
	Parent       *Job

	State *JobState

	mu          sync.Mutex
	taskQueue   taskHeap
	parentTasks map[*Task]struct{}
	waiting     int

	done     chan struct{}
	doneOnce sync.Once
	success  bool

	metrics *Metrics

	// heapIndex is this Job's position in the pool's active-job heap.
	heapIndex int
}

// newJob constructs a Job with an empty task queue.
func newJob(priority uint32, parallel ParallelBody, sequential SequentialBody, continuation ContinuationBody, parent *Job, state *JobState, metrics *Metrics) *Job {
	return &Job{
		Priority:     priority,
		Parallel:     parallel,
		Sequential:   sequential,
		Continuation: continuation,
		Parent:       parent,
		State:        state,
		parentTasks:  make(map[*Task]struct{}),
		done:         make(chan struct{}),
		metrics:      metrics,
	}
}

// Enqueue adds a Task to this Job's task queue.
func (j *Job) Enqueue(t *Task) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t.Job = j
	heap.Push(&j.taskQueue, t)
	if j.metrics != nil {
		j.metrics.Queue.UpdateTasks(len(j.taskQueue))
	}
}

// AddParentTask records t as having spawned a queued child into this Job,
// so finishJob can derive this Job's successor Tasks from it.
func (j *Job) AddParentTask(t *Task) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.parentTasks[t] = struct{}{}
}

// ParentTasks returns the Tasks that spawned children into this Job.
func (j *Job) ParentTasks() []*Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Task, 0, len(j.parentTasks))
	for t := range j.parentTasks {
		out = append(out, t)
	}
	return out
}

// PopTask implements spec.md §4.4's pop_task. If the queue is empty or the
// Job's conflict flag has already tripped, the calling worker is registered
// as waiting; once every worker in the pool has done so the Job is finished
// (reported via the barrier return value) and the caller must call
// ThreadPool.finishJob followed by Job.release. Otherwise the min-timestamp
// Task is popped and returned.
func (j *Job) PopTask(poolSize int) (task *Task, barrier bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.taskQueue) == 0 || !j.State.NoConflicts() {
		j.waiting++
		if j.metrics != nil {
			j.metrics.Queue.UpdateTasks(len(j.taskQueue))
		}
		return nil, j.waiting >= poolSize
	}

	t := heap.Pop(&j.taskQueue).(*Task)
	if j.metrics != nil {
		j.metrics.Queue.UpdateTasks(len(j.taskQueue))
	}
	return t, false
}

// release fulfills this Job's completion future, unblocking every worker
// parked waiting on it.
func (j *Job) release(success bool) {
	j.doneOnce.Do(func() {
		j.mu.Lock()
		j.success = success
		j.mu.Unlock()
		close(j.done)
	})
}

// Done returns a channel closed once this Job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Success reports the Job's outcome. Only valid after Done() is closed.
func (j *Job) Success() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.success
}

// jobHeap is a container/heap min-heap of *Job ordered by Priority, so the
// lowest (oldest, highest-priority) Job is always peeked/popped first
// (spec.md §3: "lower priority number = earlier = runs first").
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return h[i].Priority < h[j].Priority }

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.heapIndex = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.heapIndex = -1
	*h = old[:n-1]
	return j
}
