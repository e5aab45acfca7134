package parloop

import (
	"bytes"
	"container/heap"
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"sync"
	"time"
	"unsafe"
)

// ThreadPool is the fixed worker pool of spec.md §4.4: it picks the
// highest-priority active Job, drains its Task queue, coordinates the
// barrier at the end of a Job, triggers continuation Jobs, and signals
// overall completion to the goroutine that dispatched the outermost loop.
// It is the Go translation of original_source/threadlib's ThreadPool.
//
// Lock order when held together: enqueueMu -> jobMu -> Job.mu -> JobState.mu,
// matching spec.md §5.
type ThreadPool struct {
	size          int
	logger        Logger
	metrics       *Metrics
	rollbackRates map[time.Duration]int

	// enqueueMu serializes root (non-nested) EnqueueTask calls: one outermost
	// loop dispatch runs to completion (dispatch, wait, clear) before the
	// next begins, mirroring the original's single blocking
	// addTask-then-wait-then-clear cycle per top-level loop.
	enqueueMu sync.Mutex

	jobMu       sync.Mutex
	activeJobs  jobHeap
	registry    map[uintptr]*Job
	pending     map[*Job][]*Job
	priorityCtr uint32
	ready       bool
	workers     sync.WaitGroup

	taskMu  sync.Mutex
	current map[int64]*Task

	lifeMu sync.Mutex
	jobs   []*Job
	states []*JobState
	tasks  []*Task

	sessionMu   sync.Mutex
	sessionDone chan bool

	allocMu sync.Mutex
	allocs  [][]byte
}

// NewThreadPool constructs a ThreadPool. Workers are not spawned until the
// first EnqueueTask call (spec.md §4.5's lazy construction).
func NewThreadPool(opts ...PoolOption) (*ThreadPool, error) {
	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &ThreadPool{
		size:          cfg.workers,
		logger:        cfg.logger,
		rollbackRates: cfg.rollbackRates,
		registry:      make(map[uintptr]*Job),
		pending:       make(map[*Job][]*Job),
		current:       make(map[int64]*Task),
	}
	if cfg.metricsEnabled {
		p.metrics = &Metrics{}
	}
	return p, nil
}

// Size returns the pool's fixed worker count.
func (p *ThreadPool) Size() int { return p.size }

// Metrics returns the pool's metrics, or nil if WithMetrics(true) was not
// passed to NewThreadPool.
func (p *ThreadPool) Metrics() *Metrics { return p.metrics }

// EnqueueArgs bundles the arguments to EnqueueTask, mirroring the
// compiler-emitted call to `__enqueue_task` (spec.md §6).
type EnqueueArgs struct {
	Parallel     ParallelBody
	Sequential   SequentialBody
	Continuation ContinuationBody
	Scope        Address
	NewScope     Address
	Start, Step, Final int64
}

// bodyPointer recovers a comparable identity for a ParallelBody, standing
// in for the original's raw FunctionPtr map key: Go function values are not
// comparable or hashable, so identity is recovered via reflect.Value.Pointer
// (documented in DESIGN.md as a mechanical translation, not a semantic
// choice — two distinct ParallelBody values wrapping the same underlying
// func still collide, exactly as two copies of the same FunctionPtr would).
func bodyPointer(fn ParallelBody) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// EnqueueTask implements the `__enqueue_task` ABI entry point (spec.md §6).
// It enqueues one Task per iteration of [Start, Final) stepping by Step
// under the Job for Parallel, creating that Job (and, if the calling
// goroutine is itself executing a Task, registering it as a pending child
// of that Task's Job) on first dispatch.
//
// If the calling goroutine is not currently executing a Task, this is a
// top-level dispatch: EnqueueTask blocks until every descendant Job has
// finished and returns whether no conflict was ever observed, then clears
// the pool for the next outermost loop. If the calling goroutine is
// executing a Task, this is a nested dispatch (the extracted body of an
// inner loop, itself inside an already-extracted outer body): EnqueueTask
// enqueues and returns (true, nil) immediately, exactly as the original's
// addTask never blocks regardless of caller.
func (p *ThreadPool) EnqueueTask(args EnqueueArgs) (bool, error) {
	if args.Parallel == nil {
		return false, fmt.Errorf("parloop: EnqueueTask: Parallel must not be nil")
	}
	if args.Step == 0 {
		return false, fmt.Errorf("parloop: EnqueueTask: Step must not be zero")
	}

	parentTask := p.currentTask(goroutineID())
	isRoot := parentTask == nil

	if isRoot {
		p.enqueueMu.Lock()
		defer p.enqueueMu.Unlock()
	}

	job := p.getOrCreateJob(args.Parallel, args.Sequential, args.Continuation, parentTask)

	if parentTask != nil {
		parentTask.NewScope = args.NewScope
	}

	for i := args.Start; i < args.Final; i += args.Step {
		t := p.newTask(i, args.Scope, parentTask, job)
		job.Enqueue(t)
		if parentTask != nil {
			job.AddParentTask(parentTask)
		}
	}

	logDebug(p.logger, "pool", "enqueued tasks", job.Priority, map[string]any{
		"start": args.Start, "step": args.Step, "final": args.Final,
	})

	if !isRoot {
		p.start()
		return true, nil
	}

	p.sessionMu.Lock()
	done := make(chan bool, 1)
	p.sessionDone = done
	p.sessionMu.Unlock()

	p.start()

	success := <-done

	if err := p.clear(); err != nil {
		return success, err
	}
	return success, nil
}

// getOrCreateJob returns the existing Job registered for parallel's
// identity, or creates one. A freshly created Job always gets its own
// JobState (the original's createJob always calls createJobState() for a
// dispatch reached through addTask; only finishJob's continuation/
// sequential successor Jobs share a JobState with an ancestor — see
// finishJob). A Job created for a nested dispatch (parentTask != nil) is
// registered as a pending child of parentTask's Job and does not become
// active until that Job commits (spec.md §3's parent→children forest).
func (p *ThreadPool) getOrCreateJob(parallel ParallelBody, sequential SequentialBody, continuation ContinuationBody, parentTask *Task) *Job {
	key := bodyPointer(parallel)

	p.jobMu.Lock()
	defer p.jobMu.Unlock()

	if job, ok := p.registry[key]; ok {
		return job
	}

	var parentJob *Job
	if parentTask != nil {
		parentJob = parentTask.Job
	}

	priority := p.priorityCtr
	p.priorityCtr++

	state := newJobState(p.rollbackRates, p.logger)
	job := newJob(priority, parallel, sequential, continuation, parentJob, state, p.metrics)
	p.registry[key] = job

	if parentJob != nil {
		p.pending[parentJob] = append(p.pending[parentJob], job)
	} else {
		heap.Push(&p.activeJobs, job)
	}
	if p.metrics != nil {
		p.metrics.Queue.UpdateJobs(len(p.activeJobs))
	}

	p.lifeMu.Lock()
	p.jobs = append(p.jobs, job)
	p.states = append(p.states, state)
	p.lifeMu.Unlock()

	return job
}

// newTask constructs a Task whose Timestamp extends parent's (or starts a
// fresh sequence when parent is nil, i.e. a top-level dispatch), and
// registers it for pool-teardown release.
func (p *ThreadPool) newTask(indvar int64, args Address, parent *Task, job *Job) *Task {
	var ts Timestamp
	if parent != nil {
		ts = parent.Timestamp.Extend(indvar)
	} else {
		ts = Timestamp{indvar}
	}
	t := &Task{
		Indvar:    indvar,
		Args:      args,
		Timestamp: ts,
		Job:       job,
	}
	p.lifeMu.Lock()
	p.tasks = append(p.tasks, t)
	p.lifeMu.Unlock()
	return t
}

// currentTask returns the Task the goroutine identified by gid is currently
// executing, or nil if it is not executing one — i.e. it is a root-dispatch
// caller, not a worker mid-Task.Exec.
func (p *ThreadPool) currentTask(gid int64) *Task {
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	return p.current[gid]
}

// start spins up the pool's fixed worker goroutines, once, lazily.
func (p *ThreadPool) start() {
	p.jobMu.Lock()
	if p.ready {
		p.jobMu.Unlock()
		return
	}
	p.ready = true
	p.jobMu.Unlock()

	p.workers.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.workerLoop()
	}
}

// workerLoop is one pool worker: peek the highest-priority active Job, pop
// its lowest-timestamp Task, execute it; park on the Job's barrier when its
// queue is drained or it has already conflicted; exit once no Job remains
// active. This is the Go translation of ThreadPool::dequeueTask.
func (p *ThreadPool) workerLoop() {
	defer p.workers.Done()

	for {
		p.jobMu.Lock()
		if len(p.activeJobs) == 0 {
			p.jobMu.Unlock()
			return
		}
		job := p.activeJobs[0]
		p.jobMu.Unlock()

		task, barrier := job.PopTask(p.size)
		if task == nil {
			if barrier {
				p.finishJob(job)
				job.release(job.State.NoConflicts())
			} else {
				<-job.Done()
			}
			continue
		}

		gid := goroutineID()
		p.taskMu.Lock()
		p.current[gid] = task
		p.taskMu.Unlock()

		started := time.Now()
		task.Exec()
		if p.metrics != nil {
			p.metrics.TaskLatency.Record(time.Since(started))
			p.metrics.Completions.Increment()
		}

		p.taskMu.Lock()
		delete(p.current, gid)
		p.taskMu.Unlock()
	}
}

// finishJob implements spec.md §4.4's finish_job: roll back the Job's
// writes if it conflicted, dispatch its continuation or sequential
// successor (sharing the JobState of the Job's own parent, per spec.md §9
// design note (c)), remove the Job from the active-job heap, promote its
// pending children if it succeeded, and — once the active-job heap is
// empty — fulfill the pool's session completion signal.
func (p *ThreadPool) finishJob(job *Job) {
	success := job.State.NoConflicts()

	if !success {
		job.State.Rollback(restoreAddress)
		if p.metrics != nil {
			p.metrics.Rollbacks.Increment()
		}
		logWarn(p.logger, "rollback", "job rolled back after conflict", job.Priority, nil)
	}

	if job.Continuation != nil || job.Sequential != nil {
		p.dispatchSuccessor(job, success)
	}

	p.jobMu.Lock()
	if len(p.activeJobs) == 0 || p.activeJobs[0] != job {
		logWarn(p.logger, "pool", "finished job is not at front of the active-job queue", job.Priority, nil)
	}
	if job.heapIndex >= 0 && job.heapIndex < len(p.activeJobs) && p.activeJobs[job.heapIndex] == job {
		heap.Remove(&p.activeJobs, job.heapIndex)
	}

	if success {
		if children, ok := p.pending[job]; ok {
			for _, c := range children {
				heap.Push(&p.activeJobs, c)
			}
			delete(p.pending, job)
		}
	}

	empty := len(p.activeJobs) == 0
	if p.metrics != nil {
		p.metrics.Queue.UpdateJobs(len(p.activeJobs))
	}
	p.jobMu.Unlock()

	if empty {
		// The session result covers every JobState of the session, not only
		// this Job's: a nested Job that conflicted and was redone by its
		// sequential successor still counts as an observed conflict.
		result := success
		p.lifeMu.Lock()
		for _, s := range p.states {
			if !s.NoConflicts() {
				result = false
			}
		}
		p.lifeMu.Unlock()

		p.sessionMu.Lock()
		if p.sessionDone != nil {
			select {
			case p.sessionDone <- result:
			default:
			}
		}
		p.sessionMu.Unlock()
	}
}

// dispatchSuccessor creates job's continuation/sequential successor Job —
// continuation on success, sequential fallback on conflict — and derives
// its Tasks from job's parent-tasks (spec.md §4.4's finish_job successor
// rule). The successor shares job.Parent's JobState, not job's own, so a
// failed inner Job's writes into the outer scope remain tracked there
// (spec.md §9 design note (c): preserved verbatim, fresh priority).
//
// Unlike a genuine nested child Job (queued in p.pending and only promoted
// once its parent commits, per getOrCreateJob), the successor is pushed
// straight onto the active heap regardless of job's own success. It is
// job's designated recovery/continuation path, not one of job's own nested
// dispatches — gating its promotion on job.State.NoConflicts() would make
// the sequential-fallback branch permanently unreachable, since it only
// ever exists precisely when that condition is false.
func (p *ThreadPool) dispatchSuccessor(job *Job, success bool) {
	var nextFunc ParallelBody
	if success {
		nextFunc = ParallelBody(job.Continuation)
	} else {
		nextFunc = ParallelBody(job.Sequential)
	}
	if nextFunc == nil {
		return
	}

	parentState := job.State
	if job.Parent != nil {
		parentState = job.Parent.State
	}

	p.jobMu.Lock()
	priority := p.priorityCtr
	p.priorityCtr++
	p.jobMu.Unlock()

	nextJob := newJob(priority, nextFunc, nil, nil, job, parentState, p.metrics)

	p.jobMu.Lock()
	p.registry[bodyPointer(nextFunc)] = nextJob
	heap.Push(&p.activeJobs, nextJob)
	if p.metrics != nil {
		p.metrics.Queue.UpdateJobs(len(p.activeJobs))
	}
	p.jobMu.Unlock()

	p.lifeMu.Lock()
	p.jobs = append(p.jobs, nextJob)
	p.lifeMu.Unlock()

	for _, parentTask := range job.ParentTasks() {
		var scope Address
		if success {
			scope = parentTask.NewScope
		} else {
			scope = parentTask.Args
		}
		t := p.newTask(parentTask.Indvar, scope, parentTask, nextJob)
		nextJob.Enqueue(t)
	}
}

// clear joins every worker goroutine and resets per-session state, ready
// for the next outermost loop's EnqueueTask call. It is the Go translation
// of ThreadPool::clear.
func (p *ThreadPool) clear() error {
	p.workers.Wait()

	p.jobMu.Lock()
	if len(p.activeJobs) != 0 {
		p.jobMu.Unlock()
		return ErrJobInProgress
	}
	p.ready = false
	p.registry = make(map[uintptr]*Job)
	p.pending = make(map[*Job][]*Job)
	p.jobMu.Unlock()

	p.taskMu.Lock()
	p.current = make(map[int64]*Task)
	p.taskMu.Unlock()

	p.sessionMu.Lock()
	p.sessionDone = nil
	p.sessionMu.Unlock()

	p.lifeMu.Lock()
	p.jobs = nil
	p.states = nil
	p.tasks = nil
	p.lifeMu.Unlock()

	return nil
}

// CheckLoadConflict implements the runtime side of `__check_load_conflict`
// on this pool: must be called from the goroutine currently executing the
// Task it tests against (doc.go). Per spec.md §7's "unrecoverable runtime
// states", a missing current Task is an assertion failure, not a
// recoverable error — it means the instrumentation contract was violated.
func (p *ThreadPool) CheckLoadConflict(addr Address) {
	task := p.currentTask(goroutineID())
	if task == nil {
		panic(ErrNoCurrentTask)
	}
	job := task.Job
	job.State.CheckLoad(addr, task.Timestamp, job.Priority)
	job.State.RecordRead(addr, task.Timestamp)
}

// CheckWriteConflict implements the runtime side of `__check_write_conflict`
// on this pool.
func (p *ThreadPool) CheckWriteConflict(addr Address, size int64) {
	task := p.currentTask(goroutineID())
	if task == nil {
		panic(ErrNoCurrentTask)
	}
	job := task.Job
	job.State.CheckStoreAndRecordWrite(addr, int(size), task.Timestamp, job.Priority, func() []byte {
		return snapshotAddress(addr, size)
	})
}

// Malloc implements `__malloc`: allocates size*count bytes that remain live
// (reachable from p.allocs) until the pool is garbage collected.
func (p *ThreadPool) Malloc(size, count int64) Address {
	n := size * count
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	p.allocMu.Lock()
	p.allocs = append(p.allocs, buf)
	p.allocMu.Unlock()
	return Address(unsafe.Pointer(&buf[0]))
}

// snapshotAddress copies size bytes starting at addr into a freshly
// allocated buffer, for JobState's before-image undo entries.
func snapshotAddress(addr Address, size int64) []byte {
	buf := make([]byte, size)
	copy(buf, unsafe.Slice((*byte)(addr), size))
	return buf
}

// restoreAddress copies saved's bytes back to addr, for JobState.Rollback.
func restoreAddress(addr Address, saved []byte) {
	if len(saved) == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(addr), len(saved))
	copy(dst, saved)
}

// goroutineID recovers a per-goroutine identifier by parsing the header
// line of runtime.Stack — the same technique every goroutine-local-storage
// shim in the wider ecosystem uses in the absence of a public API (the
// retrieval pack's own goroutineid module is an empty stub with no
// implementation to adopt instead). It stands in for the original's
// std::thread::id, letting CheckLoadConflict/CheckWriteConflict/EnqueueTask
// recover "the Task the calling goroutine is currently executing" without
// threading an explicit handle through every instrumented load and store —
// preserving the real ABI's pointer-only signatures.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}
