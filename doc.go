// Package parloop is the runtime half of a speculative loop-parallelization
// system. A companion compiler pass (see internal/loopextract and
// internal/instrument) extracts the body of a canonical loop into a
// standalone function and hands iteration ranges to this package, which
// schedules them across a fixed worker pool, detects read/write conflicts
// between concurrently executing iterations using vector timestamps, and
// rolls back committed writes when a conflict is observed.
//
// # Architecture
//
// A [ThreadPool] owns every [Job] and [Task] it creates. Each extracted loop
// gets one Job, keyed by the identity of its parallel body function. A Job
// holds a min-heap of Tasks (one per iteration, ordered by [Timestamp]) and a
// [JobState], which tracks per-address read/write history ([VersionLog]) and
// an undo log for rollback.
//
// Workers pull the highest-priority Job's lowest-timestamp Task and run it.
// Instrumented loads and stores call [CheckLoadConflict] and
// [CheckWriteConflict] against the current task's JobState; a detected
// conflict latches the Job's conflict flag. Once every worker has drained a
// Job (or found it already conflicted), the pool rolls back its writes if
// necessary and dispatches a continuation Job — the original's
// post-loop code on success, a sequential re-run on failure.
//
// # Thread Safety
//
//   - [EnqueueTask] may be called from any goroutine; the lock order is
//     pool → job → job state, documented next to each mutex.
//   - [CheckLoadConflict] and [CheckWriteConflict] must be called from the
//     goroutine currently executing the task whose timestamp they test
//     against — the same constraint the originating compiler pass enforces
//     by construction (one instrumented call site per load/store, emitted in
//     the body that runs on that goroutine).
//
// # Usage
//
// Generated code (what internal/loopextract emits) calls EnqueueTask once per
// extracted loop:
//
//	ok, err := parloop.EnqueueTask(parloop.EnqueueArgs{
//	    Parallel: parallelBody,
//	    Scope:    scope,
//	    NewScope: nil,
//	    Start:    0, Step: 1, Final: 100,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !ok {
//	    // a conflict was observed and the conflicting Job's writes were
//	    // rolled back; no Sequential body was given here, so no iteration
//	    // was re-run.
//	}
package parloop
