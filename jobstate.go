package parloop

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// UndoEntry is the before-image of one address, captured the first time a
// Job writes to it, so a failed Job can be rolled back.
type UndoEntry struct {
	Address Address
	Size    int
	Saved   []byte
}

// JobState composes a VersionLog with an undo buffer and a sticky conflict
// flag for one Job. Once NoConflicts goes false it never goes true again:
// no new undo entries are installed and no new writes are appended to the
// log (spec.md §3's JobState invariant).
type JobState struct {
	mu          sync.Mutex
	noConflicts bool
	log         *VersionLog
	undo        map[Address]*UndoEntry

	// logger is the owning pool's Logger (nil falls back to the
	// package-level global logger, matching every other log call site).
	logger Logger

	// rollbackLimiter throttles the "conflict" log lines emitted per Job; when
	// it is nil no conflict line is logged. The pool's "job rolled back" line
	// (ThreadPool.finishJob) does not go through it.
	rollbackLimiter *catrate.Limiter
}

// newJobState returns a JobState with no conflicts recorded yet, logging
// through logger (nil falls back to the package-level global logger).
func newJobState(rollbackRates map[time.Duration]int, logger Logger) *JobState {
	js := &JobState{
		noConflicts: true,
		log:         newVersionLog(),
		undo:        make(map[Address]*UndoEntry),
		logger:      logger,
	}
	if len(rollbackRates) > 0 {
		js.rollbackLimiter = catrate.NewLimiter(rollbackRates)
	}
	return js
}

// NoConflicts reports whether the Job has not yet detected a conflict. Once
// false, it stays false for the lifetime of this JobState.
func (j *JobState) NoConflicts() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.noConflicts
}

// markConflict sets the sticky conflict flag and, if a rollback limiter is
// configured, logs the transition (rate-limited per Job).
func (j *JobState) markConflict(reason string, addr Address, jobID uint32) {
	j.noConflicts = false
	if j.rollbackLimiter == nil {
		return
	}
	if _, ok := j.rollbackLimiter.Allow(jobID); ok {
		logWarn(j.logger, "conflict", reason, jobID, map[string]any{"addr": addr})
	}
}

// RecordRead records that the current Task (identified by t) read addr.
func (j *JobState) RecordRead(addr Address, t Timestamp) {
	j.log.recordRead(addr, t)
}

// CheckLoad implements spec.md §4.3's check_load: if any recorded write to
// addr has a Timestamp strictly greater than t, the Job's conflict flag is
// set. This is write-after-read in timestamp order, observed from a
// lower-timestamp reader.
func (j *JobState) CheckLoad(addr Address, t Timestamp, jobID uint32) {
	if !j.log.hasWriteAfter(addr, t) {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.noConflicts {
		return
	}
	j.markConflict("load conflict", addr, jobID)
}

// CheckStoreAndRecordWrite implements spec.md §4.3's check_store followed by
// record_write. It returns nothing: the caller always goes on to perform the
// write it's instrumenting. Once the sticky conflict flag trips, later writes
// from the same task are still performed by the caller (the task keeps
// running to completion per spec.md §5), but no new write entries are
// appended to the log.
//
// Per spec.md §4.3 and §9's design note, the before-image snapshot itself
// ("outside the mutex, because the calling task still owns its stack frame
// and rollback is guaranteed to run only after all tasks in the Job have
// quiesced") is taken after releasing j.mu, not while holding it; only the
// decision to install an undo entry, and its bookkeeping, run under the
// lock.
func (j *JobState) CheckStoreAndRecordWrite(addr Address, size int, t Timestamp, jobID uint32, before func() []byte) {
	j.mu.Lock()

	if !j.noConflicts {
		j.mu.Unlock()
		return
	}

	if j.log.hasReadOrWriteAfter(addr, t) {
		j.markConflict("write conflict", addr, jobID)
		j.mu.Unlock()
		return
	}

	firstWrite := j.log.recordWrite(addr, t)

	needsSnapshot := false
	if firstWrite {
		if _, exists := j.undo[addr]; !exists {
			j.undo[addr] = &UndoEntry{Address: addr, Size: size}
			needsSnapshot = true
		}
	}
	j.mu.Unlock()

	if !needsSnapshot {
		return
	}

	saved := before()

	j.mu.Lock()
	if e, ok := j.undo[addr]; ok && e.Saved == nil {
		e.Saved = saved
	}
	j.mu.Unlock()
}

// Rollback restores every recorded UndoEntry's saved bytes to their address,
// via restore. Called once, after every Task in the Job has quiesced.
func (j *JobState) Rollback(restore func(addr Address, saved []byte)) {
	j.mu.Lock()
	entries := make([]*UndoEntry, 0, len(j.undo))
	for _, e := range j.undo {
		entries = append(entries, e)
	}
	j.mu.Unlock()

	for _, e := range entries {
		restore(e.Address, e.Saved)
	}
}

// Stats reports the number of distinct addresses with recorded undo entries,
// useful for metrics and tests.
func (j *JobState) Stats() (undoEntries int, noConflicts bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.undo), j.noConflicts
}
