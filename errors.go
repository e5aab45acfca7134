package parloop

import (
	"errors"
	"fmt"
)

// Standard errors returned by the scheduler and conflict engine.
var (
	// ErrPoolClosed is not returned by ThreadPool: a pool is cleared at the
	// end of every top-level EnqueueTask and accepts the next one.
	ErrPoolClosed = errors.New("parloop: pool is closed")

	// ErrNoCurrentTask is the panic value of operations that require the
	// calling goroutine to be executing a Task (CheckLoadConflict,
	// CheckWriteConflict) when no Task is registered for it. Per spec.md §7
	// this models an "unrecoverable runtime state": the instrumentation
	// contract has been violated.
	ErrNoCurrentTask = errors.New("parloop: no current task for this goroutine")

	// ErrJobAlreadyExists is not returned by ThreadPool: a second dispatch
	// for the same parallel body function identity reuses the existing Job.
	ErrJobAlreadyExists = errors.New("parloop: job already exists for this function")

	// ErrJobInProgress is returned by the pool's internal clear step, and so
	// by a top-level EnqueueTask, when active jobs remain.
	ErrJobInProgress = errors.New("parloop: cannot clear pool with active jobs")
)

// StructuralError reports a spec.md §7 "structural assertion" failure: a
// transform invariant the compiler pass expected to hold did not. These are
// fatal in the original design ("abort compilation with a message naming the
// offending function") — callers are expected to treat a returned
// StructuralError as unrecoverable for the function named in Function.
type StructuralError struct {
	// Function is the name of the function being transformed when the
	// assertion failed.
	Function string
	// Reason describes which invariant failed.
	Reason string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parloop: structural assertion failed in %s: %s: %v", e.Function, e.Reason, e.Cause)
	}
	return fmt.Sprintf("parloop: structural assertion failed in %s: %s", e.Function, e.Reason)
}

// Unwrap returns the underlying cause for use with errors.Is and errors.As.
func (e *StructuralError) Unwrap() error { return e.Cause }

// SkipError reports a spec.md §7 "per-loop transform failure": a loop that
// does not qualify for extraction. These are non-fatal — the caller should
// leave the source function untouched and erase any partial output.
type SkipError struct {
	Function string
	Reason   string
}

// Error implements the error interface.
func (e *SkipError) Error() string {
	return fmt.Sprintf("parloop: skipping loop in %s: %s", e.Function, e.Reason)
}

// Is reports whether target is also a *SkipError, regardless of contents.
func (e *SkipError) Is(target error) bool {
	var skip *SkipError
	return errors.As(target, &skip)
}

// WrapError wraps an error with a message and optional cause chain.
//
// Pass the original error as the cause:
//
//	WrapError("context failed", originalErr)
//
// The result satisfies errors.Is(result, originalErr) == true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
