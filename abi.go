package parloop

import "sync"

// globalPool is the process-wide singleton ThreadPool backing the four
// package-level ABI entry points below, guarded by a one-shot initializer.
// The pool is constructed on the first call to any of the four entry points,
// not only EnqueueTask: a Malloc or a Check*Conflict call made before any
// EnqueueTask also constructs it.
var globalPool = sync.OnceValue(func() *ThreadPool {
	pool, err := NewThreadPool()
	if err != nil {
		// NewThreadPool only fails if an applied PoolOption returns an
		// error; none are applied here, so this is unreachable.
		panic(err)
	}
	return pool
})

// EnqueueTask is the package-level `__enqueue_task` ABI entry point
// (spec.md §6), dispatched against the process-wide singleton ThreadPool.
// Generated code (internal/loopextract's output) calls this once per
// extracted loop.
func EnqueueTask(args EnqueueArgs) (bool, error) {
	return globalPool().EnqueueTask(args)
}

// CheckLoadConflict is the package-level `__check_load_conflict` ABI entry
// point: must be called immediately before each load in an instrumented
// function.
func CheckLoadConflict(addr Address) {
	globalPool().CheckLoadConflict(addr)
}

// CheckWriteConflict is the package-level `__check_write_conflict` ABI entry
// point: must be called immediately before each store in an instrumented
// function, with size set to the byte width of the value being stored.
func CheckWriteConflict(addr Address, size int64) {
	globalPool().CheckWriteConflict(addr, size)
}

// Malloc is the package-level `__malloc` ABI entry point: returns size*count
// bytes that remain live until the singleton pool is garbage collected.
func Malloc(size, count int64) Address {
	return globalPool().Malloc(size, count)
}
