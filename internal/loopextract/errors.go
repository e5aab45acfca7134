package loopextract

import "errors"

// Non-fatal failure taxonomy (spec.md §4.1's "Failure taxonomy"): each
// causes the current loop to be skipped and any partially built output
// erased, leaving the source function untouched. Transform returns these
// wrapped with the offending function's name via %w.
var (
	ErrNonCanonicalLoop = errors.New("loopextract: loop is not in canonical form")
	ErrMissingBounds    = errors.New("loopextract: loop bounds could not be resolved")
	ErrNonConstantStep  = errors.New("loopextract: loop step is not a constant integer")
	ErrUnexpandablePHI  = errors.New("loopextract: a non-induction PHI inside the loop could not be expanded")
)

// ErrInductionTooWide corresponds to spec.md §7's structural assertion on
// induction variable width: a fatal, abort-compilation condition in the
// original, as opposed to the skip-and-continue errors above. This package's
// IR has no bit-width field on Value (every integer is a Go int64), so
// ExtractLoop has no occasion to produce it; it is kept for parity with the
// failure taxonomy and as the error a bit-width-aware IR would return.
var ErrInductionTooWide = errors.New("loopextract: induction variable is wider than 64 bits")
