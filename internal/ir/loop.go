package ir

// CanonicalLoop is a pre-resolved loop descriptor: the induction variable,
// its bounds, and the blocks belonging to the loop body. It stands in for
// LLVM's LoopInfo and ScalarEvolution, already having answered the questions
// spec.md §4.1 asks of scalar evolution (initial/step/final values, a single
// exit and exit successor) — this module does not perform that analysis
// itself (spec.md §1 frames SCEV as an external collaborator).
type CanonicalLoop struct {
	Preheader *BasicBlock
	Header    *BasicBlock
	Latch     *BasicBlock
	Exiting   *BasicBlock
	ExitSucc  *BasicBlock

	// Blocks is every block belonging to L, header and latch included,
	// preheader and exit successor excluded.
	Blocks []*BasicBlock

	// IndVar is the loop's induction PHI; it is always in Header.
	IndVar *Instruction

	Start, Step, Final int64
}

// Contains reports whether b is one of L's body blocks.
func (l *CanonicalLoop) Contains(b *BasicBlock) bool {
	for _, lb := range l.Blocks {
		if lb == b {
			return true
		}
	}
	return false
}
