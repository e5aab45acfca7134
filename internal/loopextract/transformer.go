// Package loopextract implements spec.md §4.1's IR transformer: for each
// qualifying canonical outermost loop, it clones the loop body into a
// standalone parallel-body function, marshals live-in values through a
// heap-allocated scope array, and replaces the loop with a dispatch call
// into the runtime's __enqueue_task ABI entry point.
//
// It is grounded on original_source/llvm-plugin/LoopExtraction/LoopExtraction.h:
// the method vocabulary here (Transformer.ExtractLoop ~ LoopExtractionPass::run,
// Transformer.Generated/Preserved ~ the static GeneratedFunctions/PreservedFunctions
// sets) follows that class, adapted to an explicit context object per spec.md
// §9's design note preferring that over true statics when the host API allows it.
package loopextract

import (
	"cmp"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/joeycumines/go-parloop/internal/ir"
)

// Transformer holds the cross-loop, cross-function bookkeeping spec.md
// §4.1 step 7 calls for: which functions are generated bodies, and which
// are preserved (must not be recursively re-extracted). A *Transformer is
// the context object threaded through a compilation unit's extraction pass,
// not a package-level static.
type Transformer struct {
	Generated map[*ir.Function]bool
	Preserved map[*ir.Function]bool

	seq int
}

// NewTransformer returns an empty Transformer.
func NewTransformer() *Transformer {
	return &Transformer{Generated: map[*ir.Function]bool{}, Preserved: map[*ir.Function]bool{}}
}

// IsGenerated reports whether f was produced by a previous ExtractLoop call.
func (t *Transformer) IsGenerated(f *ir.Function) bool { return t.Generated[f] }

// IsPreserved reports whether f is a sequential body and must not be
// recursively re-extracted (spec.md §4.1 step 7, §8's idempotence property).
func (t *Transformer) IsPreserved(f *ir.Function) bool { return t.Preserved[f] }

func (t *Transformer) addGenerated(f *ir.Function) {
	t.Generated[f] = true
}

func (t *Transformer) name(f *ir.Function, suffix string) string {
	t.seq++
	return fmt.Sprintf("%s.%s.%d", f.Name, suffix, t.seq)
}

// Result bundles the functions ExtractLoop produced: Parallel is always
// populated on success; Sequential and Continuation are populated only
// when f is itself a previously generated body (spec.md §4.1 step 4).
type Result struct {
	Parallel     *ir.Function
	Sequential   *ir.Function
	Continuation *ir.Function

	// Args is the per-iteration live-in array built in f's entry block —
	// the call to __malloc that produces spec.md §4.1 step 5's StoreAddr.
	Args *ir.Instruction
	// NewScope is the continuation's own marshalled scope, only populated
	// when Continuation != nil.
	NewScope *ir.Instruction
}

// ExtractLoop implements spec.md §4.1 for a single qualifying loop L inside
// f. On a non-fatal failure it returns one of the sentinel errors in
// errors.go and leaves f unmodified; the caller must simply skip the loop.
// ErrInductionTooWide (spec.md §7's structural assertion on induction
// variable width) has no corresponding check here: this package's IR models
// every integer value as a Go int64, so there is no narrower-or-wider
// induction type it could ever observe. The sentinel is kept for API parity
// with the failure taxonomy and for a real bit-width-carrying IR to return.
func (t *Transformer) ExtractLoop(f *ir.Function, loop *ir.CanonicalLoop) (*Result, error) {
	if loop.Step == 0 {
		return nil, fmt.Errorf("%w: function %q", ErrNonConstantStep, f.Name)
	}
	if loop.Header == nil || loop.ExitSucc == nil || loop.IndVar == nil {
		return nil, fmt.Errorf("%w: function %q", ErrNonCanonicalLoop, f.Name)
	}

	if err := t.rejectUnexpandablePHIs(loop); err != nil {
		return nil, fmt.Errorf("%w: function %q", err, f.Name)
	}

	liveIns := identifyLiveIns(f, loop)

	parallel := t.emitParallelBody(f, loop, liveIns)
	t.addGenerated(parallel)

	res := &Result{Parallel: parallel}

	if t.IsGenerated(f) {
		sequential := t.emitSequentialBody(f, loop, liveIns)
		t.addGenerated(sequential)
		t.Preserved[sequential] = true
		res.Sequential = sequential

		continuation, newScope := t.emitContinuation(f, loop, liveIns)
		t.addGenerated(continuation)
		res.Continuation = continuation
		res.NewScope = newScope
	}

	res.Args = t.marshalLiveIns(f, liveIns, "args")

	t.emitDispatch(f, loop, res)

	f.RemoveUnreachableBlocks()

	return res, nil
}

// rejectUnexpandablePHIs implements spec.md §4.1 step 2: this module does
// not perform scalar-evolution expansion, so any PHI inside the loop other
// than the induction variable itself aborts the transform.
func (t *Transformer) rejectUnexpandablePHIs(loop *ir.CanonicalLoop) error {
	for _, b := range loop.Blocks {
		for _, inst := range b.Instructions {
			if inst.Op == ir.OpPhi && inst != loop.IndVar {
				return ErrUnexpandablePHI
			}
		}
	}
	return nil
}

// liveIn is a value defined outside the loop and used inside it, tagged
// with whether it is pointer-typed (spec.md §4.1 step 3/5's marshalling
// distinction, and §4.2's one/two-level-dereference skip rule).
type liveIn struct {
	value   ir.Value
	pointer bool
}

// identifyLiveIns implements spec.md §4.1 step 1: every value defined
// outside L's blocks (a Param, or an Instruction whose Block is outside L)
// but used by an instruction inside L, excluding the induction variable
// itself (passed directly as argument 0, never marshalled).
func identifyLiveIns(f *ir.Function, loop *ir.CanonicalLoop) []liveIn {
	return identifyLiveInsForBlocks(loop.Blocks, loop.Contains, loop.IndVar)
}

// identifyLiveInsForBlocks generalizes step 1 over an arbitrary region
// (used both for a loop's body and, for the continuation body, the blocks
// reachable from the loop's exit successor). exclude, if non-nil, is
// skipped even if it would otherwise qualify (the loop's own induction
// variable, which is never marshalled).
func identifyLiveInsForBlocks(blocks []*ir.BasicBlock, inside func(*ir.BasicBlock) bool, exclude ir.Value) []liveIn {
	var out []liveIn
	seen := map[ir.Value]bool{}
	if exclude != nil {
		seen[exclude] = true
	}

	consider := func(v ir.Value) {
		if v == nil || seen[v] {
			return
		}
		switch val := v.(type) {
		case *ir.Param:
			seen[v] = true
			out = append(out, liveIn{value: v, pointer: val.Pointer})
		case *ir.Instruction:
			if inside(val.Block) {
				return
			}
			seen[v] = true
			out = append(out, liveIn{value: v, pointer: isPointerProducing(val)})
		}
	}

	for _, b := range blocks {
		for _, inst := range b.Instructions {
			for _, op := range inst.Operands {
				consider(op)
			}
			for _, in := range inst.Incoming {
				consider(in)
			}
			if inst.Cond != nil {
				consider(inst.Cond)
			}
		}
	}

	// Encounter order already tracks instruction order (itself
	// deterministic), but a name-based sort makes scope-slot
	// assignment independent of how identifyLiveInsForBlocks happens to
	// walk operands vs. incoming values — two semantically identical
	// loops should marshal their live-ins into the same slot layout.
	slices.SortFunc(out, func(a, b liveIn) int { return cmp.Compare(a.value.ValueName(), b.value.ValueName()) })
	return out
}

// isPointerProducing approximates the toy IR's notion of "this instruction
// yields a pointer": only OpAlloc, a __malloc call (a heap cell or array) and
// a load out of the scope argument (an unmarshalled pointer live-in, or a
// scalar live-in's cell address) produce pointers here.
func isPointerProducing(inst *ir.Instruction) bool {
	if inst.Op == ir.OpAlloc || inst.IsScopeLoad() {
		return true
	}
	return inst.Op == ir.OpCall && inst.Callee == nil && inst.External == mallocSymbol
}
