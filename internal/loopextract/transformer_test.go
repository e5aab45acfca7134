package loopextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-parloop/internal/ir"
)

// buildLoop builds: preheader -> header -> (body -> latch -> header) |
// exit, for `for i := 0; i < 100; i++ { a[i] = i }` where `a` is the sole
// live-in.
func buildLoop(f *ir.Function) *ir.CanonicalLoop {
	preheader := f.AddBlock("preheader")
	header := f.AddBlock("header")
	body := f.AddBlock("body")
	latch := f.AddBlock("latch")
	exit := f.AddBlock("exit")

	indvar := ir.NewPhi("i")
	header.Append(indvar)
	header.SetTerminator(ir.NewCondBr(indvar, body, exit))

	store := ir.NewStore(f.Param("a"), indvar, 8)
	body.Append(store)
	body.SetTerminator(ir.NewBr(latch))

	next := ir.NewBinOp("i.next", indvar, &ir.Const{Int: 1})
	latch.Append(next)
	latch.SetTerminator(ir.NewBr(header))

	indvar.AddIncoming(preheader, &ir.Const{Int: 0})
	indvar.AddIncoming(latch, next)

	preheader.SetTerminator(ir.NewBr(header))
	exit.SetTerminator(ir.NewRet(nil))

	return &ir.CanonicalLoop{
		Preheader: preheader,
		Header:    header,
		Latch:     latch,
		Exiting:   header,
		ExitSucc:  exit,
		Blocks:    []*ir.BasicBlock{header, body, latch},
		IndVar:    indvar,
		Start:     0, Step: 1, Final: 100,
	}
}

func newTopLevelFunc() *ir.Function {
	return &ir.Function{Name: "f", Params: []*ir.Param{{Name: "a", Pointer: true}}, ReturnsBool: true}
}

func TestExtractLoop_EmitsParallelBodyAndDispatch(t *testing.T) {
	f := newTopLevelFunc()
	loop := buildLoop(f)

	tr := NewTransformer()
	res, err := tr.ExtractLoop(f, loop)
	require.NoError(t, err)
	require.NotNil(t, res.Parallel)
	assert.Nil(t, res.Sequential, "a top-level function never gets a sequential body")
	assert.Nil(t, res.Continuation)

	assert.True(t, tr.IsGenerated(res.Parallel))

	// Parallel body signature: (indvar, scope).
	require.Len(t, res.Parallel.Params, 2)
	assert.False(t, res.Parallel.Params[0].Pointer)
	assert.True(t, res.Parallel.Params[1].Pointer)

	// The preheader's terminator must now dispatch via __enqueue_task.
	var dispatch *ir.Instruction
	for _, b := range f.Blocks {
		for _, inst := range b.Instructions {
			if inst.Op == ir.OpCall && inst.External == "__enqueue_task" {
				dispatch = inst
			}
		}
	}
	require.NotNil(t, dispatch, "expected a dispatch call to __enqueue_task somewhere in f")
}

func TestExtractLoop_RejectsNonConstantStep(t *testing.T) {
	f := newTopLevelFunc()
	loop := buildLoop(f)
	loop.Step = 0

	tr := NewTransformer()
	_, err := tr.ExtractLoop(f, loop)
	assert.ErrorIs(t, err, ErrNonConstantStep)
}

func TestExtractLoop_RejectsUnexpandablePHI(t *testing.T) {
	f := newTopLevelFunc()
	loop := buildLoop(f)

	extra := ir.NewPhi("j")
	loop.Header.Instructions = append([]*ir.Instruction{extra}, loop.Header.Instructions...)

	tr := NewTransformer()
	_, err := tr.ExtractLoop(f, loop)
	assert.ErrorIs(t, err, ErrUnexpandablePHI)
}

func TestExtractLoop_NestedInGeneratedBodyProducesSequentialAndContinuation(t *testing.T) {
	outer := newTopLevelFunc()
	outerLoop := buildLoop(outer)

	tr := NewTransformer()
	outerRes, err := tr.ExtractLoop(outer, outerLoop)
	require.NoError(t, err)

	// The generated parallel body itself contains a nested loop over the
	// same live-in, simulating the nested-transform case of spec.md §4.1
	// step 4.
	inner := outerRes.Parallel
	// buildLoop expects f.Param("a") to exist; the parallel body's second
	// param is the scope, not "a" directly, but for this unit test we only
	// need a loop shape to extract, so add a matching pointer param first.
	inner.Params = append(inner.Params, &ir.Param{Name: "a", Pointer: true})
	innerLoop := buildLoop(inner)

	res, err := tr.ExtractLoop(inner, innerLoop)
	require.NoError(t, err)
	require.NotNil(t, res.Sequential)
	require.NotNil(t, res.Continuation)
	assert.True(t, tr.IsPreserved(res.Sequential))

	// Re-extracting the sequential body must be refused by the caller
	// checking IsPreserved (the transformer itself doesn't loop over
	// functions; idempotence is the caller's contract per spec.md §8).
	assert.True(t, tr.IsPreserved(res.Sequential))
}
