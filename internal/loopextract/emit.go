package loopextract

import (
	"fmt"

	"github.com/joeycumines/go-parloop/internal/ir"
)

// Symbol names of the compiler-to-runtime ABI this pass emits calls
// against (spec.md §6). __check_load_conflict/__check_write_conflict are
// instrument's concern, not this pass's; the extraction pass only ever
// emits __enqueue_task and __malloc calls.
const (
	enqueueTaskSymbol = "__enqueue_task"
	mallocSymbol      = "__malloc"
	cellSize          = 8 // byte width of a pointer/scalar cell in this toy IR
)

// emitParallelBody implements spec.md §4.1 step 3: a standalone function
// with signature (indvar int64, scope ptr) -> void, built by cloning L's
// blocks with the induction variable rewired to the indvar argument and
// every other live-in unmarshalled from scope.
func (t *Transformer) emitParallelBody(f *ir.Function, loop *ir.CanonicalLoop, liveIns []liveIn) *ir.Function {
	return t.buildExtractedBody(t.name(f, "parallel"), loop.Blocks, loop.IndVar, liveIns)
}

// emitSequentialBody implements spec.md §4.1 step 4's S: same signature and
// shape as P, but understood by the scheduler as the one-iteration-at-a-time
// fallback body run by the continuation Job when the parallel Job's JobState
// recorded a conflict.
func (t *Transformer) emitSequentialBody(f *ir.Function, loop *ir.CanonicalLoop, liveIns []liveIn) *ir.Function {
	return t.buildExtractedBody(t.name(f, "sequential"), loop.Blocks, loop.IndVar, liveIns)
}

// buildExtractedBody is the shared primitive behind P, S and C: it builds a
// function of signature (indvar int64, scope ptr) -> void whose entry block
// unmarshals liveIns out of scope (spec.md §4.1 step 3's array-of-cells
// convention) and whose remaining blocks are a clone of blocks with indVar
// rewired to the indvar parameter (nil for a continuation, which has no
// per-iteration induction use of its own) and every loop-exit edge
// redirected to a fresh return block (spec.md §4.1 steps 3-4).
func (t *Transformer) buildExtractedBody(name string, blocks []*ir.BasicBlock, indVar ir.Value, liveIns []liveIn) *ir.Function {
	body := &ir.Function{Name: name}
	indvarParam := &ir.Param{Name: "indvar"}
	scopeParam := &ir.Param{Name: "scope", Pointer: true}
	body.Params = []*ir.Param{indvarParam, scopeParam}

	entry := body.AddBlock("entry")

	vmap := ir.ValueMap{}
	if indVar != nil {
		vmap[indVar] = indvarParam
	}
	for i, li := range liveIns {
		if li.pointer {
			ld := ir.NewScopeLoad(fmt.Sprintf("%s.in%d", name, i), scopeParam, i, cellSize)
			entry.Append(ld)
			vmap[li.value] = ld
			continue
		}
		cellAddr := ir.NewScopeLoad(fmt.Sprintf("%s.in%d.cell", name, i), scopeParam, i, cellSize)
		entry.Append(cellAddr)
		val := ir.NewLoad(fmt.Sprintf("%s.in%d", name, i), cellAddr, cellSize)
		entry.Append(val)
		vmap[li.value] = val
	}

	bmap := map[*ir.BasicBlock]*ir.BasicBlock{}
	cloned := ir.CloneBlocks(body, blocks, vmap, bmap)
	ir.RedirectExternalEdges(body, cloned, bmap, name+".ret", ir.NewRet(nil))

	if len(cloned) > 0 {
		entry.SetTerminator(ir.NewBr(cloned[0]))
	} else {
		entry.SetTerminator(ir.NewRet(nil))
	}

	return body
}

// emitContinuation implements spec.md §4.1 step 4's C: a function with F's
// original signature (indvar, scope — since F is itself a previously
// generated body when this path runs) containing clones of every block
// reachable from, but not inside, L's exit successor. The live-ins of that
// region are marshalled into a freshly allocated scope of the same shape as
// P's, so the runtime can pass it along as a successor Task's new_scope
// (spec.md §4.4's finish_job).
func (t *Transformer) emitContinuation(f *ir.Function, loop *ir.CanonicalLoop, liveIns []liveIn) (*ir.Function, *ir.Instruction) {
	contBlocks := reachableExcluding(loop.ExitSucc, loop.Contains)
	contSet := make(map[*ir.BasicBlock]bool, len(contBlocks))
	for _, b := range contBlocks {
		contSet[b] = true
	}
	contLiveIns := identifyLiveInsForBlocks(contBlocks, func(b *ir.BasicBlock) bool { return contSet[b] }, nil)

	name := t.name(f, "continuation")
	cont := t.buildExtractedBody(name, contBlocks, nil, contLiveIns)
	newScope := t.marshalLiveIns(f, contLiveIns, name+".scope")
	return cont, newScope
}

// reachableExcluding returns every block forward-reachable from start
// (start included) that does not satisfy exclude, used to find the blocks
// following a loop's exit successor (spec.md §4.1 step 4).
func reachableExcluding(start *ir.BasicBlock, exclude func(*ir.BasicBlock) bool) []*ir.BasicBlock {
	var out []*ir.BasicBlock
	seen := map[*ir.BasicBlock]bool{}
	var visit func(b *ir.BasicBlock)
	visit = func(b *ir.BasicBlock) {
		if b == nil || seen[b] || exclude(b) {
			return
		}
		seen[b] = true
		out = append(out, b)
		for _, s := range b.Succs {
			visit(s)
		}
	}
	visit(start)
	return out
}

// marshalLiveIns implements spec.md §4.1 step 5: allocates an N-cell
// pointer array via __malloc in f's entry block (label names it, e.g.
// "args" for the loop's own live-ins or "<name>.scope" for a
// continuation's), then for each live-in either stores it directly
// (pointer-typed) or allocates a one-element cell, stores the value into
// that cell, and stores the cell's address into the array slot
// (scalar-typed). Returns the array allocation instruction — spec.md's
// StoreAddr / NewScope.
func (t *Transformer) marshalLiveIns(f *ir.Function, liveIns []liveIn, label string) *ir.Instruction {
	n := int64(len(liveIns))
	array := ir.NewCall(label, nil, mallocSymbol, &ir.Const{Int: cellSize}, &ir.Const{Int: n})
	f.Entry.InsertBeforeTerminator(array)

	for i, li := range liveIns {
		if li.pointer {
			st := ir.NewStore(array, li.value, cellSize)
			st.ArraySlot = i
			f.Entry.InsertBeforeTerminator(st)
			continue
		}

		cell := ir.NewCall(fmt.Sprintf("%s.cell%d", label, i), nil, mallocSymbol, &ir.Const{Int: cellSize}, &ir.Const{Int: 1})
		storeVal := ir.NewStore(cell, li.value, cellSize)

		if defInst, ok := li.value.(*ir.Instruction); ok {
			defInst.Block.InsertAfter(cell, defInst)
			defInst.Block.InsertAfter(storeVal, cell)
		} else {
			// A Param has no defining instruction; spec.md step 5 places
			// its cell store "after the array allocation".
			f.Entry.InsertAfter(cell, array)
			f.Entry.InsertAfter(storeVal, cell)
		}

		slotStore := ir.NewStore(array, cell, cellSize)
		slotStore.ArraySlot = i
		f.Entry.InsertBeforeTerminator(slotStore)
	}

	return array
}

// emitDispatch implements spec.md §4.1 step 6: replaces the preheader's
// terminator with the __enqueue_task call, followed by either a conditional
// branch on the return value (when f is a top-level function) or a void
// return (when f is itself a generated body).
func (t *Transformer) emitDispatch(f *ir.Function, loop *ir.CanonicalLoop, res *Result) {
	args := []ir.Value{funcRefOrNil(res.Parallel), funcRefOrNil(res.Sequential), funcRefOrNil(res.Continuation),
		res.Args, scopeOrNil(res.NewScope),
		&ir.Const{Int: loop.Start}, &ir.Const{Int: loop.Step}, &ir.Const{Int: loop.Final}}

	call := ir.NewCall(t.name(f, "dispatch"), nil, enqueueTaskSymbol, args...)

	if f.ReturnsBool {
		loop.Preheader.ReplaceTerminator(call, ir.NewCondBr(call, loop.ExitSucc, loop.Header))
		return
	}
	loop.Preheader.ReplaceTerminator(call, ir.NewRet(nil))
}

func funcRefOrNil(f *ir.Function) ir.Value {
	if f == nil {
		return nil
	}
	return &ir.FuncRef{Func: f}
}

func scopeOrNil(inst *ir.Instruction) ir.Value {
	if inst == nil {
		return nil
	}
	return inst
}
