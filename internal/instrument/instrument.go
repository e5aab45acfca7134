// Package instrument implements spec.md §4.2's instrumentation pass: it
// walks every function named in the loop extraction pass's
// GeneratedFunctions set and inserts a __check_write_conflict call before
// every qualifying store and a __check_load_conflict call before every
// qualifying load, then recursively clones and instruments every callee
// reachable from a generated function.
//
// Grounded on
// original_source/llvm-plugin/InstrumentFunction/Instrument.cpp: Context
// mirrors InstrumentFunctionPass (Generated/Instrumented sets, the
// FunctionMap callee→clone registry, the InstrumentStack worklist), with
// the process-wide FunctionMap static replaced by an explicit field per
// spec.md §9's design note ("an explicit context object threaded through
// both passes... preferable to a true static when the host pass API
// allows it").
package instrument

import (
	"github.com/joeycumines/go-parloop/internal/ir"
)

const (
	checkWriteConflict = "__check_write_conflict"
	checkLoadConflict  = "__check_load_conflict"
	malloc             = "__malloc"
)

// Context holds the cross-function bookkeeping the pass needs: which
// functions are generated (and so get the scope-load skip exceptions of
// spec.md §4.2), which have already been instrumented, and the
// callee→clone registry that ensures at most one clone per original.
type Context struct {
	Generated    map[*ir.Function]bool
	instrumented map[*ir.Function]bool
	clones       map[*ir.Function]*ir.Function
	stack        []*ir.Function
}

// NewContext builds a Context seeded with the set of functions the
// extraction pass registered as generated (spec.md §6's GeneratedFunctions
// metadata handshake; here passed directly rather than round-tripped
// through a named metadata node, since both passes run in the same process).
func NewContext(generated map[*ir.Function]bool) *Context {
	g := make(map[*ir.Function]bool, len(generated))
	for f, ok := range generated {
		if ok {
			g[f] = true
		}
	}
	return &Context{
		Generated:    g,
		instrumented: map[*ir.Function]bool{},
		clones:       map[*ir.Function]*ir.Function{},
	}
}

// Run instruments every function in ctx.Generated, then drains the worklist
// of callee clones produced along the way — the module-pass entry point
// corresponding to InstrumentFunctionPass::run.
func (ctx *Context) Run() {
	for f := range ctx.Generated {
		if !ctx.instrumented[f] {
			ctx.instrumentFunction(f)
		}
	}
	for len(ctx.stack) > 0 {
		f := ctx.stack[len(ctx.stack)-1]
		ctx.stack = ctx.stack[:len(ctx.stack)-1]
		if !ctx.instrumented[f] {
			ctx.instrumentFunction(f)
		}
	}
}

func (ctx *Context) instrumentFunction(f *ir.Function) {
	ctx.addVersioningAndConflictDetection(f)
	ctx.instrumented[f] = true
	ctx.collectCalledFunctions(f)
}

// addVersioningAndConflictDetection walks f's instructions and inserts a
// __check_write_conflict call before every qualifying store and a
// __check_load_conflict call before every qualifying load (spec.md §4.2).
// The three exceptions only apply within generated functions: (a) a store
// through a pointer that is itself a call to __malloc (the marshalling
// stores spec.md §4.1 step 5 emits into freshly allocated cells); (b) a
// load of the scope argument directly; (c) a load through one or two
// levels of dereference of the scope argument (the argument-unmarshalling
// loads spec.md §4.1 step 3 emits).
func (ctx *Context) addVersioningAndConflictDetection(f *ir.Function) {
	generated := ctx.Generated[f]

	for _, b := range f.Blocks {
		// Snapshot: the loop below inserts instructions into b, so range
		// over a copy to avoid visiting the inserted __check_* calls
		// themselves or skipping instructions as indices shift.
		insts := append([]*ir.Instruction(nil), b.Instructions...)
		for _, inst := range insts {
			switch inst.Op {
			case ir.OpStore:
				if generated && storesThroughMalloc(inst) {
					continue
				}
				addr, val := inst.Operands[0], inst.Operands[1]
				_ = val
				call := ir.NewCall("", nil, checkWriteConflict, addr, &ir.Const{Int: inst.Size})
				b.InsertBefore(call, inst)

			case ir.OpLoad:
				if generated && skipScopeLoad(inst) {
					continue
				}
				addr := inst.Operands[0]
				call := ir.NewCall("", nil, checkLoadConflict, addr)
				b.InsertBefore(call, inst)
			}
		}
	}
}

// storesThroughMalloc reports whether inst (a store) writes through a
// pointer produced directly by a call to __malloc — spec.md §4.2 exception
// (a).
func storesThroughMalloc(inst *ir.Instruction) bool {
	ptr, ok := inst.Operands[0].(*ir.Instruction)
	if !ok || ptr.Op != ir.OpCall {
		return false
	}
	return ptr.Callee == nil && ptr.External == malloc
}

// skipScopeLoad reports whether inst (a load) is either a direct load of
// the scope argument (exception (b)) or a load through one level of
// dereference of the scope argument (exception (c)) — the two shapes
// spec.md §4.1 step 3 emits to unmarshal a pointer-typed and a
// scalar-typed live-in, respectively. A scope load is tagged with
// ScopeSlot >= 0 by the extraction pass (ir.Instruction.IsScopeLoad).
func skipScopeLoad(inst *ir.Instruction) bool {
	if inst.IsScopeLoad() {
		return true
	}
	if deref, ok := inst.Operands[0].(*ir.Instruction); ok && deref.IsScopeLoad() {
		return true
	}
	return false
}

// collectCalledFunctions implements spec.md §4.2's "after instrumenting a
// function, recursively clone and instrument every callee that has a
// definition and is not already an instrumented clone; redirect the call to
// the clone." A generated function is never cloned (it is instrumented
// directly, in place, exactly once).
func (ctx *Context) collectCalledFunctions(f *ir.Function) {
	for _, b := range f.Blocks {
		for _, inst := range b.Instructions {
			if inst.Op != ir.OpCall || inst.Callee == nil {
				continue
			}
			callee := inst.Callee
			if ctx.Generated[callee] {
				continue
			}
			if len(callee.Blocks) == 0 {
				// Not defined in this module (an external/ABI symbol) —
				// nothing to clone or instrument.
				continue
			}
			if clone, ok := ctx.clones[callee]; ok {
				inst.Callee = clone
				continue
			}

			clone := ir.CloneFunction(callee, callee.Name+".instrumented")
			ctx.clones[callee] = clone
			inst.Callee = clone
			ctx.stack = append(ctx.stack, clone)
		}
	}
}
