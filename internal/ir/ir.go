// Package ir is a minimal, self-contained SSA-ish intermediate representation
// sufficient to express spec.md §4.1's clone/rewire/marshal algorithm without
// embedding or shelling out to a real compiler toolchain (that dependency
// never appeared in the retrieval pack, so it stays out of scope). It plays
// the role LLVM's IR, LoopInfo and ScalarEvolution play in
// original_source/llvm-plugin: Function/BasicBlock/Instruction/Value model
// the IR itself, and CanonicalLoop stands in for an already-resolved
// LoopInfo+ScalarEvolution result (start/step/final/induction variable),
// since this module does not implement scalar evolution analysis.
package ir

import "fmt"

// Op is an instruction opcode. The set is deliberately small: just what
// spec.md §4.1's extraction algorithm and §4.2's instrumentation pass need
// to express and rewrite.
type Op int

const (
	OpLoad Op = iota
	OpStore
	OpPhi
	OpBinOp
	OpBr
	OpCondBr
	OpRet
	OpCall
	OpAlloc
)

func (op Op) String() string {
	switch op {
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpPhi:
		return "phi"
	case OpBinOp:
		return "binop"
	case OpBr:
		return "br"
	case OpCondBr:
		return "condbr"
	case OpRet:
		return "ret"
	case OpCall:
		return "call"
	case OpAlloc:
		return "alloc"
	default:
		return "unknown"
	}
}

// Value is anything usable as an instruction operand: a Param, a Const, or
// the result of an Instruction (an Instruction is itself a Value — its own
// SSA name is the result it produces, matching LLVM's Instruction-IS-A-Value
// design since there is no separate register file).
type Value interface {
	ValueName() string
}

// Param is a function parameter. Pointer marks whether it is pointer-typed
// (spec.md §4.1 step 3 treats pointer live-ins and scalar live-ins
// differently when marshalling).
type Param struct {
	Name    string
	Pointer bool
}

func (p *Param) ValueName() string { return p.Name }

// Const is a compile-time integer constant (used for Step/Final bounds and
// for the induction variable's initial value).
type Const struct {
	Name string
	Int  int64
}

func (c *Const) ValueName() string { return c.Name }

// FuncRef is a function's address taken as a first-class Value, standing in
// for the original's raw FunctionPtr operands to __enqueue_task (spec.md
// §6: parallel/sequential/continuation travel as plain pointers across the
// ABI boundary).
type FuncRef struct {
	Func *Function
}

func (r *FuncRef) ValueName() string { return r.Func.Name }

// Instruction is every other kind of Value: it both computes a result (for
// Load/Phi/BinOp/Call/Alloc) and, for Store/Br/CondBr/Ret, has no result but
// still occupies a slot in its BasicBlock. Field usage depends on Op; see
// the constructor helpers (NewLoad, NewStore, ...) for which fields apply to
// which Op — this mirrors the single llvm::Instruction class whose opcode
// determines which accessors are meaningful.
type Instruction struct {
	Op   Op
	Name string // result name; empty for void ops

	Block *BasicBlock

	// OpLoad: Operands[0] = address.
	// OpStore: Operands[0] = address, Operands[1] = stored value.
	// OpBinOp: Operands[0], Operands[1] = operands.
	// OpCall: Operands = arguments.
	// OpRet: Operands[0] = return value, if any.
	Operands []Value

	// Size is the byte width of the accessed value for OpLoad/OpStore, or
	// the per-element byte size for OpAlloc.
	Size int64
	// Count is the element count for OpAlloc (spec.md §4.1 step 5: an array
	// of N pointer cells, or a single scalar cell when Count == 1).
	Count int64

	// OpCall.
	Callee   *Function // nil for a call to an external/ABI symbol
	External string    // symbol name when Callee is nil (e.g. "__malloc")

	// OpBr.
	Target *BasicBlock
	// OpCondBr.
	Cond                  Value
	TrueBlock, FalseBlock *BasicBlock

	// OpPhi: parallel slices, Incoming[i] arrives from Preds[i].
	Incoming []Value
	Preds    []*BasicBlock

	// ScopeSlot marks an OpLoad as unmarshalling live-in index ScopeSlot
	// directly out of the scope argument (spec.md §4.1 step 3); -1 for every
	// other load, including the second-level load of a scalar live-in's
	// heap cell (spec.md §4.2's "one or two levels of dereference").
	ScopeSlot int

	// ArraySlot marks an OpStore as writing element index ArraySlot of the
	// live-in array (spec.md §4.1 step 5's marshalling stores into
	// StoreAddr); -1 for an ordinary store.
	ArraySlot int
}

func (i *Instruction) ValueName() string { return i.Name }

func (i *Instruction) String() string {
	if i.Name == "" {
		return fmt.Sprintf("%s", i.Op)
	}
	return fmt.Sprintf("%s = %s", i.Name, i.Op)
}

// IsTerminator reports whether i ends its BasicBlock.
func (i *Instruction) IsTerminator() bool {
	switch i.Op {
	case OpBr, OpCondBr, OpRet:
		return true
	default:
		return false
	}
}

// Successors returns the blocks i can transfer control to, or nil if i is
// not a terminator.
func (i *Instruction) Successors() []*BasicBlock {
	switch i.Op {
	case OpBr:
		return []*BasicBlock{i.Target}
	case OpCondBr:
		return []*BasicBlock{i.TrueBlock, i.FalseBlock}
	default:
		return nil
	}
}

// BasicBlock is a straight-line sequence of Instructions ending in a
// terminator (except a still-under-construction block).
type BasicBlock struct {
	Name         string
	Func         *Function
	Instructions []*Instruction
	Preds        []*BasicBlock
	Succs        []*BasicBlock
}

// Append adds i to the end of b's instruction list and sets its back-link.
func (b *BasicBlock) Append(i *Instruction) {
	i.Block = b
	b.Instructions = append(b.Instructions, i)
}

// Terminator returns b's last instruction if it is a terminator, else nil.
func (b *BasicBlock) Terminator() *Instruction {
	if len(b.Instructions) == 0 {
		return nil
	}
	last := b.Instructions[len(b.Instructions)-1]
	if last.IsTerminator() {
		return last
	}
	return nil
}

// SetTerminator replaces b's terminator (if any) with term, wiring b/term
// into the CFG (Succs/Preds) accordingly. This is the primitive spec.md
// §4.1 step 3's "rewrite the loop-exit terminator to return" reduces to.
func (b *BasicBlock) SetTerminator(term *Instruction) {
	b.ReplaceTerminator(term)
}

// ReplaceTerminator drops b's current terminator (if any), detaching its
// CFG edges, appends every instruction in instrs in order, and wires CFG
// edges for whichever of them is itself a terminator. This is spec.md §4.1
// step 6's "replace the preheader's terminator with a call ... followed by"
// a branch or return — the call itself is not a terminator, so both must be
// appended together.
func (b *BasicBlock) ReplaceTerminator(instrs ...*Instruction) {
	if old := b.Terminator(); old != nil {
		for _, succ := range old.Successors() {
			if succ == nil {
				continue
			}
			removeBlock(&succ.Preds, b)
			removeBlock(&b.Succs, succ)
		}
		b.Instructions = b.Instructions[:len(b.Instructions)-1]
	}
	for _, inst := range instrs {
		b.Append(inst)
		if !inst.IsTerminator() {
			continue
		}
		for _, succ := range inst.Successors() {
			if succ == nil {
				continue
			}
			b.Succs = append(b.Succs, succ)
			succ.Preds = append(succ.Preds, b)
		}
	}
}

// InsertBeforeTerminator inserts inst immediately before b's terminator (or
// appends it if b has none yet), used by spec.md §4.1 step 5's marshalling
// sequence in F's entry block.
func (b *BasicBlock) InsertBeforeTerminator(inst *Instruction) {
	term := b.Terminator()
	if term == nil {
		b.Append(inst)
		return
	}
	inst.Block = b
	n := len(b.Instructions)
	b.Instructions = append(b.Instructions[:n-1:n-1], inst, term)
}

// InsertBefore splices inst into b immediately ahead of before, used by
// spec.md §4.2's instrumentation pass to place a `__check_*` call directly
// ahead of the load or store it guards. before must already belong to b.
func (b *BasicBlock) InsertBefore(inst *Instruction, before *Instruction) {
	inst.Block = b
	for idx, existing := range b.Instructions {
		if existing == before {
			b.Instructions = append(b.Instructions[:idx:idx], append([]*Instruction{inst}, b.Instructions[idx:]...)...)
			return
		}
	}
	b.Instructions = append(b.Instructions, inst)
}

// InsertAfter splices inst into b immediately following after, used by
// spec.md §4.1 step 5's live-in marshalling ("store the value into that
// cell immediately after its defining instruction"). after must already
// belong to b.
func (b *BasicBlock) InsertAfter(inst *Instruction, after *Instruction) {
	inst.Block = b
	for idx, existing := range b.Instructions {
		if existing == after {
			b.Instructions = append(b.Instructions[:idx+1:idx+1], append([]*Instruction{inst}, b.Instructions[idx+1:]...)...)
			return
		}
	}
	b.Instructions = append(b.Instructions, inst)
}

func removeBlock(list *[]*BasicBlock, b *BasicBlock) {
	out := (*list)[:0]
	for _, x := range *list {
		if x != b {
			out = append(out, x)
		}
	}
	*list = out
}

// Function is a sequence of BasicBlocks with an entry point and a parameter
// list. ReturnsBool marks a top-level function, whose dispatch call is
// followed by a conditional branch on __enqueue_task's result; generated
// bodies leave it false and follow the dispatch call with a void return.
type Function struct {
	Name        string
	Params      []*Param
	Blocks      []*BasicBlock
	Entry       *BasicBlock
	ReturnsBool bool // true for F itself, which __enqueue_task's caller branches on
}

// AddBlock appends a new, empty BasicBlock named name and returns it.
func (f *Function) AddBlock(name string) *BasicBlock {
	b := &BasicBlock{Name: name, Func: f}
	f.Blocks = append(f.Blocks, b)
	if f.Entry == nil {
		f.Entry = b
	}
	return b
}

// Param returns f's parameter named name, or nil.
func (f *Function) Param(name string) *Param {
	for _, p := range f.Params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// RemoveUnreachableBlocks drops every block with no predecessors other than
// f.Entry itself (spec.md §4.1 step 8's cleanup pass). It iterates to a
// fixed point since removing one dead block can orphan another.
func (f *Function) RemoveUnreachableBlocks() {
	for {
		reachable := map[*BasicBlock]bool{f.Entry: true}
		changed := true
		for changed {
			changed = false
			for _, b := range f.Blocks {
				if reachable[b] {
					continue
				}
				for _, pred := range b.Preds {
					if reachable[pred] {
						reachable[b] = true
						changed = true
						break
					}
				}
			}
		}
		kept := f.Blocks[:0]
		removedAny := false
		for _, b := range f.Blocks {
			if reachable[b] {
				kept = append(kept, b)
				continue
			}
			removedAny = true
			for _, succ := range b.Succs {
				removeBlock(&succ.Preds, b)
			}
		}
		f.Blocks = kept
		if !removedAny {
			return
		}
	}
}
