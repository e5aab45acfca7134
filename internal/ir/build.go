package ir

// The New* helpers build Instructions with sane zero-value defaults. They
// exist so callers (loopextract, instrument, and tests) don't have to
// remember which struct fields a given Op actually reads.

func NewLoad(name string, addr Value, size int64) *Instruction {
	return &Instruction{Op: OpLoad, Name: name, Operands: []Value{addr}, Size: size, ScopeSlot: -1}
}

// NewScopeLoad builds the slot-th scope-unmarshalling load (spec.md §4.1
// step 3): Operands[0] is the scope parameter itself.
func NewScopeLoad(name string, scope Value, slot int, size int64) *Instruction {
	return &Instruction{Op: OpLoad, Name: name, Operands: []Value{scope}, Size: size, ScopeSlot: slot}
}

func NewStore(addr, val Value, size int64) *Instruction {
	return &Instruction{Op: OpStore, Operands: []Value{addr, val}, Size: size, ScopeSlot: -1, ArraySlot: -1}
}

func NewBinOp(name string, a, b Value) *Instruction {
	return &Instruction{Op: OpBinOp, Name: name, Operands: []Value{a, b}, ScopeSlot: -1}
}

func NewAlloc(name string, size, count int64) *Instruction {
	return &Instruction{Op: OpAlloc, Name: name, Size: size, Count: count, ScopeSlot: -1}
}

func NewCall(name string, callee *Function, external string, args ...Value) *Instruction {
	return &Instruction{Op: OpCall, Name: name, Callee: callee, External: external, Operands: args, ScopeSlot: -1}
}

func NewRet(val Value) *Instruction {
	var ops []Value
	if val != nil {
		ops = []Value{val}
	}
	return &Instruction{Op: OpRet, Operands: ops, ScopeSlot: -1}
}

func NewBr(target *BasicBlock) *Instruction {
	return &Instruction{Op: OpBr, Target: target, ScopeSlot: -1}
}

func NewCondBr(cond Value, trueBlock, falseBlock *BasicBlock) *Instruction {
	return &Instruction{Op: OpCondBr, Cond: cond, TrueBlock: trueBlock, FalseBlock: falseBlock, ScopeSlot: -1}
}

func NewPhi(name string) *Instruction {
	return &Instruction{Op: OpPhi, Name: name, ScopeSlot: -1}
}

// AddIncoming appends one (pred, value) pair to a Phi instruction.
func (i *Instruction) AddIncoming(pred *BasicBlock, val Value) {
	i.Preds = append(i.Preds, pred)
	i.Incoming = append(i.Incoming, val)
}

// IsScopeLoad reports whether i is a direct, first-level load out of the
// scope argument (as opposed to a second-level load of a scalar live-in's
// heap cell, or an ordinary load unrelated to scope unmarshalling).
func (i *Instruction) IsScopeLoad() bool { return i.Op == OpLoad && i.ScopeSlot >= 0 }

// ReplaceAllUses rewrites every operand/incoming-value/condition reference
// to old, across blocks, to with. Used after cloning to splice the
// induction variable's clone out in favor of the new body's indvar
// parameter (spec.md §4.1 step 3: "Replace the induction variable uses
// with the indvar argument").
func ReplaceAllUses(blocks []*BasicBlock, old, with Value) {
	for _, b := range blocks {
		for _, inst := range b.Instructions {
			for i, op := range inst.Operands {
				if op == old {
					inst.Operands[i] = with
				}
			}
			for i, in := range inst.Incoming {
				if in == old {
					inst.Incoming[i] = with
				}
			}
			if inst.Cond == old {
				inst.Cond = with
			}
		}
	}
}

// RemoveInstruction deletes inst from b's instruction list.
func RemoveInstruction(b *BasicBlock, inst *Instruction) {
	out := b.Instructions[:0]
	for _, x := range b.Instructions {
		if x != inst {
			out = append(out, x)
		}
	}
	b.Instructions = out
}

// RedirectExternalEdges retargets every branch from a cloned block to a
// block outside the cloned region (i.e. missing from bmap) onto a single
// freshly created return block holding retInst. This is the shared
// primitive behind spec.md §4.1 step 3 ("rewrite the loop-exit terminator
// to return") and step 4 ("all inside-L branches to outside-L blocks
// redirected to a fresh return block") — both reduce to retargeting
// branches that would otherwise escape the cloned region.
func RedirectExternalEdges(dst *Function, clonedBlocks []*BasicBlock, bmap map[*BasicBlock]*BasicBlock, retName string, retInst *Instruction) *BasicBlock {
	var retBlock *BasicBlock
	ensureRetBlock := func() *BasicBlock {
		if retBlock == nil {
			retBlock = dst.AddBlock(retName)
			retBlock.Append(retInst)
		}
		return retBlock
	}

	isExternal := func(b *BasicBlock) bool {
		if b == nil || b == retBlock {
			return false
		}
		_, inside := bmap[b]
		return !inside
	}

	for _, b := range clonedBlocks {
		term := b.Terminator()
		if term == nil {
			continue
		}
		switch term.Op {
		case OpBr:
			if isExternal(term.Target) {
				rb := ensureRetBlock()
				removeBlock(&term.Target.Preds, b)
				removeBlock(&b.Succs, term.Target)
				term.Target = rb
				b.Succs = append(b.Succs, rb)
				rb.Preds = append(rb.Preds, b)
			}
		case OpCondBr:
			if isExternal(term.TrueBlock) {
				rb := ensureRetBlock()
				removeBlock(&term.TrueBlock.Preds, b)
				removeBlock(&b.Succs, term.TrueBlock)
				term.TrueBlock = rb
				b.Succs = append(b.Succs, rb)
				rb.Preds = append(rb.Preds, b)
			}
			if isExternal(term.FalseBlock) {
				rb := ensureRetBlock()
				removeBlock(&term.FalseBlock.Preds, b)
				removeBlock(&b.Succs, term.FalseBlock)
				term.FalseBlock = rb
				b.Succs = append(b.Succs, rb)
				rb.Preds = append(rb.Preds, b)
			}
		}
	}
	return retBlock
}
