package ir

// ValueMap tracks old->new Value correspondences while cloning, the Go
// stand-in for LLVM's ValueToValueMapTy used throughout
// original_source/llvm-plugin/LoopExtraction/LoopExtraction.h.
type ValueMap map[Value]Value

// Remap resolves v through m, returning v unchanged if it has no entry
// (e.g. a Const, or a live-in that was deliberately left untouched).
func (m ValueMap) Remap(v Value) Value {
	if v == nil {
		return nil
	}
	if mapped, ok := m[v]; ok {
		return mapped
	}
	return v
}

// CloneBlocks deep-copies blocks into dst, preserving internal control flow
// (branches among blocks) and recording every old->new Instruction and
// BasicBlock correspondence in vmap and bmap. Operands referencing values
// outside blocks (live-ins) are left unmapped — the caller rewrites those
// separately (spec.md §4.1 step 3's live-in replacement). This is the
// shared primitive behind both the loop-body clone (step 3/4) and the
// whole-function clone instrumentation uses for callees (spec.md §4.2).
func CloneBlocks(dst *Function, blocks []*BasicBlock, vmap ValueMap, bmap map[*BasicBlock]*BasicBlock) []*BasicBlock {
	cloned := make([]*BasicBlock, len(blocks))
	for idx, b := range blocks {
		nb := dst.AddBlock(b.Name)
		bmap[b] = nb
		cloned[idx] = nb
	}
	for idx, b := range blocks {
		nb := cloned[idx]
		for _, inst := range b.Instructions {
			ni := cloneInstruction(inst, vmap, bmap)
			nb.Append(ni)
			vmap[inst] = ni
		}
	}
	// Second pass: remap operands now that every instruction in the region
	// has a clone, and wire block successors/predecessors from the cloned
	// terminators.
	for idx, b := range blocks {
		nb := cloned[idx]
		for _, ni := range nb.Instructions {
			remapOperandsInPlace(ni, vmap, bmap)
		}
		if term := nb.Terminator(); term != nil {
			wireTerminator(nb, term)
		}
		_ = b
	}
	return cloned
}

func cloneInstruction(src *Instruction, vmap ValueMap, bmap map[*BasicBlock]*BasicBlock) *Instruction {
	ni := &Instruction{
		Op:        src.Op,
		Name:      src.Name,
		Size:      src.Size,
		Count:     src.Count,
		Callee:    src.Callee,
		External:  src.External,
		ScopeSlot: src.ScopeSlot,
		ArraySlot: src.ArraySlot,
	}
	ni.Operands = append([]Value(nil), src.Operands...)
	ni.Incoming = append([]Value(nil), src.Incoming...)
	ni.Preds = append([]*BasicBlock(nil), src.Preds...)
	if src.Target != nil {
		ni.Target = src.Target
	}
	ni.TrueBlock, ni.FalseBlock = src.TrueBlock, src.FalseBlock
	ni.Cond = src.Cond
	return ni
}

func remapOperandsInPlace(ni *Instruction, vmap ValueMap, bmap map[*BasicBlock]*BasicBlock) {
	for i, op := range ni.Operands {
		ni.Operands[i] = vmap.Remap(op)
	}
	for i, in := range ni.Incoming {
		ni.Incoming[i] = vmap.Remap(in)
	}
	for i, p := range ni.Preds {
		if mapped, ok := bmap[p]; ok {
			ni.Preds[i] = mapped
		}
	}
	if ni.Cond != nil {
		ni.Cond = vmap.Remap(ni.Cond)
	}
	if ni.Target != nil {
		if mapped, ok := bmap[ni.Target]; ok {
			ni.Target = mapped
		}
	}
	if ni.TrueBlock != nil {
		if mapped, ok := bmap[ni.TrueBlock]; ok {
			ni.TrueBlock = mapped
		}
	}
	if ni.FalseBlock != nil {
		if mapped, ok := bmap[ni.FalseBlock]; ok {
			ni.FalseBlock = mapped
		}
	}
}

// wireTerminator reconnects nb's CFG edges from its (already block-remapped)
// terminator instruction — CloneBlocks builds blocks via AddBlock, which
// does not itself wire Preds/Succs, so this mirrors what SetTerminator does
// for newly constructed terminators.
func wireTerminator(nb *BasicBlock, term *Instruction) {
	for _, succ := range term.Successors() {
		if succ == nil {
			continue
		}
		nb.Succs = append(nb.Succs, succ)
		succ.Preds = append(succ.Preds, nb)
	}
}

// CloneFunction deep-copies every block of src into a new Function named
// name, used by the instrumentation pass to produce one private clone per
// instrumented callee (spec.md §4.2: "a process-wide map callee→clone
// ensures at most one clone per original").
func CloneFunction(src *Function, name string) *Function {
	dst := &Function{Name: name, ReturnsBool: src.ReturnsBool}
	for _, p := range src.Params {
		dst.Params = append(dst.Params, &Param{Name: p.Name, Pointer: p.Pointer})
	}
	vmap := ValueMap{}
	for i, p := range src.Params {
		vmap[p] = dst.Params[i]
	}
	bmap := map[*BasicBlock]*BasicBlock{}
	cloned := CloneBlocks(dst, src.Blocks, vmap, bmap)
	if len(cloned) > 0 {
		dst.Entry = cloned[0]
	}
	return dst
}
