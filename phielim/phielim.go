// Package phielim removes mir.Phi instructions before register allocation
// runs, per the target-independent phi-elimination pass: every phi becomes
// a set of copies placed on its incoming edges, critical edges are split
// first so a copy never executes on a path that doesn't need it, and
// copies that would clobber each other's inputs are sequentialized with a
// scratch register when the copy set contains a cycle.
package phielim

import (
	"sort"

	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/target"
)

// Run eliminates every phi in fn, given the target's semantic adapter (to
// discover the CFG and to synthesize the unconditional jump a split block
// needs) and the function's virtual register allocator (to mint scratch
// temporaries for cyclic copy sets).
func Run(fn *mir.MFunction, adapter target.InstrAdapter, vregs *mir.VRegAlloc) error {
	succs, preds := buildCFG(fn, adapter)

	phiBlocks := collectPhiBlocks(fn)
	if len(phiBlocks) == 0 {
		return nil
	}

	nextBlockID := 0
	for _, id := range fn.BlockOrder() {
		if id >= nextBlockID {
			nextBlockID = id + 1
		}
	}

	for _, s := range phiBlocks {
		block := fn.Block(s)
		phis := extractPhis(block)

		movesByPred := map[int][]move{}
		for _, phi := range phis {
			for _, op := range phi.Preds {
				v := op.Val
				movesByPred[op.Block] = append(movesByPred[op.Block], move{dst: phi.Result, srcReg: v.Reg, hasImm: v.HasImm, imm: v.Imm})
			}
		}

		for _, p := range preds[s] {
			moves, ok := movesByPred[p]
			if !ok {
				continue
			}

			insertBlock := fn.Block(p)
			insertPos := terminatorStart(insertBlock, adapter)

			if isCriticalEdge(p, s, succs, preds) {
				newID := nextBlockID
				nextBlockID++
				split := fn.InsertBlockAfter(p, newID)
				split.Append(adapter.NewUncondBranch(s))
				retargetBranch(insertBlock, s, newID, adapter)
				insertBlock = split
				insertPos = 0
			}

			seq := sequentialize(moves, vregs)
			for i, mv := range seq {
				insertBlock.InsertBefore(insertPos+i, mv)
			}
		}
	}

	return nil
}

type move struct {
	dst    mir.Register
	srcReg *mir.Register
	hasImm bool
	imm    int64
}

// buildCFG derives block successors/predecessors from every branch-like
// instruction in the function, since MIR carries no separate CFG edges of
// its own once ISel has run.
func buildCFG(fn *mir.MFunction, adapter target.InstrAdapter) (succs, preds map[int][]int) {
	succs = map[int][]int{}
	preds = map[int][]int{}

	for _, b := range fn.Blocks() {
		for _, inst := range b.Insts {
			if !adapter.IsCondBranch(inst) && !adapter.IsUncondBranch(inst) {
				continue
			}
			t, ok := adapter.ExtractBranchTarget(inst)
			if !ok {
				continue
			}
			succs[b.ID] = append(succs[b.ID], t)
			preds[t] = append(preds[t], b.ID)
		}
	}
	return succs, preds
}

func collectPhiBlocks(fn *mir.MFunction) []int {
	var out []int
	for _, b := range fn.Blocks() {
		for _, inst := range b.Insts {
			if _, ok := inst.(mir.Phi); ok {
				out = append(out, b.ID)
				break
			}
		}
	}
	return out
}

// extractPhis removes every mir.Phi from block and returns them; a phi may
// appear anywhere in the block, not necessarily at the top (selectPhi
// appends in schedule order, see targets/*/isel.go).
func extractPhis(block *mir.MBlock) []mir.Phi {
	var phis []mir.Phi
	kept := block.Insts[:0]
	for _, inst := range block.Insts {
		if p, ok := inst.(mir.Phi); ok {
			phis = append(phis, p)
			continue
		}
		kept = append(kept, inst)
	}
	block.Insts = kept
	return phis
}

// terminatorStart returns the index of the first branch-like instruction
// in block, i.e. where phi-resolving copies must be inserted so they run
// before any jump. If block has no branch (shouldn't happen once every
// block is properly terminated), copies go at the end.
func terminatorStart(block *mir.MBlock, adapter target.InstrAdapter) int {
	for i, inst := range block.Insts {
		if adapter.IsCondBranch(inst) || adapter.IsUncondBranch(inst) || adapter.IsReturn(inst) {
			return i
		}
	}
	return len(block.Insts)
}

func isCriticalEdge(p, s int, succs, preds map[int][]int) bool {
	return len(succs[p]) > 1 && len(preds[s]) > 1
}

// retargetBranch rewrites the one branch instruction in block p that jumps
// to s, redirecting it to newID instead. Every MInstruction with HasLabel
// set is a mir.Target regardless of target package, so this needs no
// adapter indirection to mutate.
func retargetBranch(block *mir.MBlock, s, newID int, adapter target.InstrAdapter) {
	for i, inst := range block.Insts {
		if !adapter.IsCondBranch(inst) && !adapter.IsUncondBranch(inst) {
			continue
		}
		dst, ok := adapter.ExtractBranchTarget(inst)
		if !ok || dst != s {
			continue
		}
		t := inst.(mir.Target)
		t.Label = newID
		block.Insts[i] = t
		return
	}
}

// sequentialize turns a set of moves that must appear to execute in
// parallel (every source read before any destination is overwritten) into
// an ordered list, breaking cycles with a fresh scratch register per
// cycle. This is the standard parallel-copy sequentialization used in SSA
// destruction (Boissinot et al.): process every move whose destination is
// not needed as another pending move's source, and when none remain but
// moves are still pending, the remainder forms a cycle -- save one
// register's value to a temp to break it.
func sequentialize(moves []move, vregs *mir.VRegAlloc) []mir.MInstruction {
	// Deterministic order for reproducible output.
	sort.SliceStable(moves, func(i, j int) bool { return moves[i].dst.ID < moves[j].dst.ID })

	loc := map[int]mir.Register{}   // dst.ID -> register currently holding that value
	srcOf := map[int]move{}         // dst.ID -> its move
	srcCount := map[int]int{}       // register.ID -> how many pending moves still need it as a source
	pending := map[int]bool{}
	var order []int

	for _, mv := range moves {
		loc[mv.dst.ID] = mv.dst
		srcOf[mv.dst.ID] = mv
		pending[mv.dst.ID] = true
		order = append(order, mv.dst.ID)
	}
	for _, mv := range moves {
		if mv.srcReg != nil {
			srcCount[mv.srcReg.ID]++
		}
	}

	var ready []int
	for _, id := range order {
		if srcCount[id] == 0 {
			ready = append(ready, id)
		}
	}

	var out []mir.MInstruction

	emit := func(dstID int) {
		mv := srcOf[dstID]
		dst := mv.dst
		if mv.hasImm {
			out = append(out, mir.Move{Dest: dst, HasImm: true, Imm: mv.imm})
		} else {
			cur, ok := loc[mv.srcReg.ID]
			if !ok {
				cur = *mv.srcReg
			}
			out = append(out, mir.Move{Dest: dst, SrcReg: &cur})
			loc[mv.srcReg.ID] = dst
			srcCount[mv.srcReg.ID]--
			if srcCount[mv.srcReg.ID] == 0 && pending[mv.srcReg.ID] {
				ready = append(ready, mv.srcReg.ID)
			}
		}
		delete(pending, dstID)
	}

	for len(pending) > 0 {
		for len(ready) > 0 {
			id := ready[len(ready)-1]
			ready = ready[:len(ready)-1]
			if !pending[id] {
				continue
			}
			emit(id)
		}
		if len(pending) == 0 {
			break
		}

		// Every remaining destination is part of a cycle: save pick's own
		// current (pre-overwrite) value to a scratch temp, so whichever
		// pending move still needs to read it can be redirected through
		// loc instead of the soon-to-be-clobbered register, and pick
		// itself becomes safe to emit.
		var pick int
		for _, id := range order {
			if pending[id] {
				pick = id
				break
			}
		}
		cur := loc[pick]
		tmp := vregs.New(cur.Type)
		out = append(out, mir.Move{Dest: tmp, SrcReg: &cur})
		loc[pick] = tmp
		srcCount[pick] = 0
		ready = append(ready, pick)
	}

	return out
}
