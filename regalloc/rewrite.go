package regalloc

import (
	"sort"

	"github.com/sysy-lang/sysybe/cerr"
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/target"
	"tlog.app/go/errors"
)

// intervalIndex answers "which interval of vreg id covers position pos",
// needed because a single vreg can own several disjoint intervals when its
// live range has a gap (a redefinition after its previous value died).
type intervalIndex map[int][]*Interval

func indexIntervals(ivs []*Interval) intervalIndex {
	idx := intervalIndex{}
	for _, iv := range ivs {
		idx[iv.Reg.ID] = append(idx[iv.Reg.ID], iv)
	}
	for id := range idx {
		sort.Slice(idx[id], func(i, j int) bool { return idx[id][i].Start < idx[id][j].Start })
	}
	return idx
}

func (idx intervalIndex) at(id, pos int) *Interval {
	for _, iv := range idx[id] {
		if pos >= iv.Start && pos < iv.End {
			return iv
		}
	}
	return nil
}

// physIndex answers "is physical register id occupied by some allocated
// interval at position pos", the liveness check scratch selection needs
// (§4.5.5 step 2).
type physIndex map[int][]*Interval

func indexByPhys(ivs []*Interval) physIndex {
	idx := physIndex{}
	for _, iv := range ivs {
		if iv.HasPhys {
			idx[iv.PhysReg.ID] = append(idx[iv.PhysReg.ID], iv)
		}
	}
	return idx
}

func (idx physIndex) liveAt(id, pos int) bool {
	for _, iv := range idx[id] {
		if pos >= iv.Start && pos < iv.End {
			return true
		}
	}
	return false
}

// rewriteClass performs §4.5.5: replace every vreg use/def with its
// assigned physical register, or, for spilled vregs, a scratch register
// plus an inserted reload/spill.
func rewriteClass(fn *mir.MFunction, adapter target.InstrAdapter, n *numbering, ivs []*Interval, allocOrder, abiOrder []mir.Register, class func(mir.Register) bool) error {
	byReg := indexIntervals(ivs)
	byPhys := indexByPhys(ivs)

	for _, b := range fn.Blocks() {
		// n numbers the block as it was before any reload/spill went in, so
		// j walks the original instructions while i is where the current
		// one sits now.
		i := 0
		for j, count := 0, len(b.Insts); j < count; j++ {
			before := len(b.Insts)
			at, err := rewriteInst(b, i, n.at(b.ID, j), adapter, byReg, byPhys, allocOrder, abiOrder, class)
			if err != nil {
				return cerr.Inst(err, b.ID, j)
			}
			reloads := at - i
			spills := len(b.Insts) - before - reloads
			i = at + 1 + spills
		}
	}

	return nil
}

// rewriteInst rewrites the instruction currently at index i, whose
// position in the pre-insertion numbering is pos, returning its (possibly
// shifted) index: inserting a reload before it moves it forward, and spill
// stores land right after it, which the caller's loop must pick up so it
// doesn't reprocess the inserted pseudos or skip the instruction that follows.
func rewriteInst(b *mir.MBlock, i, pos int, adapter target.InstrAdapter, byReg intervalIndex, byPhys physIndex, allocOrder, abiOrder []mir.Register, class func(mir.Register) bool) (int, error) {
	inst := b.Insts[i]

	uses := filterClass(adapter.EnumUses(inst), class)
	defs := filterClass(adapter.EnumDefs(inst), class)
	if len(uses) == 0 && len(defs) == 0 {
		return i, nil
	}

	forbidden := map[int]bool{}
	for _, r := range adapter.EnumPhysRegs(inst) {
		forbidden[r.ID] = true
	}
	for _, r := range append(append([]mir.Register{}, uses...), defs...) {
		if iv := byReg.at(r.ID, pos); iv != nil && iv.HasPhys {
			forbidden[iv.PhysReg.ID] = true
		}
	}

	reloaded := map[int]mir.Register{} // vreg id -> scratch reg picked for it in this instruction

	pickScratch := func() (mir.Register, error) {
		for _, pool := range [2][]mir.Register{allocOrder, abiOrder} {
			for _, r := range pool {
				if forbidden[r.ID] {
					continue
				}
				if byPhys.liveAt(r.ID, pos) {
					continue
				}
				forbidden[r.ID] = true
				return r, nil
			}
		}
		return mir.Register{}, errors.Wrap(cerr.ErrResourceExhaustion, "no scratch register free at position %d", pos)
	}

	for _, r := range uses {
		iv := byReg.at(r.ID, pos)
		if iv == nil {
			continue
		}
		if iv.HasPhys {
			inst = adapter.ReplaceUse(inst, r, iv.PhysReg)
			continue
		}
		scratch, ok := reloaded[r.ID]
		if !ok {
			var err error
			scratch, err = pickScratch()
			if err != nil {
				return i, err
			}
			i = adapter.InsertReloadBefore(b, i, scratch, iv.SpillFI)
			inst = b.Insts[i]
			reloaded[r.ID] = scratch
		}
		inst = adapter.ReplaceUse(inst, r, scratch)
	}
	b.Insts[i] = inst

	for _, r := range defs {
		iv := byReg.at(r.ID, pos)
		if iv == nil {
			continue
		}
		if iv.HasPhys {
			b.Insts[i] = adapter.ReplaceDef(b.Insts[i], r, iv.PhysReg)
			continue
		}
		scratch, ok := reloaded[r.ID]
		if !ok {
			var err error
			scratch, err = pickScratch()
			if err != nil {
				return i, err
			}
			reloaded[r.ID] = scratch
		}
		b.Insts[i] = adapter.ReplaceDef(b.Insts[i], r, scratch)
		adapter.InsertSpillAfter(b, i, scratch, iv.SpillFI)
	}

	return i, nil
}

func filterClass(regs []mir.Register, class func(mir.Register) bool) []mir.Register {
	var out []mir.Register
	for _, r := range regs {
		if r.IsVirtual && class(r) {
			out = append(out, r)
		}
	}
	return out
}
