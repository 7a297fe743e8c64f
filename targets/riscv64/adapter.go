package riscv64

import (
	"github.com/sysy-lang/sysybe/mir"
)

// adapter is the RV64 implementation of target.InstrAdapter. It classifies
// and rewrites Target/Move/FILoad/FIStore instructions without any
// target-independent pass ever inspecting the Op mnemonic directly.
type adapter struct{}

var branchOps = map[string]bool{"J": true}
var condBranchOps = map[string]bool{
	"BEQ": true, "BNE": true, "BLT": true, "BGE": true, "BLTU": true, "BGEU": true,
}

func (adapter) IsCall(inst mir.MInstruction) bool {
	t, ok := inst.(mir.Target)
	return ok && t.Op == "CALL"
}

func (adapter) IsReturn(inst mir.MInstruction) bool {
	t, ok := inst.(mir.Target)
	return ok && t.Op == "JALR_RET"
}

func (adapter) IsUncondBranch(inst mir.MInstruction) bool {
	t, ok := inst.(mir.Target)
	return ok && branchOps[t.Op]
}

func (adapter) IsCondBranch(inst mir.MInstruction) bool {
	t, ok := inst.(mir.Target)
	return ok && condBranchOps[t.Op]
}

func (a adapter) ExtractBranchTarget(inst mir.MInstruction) (int, bool) {
	t, ok := inst.(mir.Target)
	if !ok || !t.HasLabel {
		return 0, false
	}
	if !branchOps[t.Op] && !condBranchOps[t.Op] {
		return 0, false
	}
	return t.Label, true
}

func (a adapter) EnumUses(inst mir.MInstruction) []mir.Register {
	var out []mir.Register
	switch x := inst.(type) {
	case mir.Target:
		if x.Op == "CALL" {
			if x.Call != nil {
				for i := 0; i < x.Call.IntArgs && i < len(abiArgInt); i++ {
					out = append(out, IReg(abiArgInt[i]))
				}
				for i := 0; i < x.Call.FloatArgs && i < len(abiArgFloat); i++ {
					out = append(out, FReg(abiArgFloat[i]))
				}
			}
			return out
		}
		if x.Rs1 != nil {
			out = append(out, *x.Rs1)
		}
		if x.Rs2 != nil {
			out = append(out, *x.Rs2)
		}
		if condBranchOps[x.Op] {
			// RV64 compare-and-branch ops carry both compared values in
			// Rs1/Rs2 (see isel.go's selectBrCond), so Rd adds no use.
		}
	case mir.Move:
		if x.SrcReg != nil {
			out = append(out, *x.SrcReg)
		}
	case mir.FIStore:
		out = append(out, x.Src)
	}
	return out
}

func (a adapter) EnumDefs(inst mir.MInstruction) []mir.Register {
	switch x := inst.(type) {
	case mir.Target:
		if x.Op == "CALL" {
			return nil
		}
		if x.Rd != nil {
			return []mir.Register{*x.Rd}
		}
	case mir.Move:
		return []mir.Register{x.Dest}
	case mir.FILoad:
		return []mir.Register{x.Dest}
	}
	return nil
}

func (a adapter) EnumPhysRegs(inst mir.MInstruction) []mir.Register {
	var out []mir.Register
	for _, r := range a.EnumUses(inst) {
		if !r.IsVirtual {
			out = append(out, r)
		}
	}
	for _, r := range a.EnumDefs(inst) {
		if !r.IsVirtual {
			out = append(out, r)
		}
	}
	if t, ok := inst.(mir.Target); ok {
		if t.Rd != nil && !t.Rd.IsVirtual {
			out = append(out, *t.Rd)
		}
	}
	return out
}

func replaceReg(r *mir.Register, from, to mir.Register) {
	if r != nil && *r == from {
		*r = to
	}
}

func (a adapter) ReplaceUse(inst mir.MInstruction, from, to mir.Register) mir.MInstruction {
	switch x := inst.(type) {
	case mir.Target:
		replaceReg(x.Rs1, from, to)
		replaceReg(x.Rs2, from, to)
		return x
	case mir.Move:
		replaceReg(x.SrcReg, from, to)
		return x
	case mir.FIStore:
		if x.Src == from {
			x.Src = to
		}
		return x
	}
	return inst
}

func (a adapter) ReplaceDef(inst mir.MInstruction, from, to mir.Register) mir.MInstruction {
	switch x := inst.(type) {
	case mir.Target:
		replaceReg(x.Rd, from, to)
		return x
	case mir.Move:
		if x.Dest == from {
			x.Dest = to
		}
		return x
	case mir.FILoad:
		if x.Dest == from {
			x.Dest = to
		}
		return x
	}
	return inst
}

func (a adapter) InsertReloadBefore(block *mir.MBlock, pos int, phys mir.Register, fi mir.FrameIndexOperand) int {
	block.InsertBefore(pos, mir.FILoad{Dest: phys, FI: fi})
	return pos + 1
}

func (a adapter) InsertSpillAfter(block *mir.MBlock, pos int, phys mir.Register, fi mir.FrameIndexOperand) int {
	block.InsertAfter(pos, mir.FIStore{Src: phys, FI: fi})
	return pos
}

func (a adapter) AllocatableInt() []mir.Register   { return regsFrom(allocOrderInt, IReg) }
func (a adapter) AllocatableFloat() []mir.Register { return regsFrom(allocOrderFloat, FReg) }

func (a adapter) IsCalleeSaved(r mir.Register) bool {
	if r.IsVirtual {
		return false
	}
	if r.IsFloat() {
		return calleeSavedFloat[r.ID]
	}
	return calleeSavedInt[r.ID]
}

func (a adapter) ABIArgRegsInt() []mir.Register   { return regsFrom(abiArgInt, IReg) }
func (a adapter) ABIArgRegsFloat() []mir.Register { return regsFrom(abiArgFloat, FReg) }

func (a adapter) LinkReg() mir.Register { return IReg(RA) }

func (a adapter) CallCrossingOrderInt() []mir.Register   { return regsFrom(callCrossingOrderInt, IReg) }
func (a adapter) CallCrossingOrderFloat() []mir.Register { return regsFrom(callCrossingOrderFloat, FReg) }

func (a adapter) NewUncondBranch(block int) mir.MInstruction {
	return mir.Target{Op: "J", HasLabel: true, Label: block}
}
