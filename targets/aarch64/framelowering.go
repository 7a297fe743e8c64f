package aarch64

import (
	"sort"

	"github.com/sysy-lang/sysybe/mir"
)

// frameLoweringImpl implements target.FrameLowering for AArch64, the same
// two-pass split as targets/riscv64: Pre resolves local-object frame
// indices before RA, Post resolves spills/incoming-args and emits the
// prologue/epilogue once the frame size is final.
type frameLoweringImpl struct{}

func FrameLowering() frameLoweringImpl { return frameLoweringImpl{} }

var savedAdapter = adapter{}

func (frameLoweringImpl) Pre(fn *mir.MFunction) error {
	fn.Frame.CalculateOffsets()

	for _, b := range fn.Blocks() {
		for i := 0; i < len(b.Insts); i++ {
			t, ok := b.Insts[i].(mir.Target)
			if !ok || t.FI == nil || t.FI.Index < 0 {
				continue
			}
			off, err := fn.Frame.GetObjectOffset(t.FI.Index)
			if err != nil {
				return err
			}
			total := off
			if t.HasImm {
				total += int(t.Imm)
			}
			i += resolveFrameOperand(b, i, t, total)
		}
	}
	return nil
}

func (frameLoweringImpl) Post(fn *mir.MFunction) error {
	fn.Frame.CalculateOffsets()

	savedInt, savedFloat := usedCalleeSaved(fn)
	saveLR := hasCall(fn)
	lrBytes := 0
	if saveLR {
		lrBytes = 8
	}
	calleeSavedBytes := lrBytes + 8*len(savedInt) + 8*len(savedFloat)
	frameSize := alignUp16(fn.Frame.LocalAreaSize() + calleeSavedBytes)
	fn.Frame.SetFrameSize(frameSize)

	for _, b := range fn.Blocks() {
		if err := resolvePostFrameRefs(fn, b, frameSize); err != nil {
			return err
		}
	}

	if frameSize == 0 {
		return nil
	}

	calleeSavedBase := frameSize - calleeSavedBytes
	emitPrologueEpilogue(fn, saveLR, savedInt, savedFloat, frameSize, calleeSavedBase)

	return nil
}

// hasCall reports whether fn contains any call instruction, per spec §4.6
// step 1: lr only needs saving across a function's own call, since a leaf
// function never clobbers it.
func hasCall(fn *mir.MFunction) bool {
	for _, b := range fn.Blocks() {
		for _, inst := range b.Insts {
			if savedAdapter.IsCall(inst) {
				return true
			}
		}
	}
	return false
}

func usedCalleeSaved(fn *mir.MFunction) (ints, floats []int) {
	seenI := map[int]bool{}
	seenF := map[int]bool{}
	for _, b := range fn.Blocks() {
		for _, inst := range b.Insts {
			for _, r := range savedAdapter.EnumDefs(inst) {
				if r.IsVirtual || !savedAdapter.IsCalleeSaved(r) {
					continue
				}
				if r.IsFloat() {
					if !seenF[r.ID] {
						seenF[r.ID] = true
						floats = append(floats, r.ID)
					}
				} else if !seenI[r.ID] {
					seenI[r.ID] = true
					ints = append(ints, r.ID)
				}
			}
		}
	}
	sort.Ints(ints)
	sort.Ints(floats)
	return ints, floats
}

// resolveFrameOperand mirrors targets/riscv64's helper of the same name:
// fold total into the instruction's immediate when it fits the unscaled
// +-256 load/store range, otherwise materialize the address through the
// x16/x17 scratch pair.
func resolveFrameOperand(b *mir.MBlock, pos int, t mir.Target, total int) int {
	if total >= memImmLo && total <= memImmHi {
		t.FI = nil
		t.HasImm = true
		t.Imm = int64(total)
		b.Insts[pos] = t
		return 0
	}

	scratch := IReg(X16)
	base := t.Rs1
	if base == nil {
		sp := IReg(SP)
		base = &sp
	}
	var pre []mir.MInstruction
	pre = append(pre, movImmSeq(scratch, int64(total))...)
	pre = append(pre, mir.Target{Op: "ADD", Rd: &scratch, Rs1: base, Rs2: &scratch})
	for i, inst := range pre {
		b.InsertBefore(pos+i, inst)
	}

	t.FI = nil
	t.Rs1 = &scratch
	t.HasImm = true
	t.Imm = 0
	b.Insts[pos+len(pre)] = t
	return len(pre)
}

func emitResolvedMemOp(b *mir.MBlock, pos int, op string, rd, rs2 *mir.Register, off int) int {
	sp := IReg(SP)
	if off >= memImmLo && off <= memImmHi {
		b.Insts[pos] = mir.Target{Op: op, Rd: rd, Rs2: rs2, Rs1: &sp, HasImm: true, Imm: int64(off)}
		return 0
	}

	scratch := IReg(X16)
	pre := movImmSeq(scratch, int64(off))
	pre = append(pre, mir.Target{Op: "ADD", Rd: &scratch, Rs1: &sp, Rs2: &scratch})
	for i, inst := range pre {
		b.InsertBefore(pos+i, inst)
	}
	b.Insts[pos+len(pre)] = mir.Target{Op: op, Rd: rd, Rs2: rs2, Rs1: &scratch, HasImm: true, Imm: 0}
	return len(pre)
}

// movImmSeq is the MOVZ/MOVK chunk sequence for materializing an
// arbitrary 64-bit constant into a physical scratch register, used by
// Frame Lowering the same way selector.movImm is used by ISel.
func movImmSeq(rd mir.Register, val int64) []mir.MInstruction {
	u := uint64(val)
	chunks := [4]uint64{u & 0xffff, (u >> 16) & 0xffff, (u >> 32) & 0xffff, (u >> 48) & 0xffff}

	var out []mir.MInstruction
	first := true
	for i, c := range chunks {
		if c == 0 && !first {
			continue
		}
		op := "MOVK"
		if first {
			op = "MOVZ"
			first = false
		}
		out = append(out, mir.Target{Op: op, Rd: &rd, HasImm: true, Imm: int64(c), Shift: i * 16})
	}
	return out
}

func resolvePostFrameRefs(fn *mir.MFunction, b *mir.MBlock, frameSize int) error {
	for i := 0; i < len(b.Insts); i++ {
		switch x := b.Insts[i].(type) {
		case mir.Target:
			if x.FI == nil {
				continue
			}
			var off int
			var err error
			if x.FI.Index < 0 {
				off, err = fn.Frame.GetIncomingArgOffset(x.FI.Index)
				off += frameSize
			} else {
				off, err = fn.Frame.GetObjectOffset(x.FI.Index)
			}
			if err != nil {
				return err
			}
			total := off
			if x.HasImm {
				total += int(x.Imm)
			}
			i += resolveFrameOperand(b, i, x, total)

		case mir.FILoad:
			off, err := fn.Frame.GetObjectOffset(x.FI.Index)
			if err != nil {
				return err
			}
			dst := x.Dest
			i += emitResolvedMemOp(b, i, loadOpFor(dst.Type), &dst, nil, off)

		case mir.FIStore:
			off, err := fn.Frame.GetObjectOffset(x.FI.Index)
			if err != nil {
				return err
			}
			src := x.Src
			i += emitResolvedMemOp(b, i, storeOpFor(src.Type), nil, &src, off)
		}
	}
	return nil
}

func emitPrologueEpilogue(fn *mir.MFunction, saveLR bool, savedInt, savedFloat []int, frameSize, calleeSavedBase int) {
	entry := fn.Block(fn.Entry)
	prologue := frameAdjust(frameSize, "SUB")
	prologue = append(prologue, saveRestoreSeq(saveLR, savedInt, savedFloat, calleeSavedBase, true)...)
	entry.Insts = append(prologue, entry.Insts...)

	for _, b := range fn.Blocks() {
		term := b.Terminator()
		if term == nil || !savedAdapter.IsReturn(term) {
			continue
		}
		pos := len(b.Insts) - 1
		epilogue := saveRestoreSeq(saveLR, savedInt, savedFloat, calleeSavedBase, false)
		epilogue = append(epilogue, frameAdjust(frameSize, "ADD")...)
		for _, inst := range epilogue {
			b.InsertBefore(pos, inst)
			pos++
		}
	}
}

// frameAdjust moves sp by size bytes via op ("SUB" to grow the frame,
// "ADD" to shrink it back), expanding through x16 when size overflows the
// 12-bit unsigned ADD/SUB immediate.
func frameAdjust(size int, op string) []mir.MInstruction {
	sp := IReg(SP)
	if size <= addImmHi {
		return []mir.MInstruction{mir.Target{Op: op, Rd: &sp, Rs1: &sp, HasImm: true, Imm: int64(size)}}
	}
	scratch := IReg(X16)
	out := movImmSeq(scratch, int64(size))
	out = append(out, mir.Target{Op: op, Rd: &sp, Rs1: &sp, Rs2: &scratch})
	return out
}

func saveRestoreSeq(saveLR bool, savedInt, savedFloat []int, base int, save bool) []mir.MInstruction {
	var out []mir.MInstruction
	sp := IReg(SP)
	off := base

	emit := func(r mir.Register, o int) {
		if save {
			out = append(out, mir.Target{Op: storeOpFor(r.Type), Rs1: &sp, Rs2: &r, HasImm: true, Imm: int64(o)})
		} else {
			out = append(out, mir.Target{Op: loadOpFor(r.Type), Rd: &r, Rs1: &sp, HasImm: true, Imm: int64(o)})
		}
	}

	if saveLR {
		lr := IReg(LR)
		emit(lr, off)
		off += 8
	}

	for _, id := range savedInt {
		r := IReg(id)
		emit(r, off)
		off += 8
	}
	for _, id := range savedFloat {
		r := FReg(id)
		emit(r, off)
		off += 8
	}

	if !save {
		reverse(out)
	}
	return out
}

func reverse(s []mir.MInstruction) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func alignUp16(n int) int { return (n + 15) &^ 15 }
