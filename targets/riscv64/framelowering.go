package riscv64

import (
	"sort"

	"github.com/sysy-lang/sysybe/mir"
)

// frameLoweringImpl implements target.FrameLowering for RV64. It runs in two
// halves either side of register allocation: Pre resolves the frame
// indices ISel already knows the answer to (locals), Post resolves what
// only exists after RA (spill slots, the callee-saved set) and emits the
// prologue and epilogue, generalizing back.go's STP/LDP frame-pointer
// sequence to RV64's register-at-a-time SD/LD.
type frameLoweringImpl struct{}

func FrameLowering() frameLoweringImpl { return frameLoweringImpl{} }

var savedAdapter = adapter{}

// Pre lays out the outgoing-argument area and every local object, then
// rewrites each address-materializing or load/store instruction ISel left
// pointing at a FrameIndexOperand into a concrete sp-relative immediate
// (expanding through the t0 scratch register when the offset doesn't fit
// a 12-bit immediate). Spill slots don't exist yet, so any Index<0
// (incoming stack argument) is left for Post, once the frame size --
// which sits below those arguments -- is known.
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

// Post runs after the register allocator has assigned every virtual
// register and issued spill slots via FrameInfo.AddSpillSlot. It
// recomputes offsets (now including spills), determines the callee-saved
// set actually clobbered, finalizes the 16-byte-aligned frame size,
// resolves everything Pre left behind (incoming stack args, FILoad/FIStore
// spill pseudos), and emits the prologue/epilogue.
func (frameLoweringImpl) Post(fn *mir.MFunction) error {
	fn.Frame.CalculateOffsets()

	savedInt, savedFloat := usedCalleeSaved(fn)
	saveRA := hasCall(fn)
	raBytes := 0
	if saveRA {
		raBytes = 8
	}
	calleeSavedBytes := raBytes + 8*len(savedInt) + 8*len(savedFloat)
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
	emitPrologueEpilogue(fn, saveRA, savedInt, savedFloat, frameSize, calleeSavedBase)

	return nil
}

// hasCall reports whether fn contains any call instruction, per spec §4.6
// step 1: ra only needs saving across a function's own call, since a leaf
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

// usedCalleeSaved walks every instruction's defined registers (via the
// same adapter RA and Phi Elimination use) and returns the sorted,
// deduplicated set of callee-saved physical registers this function
// actually clobbers -- only those need saving.
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

// resolveFrameOperand rewrites t in place at b.Insts[pos] into a concrete
// sp-relative (or already-materialized-base-relative) immediate access at
// offset total, folding directly when it fits RV64's 12-bit signed
// immediate and otherwise expanding through t0: LI t0,total; ADD
// t0,base,t0, then rebasing t onto t0 with a zero immediate. Returns how
// many instructions were inserted before pos, so the caller can skip past
// them.
func resolveFrameOperand(b *mir.MBlock, pos int, t mir.Target, total int) int {
	if total >= rv64ImmLo && total <= rv64ImmHi {
		t.FI = nil
		t.HasImm = true
		t.Imm = int64(total)
		b.Insts[pos] = t
		return 0
	}

	scratch := IReg(T0)
	base := t.Rs1
	if base == nil {
		sp := IReg(SP)
		base = &sp
	}
	b.InsertBefore(pos, mir.Target{Op: "LI", Rd: &scratch, HasImm: true, Imm: int64(total)})
	b.InsertBefore(pos+1, mir.Target{Op: "ADD", Rd: &scratch, Rs1: base, Rs2: &scratch})

	t.FI = nil
	t.Rs1 = &scratch
	t.HasImm = true
	t.Imm = 0
	b.Insts[pos+2] = t
	return 2
}

// emitResolvedMemOp lowers a resolved (op, rd-or-rs2, offset) memory access
// directly, the FILoad/FIStore equivalent of resolveFrameOperand.
func emitResolvedMemOp(b *mir.MBlock, pos int, op string, rd, rs2 *mir.Register, off int) int {
	sp := IReg(SP)
	if off >= rv64ImmLo && off <= rv64ImmHi {
		b.Insts[pos] = mir.Target{Op: op, Rd: rd, Rs2: rs2, Rs1: &sp, HasImm: true, Imm: int64(off)}
		return 0
	}

	scratch := IReg(T0)
	b.InsertBefore(pos, mir.Target{Op: "LI", Rd: &scratch, HasImm: true, Imm: int64(off)})
	b.InsertBefore(pos+1, mir.Target{Op: "ADD", Rd: &scratch, Rs1: &sp, Rs2: &scratch})
	b.Insts[pos+2] = mir.Target{Op: op, Rd: rd, Rs2: rs2, Rs1: &scratch, HasImm: true, Imm: 0}
	return 2
}

// resolvePostFrameRefs handles what Pre couldn't: negative (incoming
// stack argument) FrameIndexOperands in Target instructions, and the
// FILoad/FIStore pseudos the register allocator inserted around spills.
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

// emitPrologueEpilogue inserts the sp adjustment and callee-saved
// save/restore sequence: ra saved only when the function contains a call
// (a leaf function never clobbers it), followed by every clobbered
// callee-saved int then float register, at ascending offsets from
// calleeSavedBase.
func emitPrologueEpilogue(fn *mir.MFunction, saveRA bool, savedInt, savedFloat []int, frameSize, calleeSavedBase int) {
	entry := fn.Block(fn.Entry)
	prologue := frameAdjust(-frameSize)
	prologue = append(prologue, saveRestoreSeq(saveRA, savedInt, savedFloat, calleeSavedBase, true)...)
	entry.Insts = append(prologue, entry.Insts...)

	for _, b := range fn.Blocks() {
		term := b.Terminator()
		if term == nil || !savedAdapter.IsReturn(term) {
			continue
		}
		pos := len(b.Insts) - 1
		epilogue := saveRestoreSeq(saveRA, savedInt, savedFloat, calleeSavedBase, false)
		epilogue = append(epilogue, frameAdjust(frameSize)...)
		for _, inst := range epilogue {
			b.InsertBefore(pos, inst)
			pos++
		}
	}
}

// frameAdjust returns the instruction(s) that move sp by delta bytes,
// expanding through t0 when delta doesn't fit ADDI's 12-bit immediate.
func frameAdjust(delta int) []mir.MInstruction {
	sp := IReg(SP)
	if delta >= rv64ImmLo && delta <= rv64ImmHi {
		return []mir.MInstruction{mir.Target{Op: "ADDI", Rd: &sp, Rs1: &sp, HasImm: true, Imm: int64(delta)}}
	}
	scratch := IReg(T0)
	return []mir.MInstruction{
		mir.Target{Op: "LI", Rd: &scratch, HasImm: true, Imm: int64(delta)},
		mir.Target{Op: "ADD", Rd: &sp, Rs1: &sp, Rs2: &scratch},
	}
}

// saveRestoreSeq builds the (optional) ra + callee-saved register save
// (save=true) or restore (save=false) sequence at ascending offsets from
// base.
func saveRestoreSeq(saveRA bool, savedInt, savedFloat []int, base int, save bool) []mir.MInstruction {
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

	if saveRA {
		ra := IReg(RA)
		emit(ra, off)
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
