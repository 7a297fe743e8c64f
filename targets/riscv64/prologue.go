package riscv64

import (
	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
)

// Prologue implements target.ISel.Prologue: selectCall's argument-placement
// convention, run in reverse. The first eight integer and eight float
// parameters arrive in a0-a7/fa0-fa7 and are copied out to fresh vregs;
// anything past that arrived on the caller's stack, one word per slot at
// ascending offsets, and is addressed through a negative FrameIndexOperand
// that Stack Lowering resolves once the frame size is known.
func (iselImpl) Prologue(fn *mir.MFunction, entry *mir.MBlock, params []ir.Param, vregs *mir.VRegAlloc, valueMap map[int]mir.Register) error {
	nextInt, nextFloat := 0, 0
	stackOff := 0
	nextFI := -1

	for _, p := range params {
		v := vregs.New(p.Type)
		valueMap[p.Reg] = v

		if p.Type.IsFloat() {
			if nextFloat < len(abiArgFloat) {
				src := FReg(abiArgFloat[nextFloat])
				nextFloat++
				entry.Append(mir.Move{Dest: v, SrcReg: &src})
				continue
			}
		} else {
			if nextInt < len(abiArgInt) {
				src := IReg(abiArgInt[nextInt])
				nextInt++
				entry.Append(mir.Move{Dest: v, SrcReg: &src})
				continue
			}
		}

		fi := nextFI
		nextFI--
		fn.Frame.AddIncomingArg(fi, stackOff)
		stackOff += 8

		d := v
		entry.Append(mir.Target{Op: loadOpFor(p.Type), Rd: &d, FI: &mir.FrameIndexOperand{Index: fi}})
	}

	return nil
}
