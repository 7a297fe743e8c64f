// Package aarch64 implements the AArch64 (ARMv8-A, AAPCS64 ABI) target
// adapter, instruction selector, and frame/stack lowering, mirroring
// targets/riscv64's structure.
package aarch64

import (
	"fmt"

	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
)

// Physical integer register ids: x0-x28 general purpose, then the three
// reserved architectural registers.
const (
	X0 = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	FP // x29, frame pointer
	LR // x30, link register
	SP // stack pointer (not a GPR encoding, modeled as a pseudo id)
	XZR
)

// Physical float/SIMD register ids, the D (double) view of v0-v31.
const (
	D0 = iota
	D1
	D2
	D3
	D4
	D5
	D6
	D7
	D8
	D9
	D10
	D11
	D12
	D13
	D14
	D15
	D16
	D17
	D18
	D19
	D20
	D21
	D22
	D23
	D24
	D25
	D26
	D27
	D28
	D29
	D30
	D31
)

func IntName(id int) string {
	switch id {
	case FP:
		return "x29"
	case LR:
		return "x30"
	case SP:
		return "sp"
	case XZR:
		return "xzr"
	default:
		return fmt.Sprintf("x%d", id)
	}
}

func FloatName(id int) string { return fmt.Sprintf("d%d", id) }

func RegName(r mir.Register) string {
	if r.IsVirtual {
		if r.IsFloat() {
			return fmt.Sprintf("%%vd%d", r.ID)
		}
		return fmt.Sprintf("%%v%d", r.ID)
	}
	if r.IsFloat() {
		return FloatName(r.ID)
	}
	return IntName(r.ID)
}

func IReg(id int) mir.Register { return mir.PReg(id, ir.TypeI64) }
func FReg(id int) mir.Register { return mir.PReg(id, ir.TypeF64) }

// Reserved integer registers: sp, xzr, fp and lr (managed directly by
// Stack Lowering), x16/x17 (IP0/IP1, kept free as the address-
// materialization scratch pair) and x18 (platform register, unavailable
// to the allocator per AAPCS64).
var reservedInt = map[int]bool{SP: true, XZR: true, FP: true, LR: true, X16: true, X17: true, X18: true}

var allocOrderInt = []int{X9, X10, X11, X12, X13, X14, X15, X0, X1, X2, X3, X4, X5, X6, X7, X19, X20, X21, X22, X23, X24, X25, X26, X27, X28}

var callCrossingOrderInt = []int{X19, X20, X21, X22, X23, X24, X25, X26, X27, X28, X9, X10, X11, X12, X13, X14, X15, X0, X1, X2, X3, X4, X5, X6, X7}

var allocOrderFloat = []int{D16, D17, D18, D19, D20, D21, D22, D23, D24, D25, D26, D27, D28, D29, D30, D31, D0, D1, D2, D3, D4, D5, D6, D7, D8, D9, D10, D11, D12, D13, D14, D15}

var callCrossingOrderFloat = []int{D8, D9, D10, D11, D12, D13, D14, D15, D16, D17, D18, D19, D20, D21, D22, D23, D24, D25, D26, D27, D28, D29, D30, D31, D0, D1, D2, D3, D4, D5, D6, D7}

var calleeSavedInt = map[int]bool{X19: true, X20: true, X21: true, X22: true, X23: true, X24: true, X25: true, X26: true, X27: true, X28: true}

// calleeSavedFloat covers only the low 64 bits (the D view) of d8-d15, per
// AAPCS64.
var calleeSavedFloat = map[int]bool{D8: true, D9: true, D10: true, D11: true, D12: true, D13: true, D14: true, D15: true}

var abiArgInt = []int{X0, X1, X2, X3, X4, X5, X6, X7}
var abiArgFloat = []int{D0, D1, D2, D3, D4, D5, D6, D7}

func regsFrom(ids []int, f func(int) mir.Register) []mir.Register {
	out := make([]mir.Register, len(ids))
	for i, id := range ids {
		out[i] = f(id)
	}
	return out
}
