// Package riscv64 implements the RV64 (rv64imafdc, lp64d ABI) target
// adapter, instruction selector, and frame/stack lowering.
package riscv64

import (
	"fmt"

	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
)

// Physical integer register ids, matching the x0-x31 encoding order.
const (
	X0 = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// Physical float register ids, matching f0-f31.
const (
	F0 = iota
	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	F11
	F12
	F13
	F14
	F15
	F16
	F17
	F18
	F19
	F20
	F21
	F22
	F23
	F24
	F25
	F26
	F27
	F28
	F29
	F30
	F31
)

var intRegNames = [...]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2", "s0", "s1",
	"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7",
	"s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
	"t3", "t4", "t5", "t6",
}

var floatRegNames = [...]string{
	"ft0", "ft1", "ft2", "ft3", "ft4", "ft5", "ft6", "ft7",
	"fs0", "fs1",
	"fa0", "fa1", "fa2", "fa3", "fa4", "fa5", "fa6", "fa7",
	"fs2", "fs3", "fs4", "fs5", "fs6", "fs7", "fs8", "fs9", "fs10", "fs11",
	"ft8", "ft9", "ft10", "ft11",
}

func IntName(id int) string {
	if id >= 0 && id < len(intRegNames) {
		return intRegNames[id]
	}
	return fmt.Sprintf("x%d?", id)
}

func FloatName(id int) string {
	if id >= 0 && id < len(floatRegNames) {
		return floatRegNames[id]
	}
	return fmt.Sprintf("f%d?", id)
}

func RegName(r mir.Register) string {
	if r.IsVirtual {
		if r.IsFloat() {
			return fmt.Sprintf("%%vf%d", r.ID)
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

// Reserved integer registers, never allocatable: zero, ra (managed by
// Stack Lowering directly), sp, gp, tp, and t0 (kept free as the
// address-materialization scratch used throughout ISel and Stack
// Lowering).
var reservedInt = map[int]bool{X0: true, RA: true, SP: true, GP: true, TP: true, T0: true}

// Allocation order: caller-saved temporaries and argument registers
// first, callee-saved last -- per §4.5.4's non-call-crossing order.
var allocOrderInt = []int{T1, T2, A0, A1, A2, A3, A4, A5, A6, A7, T3, T4, T5, T6, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11, S0}

// callCrossingOrderInt puts callee-saved registers first, as §4.5.4
// requires for intervals that cross a call.
var callCrossingOrderInt = []int{S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11, S0, T1, T2, A0, A1, A2, A3, A4, A5, A6, A7, T3, T4, T5, T6}

var allocOrderFloat = []int{F1, F2, F3, F4, F5, F6, F7, F10, F11, F12, F13, F14, F15, F16, F17, F28, F29, F30, F31, F9, F18, F19, F20, F21, F22, F23, F24, F25, F26, F27, F8}

var callCrossingOrderFloat = []int{F9, F18, F19, F20, F21, F22, F23, F24, F25, F26, F27, F8, F1, F2, F3, F4, F5, F6, F7, F10, F11, F12, F13, F14, F15, F16, F17, F28, F29, F30, F31}

var calleeSavedInt = map[int]bool{S0: true, S1: true, S2: true, S3: true, S4: true, S5: true, S6: true, S7: true, S8: true, S9: true, S10: true, S11: true}

var calleeSavedFloat = map[int]bool{F8: true, F9: true, F18: true, F19: true, F20: true, F21: true, F22: true, F23: true, F24: true, F25: true, F26: true, F27: true}

var abiArgInt = []int{A0, A1, A2, A3, A4, A5, A6, A7}
var abiArgFloat = []int{F10, F11, F12, F13, F14, F15, F16, F17}

func regsFrom(ids []int, f func(int) mir.Register) []mir.Register {
	out := make([]mir.Register, len(ids))
	for i, id := range ids {
		out[i] = f(id)
	}
	return out
}
