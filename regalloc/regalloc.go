// Package regalloc implements linear-scan register allocation over MIR,
// run once per function and once per register class (integer, float), using
// only the target.InstrAdapter -- no ISA-specific code lives here.
package regalloc

import (
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/target"
	"tlog.app/go/tlog"
)

// Run allocates every virtual register in fn to a physical register or a
// spill slot, in place: instructions are rewritten to use physical
// registers directly, with FILoad/FIStore pseudos inserted around spilled
// operands for Stack Lowering to resolve later.
func Run(fn *mir.MFunction, adapter target.InstrAdapter, vregs *mir.VRegAlloc) error {
	// Each class is numbered afresh: the float pass's reloads and spills
	// shift every position the integer pass would otherwise look up.
	if err := runClass(fn, adapter, number(fn, adapter), mir.Register.IsFloat, adapter.AllocatableFloat(), adapter.CallCrossingOrderFloat(), adapter.ABIArgRegsFloat()); err != nil {
		return err
	}

	isInt := func(r mir.Register) bool { return !r.IsFloat() }
	if err := runClass(fn, adapter, number(fn, adapter), isInt, adapter.AllocatableInt(), adapter.CallCrossingOrderInt(), adapter.ABIArgRegsInt()); err != nil {
		return err
	}

	return nil
}

func runClass(fn *mir.MFunction, adapter target.InstrAdapter, n *numbering, class func(mir.Register) bool, allocOrder, callCrossOrder, abiOrder []mir.Register) error {
	l := computeLiveness(fn, adapter, class)
	ivs := buildIntervals(fn, adapter, n, l)
	if len(ivs) == 0 {
		return nil
	}

	allocateClass(ivs, adapter, allocOrder, callCrossOrder, &fn.Frame)
	dumpIntervals(fn.Name, ivs)

	return rewriteClass(fn, adapter, n, ivs, allocOrder, abiOrder, class)
}

// dumpIntervals logs the final interval assignment when the "dump_intervals"
// verbosity topic is enabled. Each interval carries its [start,end)
// directly, so its fields are logged as plain values; set.Bitmap's
// TlogAppend is only involved in liveness.go's dumpLiveness, which logs the
// IN/OUT sets.
func dumpIntervals(fn string, ivs []*Interval) {
	for _, iv := range ivs {
		ev := tlog.V("dump_intervals")
		if iv.Spilled {
			ev.Printw("interval spilled", "func", fn, "vreg", iv.Reg.ID, "start", iv.Start, "end", iv.End, "crosses_call", iv.CrossesCall, "spill_fi", iv.SpillFI.Index)
		} else {
			ev.Printw("interval allocated", "func", fn, "vreg", iv.Reg.ID, "start", iv.Start, "end", iv.End, "crosses_call", iv.CrossesCall, "phys", iv.PhysReg.ID)
		}
	}
}
