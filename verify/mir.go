package verify

import (
	"github.com/sysy-lang/sysybe/cerr"
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/target"
	"tlog.app/go/errors"
)

// Stage names the pipeline boundary MIR is being checked at; which
// invariants apply depends on which passes have already run.
type Stage int

const (
	AfterISel Stage = iota
	AfterPhiElim
	AfterRegalloc
	AfterStackLowering
)

// MIR checks fn against the invariants that must hold at stage, per §8.1.
func MIR(fn *mir.MFunction, adapter target.InstrAdapter, stage Stage) error {
	for _, b := range fn.Blocks() {
		for i, inst := range b.Insts {
			if err := checkInst(fn, adapter, b.ID, i, inst, stage); err != nil {
				return cerr.Inst(err, b.ID, i)
			}
		}
	}
	return nil
}

func checkInst(fn *mir.MFunction, adapter target.InstrAdapter, block, idx int, inst mir.MInstruction, stage Stage) error {
	if stage >= AfterPhiElim {
		if _, ok := inst.(mir.Phi); ok {
			return errors.Wrap(cerr.ErrInternalInvariant, "phi survives past elimination")
		}
	}

	if stage >= AfterRegalloc {
		switch inst.(type) {
		case mir.FILoad, mir.FIStore:
		default:
			for _, r := range adapter.EnumUses(inst) {
				if r.IsVirtual {
					return errors.Wrap(cerr.ErrInternalInvariant, "virtual register v%d still used after register allocation", r.ID)
				}
			}
			for _, r := range adapter.EnumDefs(inst) {
				if r.IsVirtual {
					return errors.Wrap(cerr.ErrInternalInvariant, "virtual register v%d still defined after register allocation", r.ID)
				}
			}
		}
	}

	if stage >= AfterStackLowering {
		if t, ok := inst.(mir.Target); ok && t.FI != nil {
			return errors.Wrap(cerr.ErrInternalInvariant, "frame-index operand survives stack lowering")
		}
		switch inst.(type) {
		case mir.FILoad, mir.FIStore:
			return errors.Wrap(cerr.ErrInternalInvariant, "FILoad/FIStore pseudo survives stack lowering")
		}
	}

	return nil
}

// FrameSize checks the two whole-function invariants stack lowering must
// leave behind: the frame size is 16-byte aligned, and it's non-negative
// (a zero-local, zero-call leaf function is allowed to have frameSize 0).
func FrameSize(fn *mir.MFunction) error {
	sz := fn.Frame.FrameSize()
	if sz < 0 {
		return errors.Wrap(cerr.ErrInternalInvariant, "function %s: negative frame size %d", fn.Name, sz)
	}
	if sz%16 != 0 {
		return errors.Wrap(cerr.ErrInternalInvariant, "function %s: frame size %d not 16-byte aligned", fn.Name, sz)
	}
	return nil
}
