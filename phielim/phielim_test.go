package phielim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/phielim"
	"github.com/sysy-lang/sysybe/target"
	_ "github.com/sysy-lang/sysybe/targets/riscv64"
)

func rv64(t *testing.T) target.Target {
	t.Helper()
	tg, ok := target.Lookup("riscv64")
	require.True(t, ok)
	return tg
}

func noPhisRemain(t *testing.T, fn *mir.MFunction) {
	t.Helper()
	for _, b := range fn.Blocks() {
		for _, inst := range b.Insts {
			if _, ok := inst.(mir.Phi); ok {
				t.Fatalf("block %d: phi survives elimination", b.ID)
			}
		}
	}
}

// phi across critical edge: block 0 has two successors (1 and 2), block 2
// has two predecessors (0 and 1), so the 0->2 edge is critical and must be
// split into its own block before the phi's copy can be placed on it alone.
func TestRunSplitsCriticalEdge(t *testing.T) {
	tg := rv64(t)
	vregs := &mir.VRegAlloc{}

	fn := mir.NewMFunction("f", 0)

	a := mir.PReg(10, ir.TypeI32)
	bReg := mir.PReg(11, ir.TypeI32)
	cond1 := mir.PReg(12, ir.TypeI32)
	cond2 := mir.PReg(13, ir.TypeI32)
	result := mir.VReg(0, ir.TypeI32)

	b0 := fn.AddBlock(0)
	b0.Append(mir.Target{Op: "BEQ", Rs1: &cond1, Rs2: &cond2, HasLabel: true, Label: 1})
	b0.Append(mir.Target{Op: "J", HasLabel: true, Label: 2})

	b1 := fn.AddBlock(1)
	b1.Append(mir.Target{Op: "J", HasLabel: true, Label: 2})

	b2 := fn.AddBlock(2)
	b2.Append(mir.Phi{Result: result, Preds: []mir.PhiOperand{
		{Block: 0, Val: mir.PhiValue{Reg: &a}},
		{Block: 1, Val: mir.PhiValue{Reg: &bReg}},
	}})
	b2.Append(mir.Target{Op: "JALR_RET"})

	require.NoError(t, phielim.Run(fn, tg.Adapter, vregs))

	noPhisRemain(t, fn)
	require.Len(t, fn.Blocks(), 4, "critical edge must be split into a new block")

	split := fn.Block(3)
	require.NotNil(t, split, "expected a fresh block appended after block 0")

	found := false
	for _, inst := range split.Insts {
		if mv, ok := inst.(mir.Move); ok && mv.SrcReg != nil && *mv.SrcReg == a {
			found = true
		}
	}
	assert.True(t, found, "split block should copy block 0's incoming value into the phi result")

	target, ok := tg.Adapter.ExtractBranchTarget(b0.Insts[len(b0.Insts)-1])
	require.True(t, ok)
	assert.Equal(t, 3, target, "block 0's fallthrough jump should be retargeted to the split block")
}

// A phi whose incoming copies would clobber each other's sources (a
// register-swap pattern) must be sequentialized through a scratch register
// rather than emitted as a naive move list.
func TestRunSequentializesCyclicCopies(t *testing.T) {
	tg := rv64(t)
	vregs := &mir.VRegAlloc{}

	fn := mir.NewMFunction("swap", 0)

	x := mir.VReg(100, ir.TypeI32)
	y := mir.VReg(101, ir.TypeI32)

	b0 := fn.AddBlock(0)
	b0.Append(mir.Target{Op: "J", HasLabel: true, Label: 1})

	b1 := fn.AddBlock(1)
	// x <- y, y <- x on the single incoming edge: a direct swap, the
	// two-element cycle sequentialize must break with a scratch register.
	b1.Append(mir.Phi{Result: x, Preds: []mir.PhiOperand{{Block: 0, Val: mir.PhiValue{Reg: &y}}}})
	b1.Append(mir.Phi{Result: y, Preds: []mir.PhiOperand{{Block: 0, Val: mir.PhiValue{Reg: &x}}}})
	b1.Append(mir.Target{Op: "JALR_RET"})

	require.NoError(t, phielim.Run(fn, tg.Adapter, vregs))

	noPhisRemain(t, fn)

	var moves int
	for _, inst := range b0.Insts {
		if _, ok := inst.(mir.Move); ok {
			moves++
		}
	}
	// A genuine 2-cycle needs a scratch save plus the two resolving copies.
	assert.GreaterOrEqual(t, moves, 3, "expected a scratch copy plus the two phi-resolving copies")
}
