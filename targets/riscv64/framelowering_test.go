package riscv64_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/targets/riscv64"
)

// large frame offset expansion: a local past a big neighbor lands at an
// offset that doesn't fit RV64's 12-bit signed immediate, so Pre must
// expand the address computation through the t0 scratch register instead
// of folding it directly into the ADDI's immediate.
func TestPreExpandsLargeFrameOffset(t *testing.T) {
	fl := riscv64.FrameLowering()

	fn := mir.NewMFunction("big_frame", 0)
	fn.Frame.AddLocal(0, 4096, 4) // occupies offset 0..4095
	fn.Frame.AddLocal(1, 8, 8)    // lands at offset 4096, past the +-2047 window

	b := fn.AddBlock(0)
	dst := riscv64.IReg(riscv64.T1)
	sp := riscv64.IReg(riscv64.SP)
	b.Append(mir.Target{Op: "ADDI", Rd: &dst, Rs1: &sp, FI: &mir.FrameIndexOperand{Index: 1}})
	b.Append(mir.Target{Op: "JALR_RET"})

	require.NoError(t, fl.Pre(fn))

	var sawLI, sawFold bool
	for _, inst := range b.Insts {
		tg, ok := inst.(mir.Target)
		if !ok {
			continue
		}
		if tg.Op == "LI" {
			sawLI = true
		}
		if tg.FI != nil {
			sawFold = true
		}
	}
	assert.True(t, sawLI, "large offset should expand through an LI/ADD scratch sequence")
	assert.False(t, sawFold, "no FrameIndexOperand should survive Pre")
}

// A local whose offset fits the 12-bit immediate window folds directly with
// no scratch expansion.
func TestPreFoldsSmallFrameOffset(t *testing.T) {
	fl := riscv64.FrameLowering()

	fn := mir.NewMFunction("small_frame", 0)
	fn.Frame.AddLocal(0, 8, 8)

	b := fn.AddBlock(0)
	dst := riscv64.IReg(riscv64.T1)
	sp := riscv64.IReg(riscv64.SP)
	b.Append(mir.Target{Op: "ADDI", Rd: &dst, Rs1: &sp, FI: &mir.FrameIndexOperand{Index: 0}})
	b.Append(mir.Target{Op: "JALR_RET"})

	require.NoError(t, fl.Pre(fn))

	require.Len(t, b.Insts, 2, "small offset should fold without inserting extra instructions")
	tg := b.Insts[0].(mir.Target)
	assert.Nil(t, tg.FI)
	assert.True(t, tg.HasImm)
	assert.Equal(t, int64(0), tg.Imm)
}

// Post leaves a truly leaf function -- no locals, no calls, no clobbered
// callee-saved registers -- with no frame at all: ra is never touched, so
// it has nothing to save, per spec.md §4.6 step 1 and the S1 worked
// example's "no prologue/epilogue at all".
func TestPostOmitsFrameForCallFreeLeaf(t *testing.T) {
	fl := riscv64.FrameLowering()

	fn := mir.NewMFunction("leaf", 0)
	b := fn.AddBlock(0)
	b.Append(mir.Target{Op: "JALR_RET"})

	require.NoError(t, fl.Post(fn))

	assert.Equal(t, 0, fn.Frame.FrameSize())

	var sawSP bool
	for _, inst := range fn.Block(0).Insts {
		if tg, ok := inst.(mir.Target); ok && (tg.Op == "ADDI" || tg.Op == "LI") {
			sawSP = true
		}
	}
	assert.False(t, sawSP, "call-free leaf function must not adjust sp")
}

// Post still emits an aligned frame with a saved ra around a function
// that actually contains a call, even with no locals and no clobbered
// callee-saved registers otherwise.
func TestPostEmitsAlignedPrologueEpilogueAroundCall(t *testing.T) {
	fl := riscv64.FrameLowering()

	fn := mir.NewMFunction("caller", 0)
	b := fn.AddBlock(0)
	b.Append(mir.Target{Op: "CALL", Call: &mir.CallInfo{Callee: "callee"}})
	b.Append(mir.Target{Op: "JALR_RET"})

	require.NoError(t, fl.Post(fn))

	assert.Equal(t, 0, fn.Frame.FrameSize()%16)
	assert.GreaterOrEqual(t, fn.Frame.FrameSize(), 16, "ra needs a saved slot once the function calls out")

	var sawSP bool
	for _, inst := range fn.Block(0).Insts {
		if tg, ok := inst.(mir.Target); ok && (tg.Op == "ADDI" || tg.Op == "LI") {
			sawSP = true
		}
	}
	assert.True(t, sawSP, "expected a stack-pointer adjustment in the prologue")
}
