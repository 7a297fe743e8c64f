package riscv64_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysy-lang/sysybe/dag"
	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/targets/riscv64"
)

// memsetIntrinsicFunction models the 4-argument shape a frontend emits for
// llvm.memset.p0.i64(dst, val, len, is_volatile) before intrinsic
// redirection -- selectCall must rewrite the callee to the 3-argument libc
// memset and drop the trailing is_volatile operand.
func memsetIntrinsicFunction() *ir.Function {
	fn := ir.NewFunction("uses_memset")
	fn.In = []ir.Param{
		{Name: "dst", Type: ir.TypePtr, Reg: 0},
		{Name: "val", Type: ir.TypeI32, Reg: 1},
		{Name: "len", Type: ir.TypeI32, Reg: 2},
		{Name: "volatile", Type: ir.TypeI32, Reg: 3},
	}
	fn.Entry = 0

	b := fn.AddBlock(0)
	b.Insts = []ir.Instruction{
		ir.Call{Dest: -1, HasRet: false, Callee: "llvm.memset.p0.i64", Args: []ir.Operand{
			ir.VirtReg{ID: 0, Type: ir.TypePtr},
			ir.VirtReg{ID: 1, Type: ir.TypeI32},
			ir.VirtReg{ID: 2, Type: ir.TypeI32},
			ir.VirtReg{ID: 3, Type: ir.TypeI32},
		}},
		ir.Ret{},
	}
	fn.AnalyzeCFG()
	return fn
}

func selectOneBlock(t *testing.T, fn *ir.Function) *mir.MBlock {
	t.Helper()

	mfn := mir.NewMFunction(fn.Name, fn.Entry)
	vregs := &mir.VRegAlloc{}
	valueMap := map[int]mir.Register{}

	sel := riscv64.ISel()
	blk := fn.Block(fn.Entry)
	dst := mfn.AddBlock(blk.ID)

	require.NoError(t, sel.Prologue(mfn, dst, fn.In, vregs, valueMap))

	bd, err := dag.Build(blk)
	require.NoError(t, err)

	require.NoError(t, sel.SelectBlock(mfn, dst, bd, vregs, valueMap))
	return dst
}

func findCall(t *testing.T, blk *mir.MBlock) mir.Target {
	t.Helper()
	for _, inst := range blk.Insts {
		if tg, ok := inst.(mir.Target); ok && tg.Call != nil {
			return tg
		}
	}
	t.Fatal("expected a CALL instruction in the selected block")
	return mir.Target{}
}

func TestSelectCallDropsMemsetVolatileArg(t *testing.T) {
	dst := selectOneBlock(t, memsetIntrinsicFunction())
	call := findCall(t, dst)

	assert.Equal(t, "memset", call.Call.Callee, "callee must be redirected to the libc name")
	assert.Equal(t, 3, call.Call.IntArgs, "trailing is_volatile argument must be dropped, leaving dst/val/len")
	assert.Equal(t, 0, call.Call.StackBytes, "3 int args all fit in a0-a2, nothing should spill to the stack")
}
