package pipeline_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysy-lang/sysybe/diag"
	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/pipeline"
	"github.com/sysy-lang/sysybe/target"
	_ "github.com/sysy-lang/sysybe/targets/aarch64"
	_ "github.com/sysy-lang/sysybe/targets/riscv64"
	"github.com/sysy-lang/sysybe/verify"
)

func lookup(t *testing.T, name string) target.Target {
	t.Helper()
	tg, ok := target.Lookup(name)
	require.True(t, ok, "target %q not registered", name)
	return tg
}

// arithmetic & return: add two i32 parameters and return the sum.
func addFunction() *ir.Function {
	fn := ir.NewFunction("add")
	fn.In = []ir.Param{
		{Name: "a", Type: ir.TypeI32, Reg: 0},
		{Name: "b", Type: ir.TypeI32, Reg: 1},
	}
	fn.HasResult = true
	fn.Out = ir.Param{Name: "ret", Type: ir.TypeI32}
	fn.Entry = 0

	b := fn.AddBlock(0)
	b.Insts = []ir.Instruction{
		ir.Arith{Dest: 2, Op: ir.OpAdd, Type: ir.TypeI32, Lhs: ir.VirtReg{ID: 0, Type: ir.TypeI32}, Rhs: ir.VirtReg{ID: 1, Type: ir.TypeI32}},
		ir.Ret{HasVal: true, Val: ir.VirtReg{ID: 2, Type: ir.TypeI32}},
	}
	fn.AnalyzeCFG()
	return fn
}

func TestPipelineArithmeticAndReturn(t *testing.T) {
	for _, tname := range []string{"riscv64", "aarch64"} {
		tg := lookup(t, tname)
		fn := addFunction()

		mfn, err := pipeline.CompileFunction(context.Background(), fn, tg, diag.NopSink())
		require.NoError(t, err)

		require.NoError(t, verify.MIR(mfn, tg.Adapter, verify.AfterStackLowering))
		require.NoError(t, verify.FrameSize(mfn))

		n := 0
		for _, blk := range mfn.Blocks() {
			n += len(blk.Insts)
		}
		assert.Greater(t, n, 0)

		// addFunction is a leaf: no calls, no locals, no callee-saved
		// register clobbered. Per spec, such a function gets no
		// prologue/epilogue at all -- no sp adjustment, no ra/lr save --
		// which shows up as a frame size of zero and an entry block that
		// opens directly on the arithmetic instruction, not a frame setup
		// sequence.
		assert.Equal(t, 0, mfn.Frame.FrameSize(), "%s: leaf function with no calls must have no frame", tname)

		entry := mfn.Block(mfn.Entry)
		require.NotEmpty(t, entry.Insts)
		first, ok := entry.Insts[0].(mir.Target)
		require.True(t, ok)
		wantOp := map[string]string{"riscv64": "ADDW", "aarch64": "ADD_W"}[tname]
		assert.Equal(t, wantOp, first.Op, "%s: entry block must start with the add itself, no prologue inserted ahead of it", tname)
	}
}

// callerFunction calls another function and returns its result -- the
// opposite of addFunction's leaf case, exercised to confirm ra/lr is saved
// once a function actually contains a call.
func callerFunction() *ir.Function {
	fn := ir.NewFunction("caller")
	fn.HasResult = true
	fn.Out = ir.Param{Name: "ret", Type: ir.TypeI32}
	fn.Entry = 0

	b := fn.AddBlock(0)
	b.Insts = []ir.Instruction{
		ir.Call{Dest: 0, HasRet: true, Type: ir.TypeI32, Callee: "callee"},
		ir.Ret{HasVal: true, Val: ir.VirtReg{ID: 0, Type: ir.TypeI32}},
	}
	fn.AnalyzeCFG()
	return fn
}

func TestPipelineCallSavesReturnAddress(t *testing.T) {
	for _, tname := range []string{"riscv64", "aarch64"} {
		tg := lookup(t, tname)
		fn := callerFunction()

		mfn, err := pipeline.CompileFunction(context.Background(), fn, tg, diag.NopSink())
		require.NoError(t, err)

		require.NoError(t, verify.MIR(mfn, tg.Adapter, verify.AfterStackLowering))
		require.NoError(t, verify.FrameSize(mfn))

		assert.Greater(t, mfn.Frame.FrameSize(), 0, "%s: a function containing a call must save ra/lr in a real frame", tname)
	}
}

// 9-argument call: a function taking 9 i32 parameters exercises the
// stack-passed-overflow path of Prologue (the first 8 land in a0-a7, the
// 9th arrives on the caller's stack) together with frame-index resolution.
func nineParamFunction() *ir.Function {
	fn := ir.NewFunction("sum9")
	fn.In = make([]ir.Param, 9)
	for i := range fn.In {
		fn.In[i] = ir.Param{Name: "p", Type: ir.TypeI32, Reg: i}
	}
	fn.HasResult = true
	fn.Out = ir.Param{Name: "ret", Type: ir.TypeI32}
	fn.Entry = 0

	b := fn.AddBlock(0)
	b.Insts = []ir.Instruction{
		ir.Arith{Dest: 9, Op: ir.OpAdd, Type: ir.TypeI32, Lhs: ir.VirtReg{ID: 0, Type: ir.TypeI32}, Rhs: ir.VirtReg{ID: 8, Type: ir.TypeI32}},
		ir.Ret{HasVal: true, Val: ir.VirtReg{ID: 9, Type: ir.TypeI32}},
	}
	fn.AnalyzeCFG()
	return fn
}

func TestPipelineNineArgumentPrologue(t *testing.T) {
	for _, tname := range []string{"riscv64", "aarch64"} {
		tg := lookup(t, tname)
		fn := nineParamFunction()

		mfn, err := pipeline.CompileFunction(context.Background(), fn, tg, diag.NopSink())
		require.NoError(t, err)

		require.NoError(t, verify.MIR(mfn, tg.Adapter, verify.AfterStackLowering))
		require.NoError(t, verify.FrameSize(mfn))
	}
}

// phi across critical edge: block 0 branches directly to the join block
// (block 2) as well as through block 1, so the 0->2 edge is critical (block
// 0 has two successors, block 2 has two predecessors) and phi elimination
// must split it before it can place a copy on that path alone.
func criticalEdgePhiFunction() *ir.Function {
	fn := ir.NewFunction("select_const")
	fn.In = []ir.Param{{Name: "c", Type: ir.TypeI32, Reg: 0}}
	fn.HasResult = true
	fn.Out = ir.Param{Name: "ret", Type: ir.TypeI32}
	fn.Entry = 0

	b0 := fn.AddBlock(0)
	b0.Insts = []ir.Instruction{
		ir.Icmp{Dest: 1, Cond: ir.CondEQ, Type: ir.TypeI32, Lhs: ir.VirtReg{ID: 0, Type: ir.TypeI32}, Rhs: ir.ImmI32{Val: 0}},
		ir.BrCond{Cond: ir.VirtReg{ID: 1, Type: ir.TypeI32}, IfTrue: 2, IfFalse: 1},
	}

	b1 := fn.AddBlock(1)
	b1.Insts = []ir.Instruction{
		ir.Br{Target: 2},
	}

	b2 := fn.AddBlock(2)
	b2.Insts = []ir.Instruction{
		ir.Phi{Dest: 2, Type: ir.TypeI32, Preds: []ir.PhiEdge{
			{Block: 0, Val: ir.ImmI32{Val: 10}},
			{Block: 1, Val: ir.ImmI32{Val: 20}},
		}},
		ir.Ret{HasVal: true, Val: ir.VirtReg{ID: 2, Type: ir.TypeI32}},
	}

	fn.AnalyzeCFG()
	return fn
}

func TestPipelinePhiAcrossCriticalEdge(t *testing.T) {
	for _, tname := range []string{"riscv64", "aarch64"} {
		tg := lookup(t, tname)
		fn := criticalEdgePhiFunction()

		mfn, err := pipeline.CompileFunction(context.Background(), fn, tg, diag.NopSink())
		require.NoError(t, err)

		require.NoError(t, verify.MIR(mfn, tg.Adapter, verify.AfterStackLowering))
		require.NoError(t, verify.FrameSize(mfn))
	}
}

// manyParamsFunction returns a function taking n i32 parameters, all live
// simultaneously from entry (Prologue binds every parameter vreg at the top
// of the entry block), summed left-to-right into a single result -- the
// pipeline-level counterpart to regalloc's own spill-pressure scenario,
// exercised here to confirm the diagnostic sink sees the spill.
func manyParamsFunction(n int) *ir.Function {
	fn := ir.NewFunction("pressure")
	fn.In = make([]ir.Param, n)
	for i := range fn.In {
		fn.In[i] = ir.Param{Name: fmt.Sprintf("p%d", i), Type: ir.TypeI32, Reg: i}
	}
	fn.HasResult = true
	fn.Out = ir.Param{Name: "ret", Type: ir.TypeI32}
	fn.Entry = 0

	b := fn.AddBlock(0)
	acc := ir.Operand(ir.VirtReg{ID: 0, Type: ir.TypeI32})
	nextReg := n
	var insts []ir.Instruction
	for i := 1; i < n; i++ {
		dest := nextReg
		nextReg++
		insts = append(insts, ir.Arith{Dest: dest, Op: ir.OpAdd, Type: ir.TypeI32, Lhs: acc, Rhs: ir.VirtReg{ID: i, Type: ir.TypeI32}})
		acc = ir.VirtReg{ID: dest, Type: ir.TypeI32}
	}
	insts = append(insts, ir.Ret{HasVal: true, Val: acc})
	b.Insts = insts

	fn.AnalyzeCFG()
	return fn
}

func TestPipelineReportsSpillDiagnostic(t *testing.T) {
	tg := lookup(t, "riscv64")
	fn := manyParamsFunction(30) // well past RV64's ~26 allocatable int registers

	collector := &diag.Collector{}
	mfn, err := pipeline.CompileFunction(context.Background(), fn, tg, collector)
	require.NoError(t, err)

	require.NoError(t, verify.MIR(mfn, tg.Adapter, verify.AfterStackLowering))
	require.NoError(t, verify.FrameSize(mfn))

	require.NotEmpty(t, collector.Diagnostics, "expected a spill diagnostic under this much register pressure")
	d := collector.Diagnostics[0]
	assert.Equal(t, diag.Warning, d.Severity)
	assert.Equal(t, "regalloc", d.Pass)
	assert.Equal(t, "pressure", d.Func)
}

// storeThenBranchFunction stores to a global and falls through to a block
// that merely returns, with no register defined or read back in the entry
// block -- the canonical "a[i] = v; br loop_header" pattern where the store
// is the block's only side effect and BR carries no chain operand of its
// own to keep it reachable.
func storeThenBranchFunction() *ir.Function {
	fn := ir.NewFunction("store_then_branch")
	fn.HasResult = false
	fn.Entry = 0

	b0 := fn.AddBlock(0)
	b0.Insts = []ir.Instruction{
		ir.Store{Val: ir.ImmI32{Val: 42}, Ptr: ir.GlobalSymbol{Name: "g"}},
		ir.Br{Target: 1},
	}

	b1 := fn.AddBlock(1)
	b1.Insts = []ir.Instruction{
		ir.Ret{},
	}

	fn.AnalyzeCFG()
	return fn
}

// TestPipelineStoreSurvivesPlainBranch is the regression case for a store
// (or void call) in a block terminated by a plain branch rather than RET:
// before BR/BRCOND threaded the chain through a TOKEN_FACTOR root, the
// store's SDNode was unreachable from the scheduler's root set and the
// compiled function silently dropped the memory write.
func TestPipelineStoreSurvivesPlainBranch(t *testing.T) {
	for _, tname := range []string{"riscv64", "aarch64"} {
		tg := lookup(t, tname)
		fn := storeThenBranchFunction()

		mfn, err := pipeline.CompileFunction(context.Background(), fn, tg, diag.NopSink())
		require.NoError(t, err)

		require.NoError(t, verify.MIR(mfn, tg.Adapter, verify.AfterStackLowering))
		require.NoError(t, verify.FrameSize(mfn))

		var sawStore bool
		for _, blk := range mfn.Blocks() {
			for _, inst := range blk.Insts {
				mt, ok := inst.(mir.Target)
				if !ok {
					continue
				}
				if mt.Comment == "g" {
					sawStore = true
				}
			}
		}
		assert.True(t, sawStore, "%s: store to global must survive into compiled MIR", tname)
	}
}

func TestPipelineUnknownTarget(t *testing.T) {
	fn := addFunction()
	_, err := pipeline.CompileModule(context.Background(), &ir.Module{Name: "m", Funcs: []*ir.Function{fn}}, "not-a-real-target", diag.NopSink())
	assert.Error(t, err)
}
