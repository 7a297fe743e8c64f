package regalloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/regalloc"
	"github.com/sysy-lang/sysybe/target"
	"github.com/sysy-lang/sysybe/targets/riscv64"
)

func rv64(t *testing.T) target.Target {
	t.Helper()
	tg, ok := target.Lookup("riscv64")
	require.True(t, ok)
	return tg
}

// spilling under pressure: more simultaneously-live i32 values than there
// are allocatable integer registers, forcing the allocator to spill some of
// them to the stack and thread FILoad/FIStore pseudos around their uses.
func TestRunSpillsUnderPressure(t *testing.T) {
	tg := rv64(t)
	vregs := &mir.VRegAlloc{}

	fn := mir.NewMFunction("pressure", 0)
	b := fn.AddBlock(0)

	const n = 40 // well past riscv64's ~26 allocatable int registers
	vs := make([]mir.Register, n)
	for i := 0; i < n; i++ {
		vs[i] = vregs.New(ir.TypeI32)
		v := vs[i]
		b.Append(mir.Move{Dest: v, HasImm: true, Imm: int64(i)})
	}

	acc := vs[0]
	for i := 1; i < n; i++ {
		sum := vregs.New(ir.TypeI32)
		lhs, rhs := acc, vs[i]
		d := sum
		b.Append(mir.Target{Op: "ADD", Rd: &d, Rs1: &lhs, Rs2: &rhs})
		acc = sum
	}

	a0 := riscv64.IReg(riscv64.A0) // physical dest, exercises a mixed-kind Move
	b.Append(mir.Move{Dest: a0, SrcReg: &acc})
	b.Append(mir.Target{Op: "JALR_RET"})

	err := regalloc.Run(fn, tg.Adapter, vregs)
	require.NoError(t, err)

	var spillTouches int
	for _, blk := range fn.Blocks() {
		for _, inst := range blk.Insts {
			switch x := inst.(type) {
			case mir.FILoad, mir.FIStore:
				spillTouches++
			case mir.Target:
				for _, r := range tg.Adapter.EnumUses(x) {
					assert.False(t, r.IsVirtual, "virtual register survives allocation")
				}
				for _, r := range tg.Adapter.EnumDefs(x) {
					assert.False(t, r.IsVirtual, "virtual register survives allocation")
				}
			}
		}
	}

	assert.Greater(t, spillTouches, 0, "expected at least one spill/reload with %d live values", n)
}

// A function with few enough live values to fit entirely in registers
// should come out of allocation with no spill traffic at all.
func TestRunNoSpillWhenRegistersSuffice(t *testing.T) {
	tg := rv64(t)
	vregs := &mir.VRegAlloc{}

	fn := mir.NewMFunction("light", 0)
	b := fn.AddBlock(0)

	v0 := vregs.New(ir.TypeI32)
	v1 := vregs.New(ir.TypeI32)
	sum := vregs.New(ir.TypeI32)

	b.Append(mir.Move{Dest: v0, HasImm: true, Imm: 1})
	b.Append(mir.Move{Dest: v1, HasImm: true, Imm: 2})
	d := sum
	b.Append(mir.Target{Op: "ADD", Rd: &d, Rs1: &v0, Rs2: &v1})
	a0 := riscv64.IReg(riscv64.A0)
	b.Append(mir.Move{Dest: a0, SrcReg: &sum})
	b.Append(mir.Target{Op: "JALR_RET"})

	require.NoError(t, regalloc.Run(fn, tg.Adapter, vregs))

	for _, blk := range fn.Blocks() {
		for _, inst := range blk.Insts {
			switch inst.(type) {
			case mir.FILoad, mir.FIStore:
				t.Fatalf("unexpected spill traffic: %#v", inst)
			}
		}
	}
}
