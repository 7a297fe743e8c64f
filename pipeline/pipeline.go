// Package pipeline drives one IR function through every backend stage in
// sequence -- instruction selection, phi elimination, register allocation,
// and stack lowering -- producing MIR with every virtual register resolved
// to a physical register or a concrete frame slot. It emits no assembly
// text: the compiler's MIR is the pipeline's terminal artifact.
package pipeline

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/sysy-lang/sysybe/cerr"
	"github.com/sysy-lang/sysybe/dag"
	"github.com/sysy-lang/sysybe/diag"
	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/phielim"
	"github.com/sysy-lang/sysybe/regalloc"
	"github.com/sysy-lang/sysybe/target"
	"github.com/sysy-lang/sysybe/verify"
)

// CompileModule lowers every function in mod to MIR for the named target
// ("riscv64"/"rv64"/"riscv" or "aarch64"/"armv8", per the target registry).
// sink receives non-fatal diagnostics (e.g. spilling) as each function is
// compiled; pass diag.NopSink() to discard them.
func CompileModule(ctx context.Context, mod *ir.Module, targetName string, sink diag.Sink) ([]*mir.MFunction, error) {
	t, ok := target.Lookup(targetName)
	if !ok {
		return nil, errors.New("pipeline: unknown target %q", targetName)
	}

	tlog.SpanFromContext(ctx).Printw("compile module", "module", mod.Name, "target", t.Name, "funcs", len(mod.Funcs))

	out := make([]*mir.MFunction, 0, len(mod.Funcs))
	for _, fn := range mod.Funcs {
		mfn, err := CompileFunction(ctx, fn, t, sink)
		if err != nil {
			return nil, errors.Wrap(err, "function %s", fn.Name)
		}
		out = append(out, mfn)
	}

	return out, nil
}

// CompileFunction runs one IR function through instruction selection, phi
// elimination, register allocation, and stack lowering, in that order --
// each stage mutating the same *mir.MFunction and virtual-register space in
// place. sink receives non-fatal diagnostics; a nil sink discards them.
func CompileFunction(ctx context.Context, fn *ir.Function, t target.Target, sink diag.Sink) (*mir.MFunction, error) {
	tr := tlog.SpanFromContext(ctx)
	if sink == nil {
		sink = diag.NopSink()
	}

	vregs := &mir.VRegAlloc{}
	valueMap := map[int]mir.Register{}

	mfn := mir.NewMFunction(fn.Name, fn.Entry)

	if err := selectFunction(mfn, fn, t, vregs, valueMap, tr); err != nil {
		return nil, errors.Wrap(err, "instruction selection")
	}

	if err := t.Frame.Pre(mfn); err != nil {
		return nil, errors.Wrap(err, "frame lowering (pre)")
	}

	if err := phielim.Run(mfn, t.Adapter, vregs); err != nil {
		return nil, errors.Wrap(err, "phi elimination")
	}
	if tr.If("verify") {
		if err := verify.MIR(mfn, t.Adapter, verify.AfterPhiElim); err != nil {
			return nil, errors.Wrap(err, "verify after phi elimination")
		}
	}

	if err := regalloc.Run(mfn, t.Adapter, vregs); err != nil {
		return nil, errors.Wrap(err, "register allocation")
	}
	if n := mfn.Frame.SpillCount(); n > 0 {
		sink.Report(diag.Diagnostic{
			Severity: diag.Warning,
			Pass:     "regalloc",
			Message:  fmt.Sprintf("%d virtual register(s) spilled under register pressure", n),
			Func:     fn.Name,
			HasLoc:   true,
		})
	}
	if tr.If("verify") {
		if err := verify.MIR(mfn, t.Adapter, verify.AfterRegalloc); err != nil {
			return nil, errors.Wrap(err, "verify after register allocation")
		}
	}

	if err := t.Frame.Post(mfn); err != nil {
		return nil, errors.Wrap(err, "frame lowering (post)")
	}
	if tr.If("verify") {
		if err := verify.MIR(mfn, t.Adapter, verify.AfterStackLowering); err != nil {
			return nil, errors.Wrap(err, "verify after stack lowering")
		}
		if err := verify.FrameSize(mfn); err != nil {
			return nil, errors.Wrap(err, "verify after stack lowering")
		}
	}

	tr.Printw("function compiled", "func", fn.Name, "blocks", len(mfn.Blocks()))

	return mfn, nil
}

// selectFunction builds and schedules every block's SelectionDAG in
// program order, seeding the entry block with the function's
// incoming-argument bindings first. valueMap is threaded across every
// block so a value defined in one block and consumed in a dominated block
// resolves to the same vreg everywhere (isel.PreallocateVRegs's crossBlock
// map) -- a parameter has no defining DAG node of its own, so Prologue must
// seed it before SelectBlock ever looks it up.
func selectFunction(mfn *mir.MFunction, fn *ir.Function, t target.Target, vregs *mir.VRegAlloc, valueMap map[int]mir.Register, tr tlog.Span) error {
	for _, blk := range fn.Blocks() {
		dst := mfn.AddBlock(blk.ID)

		if blk.ID == fn.Entry {
			if err := t.ISel.Prologue(mfn, dst, fn.In, vregs, valueMap); err != nil {
				return cerr.Block(err, blk.ID)
			}
		}

		bd, err := dag.Build(blk)
		if err != nil {
			return err
		}
		if tr.If("verify") {
			if err := verify.DAG(bd); err != nil {
				return cerr.Block(err, blk.ID)
			}
		}

		if err := t.ISel.SelectBlock(mfn, dst, bd, vregs, valueMap); err != nil {
			return cerr.Block(err, blk.ID)
		}
	}

	return nil
}
