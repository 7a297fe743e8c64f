package regalloc

import (
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/set"
	"github.com/sysy-lang/sysybe/target"
	"tlog.app/go/tlog"
)

// liveness holds the fixpoint result plus the per-block USE/DEF sets it was
// computed from, keyed by block id.
type liveness struct {
	use, def map[int]set.Bitmap
	in, out  map[int]set.Bitmap

	// regs recovers a mir.Register from its ID; the bitmaps themselves only
	// carry ids, since set.Bitmap is a set of small integers.
	regs map[int]mir.Register
}

// computeLiveness runs the IN/OUT fixpoint of §4.5.2 over the CFG derived
// from fn's branch instructions via the adapter.
func computeLiveness(fn *mir.MFunction, adapter target.InstrAdapter, class func(mir.Register) bool) *liveness {
	succs, _ := cfgEdges(fn, adapter)

	l := &liveness{
		use:  map[int]set.Bitmap{},
		def:  map[int]set.Bitmap{},
		in:   map[int]set.Bitmap{},
		out:  map[int]set.Bitmap{},
		regs: map[int]mir.Register{},
	}

	blocks := fn.Blocks()

	for _, b := range blocks {
		use, def := useDef(b, adapter)
		ub, db := set.MakeBitmap(0), set.MakeBitmap(0)
		for id, r := range use {
			if !class(r) {
				continue
			}
			ub.Set(id)
			l.regs[id] = r
		}
		for id, r := range def {
			if !class(r) {
				continue
			}
			db.Set(id)
			l.regs[id] = r
		}
		l.use[b.ID] = ub
		l.def[b.ID] = db
		l.in[b.ID] = set.MakeBitmap(0)
		l.out[b.ID] = set.MakeBitmap(0)
	}

	// Backward fixpoint; a couple of reverse-order passes over the block
	// list typically converges in few iterations for the mostly-forward
	// control flow this backend emits, but the loop runs to a true
	// fixpoint regardless.
	changed := true
	for changed {
		changed = false
		for i := len(blocks) - 1; i >= 0; i-- {
			b := blocks[i]

			out := set.MakeBitmap(0)
			for _, s := range succs[b.ID] {
				out.Or(l.in[s])
			}

			in := out.AndNotCopy(l.def[b.ID])
			in.Or(l.use[b.ID])

			if !in.Equal(l.in[b.ID]) || !out.Equal(l.out[b.ID]) {
				changed = true
			}
			l.in[b.ID] = in
			l.out[b.ID] = out
		}
	}

	dumpLiveness(fn.Name, blocks, l)

	return l
}

// dumpLiveness logs each block's IN/OUT set when the "dump_liveness"
// verbosity topic is enabled. tlog renders the set.Bitmap value itself via
// TlogAppend, so the log line shows the member list directly rather than
// the packed word array.
func dumpLiveness(fn string, blocks []*mir.MBlock, l *liveness) {
	for _, b := range blocks {
		in, out := l.in[b.ID], l.out[b.ID]
		tlog.V("dump_liveness").Printw("liveness", "func", fn, "block", b.ID, "in", in, "out", out)
	}
}

// cfgEdges derives block successors/predecessors from every branch-like
// instruction, mirroring phielim's buildCFG (MIR carries no separate CFG
// structure of its own). Every target lowers a conditional branch to an
// explicit taken/not-taken pair (see targets/*/isel.go selectBrCond), so
// there is no implicit fallthrough edge to add.
func cfgEdges(fn *mir.MFunction, adapter target.InstrAdapter) (succs, preds map[int][]int) {
	succs = map[int][]int{}
	preds = map[int][]int{}

	for _, b := range fn.Blocks() {
		for _, inst := range b.Insts {
			if !adapter.IsCondBranch(inst) && !adapter.IsUncondBranch(inst) {
				continue
			}
			t, ok := adapter.ExtractBranchTarget(inst)
			if !ok {
				continue
			}
			succs[b.ID] = append(succs[b.ID], t)
			preds[t] = append(preds[t], b.ID)
		}
	}

	return succs, preds
}
