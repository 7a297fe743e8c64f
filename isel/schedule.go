// Package isel holds the target-independent halves of instruction
// selection: scheduling a SelectionDAG into a linear order and
// pre-allocating virtual registers for its non-trivial nodes. The actual
// per-opcode Select stage is target-specific (targets/riscv64,
// targets/aarch64) and consumes the outputs of this package.
package isel

import (
	"github.com/sysy-lang/sysybe/dag"
	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/mir"
)

// Trivial reports whether a node's materialization is deferred to its
// first use rather than being scheduled eagerly: labels, symbols,
// constants, frame indices, and bare register references never get their
// own instruction slot in program order. ENTRY_TOKEN and TOKEN_FACTOR are
// likewise never selected directly -- the first only starts a block's
// chain, the second exists only to pull a block's final chain into Root
// alongside a BR/BRCOND that doesn't itself carry a chain operand.
func Trivial(op dag.Opcode) bool {
	switch op {
	case dag.LABEL, dag.SYMBOL, dag.CONST_I32, dag.CONST_I64, dag.CONST_F32, dag.FRAME_INDEX, dag.REG, dag.ENTRY_TOKEN, dag.TOKEN_FACTOR:
		return true
	default:
		return false
	}
}

// Schedule produces a linear list of DAG node indices in a topological
// order consistent with operand->user and chain ordering: a post-order DFS
// from the block's roots, ties broken by insertion (operand-index) order.
//
// roots is every node that must be scheduled even if nothing in this
// block's DAG uses it as an operand: the terminator (last) plus every
// locally-defined register's node (dag.Builder.DefOrder), since a per-block
// DAG carries no edge for a value consumed only by a dominated successor
// block without flowing through a phi.
func Schedule(d *dag.DAG, roots []int) []int {
	var order []int
	visited := make([]bool, d.NumNodes())

	var visit func(idx int)
	visit = func(idx int) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		n := d.Node(idx)
		for _, op := range n.Ops {
			visit(op.Node)
		}
		order = append(order, idx)
	}

	for _, r := range roots {
		visit(r)
	}

	return order
}

// PreallocateVRegs walks a schedule and allocates a fresh virtual register
// for every non-trivial node with a non-chain result, reusing the
// function-wide crossBlock map when a node carries an owning IR register
// id so that one SSA value maps to one vreg across blocks (needed for
// phis and for values consumed in a different block than they're defined
// in).
func PreallocateVRegs(d *dag.DAG, schedule []int, vregs *mir.VRegAlloc, crossBlock map[int]mir.Register) map[int]mir.Register {
	local := map[int]mir.Register{}

	for _, idx := range schedule {
		n := d.Node(idx)
		if Trivial(n.Opcode) {
			continue
		}
		if len(n.Results) == 0 || n.Results[0].Kind == ir.TOKEN {
			continue
		}

		if n.Payload.HasOwningReg {
			if r, ok := crossBlock[n.Payload.OwningReg]; ok {
				local[idx] = r
				continue
			}
			r := vregs.New(n.Results[0])
			crossBlock[n.Payload.OwningReg] = r
			local[idx] = r
			continue
		}

		local[idx] = vregs.New(n.Results[0])
	}

	return local
}
