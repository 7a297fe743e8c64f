// Package verify checks the structural invariants a well-formed
// SelectionDAG or MIR function must hold at specific pipeline boundaries.
// Every function here is a debug aid, not a correctness dependency: the
// building/lowering passes are expected to maintain these invariants by
// construction, and verify only catches a broken one before it produces a
// confusing failure three passes later.
package verify

import (
	"github.com/sysy-lang/sysybe/cerr"
	"github.com/sysy-lang/sysybe/dag"
	"tlog.app/go/errors"
)

func sideEffecting(op dag.Opcode) bool {
	switch op {
	case dag.LOAD, dag.STORE, dag.CALL, dag.RET, dag.TOKEN_FACTOR, dag.ENTRY_TOKEN:
		return true
	default:
		return false
	}
}

// DAG checks that bd's node set is acyclic, that its side-effecting nodes
// form a single linear chain back to ENTRY_TOKEN, and that Root is the
// unique terminator-produced root, per §3.3's invariants.
func DAG(bd *dag.Builder) error {
	d := bd.D

	if err := checkAcyclic(d); err != nil {
		return err
	}
	if err := checkChain(d, bd.Root); err != nil {
		return err
	}

	root := d.Node(bd.Root)
	switch root.Opcode {
	case dag.RET, dag.BR, dag.BRCOND:
	case dag.TOKEN_FACTOR:
		if len(root.Ops) != 2 {
			return errors.Wrap(cerr.ErrInternalInvariant, "block %d: token factor root %d has %d operands, want 2", d.Block, bd.Root, len(root.Ops))
		}
		switch term := d.Node(root.Ops[1].Node); term.Opcode {
		case dag.BR, dag.BRCOND:
		default:
			return errors.Wrap(cerr.ErrInternalInvariant, "block %d: token factor root %d wraps non-terminator opcode %v", d.Block, bd.Root, term.Opcode)
		}
	default:
		return errors.Wrap(cerr.ErrInternalInvariant, "block %d: root node %d has non-terminator opcode %v", d.Block, bd.Root, root.Opcode)
	}

	return nil
}

func checkAcyclic(d *dag.DAG) error {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, d.NumNodes())

	var visit func(idx int) error
	visit = func(idx int) error {
		switch color[idx] {
		case black:
			return nil
		case gray:
			return errors.Wrap(cerr.ErrInternalInvariant, "block %d: cycle through node %d", d.Block, idx)
		}
		color[idx] = gray
		for _, op := range d.Node(idx).Ops {
			if err := visit(op.Node); err != nil {
				return err
			}
		}
		color[idx] = black
		return nil
	}

	for i := 0; i < d.NumNodes(); i++ {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// checkChain walks the chain (operand 0 of every side-effecting node) from
// root back to ENTRY_TOKEN and confirms every side-effecting node in the
// DAG is visited exactly once: a shorter walk means two side-effecting
// nodes raced onto the same chain position, a longer one is unreachable
// (impossible given acyclicity, checked defensively anyway).
func checkChain(d *dag.DAG, root int) error {
	start := root
	if !sideEffecting(d.Node(root).Opcode) {
		// dag.Build always wraps a plain BR/BRCOND root in a TOKEN_FACTOR,
		// so this only fires for a bare terminator built by some other
		// caller; nothing to walk.
		return nil
	}

	visited := map[int]bool{}
	cur := start
	for {
		n := d.Node(cur)
		if visited[cur] {
			return errors.Wrap(cerr.ErrInternalInvariant, "block %d: chain revisits node %d", d.Block, cur)
		}
		visited[cur] = true
		if n.Opcode == dag.ENTRY_TOKEN {
			break
		}
		if len(n.Ops) == 0 {
			return errors.Wrap(cerr.ErrInternalInvariant, "block %d: side-effecting node %d has no chain operand", d.Block, cur)
		}
		cur = n.Ops[0].Node
	}

	var want int
	for i := 0; i < d.NumNodes(); i++ {
		if sideEffecting(d.Node(i).Opcode) {
			want++
		}
	}
	if len(visited) != want {
		return errors.Wrap(cerr.ErrInternalInvariant, "block %d: chain visits %d side-effecting nodes, block has %d", d.Block, len(visited), want)
	}

	return nil
}
