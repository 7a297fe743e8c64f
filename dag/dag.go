package dag

import (
	"fmt"
	"strings"

	"github.com/sysy-lang/sysybe/ir"
)

// DAG is the per-block SelectionDAG. Nodes are owned by the DAG's arena and
// referenced by index; the arena is discarded after ISel consumes it.
type DAG struct {
	Block int

	nodes  []SDNode
	intern map[string]int

	Entry SDValue // ENTRY_TOKEN, result 0 is the initial chain
}

func New(block int) *DAG {
	d := &DAG{
		Block:  block,
		intern: map[string]int{},
	}
	idx := d.newNode(SDNode{Opcode: ENTRY_TOKEN, Results: []ir.DataType{ir.TypeToken}})
	d.Entry = SDValue{Node: idx, Result: 0}
	return d
}

func (d *DAG) Node(i int) *SDNode { return &d.nodes[i] }

func (d *DAG) NumNodes() int { return len(d.nodes) }

func (d *DAG) newNode(n SDNode) int {
	d.nodes = append(d.nodes, n)
	return len(d.nodes) - 1
}

// key produces a canonical string key for CSE: opcode + result types +
// operand edges + payload. Equal keys mean the same SDNode by definition
// (§3.3): the builder MUST canonicalize on construction, so every call to
// intern that observes an equal key returns the existing node.
func key(n SDNode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|", n.Opcode)
	for _, t := range n.Results {
		fmt.Fprintf(&sb, "%d:%d,", t.Kind, t.Bits)
	}
	sb.WriteByte('|')
	for _, op := range n.Ops {
		fmt.Fprintf(&sb, "%d.%d,", op.Node, op.Result)
	}
	sb.WriteByte('|')
	p := n.Payload
	fmt.Fprintf(&sb, "%v,%d,%v,%f,%s,%v,%d,%d,%d,%s,%v,%d,%d",
		p.HasImm, p.ImmI64, p.HasImmF, p.ImmF32, p.Symbol,
		p.HasFrameIndex, p.FrameIndex, p.FISize, p.FIAlign, p.Cond, p.HasOwningReg, p.OwningReg, p.CallArgc)
	return sb.String()
}

// Intern returns the SDValue for n's result 0, creating (or reusing via
// CSE) the backing node. Side-effecting opcodes (those that consume/produce
// a chain) are never interned by callers -- each occurrence is causally
// distinct even if operand edges coincide -- so Intern is only used by the
// builder for pure value-producing nodes.
func (d *DAG) Intern(n SDNode) SDValue {
	k := key(n)
	if idx, ok := d.intern[k]; ok {
		return SDValue{Node: idx, Result: 0}
	}
	idx := d.newNode(n)
	d.intern[k] = idx
	return SDValue{Node: idx, Result: 0}
}

// NewSideEffecting creates a node without CSE (LOAD/STORE/CALL/RET and
// TOKEN_FACTOR each get a fresh identity even when their edges match a
// prior node, because the chain encodes a distinct position in execution
// order).
func (d *DAG) NewSideEffecting(n SDNode) int {
	return d.newNode(n)
}

func (d *DAG) Result(v SDValue) ir.DataType {
	return d.nodes[v.Node].Results[v.Result]
}
