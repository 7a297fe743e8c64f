// Package dag implements the target-independent SelectionDAG: a per-block
// DAG of SDNodes built from one IR basic block, CSE'd on construction, and
// consumed by instruction selection.
package dag

import (
	"github.com/sysy-lang/sysybe/ir"
)

type Opcode int

const (
	ENTRY_TOKEN Opcode = iota
	TOKEN_FACTOR
	CONST_I32
	CONST_I64
	CONST_F32
	FRAME_INDEX
	SYMBOL
	LABEL
	REG
	COPY
	LOAD
	STORE
	ADD
	SUB
	MUL
	DIV
	MOD
	AND
	OR
	XOR
	SHL
	ASHR
	LSHR
	FADD
	FSUB
	FMUL
	FDIV
	ICMP
	FCMP
	ZEXT
	SITOFP
	FPTOSI
	BR
	BRCOND
	CALL
	RET
	PHI
)

func (o Opcode) String() string {
	names := [...]string{
		"ENTRY_TOKEN", "TOKEN_FACTOR", "CONST_I32", "CONST_I64", "CONST_F32",
		"FRAME_INDEX", "SYMBOL", "LABEL", "REG", "COPY", "LOAD", "STORE",
		"ADD", "SUB", "MUL", "DIV", "MOD", "AND", "OR", "XOR", "SHL", "ASHR",
		"LSHR", "FADD", "FSUB", "FMUL", "FDIV", "ICMP", "FCMP", "ZEXT",
		"SITOFP", "FPTOSI", "BR", "BRCOND", "CALL", "RET", "PHI",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "?"
}

// SDValue is a (node, result-index) pair identifying one output of a node.
// Nodes live in a per-block arena and are addressed by index, per the
// design note on SDValue ownership.
type SDValue struct {
	Node   int
	Result int
}

// Payload carries the small set of immediate/symbolic extras a node may
// need beyond its operand edges.
type Payload struct {
	HasImm  bool
	ImmI64  int64
	HasImmF bool
	ImmF32  float32

	Symbol string

	HasFrameIndex bool
	FrameIndex    int

	// FISize/FIAlign carry an alloca's storage requirements on its
	// FRAME_INDEX node, so the frame builder can register the object
	// without re-deriving it from the original IR instruction.
	FISize  int
	FIAlign int

	Cond ir.Cond

	// OwningReg links this node back to the IR register it materializes,
	// so ISel can reuse one vreg for one SSA value across blocks.
	HasOwningReg bool
	OwningReg    int

	CallArgc int // for CALL: number of argument edges, to split from chain/callee
}

// SDNode is one DAG node: an opcode, its result types, its operand edges,
// and an optional payload. Equal opcode + result types + operand edges +
// payload means the same node -- the builder canonicalizes this via a
// content-hash map (see DAG.Intern in dag.go).
type SDNode struct {
	Opcode  Opcode
	Results []ir.DataType
	Ops     []SDValue
	Payload Payload
}
