package mir

// MInstruction is a tagged variant over the four MIR instruction shapes:
// a target-specific opcode, a pseudo move, a phi (pre phi-elimination), and
// the spill/reload pseudos register allocation inserts.
type MInstruction interface {
	isMInstruction()
}

// FrameIndexOperand is a symbolic stack-slot reference embedded in a
// Target instruction's immediate-operand position (an address-arithmetic
// or load/store instruction addressing a not-yet-resolved offset).
type FrameIndexOperand struct {
	Index int // >=0: local object keyed by IR alloca reg id; <0: incoming arg; spill slots use the RA's synthetic ids (see FrameInfo)
}

// CallInfo carries call-site metadata the target adapter and RA need
// without re-deriving it from the symbol operand: which physical argument
// registers are live-in at the call for the purpose of enum_uses, and
// whether the call produces a result.
type CallInfo struct {
	Callee     string
	IntArgs    int
	FloatArgs  int
	StackBytes int
	HasResult  bool
}

// Target is one ISA-specific instruction: (opcode, rd, rs1, rs2, imm,
// optional label, optional frame-index operand, optional call metadata).
type Target struct {
	Op string

	Rd, Rs1, Rs2 *Register

	HasImm bool
	Imm    int64
	Shift  int // left-shift amount for a shifted immediate (e.g. AArch64 MOVZ/MOVK lsl); 0 elsewhere

	HasLabel bool
	Label    int // target block id

	FI *FrameIndexOperand

	Call *CallInfo

	// Comment is emitted as a trailing "// ..." remark by the (out of
	// scope) textual emitter; used here to carry the originating IR
	// register id the way back.go's "// expr %d" comments do.
	Comment string
}

// Move is a pseudo `dest <- src`. Either operand may be a register, an
// immediate, or a symbol. No pass lowers it to a Target instruction: it
// stays a Move through phi elimination, register allocation (the target
// adapter enumerates and rewrites its operands) and stack lowering.
type Move struct {
	Dest Register

	SrcReg    *Register
	HasImm    bool
	Imm       int64
	HasSymbol bool
	Symbol    string
}

// Phi mirrors ir.Phi at the MIR level; PhiElimination removes every
// instance of this before RA sees the function.
type Phi struct {
	Result Register
	Preds  []PhiOperand
}

type PhiOperand struct {
	Block int
	Val   PhiValue
}

// PhiValue is a register or an immediate constant flowing in on one edge.
type PhiValue struct {
	Reg    *Register
	HasImm bool
	Imm    int64
}

// FILoad reloads a spilled physical register from a frame slot; inserted
// by RA before an instruction using a spilled vreg, replaced with a real
// load by Stack Lowering.
type FILoad struct {
	Dest Register
	FI   FrameIndexOperand
}

// FIStore spills a physical register to a frame slot; inserted by RA after
// an instruction defining a spilled vreg.
type FIStore struct {
	Src Register
	FI  FrameIndexOperand
}

func (Target) isMInstruction() {}
func (Move) isMInstruction()   {}
func (Phi) isMInstruction()    {}
func (FILoad) isMInstruction() {}
func (FIStore) isMInstruction() {}
