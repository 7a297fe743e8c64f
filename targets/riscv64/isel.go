package riscv64

import (
	"math"
	"strings"

	"tlog.app/go/errors"

	"github.com/sysy-lang/sysybe/cerr"
	"github.com/sysy-lang/sysybe/dag"
	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/isel"
	"github.com/sysy-lang/sysybe/mir"
)

type iselImpl struct{}

// ISel returns the RV64 instruction selector.
func ISel() iselImpl { return iselImpl{} }

const (
	rv64ImmLo = -2048
	rv64ImmHi = 2047
)

type selector struct {
	fn    *mir.MFunction
	dst   *mir.MBlock
	d     *dag.DAG
	vregs *mir.VRegAlloc

	crossBlock map[int]mir.Register
	nodeReg    map[int]mir.Register
	materialized map[int]mir.Register
}

// SelectBlock implements target.ISel: schedule the block's DAG, pre-allocate
// vregs for its non-trivial nodes, then walk the schedule emitting MIR.
func (iselImpl) SelectBlock(fn *mir.MFunction, dst *mir.MBlock, bd *dag.Builder, vregs *mir.VRegAlloc, valueMap map[int]mir.Register) error {
	d := bd.D
	roots := append(append([]int{}, bd.DefOrder...), bd.Root)

	sched := isel.Schedule(d, roots)
	nodeReg := isel.PreallocateVRegs(d, sched, vregs, valueMap)

	s := &selector{
		fn: fn, dst: dst, d: d, vregs: vregs,
		crossBlock:   valueMap,
		nodeReg:      nodeReg,
		materialized: map[int]mir.Register{},
	}

	for _, idx := range sched {
		n := d.Node(idx)
		if isel.Trivial(n.Opcode) {
			continue
		}
		if err := s.selectNode(idx, n); err != nil {
			return err
		}
	}

	if dst.Terminator() == nil {
		return errors.Wrap(cerr.ErrInternalInvariant, "block %d: no terminator after selection", dst.ID)
	}

	return nil
}

func (s *selector) emit(inst mir.MInstruction) int { return s.dst.Append(inst) }

// get returns the register holding node idx's value, materializing
// trivial nodes (constants, frame indices, symbols, bare cross-block
// register references) on first use and memoizing the result.
func (s *selector) get(idx int) mir.Register {
	if r, ok := s.nodeReg[idx]; ok {
		return r
	}
	if r, ok := s.materialized[idx]; ok {
		return r
	}

	n := s.d.Node(idx)
	var r mir.Register

	switch n.Opcode {
	case dag.CONST_I32, dag.CONST_I64:
		r = s.vregs.New(n.Results[0])
		s.emit(mir.Target{Op: "LI", Rd: &r, HasImm: true, Imm: n.Payload.ImmI64})

	case dag.CONST_F32:
		bits := int64(math.Float32bits(n.Payload.ImmF32))
		tmp := s.vregs.New(ir.TypeI64)
		s.emit(mir.Target{Op: "LI", Rd: &tmp, HasImm: true, Imm: bits})
		r = s.vregs.New(ir.TypeF32)
		s.emit(mir.Target{Op: "FMV_W_X", Rd: &r, Rs1: &tmp})

	case dag.FRAME_INDEX:
		r = s.vregs.New(ir.TypePtr)
		sp := IReg(SP)
		s.emit(mir.Target{Op: "ADDI", Rd: &r, Rs1: &sp, FI: &mir.FrameIndexOperand{Index: n.Payload.FrameIndex}})
		s.fn.Frame.AddLocal(n.Payload.FrameIndex, n.Payload.FISize, n.Payload.FIAlign)

	case dag.SYMBOL:
		r = s.vregs.New(ir.TypePtr)
		s.emit(mir.Target{Op: "LA", Rd: &r, Comment: n.Payload.Symbol})

	case dag.REG:
		if v, ok := s.crossBlock[n.Payload.OwningReg]; ok {
			r = v
		} else {
			r = s.vregs.New(n.Results[0])
			s.crossBlock[n.Payload.OwningReg] = r
		}

	default:
		panic("get: unexpected trivial opcode " + n.Opcode.String())
	}

	s.materialized[idx] = r
	return r
}

// selectAddress recurses through ADD-of-constants to compute (base_node,
// const_offset). If base is FRAME_INDEX or SYMBOL and the offset fits
// RV64's +-2048 load/store immediate, the caller folds it directly instead
// of materializing an address register.
func (s *selector) selectAddress(idx int) (base int, offset int64, foldable bool) {
	n := s.d.Node(idx)

	if n.Opcode == dag.ADD {
		lhs, rhs := n.Ops[0], n.Ops[1]
		if c := s.d.Node(rhs.Node); c.Opcode == dag.CONST_I64 || c.Opcode == dag.CONST_I32 {
			b, off, _ := s.selectAddress(lhs.Node)
			return b, off + c.Payload.ImmI64, true
		}
		if c := s.d.Node(lhs.Node); c.Opcode == dag.CONST_I64 || c.Opcode == dag.CONST_I32 {
			b, off, _ := s.selectAddress(rhs.Node)
			return b, off + c.Payload.ImmI64, true
		}
	}

	if n.Opcode == dag.FRAME_INDEX || n.Opcode == dag.SYMBOL {
		return idx, 0, true
	}

	return idx, 0, false
}

// addressOperand resolves idx's address into either a folded (FI/symbol,
// offset) memory operand or a materialized base register plus offset.
func (s *selector) addressOperand(idx int) (fi *mir.FrameIndexOperand, sym string, reg *mir.Register, offset int64) {
	base, off, foldable := s.selectAddress(idx)
	if !foldable || off < rv64ImmLo || off > rv64ImmHi {
		r := s.get(idx)
		return nil, "", &r, 0
	}

	n := s.d.Node(base)
	if n.Opcode == dag.FRAME_INDEX {
		s.fn.Frame.AddLocal(n.Payload.FrameIndex, n.Payload.FISize, n.Payload.FIAlign)
		return &mir.FrameIndexOperand{Index: n.Payload.FrameIndex}, "", nil, off
	}
	if n.Opcode == dag.SYMBOL {
		return nil, n.Payload.Symbol, nil, off
	}

	r := s.get(idx)
	return nil, "", &r, 0
}

func (s *selector) selectNode(idx int, n *dag.SDNode) error {
	switch n.Opcode {
	case dag.LOAD:
		return s.selectLoad(idx, n)
	case dag.STORE:
		return s.selectStore(idx, n)
	case dag.ADD, dag.SUB, dag.MUL, dag.DIV, dag.MOD, dag.AND, dag.OR, dag.XOR, dag.SHL, dag.ASHR, dag.LSHR:
		return s.selectIntBinOp(idx, n)
	case dag.FADD, dag.FSUB, dag.FMUL, dag.FDIV:
		return s.selectFloatBinOp(idx, n)
	case dag.ICMP:
		return s.selectIcmp(idx, n)
	case dag.FCMP:
		return s.selectFcmp(idx, n)
	case dag.ZEXT:
		return s.selectZext(idx, n)
	case dag.SITOFP:
		return s.selectSitofp(idx, n)
	case dag.FPTOSI:
		return s.selectFptosi(idx, n)
	case dag.BR:
		return s.selectBr(idx, n)
	case dag.BRCOND:
		return s.selectBrCond(idx, n)
	case dag.CALL:
		return s.selectCall(idx, n)
	case dag.RET:
		return s.selectRet(idx, n)
	case dag.PHI:
		return s.selectPhi(idx, n)
	default:
		return errors.Wrap(cerr.ErrUnsupportedConstruct, "rv64: opcode %v", n.Opcode)
	}
}

func (s *selector) selectLoad(idx int, n *dag.SDNode) error {
	ptr := n.Ops[1].Node
	fi, sym, reg, off := s.addressOperand(ptr)

	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	op := loadOpFor(n.Results[0])
	t := mir.Target{Op: op, Rd: &r, HasImm: true, Imm: off}
	if fi != nil {
		t.FI = fi
	} else if sym != "" {
		t.Comment = sym
	} else {
		t.Rs1 = reg
	}
	s.emit(t)
	return nil
}

func (s *selector) selectStore(idx int, n *dag.SDNode) error {
	val := s.get(n.Ops[1].Node)
	ptr := n.Ops[2].Node
	fi, sym, reg, off := s.addressOperand(ptr)

	op := storeOpFor(s.d.Result(n.Ops[1]))
	t := mir.Target{Op: op, Rs2: &val, HasImm: true, Imm: off}
	if fi != nil {
		t.FI = fi
	} else if sym != "" {
		t.Comment = sym
	} else {
		t.Rs1 = reg
	}
	s.emit(t)
	return nil
}

func loadOpFor(t ir.DataType) string {
	switch t.Kind {
	case ir.I32:
		return "LW"
	case ir.I64, ir.PTR:
		return "LD"
	case ir.F32:
		return "FLW"
	case ir.F64:
		return "FLD"
	default:
		return "LW"
	}
}

func storeOpFor(t ir.DataType) string {
	switch t.Kind {
	case ir.I32:
		return "SW"
	case ir.I64, ir.PTR:
		return "SD"
	case ir.F32:
		return "FSW"
	case ir.F64:
		return "FSD"
	default:
		return "SW"
	}
}

var intBinOp = map[dag.Opcode]string{
	dag.ADD: "ADD", dag.SUB: "SUB", dag.MUL: "MUL", dag.DIV: "DIV", dag.MOD: "REM",
	dag.AND: "AND", dag.OR: "OR", dag.XOR: "XOR", dag.SHL: "SLL", dag.ASHR: "SRA", dag.LSHR: "SRL",
}

var intBinOpImm = map[dag.Opcode]string{
	dag.ADD: "ADDI", dag.AND: "ANDI", dag.OR: "ORI", dag.XOR: "XORI",
	dag.SHL: "SLLI", dag.ASHR: "SRAI", dag.LSHR: "SRLI",
}

// hasWordVariant is the set of RV64 ops with a sign-extending 32-bit "W"
// form; RISC-V has no ANDW/ORW/XORW since bitwise ops need no width
// variant.
var hasWordVariant = map[dag.Opcode]bool{
	dag.ADD: true, dag.SUB: true, dag.MUL: true, dag.DIV: true, dag.MOD: true,
	dag.SHL: true, dag.ASHR: true, dag.LSHR: true,
}

func (s *selector) selectIntBinOp(idx int, n *dag.SDNode) error {
	lhsN, rhsN := n.Ops[0].Node, n.Ops[1].Node
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	w := ""
	if n.Results[0].Kind == ir.I32 && hasWordVariant[n.Opcode] {
		w = "W"
	}

	if imm, ok := s.immOf(rhsN); ok && intBinOpImm[n.Opcode] != "" && imm >= rv64ImmLo && imm <= rv64ImmHi {
		lhs := s.get(lhsN)
		s.emit(mir.Target{Op: intBinOpImm[n.Opcode] + w, Rd: &r, Rs1: &lhs, HasImm: true, Imm: imm})
		return nil
	}

	lhs := s.get(lhsN)
	rhs := s.get(rhsN)
	s.emit(mir.Target{Op: intBinOp[n.Opcode] + w, Rd: &r, Rs1: &lhs, Rs2: &rhs})
	return nil
}

func (s *selector) immOf(nodeIdx int) (int64, bool) {
	n := s.d.Node(nodeIdx)
	if n.Opcode == dag.CONST_I32 || n.Opcode == dag.CONST_I64 {
		return n.Payload.ImmI64, true
	}
	return 0, false
}

var floatBinOp = map[dag.Opcode]string{dag.FADD: "FADD", dag.FSUB: "FSUB", dag.FMUL: "FMUL", dag.FDIV: "FDIV"}

func (s *selector) selectFloatBinOp(idx int, n *dag.SDNode) error {
	lhs := s.get(n.Ops[0].Node)
	rhs := s.get(n.Ops[1].Node)
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	suffix := "_S"
	if n.Results[0].Kind == ir.F64 {
		suffix = "_D"
	}
	s.emit(mir.Target{Op: floatBinOp[n.Opcode] + suffix, Rd: &r, Rs1: &lhs, Rs2: &rhs})
	return nil
}

func (s *selector) selectIcmp(idx int, n *dag.SDNode) error {
	lhs := s.get(n.Ops[0].Node)
	rhs := s.get(n.Ops[1].Node)
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	switch n.Payload.Cond {
	case ir.CondLT:
		s.emit(mir.Target{Op: "SLT", Rd: &r, Rs1: &lhs, Rs2: &rhs})
	case ir.CondGT:
		s.emit(mir.Target{Op: "SLT", Rd: &r, Rs1: &rhs, Rs2: &lhs})
	case ir.CondGE:
		s.emit(mir.Target{Op: "SLT", Rd: &r, Rs1: &lhs, Rs2: &rhs})
		s.emit(mir.Target{Op: "XORI", Rd: &r, Rs1: &r, HasImm: true, Imm: 1})
	case ir.CondLE:
		s.emit(mir.Target{Op: "SLT", Rd: &r, Rs1: &rhs, Rs2: &lhs})
		s.emit(mir.Target{Op: "XORI", Rd: &r, Rs1: &r, HasImm: true, Imm: 1})
	case ir.CondEQ:
		s.emit(mir.Target{Op: "XOR", Rd: &r, Rs1: &lhs, Rs2: &rhs})
		s.emit(mir.Target{Op: "SEQZ", Rd: &r, Rs1: &r})
	case ir.CondNE:
		s.emit(mir.Target{Op: "XOR", Rd: &r, Rs1: &lhs, Rs2: &rhs})
		s.emit(mir.Target{Op: "SNEZ", Rd: &r, Rs1: &r})
	default:
		return errors.Wrap(cerr.ErrUnsupportedConstruct, "rv64: icmp cond %v", n.Payload.Cond)
	}
	return nil
}

func (s *selector) selectFcmp(idx int, n *dag.SDNode) error {
	lhs := s.get(n.Ops[0].Node)
	rhs := s.get(n.Ops[1].Node)
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	suffix := "_S"
	if s.d.Result(n.Ops[0]).Kind == ir.F64 {
		suffix = "_D"
	}

	switch n.Payload.Cond {
	case ir.CondEQ:
		s.emit(mir.Target{Op: "FEQ" + suffix, Rd: &r, Rs1: &lhs, Rs2: &rhs})
	case ir.CondLT:
		s.emit(mir.Target{Op: "FLT" + suffix, Rd: &r, Rs1: &lhs, Rs2: &rhs})
	case ir.CondLE:
		s.emit(mir.Target{Op: "FLE" + suffix, Rd: &r, Rs1: &lhs, Rs2: &rhs})
	case ir.CondGT:
		s.emit(mir.Target{Op: "FLT" + suffix, Rd: &r, Rs1: &rhs, Rs2: &lhs})
	case ir.CondGE:
		s.emit(mir.Target{Op: "FLE" + suffix, Rd: &r, Rs1: &rhs, Rs2: &lhs})
	case ir.CondNE:
		s.emit(mir.Target{Op: "FEQ" + suffix, Rd: &r, Rs1: &lhs, Rs2: &rhs})
		s.emit(mir.Target{Op: "SEQZ", Rd: &r, Rs1: &r})
	default:
		return errors.Wrap(cerr.ErrUnsupportedConstruct, "rv64: fcmp cond %v", n.Payload.Cond)
	}
	return nil
}

func (s *selector) selectZext(idx int, n *dag.SDNode) error {
	src := s.get(n.Ops[0].Node)
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	srcT := s.d.Result(n.Ops[0])
	if srcT.Bits >= n.Results[0].Bits {
		s.emit(mir.Target{Op: "MV", Rd: &r, Rs1: &src})
		return nil
	}

	mask := int64(1)<<uint(srcT.Bits) - 1
	s.emit(mir.Target{Op: "ANDI", Rd: &r, Rs1: &src, HasImm: true, Imm: mask})
	return nil
}

func (s *selector) selectSitofp(idx int, n *dag.SDNode) error {
	src := s.get(n.Ops[0].Node)
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	suffix := "_S_W"
	if n.Results[0].Kind == ir.F64 {
		suffix = "_D_W"
	}
	s.emit(mir.Target{Op: "FCVT" + suffix, Rd: &r, Rs1: &src})
	return nil
}

func (s *selector) selectFptosi(idx int, n *dag.SDNode) error {
	src := s.get(n.Ops[0].Node)
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	suffix := "_W_S"
	if s.d.Result(n.Ops[0]).Kind == ir.F64 {
		suffix = "_W_D"
	}
	s.emit(mir.Target{Op: "FCVT" + suffix, Rd: &r, Rs1: &src})
	return nil
}

func (s *selector) selectBr(idx int, n *dag.SDNode) error {
	target := s.d.Node(n.Ops[0].Node).Payload.FrameIndex
	s.emit(mir.Target{Op: "J", HasLabel: true, Label: target})
	return nil
}

func (s *selector) selectBrCond(idx int, n *dag.SDNode) error {
	cond := s.get(n.Ops[0].Node)
	trueTarget := s.d.Node(n.Ops[1].Node).Payload.FrameIndex
	falseTarget := s.d.Node(n.Ops[2].Node).Payload.FrameIndex

	zero := IReg(X0)
	s.emit(mir.Target{Op: "BNE", Rs1: &cond, Rs2: &zero, HasLabel: true, Label: trueTarget})
	s.emit(mir.Target{Op: "J", HasLabel: true, Label: falseTarget})
	return nil
}

func (s *selector) selectCall(idx int, n *dag.SDNode) error {
	sym := s.d.Node(n.Ops[1].Node)
	callee := sym.Payload.Symbol
	callee = redirectIntrinsic(callee)

	argNodes := n.Ops[2 : 2+n.Payload.CallArgc]

	var intArgs, floatArgs int
	var stackArgs []mir.Register
	for _, a := range argNodes {
		t := s.d.Result(a)
		if t.IsFloat() {
			floatArgs++
		} else {
			intArgs++
		}
	}

	nextInt, nextFloat := 0, 0
	stackOff := 0
	for _, a := range argNodes {
		v := s.get(a.Node)
		t := s.d.Result(a)
		if t.IsFloat() {
			if nextFloat < len(abiArgFloat) {
				dst := FReg(abiArgFloat[nextFloat])
				s.emit(mir.Move{Dest: dst, SrcReg: &v})
				nextFloat++
				continue
			}
		} else {
			if nextInt < len(abiArgInt) {
				dst := IReg(abiArgInt[nextInt])
				s.emit(mir.Move{Dest: dst, SrcReg: &v})
				nextInt++
				continue
			}
		}
		sp := IReg(SP)
		s.emit(mir.Target{Op: storeOpFor(t), Rs1: &sp, Rs2: &v, HasImm: true, Imm: int64(stackOff)})
		stackOff += 8
		stackArgs = append(stackArgs, v)
	}

	s.fn.NoteOutgoingArgBytes(8 * len(stackArgs))

	hasRet := len(n.Results) > 1 || (len(n.Results) == 1 && n.Results[0].Kind != ir.TOKEN)

	s.emit(mir.Target{
		Op: "CALL",
		Call: &mir.CallInfo{
			Callee: callee, IntArgs: intArgs, FloatArgs: floatArgs,
			StackBytes: stackOff, HasResult: hasRet,
		},
		Comment: callee,
	})

	if hasRet {
		r := s.vregs.New(n.Results[0])
		s.nodeReg[idx] = r
		src := IReg(A0)
		if n.Results[0].IsFloat() {
			src = FReg(F10) // fa0
		}
		s.emit(mir.Move{Dest: r, SrcReg: &src})
	}

	return nil
}

// redirectIntrinsic maps llvm.mem{set,cpy,move}.* calls to their C-library
// equivalents; dag.Build already strips the trailing is_volatile/alignment
// argument before this selector ever sees the call's argNodes.
func redirectIntrinsic(name string) string {
	switch {
	case strings.HasPrefix(name, "llvm.memset."):
		return "memset"
	case strings.HasPrefix(name, "llvm.memcpy."):
		return "memcpy"
	case strings.HasPrefix(name, "llvm.memmove."):
		return "memmove"
	default:
		return name
	}
}

func (s *selector) selectRet(idx int, n *dag.SDNode) error {
	if len(n.Ops) > 1 {
		v := s.get(n.Ops[1].Node)
		dst := IReg(A0)
		if s.d.Result(n.Ops[1]).IsFloat() {
			dst = FReg(F10)
		}
		s.emit(mir.Move{Dest: dst, SrcReg: &v})
	}
	s.emit(mir.Target{Op: "JALR_RET"})
	return nil
}

// selectPhi lowers PHI to a real MIR Phi instruction; Phi Elimination
// removes it before RA runs.
func (s *selector) selectPhi(idx int, n *dag.SDNode) error {
	r := s.nodeReg[idx]

	var preds []mir.PhiOperand
	for i := 0; i+1 < len(n.Ops); i += 2 {
		block := s.d.Node(n.Ops[i].Node).Payload.FrameIndex
		valNode := n.Ops[i+1]
		pv := mir.PhiValue{}
		if c := s.d.Node(valNode.Node); c.Opcode == dag.CONST_I32 || c.Opcode == dag.CONST_I64 {
			pv.HasImm = true
			pv.Imm = c.Payload.ImmI64
		} else {
			v := s.get(valNode.Node)
			pv.Reg = &v
		}
		preds = append(preds, mir.PhiOperand{Block: block, Val: pv})
	}

	s.emit(mir.Phi{Result: r, Preds: preds})
	return nil
}
