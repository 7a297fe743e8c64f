package aarch64

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

// ISel returns the AArch64 instruction selector.
func ISel() iselImpl { return iselImpl{} }

const (
	// LDUR/STUR carry a signed 9-bit unscaled immediate.
	memImmLo = -256
	memImmHi = 255
	// ADD/SUB immediate is an unsigned 12-bit literal; frame offsets are
	// always non-negative relative to sp so this alone suffices.
	addImmHi = 4095
)

type selector struct {
	fn    *mir.MFunction
	dst   *mir.MBlock
	d     *dag.DAG
	vregs *mir.VRegAlloc

	crossBlock   map[int]mir.Register
	nodeReg      map[int]mir.Register
	materialized map[int]mir.Register
}

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

// movImm expands a 64-bit constant into a MOVZ/MOVK chunk sequence, one
// 16-bit chunk at a time from the bottom, skipping zero chunks past the
// first (MOVZ implicitly zeros the rest of the register).
func (s *selector) movImm(rd mir.Register, val int64) {
	u := uint64(val)
	chunks := [4]uint64{u & 0xffff, (u >> 16) & 0xffff, (u >> 32) & 0xffff, (u >> 48) & 0xffff}

	first := true
	for i, c := range chunks {
		if c == 0 && !(first && i == 3) {
			continue
		}
		op := "MOVK"
		if first {
			op = "MOVZ"
			first = false
		}
		s.emit(mir.Target{Op: op, Rd: &rd, HasImm: true, Imm: int64(c), Shift: i * 16})
	}
	if first {
		// val == 0
		s.emit(mir.Target{Op: "MOVZ", Rd: &rd, HasImm: true, Imm: 0})
	}
}

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
		s.movImm(r, n.Payload.ImmI64)

	case dag.CONST_F32:
		bits := int64(math.Float32bits(n.Payload.ImmF32))
		tmp := s.vregs.New(ir.TypeI64)
		s.movImm(tmp, bits)
		r = s.vregs.New(ir.TypeF32)
		s.emit(mir.Target{Op: "FMOV_S_W", Rd: &r, Rs1: &tmp})

	case dag.FRAME_INDEX:
		r = s.vregs.New(ir.TypePtr)
		sp := IReg(SP)
		s.emit(mir.Target{Op: "ADD", Rd: &r, Rs1: &sp, FI: &mir.FrameIndexOperand{Index: n.Payload.FrameIndex}})
		s.fn.Frame.AddLocal(n.Payload.FrameIndex, n.Payload.FISize, n.Payload.FIAlign)

	case dag.SYMBOL:
		r = s.vregs.New(ir.TypePtr)
		s.emit(mir.Target{Op: "ADRP_ADD", Rd: &r, Comment: n.Payload.Symbol})

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

func (s *selector) addressOperand(idx int) (fi *mir.FrameIndexOperand, sym string, reg *mir.Register, offset int64) {
	base, off, foldable := s.selectAddress(idx)
	if !foldable || off < memImmLo || off > memImmHi {
		r := s.get(idx)
		return nil, "", &r, 0
	}

	n := s.d.Node(base)
	if n.Opcode == dag.FRAME_INDEX {
		s.fn.Frame.AddLocal(n.Payload.FrameIndex, n.Payload.FISize, n.Payload.FIAlign)
		return &mir.FrameIndexOperand{Index: n.Payload.FrameIndex}, "", nil, off
	}
	if n.Opcode == dag.SYMBOL {
		r := s.get(idx)
		return nil, "", &r, 0
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
	case dag.ADD, dag.SUB, dag.MUL, dag.AND, dag.OR, dag.XOR, dag.SHL, dag.ASHR, dag.LSHR:
		return s.selectIntBinOp(idx, n)
	case dag.DIV:
		return s.selectDiv(idx, n)
	case dag.MOD:
		return s.selectMod(idx, n)
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
		return errors.Wrap(cerr.ErrUnsupportedConstruct, "aarch64: opcode %v", n.Opcode)
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
		return "LDUR_W"
	case ir.I64, ir.PTR:
		return "LDUR_X"
	case ir.F32:
		return "LDUR_S"
	case ir.F64:
		return "LDUR_D"
	default:
		return "LDUR_W"
	}
}

func storeOpFor(t ir.DataType) string {
	switch t.Kind {
	case ir.I32:
		return "STUR_W"
	case ir.I64, ir.PTR:
		return "STUR_X"
	case ir.F32:
		return "STUR_S"
	case ir.F64:
		return "STUR_D"
	default:
		return "STUR_W"
	}
}

var intBinOp = map[dag.Opcode]string{
	dag.ADD: "ADD", dag.SUB: "SUB", dag.MUL: "MUL",
	dag.AND: "AND", dag.OR: "ORR", dag.XOR: "EOR", dag.SHL: "LSL", dag.ASHR: "ASR", dag.LSHR: "LSR",
}

var intBinOpImm = map[dag.Opcode]string{
	dag.ADD: "ADD", dag.SUB: "SUB",
	dag.AND: "AND", dag.OR: "ORR", dag.XOR: "EOR", dag.SHL: "LSL", dag.ASHR: "ASR", dag.LSHR: "LSR",
}

func (s *selector) selectIntBinOp(idx int, n *dag.SDNode) error {
	lhsN, rhsN := n.Ops[0].Node, n.Ops[1].Node
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	w := ""
	if n.Results[0].Kind == ir.I32 {
		w = "_W"
	}

	if imm, ok := s.immOf(rhsN); ok && imm >= 0 && imm <= addImmHi && (n.Opcode == dag.ADD || n.Opcode == dag.SUB) {
		lhs := s.get(lhsN)
		s.emit(mir.Target{Op: intBinOpImm[n.Opcode] + w, Rd: &r, Rs1: &lhs, HasImm: true, Imm: imm})
		return nil
	}
	if imm, ok := s.immOf(rhsN); ok && (n.Opcode == dag.SHL || n.Opcode == dag.ASHR || n.Opcode == dag.LSHR) {
		lhs := s.get(lhsN)
		s.emit(mir.Target{Op: intBinOpImm[n.Opcode] + w, Rd: &r, Rs1: &lhs, HasImm: true, Imm: imm})
		return nil
	}

	lhs := s.get(lhsN)
	rhs := s.get(rhsN)
	s.emit(mir.Target{Op: intBinOp[n.Opcode] + w, Rd: &r, Rs1: &lhs, Rs2: &rhs})
	return nil
}

// selectDiv lowers to SDIV/UDIV; the front end only produces signed
// integer division, so this always emits the signed form.
func (s *selector) selectDiv(idx int, n *dag.SDNode) error {
	lhs := s.get(n.Ops[0].Node)
	rhs := s.get(n.Ops[1].Node)
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	w := ""
	if n.Results[0].Kind == ir.I32 {
		w = "_W"
	}
	s.emit(mir.Target{Op: "SDIV" + w, Rd: &r, Rs1: &lhs, Rs2: &rhs})
	return nil
}

// selectMod synthesizes remainder, which AArch64 has no direct
// instruction for: q = a SDIV b; t = q*b; r = a-t. A real MSUB could fold
// the last two steps, but that's a three-source instruction our Target
// shape (one dest, two sources) can't represent, so it's kept as two ops.
func (s *selector) selectMod(idx int, n *dag.SDNode) error {
	lhs := s.get(n.Ops[0].Node)
	rhs := s.get(n.Ops[1].Node)

	w := ""
	if n.Results[0].Kind == ir.I32 {
		w = "_W"
	}

	q := s.vregs.New(n.Results[0])
	s.emit(mir.Target{Op: "SDIV" + w, Rd: &q, Rs1: &lhs, Rs2: &rhs})

	t := s.vregs.New(n.Results[0])
	s.emit(mir.Target{Op: "MUL" + w, Rd: &t, Rs1: &q, Rs2: &rhs})

	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r
	s.emit(mir.Target{Op: "SUB" + w, Rd: &r, Rs1: &lhs, Rs2: &t})
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

	s.emit(mir.Target{Op: "CMP", Rs1: &lhs, Rs2: &rhs})

	var cc string
	switch n.Payload.Cond {
	case ir.CondEQ:
		cc = "EQ"
	case ir.CondNE:
		cc = "NE"
	case ir.CondLT:
		cc = "LT"
	case ir.CondLE:
		cc = "LE"
	case ir.CondGT:
		cc = "GT"
	case ir.CondGE:
		cc = "GE"
	default:
		return errors.Wrap(cerr.ErrUnsupportedConstruct, "aarch64: icmp cond %v", n.Payload.Cond)
	}
	s.emit(mir.Target{Op: "CSET_" + cc, Rd: &r})
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
	s.emit(mir.Target{Op: "FCMP" + suffix, Rs1: &lhs, Rs2: &rhs})

	var cc string
	switch n.Payload.Cond {
	case ir.CondEQ:
		cc = "EQ"
	case ir.CondNE:
		cc = "NE"
	case ir.CondLT:
		cc = "MI"
	case ir.CondLE:
		cc = "LS"
	case ir.CondGT:
		cc = "GT"
	case ir.CondGE:
		cc = "GE"
	default:
		return errors.Wrap(cerr.ErrUnsupportedConstruct, "aarch64: fcmp cond %v", n.Payload.Cond)
	}
	s.emit(mir.Target{Op: "CSET_" + cc, Rd: &r})
	return nil
}

func (s *selector) selectZext(idx int, n *dag.SDNode) error {
	src := s.get(n.Ops[0].Node)
	r := s.vregs.New(n.Results[0])
	s.nodeReg[idx] = r

	srcT := s.d.Result(n.Ops[0])
	if srcT.Bits >= n.Results[0].Bits {
		s.emit(mir.Target{Op: "MOV", Rd: &r, Rs1: &src})
		return nil
	}

	s.emit(mir.Target{Op: "UBFX", Rd: &r, Rs1: &src, HasImm: true, Imm: int64(srcT.Bits)})
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
	s.emit(mir.Target{Op: "SCVTF" + suffix, Rd: &r, Rs1: &src})
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
	s.emit(mir.Target{Op: "FCVTZS" + suffix, Rd: &r, Rs1: &src})
	return nil
}

func (s *selector) selectBr(idx int, n *dag.SDNode) error {
	target := s.d.Node(n.Ops[0].Node).Payload.FrameIndex
	s.emit(mir.Target{Op: "B", HasLabel: true, Label: target})
	return nil
}

func (s *selector) selectBrCond(idx int, n *dag.SDNode) error {
	cond := s.get(n.Ops[0].Node)
	trueTarget := s.d.Node(n.Ops[1].Node).Payload.FrameIndex
	falseTarget := s.d.Node(n.Ops[2].Node).Payload.FrameIndex

	s.emit(mir.Target{Op: "CBNZ", Rd: &cond, HasLabel: true, Label: trueTarget})
	s.emit(mir.Target{Op: "B", HasLabel: true, Label: falseTarget})
	return nil
}

func (s *selector) selectCall(idx int, n *dag.SDNode) error {
	sym := s.d.Node(n.Ops[1].Node)
	callee := sym.Payload.Symbol
	callee = redirectIntrinsic(callee)

	argNodes := n.Ops[2 : 2+n.Payload.CallArgc]

	var intArgs, floatArgs int
	for _, a := range argNodes {
		if s.d.Result(a).IsFloat() {
			floatArgs++
		} else {
			intArgs++
		}
	}

	nextInt, nextFloat := 0, 0
	stackOff := 0
	var stackArgs []mir.Register
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
		Op: "BL",
		Call: &mir.CallInfo{
			Callee: callee, IntArgs: intArgs, FloatArgs: floatArgs,
			StackBytes: stackOff, HasResult: hasRet,
		},
		Comment: callee,
	})

	if hasRet {
		r := s.vregs.New(n.Results[0])
		s.nodeReg[idx] = r
		src := IReg(X0)
		if n.Results[0].IsFloat() {
			src = FReg(D0)
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
		dst := IReg(X0)
		if s.d.Result(n.Ops[1]).IsFloat() {
			dst = FReg(D0)
		}
		s.emit(mir.Move{Dest: dst, SrcReg: &v})
	}
	s.emit(mir.Target{Op: "RET"})
	return nil
}

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
