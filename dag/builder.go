package dag

import (
	"strings"

	"tlog.app/go/errors"

	"github.com/sysy-lang/sysybe/cerr"
	"github.com/sysy-lang/sysybe/ir"
)

// Builder constructs one SelectionDAG from one IR basic block, maintaining
// a value map (vreg_id -> SDValue) so repeated uses share the same DAG
// value, and a current chain threaded through every side-effecting node.
type Builder struct {
	D *DAG

	values map[int]SDValue
	chain  SDValue

	// Root is the node that must be the unique DAG root once building
	// completes: the RET node, or -- for a block ending in a plain BR or
	// BRCOND -- a TOKEN_FACTOR joining the final chain with the branch, so
	// a store/void-call the branch doesn't otherwise reference stays
	// reachable from Root regardless of terminator kind.
	Root int

	// DefOrder lists, in program order, the node index of every
	// instruction that defines a register. A per-block DAG has no operand
	// edge for a value that is only consumed by a later block without
	// flowing through a phi (legal under dominance-based SSA), so
	// scheduling must start from every definition, not just from Root.
	DefOrder []int
}

// Build lowers every instruction of block in order and returns the Builder
// holding the completed DAG (D), its Root and DefOrder. A non-empty block
// that ends without a terminator is rejected with ErrInternalInvariant.
func Build(block *ir.Block) (*Builder, error) {
	bd := &Builder{
		D:      New(block.ID),
		values: map[int]SDValue{},
	}
	bd.chain = bd.D.Entry

	for i, inst := range block.Insts {
		if err := bd.lower(inst); err != nil {
			return nil, cerr.Inst(err, block.ID, i)
		}
	}

	if bd.Root == 0 && len(block.Insts) > 0 {
		return nil, errors.Wrap(cerr.ErrInternalInvariant, "block %d: no terminator produced a root", block.ID)
	}

	return bd, nil
}

func (bd *Builder) lower(inst ir.Instruction) error {
	if err := bd.lowerInst(inst); err != nil {
		return err
	}
	if id, ok := ir.Dest(inst); ok {
		if v, ok := bd.values[id]; ok {
			bd.DefOrder = append(bd.DefOrder, v.Node)
		}
	}
	return nil
}

func (bd *Builder) lowerInst(inst ir.Instruction) error {
	switch x := inst.(type) {
	case ir.Alloca:
		n := x.ArrayLen
		if n == 0 {
			n = 1
		}
		size := x.ElemType.ByteSize() * n
		align := x.ElemType.ByteSize()
		if align == 0 {
			align = 1
		}
		bd.values[x.Dest] = bd.D.Intern(SDNode{
			Opcode:  FRAME_INDEX,
			Results: []ir.DataType{ir.TypeI64},
			Payload: Payload{HasFrameIndex: true, FrameIndex: x.Dest, FISize: size, FIAlign: align},
		})

	case ir.Load:
		ptr := bd.operand(x.Ptr)
		idx := bd.D.NewSideEffecting(SDNode{
			Opcode:  LOAD,
			Results: []ir.DataType{x.Type, ir.TypeToken},
			Ops:     []SDValue{bd.chain, ptr},
		})
		bd.values[x.Dest] = SDValue{Node: idx, Result: 0}
		bd.chain = SDValue{Node: idx, Result: 1}

	case ir.Store:
		val := bd.operand(x.Val)
		ptr := bd.operand(x.Ptr)
		idx := bd.D.NewSideEffecting(SDNode{
			Opcode:  STORE,
			Results: []ir.DataType{ir.TypeToken},
			Ops:     []SDValue{bd.chain, val, ptr},
		})
		bd.chain = SDValue{Node: idx, Result: 0}

	case ir.Arith:
		lhs := bd.operand(x.Lhs)
		rhs := bd.operand(x.Rhs)
		op, err := arithOpcode(x.Op)
		if err != nil {
			return err
		}
		bd.values[x.Dest] = bd.D.Intern(SDNode{
			Opcode:  op,
			Results: []ir.DataType{x.Type},
			Ops:     []SDValue{lhs, rhs},
		})

	case ir.Icmp:
		lhs := bd.operand(x.Lhs)
		rhs := bd.operand(x.Rhs)
		bd.values[x.Dest] = bd.D.Intern(SDNode{
			Opcode:  ICMP,
			Results: []ir.DataType{ir.TypeI32},
			Ops:     []SDValue{lhs, rhs},
			Payload: Payload{Cond: x.Cond},
		})

	case ir.Fcmp:
		lhs := bd.operand(x.Lhs)
		rhs := bd.operand(x.Rhs)
		bd.values[x.Dest] = bd.D.Intern(SDNode{
			Opcode:  FCMP,
			Results: []ir.DataType{ir.TypeI32},
			Ops:     []SDValue{lhs, rhs},
			Payload: Payload{Cond: x.Cond},
		})

	case ir.Gep:
		v, err := bd.lowerGep(x)
		if err != nil {
			return err
		}
		bd.values[x.Dest] = v

	case ir.Phi:
		ops := make([]SDValue, 0, len(x.Preds)*2)
		for _, e := range x.Preds {
			ops = append(ops, bd.D.Intern(SDNode{
				Opcode:  LABEL,
				Results: []ir.DataType{ir.TypeToken},
				Payload: Payload{HasFrameIndex: true, FrameIndex: e.Block},
			}))
			ops = append(ops, bd.operand(e.Val))
		}
		bd.values[x.Dest] = bd.D.Intern(SDNode{
			Opcode:  PHI,
			Results: []ir.DataType{x.Type},
			Ops:     ops,
			Payload: Payload{HasOwningReg: true, OwningReg: x.Dest},
		})

	case ir.Br:
		label := bd.D.Intern(SDNode{Opcode: LABEL, Results: []ir.DataType{ir.TypeToken}, Payload: Payload{HasFrameIndex: true, FrameIndex: x.Target}})
		br := bd.D.NewSideEffecting(SDNode{
			Opcode: BR,
			Ops:    []SDValue{label},
		})
		bd.Root = bd.joinChain(br)

	case ir.BrCond:
		cond := bd.operand(x.Cond)
		lt := bd.D.Intern(SDNode{Opcode: LABEL, Results: []ir.DataType{ir.TypeToken}, Payload: Payload{HasFrameIndex: true, FrameIndex: x.IfTrue}})
		lf := bd.D.Intern(SDNode{Opcode: LABEL, Results: []ir.DataType{ir.TypeToken}, Payload: Payload{HasFrameIndex: true, FrameIndex: x.IfFalse}})
		br := bd.D.NewSideEffecting(SDNode{
			Opcode: BRCOND,
			Ops:    []SDValue{cond, lt, lf},
		})
		bd.Root = bd.joinChain(br)

	case ir.Call:
		sym := bd.D.Intern(SDNode{Opcode: SYMBOL, Results: []ir.DataType{ir.TypePtr}, Payload: Payload{Symbol: x.Callee}})
		args := intrinsicArgs(x.Callee, x.Args)
		ops := []SDValue{bd.chain, sym}
		for _, a := range args {
			ops = append(ops, bd.operand(a))
		}
		results := []ir.DataType{ir.TypeToken}
		if x.HasRet {
			results = []ir.DataType{x.Type, ir.TypeToken}
		}
		idx := bd.D.NewSideEffecting(SDNode{
			Opcode:  CALL,
			Results: results,
			Ops:     ops,
			Payload: Payload{CallArgc: len(args)},
		})
		if x.HasRet {
			bd.values[x.Dest] = SDValue{Node: idx, Result: 0}
			bd.chain = SDValue{Node: idx, Result: 1}
		} else {
			bd.chain = SDValue{Node: idx, Result: 0}
		}

	case ir.Ret:
		ops := []SDValue{bd.chain}
		if x.HasVal {
			ops = append(ops, bd.operand(x.Val))
		}
		bd.Root = bd.D.NewSideEffecting(SDNode{Opcode: RET, Ops: ops})

	case ir.Zext:
		src := bd.operand(x.Src)
		bd.values[x.Dest] = bd.D.Intern(SDNode{Opcode: ZEXT, Results: []ir.DataType{x.To}, Ops: []SDValue{src}})

	case ir.Sitofp:
		src := bd.operand(x.Src)
		bd.values[x.Dest] = bd.D.Intern(SDNode{Opcode: SITOFP, Results: []ir.DataType{x.To}, Ops: []SDValue{src}})

	case ir.Fptosi:
		src := bd.operand(x.Src)
		bd.values[x.Dest] = bd.D.Intern(SDNode{Opcode: FPTOSI, Results: []ir.DataType{x.To}, Ops: []SDValue{src}})

	default:
		return errors.Wrap(cerr.ErrInvalidIR, "unsupported ir opcode %T", inst)
	}

	return nil
}

// intrinsicArgs drops the trailing is_volatile/alignment argument(s) that
// llvm.memset.*/llvm.memcpy.*/llvm.memmove.* carry but the redirected
// memset/memcpy/memmove libc calls don't take, per the "Intrinsic
// redirection" rule: those three real functions all take exactly
// (dst, val_or_src, len), so anything past the third argument is dropped
// here at DAG-build time, before it can be lowered into an ABI register or
// counted into the call's stack-argument bytes.
func intrinsicArgs(callee string, args []ir.Operand) []ir.Operand {
	switch {
	case strings.HasPrefix(callee, "llvm.memset."),
		strings.HasPrefix(callee, "llvm.memcpy."),
		strings.HasPrefix(callee, "llvm.memmove."):
		if len(args) > 3 {
			return args[:3]
		}
	}
	return args
}

// joinChain wraps a freshly built BR/BRCOND node in a TOKEN_FACTOR joining
// it with the block's current chain, so a store or void call the branch
// doesn't itself reference (BR/BRCOND carry no chain operand) still hangs
// off Root and survives scheduling.
func (bd *Builder) joinChain(br int) int {
	return bd.D.NewSideEffecting(SDNode{
		Opcode:  TOKEN_FACTOR,
		Results: []ir.DataType{ir.TypeToken},
		Ops:     []SDValue{bd.chain, {Node: br, Result: 0}},
	})
}

// operand resolves an ir.Operand to an SDValue, materializing constants and
// symbols as their own (interned) nodes and looking up register references
// in the value map. A VirtReg not defined in this block (a function
// argument or a value threaded in from a predecessor without a local phi)
// is represented by a REG node carrying the owning IR register id; ISel
// resolves it against the cross-block vreg map during pre-allocation.
func (bd *Builder) operand(op ir.Operand) SDValue {
	switch x := op.(type) {
	case ir.VirtReg:
		if v, ok := bd.values[x.ID]; ok {
			return v
		}
		v := bd.D.Intern(SDNode{
			Opcode:  REG,
			Results: []ir.DataType{x.Type},
			Payload: Payload{HasOwningReg: true, OwningReg: x.ID},
		})
		bd.values[x.ID] = v
		return v
	case ir.ImmI32:
		return bd.D.Intern(SDNode{Opcode: CONST_I32, Results: []ir.DataType{ir.TypeI32}, Payload: Payload{HasImm: true, ImmI64: int64(x.Val)}})
	case ir.ImmF32:
		return bd.D.Intern(SDNode{Opcode: CONST_F32, Results: []ir.DataType{ir.TypeF32}, Payload: Payload{HasImmF: true, ImmF32: x.Val}})
	case ir.GlobalSymbol:
		return bd.D.Intern(SDNode{Opcode: SYMBOL, Results: []ir.DataType{ir.TypePtr}, Payload: Payload{Symbol: x.Name}})
	case ir.BlockLabel:
		return bd.D.Intern(SDNode{Opcode: LABEL, Results: []ir.DataType{ir.TypeToken}, Payload: Payload{HasFrameIndex: true, FrameIndex: x.Block}})
	default:
		panic("unreachable operand kind")
	}
}

// lowerGep computes base + sum(index_i * stride_i), stride_i being the
// element byte size scaled by the product of the trailing declared
// dimensions, per the GEP row of the DAG-lowering table.
func (bd *Builder) lowerGep(x ir.Gep) (SDValue, error) {
	if len(x.Indices) != len(x.Dims) {
		return SDValue{}, errors.Wrap(cerr.ErrInvalidIR, "gep: %d indices for %d dims", len(x.Indices), len(x.Dims))
	}

	base := bd.operand(x.Base)
	elemSize := x.ElemType.ByteSize()

	var acc SDValue
	hasAcc := false

	for i, idxOp := range x.Indices {
		stride := elemSize
		for _, d := range x.Dims[i+1:] {
			stride *= d
		}

		idx := bd.operand(idxOp)
		if bd.D.Result(idx).Kind != ir.I64 {
			idx = bd.D.Intern(SDNode{Opcode: ZEXT, Results: []ir.DataType{ir.TypeI64}, Ops: []SDValue{idx}})
		}

		var term SDValue
		if stride == 1 {
			term = idx
		} else if isPowerOfTwo(stride) {
			shift := bd.D.Intern(SDNode{Opcode: CONST_I64, Results: []ir.DataType{ir.TypeI64}, Payload: Payload{HasImm: true, ImmI64: int64(log2(stride))}})
			term = bd.D.Intern(SDNode{Opcode: SHL, Results: []ir.DataType{ir.TypeI64}, Ops: []SDValue{idx, shift}})
		} else {
			c := bd.D.Intern(SDNode{Opcode: CONST_I64, Results: []ir.DataType{ir.TypeI64}, Payload: Payload{HasImm: true, ImmI64: int64(stride)}})
			term = bd.D.Intern(SDNode{Opcode: MUL, Results: []ir.DataType{ir.TypeI64}, Ops: []SDValue{idx, c}})
		}

		if !hasAcc {
			acc = term
			hasAcc = true
		} else {
			acc = bd.D.Intern(SDNode{Opcode: ADD, Results: []ir.DataType{ir.TypeI64}, Ops: []SDValue{acc, term}})
		}
	}

	if !hasAcc {
		return base, nil
	}

	return bd.D.Intern(SDNode{Opcode: ADD, Results: []ir.DataType{ir.TypePtr}, Ops: []SDValue{base, acc}}), nil
}

func arithOpcode(op ir.ArithOp) (Opcode, error) {
	switch op {
	case ir.OpAdd:
		return ADD, nil
	case ir.OpSub:
		return SUB, nil
	case ir.OpMul:
		return MUL, nil
	case ir.OpDiv:
		return DIV, nil
	case ir.OpMod:
		return MOD, nil
	case ir.OpAnd:
		return AND, nil
	case ir.OpOr:
		return OR, nil
	case ir.OpXor:
		return XOR, nil
	case ir.OpShl:
		return SHL, nil
	case ir.OpAShr:
		return ASHR, nil
	case ir.OpLShr:
		return LSHR, nil
	case ir.OpFAdd:
		return FADD, nil
	case ir.OpFSub:
		return FSUB, nil
	case ir.OpFMul:
		return FMUL, nil
	case ir.OpFDiv:
		return FDIV, nil
	default:
		return 0, errors.Wrap(cerr.ErrInvalidIR, "unknown arith op %v", op)
	}
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

func log2(n int) int {
	r := 0
	for n > 1 {
		n >>= 1
		r++
	}
	return r
}
