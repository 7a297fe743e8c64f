package ir

// Block owns an ordered sequence of instructions belonging to one IR basic
// block. Preds/Succs are populated by AnalyzeCFG and are otherwise nil.
type Block struct {
	ID    int
	Insts []Instruction

	Preds []int
	Succs []int
}

// Terminator returns the block's final instruction, which must be Br,
// BrCond, or Ret in a well-formed function.
func (b *Block) Terminator() Instruction {
	if len(b.Insts) == 0 {
		return nil
	}
	return b.Insts[len(b.Insts)-1]
}

// Param names one function argument or result: its declared name and the
// virtual register carrying its value (for In) or producing it (for Out).
type Param struct {
	Name string
	Type DataType
	Reg  int
}

// Function owns an ordered map block_id -> Block, realized as a slice plus
// an explicit order (Go maps don't preserve insertion order).
type Function struct {
	Name    string
	In      []Param
	Out     Param // zero Type.Kind == I... signals void via HasResult
	HasResult bool

	Entry int

	order  []int
	blocks map[int]*Block
}

func NewFunction(name string) *Function {
	return &Function{
		Name:   name,
		blocks: map[int]*Block{},
	}
}

// AddBlock appends a new block to the function's order and returns it.
func (f *Function) AddBlock(id int) *Block {
	b := &Block{ID: id}
	f.blocks = ensureMap(f.blocks)
	f.blocks[id] = b
	f.order = append(f.order, id)
	return b
}

func ensureMap(m map[int]*Block) map[int]*Block {
	if m == nil {
		return map[int]*Block{}
	}
	return m
}

// Block looks up a block by id.
func (f *Function) Block(id int) *Block { return f.blocks[id] }

// Blocks iterates blocks in their original order.
func (f *Function) Blocks() []*Block {
	out := make([]*Block, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.blocks[id])
	}
	return out
}

func (f *Function) BlockOrder() []int { return f.order }

// Module owns an ordered sequence of global variables and functions.
type Module struct {
	Name    string
	Globals []Global
	Funcs   []*Function
}

type Global struct {
	Name     string
	Type     DataType
	ArrayLen int
	Init     []int64 // flattened initializer, nil for zero-init
}

// AnalyzeCFG populates Preds/Succs for every block from its terminator.
// This is the one piece of "front-end adjacent" bookkeeping the core does
// for itself rather than requiring it from the IR producer, since DAG
// building, phi elimination, and liveness all need it.
func (f *Function) AnalyzeCFG() {
	for _, b := range f.Blocks() {
		b.Succs = b.Succs[:0]
	}
	for _, b := range f.Blocks() {
		switch t := b.Terminator().(type) {
		case Br:
			b.Succs = append(b.Succs, t.Target)
		case BrCond:
			b.Succs = append(b.Succs, t.IfTrue, t.IfFalse)
		case Ret:
		}
	}
	preds := map[int][]int{}
	for _, b := range f.Blocks() {
		for _, s := range b.Succs {
			preds[s] = append(preds[s], b.ID)
		}
	}
	for _, b := range f.Blocks() {
		b.Preds = preds[b.ID]
	}
}
