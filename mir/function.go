package mir

// MFunction owns an ordered block_id -> MBlock map (as a slice plus an
// explicit order, mirroring the IR's ordered-map convention), a FrameInfo,
// and a running stack_size updated as the outgoing-argument area grows.
type MFunction struct {
	Name  string
	Entry int

	Frame FrameInfo

	order  []int
	blocks map[int]*MBlock
}

func NewMFunction(name string, entry int) *MFunction {
	return &MFunction{Name: name, Entry: entry, blocks: map[int]*MBlock{}}
}

func (f *MFunction) AddBlock(id int) *MBlock {
	b := NewMBlock(id)
	f.blocks[id] = b
	f.order = append(f.order, id)
	return b
}

// InsertBlockAfter creates a fresh block right after `after` in iteration
// order and links it into the block map. Used by Phi Elimination to
// materialize critical-edge blocks.
func (f *MFunction) InsertBlockAfter(after, id int) *MBlock {
	b := NewMBlock(id)
	f.blocks[id] = b
	for i, o := range f.order {
		if o == after {
			f.order = append(f.order[:i+1], append([]int{id}, f.order[i+1:]...)...)
			return b
		}
	}
	f.order = append(f.order, id)
	return b
}

func (f *MFunction) Block(id int) *MBlock { return f.blocks[id] }

func (f *MFunction) Blocks() []*MBlock {
	out := make([]*MBlock, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.blocks[id])
	}
	return out
}

func (f *MFunction) BlockOrder() []int { return f.order }

// NoteOutgoingArgBytes widens the outgoing-argument area to fit a call
// site needing n bytes of stack-passed arguments.
func (f *MFunction) NoteOutgoingArgBytes(n int) {
	if n > f.Frame.OutgoingArgBytes {
		f.Frame.OutgoingArgBytes = n
	}
}
