package mir

// MBlock owns an ordered sequence of MInstructions. It is represented as a
// plain slice with index-based mutation helpers rather than a live
// iterator, per the design note on iterator/position invalidation: callers
// that insert while walking must re-fetch indices, which these helpers
// make natural (they return the index of the just-inserted instruction).
type MBlock struct {
	ID    int
	Insts []MInstruction
}

func NewMBlock(id int) *MBlock { return &MBlock{ID: id} }

func (b *MBlock) Append(inst MInstruction) int {
	b.Insts = append(b.Insts, inst)
	return len(b.Insts) - 1
}

// InsertBefore inserts inst at position pos, shifting everything at and
// after pos one slot right, and returns pos (the inserted instruction's
// new index).
func (b *MBlock) InsertBefore(pos int, inst MInstruction) int {
	b.Insts = append(b.Insts, nil)
	copy(b.Insts[pos+1:], b.Insts[pos:])
	b.Insts[pos] = inst
	return pos
}

// InsertAfter inserts inst immediately after pos and returns its new index.
func (b *MBlock) InsertAfter(pos int, inst MInstruction) int {
	return b.InsertBefore(pos+1, inst)
}

// RemoveAt deletes the instruction at pos.
func (b *MBlock) RemoveAt(pos int) {
	b.Insts = append(b.Insts[:pos], b.Insts[pos+1:]...)
}

// Terminator returns the block's last instruction, or nil if empty.
func (b *MBlock) Terminator() MInstruction {
	if len(b.Insts) == 0 {
		return nil
	}
	return b.Insts[len(b.Insts)-1]
}
