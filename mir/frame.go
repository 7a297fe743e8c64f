package mir

import "tlog.app/go/errors"

// FrameObject is one entry in the local-objects or spill-slots area,
// keyed by a frame index: for locals, the IR alloca's register id; for
// spills, a synthetic id RA obtains from AddSpillSlot and then associates
// with the spilled virtual register itself.
type FrameObject struct {
	FI    int
	Size  int
	Align int

	hasOffset bool
	offset    int
}

// IncomingArg records where one of the function's stack-passed incoming
// arguments lives in the caller's frame, keyed by a negative frame index.
type IncomingArg struct {
	Index  int // negative
	Offset int // offset within the caller's outgoing-argument area
}

// FrameInfo holds the three disjoint stack regions (outgoing-argument
// area, local objects, spill slots), laid out bottom-up from sp, plus the
// incoming-stack-argument table. CalculateOffsets assigns every entry a
// non-negative sp-relative offset; GetObjectOffset is undefined for
// negative (incoming) indices.
type FrameInfo struct {
	OutgoingArgBytes int

	locals []FrameObject
	spills []FrameObject

	incoming []IncomingArg

	nextSpillFI int

	frameSize int // set by Stack Lowering once callee-saved area is known
	finalized bool
}

// AddLocal registers one alloca's stack slot, keyed by its IR register id.
// Size/Align come from the alloca's element type and array length.
func (fi *FrameInfo) AddLocal(regID, size, align int) FrameIndexOperand {
	fi.locals = append(fi.locals, FrameObject{FI: regID, Size: size, Align: align})
	if regID >= fi.nextSpillFI {
		fi.nextSpillFI = regID + 1
	}
	return FrameIndexOperand{Index: regID}
}

// AddSpillSlot is called on demand by the register allocator, once per
// spilled virtual register, and returns a fresh frame index the RA then
// remembers as that vreg's slot for the remainder of allocation.
func (fi *FrameInfo) AddSpillSlot(size, align int) FrameIndexOperand {
	id := fi.nextSpillFI
	fi.nextSpillFI++
	fi.spills = append(fi.spills, FrameObject{FI: id, Size: size, Align: align})
	return FrameIndexOperand{Index: id}
}

// AddIncomingArg records a stack-passed incoming argument at negative
// index idx, at byte offset off within the caller's outgoing-argument
// area.
func (fi *FrameInfo) AddIncomingArg(idx, off int) {
	fi.incoming = append(fi.incoming, IncomingArg{Index: idx, Offset: off})
}

// CalculateOffsets assigns every local object and spill slot a
// non-negative sp-relative offset, laid out bottom-up: outgoing-argument
// area first (offset 0), then locals, then spills, each aligned to its own
// requested alignment.
func (fi *FrameInfo) CalculateOffsets() {
	off := fi.OutgoingArgBytes

	for i := range fi.locals {
		o := &fi.locals[i]
		off = alignUp(off, o.Align)
		o.offset = off
		o.hasOffset = true
		off += o.Size
	}

	for i := range fi.spills {
		o := &fi.spills[i]
		off = alignUp(off, o.Align)
		o.offset = off
		o.hasOffset = true
		off += o.Size
	}

	fi.finalized = true
}

// LocalAreaSize returns the byte extent of outgoing-args + locals + spills
// before callee-saved space and 16-byte rounding, i.e. the high-water mark
// CalculateOffsets left behind.
func (fi *FrameInfo) LocalAreaSize() int {
	max := fi.OutgoingArgBytes
	for _, o := range fi.locals {
		if e := o.offset + o.Size; e > max {
			max = e
		}
	}
	for _, o := range fi.spills {
		if e := o.offset + o.Size; e > max {
			max = e
		}
	}
	return max
}

// GetObjectOffset returns the sp-relative offset of the object named by a
// non-negative frame index (a local alloca key or a spill-slot id). It is
// undefined for negative (incoming-argument) indices -- use
// GetIncomingArgOffset instead.
func (fi *FrameInfo) GetObjectOffset(index int) (int, error) {
	if !fi.finalized {
		return 0, errors.New("frame: offsets requested before CalculateOffsets")
	}
	if index < 0 {
		return 0, errors.New("frame: GetObjectOffset called with incoming-argument index %d, use GetIncomingArgOffset", index)
	}
	for _, o := range fi.locals {
		if o.FI == index {
			return o.offset, nil
		}
	}
	for _, o := range fi.spills {
		if o.FI == index {
			return o.offset, nil
		}
	}
	return 0, errors.New("frame: unknown frame index %d", index)
}

// GetIncomingArgOffset returns the offset of a stack-passed incoming
// argument, keyed by its negative frame index.
func (fi *FrameInfo) GetIncomingArgOffset(index int) (int, error) {
	for _, a := range fi.incoming {
		if a.Index == index {
			return a.Offset, nil
		}
	}
	return 0, errors.New("frame: unknown incoming arg %d", index)
}

// SetFrameSize records the final, 16-byte-aligned total frame size,
// computed by Stack Lowering once the callee-saved set is known.
func (fi *FrameInfo) SetFrameSize(n int) { fi.frameSize = n }
func (fi *FrameInfo) FrameSize() int     { return fi.frameSize }

// SpillCount returns the number of spill slots the register allocator has
// created so far, for diagnostic reporting.
func (fi *FrameInfo) SpillCount() int { return len(fi.spills) }

func alignUp(off, align int) int {
	if align <= 1 {
		return off
	}
	return (off + align - 1) &^ (align - 1)
}
