// Package set provides a word-packed bitmap used for regalloc's per-block
// liveness sets: one bit per virtual register number,
// with the small-set case (<=64 registers) held inline without allocating.
package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

// Bitmap is a growable set of small non-negative integers backed by
// []uint64. The zero value is not usable; construct with NewBitmap or
// MakeBitmap.
type Bitmap struct {
	w  []uint64
	w0 [1]uint64 // inline storage for sets that fit in one word
}

func NewBitmap(n int) *Bitmap {
	b := MakeBitmap(n)
	return &b
}

func MakeBitmap(n int) Bitmap {
	b := Bitmap{}
	b.w = b.w0[:]

	words := (n + 63) / 64
	if words > len(b.w) {
		b.w = make([]uint64, words)
	}

	return b
}

func (b *Bitmap) Set(i int) {
	wi, bi := word(i)
	b.grow(wi)
	b.w[wi] |= 1 << bi
}

func (b *Bitmap) Clear(i int) {
	wi, bi := word(i)
	if wi >= len(b.w) {
		return
	}
	b.w[wi] &^= 1 << bi
}

func (b *Bitmap) IsSet(i int) bool {
	wi, bi := word(i)
	if wi >= len(b.w) {
		return false
	}
	return b.w[wi]&(1<<bi) != 0
}

// Or merges x into b in place (union), used to propagate a block's live-out
// set into a predecessor's live-in accumulator during the liveness
// fixpoint.
func (b *Bitmap) Or(x Bitmap) {
	b.grow(len(x.w) - 1)
	for i, w := range x.w {
		b.w[i] |= w
	}
}

func (b *Bitmap) OrCopy(x Bitmap) Bitmap {
	cp := b.Copy()
	cp.Or(x)
	return cp
}

// And intersects b with x in place.
func (b *Bitmap) And(x Bitmap) {
	for i, w := range x.w {
		if i == len(b.w) {
			break
		}
		b.w[i] &= w
	}
}

func (b *Bitmap) AndCopy(x Bitmap) Bitmap {
	cp := b.Copy()
	cp.And(x)
	return cp
}

// AndNot removes every bit set in x from b, used to subtract a def set from
// a live-out set when computing live-in (live_in = use | (live_out - def)).
func (b *Bitmap) AndNot(x Bitmap) {
	for i, w := range x.w {
		if i == len(b.w) {
			break
		}
		b.w[i] &^= w
	}
}

func (b *Bitmap) AndNotCopy(x Bitmap) Bitmap {
	cp := b.Copy()
	cp.AndNot(x)
	return cp
}

func (b *Bitmap) FillRange(lo, hi int) {
	for i := lo; i < hi; i++ {
		b.Set(i)
	}
}

func (b *Bitmap) Copy() Bitmap {
	cp := MakeBitmap(b.Len())
	cp.Or(*b)
	return cp
}

// Equal reports whether b and x contain the same members, used by the
// liveness fixpoint to detect when a block's IN/OUT set has stopped
// changing.
func (b *Bitmap) Equal(x Bitmap) bool {
	n := len(b.w)
	if len(x.w) > n {
		n = len(x.w)
	}
	for i := 0; i < n; i++ {
		var bw, xw uint64
		if i < len(b.w) {
			bw = b.w[i]
		}
		if i < len(x.w) {
			xw = x.w[i]
		}
		if bw != xw {
			return false
		}
	}
	return true
}

func (b *Bitmap) Count() (n int) {
	if b == nil {
		return 0
	}
	for _, w := range b.w {
		n += bits.OnesCount64(w)
	}
	return n
}

func (b *Bitmap) Reset() {
	for i := range b.w {
		b.w[i] = 0
	}
}

func (b *Bitmap) Range(f func(i int) bool) {
	for wi, w := range b.w {
		if w == 0 {
			continue
		}
		for bi := 0; bi < 64; bi++ {
			if w&(1<<bi) == 0 {
				continue
			}
			if !f(wi*64 + bi) {
				return
			}
		}
	}
}

func (b *Bitmap) First() int {
	for wi, w := range b.w {
		if w == 0 {
			continue
		}
		return wi*64 + bits.TrailingZeros64(w)
	}
	return -1
}

func (b *Bitmap) Last() int {
	for wi := len(b.w) - 1; wi >= 0; wi-- {
		if b.w[wi] == 0 {
			continue
		}
		return wi*64 + 64 - bits.LeadingZeros64(b.w[wi]) - 1
	}
	return -1
}

func (b *Bitmap) Len() int { return b.Last() + 1 }

// TlogAppend renders the set as its member list, so a diag log line can
// show a live-set snapshot without a bespoke formatter.
func (b Bitmap) TlogAppend(buf []byte) []byte {
	var e tlwire.LowEncoder

	if b.w == nil {
		return e.AppendNil(buf)
	}

	buf = e.AppendTag(buf, tlwire.Array, -1)
	b.Range(func(i int) bool {
		buf = e.AppendInt(buf, i)
		return true
	})
	buf = e.AppendBreak(buf)

	return buf
}

func word(pos int) (wi, bi int) { return pos / 64, pos % 64 }

func (b *Bitmap) grow(wi int) {
	for wi >= len(b.w) {
		b.w = append(b.w, 0)
	}
}
