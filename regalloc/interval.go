package regalloc

import (
	"sort"

	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/target"
)

// segment is one contiguous live range [start, end) in the global position
// numbering.
type segment struct{ start, end int }

// Interval is a virtual register's complete live range: possibly several
// segments (later merged into a covering [start, end)), plus whether any
// segment overlaps a call position.
type Interval struct {
	Reg         mir.Register
	Start, End  int
	CrossesCall bool

	// PhysReg is set once allocate assigns a physical register; Spilled and
	// SpillFI are set instead when the interval was spilled.
	PhysReg mir.Register
	HasPhys bool
	Spilled bool
	SpillFI mir.FrameIndexOperand
}

// buildIntervals walks every block backwards from OUT[b] per §4.5.3: a
// currently-live vreg has an "open" segment anchored at the block's end
// position; a use reopens (extends) it downward, a def closes it at the
// current position, and any segment still open at block-start closes there.
func buildIntervals(fn *mir.MFunction, adapter target.InstrAdapter, n *numbering, l *liveness) []*Interval {
	segs := map[int][]segment{}
	open := map[int]int{} // reg id -> position the open segment's upper end sits at

	for _, b := range fn.Blocks() {
		br := n.blockRange[b.ID]
		blockEnd := br[1]

		open = map[int]int{}
		outSet := l.out[b.ID]
		outSet.Range(func(id int) bool {
			open[id] = blockEnd
			return true
		})

		for i := len(b.Insts) - 1; i >= 0; i-- {
			inst := b.Insts[i]
			p := n.at(b.ID, i)

			for _, r := range adapter.EnumDefs(inst) {
				if _, inClass := l.regs[r.ID]; !inClass || !r.IsVirtual {
					continue
				}
				if hi, ok := open[r.ID]; ok {
					segs[r.ID] = append(segs[r.ID], segment{start: p, end: hi})
					delete(open, r.ID)
				} else {
					// Defined but never used: a degenerate one-position
					// interval, still needs a physical register at the def.
					segs[r.ID] = append(segs[r.ID], segment{start: p, end: p + 1})
				}
			}
			for _, r := range adapter.EnumUses(inst) {
				if _, inClass := l.regs[r.ID]; !inClass || !r.IsVirtual {
					continue
				}
				if _, ok := open[r.ID]; !ok {
					open[r.ID] = p + 1
				}
			}
		}

		for id, hi := range open {
			segs[id] = append(segs[id], segment{start: br[0], end: hi})
		}
	}

	var ids []int
	for id := range segs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var out []*Interval
	for _, id := range ids {
		for _, seg := range mergeSegments(segs[id]) {
			iv := &Interval{Reg: l.regs[id], Start: seg.start, End: seg.end}
			iv.CrossesCall = segmentCrossesCall(seg, n)
			out = append(out, iv)
		}
	}

	return out
}

func mergeSegments(s []segment) []segment {
	sort.Slice(s, func(i, j int) bool { return s[i].start < s[j].start })

	out := s[:1]
	for _, seg := range s[1:] {
		last := &out[len(out)-1]
		if seg.start <= last.end {
			if seg.end > last.end {
				last.end = seg.end
			}
			continue
		}
		out = append(out, seg)
	}

	return out
}

func segmentCrossesCall(s segment, n *numbering) bool {
	for p := range n.callPos {
		if p >= s.start && p < s.end {
			return true
		}
	}
	return false
}
