package regalloc

import (
	"sort"

	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/target"
	"nikand.dev/go/heap"
)

// activeHeap keeps the currently-allocated intervals ordered by end
// position, so expire (§4.5.4 step 1) only has to pop from the front
// instead of rescanning a slice on every new interval.
type activeHeap struct {
	heap.Heap[*Interval]
}

func newActiveHeap() *activeHeap {
	return &activeHeap{heap.Heap[*Interval]{Less: func(d []*Interval, i, j int) bool { return d[i].End < d[j].End }}}
}

// allocateClass runs linear-scan RA over one register class's intervals,
// in place, per §4.5.4: expire, choose an order, allocate a free register
// or spill the interval with the latest end position.
func allocateClass(intervals []*Interval, adapter target.InstrAdapter, allocOrder, callCrossOrder []mir.Register, frame *mir.FrameInfo) {
	sort.SliceStable(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })

	active := newActiveHeap()
	occupied := map[int]*Interval{} // physreg id -> interval currently holding it

	for _, cur := range intervals {
		expire(active, occupied, cur.Start)

		order := allocOrder
		if cur.CrossesCall {
			order = callCrossOrder
		}

		if r, ok := firstFree(order, occupied); ok {
			cur.PhysReg = r
			cur.HasPhys = true
			occupied[r.ID] = cur
			active.Push(cur)
			continue
		}

		victim := pickVictim(cur, active, occupied, adapter)
		if victim == cur {
			cur.Spilled = true
			cur.SpillFI = frame.AddSpillSlot(8, 8)
			continue
		}

		cur.PhysReg = victim.PhysReg
		cur.HasPhys = true
		victim.HasPhys = false
		victim.Spilled = true
		victim.SpillFI = frame.AddSpillSlot(8, 8)

		occupied[cur.PhysReg.ID] = cur
		active.Push(cur)
	}
}

func firstFree(order []mir.Register, occupied map[int]*Interval) (mir.Register, bool) {
	for _, r := range order {
		if occupied[r.ID] == nil {
			return r, true
		}
	}
	return mir.Register{}, false
}

// expire drops every active interval whose end has already passed start,
// clearing its physreg from occupied unless that slot was since reassigned
// to a different interval by pickVictim (a stale heap entry left behind by
// the lazy-removal scheme below).
func expire(active *activeHeap, occupied map[int]*Interval, start int) {
	for active.Len() > 0 {
		if active.Data[0].End > start {
			return
		}
		iv := active.Pop()
		if occupied[iv.PhysReg.ID] == iv {
			delete(occupied, iv.PhysReg.ID)
		}
	}
}

// pickVictim chooses the spill victim per §4.5.4 step 4: the interval in
// {cur} ∪ active with the latest end position, restricted to callee-saved
// holders when cur crosses a call (stealing a caller-saved register from a
// call-crossing interval would leave it unprotected across the call). The
// active heap may carry stale entries reassigned by an earlier spill;
// those are filtered by checking they still own their physreg in occupied.
func pickVictim(cur *Interval, active *activeHeap, occupied map[int]*Interval, adapter target.InstrAdapter) *Interval {
	var pool []*Interval
	for _, iv := range active.Data {
		if occupied[iv.PhysReg.ID] == iv {
			pool = append(pool, iv)
		}
	}

	candidates := pool
	if cur.CrossesCall {
		var calleeSaved []*Interval
		for _, iv := range pool {
			if adapter.IsCalleeSaved(iv.PhysReg) {
				calleeSaved = append(calleeSaved, iv)
			}
		}
		if len(calleeSaved) == 0 {
			return cur
		}
		candidates = calleeSaved
	}

	victim := cur
	for _, iv := range candidates {
		if iv.End > victim.End {
			victim = iv
		}
	}
	return victim
}
