package regalloc

import (
	"github.com/sysy-lang/sysybe/mir"
	"github.com/sysy-lang/sysybe/target"
)

// numbering assigns every instruction in fn a global position and records,
// per block, the [start, end) range those positions occupy, plus every
// position where a call executes.
type numbering struct {
	pos        map[key]int
	blockRange map[int][2]int
	callPos    map[int]bool
}

type key struct {
	block, index int
}

func number(fn *mir.MFunction, adapter target.InstrAdapter) *numbering {
	n := &numbering{
		pos:        map[key]int{},
		blockRange: map[int][2]int{},
		callPos:    map[int]bool{},
	}

	p := 0
	for _, b := range fn.Blocks() {
		start := p
		for i, inst := range b.Insts {
			n.pos[key{b.ID, i}] = p
			if adapter.IsCall(inst) {
				n.callPos[p] = true
			}
			p++
		}
		n.blockRange[b.ID] = [2]int{start, p}
	}

	return n
}

func (n *numbering) at(block, index int) int { return n.pos[key{block, index}] }

// useDef collects, for one block, the registers used before any local
// def (USE[b]) and every register defined anywhere in the block (DEF[b]),
// per the liveness recurrence in §4.5.2.
func useDef(b *mir.MBlock, adapter target.InstrAdapter) (use, def map[int]mir.Register) {
	use = map[int]mir.Register{}
	def = map[int]mir.Register{}

	for _, inst := range b.Insts {
		for _, r := range adapter.EnumUses(inst) {
			if !r.IsVirtual {
				continue
			}
			if _, seen := def[r.ID]; !seen {
				use[r.ID] = r
			}
		}
		for _, r := range adapter.EnumDefs(inst) {
			if r.IsVirtual {
				def[r.ID] = r
			}
		}
	}

	return use, def
}
