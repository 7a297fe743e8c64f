package mir

import "github.com/sysy-lang/sysybe/ir"

// Register is (id, type, is_virtual). Physical register ids are
// target-dependent enumerations defined by each targets/* package.
type Register struct {
	ID        int
	Type      ir.DataType
	IsVirtual bool
}

func VReg(id int, t ir.DataType) Register { return Register{ID: id, Type: t, IsVirtual: true} }
func PReg(id int, t ir.DataType) Register { return Register{ID: id, Type: t, IsVirtual: false} }

func (r Register) IsFloat() bool { return r.Type.IsFloat() }

// VRegAlloc hands out fresh virtual register ids during ISel, one counter
// per function, disjoint from the IR's own register numbering.
type VRegAlloc struct {
	next int
}

func (a *VRegAlloc) New(t ir.DataType) Register {
	id := a.next
	a.next++
	return VReg(id, t)
}
