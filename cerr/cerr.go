// Package cerr defines the fatal error kinds produced by the backend
// passes. Every pass wraps one of these sentinels with errors.Wrap so a
// diagnostic channel can recover both the kind and the offending IR/MIR
// location with errors.Is.
package cerr

import (
	"tlog.app/go/errors"
)

var (
	// ErrInvalidIR: missing operand, undefined use, unsupported opcode in lowering.
	ErrInvalidIR = errors.New("invalid ir")

	// ErrUnsupportedConstruct: a construct the target cannot lower (e.g. MOD
	// on an ISA without a direct instruction and no synthesis path).
	ErrUnsupportedConstruct = errors.New("unsupported construct")

	// ErrResourceExhaustion: the register allocator found no scratch
	// register for a reload/spill at an instruction.
	ErrResourceExhaustion = errors.New("resource exhaustion")

	// ErrInternalInvariant: a pass postcondition was violated, e.g. a
	// non-terminator at block end after selection.
	ErrInternalInvariant = errors.New("internal invariant broken")
)

// Block wraps err with the id of the offending block, matching the "when
// available" clause in the fatal-error contract.
func Block(err error, block int) error {
	return errors.Wrap(err, "block %d", block)
}

// Inst wraps err with the offending IR/MIR instruction index within its block.
func Inst(err error, block, inst int) error {
	return errors.Wrap(err, "block %d inst %d", block, inst)
}
