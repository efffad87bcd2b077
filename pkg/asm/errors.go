package asm

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Every typed error below matches exactly one.
var (
	ErrStructural        = errors.New("structural error")
	ErrUnresolvedLabel   = errors.New("unresolved label")
	ErrInconsistentStack = errors.New("inconsistent stack")
	ErrImmediateOverflow = errors.New("immediate overflow")
	ErrOperand           = errors.New("bad operand")
)

// StructuralError reports raw code that cannot be decoded. Offset is -1
// when the problem is not tied to a code offset.
type StructuralError struct {
	Offset int
	Reason string
}

func (e *StructuralError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("malformed code: %s", e.Reason)
	}
	return fmt.Sprintf("malformed code at offset %d: %s", e.Offset, e.Reason)
}

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

// UnresolvedLabelError reports a label that is placed more than once, or
// that a jump references but no element places. Pos is the list position
// of the offending placement or reference.
type UnresolvedLabelError struct {
	Label      Label
	Placements int
	Pos        int
}

func (e *UnresolvedLabelError) Error() string {
	if e.Placements == 0 {
		return fmt.Sprintf("label %s referenced at %d is never placed", e.Label, e.Pos)
	}
	return fmt.Sprintf("label %s placed %d times (again at %d)", e.Label, e.Placements, e.Pos)
}

func (e *UnresolvedLabelError) Is(target error) bool { return target == ErrUnresolvedLabel }

// InconsistentStackError reports a list position reached with different
// stack states along different paths, or a path that pops more than it
// pushed.
type InconsistentStackError struct {
	Pos    int
	Instr  string
	Want   []int // block depths recorded first, nil on underflow
	Got    []int
	Reason string
}

func (e *InconsistentStackError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("inconsistent stack at %d (%s): %s", e.Pos, e.Instr, e.Reason)
	}
	return fmt.Sprintf("inconsistent stack at %d (%s): reached with %v, previously %v", e.Pos, e.Instr, e.Got, e.Want)
}

func (e *InconsistentStackError) Is(target error) bool { return target == ErrInconsistentStack }

// ImmediateOverflowError reports that prefix layout did not settle.
type ImmediateOverflowError struct {
	Passes int
}

func (e *ImmediateOverflowError) Error() string {
	return fmt.Sprintf("prefix layout did not converge after %d passes", e.Passes)
}

func (e *ImmediateOverflowError) Is(target error) bool { return target == ErrImmediateOverflow }

// OperandError reports a list element the encoder cannot emit.
type OperandError struct {
	Pos    int
	Instr  string
	Reason string
}

func (e *OperandError) Error() string {
	if e.Pos < 0 {
		return fmt.Sprintf("bad routine: %s", e.Reason)
	}
	return fmt.Sprintf("bad operand at %d (%s): %s", e.Pos, e.Instr, e.Reason)
}

func (e *OperandError) Is(target error) bool { return target == ErrOperand }
