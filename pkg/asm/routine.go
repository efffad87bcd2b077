package asm

import "github.com/chazu/recode/pkg/code"

// Routine is the editable form of a compiled routine: a symbolic
// instruction list plus the metadata that cannot be recomputed from it.
//
// Args lists every parameter slot in order: positional parameters, then
// keyword-only parameters, then the *args and **kwargs slots when VarArgs
// and VarKwArgs are set.
type Routine struct {
	Code           *List
	Args           []string
	VarArgs        bool
	VarKwArgs      bool
	KwOnlyArgCount int

	// FreeVars is copied verbatim; callers create closures by position.
	FreeVars []string
	// CellVars keeps the order of cell variables known up front. Cell
	// names the code introduces are appended after them.
	CellVars []string

	NewLocals bool
	// Flags carries the bits the encoder does not recompute.
	Flags code.Flags

	Name        string
	Filename    string
	FirstLineNo int
	Docstring   *string
}

// NewRoutine creates an empty routine named name.
func NewRoutine(name string) *Routine {
	return &Routine{Code: NewList(), Name: name, NewLocals: true, FirstLineNo: 1}
}

// ArgCount returns the number of positional parameters.
func (r *Routine) ArgCount() int {
	n := len(r.Args) - r.KwOnlyArgCount
	if r.VarArgs {
		n--
	}
	if r.VarKwArgs {
		n--
	}
	return n
}
