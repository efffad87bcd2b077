package asm

import (
	"slices"

	"github.com/chazu/recode/pkg/value"
)

// Equal reports whether two routines are the same up to label identity:
// their lists must match element by element, with labels corresponding
// one to one. Flags are not compared since the encoder recomputes them.
func Equal(x, y *Routine) bool {
	return newComparer().routines(x, y)
}

// ListEqual reports whether two lists are the same up to label identity.
func ListEqual(x, y *List) bool {
	return newComparer().lists(x, y)
}

type routinePair struct{ x, y *Routine }

type comparer struct {
	// pairs already assumed equal, so shared nested routines compare once
	assumed map[routinePair]bool
}

func newComparer() *comparer {
	return &comparer{assumed: make(map[routinePair]bool)}
}

func (c *comparer) routines(x, y *Routine) bool {
	if x == nil || y == nil {
		return x == y
	}
	if c.assumed[routinePair{x, y}] {
		return true
	}
	c.assumed[routinePair{x, y}] = true

	if !slices.Equal(x.Args, y.Args) ||
		!slices.Equal(x.FreeVars, y.FreeVars) ||
		!slices.Equal(x.CellVars, y.CellVars) ||
		x.VarArgs != y.VarArgs ||
		x.VarKwArgs != y.VarKwArgs ||
		x.KwOnlyArgCount != y.KwOnlyArgCount ||
		x.NewLocals != y.NewLocals ||
		x.Name != y.Name ||
		x.Filename != y.Filename ||
		x.FirstLineNo != y.FirstLineNo {
		return false
	}
	if (x.Docstring == nil) != (y.Docstring == nil) {
		return false
	}
	if x.Docstring != nil && *x.Docstring != *y.Docstring {
		return false
	}
	return c.lists(x.Code, y.Code)
}

func (c *comparer) lists(x, y *List) bool {
	if x == nil || y == nil {
		return (x == nil || x.Len() == 0) && (y == nil || y.Len() == 0)
	}
	if len(x.Instrs) != len(y.Instrs) {
		return false
	}
	fwd := make(map[Label]Label)
	back := make(map[Label]Label)
	match := func(a, b Label) bool {
		if m, ok := fwd[a]; ok && m != b {
			return false
		}
		if m, ok := back[b]; ok && m != a {
			return false
		}
		fwd[a], back[b] = b, a
		return true
	}

	for i := range x.Instrs {
		a, b := x.Instrs[i], y.Instrs[i]
		if a.Kind != b.Kind {
			return false
		}
		switch a.Kind {
		case KindLine:
			if a.Line != b.Line {
				return false
			}
		case KindLabel:
			if !match(a.Label, b.Label) {
				return false
			}
		case KindOp:
			if a.Op != b.Op {
				return false
			}
			if a.Arg.Kind.IsJump() || b.Arg.Kind.IsJump() {
				if !a.Arg.Kind.IsJump() || !b.Arg.Kind.IsJump() || !match(a.Arg.Label, b.Arg.Label) {
					return false
				}
				continue
			}
			if !c.operands(a.Arg, b.Arg) {
				return false
			}
		}
	}
	return true
}

func (c *comparer) operands(a, b Operand) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Const.Code != nil || b.Const.Code != nil {
		return c.routines(a.Const.Code, b.Const.Code)
	}
	if a.Const.Value != nil || b.Const.Value != nil {
		if !value.Same(a.Const.Value, b.Const.Value) {
			return false
		}
	}
	return a.Name == b.Name && a.Int == b.Int
}
