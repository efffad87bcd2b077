package asm

import (
	"fmt"

	"github.com/chazu/recode/pkg/opcode"
	"github.com/chazu/recode/pkg/value"
)

// Label marks a position in a List. Labels are small integers handed out
// by List.NewLabel; they carry no payload and mean nothing outside the
// list that created them.
type Label int

func (l Label) String() string { return fmt.Sprintf("L%d", int(l)) }

// Constant is a constant operand: a literal or a nested routine.
type Constant struct {
	Value value.Value
	Code  *Routine
}

// Literal wraps a literal value.
func Literal(v value.Value) Constant { return Constant{Value: v} }

// Nested wraps a nested routine.
func Nested(r *Routine) Constant { return Constant{Code: r} }

// IsCode reports whether the constant is a nested routine.
func (c Constant) IsCode() bool { return c.Code != nil }

func (c Constant) String() string {
	switch {
	case c.Code != nil:
		return fmt.Sprintf("<code %s>", c.Code.Name)
	case c.Value != nil:
		return c.Value.String()
	}
	return "<nil>"
}

// Operand is the symbolic immediate of an operation. Kind says which
// field is meaningful.
type Operand struct {
	Kind  opcode.ArgKind
	Const Constant // ArgConst
	Name  string   // ArgName, ArgLocal, ArgFree, ArgCompare
	Label Label    // ArgJumpRel, ArgJumpAbs
	Int   int      // ArgInt
}

// NoArg is the operand of operations without an immediate.
var NoArg = Operand{}

// Const is a constant operand.
func Const(c Constant) Operand { return Operand{Kind: opcode.ArgConst, Const: c} }

// Lit is a literal constant operand.
func Lit(v value.Value) Operand { return Const(Literal(v)) }

func Name(s string) Operand    { return Operand{Kind: opcode.ArgName, Name: s} }
func Local(s string) Operand   { return Operand{Kind: opcode.ArgLocal, Name: s} }
func Free(s string) Operand    { return Operand{Kind: opcode.ArgFree, Name: s} }
func Compare(s string) Operand { return Operand{Kind: opcode.ArgCompare, Name: s} }
func Int(n int) Operand        { return Operand{Kind: opcode.ArgInt, Int: n} }

// To is a jump operand targeting l.
func To(l Label) Operand { return Operand{Kind: opcode.ArgJumpAbs, Label: l} }

func jumpOperand(k opcode.ArgKind, l Label) Operand { return Operand{Kind: k, Label: l} }

// fits reports whether the operand can serve as the immediate of info.
// Jump operands fit relative and absolute jumps alike.
func (o Operand) fits(info *opcode.Info) bool {
	if o.Kind.IsJump() {
		return info.Arg.IsJump()
	}
	return o.Kind == info.Arg
}

func (o Operand) String() string {
	switch o.Kind {
	case opcode.ArgNone:
		return ""
	case opcode.ArgConst:
		return o.Const.String()
	case opcode.ArgName, opcode.ArgLocal, opcode.ArgFree, opcode.ArgCompare:
		return o.Name
	case opcode.ArgJumpRel, opcode.ArgJumpAbs:
		return o.Label.String()
	case opcode.ArgInt:
		return fmt.Sprintf("%d", o.Int)
	}
	return fmt.Sprintf("<%s>", o.Kind)
}

// Kind identifies the variant of an Instr.
type Kind uint8

const (
	KindOp    Kind = iota // an operation with its operand
	KindLine              // a source line marker
	KindLabel             // a label placement
)

// Instr is one element of a List.
type Instr struct {
	Kind  Kind
	Op    opcode.Op // KindOp
	Arg   Operand   // KindOp
	Line  int       // KindLine
	Label Label     // KindLabel
}

// Op builds an operation element.
func Op(op opcode.Op, arg Operand) Instr { return Instr{Kind: KindOp, Op: op, Arg: arg} }

// Line builds a line marker.
func Line(n int) Instr { return Instr{Kind: KindLine, Line: n} }

// Place builds a label placement.
func Place(l Label) Instr { return Instr{Kind: KindLabel, Label: l} }

// IsOp reports whether the element is an operation.
func (i Instr) IsOp() bool { return i.Kind == KindOp }

// List is an editable symbolic instruction sequence. Instrs may be edited
// directly; the helpers below cover the common cases.
type List struct {
	Instrs []Instr
	labels int
}

// NewList creates a list holding ins.
func NewList(ins ...Instr) *List {
	return &List{Instrs: ins}
}

// NewLabel allocates a fresh label.
func (l *List) NewLabel() Label {
	lbl := Label(l.labels)
	l.labels++
	return lbl
}

// Labels returns the number of labels allocated so far.
func (l *List) Labels() int { return l.labels }

// Len returns the number of elements.
func (l *List) Len() int { return len(l.Instrs) }

// Append adds elements at the end.
func (l *List) Append(ins ...Instr) {
	l.Instrs = append(l.Instrs, ins...)
}

// Insert adds elements before position i.
func (l *List) Insert(i int, ins ...Instr) {
	l.Instrs = append(l.Instrs[:i], append(append([]Instr(nil), ins...), l.Instrs[i:]...)...)
}

// Delete removes the element at position i.
func (l *List) Delete(i int) {
	l.Instrs = append(l.Instrs[:i], l.Instrs[i+1:]...)
}

// placements maps each placed label to the positions it is placed at.
func (l *List) placements() map[Label][]int {
	out := make(map[Label][]int)
	for pos, ins := range l.Instrs {
		if ins.Kind == KindLabel {
			out[ins.Label] = append(out[ins.Label], pos)
		}
	}
	return out
}
