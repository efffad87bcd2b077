// Package code defines the raw, executable form of a compiled routine and
// the containers it is stored in.
//
// An Object is what the target VM runs: a linear instruction stream whose
// operands are indices into side tables. The pkg/asm package converts it to
// and from an editable symbolic form.
package code

import (
	"fmt"

	"github.com/chazu/recode/pkg/value"
)

// Const is one constant pool entry: either a literal value or a nested
// routine (a function, class body or comprehension defined inside this one).
type Const struct {
	Value value.Value
	Code  *Object
}

// Lit wraps a literal as a constant pool entry.
func Lit(v value.Value) Const { return Const{Value: v} }

// Nested wraps a nested routine as a constant pool entry.
func Nested(o *Object) Const { return Const{Code: o} }

// IsCode reports whether the entry holds a nested routine.
func (c Const) IsCode() bool { return c.Code != nil }

func (c Const) String() string {
	switch {
	case c.Code != nil:
		return fmt.Sprintf("<code %s>", c.Code.Name)
	case c.Value != nil:
		return c.Value.String()
	}
	return "<nil>"
}

// Block is one entry of the handler table: a dynamic block opened by a
// setup instruction and closed by a block pop.
type Block struct {
	Kind    string `cbor:"kind"`    // name of the opening operation
	Start   int    `cbor:"start"`   // offset of the opening instruction
	End     int    `cbor:"end"`     // offset just past the closing instruction
	Handler int    `cbor:"handler"` // offset control unwinds to
	Level   int    `cbor:"level"`   // value stack depth when the block opened
}

// Object is a compiled routine.
type Object struct {
	ArgCount       int      `cbor:"argcount"`
	KwOnlyArgCount int      `cbor:"kwonlyargcount"`
	NLocals        int      `cbor:"nlocals"`
	StackSize      int      `cbor:"stacksize"`
	Flags          Flags    `cbor:"flags"`
	Code           []byte   `cbor:"code"`
	Consts         []Const  `cbor:"consts"`
	Names          []string `cbor:"names"`
	VarNames       []string `cbor:"varnames"`
	FreeVars       []string `cbor:"freevars"`
	CellVars       []string `cbor:"cellvars"`
	Filename       string   `cbor:"filename"`
	Name           string   `cbor:"name"`
	FirstLineNo    int      `cbor:"firstlineno"`
	LineTable      []byte   `cbor:"lnotab"`
	Blocks         []Block  `cbor:"blocks,omitempty"`
}

// Closure returns the cell variables followed by the free variables: the
// table free-kind operands index into.
func (o *Object) Closure() []string {
	out := make([]string, 0, len(o.CellVars)+len(o.FreeVars))
	out = append(out, o.CellVars...)
	return append(out, o.FreeVars...)
}

// Walk calls fn for o and, depth first, every routine nested in its
// constant pool.
func (o *Object) Walk(fn func(*Object)) {
	fn(o)
	for _, c := range o.Consts {
		if c.Code != nil {
			c.Code.Walk(fn)
		}
	}
}

func (o *Object) String() string {
	return fmt.Sprintf("<code %s, file %q, line %d>", o.Name, o.Filename, o.FirstLineNo)
}
