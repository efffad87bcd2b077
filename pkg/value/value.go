// Package value defines the literal constants that can appear in a
// routine's constant pool.
//
// Values are immutable. Two values are interchangeable in a constant pool
// only when Same reports true: the comparison is strict about kind, so the
// integer 1, the float 1.0 and the boolean True occupy distinct slots even
// though the host runtime considers them equal.
package value

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Kind identifies the variant of a Value.
type Kind uint8

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindFloat
	KindComplex
	KindStr
	KindBytes
	KindTuple
	KindFrozenSet
	KindEllipsis
	KindBigInt
)

var kindNames = [...]string{
	KindNone:      "none",
	KindBool:      "bool",
	KindInt:       "int",
	KindFloat:     "float",
	KindComplex:   "complex",
	KindStr:       "str",
	KindBytes:     "bytes",
	KindTuple:     "tuple",
	KindFrozenSet: "frozenset",
	KindEllipsis:  "ellipsis",
	KindBigInt:    "bigint",
}

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Value is a literal constant.
type Value interface {
	Kind() Kind
	String() string
}

type (
	None      struct{}
	Bool      bool
	Int       int64
	Float     float64
	Complex   complex128
	Str       string
	Bytes     []byte
	Tuple     []Value
	FrozenSet []Value
	Ellipsis  struct{}
)

// BigInt is an integer outside the int64 range. Build integers of unknown
// size with Integer so that small ones stay Int.
type BigInt struct{ v *big.Int }

// Integer returns x as an Int when it fits, a BigInt otherwise.
func Integer(x *big.Int) Value {
	if x.IsInt64() {
		return Int(x.Int64())
	}
	return BigInt{new(big.Int).Set(x)}
}

// Big returns a copy of the integer.
func (b BigInt) Big() *big.Int { return new(big.Int).Set(b.v) }

func (None) Kind() Kind      { return KindNone }
func (Bool) Kind() Kind      { return KindBool }
func (Int) Kind() Kind       { return KindInt }
func (Float) Kind() Kind     { return KindFloat }
func (Complex) Kind() Kind   { return KindComplex }
func (Str) Kind() Kind       { return KindStr }
func (Bytes) Kind() Kind     { return KindBytes }
func (Tuple) Kind() Kind     { return KindTuple }
func (FrozenSet) Kind() Kind { return KindFrozenSet }
func (Ellipsis) Kind() Kind  { return KindEllipsis }
func (BigInt) Kind() Kind    { return KindBigInt }

func (None) String() string { return "None" }

func (b Bool) String() string {
	if b {
		return "True"
	}
	return "False"
}

func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }

func (f Float) String() string {
	s := strconv.FormatFloat(float64(f), 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnI") {
		s += ".0"
	}
	return s
}

func (c Complex) String() string {
	return fmt.Sprintf("(%s%+gj)", Float(real(c)), imag(c))
}

func (s Str) String() string { return strconv.Quote(string(s)) }

func (b Bytes) String() string { return "b" + strconv.Quote(string(b)) }

func (t Tuple) String() string {
	if len(t) == 1 {
		return "(" + t[0].String() + ",)"
	}
	return "(" + joinValues(t) + ")"
}

func (s FrozenSet) String() string { return "frozenset({" + joinValues(s) + "})" }

func (Ellipsis) String() string { return "Ellipsis" }

func (b BigInt) String() string { return b.v.String() }

func joinValues(vs []Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}

// Same reports whether a and b may share one constant pool slot.
//
// Floats compare by bit pattern so that 0.0 and -0.0 stay distinct and a
// NaN is the same as itself. Containers compare element-wise and in order.
func Same(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case None, Ellipsis:
		return true
	case Bool:
		return x == b.(Bool)
	case Int:
		return x == b.(Int)
	case BigInt:
		return x.v.Cmp(b.(BigInt).v) == 0
	case Float:
		return math.Float64bits(float64(x)) == math.Float64bits(float64(b.(Float)))
	case Complex:
		y := b.(Complex)
		return math.Float64bits(real(x)) == math.Float64bits(real(y)) &&
			math.Float64bits(imag(x)) == math.Float64bits(imag(y))
	case Str:
		return x == b.(Str)
	case Bytes:
		return string(x) == string(b.(Bytes))
	case Tuple:
		return sameSlice(x, b.(Tuple))
	case FrozenSet:
		return sameSlice(x, b.(FrozenSet))
	}
	return false
}

func sameSlice(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Same(a[i], b[i]) {
			return false
		}
	}
	return true
}
