package code

import (
	"fmt"
	"math"
	"math/big"

	"github.com/chazu/recode/pkg/value"
	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so that equal objects encode to equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("code: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes an Object to CBOR bytes.
func Marshal(o *Object) ([]byte, error) {
	return cborEncMode.Marshal(o)
}

// Unmarshal deserializes an Object from CBOR bytes.
func Unmarshal(data []byte) (*Object, error) {
	var o Object
	if err := cbor.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("code: unmarshal object: %w", err)
	}
	return &o, nil
}

// wireConst is the encoded form of a Const. Exactly one field is set.
type wireConst struct {
	Value *wireValue `cbor:"v,omitempty"`
	Code  *Object    `cbor:"c,omitempty"`
}

// wireValue is the encoded form of a value.Value. Floats travel as their
// bit patterns so negative zero and NaN payloads survive.
type wireValue struct {
	Kind  value.Kind  `cbor:"k"`
	Int   int64       `cbor:"i,omitempty"`
	Bits  uint64      `cbor:"f,omitempty"`
	Imag  uint64      `cbor:"j,omitempty"`
	Str   string      `cbor:"s,omitempty"`
	Bytes []byte      `cbor:"b,omitempty"`
	Items []wireValue `cbor:"e,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (c Const) MarshalCBOR() ([]byte, error) {
	var w wireConst
	switch {
	case c.Code != nil:
		w.Code = c.Code
	case c.Value != nil:
		v, err := toWire(c.Value)
		if err != nil {
			return nil, err
		}
		w.Value = &v
	default:
		return nil, fmt.Errorf("code: empty constant")
	}
	return cborEncMode.Marshal(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (c *Const) UnmarshalCBOR(data []byte) error {
	var w wireConst
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Code != nil:
		*c = Nested(w.Code)
	case w.Value != nil:
		v, err := fromWire(*w.Value)
		if err != nil {
			return err
		}
		*c = Lit(v)
	default:
		return fmt.Errorf("code: empty constant")
	}
	return nil
}

func toWire(v value.Value) (wireValue, error) {
	w := wireValue{Kind: v.Kind()}
	switch x := v.(type) {
	case value.None, value.Ellipsis:
	case value.Bool:
		if x {
			w.Int = 1
		}
	case value.Int:
		w.Int = int64(x)
	case value.BigInt:
		w.Str = x.String()
	case value.Float:
		w.Bits = math.Float64bits(float64(x))
	case value.Complex:
		w.Bits = math.Float64bits(real(x))
		w.Imag = math.Float64bits(imag(x))
	case value.Str:
		w.Str = string(x)
	case value.Bytes:
		w.Bytes = []byte(x)
	case value.Tuple:
		return w, itemsToWire(&w, x)
	case value.FrozenSet:
		return w, itemsToWire(&w, x)
	default:
		return w, fmt.Errorf("code: cannot encode constant of type %T", v)
	}
	return w, nil
}

func itemsToWire(w *wireValue, items []value.Value) error {
	w.Items = make([]wireValue, len(items))
	for i, item := range items {
		iw, err := toWire(item)
		if err != nil {
			return err
		}
		w.Items[i] = iw
	}
	return nil
}

func fromWire(w wireValue) (value.Value, error) {
	switch w.Kind {
	case value.KindNone:
		return value.None{}, nil
	case value.KindEllipsis:
		return value.Ellipsis{}, nil
	case value.KindBool:
		return value.Bool(w.Int != 0), nil
	case value.KindInt:
		return value.Int(w.Int), nil
	case value.KindBigInt:
		n, ok := new(big.Int).SetString(w.Str, 10)
		if !ok {
			return nil, fmt.Errorf("code: bad integer %q", w.Str)
		}
		return value.Integer(n), nil
	case value.KindFloat:
		return value.Float(math.Float64frombits(w.Bits)), nil
	case value.KindComplex:
		return value.Complex(complex(math.Float64frombits(w.Bits), math.Float64frombits(w.Imag))), nil
	case value.KindStr:
		return value.Str(w.Str), nil
	case value.KindBytes:
		return value.Bytes(append([]byte{}, w.Bytes...)), nil
	case value.KindTuple, value.KindFrozenSet:
		items := make([]value.Value, len(w.Items))
		for i, iw := range w.Items {
			v, err := fromWire(iw)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		if w.Kind == value.KindTuple {
			return value.Tuple(items), nil
		}
		return value.FrozenSet(items), nil
	}
	return nil, fmt.Errorf("code: unknown constant kind %s", w.Kind)
}
