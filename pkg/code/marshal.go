package code

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"

	"github.com/chazu/recode/pkg/value"
)

// CPython 3.4 marshal type codes (format version 4).
const (
	mNull               = '0'
	mNone               = 'N'
	mFalse              = 'F'
	mTrue               = 'T'
	mStopIter           = 'S'
	mEllipsis           = '.'
	mInt                = 'i'
	mLong               = 'l'
	mFloat              = 'f'
	mBinaryFloat        = 'g'
	mComplex            = 'x'
	mBinaryComplex      = 'y'
	mString             = 's'
	mInterned           = 't'
	mRef                = 'r'
	mTuple              = '('
	mSmallTuple         = ')'
	mList               = '['
	mDict               = '{'
	mCode               = 'c'
	mUnicode            = 'u'
	mSet                = '<'
	mFrozenSet          = '>'
	mASCII              = 'a'
	mASCIIInterned      = 'A'
	mShortASCII         = 'z'
	mShortASCIIInterned = 'Z'

	mFlagRef = 0x80
)

// Longs are stored as base 2**15 digits, least significant first.
const longShift = 15

// ErrMarshal reports a marshal stream that cannot be read as a code object.
var ErrMarshal = errors.New("malformed marshal data")

// MarshalError locates a problem in a marshal stream.
type MarshalError struct {
	Offset int
	Reason string
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("marshal: %s at offset %d", e.Reason, e.Offset)
}

func (e *MarshalError) Unwrap() error { return ErrMarshal }

// marshalTuple is a tuple read from the stream before its items are known
// to be literals, code objects or names.
type marshalTuple []any

// marshalReader reads one marshal stream.
type marshalReader struct {
	data   []byte
	offset int
	refs   []any
}

// DecodeMarshal reads a code object written by CPython 3.4's marshal
// module, as found after the header of a .pyc file.
func DecodeMarshal(data []byte) (*Object, error) {
	r := &marshalReader{data: data}
	v, err := r.object()
	if err != nil {
		return nil, err
	}
	o, ok := v.(*Object)
	if !ok {
		return nil, &MarshalError{Offset: 0, Reason: fmt.Sprintf("top-level object is %T, not code", v)}
	}
	return o, nil
}

func (r *marshalReader) fail(format string, args ...any) error {
	return &MarshalError{Offset: r.offset, Reason: fmt.Sprintf(format, args...)}
}

func (r *marshalReader) take(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, r.fail("unexpected end of data reading %d bytes", n)
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *marshalReader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *marshalReader) i32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// size reads a non-negative 32-bit length.
func (r *marshalReader) size() (int, error) {
	n, err := r.i32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, r.fail("negative size %d", n)
	}
	return int(n), nil
}

func (r *marshalReader) f64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (r *marshalReader) textFloat() (float64, error) {
	n, err := r.u8()
	if err != nil {
		return 0, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return 0, r.fail("bad float %q", b)
	}
	return f, nil
}

// object reads one object: a value.Value, a *Object or a marshalTuple.
func (r *marshalReader) object() (any, error) {
	start := r.offset
	code, err := r.u8()
	if err != nil {
		return nil, err
	}
	flag := code&mFlagRef != 0
	code &^= mFlagRef

	// Slots are reserved before children are read, so indices follow the
	// order in which flagged objects start.
	ref := -1
	if flag {
		ref = len(r.refs)
		r.refs = append(r.refs, nil)
	}
	v, err := r.body(code, start)
	if err != nil {
		return nil, err
	}
	if ref >= 0 {
		r.refs[ref] = v
	}
	return v, nil
}

func (r *marshalReader) body(code byte, start int) (any, error) {
	switch code {
	case mNone:
		return value.None{}, nil
	case mFalse:
		return value.Bool(false), nil
	case mTrue:
		return value.Bool(true), nil
	case mEllipsis:
		return value.Ellipsis{}, nil

	case mInt:
		n, err := r.i32()
		return value.Int(n), err
	case mLong:
		return r.long()

	case mBinaryFloat:
		f, err := r.f64()
		return value.Float(f), err
	case mFloat:
		f, err := r.textFloat()
		return value.Float(f), err
	case mBinaryComplex:
		re, err := r.f64()
		if err != nil {
			return nil, err
		}
		im, err := r.f64()
		return value.Complex(complex(re, im)), err
	case mComplex:
		re, err := r.textFloat()
		if err != nil {
			return nil, err
		}
		im, err := r.textFloat()
		return value.Complex(complex(re, im)), err

	case mString:
		n, err := r.size()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		return value.Bytes(append([]byte{}, b...)), err
	case mInterned, mUnicode, mASCII, mASCIIInterned:
		n, err := r.size()
		if err != nil {
			return nil, err
		}
		return r.str(n)
	case mShortASCII, mShortASCIIInterned:
		n, err := r.u8()
		if err != nil {
			return nil, err
		}
		return r.str(int(n))

	case mTuple, mSmallTuple, mFrozenSet:
		var n int
		var err error
		if code == mSmallTuple {
			var b byte
			b, err = r.u8()
			n = int(b)
		} else {
			n, err = r.size()
		}
		if err != nil {
			return nil, err
		}
		if n > len(r.data)-r.offset {
			return nil, r.fail("%d items cannot fit in %d bytes", n, len(r.data)-r.offset)
		}
		items := make(marshalTuple, n)
		for i := range items {
			if items[i], err = r.object(); err != nil {
				return nil, err
			}
		}
		if code == mFrozenSet {
			vs, err := literals(items, start)
			if err != nil {
				return nil, err
			}
			return value.FrozenSet(vs), nil
		}
		return items, nil

	case mRef:
		n, err := r.i32()
		if err != nil {
			return nil, err
		}
		if n < 0 || int(n) >= len(r.refs) || r.refs[n] == nil {
			return nil, &MarshalError{Offset: start, Reason: fmt.Sprintf("bad reference %d", n)}
		}
		return r.refs[n], nil

	case mCode:
		return r.code(start)

	case mNull, mStopIter, mList, mDict, mSet:
		return nil, &MarshalError{Offset: start, Reason: fmt.Sprintf("type %q cannot appear in a code object", code)}
	}
	return nil, &MarshalError{Offset: start, Reason: fmt.Sprintf("unknown type code %q", code)}
}

func (r *marshalReader) str(n int) (value.Value, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(b) {
		return nil, r.fail("string is not valid UTF-8")
	}
	return value.Str(b), nil
}

func (r *marshalReader) long() (value.Value, error) {
	n, err := r.i32()
	if err != nil {
		return nil, err
	}
	count := int(n)
	if count < 0 {
		count = -count
	}
	b, err := r.take(2 * count)
	if err != nil {
		return nil, err
	}
	x := new(big.Int)
	for i := count - 1; i >= 0; i-- {
		d := binary.LittleEndian.Uint16(b[2*i:])
		if d >= 1<<longShift {
			return nil, r.fail("long digit %d out of range", d)
		}
		x.Lsh(x, longShift)
		x.Or(x, big.NewInt(int64(d)))
	}
	if n < 0 {
		x.Neg(x)
	}
	return value.Integer(x), nil
}

func (r *marshalReader) code(start int) (*Object, error) {
	var counts [5]int32
	for i := range counts {
		n, err := r.i32()
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}
	o := &Object{
		ArgCount:       int(counts[0]),
		KwOnlyArgCount: int(counts[1]),
		NLocals:        int(counts[2]),
		StackSize:      int(counts[3]),
		Flags:          Flags(uint32(counts[4])),
	}

	var err error
	if o.Code, err = r.bytesField("code"); err != nil {
		return nil, err
	}
	consts, err := r.tupleField("consts")
	if err != nil {
		return nil, err
	}
	for _, item := range consts {
		c, err := constFrom(item, start)
		if err != nil {
			return nil, err
		}
		o.Consts = append(o.Consts, c)
	}
	for _, f := range []struct {
		name string
		dst  *[]string
	}{
		{"names", &o.Names},
		{"varnames", &o.VarNames},
		{"freevars", &o.FreeVars},
		{"cellvars", &o.CellVars},
	} {
		if *f.dst, err = r.namesField(f.name); err != nil {
			return nil, err
		}
	}
	if o.Filename, err = r.strField("filename"); err != nil {
		return nil, err
	}
	if o.Name, err = r.strField("name"); err != nil {
		return nil, err
	}
	first, err := r.i32()
	if err != nil {
		return nil, err
	}
	o.FirstLineNo = int(first)
	if o.LineTable, err = r.bytesField("lnotab"); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *marshalReader) bytesField(field string) ([]byte, error) {
	at := r.offset
	v, err := r.object()
	if err != nil {
		return nil, err
	}
	b, ok := v.(value.Bytes)
	if !ok {
		return nil, &MarshalError{Offset: at, Reason: fmt.Sprintf("%s is %T, not bytes", field, v)}
	}
	return []byte(b), nil
}

func (r *marshalReader) strField(field string) (string, error) {
	at := r.offset
	v, err := r.object()
	if err != nil {
		return "", err
	}
	s, ok := v.(value.Str)
	if !ok {
		return "", &MarshalError{Offset: at, Reason: fmt.Sprintf("%s is %T, not str", field, v)}
	}
	return string(s), nil
}

func (r *marshalReader) tupleField(field string) (marshalTuple, error) {
	at := r.offset
	v, err := r.object()
	if err != nil {
		return nil, err
	}
	t, ok := v.(marshalTuple)
	if !ok {
		return nil, &MarshalError{Offset: at, Reason: fmt.Sprintf("%s is %T, not a tuple", field, v)}
	}
	return t, nil
}

func (r *marshalReader) namesField(field string) ([]string, error) {
	at := r.offset
	t, err := r.tupleField(field)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(t))
	for i, item := range t {
		s, ok := item.(value.Str)
		if !ok {
			return nil, &MarshalError{Offset: at, Reason: fmt.Sprintf("%s[%d] is %T, not str", field, i, item)}
		}
		names[i] = string(s)
	}
	return names, nil
}

func constFrom(item any, at int) (Const, error) {
	if o, ok := item.(*Object); ok {
		return Nested(o), nil
	}
	v, err := literal(item, at)
	if err != nil {
		return Const{}, err
	}
	return Lit(v), nil
}

// literal converts a read object to a value; tuples nested in constants
// may not hold code objects.
func literal(item any, at int) (value.Value, error) {
	switch x := item.(type) {
	case value.Value:
		return x, nil
	case marshalTuple:
		vs, err := literals(x, at)
		if err != nil {
			return nil, err
		}
		return value.Tuple(vs), nil
	}
	return nil, &MarshalError{Offset: at, Reason: fmt.Sprintf("%T cannot appear inside a constant", item)}
}

func literals(items marshalTuple, at int) ([]value.Value, error) {
	vs := make([]value.Value, len(items))
	for i, item := range items {
		v, err := literal(item, at)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}

// EncodeMarshal writes o in CPython 3.4's marshal format. A routine nested
// more than once is written once and referenced afterwards.
func EncodeMarshal(o *Object) ([]byte, error) {
	w := &marshalWriter{refs: make(map[*Object]int)}
	if err := w.code(o); err != nil {
		return nil, err
	}
	return w.buf, nil
}

type marshalWriter struct {
	buf  []byte
	refs map[*Object]int
}

func (w *marshalWriter) i32(n int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(n))
}

func (w *marshalWriter) checked(n int, field string) error {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return fmt.Errorf("marshal: %s %d does not fit 32 bits", field, n)
	}
	w.i32(int32(n))
	return nil
}

func (w *marshalWriter) sized(code byte, b []byte) error {
	if len(b) > math.MaxInt32 {
		return fmt.Errorf("marshal: %d bytes is too long", len(b))
	}
	w.buf = append(w.buf, code)
	w.i32(int32(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

func (w *marshalWriter) blob(b []byte) error { return w.sized(mString, b) }

// str writes a string; identifiers are interned as the compiler does.
func (w *marshalWriter) str(s string, interned bool) error {
	if isASCII(s) && len(s) < 256 {
		code := byte(mShortASCII)
		if interned {
			code = mShortASCIIInterned
		}
		w.buf = append(w.buf, code, byte(len(s)))
		w.buf = append(w.buf, s...)
		return nil
	}
	code := byte(mUnicode)
	if interned {
		code = mInterned
	}
	return w.sized(code, []byte(s))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func (w *marshalWriter) tuple(n int) error {
	if n < 256 {
		w.buf = append(w.buf, mSmallTuple, byte(n))
		return nil
	}
	if n > math.MaxInt32 {
		return fmt.Errorf("marshal: tuple of %d items is too long", n)
	}
	w.buf = append(w.buf, mTuple)
	w.i32(int32(n))
	return nil
}

func (w *marshalWriter) names(names []string) error {
	if err := w.tuple(len(names)); err != nil {
		return err
	}
	for _, s := range names {
		if err := w.str(s, true); err != nil {
			return err
		}
	}
	return nil
}

func (w *marshalWriter) code(o *Object) error {
	if i, ok := w.refs[o]; ok {
		w.buf = append(w.buf, mRef)
		w.i32(int32(i))
		return nil
	}
	w.refs[o] = len(w.refs)
	w.buf = append(w.buf, mCode|mFlagRef)

	for _, f := range []struct {
		name string
		n    int
	}{
		{"argcount", o.ArgCount},
		{"kwonlyargcount", o.KwOnlyArgCount},
		{"nlocals", o.NLocals},
		{"stacksize", o.StackSize},
	} {
		if err := w.checked(f.n, f.name); err != nil {
			return err
		}
	}
	w.i32(int32(uint32(o.Flags)))
	if err := w.blob(o.Code); err != nil {
		return err
	}
	if err := w.tuple(len(o.Consts)); err != nil {
		return err
	}
	for _, c := range o.Consts {
		var err error
		switch {
		case c.Code != nil:
			err = w.code(c.Code)
		case c.Value != nil:
			err = w.value(c.Value)
		default:
			err = fmt.Errorf("marshal: %s has an empty constant", o.Name)
		}
		if err != nil {
			return err
		}
	}
	for _, names := range [][]string{o.Names, o.VarNames, o.FreeVars, o.CellVars} {
		if err := w.names(names); err != nil {
			return err
		}
	}
	if err := w.str(o.Filename, false); err != nil {
		return err
	}
	if err := w.str(o.Name, true); err != nil {
		return err
	}
	if err := w.checked(o.FirstLineNo, "firstlineno"); err != nil {
		return err
	}
	return w.blob(o.LineTable)
}

func (w *marshalWriter) value(v value.Value) error {
	switch x := v.(type) {
	case value.None:
		w.buf = append(w.buf, mNone)
	case value.Ellipsis:
		w.buf = append(w.buf, mEllipsis)
	case value.Bool:
		if x {
			w.buf = append(w.buf, mTrue)
		} else {
			w.buf = append(w.buf, mFalse)
		}
	case value.Int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			w.buf = append(w.buf, mInt)
			w.i32(int32(x))
		} else {
			w.long(big.NewInt(int64(x)))
		}
	case value.BigInt:
		w.long(x.Big())
	case value.Float:
		w.buf = append(w.buf, mBinaryFloat)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(float64(x)))
	case value.Complex:
		w.buf = append(w.buf, mBinaryComplex)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(real(x)))
		w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(imag(x)))
	case value.Str:
		return w.str(string(x), false)
	case value.Bytes:
		return w.blob(x)
	case value.Tuple:
		if err := w.tuple(len(x)); err != nil {
			return err
		}
		return w.values(x)
	case value.FrozenSet:
		w.buf = append(w.buf, mFrozenSet)
		w.i32(int32(len(x)))
		return w.values(x)
	default:
		return fmt.Errorf("marshal: cannot write constant of type %T", v)
	}
	return nil
}

func (w *marshalWriter) values(vs []value.Value) error {
	for _, v := range vs {
		if err := w.value(v); err != nil {
			return err
		}
	}
	return nil
}

func (w *marshalWriter) long(x *big.Int) {
	mag := new(big.Int).Abs(x)
	mask := big.NewInt(1<<longShift - 1)
	var digits []uint16
	for mag.Sign() > 0 {
		digits = append(digits, uint16(new(big.Int).And(mag, mask).Uint64()))
		mag.Rsh(mag, longShift)
	}
	n := int32(len(digits))
	if x.Sign() < 0 {
		n = -n
	}
	w.buf = append(w.buf, mLong)
	w.i32(n)
	for _, d := range digits {
		w.buf = binary.LittleEndian.AppendUint16(w.buf, d)
	}
}
