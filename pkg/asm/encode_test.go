package asm

import (
	"bytes"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/chazu/recode/pkg/code"
	"github.com/chazu/recode/pkg/value"
)

func TestEncodeSum(t *testing.T) {
	a := New(nil)
	obj, err := a.Encode(sumRoutine(a))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := sumObject()
	if !bytes.Equal(obj.Code, want.Code) {
		t.Errorf("Code = %v, want %v", obj.Code, want.Code)
	}
	if !bytes.Equal(obj.LineTable, want.LineTable) {
		t.Errorf("LineTable = %v, want %v", obj.LineTable, want.LineTable)
	}
	if obj.StackSize != 3 {
		t.Errorf("StackSize = %d, want 3", obj.StackSize)
	}
	if obj.Flags != want.Flags {
		t.Errorf("Flags = %s, want %s", obj.Flags, want.Flags)
	}
	if obj.ArgCount != 1 || obj.NLocals != 3 {
		t.Errorf("ArgCount, NLocals = %d, %d, want 1, 3", obj.ArgCount, obj.NLocals)
	}
	if !slices.Equal(obj.Names, want.Names) || !slices.Equal(obj.VarNames, want.VarNames) {
		t.Errorf("Names, VarNames = %v, %v, want %v, %v", obj.Names, obj.VarNames, want.Names, want.VarNames)
	}
	if len(obj.Consts) != 2 || !value.Same(obj.Consts[0].Value, value.None{}) || !value.Same(obj.Consts[1].Value, value.Int(0)) {
		t.Errorf("Consts = %v, want [None 0]", obj.Consts)
	}
	wantBlocks := []code.Block{{Kind: "SETUP_LOOP", Start: 18, End: 51, Handler: 51, Level: 0}}
	if !slices.Equal(obj.Blocks, wantBlocks) {
		t.Errorf("Blocks = %+v, want %+v", obj.Blocks, wantBlocks)
	}
}

func TestRoundtripSum(t *testing.T) {
	a := New(nil)
	obj, err := a.Roundtrip(sumObject())
	if err != nil {
		t.Fatalf("Roundtrip: %v", err)
	}
	if !bytes.Equal(obj.Code, sumCode) {
		t.Errorf("Code = %v, want %v", obj.Code, sumCode)
	}
	if !bytes.Equal(obj.LineTable, sumLineTable) {
		t.Errorf("LineTable = %v, want %v", obj.LineTable, sumLineTable)
	}
}

func TestRoundtripIsIdempotent(t *testing.T) {
	a := New(nil)
	outer, _ := closureRoutines(a)
	objects := map[string]*code.Object{"sum": sumObject()}
	obj, err := a.Encode(outer)
	if err != nil {
		t.Fatalf("Encode(outer): %v", err)
	}
	objects["closure"] = obj

	for name, obj := range objects {
		t.Run(name, func(t *testing.T) {
			first, err := a.Decode(obj)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			again, err := a.Encode(first)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			second, err := a.Decode(again)
			if err != nil {
				t.Fatalf("Decode again: %v", err)
			}
			if !Equal(first, second) {
				t.Errorf("decode(encode(r)) differs from r:\n%s\nwant:\n%s", second.Code, first.Code)
			}
			if !bytes.Equal(again.Code, obj.Code) {
				t.Errorf("Code = %v, want %v", again.Code, obj.Code)
			}
		})
	}
}

// closureRoutines builds
//
//	def outer():
//	    x = 1
//	    def inner():
//	        return x
//	    return inner
func closureRoutines(a *Assembler) (outer, inner *Routine) {
	inner = NewRoutine("inner")
	inner.FreeVars = []string{"x"}
	inner.Code.Append(
		a.Op("LOAD_DEREF", Free("x")),
		a.Op("RETURN_VALUE", NoArg),
	)
	outer = NewRoutine("outer")
	outer.Code.Append(
		a.Op("LOAD_CONST", Lit(value.Int(1))),
		a.Op("STORE_DEREF", Free("x")),
		a.Op("LOAD_CLOSURE", Free("x")),
		a.Op("BUILD_TUPLE", Int(1)),
		a.Op("LOAD_CONST", Const(Nested(inner))),
		a.Op("LOAD_CONST", Lit(value.Str("outer.<locals>.inner"))),
		a.Op("MAKE_CLOSURE", Int(0)),
		a.Op("STORE_FAST", Local("inner")),
		a.Op("LOAD_FAST", Local("inner")),
		a.Op("RETURN_VALUE", NoArg),
	)
	return outer, inner
}

func TestEncodeClosure(t *testing.T) {
	a := New(nil)
	outer, _ := closureRoutines(a)
	obj, err := a.Encode(outer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !slices.Equal(obj.CellVars, []string{"x"}) || len(obj.FreeVars) != 0 {
		t.Errorf("CellVars, FreeVars = %v, %v, want [x], []", obj.CellVars, obj.FreeVars)
	}
	if obj.StackSize != 3 {
		t.Errorf("StackSize = %d, want 3", obj.StackSize)
	}
	if want := code.FlagOptimized | code.FlagNewLocals; obj.Flags != want {
		t.Errorf("Flags = %s, want %s", obj.Flags, want)
	}
	if len(obj.Consts) != 4 || !obj.Consts[2].IsCode() {
		t.Fatalf("Consts = %v, want [None 1 <code inner> name]", obj.Consts)
	}

	in := obj.Consts[2].Code
	if !bytes.Equal(in.Code, []byte{136, 0, 0, 83}) {
		t.Errorf("inner Code = %v, want [136 0 0 83]", in.Code)
	}
	if !slices.Equal(in.FreeVars, []string{"x"}) || len(in.CellVars) != 0 {
		t.Errorf("inner CellVars, FreeVars = %v, %v, want [], [x]", in.CellVars, in.FreeVars)
	}
	if want := code.FlagOptimized | code.FlagNewLocals; in.Flags != want {
		t.Errorf("inner Flags = %s, want %s", in.Flags, want)
	}
}

func TestEncodeKeepsFreeVarOrder(t *testing.T) {
	a := New(nil)
	r := NewRoutine("f")
	r.FreeVars = []string{"z", "a", "m"}
	r.Code.Append(
		a.Op("LOAD_DEREF", Free("m")),
		a.Op("LOAD_DEREF", Free("a")),
		a.Op("BINARY_ADD", NoArg),
		a.Op("LOAD_DEREF", Free("z")),
		a.Op("BINARY_ADD", NoArg),
		a.Op("STORE_DEREF", Free("c")),
		a.Op("LOAD_CONST", Lit(value.None{})),
		a.Op("RETURN_VALUE", NoArg),
	)
	obj, err := a.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !slices.Equal(obj.FreeVars, r.FreeVars) {
		t.Errorf("FreeVars = %v, want %v", obj.FreeVars, r.FreeVars)
	}
	if !slices.Equal(obj.CellVars, []string{"c"}) {
		t.Errorf("CellVars = %v, want [c]", obj.CellVars)
	}
	want := []byte{136, 3, 0, 136, 2, 0, 23, 136, 1, 0, 23, 137, 0, 0, 100, 0, 0, 83}
	if !bytes.Equal(obj.Code, want) {
		t.Errorf("Code = %v, want %v", obj.Code, want)
	}

	back, err := a.Decode(obj)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !slices.Equal(back.FreeVars, r.FreeVars) {
		t.Errorf("decoded FreeVars = %v, want %v", back.FreeVars, r.FreeVars)
	}
}

func TestEncodeInternsConstants(t *testing.T) {
	a := New(nil)
	r := NewRoutine("f")
	for _, v := range []value.Value{
		value.Int(1), value.Float(1), value.Bool(true),
		value.Float(0), value.Float(math.Copysign(0, -1)), value.Int(1),
	} {
		r.Code.Append(a.Op("LOAD_CONST", Lit(v)))
	}
	obj, err := a.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(obj.Consts) != 6 {
		t.Fatalf("Consts = %v, want 6 entries", obj.Consts)
	}
	var got []int
	ins, err := code.ReadAll(a.Table(), obj.Code)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	for _, in := range ins {
		got = append(got, in.Arg)
	}
	if want := []int{1, 2, 3, 4, 5, 1}; !slices.Equal(got, want) {
		t.Errorf("constant indices = %v, want %v", got, want)
	}
	if obj.StackSize != 6 {
		t.Errorf("StackSize = %d, want 6", obj.StackSize)
	}
}

func TestEncodeDocstring(t *testing.T) {
	a := New(nil)
	r := NewRoutine("f")
	doc := "Does nothing."
	r.Docstring = &doc
	r.Code.Append(a.Op("LOAD_CONST", Lit(value.None{})), a.Op("RETURN_VALUE", NoArg))
	obj, err := a.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(obj.Consts) != 2 || !value.Same(obj.Consts[0].Value, value.Str(doc)) {
		t.Errorf("Consts = %v, want [%q None]", obj.Consts, doc)
	}
	back, err := a.Decode(obj)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Docstring == nil || *back.Docstring != doc {
		t.Errorf("Docstring = %v, want %q", back.Docstring, doc)
	}
}

func TestEncodeSharesNestedRoutines(t *testing.T) {
	a := New(nil)
	leaf := NewRoutine("leaf")
	leaf.Code.Append(a.Op("LOAD_CONST", Lit(value.None{})), a.Op("RETURN_VALUE", NoArg))

	wrap := func(name string) *Routine {
		r := NewRoutine(name)
		r.Code.Append(
			a.Op("LOAD_CONST", Const(Nested(leaf))),
			a.Op("POP_TOP", NoArg),
			a.Op("LOAD_CONST", Const(Nested(leaf))),
			a.Op("RETURN_VALUE", NoArg),
		)
		return r
	}
	p, q := wrap("p"), wrap("q")
	top := NewRoutine("top")
	top.Code.Append(
		a.Op("LOAD_CONST", Const(Nested(p))),
		a.Op("POP_TOP", NoArg),
		a.Op("LOAD_CONST", Const(Nested(q))),
		a.Op("RETURN_VALUE", NoArg),
	)

	obj, err := a.Encode(top)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	po, qo := obj.Consts[1].Code, obj.Consts[2].Code
	if len(po.Consts) != 2 {
		t.Errorf("p Consts = %v, want one slot for leaf", po.Consts)
	}
	if po.Consts[1].Code != qo.Consts[1].Code {
		t.Error("leaf encoded twice")
	}
	count := 0
	obj.Walk(func(*code.Object) { count++ })
	if count != 5 {
		t.Errorf("Walk visited %d routines, want 5", count)
	}
}

func TestEncodeRejectsSelfNesting(t *testing.T) {
	a := New(nil)
	r := NewRoutine("loop")
	r.Code.Append(a.Op("LOAD_CONST", Const(Nested(r))), a.Op("RETURN_VALUE", NoArg))
	_, err := a.Encode(r)
	var oe *OperandError
	if !errors.As(err, &oe) || oe.Pos != -1 {
		t.Errorf("Encode error = %v, want routine-level operand error", err)
	}
}

func jumpOver(a *Assembler, op string, nops int) *Routine {
	r := NewRoutine("big")
	l := r.Code
	target := l.NewLabel()
	l.Append(Line(1), a.Op(op, To(target)))
	for i := 0; i < nops; i++ {
		l.Append(a.Op("NOP", NoArg))
	}
	l.Append(Place(target), a.Op("LOAD_CONST", Lit(value.None{})), a.Op("RETURN_VALUE", NoArg))
	return r
}

func TestEncodeOversizedJump(t *testing.T) {
	tests := []struct {
		op   string
		want []byte
	}{
		{"JUMP_ABSOLUTE", []byte{144, 1, 0, 113, 0x76, 0x11}},
		{"JUMP_FORWARD", []byte{144, 1, 0, 110, 0x70, 0x11}},
	}
	a := New(nil)
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			r := jumpOver(a, tt.op, 70000)
			obj, err := a.Encode(r)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !bytes.Equal(obj.Code[:6], tt.want) {
				t.Errorf("Code[:6] = %v, want %v", obj.Code[:6], tt.want)
			}
			if len(obj.Code) != 6+70000+4 {
				t.Errorf("len(Code) = %d, want %d", len(obj.Code), 6+70000+4)
			}
			ins, err := code.ReadAll(a.Table(), obj.Code)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			prefixes := 0
			for _, in := range ins {
				prefixes += in.Prefixes
			}
			if prefixes != 1 {
				t.Errorf("emitted %d prefixes, want 1", prefixes)
			}

			back, err := a.Decode(obj)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !Equal(back, r) {
				t.Error("decoded routine differs from the encoded one")
			}
		})
	}
}

func TestEncodePrefixPassCap(t *testing.T) {
	a := New(nil, WithMaxPrefixPasses(1))
	_, err := a.Encode(jumpOver(a, "JUMP_ABSOLUTE", 70000))
	var oe *ImmediateOverflowError
	if !errors.As(err, &oe) {
		t.Fatalf("Encode error = %v, want *ImmediateOverflowError", err)
	}
	if oe.Passes != 1 {
		t.Errorf("Passes = %d, want 1", oe.Passes)
	}
	if !errors.Is(err, ErrImmediateOverflow) {
		t.Error("errors.Is(err, ErrImmediateOverflow) = false")
	}

	// Zero keeps the default cap.
	if _, err := New(nil, WithMaxPrefixPasses(0)).Encode(jumpOver(a, "JUMP_ABSOLUTE", 70000)); err != nil {
		t.Errorf("Encode with default cap: %v", err)
	}
}

func TestEncodeLabelErrors(t *testing.T) {
	a := New(nil)

	twice := NewRoutine("twice")
	l := twice.Code.NewLabel()
	twice.Code.Append(
		Place(l),
		a.Op("NOP", NoArg),
		Place(l),
		a.Op("LOAD_CONST", Lit(value.None{})),
		a.Op("RETURN_VALUE", NoArg),
	)
	_, err := a.Encode(twice)
	var ue *UnresolvedLabelError
	if !errors.As(err, &ue) {
		t.Fatalf("Encode error = %v, want *UnresolvedLabelError", err)
	}
	if ue.Placements != 2 || ue.Pos != 2 || ue.Label != l {
		t.Errorf("error = %+v, want label %s placed twice, again at 2", ue, l)
	}

	never := NewRoutine("never")
	m := never.Code.NewLabel()
	never.Code.Append(a.Op("JUMP_ABSOLUTE", To(m)))
	_, err = a.Encode(never)
	if !errors.As(err, &ue) {
		t.Fatalf("Encode error = %v, want *UnresolvedLabelError", err)
	}
	if ue.Placements != 0 || ue.Pos != 0 {
		t.Errorf("error = %+v, want unplaced label referenced at 0", ue)
	}
	if !errors.Is(err, ErrUnresolvedLabel) {
		t.Error("errors.Is(err, ErrUnresolvedLabel) = false")
	}

	// A placed label nobody jumps to is fine.
	unused := NewRoutine("unused")
	u := unused.Code.NewLabel()
	unused.Code.Append(Place(u), a.Op("LOAD_CONST", Lit(value.None{})), a.Op("RETURN_VALUE", NoArg))
	if _, err := a.Encode(unused); err != nil {
		t.Errorf("Encode with unreferenced label: %v", err)
	}
}

func TestEncodeOperandErrors(t *testing.T) {
	a := New(nil)
	ret := []Instr{a.Op("LOAD_CONST", Lit(value.None{})), a.Op("RETURN_VALUE", NoArg)}
	tests := []struct {
		name string
		ins  []Instr
		pos  int
	}{
		{"wrong operand kind", []Instr{a.Op("LOAD_FAST", Name("x"))}, 0},
		{"missing operand", []Instr{a.Op("LOAD_FAST", NoArg)}, 0},
		{"prefix operation", []Instr{a.Op("EXTENDED_ARG", Int(1))}, 0},
		{"unknown comparison", []Instr{a.Op("LOAD_CONST", Lit(value.Int(1))), a.Op("LOAD_CONST", Lit(value.Int(2))), a.Op("COMPARE_OP", Compare("<>"))}, 2},
		{"empty constant", []Instr{a.Op("LOAD_CONST", Const(Constant{}))}, 0},
		{"empty name", []Instr{a.Op("LOAD_GLOBAL", Name(""))}, 0},
		{"negative immediate", []Instr{a.Op("BUILD_TUPLE", Int(-1))}, 0},
		{"jump without label", []Instr{a.Op("JUMP_ABSOLUTE", NoArg)}, 0},
		{"unknown opcode", []Instr{Op(0, NoArg)}, 0},
		{"unknown element", []Instr{{Kind: 9}}, 0},
		{"line moves backwards", []Instr{Line(3), a.Op("NOP", NoArg), Line(2)}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRoutine("f")
			r.Code.Append(tt.ins...)
			r.Code.Append(ret...)
			_, err := a.Encode(r)
			var oe *OperandError
			if !errors.As(err, &oe) {
				t.Fatalf("Encode error = %v, want *OperandError", err)
			}
			if oe.Pos != tt.pos {
				t.Errorf("Pos = %d, want %d (%v)", oe.Pos, tt.pos, err)
			}
			if !errors.Is(err, ErrOperand) {
				t.Error("errors.Is(err, ErrOperand) = false")
			}
		})
	}
}

func TestEncodeInconsistentStack(t *testing.T) {
	a := New(nil)
	r := NewRoutine("f")
	other, join := r.Code.NewLabel(), r.Code.NewLabel()
	r.Code.Append(
		a.Op("LOAD_FAST", Local("x")),
		a.Op("POP_JUMP_IF_FALSE", To(other)),
		a.Op("LOAD_CONST", Lit(value.Int(1))),
		a.Op("LOAD_CONST", Lit(value.Int(2))),
		a.Op("JUMP_FORWARD", To(join)),
		Place(other),
		a.Op("LOAD_CONST", Lit(value.Int(3))),
		Place(join),
		a.Op("RETURN_VALUE", NoArg),
	)
	_, err := a.Encode(r)
	var se *InconsistentStackError
	if !errors.As(err, &se) {
		t.Fatalf("Encode error = %v, want *InconsistentStackError", err)
	}
	if se.Pos != 7 {
		t.Errorf("Pos = %d, want 7", se.Pos)
	}
}

func TestEncodeLongLineJump(t *testing.T) {
	a := New(nil)
	r := NewRoutine("f")
	r.Code.Append(
		Line(1),
		a.Op("LOAD_CONST", Lit(value.None{})),
		Line(201),
		a.Op("RETURN_VALUE", NoArg),
	)
	obj, err := a.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []byte{3, 200}; string(obj.LineTable) != string(want) {
		t.Errorf("LineTable = %v, want %v", obj.LineTable, want)
	}
	back, err := a.Decode(obj)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !Equal(back, r) {
		t.Errorf("decoded routine differs:\n%s\nwant:\n%s", back.Code, r.Code)
	}
}

func TestEncodeBackwardRelativeJump(t *testing.T) {
	a := New(nil)
	r := NewRoutine("f")
	top := r.Code.NewLabel()
	r.Code.Append(
		Place(top),
		a.Op("NOP", NoArg),
		a.Op("JUMP_FORWARD", To(top)),
	)
	_, err := a.Encode(r)
	var oe *OperandError
	if !errors.As(err, &oe) || oe.Pos != 2 {
		t.Errorf("Encode error = %v, want operand error at 2", err)
	}
}

func TestEncodeSignature(t *testing.T) {
	a := New(nil)
	r := NewRoutine("f")
	r.Args = []string{"a", "b", "k", "rest", "opts"}
	r.KwOnlyArgCount = 1
	r.VarArgs, r.VarKwArgs = true, true
	r.Code.Append(
		a.Op("LOAD_FAST", Local("tmp")),
		a.Op("LOAD_FAST", Local("b")),
		a.Op("RETURN_VALUE", NoArg),
	)
	obj, err := a.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if obj.ArgCount != 2 || obj.KwOnlyArgCount != 1 {
		t.Errorf("ArgCount, KwOnlyArgCount = %d, %d, want 2, 1", obj.ArgCount, obj.KwOnlyArgCount)
	}
	if want := []string{"a", "b", "k", "rest", "opts", "tmp"}; !slices.Equal(obj.VarNames, want) {
		t.Errorf("VarNames = %v, want %v", obj.VarNames, want)
	}
	if obj.NLocals != 6 {
		t.Errorf("NLocals = %d, want 6", obj.NLocals)
	}
	if !obj.Flags.Has(code.FlagVarArgs | code.FlagVarKeywords) {
		t.Errorf("Flags = %s, want VARARGS|VARKEYWORDS", obj.Flags)
	}

	r.KwOnlyArgCount = 5
	if _, err := a.Encode(r); !errors.Is(err, ErrOperand) {
		t.Errorf("Encode with too few parameter names: %v, want operand error", err)
	}
}

func TestEncodeFlags(t *testing.T) {
	a := New(nil)
	none := a.Op("LOAD_CONST", Lit(value.None{}))
	ret := a.Op("RETURN_VALUE", NoArg)
	gen := []Instr{none, a.Op("YIELD_VALUE", NoArg), a.Op("POP_TOP", NoArg), none, ret}

	tests := []struct {
		name  string
		ins   []Instr
		in    code.Flags
		local bool
		want  code.Flags
	}{
		{"plain", []Instr{none, ret}, 0, true,
			code.FlagOptimized | code.FlagNewLocals | code.FlagNoFree},
		{"module level", []Instr{a.Op("LOAD_NAME", Name("x")), ret}, code.FlagOptimized, false,
			code.FlagNoFree},
		{"generator", gen, 0, true,
			code.FlagOptimized | code.FlagNewLocals | code.FlagGenerator | code.FlagNoFree},
		{"iterable coroutine", gen, code.FlagCoroutine, true,
			code.FlagOptimized | code.FlagNewLocals | code.FlagGenerator | code.FlagNoFree | code.FlagCoroutine | code.FlagIterableCoroutine},
		{"stale bits cleared", []Instr{none, ret}, code.FlagGenerator | code.FlagIterableCoroutine | code.FlagVarArgs, true,
			code.FlagOptimized | code.FlagNewLocals | code.FlagNoFree},
		{"other bits kept", []Instr{none, ret}, code.FlagFutureDivision | code.FlagNested, true,
			code.FlagOptimized | code.FlagNewLocals | code.FlagNoFree | code.FlagFutureDivision | code.FlagNested},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRoutine("f")
			r.Flags = tt.in
			r.NewLocals = tt.local
			r.Code.Append(tt.ins...)
			obj, err := a.Encode(r)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if obj.Flags != tt.want {
				t.Errorf("Flags = %s, want %s", obj.Flags, tt.want)
			}
		})
	}
}

func TestEncodeDoesNotModifyRoutine(t *testing.T) {
	a := New(nil)
	r := sumRoutine(a)
	before := len(r.Code.Instrs)
	if _, err := a.Encode(r); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(r.Code.Instrs) != before || !Equal(r, sumRoutine(a)) {
		t.Error("Encode modified its input")
	}
}
