package rewrite

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/recode/pkg/asm"
	"github.com/chazu/recode/pkg/opcode"
	"github.com/chazu/recode/pkg/value"
)

func newBinder(t *testing.T) (*asm.Assembler, *Binder) {
	t.Helper()
	a := asm.New(nil)
	b, err := NewBinder(a.Table())
	if err != nil {
		t.Fatalf("NewBinder: %v", err)
	}
	return a, b
}

func TestConstantsFoldsBoundGlobals(t *testing.T) {
	a, b := newBinder(t)
	b.AddGlobal("MAX", value.Int(10))

	// return (MAX, (1, 2))
	r := asm.NewRoutine("f")
	r.Code.Append(
		a.Op("LOAD_GLOBAL", asm.Name("MAX")),
		a.Op("LOAD_CONST", asm.Lit(value.Int(1))),
		a.Op("LOAD_CONST", asm.Lit(value.Int(2))),
		a.Op("BUILD_TUPLE", asm.Int(2)),
		a.Op("BUILD_TUPLE", asm.Int(2)),
		a.Op("RETURN_VALUE", asm.NoArg),
	)
	if n := b.Constants(r); n != 3 {
		t.Errorf("Constants = %d, want 3", n)
	}

	want := asm.NewList(
		a.Op("LOAD_CONST", asm.Lit(value.Tuple{value.Int(10), value.Tuple{value.Int(1), value.Int(2)}})),
		a.Op("RETURN_VALUE", asm.NoArg),
	)
	if !asm.ListEqual(r.Code, want) {
		t.Errorf("rewritten list:\n%s\nwant:\n%s", r.Code, want)
	}

	obj, err := a.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(obj.Names) != 0 || obj.StackSize != 1 {
		t.Errorf("Names, StackSize = %v, %d, want [], 1", obj.Names, obj.StackSize)
	}

	changes := b.Changes()
	if len(changes) != 3 || changes[0].Kind != ChangeBind || changes[2].Kind != ChangeFold {
		t.Fatalf("Changes = %v", changes)
	}
	if got := changes[0].String(); got != "f: MAX --> 10" {
		t.Errorf("Changes[0] = %q, want %q", got, "f: MAX --> 10")
	}
}

func TestBindGlobalsStopList(t *testing.T) {
	a, b := newBinder(t)
	b.AddGlobal("DEBUG", value.Bool(true))
	b.AddGlobal("len", value.Str("builtin"))
	b.Stop("DEBUG")

	r := asm.NewRoutine("f")
	r.Code.Append(
		a.Op("LOAD_GLOBAL", asm.Name("DEBUG")),
		a.Op("LOAD_GLOBAL", asm.Name("len")),
		a.Op("LOAD_GLOBAL", asm.Name("other")),
	)
	if n := b.BindGlobals(r); n != 1 {
		t.Errorf("BindGlobals = %d, want 1", n)
	}
	loadGlobal := a.Table().MustOp("LOAD_GLOBAL")
	if r.Code.Instrs[0].Op != loadGlobal || r.Code.Instrs[2].Op != loadGlobal {
		t.Error("stopped or unknown global was bound")
	}
	if r.Code.Instrs[1].Op != a.Table().MustOp("LOAD_CONST") {
		t.Error("known global was not bound")
	}
}

func TestFoldTuplesBreaksOnOtherElements(t *testing.T) {
	a, b := newBinder(t)
	inner := asm.NewRoutine("inner")
	tests := []struct {
		name string
		ins  func(*asm.List) []asm.Instr
	}{
		{"label", func(l *asm.List) []asm.Instr {
			return []asm.Instr{
				a.Op("LOAD_CONST", asm.Lit(value.Int(1))),
				asm.Place(l.NewLabel()),
				a.Op("LOAD_CONST", asm.Lit(value.Int(2))),
				a.Op("BUILD_TUPLE", asm.Int(2)),
			}
		}},
		{"line", func(*asm.List) []asm.Instr {
			return []asm.Instr{
				a.Op("LOAD_CONST", asm.Lit(value.Int(1))),
				asm.Line(3),
				a.Op("LOAD_CONST", asm.Lit(value.Int(2))),
				a.Op("BUILD_TUPLE", asm.Int(2)),
			}
		}},
		{"nested routine", func(*asm.List) []asm.Instr {
			return []asm.Instr{
				a.Op("LOAD_CONST", asm.Const(asm.Nested(inner))),
				a.Op("LOAD_CONST", asm.Lit(value.Int(2))),
				a.Op("BUILD_TUPLE", asm.Int(2)),
			}
		}},
		{"empty tuple", func(*asm.List) []asm.Instr {
			return []asm.Instr{a.Op("BUILD_TUPLE", asm.Int(0))}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := asm.NewRoutine("f")
			r.Code.Append(tt.ins(r.Code)...)
			before := r.Code.Len()
			if n := b.FoldTuples(r); n != 0 {
				t.Errorf("FoldTuples = %d, want 0", n)
			}
			if r.Code.Len() != before {
				t.Errorf("Len() = %d, want %d", r.Code.Len(), before)
			}
		})
	}
}

func TestConstantsRecursesIntoNestedRoutines(t *testing.T) {
	a, b := newBinder(t)
	b.AddGlobal("N", value.Int(3))

	inner := asm.NewRoutine("inner")
	inner.Code.Append(a.Op("LOAD_GLOBAL", asm.Name("N")), a.Op("RETURN_VALUE", asm.NoArg))
	outer := asm.NewRoutine("outer")
	outer.Code.Append(
		a.Op("LOAD_CONST", asm.Const(asm.Nested(inner))),
		a.Op("POP_TOP", asm.NoArg),
		a.Op("LOAD_CONST", asm.Const(asm.Nested(inner))),
		a.Op("RETURN_VALUE", asm.NoArg),
	)
	if n := b.Constants(outer); n != 1 {
		t.Errorf("Constants = %d, want 1", n)
	}
	if got := inner.Code.Instrs[0].Arg; !value.Same(got.Const.Value, value.Int(3)) {
		t.Errorf("inner operand = %s, want 3", got)
	}
}

func TestParseGlobals(t *testing.T) {
	_, b := newBinder(t)
	err := b.ParseGlobals([]byte(`
stop = ["DEBUG"]

[globals]
MAX = 10
RATE = 0.5
NAME = "x"
ON = true
UNITS = ["m", 2]
`))
	if err != nil {
		t.Fatalf("ParseGlobals: %v", err)
	}
	want := map[string]value.Value{
		"MAX":   value.Int(10),
		"RATE":  value.Float(0.5),
		"NAME":  value.Str("x"),
		"ON":    value.Bool(true),
		"UNITS": value.Tuple{value.Str("m"), value.Int(2)},
	}
	for name, v := range want {
		if !value.Same(b.globals[name], v) {
			t.Errorf("globals[%s] = %v, want %v", name, b.globals[name], v)
		}
	}
	if !b.stop["DEBUG"] {
		t.Error("DEBUG not stopped")
	}

	if err := b.ParseGlobals([]byte("[globals]\nT = 1979-05-27\n")); err == nil {
		t.Error("ParseGlobals accepted a date")
	}
}

func TestLoadGlobals(t *testing.T) {
	_, b := newBinder(t)
	path := filepath.Join(t.TempDir(), "globals.toml")
	if err := os.WriteFile(path, []byte("[globals]\nX = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.LoadGlobals(path); err != nil {
		t.Fatalf("LoadGlobals: %v", err)
	}
	if !value.Same(b.globals["X"], value.Int(1)) {
		t.Errorf("globals[X] = %v, want 1", b.globals["X"])
	}
	err := b.LoadGlobals(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "reading globals") {
		t.Errorf("LoadGlobals(missing) = %v, want read error", err)
	}
}

func TestNewBinderNeedsOps(t *testing.T) {
	tbl, err := opcode.Parse([]byte(`
name = "tiny"
have_argument = 10
extended_arg = 20

[[op]]
name = "HALT"
code = 1
flow = "exit"

[[op]]
name = "EXT"
code = 20
arg = "int"
`), opcode.FormatTOML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := NewBinder(tbl); err == nil {
		t.Error("NewBinder accepted a table without LOAD_GLOBAL")
	}
}
