// Package rewrite holds optimisation passes over decoded routines.
//
// A Binder replaces loads of global names whose values are known ahead of
// time with constant loads, then folds runs of constant loads feeding a
// tuple build into a single tuple constant. Both passes edit the routine's
// instruction list in place; the result still has to go through the
// encoder, which rebuilds the side tables.
package rewrite

import (
	"fmt"

	"github.com/chazu/recode/pkg/asm"
	"github.com/chazu/recode/pkg/opcode"
	"github.com/chazu/recode/pkg/value"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("recode.rewrite")

// ChangeKind says which pass made a change.
type ChangeKind string

const (
	ChangeBind ChangeKind = "bind"
	ChangeFold ChangeKind = "fold"
)

// Change records one rewrite.
type Change struct {
	Routine string
	Kind    ChangeKind
	Name    string // bound global, empty for folds
	Value   value.Value
}

func (c Change) String() string {
	if c.Kind == ChangeBind {
		return fmt.Sprintf("%s: %s --> %s", c.Routine, c.Name, c.Value)
	}
	return fmt.Sprintf("%s: new folded constant %s", c.Routine, c.Value)
}

// Binder binds known globals and folds constant tuples.
type Binder struct {
	globals map[string]value.Value
	stop    map[string]bool
	changes []Change

	loadGlobal opcode.Op
	loadConst  opcode.Op
	buildTuple opcode.Op
}

// NewBinder creates a Binder for routines targeting tbl. The table must
// define LOAD_GLOBAL, LOAD_CONST and BUILD_TUPLE.
func NewBinder(tbl *opcode.Table) (*Binder, error) {
	b := &Binder{
		globals: make(map[string]value.Value),
		stop:    make(map[string]bool),
	}
	for name, op := range map[string]*opcode.Op{
		"LOAD_GLOBAL": &b.loadGlobal,
		"LOAD_CONST":  &b.loadConst,
		"BUILD_TUPLE": &b.buildTuple,
	} {
		info, ok := tbl.ByName(name)
		if !ok {
			return nil, fmt.Errorf("rewrite: table %s has no %s", tbl.Name(), name)
		}
		*op = info.Code
	}
	return b, nil
}

// AddGlobal makes name bindable to v.
func (b *Binder) AddGlobal(name string, v value.Value) {
	b.globals[name] = v
}

// Stop excludes names from binding even when their value is known.
func (b *Binder) Stop(names ...string) {
	for _, n := range names {
		b.stop[n] = true
	}
}

// Changes returns every change made so far, in order.
func (b *Binder) Changes() []Change {
	return b.changes
}

// BindGlobals replaces each LOAD_GLOBAL of a bindable name in r with a
// LOAD_CONST of its value. It returns the number of replacements.
func (b *Binder) BindGlobals(r *asm.Routine) int {
	if r.Code == nil {
		return 0
	}
	n := 0
	for i, ins := range r.Code.Instrs {
		if !ins.IsOp() || ins.Op != b.loadGlobal {
			continue
		}
		name := ins.Arg.Name
		v, ok := b.globals[name]
		if !ok || b.stop[name] {
			continue
		}
		r.Code.Instrs[i] = asm.Op(b.loadConst, asm.Lit(v))
		b.changes = append(b.changes, Change{Routine: r.Name, Kind: ChangeBind, Name: name, Value: v})
		n++
	}
	return n
}

// FoldTuples replaces n literal constant loads immediately followed by a
// BUILD_TUPLE n with one load of the tuple. Folds compose, so nested
// tuple displays collapse to a single constant. Any other element between
// the loads, a label or line marker included, breaks the run. It returns
// the number of folds.
func (b *Binder) FoldTuples(r *asm.Routine) int {
	if r.Code == nil {
		return 0
	}
	out := make([]asm.Instr, 0, len(r.Code.Instrs))
	run, n := 0, 0
	for _, ins := range r.Code.Instrs {
		switch {
		case ins.IsOp() && ins.Op == b.loadConst && !ins.Arg.Const.IsCode():
			run++
			out = append(out, ins)
			continue

		case ins.IsOp() && ins.Op == b.buildTuple && ins.Arg.Int > 0 && run >= ins.Arg.Int:
			size := ins.Arg.Int
			items := make(value.Tuple, size)
			for i, c := range out[len(out)-size:] {
				items[i] = c.Arg.Const.Value
			}
			out = append(out[:len(out)-size], asm.Op(b.loadConst, asm.Lit(items)))
			run = run - size + 1
			b.changes = append(b.changes, Change{Routine: r.Name, Kind: ChangeFold, Value: items})
			n++
			continue
		}
		run = 0
		out = append(out, ins)
	}
	r.Code.Instrs = out
	return n
}

// Constants runs BindGlobals then FoldTuples over r and every routine
// nested in it. It returns the total number of changes.
func (b *Binder) Constants(r *asm.Routine) int {
	seen := make(map[*asm.Routine]bool)
	return b.constants(r, seen)
}

func (b *Binder) constants(r *asm.Routine, seen map[*asm.Routine]bool) int {
	if seen[r] {
		return 0
	}
	seen[r] = true

	n := b.BindGlobals(r) + b.FoldTuples(r)
	if n > 0 {
		log.Debugf("%s: %d constant rewrites", r.Name, n)
	}
	if r.Code == nil {
		return n
	}
	for _, ins := range r.Code.Instrs {
		if ins.IsOp() && ins.Arg.Const.IsCode() {
			n += b.constants(ins.Arg.Const.Code, seen)
		}
	}
	return n
}
