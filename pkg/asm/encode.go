package asm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chazu/recode/pkg/code"
	"github.com/chazu/recode/pkg/opcode"
	"github.com/chazu/recode/pkg/value"
)

// Encode converts a routine back into a compiled routine. The routine is
// not modified.
//
// Side tables are rebuilt in order of first use, the stack size and flags
// are recomputed, and immediates that do not fit one instruction are split
// over prefix instructions. Nested routines are encoded first; a Routine
// referenced more than once encodes to a single shared code.Object.
func (a *Assembler) Encode(r *Routine) (*code.Object, error) {
	e := &encoder{
		a:      a,
		done:   make(map[*Routine]*code.Object),
		active: make(map[*Routine]bool),
	}
	return e.encode(r)
}

type encoder struct {
	a      *Assembler
	done   map[*Routine]*code.Object
	active map[*Routine]bool
}

// slot is one operation being laid out.
type slot struct {
	pos      int
	info     *opcode.Info
	arg      int
	prefixes int
}

func (e *encoder) encode(r *Routine) (*code.Object, error) {
	if obj, ok := e.done[r]; ok {
		return obj, nil
	}
	if e.active[r] {
		return nil, &OperandError{Pos: -1, Reason: fmt.Sprintf("routine %s contains itself", r.Name)}
	}
	e.active[r] = true
	defer delete(e.active, r)

	list := r.Code
	if list == nil {
		list = NewList()
	}
	a := e.a
	if err := a.validate(list); err != nil {
		return nil, err
	}
	argCount := r.ArgCount()
	if argCount < 0 || r.KwOnlyArgCount < 0 {
		return nil, &OperandError{Pos: -1, Reason: fmt.Sprintf("%d parameter names cannot hold %d keyword-only parameters", len(r.Args), r.KwOnlyArgCount)}
	}

	res, err := a.analyze(list)
	if err != nil {
		return nil, err
	}

	t, err := e.buildTables(r, list)
	if err != nil {
		return nil, err
	}

	// Resolve every operand except jumps, which wait for layout.
	var slots []slot
	opIndex := make(map[int]int)
	labelSlot := make(map[Label]int)
	type lineAt struct{ pos, slot, line int }
	var lines []lineAt
	for pos, ins := range list.Instrs {
		switch ins.Kind {
		case KindLabel:
			labelSlot[ins.Label] = len(slots)
		case KindLine:
			lines = append(lines, lineAt{pos, len(slots), ins.Line})
		case KindOp:
			info, _ := a.info(ins)
			s := slot{pos: pos, info: info}
			if !info.IsJump() {
				s.arg = t.index(a.tbl, ins.Arg)
				s.prefixes = code.Prefixes(a.tbl, s.arg)
			}
			opIndex[pos] = len(slots)
			slots = append(slots, s)
		}
	}

	offsets, err := a.layout(list, slots, labelSlot)
	if err != nil {
		return nil, err
	}

	b := code.NewBuilder(a.tbl)
	for _, s := range slots {
		if err := b.Emit(s.info.Code, s.arg, s.prefixes); err != nil {
			return nil, &OperandError{Pos: s.pos, Instr: s.info.Name, Reason: err.Error()}
		}
	}

	starts := make([]code.LineStart, len(lines))
	for i, l := range lines {
		starts[i] = code.LineStart{Offset: offsets[l.slot], Line: l.line}
	}
	lnotab, err := code.EncodeLineTable(r.FirstLineNo, starts)
	if err != nil {
		var le *code.LineOrderError
		if errors.As(err, &le) {
			return nil, &OperandError{Pos: lines[le.Index].pos, Instr: "line", Reason: fmt.Sprintf("line %d after line %d; line numbers cannot decrease", le.Line, le.Prev)}
		}
		return nil, &OperandError{Pos: -1, Reason: err.Error()}
	}

	obj := &code.Object{
		ArgCount:       argCount,
		KwOnlyArgCount: r.KwOnlyArgCount,
		NLocals:        len(t.varNames),
		StackSize:      res.max,
		Flags:          a.computeFlags(r, list, len(t.cellVars)+len(r.FreeVars)),
		Code:           b.Bytes(),
		Consts:         t.consts,
		Names:          t.names,
		VarNames:       t.varNames,
		FreeVars:       append([]string(nil), r.FreeVars...),
		CellVars:       t.cellVars,
		Filename:       r.Filename,
		Name:           r.Name,
		FirstLineNo:    r.FirstLineNo,
		LineTable:      lnotab,
		Blocks:         a.blockTable(list, res, offsets, opIndex, labelSlot),
	}
	e.done[r] = obj
	return obj, nil
}

// validate rejects elements the encoder cannot emit and labels that are
// placed twice or never.
func (a *Assembler) validate(list *List) error {
	for pos, ins := range list.Instrs {
		switch ins.Kind {
		case KindLine, KindLabel:
			continue
		case KindOp:
		default:
			return &OperandError{Pos: pos, Instr: fmt.Sprintf("kind %d", ins.Kind), Reason: "unknown element kind"}
		}
		info, name := a.info(ins)
		bad := func(format string, args ...any) error {
			return &OperandError{Pos: pos, Instr: name, Reason: fmt.Sprintf(format, args...)}
		}
		if info == nil {
			return bad("unknown operation")
		}
		if info.Code == a.tbl.ExtendedArg() {
			return bad("prefix operations are generated by the encoder")
		}
		if !ins.Arg.fits(info) {
			return bad("operand kind %s, want %s", ins.Arg.Kind, info.Arg)
		}
		switch info.Arg {
		case opcode.ArgConst:
			c := ins.Arg.Const
			if (c.Value == nil) == (c.Code == nil) {
				return bad("constant must hold either a literal or a routine")
			}
		case opcode.ArgCompare:
			if _, ok := a.tbl.CompareIndex(ins.Arg.Name); !ok {
				return bad("unknown comparison %q", ins.Arg.Name)
			}
		case opcode.ArgName, opcode.ArgLocal, opcode.ArgFree:
			if ins.Arg.Name == "" {
				return bad("empty name")
			}
		case opcode.ArgInt:
			if ins.Arg.Int < 0 {
				return bad("negative immediate %d", ins.Arg.Int)
			}
		}
	}
	_, err := resolveLabels(list)
	return err
}

// layout assigns offsets, growing prefix counts until every jump fits.
// Counts only grow, so each pass can only push targets further away.
// offsets has one entry per slot plus the end of the code.
func (a *Assembler) layout(list *List, slots []slot, labelSlot map[Label]int) ([]int, error) {
	offsets := make([]int, len(slots)+1)
	for pass := 1; ; pass++ {
		if pass > a.maxPasses {
			return nil, &ImmediateOverflowError{Passes: a.maxPasses}
		}
		for i, s := range slots {
			offsets[i+1] = offsets[i] + code.Width(a.tbl, s.info.Code, s.prefixes)
		}
		changed := false
		for i := range slots {
			s := &slots[i]
			if !s.info.IsJump() {
				continue
			}
			target := offsets[labelSlot[list.Instrs[s.pos].Arg.Label]]
			if s.info.Arg == opcode.ArgJumpRel {
				s.arg = target - offsets[i+1]
				if s.arg < 0 {
					return nil, &OperandError{Pos: s.pos, Instr: s.info.Name, Reason: "relative jump to an earlier position"}
				}
			} else {
				s.arg = target
			}
			if need := code.Prefixes(a.tbl, s.arg); need > s.prefixes {
				s.prefixes = need
				changed = true
			}
		}
		log.Debugf("prefix pass %d: %d bytes, changed=%t", pass, offsets[len(slots)], changed)
		if !changed {
			return offsets, nil
		}
	}
}

// blockTable lists the dynamic blocks the analyzer saw opened.
func (a *Assembler) blockTable(list *List, res *stackResult, offsets []int, opIndex map[int]int, labelSlot map[Label]int) []code.Block {
	var blocks []code.Block
	for pos, level := range res.opened {
		ins := list.Instrs[pos]
		_, name := a.info(ins)
		handler := offsets[labelSlot[ins.Arg.Label]]
		b := code.Block{
			Kind:    name,
			Start:   offsets[opIndex[pos]],
			End:     -1,
			Handler: handler,
			Level:   level,
		}
		for popPos, owner := range res.closes {
			if owner == pos {
				if end := offsets[opIndex[popPos]+1]; end > b.End {
					b.End = end
				}
			}
		}
		if b.End < 0 {
			b.End = handler
		}
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start < blocks[j].Start })
	return blocks
}

// tables accumulates the side tables of one routine.
type tables struct {
	consts   []code.Const
	names    []string
	varNames []string
	cellVars []string

	nameIdx  map[string]int
	localIdx map[string]int
	cellIdx  map[string]int
	freeIdx  map[string]int
	nested   map[*Routine]int
}

func (e *encoder) buildTables(r *Routine, list *List) (*tables, error) {
	t := &tables{
		names:    []string{},
		varNames: []string{},
		cellVars: []string{},
		nameIdx:  make(map[string]int),
		localIdx: make(map[string]int),
		cellIdx:  make(map[string]int),
		freeIdx:  make(map[string]int),
		nested:   make(map[*Routine]int),
	}
	var doc value.Value = value.None{}
	if r.Docstring != nil {
		doc = value.Str(*r.Docstring)
	}
	t.consts = []code.Const{code.Lit(doc)}

	for _, name := range r.Args {
		addName(&t.varNames, t.localIdx, name)
	}
	for i, name := range r.FreeVars {
		if _, dup := t.freeIdx[name]; !dup {
			t.freeIdx[name] = i
		}
	}
	for _, name := range r.CellVars {
		addName(&t.cellVars, t.cellIdx, name)
	}

	for pos, ins := range list.Instrs {
		if ins.Kind != KindOp {
			continue
		}
		switch ins.Arg.Kind {
		case opcode.ArgConst:
			if _, err := e.constIndex(t, ins.Arg.Const); err != nil {
				return nil, fmt.Errorf("constant at %d: %w", pos, err)
			}
		case opcode.ArgName:
			addName(&t.names, t.nameIdx, ins.Arg.Name)
		case opcode.ArgLocal:
			addName(&t.varNames, t.localIdx, ins.Arg.Name)
		case opcode.ArgFree:
			if _, isFree := t.freeIdx[ins.Arg.Name]; !isFree {
				addName(&t.cellVars, t.cellIdx, ins.Arg.Name)
			}
		}
	}
	return t, nil
}

func addName(table *[]string, idx map[string]int, name string) int {
	if i, ok := idx[name]; ok {
		return i
	}
	idx[name] = len(*table)
	*table = append(*table, name)
	return idx[name]
}

// constIndex interns a constant. Literals share a slot when value.Same
// holds; nested routines only when they are the same Routine.
func (e *encoder) constIndex(t *tables, c Constant) (int, error) {
	if c.Code != nil {
		if i, ok := t.nested[c.Code]; ok {
			return i, nil
		}
		obj, err := e.encode(c.Code)
		if err != nil {
			return 0, err
		}
		t.nested[c.Code] = len(t.consts)
		t.consts = append(t.consts, code.Nested(obj))
		return len(t.consts) - 1, nil
	}
	for i, have := range t.consts {
		if have.Code == nil && value.Same(have.Value, c.Value) {
			return i, nil
		}
	}
	t.consts = append(t.consts, code.Lit(c.Value))
	return len(t.consts) - 1, nil
}

// index returns the immediate of a non-jump operand. The tables already
// hold every operand, so lookups cannot miss.
func (t *tables) index(tbl *opcode.Table, arg Operand) int {
	switch arg.Kind {
	case opcode.ArgConst:
		if arg.Const.Code != nil {
			return t.nested[arg.Const.Code]
		}
		for i, have := range t.consts {
			if have.Code == nil && value.Same(have.Value, arg.Const.Value) {
				return i
			}
		}
	case opcode.ArgName:
		return t.nameIdx[arg.Name]
	case opcode.ArgLocal:
		return t.localIdx[arg.Name]
	case opcode.ArgFree:
		if i, ok := t.cellIdx[arg.Name]; ok {
			return i
		}
		return len(t.cellVars) + t.freeIdx[arg.Name]
	case opcode.ArgCompare:
		i, _ := tbl.CompareIndex(arg.Name)
		return i
	case opcode.ArgInt:
		return arg.Int
	}
	return 0
}
