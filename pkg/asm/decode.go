package asm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chazu/recode/pkg/code"
	"github.com/chazu/recode/pkg/opcode"
	"github.com/chazu/recode/pkg/value"
)

// Decode converts a compiled routine into its symbolic form. Nested
// routines in the constant pool are decoded too; a code object that
// appears more than once decodes to a single shared Routine.
//
// Decode only checks what it needs to build the list. Any problem is
// reported as a *StructuralError.
func (a *Assembler) Decode(obj *code.Object) (*Routine, error) {
	d := &decoder{a: a, seen: make(map[*code.Object]*Routine)}
	return d.decode(obj)
}

type decoder struct {
	a    *Assembler
	seen map[*code.Object]*Routine
}

func structural(offset int, format string, args ...any) error {
	return &StructuralError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) decode(obj *code.Object) (*Routine, error) {
	if r, ok := d.seen[obj]; ok {
		return r, nil
	}
	tbl := d.a.tbl

	raw, err := code.ReadAll(tbl, obj.Code)
	if err != nil {
		var oe *code.OffsetError
		if errors.As(err, &oe) {
			return nil, structural(oe.Offset, "%v", oe.Err)
		}
		return nil, structural(-1, "%v", err)
	}

	codeLen := len(obj.Code)
	isStart := make(map[int]bool, len(raw)+1)
	for _, ins := range raw {
		isStart[ins.Offset] = true
	}
	isStart[codeLen] = true

	// Every jump target gets one label, shared by all jumps to it.
	list := NewList()
	targets := make(map[int]bool)
	for _, ins := range raw {
		if !ins.Info.IsJump() {
			continue
		}
		target := jumpTarget(ins)
		if !isStart[target] {
			return nil, structural(ins.Offset, "%s target %d is not an instruction start", ins.Info.Name, target)
		}
		targets[target] = true
	}
	sorted := make([]int, 0, len(targets))
	for off := range targets {
		sorted = append(sorted, off)
	}
	sort.Ints(sorted)
	labelAt := make(map[int]Label, len(sorted))
	for _, off := range sorted {
		labelAt[off] = list.NewLabel()
	}

	starts, err := code.DecodeLineTable(obj.LineTable, obj.FirstLineNo, codeLen)
	if err != nil {
		return nil, structural(-1, "%v", err)
	}
	lineAt := make(map[int]int, len(starts))
	for _, s := range starts {
		if !isStart[s.Offset] {
			return nil, structural(s.Offset, "line %d starts inside an instruction", s.Line)
		}
		lineAt[s.Offset] = s.Line
	}

	for _, b := range obj.Blocks {
		for _, off := range []int{b.Start, b.End, b.Handler} {
			if off < 0 || off > codeLen {
				return nil, structural(off, "%s block bound outside the code", b.Kind)
			}
		}
	}

	r := &Routine{
		Code:           list,
		KwOnlyArgCount: obj.KwOnlyArgCount,
		VarArgs:        obj.Flags.Has(code.FlagVarArgs),
		VarKwArgs:      obj.Flags.Has(code.FlagVarKeywords),
		NewLocals:      obj.Flags.Has(code.FlagNewLocals),
		Flags:          obj.Flags,
		FreeVars:       append([]string(nil), obj.FreeVars...),
		CellVars:       append([]string(nil), obj.CellVars...),
		Name:           obj.Name,
		Filename:       obj.Filename,
		FirstLineNo:    obj.FirstLineNo,
	}
	d.seen[obj] = r

	nargs := obj.ArgCount + obj.KwOnlyArgCount
	if r.VarArgs {
		nargs++
	}
	if r.VarKwArgs {
		nargs++
	}
	if obj.ArgCount < 0 || obj.KwOnlyArgCount < 0 || nargs > len(obj.VarNames) {
		return nil, structural(-1, "%d parameters but only %d local names", nargs, len(obj.VarNames))
	}
	r.Args = append([]string(nil), obj.VarNames[:nargs]...)
	if len(obj.Consts) > 0 {
		if s, ok := obj.Consts[0].Value.(value.Str); ok {
			doc := string(s)
			r.Docstring = &doc
		}
	}

	consts := make([]*Constant, len(obj.Consts))
	closure := obj.Closure()

	emitMarks := func(off int) {
		if l, ok := labelAt[off]; ok {
			list.Append(Place(l))
		}
		if line, ok := lineAt[off]; ok {
			list.Append(Line(line))
		}
	}

	for _, ins := range raw {
		emitMarks(ins.Offset)
		arg, err := d.operand(obj, ins, consts, closure, labelAt)
		if err != nil {
			return nil, err
		}
		list.Append(Op(ins.Op, arg))
	}
	emitMarks(codeLen)

	return r, nil
}

func jumpTarget(ins code.Instruction) int {
	if ins.Info.Arg == opcode.ArgJumpRel {
		return ins.End + ins.Arg
	}
	return ins.Arg
}

func (d *decoder) operand(obj *code.Object, ins code.Instruction, consts []*Constant, closure []string, labelAt map[int]Label) (Operand, error) {
	info := ins.Info
	i := ins.Arg
	index := func(n int, table string) error {
		if i < 0 || i >= n {
			return structural(ins.Offset, "%s index %d out of range for %s (%d entries)", info.Name, i, table, n)
		}
		return nil
	}

	switch info.Arg {
	case opcode.ArgNone:
		return NoArg, nil
	case opcode.ArgInt:
		return Int(i), nil
	case opcode.ArgConst:
		if err := index(len(obj.Consts), "constants"); err != nil {
			return NoArg, err
		}
		if consts[i] == nil {
			c, err := d.constant(obj.Consts[i], ins.Offset)
			if err != nil {
				return NoArg, err
			}
			consts[i] = &c
		}
		return Const(*consts[i]), nil
	case opcode.ArgName:
		if err := index(len(obj.Names), "names"); err != nil {
			return NoArg, err
		}
		return Name(obj.Names[i]), nil
	case opcode.ArgLocal:
		if err := index(len(obj.VarNames), "local names"); err != nil {
			return NoArg, err
		}
		return Local(obj.VarNames[i]), nil
	case opcode.ArgFree:
		if err := index(len(closure), "cell and free variables"); err != nil {
			return NoArg, err
		}
		return Free(closure[i]), nil
	case opcode.ArgCompare:
		s, ok := d.a.tbl.CompareOp(i)
		if !ok {
			return NoArg, structural(ins.Offset, "comparison %d out of range", i)
		}
		return Compare(s), nil
	case opcode.ArgJumpRel, opcode.ArgJumpAbs:
		return jumpOperand(info.Arg, labelAt[jumpTarget(ins)]), nil
	}
	return NoArg, structural(ins.Offset, "%s has unknown operand kind %s", info.Name, info.Arg)
}

func (d *decoder) constant(c code.Const, offset int) (Constant, error) {
	switch {
	case c.Code != nil:
		log.Debugf("decoding nested routine %s", c.Code.Name)
		nested, err := d.decode(c.Code)
		if err != nil {
			return Constant{}, err
		}
		return Nested(nested), nil
	case c.Value != nil:
		return Literal(c.Value), nil
	}
	return Constant{}, structural(offset, "empty constant")
}
