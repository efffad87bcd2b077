package asm

import (
	"fmt"
	"io"
	"strings"

	"github.com/chazu/recode/pkg/opcode"
)

// Fprint writes a listing of list to w, one operation per line:
//
//	  2           1 LOAD_FAST            n
//	              2 LOAD_CONST           0
//	        >>    4 FOR_ITER             to L0
//
// A line marker prints as a blank line and puts its number in the left
// column of the next operation. ">>" flags operations that follow a label.
// The middle column is the list position.
func Fprint(w io.Writer, tbl *opcode.Table, list *List) error {
	var sb strings.Builder
	lineno := 0
	labeled := false
	for i, ins := range list.Instrs {
		switch ins.Kind {
		case KindLine:
			lineno = ins.Line
			sb.WriteString("\n")
			continue
		case KindLabel:
			labeled = true
			continue
		}

		linestr := ""
		if lineno != 0 {
			linestr = fmt.Sprintf("%d", lineno)
			lineno = 0
		}
		mark := ""
		if labeled {
			mark = ">>"
			labeled = false
		}
		name := fmt.Sprintf("<%d>", ins.Op)
		if info, ok := tbl.Lookup(ins.Op); ok {
			name = info.Name
		}
		line := fmt.Sprintf("%3s     %2s %4d %-20s %s", linestr, mark, i, name, operandString(ins.Arg))
		sb.WriteString(strings.TrimRight(line, " "))
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func operandString(arg Operand) string {
	if arg.Kind.IsJump() {
		return "to " + arg.Label.String()
	}
	return arg.String()
}

// String returns the listing of l against the default table.
func (l *List) String() string {
	var sb strings.Builder
	Fprint(&sb, opcode.Default(), l)
	return sb.String()
}

// Disassemble returns a listing of r and every routine nested in it, each
// preceded by a header describing its signature.
func (a *Assembler) Disassemble(r *Routine) string {
	var sb strings.Builder
	seen := make(map[*Routine]bool)
	a.disassemble(&sb, r, seen)
	return sb.String()
}

func (a *Assembler) disassemble(sb *strings.Builder, r *Routine, seen map[*Routine]bool) {
	if seen[r] {
		return
	}
	seen[r] = true

	fmt.Fprintf(sb, "; === %s ===\n", r.Name)
	if r.Filename != "" {
		fmt.Fprintf(sb, "; File: %s, line %d\n", r.Filename, r.FirstLineNo)
	}
	if len(r.Args) > 0 {
		fmt.Fprintf(sb, "; Args (%d): %s", len(r.Args), strings.Join(r.Args, ", "))
		if r.VarArgs {
			sb.WriteString(" [VARARGS]")
		}
		if r.VarKwArgs {
			sb.WriteString(" [VARKEYWORDS]")
		}
		sb.WriteString("\n")
	}
	if r.KwOnlyArgCount > 0 {
		fmt.Fprintf(sb, "; Keyword-only: %d\n", r.KwOnlyArgCount)
	}
	if len(r.CellVars) > 0 {
		fmt.Fprintf(sb, "; Cells: %s\n", strings.Join(r.CellVars, ", "))
	}
	if len(r.FreeVars) > 0 {
		fmt.Fprintf(sb, "; Free: %s\n", strings.Join(r.FreeVars, ", "))
	}
	if r.Docstring != nil {
		doc := *r.Docstring
		if runes := []rune(doc); len(runes) > 40 {
			doc = string(runes[:37]) + "..."
		}
		fmt.Fprintf(sb, "; Doc: %q\n", doc)
	}
	if r.Code != nil {
		Fprint(sb, a.tbl, r.Code)
	}

	if r.Code == nil {
		return
	}
	for _, ins := range r.Code.Instrs {
		if ins.Kind == KindOp && ins.Arg.Kind == opcode.ArgConst && ins.Arg.Const.Code != nil {
			sb.WriteString("\n")
			a.disassemble(sb, ins.Arg.Const.Code, seen)
		}
	}
}
