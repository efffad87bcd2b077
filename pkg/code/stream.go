package code

import (
	"errors"
	"fmt"

	"github.com/chazu/recode/pkg/opcode"
)

// Errors reported by Reader, wrapped in an *OffsetError.
var (
	ErrTruncated      = errors.New("truncated instruction")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrDanglingPrefix = errors.New("extended argument prefix not followed by an instruction")
)

// OffsetError locates a malformed instruction in a code stream.
type OffsetError struct {
	Offset int
	Err    error
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("offset %d: %v", e.Offset, e.Err)
}

func (e *OffsetError) Unwrap() error { return e.Err }

// Instruction is one decoded instruction with its prefixes folded in.
type Instruction struct {
	Offset   int // offset of the first prefix, or of the opcode when there is none
	End      int // offset just past the immediate
	Op       opcode.Op
	Info     *opcode.Info
	Arg      int // full immediate, 0 when the operation takes none
	Prefixes int // extended argument prefixes consumed
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// Reader walks a code stream one instruction at a time.
type Reader struct {
	tbl   *opcode.Table
	bytes []byte
	pos   int
}

// NewReader creates a reader for code laid out per tbl.
func NewReader(tbl *opcode.Table, bc []byte) *Reader {
	return &Reader{tbl: tbl, bytes: bc}
}

// Position returns the current read position.
func (r *Reader) Position() int { return r.pos }

// HasMore returns true if there are more bytes to read.
func (r *Reader) HasMore() bool { return r.pos < len(r.bytes) }

// Next decodes the next instruction, accumulating any extended argument
// prefixes into its immediate.
func (r *Reader) Next() (Instruction, error) {
	ins := Instruction{Offset: r.pos}
	ext := r.tbl.ExtendedArg()
	width := r.tbl.ArgBytes()
	acc := 0
	for {
		if r.pos >= len(r.bytes) {
			if ins.Prefixes > 0 {
				return ins, &OffsetError{Offset: ins.Offset, Err: ErrDanglingPrefix}
			}
			return ins, &OffsetError{Offset: r.pos, Err: ErrTruncated}
		}
		at := r.pos
		op := opcode.Op(r.bytes[r.pos])
		info, ok := r.tbl.Lookup(op)
		if !ok {
			return ins, &OffsetError{Offset: at, Err: fmt.Errorf("%w %d", ErrUnknownOpcode, op)}
		}
		r.pos++
		imm := 0
		if info.HasArg() {
			if r.pos+width > len(r.bytes) {
				return ins, &OffsetError{Offset: at, Err: ErrTruncated}
			}
			for i := width - 1; i >= 0; i-- {
				imm = imm<<8 | int(r.bytes[r.pos+i])
			}
			r.pos += width
		}
		if op == ext {
			acc = (acc | imm) << r.tbl.ArgBits()
			ins.Prefixes++
			continue
		}
		if ins.Prefixes > 0 && !info.HasArg() {
			return ins, &OffsetError{Offset: ins.Offset, Err: ErrDanglingPrefix}
		}
		ins.Op = op
		ins.Info = info
		ins.Arg = acc | imm
		ins.End = r.pos
		return ins, nil
	}
}

// ReadAll decodes an entire code stream.
func ReadAll(tbl *opcode.Table, bc []byte) ([]Instruction, error) {
	r := NewReader(tbl, bc)
	var out []Instruction
	for r.HasMore() {
		ins, err := r.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Builder assembles a code stream.
type Builder struct {
	tbl   *opcode.Table
	bytes []byte
}

// NewBuilder creates a builder for code laid out per tbl.
func NewBuilder(tbl *opcode.Table) *Builder {
	return &Builder{tbl: tbl, bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed code.
func (b *Builder) Bytes() []byte { return b.bytes }

// Len returns the current length.
func (b *Builder) Len() int { return len(b.bytes) }

// Prefixes returns the minimum number of extended argument prefixes needed
// to carry arg.
func Prefixes(tbl *opcode.Table, arg int) int {
	n := 0
	for v := arg >> tbl.ArgBits(); v > 0; v >>= tbl.ArgBits() {
		n++
	}
	return n
}

// Width returns the encoded size of op carrying prefixes extended argument
// prefixes.
func Width(tbl *opcode.Table, op opcode.Op, prefixes int) int {
	return prefixes*tbl.InstrLen(tbl.ExtendedArg()) + tbl.InstrLen(op)
}

// Emit appends op preceded by exactly prefixes extended argument prefixes.
// High-order chunks beyond what arg needs are emitted as zero.
func (b *Builder) Emit(op opcode.Op, arg, prefixes int) error {
	info, ok := b.tbl.Lookup(op)
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownOpcode, op)
	}
	if !info.HasArg() {
		if arg != 0 || prefixes != 0 {
			return fmt.Errorf("%s takes no immediate", info.Name)
		}
		b.bytes = append(b.bytes, byte(op))
		return nil
	}
	if arg < 0 {
		return fmt.Errorf("%s: negative immediate %d", info.Name, arg)
	}
	if need := Prefixes(b.tbl, arg); need > prefixes {
		return fmt.Errorf("%s: immediate %d needs %d prefixes, have %d", info.Name, arg, need, prefixes)
	}
	bits := b.tbl.ArgBits()
	mask := b.tbl.MaxArg()
	for i := prefixes; i >= 1; i-- {
		b.emitImm(b.tbl.ExtendedArg(), (arg>>(bits*i))&mask)
	}
	b.emitImm(op, arg&mask)
	return nil
}

func (b *Builder) emitImm(op opcode.Op, imm int) {
	b.bytes = append(b.bytes, byte(op))
	for i := 0; i < b.tbl.ArgBytes(); i++ {
		b.bytes = append(b.bytes, byte(imm>>(8*i)))
	}
}
