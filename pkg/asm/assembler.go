// Package asm converts compiled routines to and from an editable symbolic
// form.
//
// Decode turns a code.Object into a Routine whose instruction List refers
// to labels, names and constants instead of offsets and table indices.
// Encode turns a Routine back into a code.Object, rebuilding the side
// tables, splitting oversized immediates over prefix instructions, and
// computing the maximum stack depth. Decoding and re-encoding an
// unmodified routine yields an equivalent routine.
//
// An Assembler is bound to one opcode.Table and is safe for concurrent use.
package asm

import (
	"fmt"

	"github.com/chazu/recode/pkg/code"
	"github.com/chazu/recode/pkg/opcode"
	"github.com/tliron/commonlog"
)

// DefaultMaxPrefixPasses caps the prefix layout loop.
const DefaultMaxPrefixPasses = 32

var log = commonlog.GetLogger("recode.asm")

// Assembler decodes and encodes routines for one target table.
type Assembler struct {
	tbl       *opcode.Table
	effect    opcode.EffectFunc
	maxPasses int
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithStackEffect replaces the table's stack-effect oracle.
func WithStackEffect(f opcode.EffectFunc) Option {
	return func(a *Assembler) { a.effect = f }
}

// WithMaxPrefixPasses sets the cap on prefix layout passes. Values below 1
// keep the default.
func WithMaxPrefixPasses(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxPasses = n
		}
	}
}

// New creates an Assembler for tbl, or for opcode.Default() when tbl is nil.
func New(tbl *opcode.Table, opts ...Option) *Assembler {
	if tbl == nil {
		tbl = opcode.Default()
	}
	a := &Assembler{tbl: tbl, effect: tbl.StackEffect, maxPasses: DefaultMaxPrefixPasses}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Table returns the assembler's opcode table.
func (a *Assembler) Table() *opcode.Table { return a.tbl }

// Op builds an operation element by name. It panics if the table has no
// such operation.
func (a *Assembler) Op(name string, arg Operand) Instr {
	return Op(a.tbl.MustOp(name), arg)
}

// Roundtrip decodes obj and encodes the result again.
func (a *Assembler) Roundtrip(obj *code.Object) (*code.Object, error) {
	r, err := a.Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", obj.Name, err)
	}
	out, err := a.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", obj.Name, err)
	}
	return out, nil
}

// info looks up the operation of an element, naming it for error messages.
func (a *Assembler) info(ins Instr) (*opcode.Info, string) {
	if info, ok := a.tbl.Lookup(ins.Op); ok {
		return info, info.Name
	}
	return nil, fmt.Sprintf("opcode %d", ins.Op)
}
