// Package opcode classifies the operations of a target stack VM.
//
// The classification is data, not code: a Table is loaded once per targeted
// runtime version from a TOML or YAML description and validated at load
// time. For every opcode number it records
//
//   - how the immediate operand is resolved (constant pool, name table,
//     local slot, closure cell, comparison vocabulary, jump target, raw int)
//   - how the operation moves control (falls through, exits, jumps,
//     branches, opens or closes a dynamic block)
//   - the net stack effect, either fixed or as a rule over the immediate
//
// The built-in "cpython34" table describes CPython 3.4 bytecode.
package opcode

import "fmt"

// Op is an opcode number as it appears in the raw instruction stream.
type Op uint8

// ArgKind says how an operation's immediate is resolved.
type ArgKind uint8

const (
	ArgNone    ArgKind = iota // no immediate
	ArgInt                    // raw integer, passed through
	ArgConst                  // index into the constant pool
	ArgName                   // index into the name table
	ArgLocal                  // index into the local variable names
	ArgFree                   // index into cell variables followed by free variables
	ArgCompare                // index into the comparison operator vocabulary
	ArgJumpRel                // displacement from the end of the instruction
	ArgJumpAbs                // absolute byte offset
)

var argKindNames = map[ArgKind]string{
	ArgNone:    "none",
	ArgInt:     "int",
	ArgConst:   "const",
	ArgName:    "name",
	ArgLocal:   "local",
	ArgFree:    "free",
	ArgCompare: "compare",
	ArgJumpRel: "jrel",
	ArgJumpAbs: "jabs",
}

// String returns the configuration spelling of the kind.
func (k ArgKind) String() string {
	if s, ok := argKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ArgKind(%d)", k)
}

// IsJump reports whether the immediate names a jump target.
func (k ArgKind) IsJump() bool {
	return k == ArgJumpRel || k == ArgJumpAbs
}

// Flow describes where control goes after an operation.
type Flow uint8

const (
	FlowNext     Flow = iota // falls through
	FlowExit                 // leaves the routine or the loop: return, raise, break
	FlowJump                 // unconditional jump
	FlowBranch               // conditional jump, may fall through
	FlowContinue             // jump that also discards the innermost block
	FlowSetup                // opens a dynamic block whose handler is the jump target
	FlowPopBlock             // closes the innermost dynamic block
)

var flowNames = map[Flow]string{
	FlowNext:     "next",
	FlowExit:     "exit",
	FlowJump:     "jump",
	FlowBranch:   "branch",
	FlowContinue: "continue",
	FlowSetup:    "setup",
	FlowPopBlock: "pop_block",
}

// String returns the configuration spelling of the flow.
func (f Flow) String() string {
	if s, ok := flowNames[f]; ok {
		return s
	}
	return fmt.Sprintf("Flow(%d)", f)
}

// targets reports whether operations with this flow reference a jump target.
func (f Flow) targets() bool {
	switch f {
	case FlowJump, FlowBranch, FlowContinue, FlowSetup:
		return true
	}
	return false
}

// Info is the static metadata for one operation.
type Info struct {
	Name string
	Code Op
	Arg  ArgKind
	Flow Flow

	// Effect and Rule define the net stack delta reported by the oracle.
	Effect int
	Rule   Rule

	// JumpEffect is applied on the taken edge of jump, branch and (on the
	// enclosing block) setup operations.
	JumpEffect int
	// FallthroughEffect, when set, replaces the oracle on the fallthrough
	// edge. Used for block cleanups whose pops the oracle does not see.
	FallthroughEffect *int

	// Setup operations only.
	HandlerEffect int // pushed on the enclosing block when the handler runs
	BodyEffect    int // applied to the enclosing block on entry to the body
	BlockBase     int // initial depth of the opened block
	LandingEffect int // added on every arrival at the handler label

	Yield       bool // suspends a generator
	Unoptimized bool // uses the dynamic name scope instead of fast locals
}

// HasArg reports whether the operation carries an immediate.
func (i *Info) HasArg() bool { return i.Arg != ArgNone }

// IsJump reports whether the immediate is a jump target.
func (i *Info) IsJump() bool { return i.Arg.IsJump() }

// HasFlow reports whether the operation ever diverts control from the next
// instruction: jumps, returns, raises, loop breaks and generator suspends.
func (i *Info) HasFlow() bool { return i.Flow != FlowNext || i.Yield }

// String returns the operation name.
func (i *Info) String() string { return i.Name }
