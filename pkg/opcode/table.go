package opcode

import (
	"fmt"
	"sort"
)

// Table is a validated operand classifier for one runtime version.
// It is immutable and safe for concurrent use.
type Table struct {
	name         string
	haveArgument int
	extendedArg  Op
	argBytes     int
	compareOps   []string

	ops    [256]*Info
	byName map[string]*Info
}

// Name returns the table's identifier, e.g. "cpython34".
func (t *Table) Name() string { return t.name }

// Lookup returns the metadata for an opcode number.
func (t *Table) Lookup(op Op) (*Info, bool) {
	info := t.ops[op]
	return info, info != nil
}

// ByName returns the metadata for an operation name.
func (t *Table) ByName(name string) (*Info, bool) {
	info, ok := t.byName[name]
	return info, ok
}

// MustOp returns the opcode for name and panics if the table lacks it.
// Intended for callers that hard-code operation names for a known table.
func (t *Table) MustOp(name string) Op {
	info, ok := t.byName[name]
	if !ok {
		panic(fmt.Sprintf("opcode: table %s has no operation %s", t.name, name))
	}
	return info.Code
}

// Ops returns all operations sorted by opcode number.
func (t *Table) Ops() []*Info {
	out := make([]*Info, 0, len(t.byName))
	for _, info := range t.byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Len returns the number of operations in the table.
func (t *Table) Len() int { return len(t.byName) }

// ExtendedArg returns the oversized-immediate prefix opcode.
func (t *Table) ExtendedArg() Op { return t.extendedArg }

// HaveArgument returns the lowest opcode that carries an immediate.
func (t *Table) HaveArgument() int { return t.haveArgument }

// ArgBytes returns the width of one instruction's immediate in bytes.
func (t *Table) ArgBytes() int { return t.argBytes }

// ArgBits returns the width of one instruction's immediate in bits.
func (t *Table) ArgBits() int { return 8 * t.argBytes }

// MaxArg returns the largest immediate that fits a single instruction.
func (t *Table) MaxArg() int { return 1<<t.ArgBits() - 1 }

// InstrLen returns the encoded width of op without prefixes.
func (t *Table) InstrLen(op Op) int {
	if int(op) >= t.haveArgument {
		return 1 + t.argBytes
	}
	return 1
}

// CompareOps returns the comparison operator vocabulary.
func (t *Table) CompareOps() []string {
	out := make([]string, len(t.compareOps))
	copy(out, t.compareOps)
	return out
}

// CompareOp returns the comparison operator at index i.
func (t *Table) CompareOp(i int) (string, bool) {
	if i < 0 || i >= len(t.compareOps) {
		return "", false
	}
	return t.compareOps[i], true
}

// CompareIndex returns the index of a comparison operator.
func (t *Table) CompareIndex(s string) (int, bool) {
	for i, c := range t.compareOps {
		if c == s {
			return i, true
		}
	}
	return 0, false
}

// newTable validates a decoded table description.
func newTable(f *tableFile) (*Table, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("table has no name")
	}
	t := &Table{
		name:         f.Name,
		haveArgument: f.HaveArgument,
		argBytes:     f.ArgBytes,
		compareOps:   append([]string(nil), f.CompareOps...),
		byName:       make(map[string]*Info, len(f.Ops)),
	}
	if t.argBytes == 0 {
		t.argBytes = 2
	}
	if t.argBytes < 1 || t.argBytes > 4 {
		return nil, fmt.Errorf("table %s: arg_bytes %d out of range 1..4", f.Name, t.argBytes)
	}
	if t.haveArgument < 0 || t.haveArgument > 256 {
		return nil, fmt.Errorf("table %s: have_argument %d out of range", f.Name, t.haveArgument)
	}
	if f.ExtendedArg < 0 || f.ExtendedArg > 255 {
		return nil, fmt.Errorf("table %s: extended_arg %d out of range", f.Name, f.ExtendedArg)
	}
	t.extendedArg = Op(f.ExtendedArg)

	usesCompare := false
	for i := range f.Ops {
		info, err := f.Ops[i].info()
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", f.Name, err)
		}
		if t.ops[info.Code] != nil {
			return nil, fmt.Errorf("table %s: opcode %d defined twice (%s, %s)",
				f.Name, info.Code, t.ops[info.Code].Name, info.Name)
		}
		if _, dup := t.byName[info.Name]; dup {
			return nil, fmt.Errorf("table %s: operation %s defined twice", f.Name, info.Name)
		}
		if hasArg := int(info.Code) >= t.haveArgument; hasArg != info.HasArg() {
			return nil, fmt.Errorf("table %s: %s (%d) has arg kind %s but have_argument is %d",
				f.Name, info.Name, info.Code, info.Arg, t.haveArgument)
		}
		if info.Flow.targets() != info.IsJump() {
			return nil, fmt.Errorf("table %s: %s has flow %s with arg kind %s",
				f.Name, info.Name, info.Flow, info.Arg)
		}
		if info.Arg == ArgCompare {
			usesCompare = true
		}
		t.ops[info.Code] = info
		t.byName[info.Name] = info
	}

	ext := t.ops[t.extendedArg]
	if ext == nil {
		return nil, fmt.Errorf("table %s: extended_arg opcode %d is not defined", f.Name, t.extendedArg)
	}
	if ext.Arg != ArgInt || ext.Flow != FlowNext {
		return nil, fmt.Errorf("table %s: extended_arg %s must be an int operation that falls through", f.Name, ext.Name)
	}
	if usesCompare && len(t.compareOps) == 0 {
		return nil, fmt.Errorf("table %s: compare operations defined without compare_ops", f.Name)
	}
	return t, nil
}
