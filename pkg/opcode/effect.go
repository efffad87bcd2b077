package opcode

import "fmt"

// Rule computes an operation's stack effect from its immediate.
type Rule uint8

const (
	RuleFixed        Rule = iota // Effect
	RuleSubArg                   // Effect - arg
	RuleAddArg                   // Effect + arg
	RuleUnpackEx                 // Effect + (arg & 0xFF) + (arg >> 8)
	RuleCall                     // Effect - positional - 2*keyword
	RuleMakeFunction             // RuleCall - annotation count
)

var ruleNames = map[Rule]string{
	RuleFixed:        "fixed",
	RuleSubArg:       "sub_arg",
	RuleAddArg:       "add_arg",
	RuleUnpackEx:     "unpack_ex",
	RuleCall:         "call",
	RuleMakeFunction: "make_function",
}

// String returns the configuration spelling of the rule.
func (r Rule) String() string {
	if s, ok := ruleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Rule(%d)", r)
}

// EffectFunc is a stack-effect oracle: the net number of values an
// operation leaves on the stack given its integer immediate. Operations
// whose immediate is not an integer are queried with arg 0.
type EffectFunc func(info *Info, arg int) (int, error)

// callArgs decodes the packed positional/keyword argument counts.
func callArgs(arg int) int {
	return (arg & 0xFF) + 2*((arg>>8)&0xFF)
}

// StackEffect is the default oracle, driven by each operation's Rule.
func (t *Table) StackEffect(info *Info, arg int) (int, error) {
	if info == nil {
		return 0, fmt.Errorf("opcode: stack effect of nil operation")
	}
	if info.Code == t.extendedArg {
		return 0, fmt.Errorf("opcode: %s has no stack effect of its own", info.Name)
	}
	switch info.Rule {
	case RuleFixed:
		return info.Effect, nil
	case RuleSubArg:
		return info.Effect - arg, nil
	case RuleAddArg:
		return info.Effect + arg, nil
	case RuleUnpackEx:
		return info.Effect + (arg & 0xFF) + (arg >> 8), nil
	case RuleCall:
		return info.Effect - callArgs(arg), nil
	case RuleMakeFunction:
		return info.Effect - callArgs(arg) - ((arg >> 16) & 0xFFFF), nil
	}
	return 0, fmt.Errorf("opcode: %s has unknown stack effect rule %s", info.Name, info.Rule)
}
