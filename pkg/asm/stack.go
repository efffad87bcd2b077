package asm

import (
	"fmt"
	"slices"

	"github.com/chazu/recode/pkg/opcode"
)

// The analyzer walks every path through a list and records the stack
// state at each position. A state is a list of block depths: entry 0 is
// the routine's own stack, each later entry a dynamic block opened by a
// setup operation. Every position must be reached with one state only.

// stackResult is what a successful analysis knows about a list.
type stackResult struct {
	max    int
	states [][]int     // per position, nil when unreachable
	opened map[int]int // setup position -> stack level when it ran
	closes map[int]int // pop position -> setup position of the block it closed
}

type frame struct {
	pos    int
	depths []int
	owners []int // setup position per block, -1 for the base
}

type analyzer struct {
	a        *Assembler
	list     *List
	labelPos map[Label]int
	landing  map[int]int // label position -> landing effect
	owners   [][]int     // per position, alongside res.states
	res      *stackResult
	work     []frame
}

// StackDepth returns the maximum operand stack depth any path through
// list can reach.
func (a *Assembler) StackDepth(list *List) (int, error) {
	res, err := a.analyze(list)
	if err != nil {
		return 0, err
	}
	return res.max, nil
}

func (a *Assembler) analyze(list *List) (*stackResult, error) {
	labelPos, err := resolveLabels(list)
	if err != nil {
		return nil, err
	}
	z := &analyzer{
		a:        a,
		list:     list,
		labelPos: labelPos,
		landing:  make(map[int]int),
		owners:   make([][]int, len(list.Instrs)),
		res: &stackResult{
			states: make([][]int, len(list.Instrs)),
			opened: make(map[int]int),
			closes: make(map[int]int),
		},
	}
	for pos, ins := range list.Instrs {
		if ins.Kind != KindOp {
			continue
		}
		info, name := a.info(ins)
		if info == nil {
			return nil, &OperandError{Pos: pos, Instr: name, Reason: "unknown operation"}
		}
		if info.IsJump() && !ins.Arg.Kind.IsJump() {
			return nil, &OperandError{Pos: pos, Instr: name, Reason: "jump without a label operand"}
		}
		if info.Flow == opcode.FlowSetup && info.LandingEffect != 0 {
			z.landing[labelPos[ins.Arg.Label]] = info.LandingEffect
		}
	}

	z.work = append(z.work, frame{pos: 0, depths: []int{0}, owners: []int{-1}})
	for len(z.work) > 0 {
		f := z.work[len(z.work)-1]
		z.work = z.work[:len(z.work)-1]
		if err := z.follow(f); err != nil {
			return nil, err
		}
	}
	log.Debugf("stack depth %d over %d elements", z.res.max, len(list.Instrs))
	return z.res, nil
}

// follow walks one path until it ends, joins a known state, or branches.
// Branch targets are pushed on the worklist.
func (z *analyzer) follow(f frame) error {
	pos, depths, owners := f.pos, f.depths, f.owners
	for pos < len(z.list.Instrs) {
		ins := z.list.Instrs[pos]

		if ins.Kind == KindLabel {
			if eff := z.landing[pos]; eff != 0 {
				landed, ok := addTop(depths, eff)
				if !ok {
					return &InconsistentStackError{Pos: pos, Instr: ins.Label.String(), Got: depths, Reason: "stack underflow"}
				}
				depths = landed
			}
		}

		if prev := z.res.states[pos]; prev != nil {
			if !slices.Equal(prev, depths) {
				return &InconsistentStackError{Pos: pos, Instr: z.describe(ins), Want: prev, Got: depths}
			}
			if !slices.Equal(z.owners[pos], owners) {
				return &InconsistentStackError{Pos: pos, Instr: z.describe(ins), Want: prev, Got: depths,
					Reason: fmt.Sprintf("reached inside blocks opened at %v, previously %v", openedAt(owners), openedAt(z.owners[pos]))}
			}
			return nil
		}
		z.res.states[pos] = depths
		z.owners[pos] = owners
		z.reach(depths)

		if ins.Kind != KindOp {
			pos++
			continue
		}

		info, name := z.a.info(ins)
		underflow := func() error {
			return &InconsistentStackError{Pos: pos, Instr: name, Got: depths, Reason: "stack underflow"}
		}
		noBlock := func() error {
			return &InconsistentStackError{Pos: pos, Instr: name, Got: depths, Reason: "no block to pop"}
		}

		switch info.Flow {
		case opcode.FlowNext, opcode.FlowBranch:
			if info.Flow == opcode.FlowBranch {
				taken, ok := addTop(depths, info.JumpEffect)
				if !ok {
					return underflow()
				}
				z.push(ins.Arg.Label, taken, owners)
			}
			delta, err := z.fallthroughEffect(pos, info, ins)
			if err != nil {
				return err
			}
			next, ok := addTop(depths, delta)
			if !ok {
				return underflow()
			}
			depths = next
			z.reach(depths)
			pos++

		case opcode.FlowExit:
			return nil

		case opcode.FlowJump:
			taken, ok := addTop(depths, info.JumpEffect)
			if !ok {
				return underflow()
			}
			z.push(ins.Arg.Label, taken, owners)
			return nil

		case opcode.FlowContinue:
			if len(depths) < 2 {
				return noBlock()
			}
			z.push(ins.Arg.Label, slices.Clone(depths[:len(depths)-1]), slices.Clone(owners[:len(owners)-1]))
			return nil

		case opcode.FlowSetup:
			handler, ok := addTop(depths, info.HandlerEffect)
			if !ok {
				return underflow()
			}
			z.push(ins.Arg.Label, handler, owners)
			z.res.opened[pos] = sum(depths)

			body, ok := addTop(depths, info.BodyEffect)
			if !ok {
				return underflow()
			}
			depths = append(body, info.BlockBase)
			owners = append(slices.Clone(owners), pos)
			pos++

		case opcode.FlowPopBlock:
			if len(depths) < 2 {
				return noBlock()
			}
			z.res.closes[pos] = owners[len(owners)-1]
			depths = slices.Clone(depths[:len(depths)-1])
			owners = slices.Clone(owners[:len(owners)-1])
			pos++

		default:
			return &OperandError{Pos: pos, Instr: name, Reason: "unknown control flow " + info.Flow.String()}
		}
	}
	return nil
}

// reach records a state some path passes through. Paths may fall off the
// end of the list, so the last operation's result counts too.
func (z *analyzer) reach(depths []int) {
	if s := sum(depths); s > z.res.max {
		z.res.max = s
	}
}

func (z *analyzer) push(l Label, depths, owners []int) {
	z.work = append(z.work, frame{pos: z.labelPos[l], depths: depths, owners: owners})
}

func (z *analyzer) fallthroughEffect(pos int, info *opcode.Info, ins Instr) (int, error) {
	if info.FallthroughEffect != nil {
		return *info.FallthroughEffect, nil
	}
	arg := 0
	if ins.Arg.Kind == opcode.ArgInt {
		arg = ins.Arg.Int
	}
	delta, err := z.a.effect(info, arg)
	if err != nil {
		return 0, &OperandError{Pos: pos, Instr: info.Name, Reason: err.Error()}
	}
	return delta, nil
}

func (z *analyzer) describe(ins Instr) string {
	switch ins.Kind {
	case KindLabel:
		return ins.Label.String()
	case KindLine:
		return "line marker"
	}
	_, name := z.a.info(ins)
	return name
}

// addTop returns a copy of depths with delta added to the innermost block,
// or false if that would make it negative.
func addTop(depths []int, delta int) ([]int, bool) {
	out := slices.Clone(depths)
	out[len(out)-1] += delta
	return out, out[len(out)-1] >= 0
}

func sum(depths []int) int {
	n := 0
	for _, d := range depths {
		n += d
	}
	return n
}

// resolveLabels maps every placed label to its position. A label placed
// twice, or referenced by a jump but never placed, is an error.
func resolveLabels(list *List) (map[Label]int, error) {
	placed := list.placements()
	for pos, ins := range list.Instrs {
		if ins.Kind == KindLabel {
			if at := placed[ins.Label]; len(at) > 1 && at[0] != pos {
				return nil, &UnresolvedLabelError{Label: ins.Label, Placements: len(at), Pos: pos}
			}
		}
	}
	labelPos := make(map[Label]int, len(placed))
	for l, at := range placed {
		labelPos[l] = at[0]
	}
	for pos, ins := range list.Instrs {
		if ins.Kind == KindOp && ins.Arg.Kind.IsJump() {
			if _, ok := labelPos[ins.Arg.Label]; !ok {
				return nil, &UnresolvedLabelError{Label: ins.Arg.Label, Pos: pos}
			}
		}
	}
	return labelPos, nil
}

// openedAt drops the base entry from an owner list.
func openedAt(owners []int) []int {
	return owners[1:]
}
