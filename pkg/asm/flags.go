package asm

import "github.com/chazu/recode/pkg/code"

// computedFlags are the bits the encoder derives. All others pass through
// from Routine.Flags.
const computedFlags = code.FlagOptimized | code.FlagNewLocals | code.FlagVarArgs |
	code.FlagVarKeywords | code.FlagGenerator | code.FlagNoFree | code.FlagIterableCoroutine

// computeFlags derives the flag bits that follow from the routine's code
// and signature. closureVars is the number of cell and free variables.
func (a *Assembler) computeFlags(r *Routine, list *List, closureVars int) code.Flags {
	optimized, generator := true, false
	for _, ins := range list.Instrs {
		if ins.Kind != KindOp {
			continue
		}
		info, _ := a.info(ins)
		if info.Unoptimized {
			optimized = false
		}
		if info.Yield {
			generator = true
		}
	}

	f := r.Flags &^ computedFlags
	f = f.Set(code.FlagOptimized, optimized)
	f = f.Set(code.FlagNewLocals, r.NewLocals)
	f = f.Set(code.FlagVarArgs, r.VarArgs)
	f = f.Set(code.FlagVarKeywords, r.VarKwArgs)
	f = f.Set(code.FlagGenerator, generator)
	f = f.Set(code.FlagNoFree, closureVars == 0)
	iterable := r.Flags.Has(code.FlagCoroutine) || r.Flags.Has(code.FlagIterableCoroutine)
	f = f.Set(code.FlagIterableCoroutine, generator && iterable)
	return f
}
