package code

import (
	"strconv"
	"strings"
)

// Flags is the routine flag bitfield.
type Flags uint32

const (
	FlagOptimized         Flags = 0x0001 // locals live in fast slots
	FlagNewLocals         Flags = 0x0002 // a fresh local namespace per call
	FlagVarArgs           Flags = 0x0004 // takes *args
	FlagVarKeywords       Flags = 0x0008 // takes **kwargs
	FlagNested            Flags = 0x0010
	FlagGenerator         Flags = 0x0020
	FlagNoFree            Flags = 0x0040 // no cell or free variables
	FlagCoroutine         Flags = 0x0080
	FlagIterableCoroutine Flags = 0x0100

	FlagFutureDivision       Flags = 0x2000
	FlagFutureAbsoluteImport Flags = 0x4000
	FlagFutureWithStatement  Flags = 0x8000
	FlagFuturePrintFunction  Flags = 0x10000
	FlagFutureUnicodeLiteral Flags = 0x20000
	FlagFutureBarryAsBDFL    Flags = 0x40000
	FlagFutureGeneratorStop  Flags = 0x80000
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagOptimized, "OPTIMIZED"},
	{FlagNewLocals, "NEWLOCALS"},
	{FlagVarArgs, "VARARGS"},
	{FlagVarKeywords, "VARKEYWORDS"},
	{FlagNested, "NESTED"},
	{FlagGenerator, "GENERATOR"},
	{FlagNoFree, "NOFREE"},
	{FlagCoroutine, "COROUTINE"},
	{FlagIterableCoroutine, "ITERABLE_COROUTINE"},
	{FlagFutureDivision, "FUTURE_DIVISION"},
	{FlagFutureAbsoluteImport, "FUTURE_ABSOLUTE_IMPORT"},
	{FlagFutureWithStatement, "FUTURE_WITH_STATEMENT"},
	{FlagFuturePrintFunction, "FUTURE_PRINT_FUNCTION"},
	{FlagFutureUnicodeLiteral, "FUTURE_UNICODE_LITERALS"},
	{FlagFutureBarryAsBDFL, "FUTURE_BARRY_AS_BDFL"},
	{FlagFutureGeneratorStop, "FUTURE_GENERATOR_STOP"},
}

// Has reports whether all bits of mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Set returns f with mask set or cleared.
func (f Flags) Set(mask Flags, on bool) Flags {
	if on {
		return f | mask
	}
	return f &^ mask
}

// String lists the set flags by name, e.g. "OPTIMIZED|NEWLOCALS|NOFREE".
// Bits without a name are appended in hex.
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	rest := f
	for _, n := range flagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}
