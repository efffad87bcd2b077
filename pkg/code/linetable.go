package code

import (
	"errors"
	"fmt"
)

// ErrLineTable reports a line table that cannot be decoded.
var ErrLineTable = errors.New("malformed line table")

// LineStart records that the instruction at Offset begins source line Line.
type LineStart struct {
	Offset int
	Line   int
}

// The line table is a sequence of (address delta, line delta) byte pairs.
// Both deltas are unsigned, so line numbers never decrease. Deltas that do
// not fit a byte are split over several pairs: the address first with
// (255, 0) pairs, then the line with (addr, 255) and (0, 255) pairs.
const maxDelta = 255

// LineOrderError reports a line start whose line precedes the line before
// it, which the table cannot express.
type LineOrderError struct {
	Index int // into the starts passed to EncodeLineTable
	Line  int
	Prev  int
}

func (e *LineOrderError) Error() string {
	return fmt.Sprintf("%v: line %d follows line %d", ErrLineTable, e.Line, e.Prev)
}

func (e *LineOrderError) Unwrap() error { return ErrLineTable }

// EncodeLineTable builds a line table from line starts in offset order.
// When several starts share an offset the last one wins.
func EncodeLineTable(firstLine int, starts []LineStart) ([]byte, error) {
	var out []byte
	addr, line := 0, firstLine
	for i, s := range starts {
		if i+1 < len(starts) && starts[i+1].Offset == s.Offset {
			continue
		}
		dAddr := s.Offset - addr
		if dAddr < 0 {
			return nil, fmt.Errorf("%w: offset %d precedes %d", ErrLineTable, s.Offset, addr)
		}
		dLine := s.Line - line
		if dLine < 0 {
			return nil, &LineOrderError{Index: i, Line: s.Line, Prev: line}
		}
		for dAddr > maxDelta {
			out = append(out, maxDelta, 0)
			dAddr -= maxDelta
		}
		for dLine > maxDelta {
			out = append(out, byte(dAddr), maxDelta)
			dAddr = 0
			dLine -= maxDelta
		}
		if dAddr != 0 || dLine != 0 {
			out = append(out, byte(dAddr), byte(dLine))
		}
		addr, line = s.Offset, s.Line
	}
	return out, nil
}

// DecodeLineTable expands a line table into line starts for a code stream
// of codeLen bytes. A start is reported only where the line changes.
func DecodeLineTable(table []byte, firstLine, codeLen int) ([]LineStart, error) {
	if len(table)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrLineTable, len(table))
	}
	var starts []LineStart
	lastLine := firstLine - 1
	emitted := false
	addr, line := 0, firstLine
	emit := func() {
		if !emitted || line != lastLine {
			starts = append(starts, LineStart{Offset: addr, Line: line})
			lastLine, emitted = line, true
		}
	}
	for i := 0; i < len(table); i += 2 {
		dAddr, dLine := int(table[i]), int(table[i+1])
		if dAddr != 0 {
			emit()
			addr += dAddr
			if addr > codeLen {
				return nil, fmt.Errorf("%w: address %d past end of code (%d bytes)", ErrLineTable, addr, codeLen)
			}
		}
		line += dLine
	}
	emit()
	return starts, nil
}
