package code

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PycMagic opens every CPython 3.4 .pyc file (magic number 3310).
var PycMagic = []byte{0xEE, 0x0C, '\r', '\n'}

// PycHeader holds the .pyc fields that follow the magic. The import system
// compares them with the source file to decide whether to recompile.
type PycHeader struct {
	Mtime      uint32 // source modification time in seconds
	SourceSize uint32 // source size in bytes, modulo 2**32
}

const pycHeaderSize = 12

// ParsePyc reads a .pyc file: a 12-byte header, then the marshalled module
// code object.
func ParsePyc(data []byte) (*Object, PycHeader, error) {
	var h PycHeader
	if len(data) < pycHeaderSize {
		return nil, h, fmt.Errorf("code: pyc file too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:len(PycMagic)], PycMagic) {
		return nil, h, fmt.Errorf("code: not a CPython 3.4 pyc file: magic %x", data[:len(PycMagic)])
	}
	h.Mtime = binary.LittleEndian.Uint32(data[4:])
	h.SourceSize = binary.LittleEndian.Uint32(data[8:])
	o, err := DecodeMarshal(data[pycHeaderSize:])
	if err != nil {
		return nil, h, fmt.Errorf("code: pyc body: %w", err)
	}
	return o, h, nil
}

// Pyc lays o out as a .pyc file with header h.
func (o *Object) Pyc(h PycHeader) ([]byte, error) {
	body, err := EncodeMarshal(o)
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	buf := make([]byte, 0, pycHeaderSize+len(body))
	buf = append(buf, PycMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Mtime)
	buf = binary.LittleEndian.AppendUint32(buf, h.SourceSize)
	return append(buf, body...), nil
}
