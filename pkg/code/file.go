package code

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Magic bytes for code files: "RCDX".
var Magic = []byte{'R', 'C', 'D', 'X'}

// FormatVersion is the container version written by Serialize.
const FormatVersion uint16 = 1

// zstdMagic opens every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Serialize encodes the object for storage.
//
// Format:
//
//	[magic:4] [version:2] [cbor object...]
func (o *Object) Serialize() ([]byte, error) {
	body, err := Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("code: marshal %s: %w", o.Name, err)
	}
	buf := make([]byte, 0, len(Magic)+2+len(body))
	buf = append(buf, Magic...)
	buf = binary.BigEndian.AppendUint16(buf, FormatVersion)
	return append(buf, body...), nil
}

// Format identifies how a code object is stored.
type Format uint8

const (
	FormatContainer Format = iota // magic, version and CBOR, optionally zstd-compressed
	FormatPyc                     // CPython 3.4 .pyc: header then marshal
	FormatMarshal                 // bare CPython 3.4 marshal stream
)

func (f Format) String() string {
	switch f {
	case FormatContainer:
		return "container"
	case FormatPyc:
		return "pyc"
	case FormatMarshal:
		return "marshal"
	}
	return fmt.Sprintf("Format(%d)", f)
}

// DetectFormat guesses the format of stored data from its first bytes.
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, PycMagic):
		return FormatPyc
	case len(data) > 0 && data[0]&^mFlagRef == mCode:
		return FormatMarshal
	}
	return FormatContainer
}

// FormatOf returns the format a file name implies: .pyc files are pyc,
// .rcd files are containers.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pyc":
		return FormatPyc, true
	case ".rcd":
		return FormatContainer, true
	}
	return 0, false
}

// Layout says how an object is stored.
type Layout struct {
	Format   Format
	Compress bool      // FormatContainer only
	Pyc      PycHeader // FormatPyc only
}

// Load decodes stored data in any Format and reports its layout.
func Load(data []byte) (*Object, Layout, error) {
	l := Layout{Format: DetectFormat(data)}
	switch l.Format {
	case FormatPyc:
		o, h, err := ParsePyc(data)
		l.Pyc = h
		return o, l, err
	case FormatMarshal:
		o, err := DecodeMarshal(data)
		if err != nil {
			return nil, l, fmt.Errorf("code: %w", err)
		}
		return o, l, nil
	}
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := decompressZstd(data)
		if err != nil {
			return nil, l, fmt.Errorf("code: decompress: %w", err)
		}
		data, l.Compress = raw, true
	}
	o, err := deserializeContainer(data)
	return o, l, err
}

// Deserialize decodes stored data in any Format.
func Deserialize(data []byte) (*Object, error) {
	o, _, err := Load(data)
	return o, err
}

func deserializeContainer(data []byte) (*Object, error) {
	if len(data) < len(Magic)+2 {
		return nil, fmt.Errorf("code: file too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:len(Magic)], Magic) {
		return nil, fmt.Errorf("code: invalid magic: expected %q, got %q", Magic, data[:len(Magic)])
	}
	if v := binary.BigEndian.Uint16(data[len(Magic):]); v != FormatVersion {
		return nil, fmt.Errorf("code: unsupported format version %d", v)
	}
	return Unmarshal(data[len(Magic)+2:])
}

// Store lays o out as l describes.
func (o *Object) Store(l Layout) ([]byte, error) {
	switch l.Format {
	case FormatPyc:
		return o.Pyc(l.Pyc)
	case FormatMarshal:
		data, err := EncodeMarshal(o)
		if err != nil {
			return nil, fmt.Errorf("code: %w", err)
		}
		return data, nil
	}
	data, err := o.Serialize()
	if err != nil {
		return nil, err
	}
	if l.Compress {
		if data, err = compressZstd(data); err != nil {
			return nil, fmt.Errorf("code: compress: %w", err)
		}
	}
	return data, nil
}

// Pack serializes o as a container, zstd-compressing it when compress is
// set.
func (o *Object) Pack(compress bool) ([]byte, error) {
	return o.Store(Layout{Format: FormatContainer, Compress: compress})
}

// WriteFile writes o to path: as a .pyc with an empty header when the
// name ends in .pyc, as a container otherwise.
func WriteFile(path string, o *Object, compress bool) error {
	l := Layout{Format: FormatContainer, Compress: compress}
	if f, ok := FormatOf(path); ok {
		l.Format = f
	}
	return StoreFile(path, o, l)
}

// StoreFile writes o to path in layout l.
func StoreFile(path string, o *Object, l Layout) error {
	data, err := o.Store(l)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("code: cannot write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a code object stored in any Format.
func ReadFile(path string) (*Object, error) {
	o, _, err := LoadFile(path)
	return o, err
}

// LoadFile reads a code object stored in any Format and reports its layout.
func LoadFile(path string) (*Object, Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Layout{}, fmt.Errorf("code: cannot read %s: %w", path, err)
	}
	o, l, err := Load(data)
	if err != nil {
		return nil, l, fmt.Errorf("%s: %w", path, err)
	}
	return o, l, nil
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
