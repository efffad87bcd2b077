package opcode

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"
)

// DefaultTable is the name of the built-in table used when none is configured.
const DefaultTable = "cpython34"

// Format is the serialization of a table description.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

//go:embed tables/*.toml
var builtinFS embed.FS

var (
	log = commonlog.GetLogger("recode.opcode")

	builtinMu    sync.Mutex
	builtinCache = map[string]*Table{}
)

// tableFile is the on-disk shape of a table description.
type tableFile struct {
	Name         string    `toml:"name" yaml:"name"`
	HaveArgument int       `toml:"have_argument" yaml:"have_argument"`
	ExtendedArg  int       `toml:"extended_arg" yaml:"extended_arg"`
	ArgBytes     int       `toml:"arg_bytes" yaml:"arg_bytes"`
	CompareOps   []string  `toml:"compare_ops" yaml:"compare_ops"`
	Ops          []opEntry `toml:"op" yaml:"op"`
}

type opEntry struct {
	Name              string `toml:"name" yaml:"name"`
	Code              int    `toml:"code" yaml:"code"`
	Arg               string `toml:"arg" yaml:"arg"`
	Flow              string `toml:"flow" yaml:"flow"`
	Effect            int    `toml:"effect" yaml:"effect"`
	Rule              string `toml:"rule" yaml:"rule"`
	JumpEffect        int    `toml:"jump_effect" yaml:"jump_effect"`
	FallthroughEffect *int   `toml:"fallthrough_effect" yaml:"fallthrough_effect"`
	HandlerEffect     int    `toml:"handler_effect" yaml:"handler_effect"`
	BodyEffect        int    `toml:"body_effect" yaml:"body_effect"`
	BlockBase         int    `toml:"block_base" yaml:"block_base"`
	LandingEffect     int    `toml:"landing_effect" yaml:"landing_effect"`
	Yield             bool   `toml:"yield" yaml:"yield"`
	Unoptimized       bool   `toml:"unoptimized" yaml:"unoptimized"`
}

func lookupName[K comparable](names map[K]string, s, what, op string) (K, error) {
	for k, name := range names {
		if name == s {
			return k, nil
		}
	}
	var zero K
	return zero, fmt.Errorf("operation %s: unknown %s %q", op, what, s)
}

func (e *opEntry) info() (*Info, error) {
	if e.Name == "" {
		return nil, fmt.Errorf("operation with code %d has no name", e.Code)
	}
	if e.Code < 0 || e.Code > 255 {
		return nil, fmt.Errorf("operation %s: code %d out of range 0..255", e.Name, e.Code)
	}
	info := &Info{
		Name:          e.Name,
		Code:          Op(e.Code),
		Effect:        e.Effect,
		JumpEffect:    e.JumpEffect,
		HandlerEffect: e.HandlerEffect,
		BodyEffect:    e.BodyEffect,
		BlockBase:     e.BlockBase,
		LandingEffect: e.LandingEffect,
		Yield:         e.Yield,
		Unoptimized:   e.Unoptimized,
	}
	if e.FallthroughEffect != nil {
		v := *e.FallthroughEffect
		info.FallthroughEffect = &v
	}

	var err error
	if e.Arg != "" {
		if info.Arg, err = lookupName(argKindNames, e.Arg, "arg kind", e.Name); err != nil {
			return nil, err
		}
	}
	if e.Flow != "" {
		if info.Flow, err = lookupName(flowNames, e.Flow, "flow", e.Name); err != nil {
			return nil, err
		}
	}
	if e.Rule != "" {
		if info.Rule, err = lookupName(ruleNames, e.Rule, "rule", e.Name); err != nil {
			return nil, err
		}
	}
	if info.Flow != FlowSetup && (e.HandlerEffect != 0 || e.BodyEffect != 0 || e.BlockBase != 0 || e.LandingEffect != 0) {
		return nil, fmt.Errorf("operation %s: block fields set on non-setup flow %s", e.Name, info.Flow)
	}
	return info, nil
}

// Parse decodes and validates a table description.
func Parse(data []byte, format Format) (*Table, error) {
	var f tableFile
	switch format {
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return nil, fmt.Errorf("opcode: parse toml: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("opcode: parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("opcode: unknown table format %d", format)
	}
	t, err := newTable(&f)
	if err != nil {
		return nil, fmt.Errorf("opcode: %w", err)
	}
	log.Debugf("loaded table %s: %d operations", t.name, t.Len())
	return t, nil
}

// Load reads a table description from a file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as TOML.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opcode: cannot read %s: %w", path, err)
	}
	format := FormatTOML
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Parse(data, format)
}

// Builtin returns one of the embedded tables by name. Tables are parsed
// once and shared.
func Builtin(name string) (*Table, error) {
	builtinMu.Lock()
	defer builtinMu.Unlock()

	if t, ok := builtinCache[name]; ok {
		return t, nil
	}
	data, err := builtinFS.ReadFile("tables/" + name + ".toml")
	if err != nil {
		return nil, fmt.Errorf("opcode: no built-in table %q (have %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	t, err := Parse(data, FormatTOML)
	if err != nil {
		return nil, err
	}
	builtinCache[name] = t
	return t, nil
}

// Default returns the built-in DefaultTable.
func Default() *Table {
	t, err := Builtin(DefaultTable)
	if err != nil {
		panic(err)
	}
	return t
}

// BuiltinNames lists the embedded tables.
func BuiltinNames() []string {
	entries, err := builtinFS.ReadDir("tables")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	sort.Strings(names)
	return names
}

// Resolve returns the built-in table called ref, or loads ref as a file
// path when it names no built-in table. An empty ref selects DefaultTable.
func Resolve(ref string) (*Table, error) {
	if ref == "" {
		ref = DefaultTable
	}
	if _, err := builtinFS.Open("tables/" + ref + ".toml"); err == nil {
		return Builtin(ref)
	}
	return Load(ref)
}
