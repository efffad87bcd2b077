// Package config handles recode.toml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/chazu/recode/pkg/asm"
	"github.com/chazu/recode/pkg/opcode"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "recode.toml"

// Config represents a recode.toml file.
type Config struct {
	Target   Target   `toml:"target"`
	Encode   Encode   `toml:"encode"`
	Log      Log      `toml:"log"`
	Output   Output   `toml:"output"`
	Optimize Optimize `toml:"optimize"`

	// Dir is the directory containing the recode.toml file (set at load time).
	Dir string `toml:"-"`
}

// Target selects the opcode table.
type Target struct {
	// Table is a built-in table name or a path to a .toml/.yaml table,
	// relative to the configuration directory.
	Table string `toml:"table"`
}

// Encode configures the encoder.
type Encode struct {
	MaxPrefixPasses int `toml:"max-prefix-passes"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Output configures written code files.
type Output struct {
	Compress bool `toml:"compress"`
}

// Optimize configures the constant binding pass.
type Optimize struct {
	Globals string   `toml:"globals"`
	Stop    []string `toml:"stop"`
}

// Default returns the configuration used when no recode.toml is found.
func Default() *Config {
	return &Config{
		Target: Target{Table: opcode.DefaultTable},
		Encode: Encode{MaxPrefixPasses: asm.DefaultMaxPrefixPasses},
	}
}

// Load parses a recode.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if c.Target.Table == "" {
		c.Target.Table = opcode.DefaultTable
	}
	if c.Encode.MaxPrefixPasses < 0 {
		return nil, fmt.Errorf("%s: max-prefix-passes must not be negative", path)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a recode.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// TableRef returns the table reference to pass to opcode.Resolve: the
// built-in name as is, a file path made absolute against Dir.
func (c *Config) TableRef() string {
	ref := c.Target.Table
	if isPath(ref) {
		return c.path(ref)
	}
	return ref
}

// Table resolves the configured opcode table.
func (c *Config) Table() (*opcode.Table, error) {
	return opcode.Resolve(c.TableRef())
}

// AssemblerOptions returns the encoder settings as assembler options.
func (c *Config) AssemblerOptions() []asm.Option {
	return []asm.Option{asm.WithMaxPrefixPasses(c.Encode.MaxPrefixPasses)}
}

// GlobalsPath returns the absolute path of the globals file, or "" when
// none is configured.
func (c *Config) GlobalsPath() string {
	if c.Optimize.Globals == "" {
		return ""
	}
	return c.path(c.Optimize.Globals)
}

// LogFilePath returns the absolute path of the log file, or "" for stderr.
func (c *Config) LogFilePath() string {
	if c.Log.File == "" {
		return ""
	}
	return c.path(c.Log.File)
}

func (c *Config) path(p string) string {
	if filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

func isPath(ref string) bool {
	if strings.ContainsRune(ref, filepath.Separator) || strings.Contains(ref, "/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".toml", ".yaml", ".yml":
		return true
	}
	return false
}
