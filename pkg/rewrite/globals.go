package rewrite

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/chazu/recode/pkg/value"
)

// globalsFile is the TOML form of a set of known globals:
//
//	stop = ["DEBUG"]
//
//	[globals]
//	MAX = 10
//	UNITS = ["m", "s"]
type globalsFile struct {
	Stop    []string       `toml:"stop"`
	Globals map[string]any `toml:"globals"`
}

// ParseGlobals adds the globals and stop names described by TOML data.
// Integers, floats, strings and booleans bind to the matching literal;
// arrays bind to tuples.
func (b *Binder) ParseGlobals(data []byte) error {
	var f globalsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing globals: %w", err)
	}
	for name, raw := range f.Globals {
		v, err := literal(raw)
		if err != nil {
			return fmt.Errorf("global %s: %w", name, err)
		}
		b.AddGlobal(name, v)
	}
	b.Stop(f.Stop...)
	return nil
}

// LoadGlobals reads a globals file from path.
func (b *Binder) LoadGlobals(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading globals: %w", err)
	}
	if err := b.ParseGlobals(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func literal(raw any) (value.Value, error) {
	switch v := raw.(type) {
	case int64:
		return value.Int(v), nil
	case float64:
		return value.Float(v), nil
	case string:
		return value.Str(v), nil
	case bool:
		return value.Bool(v), nil
	case []any:
		items := make(value.Tuple, len(v))
		for i, x := range v {
			item, err := literal(x)
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	}
	return nil, fmt.Errorf("unsupported value %v (%T)", raw, raw)
}
