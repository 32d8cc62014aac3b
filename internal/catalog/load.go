package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// definitionFile is the on-disk layout of a catalog file.
//
//	[[setting]]
//	namespace = "core"
//	key = "fontSize"
//	kind = "number"
//	default = 5
//	scope = "client"
//	configurable = true
type definitionFile struct {
	Settings []Definition `toml:"setting" json:"settings" yaml:"settings"`
}

// LoadFile reads setting definitions from a TOML, JSON, or YAML file,
// chosen by extension. Unknown extensions are parsed as TOML.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var f definitionFile
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode JSON catalog: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode YAML catalog: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("decode TOML catalog: %w", err)
		}
	}

	return f.Settings, nil
}

// LoadFiles registers the definitions from each file in order. A definition
// that fails validation or duplicates an earlier one aborts the load.
func (r *Registry) LoadFiles(paths ...string) error {
	for _, path := range paths {
		defs, err := LoadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, d := range defs {
			if err := r.Register(d); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return nil
}
