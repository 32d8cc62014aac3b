package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Changes     []string
}

// MigrateConfig upgrades cfg in place to the current version. It returns
// nil when no migration was needed.
func MigrateConfig(cfg *Config) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	for cfg.Version < Version {
		changes, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
	}
	return result, nil
}

func applyMigration(cfg *Config) ([]string, error) {
	var changes []string
	switch cfg.Version {
	case 0, 1:
		changes = migrateV1ToV2(cfg)
	default:
		return nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	cfg.Version = 2
	return changes, nil
}

// migrateV1ToV2 fills in the watch debounce and the self namespace, which
// v1 files could leave empty.
func migrateV1ToV2(cfg *Config) []string {
	var changes []string
	defaults := DefaultConfig()

	if cfg.Live.DebounceMs <= 0 {
		cfg.Live.DebounceMs = defaults.Live.DebounceMs
		changes = append(changes, fmt.Sprintf("set live.debounce_ms to %d", cfg.Live.DebounceMs))
	}
	if cfg.Sync.Namespace == "" {
		cfg.Sync.Namespace = defaults.Sync.Namespace
		changes = append(changes, fmt.Sprintf("set sync.namespace to %q", cfg.Sync.Namespace))
	}
	return changes
}

// SaveConfig writes cfg to path in the format its extension names,
// defaulting to TOML.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# playersync configuration\n\n")
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
