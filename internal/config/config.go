// Package config handles configuration loading, validation, and layering for playersync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/copystructure"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete playersync configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	Sync    SyncConfig    `toml:"sync" json:"sync" yaml:"sync"`
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`
	Live    LiveConfig    `toml:"live" json:"live" yaml:"live"`
	Catalog CatalogConfig `toml:"catalog" json:"catalog" yaml:"catalog"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// SyncConfig identifies whose settings are reconciled and what is left out.
type SyncConfig struct {
	// UserID is the local user. The --user flag overrides it.
	UserID string `toml:"user_id" json:"user_id" yaml:"user_id"`

	// Namespace is the synchronizer's own namespace. Its settings are never
	// captured or compared.
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace" validate:"required"`

	// Exclude lists further namespaces to leave out.
	Exclude []string `toml:"exclude" json:"exclude" yaml:"exclude"`
}

// StorageConfig holds the flag store location.
type StorageConfig struct {
	Path          string `toml:"path" json:"path" yaml:"path" validate:"required"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms" validate:"gte=0"`
}

// LiveConfig holds the live settings file and its watch behavior.
type LiveConfig struct {
	Path string `toml:"path" json:"path" yaml:"path" validate:"required"`

	// DebounceMs is how long the file must be quiet before a check runs.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms" validate:"gte=10,lte=60000"`
}

// CatalogConfig lists setting definition files (TOML, YAML or JSON).
type CatalogConfig struct {
	Paths []string `toml:"paths" json:"paths" yaml:"paths" validate:"dive,required"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format" validate:"omitempty,oneof=text json"`

	// Output is "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output" validate:"omitempty,oneof=stdout stderr file both"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is where sync audit events are appended. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig holds the optional Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for "watch". Empty disables the endpoint.
	Addr string `toml:"addr" json:"addr" yaml:"addr" validate:"omitempty,hostname_port"`

	// Runtime adds Go runtime and process collectors.
	Runtime bool `toml:"runtime" json:"runtime" yaml:"runtime"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Sync: SyncConfig{
			Namespace: "playersync",
			Exclude:   []string{},
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "playersync.db"),
			BusyTimeoutMs: 5000,
		},
		Live: LiveConfig{
			Path:       filepath.Join(dir, "client-settings.json"),
			DebounceMs: 250,
		},
		Catalog: CatalogConfig{
			Paths: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "playersync.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base data directory, honoring PLAYERSYNC_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("PLAYERSYNC_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path, layered over the defaults.
// A missing file yields the defaults. TOML, JSON and YAML are chosen by
// extension. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Live.Path),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies PLAYERSYNC_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PLAYERSYNC_USER"); v != "" {
		c.Sync.UserID = v
	}
	if v := os.Getenv("PLAYERSYNC_EXCLUDE"); v != "" {
		c.Sync.Exclude = splitList(v, ",")
	}
	if v := os.Getenv("PLAYERSYNC_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PLAYERSYNC_LIVE_PATH"); v != "" {
		c.Live.Path = v
	}
	if v := os.Getenv("PLAYERSYNC_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Live.DebounceMs = ms
		}
	}
	if v := os.Getenv("PLAYERSYNC_CATALOG"); v != "" {
		c.Catalog.Paths = splitList(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("PLAYERSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PLAYERSYNC_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("PLAYERSYNC_AUDIT_PATH"); v != "" {
		c.Logging.AuditPath = v
	}
	if v := os.Getenv("PLAYERSYNC_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	copied, err := copystructure.Copy(*c)
	if err != nil {
		// Config holds only plain data; a copy failure is a programming error.
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	clone := copied.(Config)
	return &clone
}

// decodeTOML is split out so the loader and tests share it.
func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}
