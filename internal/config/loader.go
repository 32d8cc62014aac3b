package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(old, new *Config)
	debounce time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, validates and stores the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file. Valid changes replace the
// current configuration and invoke the OnChange callbacks; invalid ones are
// reported on Errors and ignored.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-l.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

func (l *Loader) reload() {
	newCfg, err := Load(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}
	if err := newCfg.Validate(); err != nil {
		l.report(fmt.Errorf("validate new config: %w", err))
		return
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}

// OnChange registers a callback invoked after a successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile reads path over the defaults. A missing file yields
// the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if err := decodeTOML(data, cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse tries TOML, then JSON, then YAML.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if err := decodeTOML(data, cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadOrCreate loads path, writing the defaults there first if it does
// not exist. The boolean reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Merge layers src over dst. Non-zero fields of src win; slices are
// replaced, not appended. Neither argument is modified.
func Merge(dst, src *Config) (*Config, error) {
	result := dst.Clone()
	if src == nil {
		return result, nil
	}
	if err := mergo.Merge(result, src.Clone(), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	return result, nil
}
