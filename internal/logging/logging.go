// Package logging provides structured logging with slog for playersync.
//
// Features:
//   - JSON and text output formats
//   - Component and request scoping
//   - Redaction of credential-like attributes
//   - Size and daily file rotation
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file", or "both" (stderr and file).
	Output string

	// FilePath is used when Output includes a file.
	FilePath string

	// MaxSize is the size in megabytes that triggers rotation.
	MaxSize int64
	// MaxAge is the age in days after which rotated files are removed.
	MaxAge     int
	MaxBackups int
	Compress   bool

	AddSource bool

	Component string

	// Writer overrides Output when set.
	Writer io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   DefaultLogPath("playersync.log"),
		MaxSize:    20,
		MaxAge:     14,
		MaxBackups: 3,
		Compress:   true,
		Component:  "playersync",
	}
}

// DefaultLogPath returns name inside the platform's log directory.
func DefaultLogPath(name string) string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "playersync", name)
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "playersync", "logs", name)
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "playersync", name)
	}
}

// Logger wraps slog.Logger with rotation and scoping.
type Logger struct {
	*slog.Logger
	config  *Config
	rotator *FileRotator
	seq     *atomic.Uint64
	mu      sync.Mutex
}

var (
	defaultLogger *Logger
	loggerOnce    sync.Once
)

// Default returns the process-wide logger.
func Default() *Logger {
	loggerOnce.Do(func() {
		if defaultLogger != nil {
			return
		}
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), config: DefaultConfig(), seq: new(atomic.Uint64)}
		}
		defaultLogger = l
	})
	return defaultLogger
}

// SetDefault installs l as the process-wide logger and slog default.
func SetDefault(l *Logger) {
	loggerOnce.Do(func() {})
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// New creates a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{config: cfg, seq: new(atomic.Uint64)}

	w, err := l.output()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) output() (io.Writer, error) {
	if l.config.Writer != nil {
		return l.config.Writer, nil
	}

	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// Settings values are user preferences and never credentials, so only
// attribute names are matched.
var sensitiveKeys = []string{
	"password", "secret", "token", "credential", "cookie", "api_key", "apikey", "bearer",
}

func shouldRedact(key string) bool {
	keyLower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(keyLower, s) {
			return true
		}
	}
	return false
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, config: l.config, rotator: l.rotator, seq: l.seq}
}

// WithComponent scopes the logger to a named component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithUser scopes the logger to a user ID.
func (l *Logger) WithUser(userID string) *Logger {
	return l.derive(l.Logger.With(slog.String("user_id", userID)))
}

// WithRequestID scopes the logger to a request.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("request_id", id)))
}

// NewRequestID returns a process-unique request ID.
func (l *Logger) NewRequestID() string {
	return fmt.Sprintf("%s-%d-%d", l.config.Component, time.Now().UnixNano(), l.seq.Add(1))
}

// WithContext attaches the request ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

type contextKey int

const requestIDKey contextKey = iota

// ContextWithRequestID returns a context carrying a request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Debug logs at debug level using the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at info level using the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at warn level using the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at error level using the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}

// LevelString returns the name of a level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}
