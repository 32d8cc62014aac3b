package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType names a recorded sync event.
type AuditEventType string

// Audit event types.
const (
	AuditSnapshotSaved   AuditEventType = "snapshot_saved"
	AuditSyncApplied     AuditEventType = "sync_applied"
	AuditSyncIgnored     AuditEventType = "sync_ignored"
	AuditOverridePushed  AuditEventType = "override_pushed"
	AuditOverrideApplied AuditEventType = "override_applied"
	AuditSettingChanged  AuditEventType = "setting_changed"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	UserID    string         `json:"user_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"` // "success", "failure", "denied"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   DefaultLogPath("audit.log"),
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 5,
		Compress:   true,
		Component:  "playersync",
	}
}

// AuditLogger appends JSON lines describing sync events. A nil
// *AuditLogger discards everything.
type AuditLogger struct {
	component string
	w         io.Writer
	closer    io.Closer
	mu        sync.Mutex
}

// NewAuditLogger writes audit events to a rotated file.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{component: cfg.Component, w: rotator, closer: rotator}, nil
}

// NewAuditWriter writes audit events to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{component: component, w: w}
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.Result == "" {
		event.Result = "success"
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogSnapshotSaved records a persisted snapshot and its new save ID.
func (a *AuditLogger) LogSnapshotSaved(ctx context.Context, userID string, saveID int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditSnapshotSaved,
		UserID:    userID,
		Action:    "snapshot_saved",
		Details:   map[string]any{"save_id": saveID},
	})
}

// LogSyncApplied records the result of a submitted review.
func (a *AuditLogger) LogSyncApplied(ctx context.Context, userID, reviewID string, applied, reverted, ignored, failed int) error {
	result := "success"
	if failed > 0 {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditSyncApplied,
		UserID:    userID,
		Action:    "review_submitted",
		Resource:  reviewID,
		Result:    result,
		Details: map[string]any{
			"applied":  applied,
			"reverted": reverted,
			"ignored":  ignored,
			"failed":   failed,
		},
	})
}

// LogSyncIgnored records a dismissed review.
func (a *AuditLogger) LogSyncIgnored(ctx context.Context, userID string, ignoreID int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditSyncIgnored,
		UserID:    userID,
		Action:    "review_dismissed",
		Details:   map[string]any{"ignore_id": ignoreID},
	})
}

// LogOverridePushed records an administrator storing an override for a user.
func (a *AuditLogger) LogOverridePushed(ctx context.Context, actorID, userID string, keys []string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditOverridePushed,
		ActorID:   actorID,
		UserID:    userID,
		Action:    "override_stored",
		Details:   map[string]any{"keys": keys},
	})
}

// LogOverrideApplied records a pending override merged into a live store.
func (a *AuditLogger) LogOverrideApplied(ctx context.Context, userID string, keys []string, err error) error {
	event := AuditEvent{
		EventType: AuditOverrideApplied,
		UserID:    userID,
		Action:    "override_applied",
		Details:   map[string]any{"keys": keys},
	}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogSettingChanged records a single live setting write.
func (a *AuditLogger) LogSettingChanged(ctx context.Context, userID, path, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditSettingChanged,
		UserID:    userID,
		Action:    "setting_written",
		Resource:  path,
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
