// Package host declares the collaborators the sync engine consumes from the
// platform it runs on: the live client configuration, per-user persistent
// flags, the user directory, and user-visible notifications.
package host

import (
	"context"
	"errors"

	"playersync/internal/tree"
)

// Flag names stored under the engine's namespace on each user record.
const (
	FlagClientSettings  = "client-settings"
	FlagGMSettings      = "gm-settings"
	FlagPlayersSettings = "players-settings"
	FlagSaveID          = "save-id"
	FlagIgnoreID        = "ignore-id"
)

// ErrUnknownUser is returned when a user ID does not resolve.
var ErrUnknownUser = errors.New("unknown user")

// User is an account known to the platform.
type User struct {
	ID      string
	Name    string
	IsAdmin bool
	Active  bool
}

// LiveStore is the current user's client-scope configuration.
type LiveStore interface {
	// Get returns the value stored under a dotted key.
	Get(key string) (any, bool, error)
	// Set writes a value under a dotted key. Implementations may reject
	// values that fail validation.
	Set(key string, value any) error
	// Snapshot returns the entire client-scope store.
	Snapshot() (tree.Flat, error)
}

// FlagStore persists opaque string flags per user.
type FlagStore interface {
	GetFlag(ctx context.Context, userID, name string) (string, bool, error)
	SetFlag(ctx context.Context, userID, name, value string) error
	UnsetFlag(ctx context.Context, userID, name string) error
}

// Directory resolves users.
type Directory interface {
	User(ctx context.Context, id string) (User, error)
	Users(ctx context.Context) ([]User, error)
}

// Notifier shows messages to the current user.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// TitleResolver maps a namespace to its display title.
type TitleResolver interface {
	Title(namespace string) string
}

// TitleFunc adapts a function to TitleResolver.
type TitleFunc func(namespace string) string

// Title implements TitleResolver.
func (f TitleFunc) Title(namespace string) string { return f(namespace) }

// DefaultTitles titles "core" as "Core" and every other namespace as itself.
var DefaultTitles TitleResolver = TitleFunc(func(namespace string) string {
	if namespace == "core" {
		return "Core"
	}
	return namespace
})
