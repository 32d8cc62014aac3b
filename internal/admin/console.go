// Package admin lets an administrator inspect other users' stored client
// settings and push overrides that are merged into their live stores on the
// next check.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"playersync/internal/canon"
	"playersync/internal/catalog"
	"playersync/internal/host"
	"playersync/internal/logging"
	"playersync/internal/metrics"
	"playersync/internal/tree"
)

// PlayersID selects the pseudo-user that stands for every non-administrator.
const PlayersID = "players"

// ErrNotAdmin is returned when the acting user lacks administrator rights.
var ErrNotAdmin = errors.New("administrator privilege required")

// Source tells where a viewed value came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceStored   Source = "stored"
	SourceDefault  Source = "default"
)

// Entry is one setting as seen for a user.
type Entry struct {
	Path      string       `json:"path"`
	Namespace string       `json:"namespace"`
	Label     string       `json:"label"`
	Hint      string       `json:"hint,omitempty"`
	Kind      catalog.Kind `json:"kind"`
	Value     any          `json:"value"`
	// Original is the value before any pending override.
	Original any    `json:"original"`
	Source   Source `json:"source"`
}

// UserView is a user's effective client settings.
type UserView struct {
	User host.User `json:"user"`
	// HasSnapshot is false when the user never stored a snapshot; pushing
	// may then overwrite settings they changed locally.
	HasSnapshot bool    `json:"has_snapshot"`
	Entries     []Entry `json:"entries"`
}

// Values returns the effective values keyed by path.
func (v *UserView) Values() tree.Flat {
	out := make(tree.Flat, len(v.Entries))
	for _, e := range v.Entries {
		out[e.Path] = e.Value
	}
	return out
}

// Originals returns the values before pending overrides, keyed by path.
func (v *UserView) Originals() tree.Flat {
	out := make(tree.Flat, len(v.Entries))
	for _, e := range v.Entries {
		out[e.Path] = e.Original
	}
	return out
}

// Config names the acting administrator and the namespaces left out.
type Config struct {
	ActorID       string
	SelfNamespace string
	Exclude       []string
}

// Deps are the console's collaborators. Notifier, Logger, Audit, and
// Metrics are optional.
type Deps struct {
	Catalog   catalog.Catalog
	Flags     host.FlagStore
	Directory host.Directory
	Notifier  host.Notifier
	Logger    *slog.Logger
	Audit     *logging.AuditLogger
	Metrics   *metrics.Metrics
}

// Console performs administrator operations.
type Console struct {
	actorID  string
	opts     canon.Options
	catalog  catalog.Catalog
	flags    host.FlagStore
	dir      host.Directory
	notifier host.Notifier
	logger   *slog.Logger
	audit    *logging.AuditLogger
	metrics  *metrics.Metrics
}

// New creates a console acting as cfg.ActorID.
func New(cfg Config, deps Deps) *Console {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		actorID:  cfg.ActorID,
		opts:     canon.Options{SelfNamespace: cfg.SelfNamespace, Exclude: cfg.Exclude},
		catalog:  deps.Catalog,
		flags:    deps.Flags,
		dir:      deps.Directory,
		notifier: deps.Notifier,
		logger:   logger.With("component", "admin", "actor_id", cfg.ActorID),
		audit:    deps.Audit,
		metrics:  deps.Metrics,
	}
}

func (c *Console) requireAdmin(ctx context.Context) error {
	actor, err := c.dir.User(ctx, c.actorID)
	if err != nil {
		return fmt.Errorf("resolve actor: %w", err)
	}
	if !actor.IsAdmin {
		return fmt.Errorf("%w: %s", ErrNotAdmin, actor.Name)
	}
	return nil
}

func (c *Console) info(msg string) {
	if c.notifier != nil {
		c.notifier.Info(msg)
	}
}

// viewable lists the settings an administrator may set for other users.
func (c *Console) viewable() []catalog.Definition {
	var defs []catalog.Definition
	for _, def := range c.catalog.All() {
		if !def.Configurable || def.Scope != catalog.ScopeClient || c.opts.Excluded(def.Namespace) {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// flag reads a raw flag, returning "" when it is unset.
func (c *Console) flag(ctx context.Context, userID, name string) (string, bool, error) {
	raw, ok, err := c.flags.GetFlag(ctx, userID, name)
	if err != nil {
		return "", false, fmt.Errorf("read %s for %s: %w", name, userID, err)
	}
	return raw, ok, nil
}

// View returns a user's effective client settings: the pending override
// when one exists, else the stored value, else the default. For PlayersID
// the administrator's players-wide override is shown over the defaults.
func (c *Console) View(ctx context.Context, userID string) (*UserView, error) {
	if err := c.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return c.view(ctx, userID)
}

func (c *Console) view(ctx context.Context, userID string) (*UserView, error) {
	var (
		view        UserView
		stored      string
		overrideRaw string
	)

	if userID == PlayersID {
		view.User = host.User{ID: PlayersID, Name: "All players"}
		view.HasSnapshot = true
		raw, _, err := c.flag(ctx, c.actorID, host.FlagPlayersSettings)
		if err != nil {
			return nil, err
		}
		overrideRaw = raw
	} else {
		user, err := c.dir.User(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("resolve user: %w", err)
		}
		view.User = user

		raw, ok, err := c.flag(ctx, userID, host.FlagClientSettings)
		if err != nil {
			return nil, err
		}
		if ok && gjson.Valid(raw) {
			stored = raw
			view.HasSnapshot = true
		} else if ok {
			c.logger.Warn("stored snapshot is malformed", "user_id", userID)
		}

		overrideRaw, _, err = c.flag(ctx, userID, host.FlagGMSettings)
		if err != nil {
			return nil, err
		}
	}
	if !gjson.Valid(overrideRaw) {
		overrideRaw = ""
	}

	for _, def := range c.viewable() {
		path := jsonPath(def.ID())

		original := def.Default
		source := SourceDefault
		if stored != "" {
			if r := gjson.Get(stored, path); r.Exists() && (def.Kind == catalog.KindObject || !r.IsObject()) {
				original = catalog.Coerce(def, r.Value())
				source = SourceStored
			}
		}

		entry := Entry{
			Path:      def.ID(),
			Namespace: def.Namespace,
			Label:     def.Label(),
			Hint:      def.Hint,
			Kind:      def.Kind,
			Value:     original,
			Original:  original,
			Source:    source,
		}
		if overrideRaw != "" {
			if r := gjson.Get(overrideRaw, path); r.Exists() {
				entry.Value = r.Value()
				entry.Source = SourceOverride
			}
		}
		view.Entries = append(view.Entries, entry)
	}

	return &view, nil
}

// jsonPath escapes a dotted setting ID for gjson and sjson. Dots keep their
// meaning as separators so nested keys resolve into nested objects.
func jsonPath(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch r {
		case '\\', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
