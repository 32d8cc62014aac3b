package admin

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playersync/internal/catalog"
	"playersync/internal/host"
	"playersync/internal/livestore"
	"playersync/internal/logging"
	"playersync/internal/metrics"
	"playersync/internal/store"
	"playersync/internal/syncer"
	"playersync/internal/tree"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingNotifier struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (n *recordingNotifier) Info(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, msg)
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *recordingNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.infos) == 0 {
		return ""
	}
	return n.infos[len(n.infos)-1]
}

type fixture struct {
	cat     *catalog.Registry
	db      *store.Store
	notes   *recordingNotifier
	audit   *bytes.Buffer
	metrics *metrics.Metrics
	console *Console
}

func testCatalog() *catalog.Registry {
	cat := catalog.NewRegistry()
	cat.MustRegister(
		catalog.Definition{Namespace: "core", Key: "fontSize", Kind: catalog.KindNumber, Default: 5.0, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "core", Key: "language", Name: "Language", Kind: catalog.KindString, Default: "en", Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "mod", Key: "flag", Kind: catalog.KindBoolean, Default: false, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "mod", Key: "hidden", Kind: catalog.KindBoolean, Default: false, Scope: catalog.ScopeClient},
		catalog.Definition{Namespace: "mod", Key: "worldly", Kind: catalog.KindNumber, Default: 1.0, Scope: catalog.ScopeWorld, Configurable: true},
		syncer.SyncSettingDefinition(syncer.DefaultNamespace),
	)
	return cat
}

func newFixture(t *testing.T, actor string) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "playersync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, u := range []host.User{
		{ID: "gm", Name: "Game Master", IsAdmin: true, Active: true},
		{ID: "p1", Name: "Player One"},
		{ID: "p2", Name: "Player Two", Active: true},
	} {
		require.NoError(t, db.PutUser(ctx, u))
	}

	f := &fixture{
		cat:     testCatalog(),
		db:      db,
		notes:   &recordingNotifier{},
		audit:   &bytes.Buffer{},
		metrics: metrics.New(false),
	}
	f.console = New(Config{ActorID: actor, SelfNamespace: syncer.DefaultNamespace}, Deps{
		Catalog:   f.cat,
		Flags:     db,
		Directory: db,
		Notifier:  f.notes,
		Logger:    quiet,
		Audit:     logging.NewAuditWriter(f.audit, "test"),
		Metrics:   f.metrics,
	})
	return f
}

func (f *fixture) setFlag(t *testing.T, userID, name, value string) {
	t.Helper()
	require.NoError(t, f.db.SetFlag(context.Background(), userID, name, value))
}

func (f *fixture) flag(t *testing.T, userID, name string) (string, bool) {
	t.Helper()
	v, ok, err := f.db.GetFlag(context.Background(), userID, name)
	require.NoError(t, err)
	return v, ok
}

func entries(v *UserView) map[string]Entry {
	out := make(map[string]Entry, len(v.Entries))
	for _, e := range v.Entries {
		out[e.Path] = e
	}
	return out
}

func TestRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1")

	_, err := f.console.View(ctx, "p2")
	assert.ErrorIs(t, err, ErrNotAdmin)
	_, err = f.console.Push(ctx, "p2", tree.Flat{})
	assert.ErrorIs(t, err, ErrNotAdmin)
	_, err = f.console.PushToPlayers(ctx, tree.Flat{})
	assert.ErrorIs(t, err, ErrNotAdmin)
	assert.ErrorIs(t, f.console.SetOverride(ctx, "p2", "mod.flag", true), ErrNotAdmin)
	assert.ErrorIs(t, f.console.ClearOverride(ctx, "p2", "mod.flag"), ErrNotAdmin)
	_, err = f.console.Pending(ctx, "p2")
	assert.ErrorIs(t, err, ErrNotAdmin)

	ghost := newFixture(t, "nobody")
	_, err = ghost.console.View(ctx, "p1")
	assert.ErrorIs(t, err, host.ErrUnknownUser)
}

func TestViewPrecedence(t *testing.T) {
	f := newFixture(t, "gm")
	f.setFlag(t, "p1", host.FlagClientSettings, `{"core":{"fontSize":7}}`)
	f.setFlag(t, "p1", host.FlagGMSettings, `{"mod":{"flag":true}}`)

	view, err := f.console.View(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Player One", view.User.Name)
	assert.True(t, view.HasSnapshot)

	got := entries(view)
	assert.Len(t, got, 3, "only configurable client settings outside the own namespace")

	assert.Equal(t, 7.0, got["core.fontSize"].Value)
	assert.Equal(t, SourceStored, got["core.fontSize"].Source)

	assert.Equal(t, "en", got["core.language"].Value)
	assert.Equal(t, "Language", got["core.language"].Label)
	assert.Equal(t, SourceDefault, got["core.language"].Source)

	assert.Equal(t, true, got["mod.flag"].Value)
	assert.Equal(t, false, got["mod.flag"].Original)
	assert.Equal(t, SourceOverride, got["mod.flag"].Source)

	assert.Equal(t, tree.Flat{"core.fontSize": 7.0, "core.language": "en", "mod.flag": true}, view.Values())
	assert.Equal(t, tree.Flat{"core.fontSize": 7.0, "core.language": "en", "mod.flag": false}, view.Originals())
}

func TestViewMalformedSnapshot(t *testing.T) {
	f := newFixture(t, "gm")
	f.setFlag(t, "p1", host.FlagClientSettings, `{oops`)
	f.setFlag(t, "p1", host.FlagGMSettings, `also broken`)

	view, err := f.console.View(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, view.HasSnapshot)
	for _, e := range view.Entries {
		assert.Equal(t, SourceDefault, e.Source, e.Path)
	}
}

func TestViewPlayers(t *testing.T) {
	f := newFixture(t, "gm")
	f.setFlag(t, "gm", host.FlagPlayersSettings, `{"core":{"language":"fr"}}`)

	view, err := f.console.View(context.Background(), PlayersID)
	require.NoError(t, err)
	assert.Equal(t, PlayersID, view.User.ID)

	got := entries(view)
	assert.Equal(t, "fr", got["core.language"].Value)
	assert.Equal(t, SourceOverride, got["core.language"].Source)
	assert.Equal(t, 5.0, got["core.fontSize"].Value)
}

func TestPushWithoutChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "gm")
	f.setFlag(t, "p1", host.FlagClientSettings, `{"core":{"fontSize":7}}`)

	view, err := f.console.View(ctx, "p1")
	require.NoError(t, err)

	res, err := f.console.Push(ctx, "p1", view.Values())
	require.NoError(t, err)
	assert.Empty(t, res.Changed)
	assert.Equal(t, "No settings have been changed for Player One", f.notes.last())

	_, ok := f.flag(t, "p1", host.FlagGMSettings)
	assert.False(t, ok)
}

func TestPushStoresOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "gm")
	f.setFlag(t, "p1", host.FlagClientSettings, `{"core":{"fontSize":7}}`)

	res, err := f.console.Push(ctx, "p1", tree.Flat{"core.fontSize": 7.0, "core.language": "en", "mod.flag": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"mod.flag"}, res.Changed)
	assert.False(t, res.Active)

	raw, ok := f.flag(t, "p1", host.FlagGMSettings)
	require.True(t, ok)
	assert.JSONEq(t, `{"mod":{"flag":true}}`, raw)
	assert.Contains(t, f.notes.last(), "next time they log in")
	assert.Contains(t, f.audit.String(), `"event_type":"override_pushed"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OverridesPushed))

	// An active user is told nothing about logging in.
	_, err = f.console.Push(ctx, "p2", tree.Flat{"core.language": "de"})
	require.NoError(t, err)
	assert.Equal(t, "Settings have been saved for Player Two", f.notes.last())

	_, err = f.console.Push(ctx, PlayersID, tree.Flat{})
	assert.Error(t, err)
}

func TestPushToPlayers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "gm")
	f.setFlag(t, "p1", host.FlagClientSettings, `{"core":{"fontSize":7}}`)
	f.setFlag(t, "p1", host.FlagGMSettings, `{"mod":{"flag":true}}`)

	results, err := f.console.PushToPlayers(ctx, tree.Flat{"core.fontSize": 7.0, "core.language": "en", "mod.flag": false})
	require.NoError(t, err)
	require.Len(t, results, 2)

	players, ok := f.flag(t, "gm", host.FlagPlayersSettings)
	require.True(t, ok)
	assert.JSONEq(t, `{"core":{"fontSize":7}}`, players)

	// p1 already stores the target, so their stale override is cleared.
	assert.Equal(t, "p1", results[0].UserID)
	assert.Empty(t, results[0].Changed)
	_, ok = f.flag(t, "p1", host.FlagGMSettings)
	assert.False(t, ok)

	// p2 never stored a snapshot and is compared against the defaults.
	assert.Equal(t, "p2", results[1].UserID)
	assert.Equal(t, []string{"core.fontSize"}, results[1].Changed)
	raw, ok := f.flag(t, "p2", host.FlagGMSettings)
	require.True(t, ok)
	assert.JSONEq(t, `{"core":{"fontSize":7}}`, raw)

	_, ok = f.flag(t, "gm", host.FlagGMSettings)
	assert.False(t, ok, "administrators are skipped")
}

func TestSetOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "gm")

	require.NoError(t, f.console.SetOverride(ctx, "p1", "core.fontSize", 9.0))
	require.NoError(t, f.console.SetOverride(ctx, "p1", "mod.flag", true))

	raw, _ := f.flag(t, "p1", host.FlagGMSettings)
	assert.JSONEq(t, `{"core":{"fontSize":9},"mod":{"flag":true}}`, raw)

	pending, err := f.console.Pending(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, tree.Tree{
		"core": map[string]any{"fontSize": 9.0},
		"mod":  map[string]any{"flag": true},
	}, pending)

	require.NoError(t, f.console.SetOverride(ctx, PlayersID, "core.language", "fr"))
	players, _ := f.flag(t, "gm", host.FlagPlayersSettings)
	assert.JSONEq(t, `{"core":{"language":"fr"}}`, players)
}

func TestSetOverrideRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "gm")

	assert.ErrorIs(t, f.console.SetOverride(ctx, "p1", "mod.nope", true), catalog.ErrNotFound)
	assert.Error(t, f.console.SetOverride(ctx, "p1", "core.fontSize", "big"))
	assert.Error(t, f.console.SetOverride(ctx, "p1", "mod.worldly", 2.0))
	assert.Error(t, f.console.SetOverride(ctx, "p1", "mod.hidden", true))
	assert.Error(t, f.console.SetOverride(ctx, "p1", "playersync.sync-settings", false))

	_, ok := f.flag(t, "p1", host.FlagGMSettings)
	assert.False(t, ok)
}

func TestSetOverrideReplacesMalformed(t *testing.T) {
	f := newFixture(t, "gm")
	f.setFlag(t, "p1", host.FlagGMSettings, `[1,2]`)

	require.NoError(t, f.console.SetOverride(context.Background(), "p1", "mod.flag", true))
	raw, _ := f.flag(t, "p1", host.FlagGMSettings)
	assert.JSONEq(t, `{"mod":{"flag":true}}`, raw)
}

func TestClearOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "gm")
	f.setFlag(t, "p1", host.FlagGMSettings, `{"core":{"fontSize":9},"mod":{"flag":true}}`)

	require.NoError(t, f.console.ClearOverride(ctx, "p1", "mod.flag"))
	raw, _ := f.flag(t, "p1", host.FlagGMSettings)
	assert.JSONEq(t, `{"core":{"fontSize":9},"mod":{}}`, raw)

	require.NoError(t, f.console.ClearOverride(ctx, "p1", "core.fontSize"))
	_, ok := f.flag(t, "p1", host.FlagGMSettings)
	assert.False(t, ok)

	pending, err := f.console.Pending(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Nothing pending is not an error.
	assert.NoError(t, f.console.ClearOverride(ctx, "p1", "core.fontSize"))
}

func TestPushReachesPlayer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "gm")

	live, err := livestore.Open(filepath.Join(t.TempDir(), "client-settings.json"), f.cat)
	require.NoError(t, err)
	require.NoError(t, live.Set("core.fontSize", 7.0))

	playerNotes := &recordingNotifier{}
	engine, err := syncer.New(syncer.Config{UserID: "p1"}, syncer.Deps{
		Catalog:  f.cat,
		Live:     live,
		Flags:    f.db,
		Notifier: playerNotes,
		Logger:   quiet,
	})
	require.NoError(t, err)

	res, err := engine.Startup(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncer.OutcomeNoDiff, res.Outcome)

	view, err := f.console.View(ctx, "p1")
	require.NoError(t, err)
	values := view.Values()
	values["mod.flag"] = true
	_, err = f.console.Push(ctx, "p1", values)
	require.NoError(t, err)

	res, err = engine.Check(ctx)
	require.NoError(t, err)
	assert.True(t, res.OverrideApplied)

	v, _, err := live.Get("mod.flag")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, ok := f.flag(t, "p1", host.FlagGMSettings)
	assert.False(t, ok)
	raw, _ := f.flag(t, "p1", host.FlagClientSettings)
	assert.JSONEq(t, `{"core":{"fontSize":7},"mod":{"flag":true}}`, raw)
	require.Len(t, playerNotes.infos, 1)

	// The next check finds nothing left to reconcile.
	res, err = engine.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncer.OutcomeNoDiff, res.Outcome)
	assert.False(t, res.OverrideApplied)
}

func TestPushKeepsWholeObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "gm")
	f.cat.MustRegister(catalog.Definition{Namespace: "mod", Key: "layout", Kind: catalog.KindObject, Scope: catalog.ScopeClient, Configurable: true})

	live, err := livestore.Open(filepath.Join(t.TempDir(), "client-settings.json"), f.cat)
	require.NoError(t, err)
	require.NoError(t, live.Set("mod.layout", map[string]any{"w": 1.0, "h": 2.0}))

	engine, err := syncer.New(syncer.Config{UserID: "p1"}, syncer.Deps{
		Catalog: f.cat,
		Live:    live,
		Flags:   f.db,
		Logger:  quiet,
	})
	require.NoError(t, err)
	_, err = engine.Startup(ctx)
	require.NoError(t, err)

	res, err := f.console.Push(ctx, "p1", tree.Flat{"mod.layout": map[string]any{"w": 3.0, "h": 2.0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mod.layout"}, res.Changed)

	raw, ok := f.flag(t, "p1", host.FlagGMSettings)
	require.True(t, ok)
	assert.JSONEq(t, `{"mod":{"layout":{"w":3,"h":2}}}`, raw, "unchanged fields travel with the object")

	check, err := engine.Check(ctx)
	require.NoError(t, err)
	assert.True(t, check.OverrideApplied)
	v, _, err := live.Get("mod.layout")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"w": 3.0, "h": 2.0}, v)

	results, err := f.console.PushToPlayers(ctx, tree.Flat{"mod.layout": map[string]any{"w": 4.0, "h": 2.0}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, []string{"mod.layout"}, r.Changed, r.UserID)
		raw, ok := f.flag(t, r.UserID, host.FlagGMSettings)
		require.True(t, ok, r.UserID)
		assert.JSONEq(t, `{"mod":{"layout":{"w":4,"h":2}}}`, raw, r.UserID)
	}
}
