package reconcile

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playersync/internal/catalog"
	"playersync/internal/host"
	"playersync/internal/tree"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type memLive struct {
	values tree.Flat
	fail   map[string]error
}

func newMemLive() *memLive {
	return &memLive{values: make(tree.Flat), fail: make(map[string]error)}
}

func (m *memLive) Get(key string) (any, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memLive) Set(key string, value any) error {
	if err := m.fail[key]; err != nil {
		return err
	}
	m.values[key] = value
	return nil
}

func (m *memLive) Snapshot() (tree.Flat, error) {
	return m.values, nil
}

type recordingNotifier struct {
	infos  []string
	errors []string
}

func (n *recordingNotifier) Info(msg string)  { n.infos = append(n.infos, msg) }
func (n *recordingNotifier) Error(msg string) { n.errors = append(n.errors, msg) }

func testCatalog(t *testing.T) *catalog.Registry {
	t.Helper()
	r := catalog.NewRegistry()
	r.MustRegister(
		catalog.Definition{Namespace: "mod", Key: "flag", Name: "Mod Flag", Kind: catalog.KindBoolean, Default: false, Scope: catalog.ScopeClient, Configurable: true, RequiresReload: true},
		catalog.Definition{Namespace: "core", Key: "fontSize", Kind: catalog.KindNumber, Default: 5.0, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "core", Key: "language", Kind: catalog.KindString, Default: "en", Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "mod", Key: "group.inner", Kind: catalog.KindNumber, Default: 1.0, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "mod", Key: "layout", Kind: catalog.KindObject, Scope: catalog.ScopeClient, Configurable: true},
	)
	return r
}

func TestBuild(t *testing.T) {
	cat := testCatalog(t)
	d := tree.Tree{
		"mod": map[string]any{
			"flag":   true,
			"group":  map[string]any{"inner": 3.0},
			"layout": map[string]any{"w": 2.0},
			"stray":  "unregistered",
		},
		"core": map[string]any{"language": "fr", "fontSize": 7.0},
	}
	baseline := tree.Flat{
		"mod.flag":        false,
		"mod.group.inner": 1.0,
		"mod.layout.w":    1.0,
		"core.fontSize":   5.0,
		"core.language":   "en",
	}

	candidate := tree.Tree{
		"mod": map[string]any{
			"flag":   true,
			"group":  map[string]any{"inner": 3.0},
			"layout": map[string]any{"w": 2.0, "h": 1.0},
			"stray":  "unregistered",
		},
		"core": map[string]any{"language": "fr", "fontSize": 7.0},
	}

	groups := Build(cat, nil, d, baseline, candidate, quiet)
	require.Len(t, groups, 2)

	assert.Equal(t, "core", groups[0].OwnerID)
	assert.Equal(t, "Core", groups[0].Title)
	assert.Equal(t, "mod", groups[1].OwnerID)
	assert.Equal(t, "mod", groups[1].Title)

	assert.Equal(t, []string{
		"core.fontSize",
		"core.language",
		"mod.flag",
		"mod.group.inner",
		"mod.layout",
	}, Paths(groups))
	assert.Equal(t, 5, Count(groups))

	flag := groups[1].Changes[0]
	assert.Equal(t, ChangeRecord{
		Path:           "mod.flag",
		Key:            "flag",
		Label:          "Mod Flag",
		OldValue:       false,
		NewValue:       true,
		OldDisplay:     "false",
		NewDisplay:     "true",
		RequiresReload: true,
		Decision:       DecisionNew,
	}, flag)

	inner := groups[1].Changes[1]
	assert.Equal(t, "group.inner", inner.Key)
	assert.Equal(t, 1.0, inner.OldValue)

	layout := groups[1].Changes[2]
	assert.Equal(t, map[string]any{"w": 1.0}, layout.OldValue)
	assert.Equal(t, map[string]any{"w": 2.0, "h": 1.0}, layout.NewValue, "whole object, not the diff fragment")
	assert.Equal(t, `{"h":1,"w":2}`, layout.NewDisplay)
}

func TestBuildWithoutCandidateUsesDiff(t *testing.T) {
	d := tree.Tree{"mod": map[string]any{"layout": map[string]any{"w": 2.0}}}
	groups := Build(testCatalog(t), nil, d, nil, nil, quiet)
	require.Len(t, groups, 1)
	assert.Equal(t, map[string]any{"w": 2.0}, groups[0].Changes[0].NewValue)
}

func TestBuildCustomTitlesAndMissingBaseline(t *testing.T) {
	cat := testCatalog(t)
	titles := host.TitleFunc(func(ns string) string { return "Title of " + ns })

	groups := Build(cat, titles, tree.Tree{"mod": map[string]any{"flag": true}, "junk": "leaf"}, tree.Flat{}, nil, quiet)
	require.Len(t, groups, 1)
	assert.Equal(t, "Title of mod", groups[0].Title)
	assert.Nil(t, groups[0].Changes[0].OldValue)
	assert.Equal(t, "null", groups[0].Changes[0].OldDisplay)
}

func TestBuildDropsGroupsWithOnlyUnregistered(t *testing.T) {
	groups := Build(testCatalog(t), nil, tree.Tree{"other": map[string]any{"x": 1.0}}, nil, nil, quiet)
	assert.Empty(t, groups)
}

func sampleReview(t *testing.T) *Review {
	t.Helper()
	groups := Build(testCatalog(t), nil, tree.Tree{
		"mod":  map[string]any{"flag": true},
		"core": map[string]any{"fontSize": 7.0},
	}, tree.Flat{"mod.flag": false, "core.fontSize": 5.0}, nil, quiet)
	return NewReview(groups)
}

func TestReviewDecisions(t *testing.T) {
	r := sampleReview(t)
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.Decide("mod.flag", DecisionOld))
	rec, ok := r.Record("mod.flag")
	require.True(t, ok)
	assert.Equal(t, DecisionOld, rec.Decision)

	assert.ErrorIs(t, r.Decide("mod.flag", "maybe"), ErrInvalidDecision)
	assert.ErrorIs(t, r.Decide("mod.none", DecisionNew), ErrUnknownPath)

	_, ok = r.Record("mod.none")
	assert.False(t, ok)

	records := r.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "core.fontSize", records[0].Path)
	assert.Equal(t, DecisionOld, records[1].Decision)
}

func TestDecideAllIsAtomic(t *testing.T) {
	r := sampleReview(t)

	err := r.DecideAll(map[string]Decision{
		"mod.flag":      DecisionIgnore,
		"core.fontSize": "bogus",
	})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	rec, _ := r.Record("mod.flag")
	assert.Equal(t, DecisionNew, rec.Decision)

	err = r.DecideAll(map[string]Decision{"mod.flag": DecisionIgnore, "nope": DecisionOld})
	assert.ErrorIs(t, err, ErrUnknownPath)

	require.NoError(t, r.DecideAll(map[string]Decision{"mod.flag": DecisionIgnore, "core.fontSize": DecisionOld}))
	rec, _ = r.Record("core.fontSize")
	assert.Equal(t, DecisionOld, rec.Decision)
}

func TestToggle(t *testing.T) {
	r := sampleReview(t)

	d, err := r.Toggle("mod.flag", DecisionNew)
	require.NoError(t, err)
	assert.Equal(t, DecisionIgnore, d)

	d, err = r.Toggle("mod.flag", DecisionOld)
	require.NoError(t, err)
	assert.Equal(t, DecisionOld, d)

	d, err = r.Toggle("mod.flag", DecisionNew)
	require.NoError(t, err)
	assert.Equal(t, DecisionNew, d)

	_, err = r.Toggle("mod.flag", DecisionIgnore)
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = r.Toggle("nope", DecisionOld)
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestApplyNewWritesLive(t *testing.T) {
	r := sampleReview(t)
	live := newMemLive()

	out := Apply(r.Groups, Target{Live: live, Logger: quiet})
	assert.Equal(t, 2, out.Applied)
	assert.Zero(t, out.Reverted)
	assert.True(t, out.ReloadRequired)
	assert.False(t, out.StoredDirty)
	assert.Empty(t, out.Failures)
	assert.Equal(t, tree.Flat{"mod.flag": true, "core.fontSize": 7.0}, live.values)
}

func TestApplyOldWritesStored(t *testing.T) {
	r := sampleReview(t)
	require.NoError(t, r.DecideAll(map[string]Decision{"mod.flag": DecisionOld, "core.fontSize": DecisionIgnore}))
	live := newMemLive()
	live.values["mod.flag"] = true

	out := Apply(r.Groups, Target{Live: live, Logger: quiet})
	assert.Zero(t, out.Applied)
	assert.Equal(t, 1, out.Reverted)
	assert.Equal(t, 1, out.Ignored)
	assert.True(t, out.StoredDirty)
	assert.False(t, out.ReloadRequired)
	assert.Equal(t, tree.Tree{"mod": map[string]any{"flag": false}}, out.Stored)

	// The live store keeps its value.
	assert.Equal(t, true, live.values["mod.flag"])
}

func TestApplyOldWithoutBaselineDeletes(t *testing.T) {
	groups := Build(testCatalog(t), nil, tree.Tree{"mod": map[string]any{"flag": true}}, nil, nil, quiet)
	r := NewReview(groups)
	require.NoError(t, r.Decide("mod.flag", DecisionOld))

	stored := tree.Tree{"mod": map[string]any{"flag": true}, "core": map[string]any{"fontSize": 6.0}}
	out := Apply(r.Groups, Target{Live: newMemLive(), Stored: stored, Logger: quiet})
	assert.True(t, out.StoredDirty)
	assert.Equal(t, tree.Tree{"core": map[string]any{"fontSize": 6.0}}, out.Stored)
}

func TestApplyContinuesAfterLiveFailure(t *testing.T) {
	r := sampleReview(t)
	live := newMemLive()
	boom := errors.New("read-only")
	live.fail["core.fontSize"] = boom
	notes := &recordingNotifier{}

	out := Apply(r.Groups, Target{Live: live, Notifier: notes, Logger: quiet})
	assert.Equal(t, 1, out.Applied)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "core.fontSize", out.Failures[0].Path)
	assert.ErrorIs(t, out.Failures[0], boom)
	assert.Contains(t, out.Failures[0].Error(), "core.fontSize")

	assert.Equal(t, true, live.values["mod.flag"])
	require.Len(t, notes.errors, 1)
	assert.Contains(t, notes.errors[0], "read-only")
}
