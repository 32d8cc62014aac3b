package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playersync/internal/catalog"
	"playersync/internal/tree"
)

func testCatalog(t *testing.T) *catalog.Registry {
	t.Helper()
	r := catalog.NewRegistry()
	r.MustRegister(
		catalog.Definition{Namespace: "core", Key: "fontSize", Kind: catalog.KindNumber, Default: 5.0, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "core", Key: "language", Kind: catalog.KindString, Default: "en", Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "core", Key: "hidden", Kind: catalog.KindString, Default: "x", Scope: catalog.ScopeClient, Configurable: false},
		catalog.Definition{Namespace: "core", Key: "worldly", Kind: catalog.KindString, Default: "w", Scope: catalog.ScopeWorld, Configurable: true},
		catalog.Definition{Namespace: "mod", Key: "flag", Kind: catalog.KindBoolean, Default: false, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "mod", Key: "group.inner", Kind: catalog.KindNumber, Default: 1.0, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "mod", Key: "layout", Kind: catalog.KindObject, Default: map[string]any{"w": 1.0}, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "mod", Key: "code", Kind: catalog.KindString, Default: "0", Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "playersync", Key: "sync-settings", Kind: catalog.KindBoolean, Default: true, Scope: catalog.ScopeClient, Configurable: true},
		catalog.Definition{Namespace: "other", Key: "opt", Kind: catalog.KindBoolean, Default: false, Scope: catalog.ScopeClient, Configurable: true},
	)
	return r
}

var opts = Options{SelfNamespace: "playersync"}

func TestExcluded(t *testing.T) {
	o := Options{SelfNamespace: "playersync", Exclude: []string{"noisy"}}
	assert.True(t, o.Excluded("playersync"))
	assert.True(t, o.Excluded("noisy"))
	assert.False(t, o.Excluded("core"))
}

func TestSanitize(t *testing.T) {
	cat := testCatalog(t)
	input := tree.Tree{
		"core": map[string]any{
			"fontSize": 7.0,  // kept
			"language": "en", // at default
			"hidden":   "y",  // not configurable
			"unknown":  "z",  // not registered
		},
		"mod": map[string]any{
			"flag":   true,
			"group":  map[string]any{"inner": 2.0, "stray": 1.0},
			"layout": map[string]any{"w": 1.0},
		},
		"playersync": map[string]any{"sync-settings": false},
		"scalar":     "not a namespace",
		"gone":       map[string]any{"x": 1.0},
	}

	got := Sanitize(cat, input, opts)
	assert.Equal(t, tree.Tree{
		"core": map[string]any{"fontSize": 7.0},
		"mod": map[string]any{
			"flag":  true,
			"group": map[string]any{"inner": 2.0},
		},
	}, got)

	// The input is untouched.
	assert.Equal(t, "en", input["core"].(map[string]any)["language"])
	assert.Contains(t, input, "playersync")
}

func TestSanitizeIdempotent(t *testing.T) {
	cat := testCatalog(t)
	inputs := []tree.Tree{
		{},
		{"core": map[string]any{"fontSize": 9.0, "language": "fr"}},
		{"mod": map[string]any{"group": map[string]any{"inner": 1.0}}, "other": map[string]any{"opt": true}},
		{"core": map[string]any{"hidden": "q"}, "junk": 1.0},
	}

	for _, in := range inputs {
		once := Sanitize(cat, in, opts)
		assert.Equal(t, once, Sanitize(cat, once, opts))
	}
}

func TestSanitizeExcludesConfiguredNamespaces(t *testing.T) {
	cat := testCatalog(t)
	o := Options{SelfNamespace: "playersync", Exclude: []string{"other"}}

	got := Sanitize(cat, tree.Tree{
		"other":      map[string]any{"opt": true},
		"playersync": map[string]any{"sync-settings": false},
		"mod":        map[string]any{"flag": true},
	}, o)
	assert.Equal(t, tree.Tree{"mod": map[string]any{"flag": true}}, got)
}

func TestSanitizeStringFormComparison(t *testing.T) {
	cat := testCatalog(t)

	// The number 0 and the string "0" stringify alike, so a mistyped value
	// equal in text to the default is pruned.
	got := Sanitize(cat, tree.Tree{"mod": map[string]any{"code": 0.0}}, opts)
	assert.Empty(t, got)

	// Object defaults only match on identical JSON encodings.
	got = Sanitize(cat, tree.Tree{"mod": map[string]any{"layout": map[string]any{"w": 2.0}}}, opts)
	assert.Equal(t, tree.Tree{"mod": map[string]any{"layout": map[string]any{"w": 2.0}}}, got)
}

func TestDefaults(t *testing.T) {
	cat := testCatalog(t)

	got := Defaults(cat, opts)
	assert.Equal(t, tree.Tree{
		"core": map[string]any{"fontSize": 5.0, "language": "en"},
		"mod": map[string]any{
			"flag":  false,
			"group": map[string]any{"inner": 1.0},
			"code":  "0",
		},
		"other": map[string]any{"opt": false},
	}, got)
}

func TestWithDefaultsTotal(t *testing.T) {
	cat := testCatalog(t)
	inputs := []tree.Tree{
		{},
		{"core": map[string]any{"fontSize": 9.0}},
		{"mod": map[string]any{"extra": "kept"}},
	}

	for _, in := range inputs {
		merged := WithDefaults(cat, in, opts)
		for _, def := range cat.All() {
			if !def.Syncable() || opts.Excluded(def.Namespace) {
				continue
			}
			_, ok := tree.Get(merged, def.ID())
			assert.True(t, ok, "missing %s", def.ID())
		}
		for path, v := range tree.Flatten(in) {
			got, ok := tree.Get(merged, path)
			require.True(t, ok)
			assert.Equal(t, v, got)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	cat := testCatalog(t)

	got := Canonicalize(cat, tree.Tree{
		"core":       map[string]any{"fontSize": 7.0, "hidden": "q"},
		"playersync": map[string]any{"sync-settings": false},
	}, opts)

	v, _ := tree.Get(got, "core.fontSize")
	assert.Equal(t, 7.0, v)
	v, _ = tree.Get(got, "core.language")
	assert.Equal(t, "en", v)
	_, ok := tree.Get(got, "core.hidden")
	assert.False(t, ok)
	assert.NotContains(t, got, "playersync")
}
