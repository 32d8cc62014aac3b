// Package canon reduces configuration trees to the comparable normal form
// used for synchronization: sanitize away everything that should not sync,
// then fill in catalog defaults so "absent" and "at default" look the same.
package canon

import (
	"playersync/internal/catalog"
	"playersync/internal/tree"
)

// Options names the namespaces that never take part in synchronization.
type Options struct {
	// SelfNamespace is the sync engine's own namespace.
	SelfNamespace string
	// Exclude lists further namespaces to leave out.
	Exclude []string
}

// Excluded reports whether a namespace is left out of synchronization.
func (o Options) Excluded(namespace string) bool {
	if namespace == o.SelfNamespace {
		return true
	}
	for _, ns := range o.Exclude {
		if ns == namespace {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of t holding only recognized, user-configurable
// settings whose values differ from their defaults. The input is not
// modified.
//
// The default comparison is by Stringify form, so a number 0 and a string
// "0" count as equal, and two objects only match when their JSON encodings
// do.
func Sanitize(cat catalog.Catalog, t tree.Tree, opts Options) tree.Tree {
	result := tree.Clone(t)

	for namespace, value := range result {
		if opts.Excluded(namespace) {
			delete(result, namespace)
			continue
		}
		settings, ok := value.(map[string]any)
		if !ok {
			delete(result, namespace)
			continue
		}
		prune(cat, namespace, settings)
		if len(settings) == 0 {
			delete(result, namespace)
		}
	}

	return result
}

func prune(cat catalog.Catalog, prefix string, settings tree.Tree) {
	for name, value := range settings {
		key := prefix + tree.Separator + name
		def, ok := cat.Lookup(key)

		switch {
		case !ok:
			// Not a registered key, but a subtree may hold nested settings.
			nested, isNode := value.(map[string]any)
			if !isNode {
				delete(settings, name)
				continue
			}
			prune(cat, key, nested)
			if len(nested) == 0 {
				delete(settings, name)
			}
		case !def.Configurable:
			delete(settings, name)
		case tree.Stringify(def.Default) == tree.Stringify(value):
			delete(settings, name)
		}
	}
}

// WithDefaults returns the catalog defaults of every syncable setting outside
// the excluded namespaces, with t overlaid on top.
func WithDefaults(cat catalog.Catalog, t tree.Tree, opts Options) tree.Tree {
	return tree.Merge(Defaults(cat, opts), t)
}

// Defaults builds the baseline tree of syncable defaults.
func Defaults(cat catalog.Catalog, opts Options) tree.Tree {
	defaults := make(tree.Tree)
	for _, def := range cat.All() {
		if !def.Syncable() || opts.Excluded(def.Namespace) {
			continue
		}
		tree.Set(defaults, def.ID(), tree.DeepCopy(def.Default))
	}
	return defaults
}

// Canonicalize sanitizes t and merges the defaults back in.
func Canonicalize(cat catalog.Catalog, t tree.Tree, opts Options) tree.Tree {
	return WithDefaults(cat, Sanitize(cat, t, opts), opts)
}
