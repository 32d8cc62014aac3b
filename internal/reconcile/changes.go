// Package reconcile turns a settings diff into reviewable change records and
// applies the decisions a user makes about them.
package reconcile

import (
	"log/slog"
	"strings"

	"playersync/internal/catalog"
	"playersync/internal/host"
	"playersync/internal/tree"
)

// Decision selects which side of a change wins.
type Decision string

const (
	// DecisionOld keeps the baseline value.
	DecisionOld Decision = "old"
	// DecisionNew takes the candidate value.
	DecisionNew Decision = "new"
	// DecisionIgnore leaves both sides alone.
	DecisionIgnore Decision = "ignore"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionOld, DecisionNew, DecisionIgnore:
		return true
	}
	return false
}

// ChangeRecord is one setting whose value differs between the two sides.
type ChangeRecord struct {
	// Path is the setting's full dotted ID.
	Path string `json:"path"`
	// Key is Path without the namespace.
	Key   string `json:"key"`
	Label string `json:"label"`

	OldValue any `json:"old_value"`
	NewValue any `json:"new_value"`

	// Display forms used for rendering and comparison only.
	OldDisplay string `json:"old_display"`
	NewDisplay string `json:"new_display"`

	RequiresReload bool     `json:"requires_reload"`
	Decision       Decision `json:"decision"`
}

// ChangeGroup collects the changes of one namespace.
type ChangeGroup struct {
	OwnerID string         `json:"owner_id"`
	Title   string         `json:"title"`
	Changes []ChangeRecord `json:"changes"`
}

// Build converts a diff into change groups ordered by namespace. Old values
// are read from baseline. New values are read from candidate, the tree the
// diff was taken against, so an object setting keeps the fields the diff
// left out; with a nil candidate the diff value is used. Leaves that resolve
// to no registered setting are logged and skipped.
func Build(cat catalog.Catalog, titles host.TitleResolver, d tree.Tree, baseline tree.Flat, candidate tree.Tree, logger *slog.Logger) []ChangeGroup {
	if logger == nil {
		logger = slog.Default()
	}
	if titles == nil {
		titles = host.DefaultTitles
	}

	namespaces := tree.Keys(d)
	groups := make([]ChangeGroup, 0, len(namespaces))

	for _, namespace := range namespaces {
		settings, ok := d[namespace].(map[string]any)
		if !ok {
			logger.Warn("skipping non-tree namespace in diff", "namespace", namespace)
			continue
		}

		group := ChangeGroup{
			OwnerID: namespace,
			Title:   titles.Title(namespace),
		}
		b := builder{cat: cat, baseline: baseline, candidate: candidate, logger: logger}
		b.walk(namespace, settings, &group)

		if len(group.Changes) > 0 {
			groups = append(groups, group)
		}
	}

	return groups
}

type builder struct {
	cat       catalog.Catalog
	baseline  tree.Flat
	candidate tree.Tree
	logger    *slog.Logger
}

func (b *builder) walk(prefix string, node tree.Tree, group *ChangeGroup) {
	for _, name := range tree.Keys(node) {
		value := node[name]
		path := prefix + tree.Separator + name

		def, ok := b.cat.Lookup(path)
		if !ok {
			if nested, isNode := value.(map[string]any); isNode {
				b.walk(path, nested, group)
				continue
			}
			b.logger.Warn("skipping unregistered setting", "path", path)
			continue
		}

		oldValue := lookup(b.baseline, path)
		newValue := value
		if full, found := tree.Get(b.candidate, path); found {
			newValue = full
		}
		group.Changes = append(group.Changes, ChangeRecord{
			Path:           path,
			Key:            strings.TrimPrefix(path, group.OwnerID+tree.Separator),
			Label:          def.Label(),
			OldValue:       oldValue,
			NewValue:       tree.DeepCopy(newValue),
			OldDisplay:     tree.Stringify(oldValue),
			NewDisplay:     tree.Stringify(newValue),
			RequiresReload: def.RequiresReload,
			Decision:       DecisionNew,
		})
	}
}

// lookup reads path from a flat baseline. Complex values that were flattened
// into sub-keys are reassembled.
func lookup(flat tree.Flat, path string) any {
	if v, ok := flat[path]; ok {
		return tree.DeepCopy(v)
	}

	prefix := path + tree.Separator
	var sub tree.Flat
	for k, v := range flat {
		if strings.HasPrefix(k, prefix) {
			if sub == nil {
				sub = make(tree.Flat)
			}
			sub[strings.TrimPrefix(k, prefix)] = v
		}
	}
	if sub == nil {
		return nil
	}
	return tree.Expand(sub)
}

// Count returns the total number of change records across groups.
func Count(groups []ChangeGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Changes)
	}
	return n
}

// Paths lists every record path in group order.
func Paths(groups []ChangeGroup) []string {
	paths := make([]string, 0, Count(groups))
	for _, g := range groups {
		for _, c := range g.Changes {
			paths = append(paths, c.Path)
		}
	}
	return paths
}
