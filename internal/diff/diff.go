// Package diff computes one-directional structural differences between
// configuration trees.
package diff

import "playersync/internal/tree"

// FromBaseline reports how candidate differs from baseline.
//
// The result is an overlay: it holds candidate's value at every path where
// candidate disagrees with baseline or adds a key. Keys present only in
// baseline are not reported. Empty subtrees never appear, so identical
// inputs produce an empty tree.
func FromBaseline(baseline, candidate tree.Tree) tree.Tree {
	result := make(tree.Tree)

	for key, next := range candidate {
		prev, exists := baseline[key]
		if !exists {
			if sub, ok := next.(map[string]any); ok && len(sub) == 0 {
				continue
			}
			result[key] = tree.DeepCopy(next)
			continue
		}

		prevNode, prevIsNode := prev.(map[string]any)
		nextNode, nextIsNode := next.(map[string]any)
		if prevIsNode && nextIsNode {
			if sub := FromBaseline(prevNode, nextNode); len(sub) > 0 {
				result[key] = sub
			}
			continue
		}
		if nextIsNode && len(nextNode) == 0 {
			continue
		}

		if !tree.Equal(prev, next) {
			result[key] = tree.DeepCopy(next)
		}
	}

	return result
}

// Overlay applies a diff to its baseline. Overlay(a, FromBaseline(a, b))
// agrees with b on every path b defines.
func Overlay(baseline, d tree.Tree) tree.Tree {
	return tree.Merge(baseline, d)
}

// Empty reports whether a diff records no changes.
func Empty(d tree.Tree) bool {
	return len(d) == 0
}
