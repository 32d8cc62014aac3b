// Package tree converts configuration between its flat dotted-key form and
// its nested form, and provides the structural helpers (copy, path access,
// overlay, equality) the sync engine builds on.
//
// A Tree is a nested map whose values are either leaves (string, number,
// boolean, or an opaque JSON-compatible value) or further maps. A Flat maps
// fully-qualified dotted keys such as "core.fontSize" to leaves.
package tree

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/copystructure"
)

// Separator joins path segments in flat keys.
const Separator = "."

// Tree is a nested configuration document.
type Tree = map[string]any

// Flat is a configuration document keyed by fully-qualified dotted paths.
type Flat = map[string]any

// Expand converts flat dotted keys into a nested tree.
//
// Keys are processed in sorted order and later writes win. When a leaf key
// collides with a deeper path ("a" and "a.b"), the deeper path sorts last and
// replaces the leaf with a subtree.
func Expand(flat Flat) Tree {
	result := make(Tree)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		Set(result, k, DeepCopy(flat[k]))
	}
	return result
}

// Flatten walks a tree depth-first and emits every leaf under its joined path.
func Flatten(t Tree) Flat {
	result := make(Flat)
	flattenInto(t, "", result)
	return result
}

func flattenInto(t Tree, prefix string, out Flat) {
	for key, val := range t {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + Separator + key
		}

		if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
			flattenInto(nested, fullKey, out)
			continue
		}
		out[fullKey] = DeepCopy(val)
	}
}

// DeepCopy returns a clone of v sharing no mutable substructure with it.
func DeepCopy(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return v
	}
	c, err := copystructure.Copy(v)
	if err != nil {
		// copystructure only fails on unsupported kinds (chan, func), which
		// never appear in a configuration document.
		panic(fmt.Sprintf("tree: deep copy %T: %v", v, err))
	}
	return c
}

// Clone deep-copies a tree. A nil tree clones to an empty one.
func Clone(t Tree) Tree {
	if t == nil {
		return make(Tree)
	}
	return DeepCopy(t).(map[string]any)
}

// Split breaks a dotted path into its segments.
func Split(path string) []string {
	return strings.Split(path, Separator)
}

// Join builds a dotted path from segments, skipping empty ones.
func Join(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, Separator)
}

// Get retrieves the value at a dotted path.
func Get(t Tree, path string) (any, bool) {
	if t == nil {
		return nil, false
	}

	var current any = t
	for _, part := range Split(path) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := m[part]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// Set writes value at a dotted path, creating intermediate nodes and
// replacing any leaf that stands where a node is needed.
func Set(t Tree, path string, value any) {
	if t == nil {
		return
	}

	parts := Split(path)
	current := t
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// Delete removes the value at a dotted path and prunes parents left empty.
// It reports whether anything was removed.
func Delete(t Tree, path string) bool {
	return deleteParts(t, Split(path))
}

func deleteParts(t Tree, parts []string) bool {
	if t == nil {
		return false
	}
	if len(parts) == 1 {
		if _, ok := t[parts[0]]; !ok {
			return false
		}
		delete(t, parts[0])
		return true
	}

	child, ok := t[parts[0]].(map[string]any)
	if !ok {
		return false
	}
	removed := deleteParts(child, parts[1:])
	if removed && len(child) == 0 {
		delete(t, parts[0])
	}
	return removed
}

// Merge overlays src on top of dst and returns the result as a new tree.
// Nested maps merge recursively; any other src value replaces the dst value.
// Neither input is modified.
func Merge(dst, src Tree) Tree {
	result := Clone(dst)
	mergeInto(result, src)
	return result
}

func mergeInto(dst, src Tree) {
	for key, srcVal := range src {
		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[key] = DeepCopy(srcVal)
	}
}

// IsEmpty reports whether t has no keys.
func IsEmpty(t Tree) bool {
	return len(t) == 0
}

// IsNode reports whether v is a nested tree.
func IsNode(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// Keys returns the keys of t in sorted order.
func Keys(t Tree) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
