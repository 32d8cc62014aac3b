// Package snapshot encodes and decodes the persisted client-settings snapshot:
// a JSON object mapping each namespace to an object of (possibly nested)
// setting keys.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"playersync/internal/tree"
)

const schemaURL = "playersync://snapshot.schema.json"

const schemaSource = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "client settings snapshot",
  "type": "object",
  "additionalProperties": {
    "type": "object"
  }
}`

var schema = jsonschema.MustCompileString(schemaURL, schemaSource)

// ErrMalformed wraps decode and shape errors.
var ErrMalformed = errors.New("malformed snapshot")

// Encode serializes a tree to its persisted form.
func Encode(t tree.Tree) (string, error) {
	if t == nil {
		t = make(tree.Tree)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(data), nil
}

// Decode parses a persisted snapshot and checks its shape.
func Decode(s string) (tree.Tree, error) {
	var raw any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw.(map[string]any), nil
}

// DecodeOrEmpty parses a snapshot, treating malformed input as an empty tree.
// The second result reports whether the input was usable.
func DecodeOrEmpty(s string) (tree.Tree, bool) {
	t, err := Decode(s)
	if err != nil {
		return make(tree.Tree), false
	}
	return t, true
}

// DecodeOverride parses an administrator override. Overrides share the
// snapshot layout but are applied leaf by leaf, so only JSON validity is
// required.
func DecodeOverride(s string) (tree.Tree, error) {
	var t tree.Tree
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if t == nil {
		t = make(tree.Tree)
	}
	return t, nil
}
