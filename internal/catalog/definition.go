// Package catalog holds the registered setting definitions the sync engine
// consults: their kind, default, scope, and whether a user may configure them.
package catalog

import (
	"fmt"
	"regexp"

	"playersync/internal/tree"
)

// Kind is the declared value type of a setting.
type Kind string

// Setting kinds. All kinds except KindObject are primitive.
const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// Primitive reports whether values of this kind take part in default merging.
func (k Kind) Primitive() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindArray:
		return true
	default:
		return false
	}
}

// Scope defines where a setting's value lives.
type Scope string

const (
	// ScopeWorld settings are shared by every user.
	ScopeWorld Scope = "world"
	// ScopeClient settings are local to one user's client.
	ScopeClient Scope = "client"
)

// Range bounds a numeric setting.
type Range struct {
	Min  *float64 `toml:"min" json:"min,omitempty" yaml:"min"`
	Max  *float64 `toml:"max" json:"max,omitempty" yaml:"max"`
	Step float64  `toml:"step" json:"step,omitempty" yaml:"step"`
}

// Definition describes one registered setting.
type Definition struct {
	Namespace      string            `toml:"namespace" json:"namespace" yaml:"namespace" validate:"required,excludesall=."`
	Key            string            `toml:"key" json:"key" yaml:"key" validate:"required"`
	Name           string            `toml:"name" json:"name,omitempty" yaml:"name"`
	Hint           string            `toml:"hint" json:"hint,omitempty" yaml:"hint"`
	Kind           Kind              `toml:"kind" json:"kind" yaml:"kind" validate:"required,oneof=string number boolean array object"`
	Default        any               `toml:"default" json:"default,omitempty" yaml:"default"`
	Scope          Scope             `toml:"scope" json:"scope" yaml:"scope" validate:"required,oneof=world client"`
	Configurable   bool              `toml:"configurable" json:"configurable" yaml:"configurable"`
	RequiresReload bool              `toml:"requires_reload" json:"requires_reload,omitempty" yaml:"requires_reload"`
	Choices        map[string]string `toml:"choices" json:"choices,omitempty" yaml:"choices"`
	Range          *Range            `toml:"range" json:"range,omitempty" yaml:"range"`
	Pattern        string            `toml:"pattern" json:"pattern,omitempty" yaml:"pattern"`
}

// ID returns the fully-qualified dotted key of the setting.
func (d Definition) ID() string {
	return d.Namespace + tree.Separator + d.Key
}

// Label returns the display name, falling back to the ID.
func (d Definition) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID()
}

// Syncable reports whether the setting belongs in a default-merged snapshot:
// client scope, user-configurable, and of a primitive kind.
func (d Definition) Syncable() bool {
	return d.Scope == ScopeClient && d.Configurable && d.Kind.Primitive()
}

// Validate checks that value is acceptable for this setting.
func (d Definition) Validate(value any) error {
	if err := d.validateKind(value); err != nil {
		return err
	}

	if len(d.Choices) > 0 {
		if _, ok := d.Choices[tree.Stringify(value)]; !ok {
			return fmt.Errorf("%s: %q is not one of the allowed choices", d.ID(), tree.Stringify(value))
		}
	}

	if d.Kind == KindNumber && d.Range != nil {
		f, _ := asNumber(value)
		if d.Range.Min != nil && f < *d.Range.Min {
			return fmt.Errorf("%s: %v is below minimum %v", d.ID(), f, *d.Range.Min)
		}
		if d.Range.Max != nil && f > *d.Range.Max {
			return fmt.Errorf("%s: %v is above maximum %v", d.ID(), f, *d.Range.Max)
		}
	}

	if d.Kind == KindString && d.Pattern != "" {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return fmt.Errorf("%s: invalid pattern: %w", d.ID(), err)
		}
		if !re.MatchString(value.(string)) {
			return fmt.Errorf("%s: %q does not match pattern %s", d.ID(), value, d.Pattern)
		}
	}

	return nil
}

func (d Definition) validateKind(value any) error {
	switch d.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s: expected string, got %T", d.ID(), value)
		}
	case KindNumber:
		if _, ok := asNumber(value); !ok {
			return fmt.Errorf("%s: expected number, got %T", d.ID(), value)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", d.ID(), value)
		}
	case KindArray:
		switch value.(type) {
		case []any, []string, []float64, []int:
		default:
			return fmt.Errorf("%s: expected array, got %T", d.ID(), value)
		}
	}
	return nil
}
