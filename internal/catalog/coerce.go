package catalog

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Coerce casts a stored value into the setting's declared kind.
//
// Stored snapshots may carry values as JSON-encoded strings ("true", "12")
// or as typed JSON values. Strings are JSON-decoded first and fall back to
// the raw string; the result is then cast to the primitive kind. A nil or
// empty value yields the definition's default. Object kinds are returned
// as decoded.
func Coerce(d Definition, value any) any {
	if value == nil {
		return d.Default
	}
	if s, ok := value.(string); ok {
		if s == "" {
			if d.Default != nil {
				return d.Default
			}
			return ""
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			value = decoded
		}
	}

	switch d.Kind {
	case KindBoolean:
		return asBool(value)
	case KindNumber:
		if f, ok := asNumber(value); ok {
			return f
		}
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
		return d.Default
	case KindString:
		if s, ok := value.(string); ok {
			return s
		}
		return stringOf(value)
	default:
		return value
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != "" && b != "false" && b != "0"
	case nil:
		return false
	default:
		if f, ok := asNumber(v); ok {
			return f != 0
		}
		return true
	}
}

func stringOf(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
