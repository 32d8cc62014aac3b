package tree

import (
	"encoding/json"
	"math"
	"strconv"
)

// Equal reports whether two values are deeply equal. Numbers compare by
// value regardless of their Go representation, so an int64 default loaded
// from TOML equals the float64 JSON decodes for the same setting.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	switch va := a.(type) {
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for k, x := range va {
			y, ok := vb[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	case []any:
		vb, ok := b.([]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !Equal(va[i], vb[i]) {
				return false
			}
		}
		return true
	case string, bool:
		return a == b
	default:
		// Typed slices and other opaque values: compare their JSON form.
		ja, errA := json.Marshal(a)
		jb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ja) == string(jb)
	}
}

// Stringify renders a value the way the sanitizer and the review display
// compare it: strings verbatim, numbers in their shortest decimal form,
// booleans as "true"/"false", nil as "null", everything else as JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	}

	if f, ok := toFloat(v); ok {
		if math.Trunc(f) == f && math.Abs(f) < 1e21 {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
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
