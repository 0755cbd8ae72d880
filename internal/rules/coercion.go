// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

/*
 * Value normalisation for operator evaluation.
 *
 * Submitted values arrive as decoded JSON (float64, string, bool, nil, []any)
 * while persisted condition values come from YAML or SQL text (int, string).
 *
 * Equality: numbers compare numerically regardless of Go type; everything
 * else compares by type and value. A numeric string never equals a number.
 *
 * Ordering: operands are coerced to float64. Numeric strings are accepted
 * (trimmed, finite) because persisted condition values are text. Booleans
 * and non-numeric strings are rejected.
 */

// valuesEqual performs type-sensitive equality with numeric type mixing.
func valuesEqual(a, b any) bool {
	if na, ok := asNumber(a); ok {
		nb, ok := asNumber(b)
		return ok && na == nb
	}
	if _, ok := asNumber(b); ok {
		return false
	}

	switch va := a.(type) {
	case nil:
		return b == nil
	case string:
		vb, ok := b.(string)
		return ok && va == vb
	case bool:
		vb, ok := b.(bool)
		return ok && va == vb
	case []any:
		vb, ok := b.([]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !valuesEqual(va[i], vb[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// asNumber converts native numeric types to float64. Strings are not numbers.
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

// toNumber converts v to float64 for ordering comparisons.
// Accepts native numbers and numeric strings. Rejects booleans.
// Whitespace-only and non-finite strings are not numbers.
func toNumber(v any) (float64, bool) {
	if n, ok := asNumber(v); ok {
		return n, true
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// isEmptyValue reports whether a submitted value counts as unanswered for
// required-field checks: null, blank string or empty selection.
func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	default:
		return false
	}
}
