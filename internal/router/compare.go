package router

import (
	"reflect"
	"strings"
)

// looseEqual compares with numeric coercion so an int result matches a
// float64 decoded from JSON, falling back to reflect.DeepEqual.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// looseCompare orders two values when both are numeric or both strings.
// ok is false for incomparable pairs.
func looseCompare(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// contains tests substring membership for strings, element membership for
// slices, and key membership for string-keyed maps.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		if n, ok := needle.(string); ok {
			return strings.Contains(h, n)
		}
		return false
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		if k, ok := needle.(string); ok {
			_, found := h[k]
			return found
		}
		return false
	default:
		rv := reflect.ValueOf(haystack)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			for i := 0; i < rv.Len(); i++ {
				if looseEqual(rv.Index(i).Interface(), needle) {
					return true
				}
			}
		}
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
