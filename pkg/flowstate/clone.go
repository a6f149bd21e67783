package flowstate

import "maps"

// Cloner lets a typed state payload supply its own copy method. The
// manager prefers it over the built-in container copying in both clone
// modes; implementations decide how deep their copy goes.
type Cloner interface {
	CloneState() any
}

// clone copies a payload for copy-on-write. Shallow mode copies only the
// top level of maps and slices, sharing nested containers. Deep mode
// recursively copies maps and slices of any.
//
// Payload types that are neither Cloner nor generic containers pass
// through unchanged; value types are naturally copy-safe and pointer
// payloads should implement Cloner.
func clone(v any, deep bool) any {
	if c, ok := v.(Cloner); ok {
		return c.CloneState()
	}
	if !deep {
		switch t := v.(type) {
		case map[string]any:
			return maps.Clone(t)
		case []any:
			out := make([]any, len(t))
			copy(out, t)
			return out
		default:
			return v
		}
	}
	return deepCopy(v)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case Cloner:
		return t.CloneState()
	default:
		return v
	}
}
