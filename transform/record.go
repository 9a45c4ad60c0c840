package transform

import (
	"encoding/json"
	"math"
)

// Record is one flat output event.
type Record map[string]any

// MarshalJSON encodes NaN as "NaN" and infinities as "Infinity" and
// "-Infinity", which encoding/json otherwise refuses.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = sanitize(v)
	}
	return json.Marshal(out)
}

func sanitize(v any) any {
	switch x := v.(type) {
	case float64:
		switch {
		case math.IsNaN(x):
			return "NaN"
		case math.IsInf(x, 1):
			return "Infinity"
		case math.IsInf(x, -1):
			return "-Infinity"
		}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = sanitize(e)
		}
		return out
	}
	return v
}
