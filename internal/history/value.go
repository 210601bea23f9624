package history

import (
	"encoding/json"
	"math"
	"strings"
)

// extractNumber resolves a dotted path inside a poll payload and returns
// the value as a finite float. Payloads are usually decoded JSON maps;
// anything else goes through one JSON round trip first.
func extractNumber(payload any, path string) (float64, bool) {
	cur := normalize(payload)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur, ok = m[seg]
		if !ok {
			return 0, false
		}
	}
	return toFinite(cur)
}

func normalize(payload any) any {
	if _, ok := payload.(map[string]any); ok {
		return payload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func toFinite(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
