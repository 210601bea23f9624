package realtime

import (
	"reflect"
	"time"
)

// updateEnvelope wraps a server push for broadcast. Object payloads keep
// their keys; lists nest under "items"; anything else under "value".
func updateEnvelope(data any, now time.Time) map[string]any {
	var obj map[string]any
	switch v := data.(type) {
	case map[string]any:
		obj = make(map[string]any, len(v)+1)
		for k, val := range v {
			obj[k] = val
		}
	case []byte:
		obj = map[string]any{"value": v}
	default:
		rv := reflect.ValueOf(data)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			obj = map[string]any{"items": data}
		} else {
			obj = map[string]any{"value": data}
		}
	}
	obj["_meta"] = map[string]any{
		"healthy":    true,
		"source":     "realtime",
		"lastUpdate": now.UnixMilli(),
	}
	return obj
}

// disconnectEnvelope is broadcast on every failure while the push channel
// is the active source.
func disconnectEnvelope(attempts int) map[string]any {
	return map[string]any{
		"_error":   true,
		"_message": "Real-time connection lost, reconnecting...",
		"_meta": map[string]any{
			"healthy":           false,
			"reconnectAttempts": attempts,
		},
	}
}

// recoveryEnvelope is broadcast when the push channel reclaims a topic
// from polling fallback.
func recoveryEnvelope() map[string]any {
	return map[string]any{
		"_meta": map[string]any{
			"healthy":   true,
			"recovered": true,
			"source":    "realtime",
		},
	}
}
