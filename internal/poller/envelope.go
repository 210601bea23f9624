package poller

import (
	"encoding/json"
	"reflect"
	"time"
)

// successEnvelope wraps a poll result for broadcast. Object payloads keep
// their top-level keys with _meta merged in; list payloads nest under
// "items" so _meta has somewhere to live; scalars nest under "value".
func successEnvelope(payload any, now time.Time) map[string]any {
	obj := spreadPayload(payload)
	obj["_meta"] = map[string]any{
		"healthy":    true,
		"lastPoll":   now.UnixMilli(),
		"errorCount": 0,
	}
	return obj
}

func spreadPayload(payload any) map[string]any {
	switch v := payload.(type) {
	case map[string]any:
		out := make(map[string]any, len(v)+1)
		for k, val := range v {
			out[k] = val
		}
		return out
	case []byte:
		return map[string]any{"value": v}
	}
	rv := reflect.ValueOf(payload)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return map[string]any{"items": payload}
	case reflect.Pointer:
		if rv.IsNil() {
			return map[string]any{"value": nil}
		}
		return spreadPayload(rv.Elem().Interface())
	}
	// Structs and typed maps spread through a JSON round trip. Anything
	// that does not encode as an object nests under "value".
	if raw, err := json.Marshal(payload); err == nil {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m != nil {
			return m
		}
	}
	return map[string]any{"value": payload}
}

// errorEnvelope is the payload broadcast when a topic enters backoff or
// halts. Clients key off _error to render degraded state without tearing
// down the stream.
func errorEnvelope(err error, kind errorKind, errCount int, lastSuccess time.Time) map[string]any {
	env := map[string]any{
		"_error":   true,
		"_message": err.Error(),
		"_meta": map[string]any{
			"healthy":    false,
			"errorCount": errCount,
			"lastError":  err.Error(),
		},
	}
	switch kind {
	case errConfig:
		env["_configError"] = true
	case errAuth:
		env["_authError"] = true
	}
	if !lastSuccess.IsZero() {
		env["_lastSuccess"] = lastSuccess.UnixMilli()
	}
	return env
}
