package realtime

import (
	"testing"
	"time"
)

func TestUpdateEnvelopeShapes(t *testing.T) {
	now := time.Now()

	env := updateEnvelope(map[string]any{"sessions": 2}, now)
	if env["sessions"] != 2 {
		t.Fatalf("object keys not kept: %v", env)
	}
	meta, _ := env["_meta"].(map[string]any)
	if meta == nil || meta["source"] != "realtime" || meta["lastUpdate"] != now.UnixMilli() {
		t.Fatalf("meta = %v", meta)
	}

	env = updateEnvelope([]any{"a", "b"}, now)
	if _, ok := env["items"].([]any); !ok {
		t.Fatalf("list not nested under items: %v", env)
	}

	env = updateEnvelope("idle", now)
	if env["value"] != "idle" {
		t.Fatalf("scalar not nested under value: %v", env)
	}
}
