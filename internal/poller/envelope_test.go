package poller

import (
	"errors"
	"testing"
	"time"
)

func TestSuccessEnvelopeSpreadsObjects(t *testing.T) {
	now := time.Now()
	env := successEnvelope(map[string]any{"cpu": 42.5, "mem": 10.0}, now)

	if env["cpu"] != 42.5 || env["mem"] != 10.0 {
		t.Fatalf("payload keys not spread: %v", env)
	}
	meta, _ := env["_meta"].(map[string]any)
	if meta == nil {
		t.Fatalf("missing _meta: %v", env)
	}
	if meta["healthy"] != true || meta["errorCount"] != 0 {
		t.Fatalf("meta = %v", meta)
	}
	if meta["lastPoll"] != now.UnixMilli() {
		t.Fatalf("lastPoll = %v, want %d", meta["lastPoll"], now.UnixMilli())
	}
}

func TestSuccessEnvelopeWrapsLists(t *testing.T) {
	items := []map[string]any{{"id": 1}, {"id": 2}}
	env := successEnvelope(items, time.Now())

	got, ok := env["items"].([]map[string]any)
	if !ok || len(got) != 2 {
		t.Fatalf("items = %v", env["items"])
	}
	if _, ok := env["_meta"]; !ok {
		t.Fatalf("missing _meta: %v", env)
	}
}

func TestSuccessEnvelopeWrapsScalars(t *testing.T) {
	env := successEnvelope("up", time.Now())
	if env["value"] != "up" {
		t.Fatalf("value = %v", env["value"])
	}
	env = successEnvelope(7, time.Now())
	if env["value"] != 7 {
		t.Fatalf("value = %v", env["value"])
	}
}

func TestSuccessEnvelopeSpreadsStructs(t *testing.T) {
	type status struct {
		State string `json:"state"`
		Load  int    `json:"load"`
	}
	env := successEnvelope(status{State: "ok", Load: 3}, time.Now())
	if env["state"] != "ok" {
		t.Fatalf("state = %v (env %v)", env["state"], env)
	}
	// JSON round trips numbers to float64.
	if env["load"] != 3.0 {
		t.Fatalf("load = %v", env["load"])
	}
}

func TestSuccessEnvelopeDereferencesPointers(t *testing.T) {
	payload := map[string]any{"cpu": 1.0}
	env := successEnvelope(&payload, time.Now())
	if env["cpu"] != 1.0 {
		t.Fatalf("pointer payload not spread: %v", env)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	last := time.Now().Add(-time.Minute)
	env := errorEnvelope(errors.New("connection refused"), errTransient, 3, last)

	if env["_error"] != true || env["_message"] != "connection refused" {
		t.Fatalf("envelope = %v", env)
	}
	if _, ok := env["_configError"]; ok {
		t.Fatalf("transient error flagged _configError")
	}
	if _, ok := env["_authError"]; ok {
		t.Fatalf("transient error flagged _authError")
	}
	if env["_lastSuccess"] != last.UnixMilli() {
		t.Fatalf("_lastSuccess = %v", env["_lastSuccess"])
	}
	meta, _ := env["_meta"].(map[string]any)
	if meta == nil || meta["healthy"] != false || meta["errorCount"] != 3 || meta["lastError"] != "connection refused" {
		t.Fatalf("meta = %v", meta)
	}
}

func TestErrorEnvelopeKindFlags(t *testing.T) {
	env := errorEnvelope(errors.New("No URL configured"), errConfig, 1, time.Time{})
	if env["_configError"] != true {
		t.Fatalf("config envelope = %v", env)
	}
	if _, ok := env["_lastSuccess"]; ok {
		t.Fatalf("zero lastSuccess leaked into envelope: %v", env)
	}

	env = errorEnvelope(errors.New("Authentication failed"), errAuth, 1, time.Time{})
	if env["_authError"] != true {
		t.Fatalf("auth envelope = %v", env)
	}
}
