package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
)

func TestListInstancesMasksSecrets(t *testing.T) {
	stores := testStores(t)

	plugins := plugin.NewRegistry()
	err := plugins.Register(&plugin.Plugin{
		ID:   "widget",
		Name: "Widget",
		ConfigSchema: []plugin.ConfigField{
			{Key: "url", Label: "URL", Type: "string", Required: true},
			{Key: "api_key", Label: "API Key", Type: "string", Required: true, Secret: true},
		},
		Adapter: nopAdapter{},
		Poller: &plugin.Poller{
			Interval: time.Hour,
			Poll:     func(ctx context.Context, inst plugin.Instance) (any, error) { return nil, nil },
		},
	})
	if err != nil {
		t.Fatalf("register plugin: %v", err)
	}

	now := time.Now().UnixNano()
	if err := stores.Instances.Upsert(plugin.Instance{
		ID: "w1", Type: "widget", DisplayName: "Widget One", Enabled: true,
		Config: map[string]any{"url": "http://widget.local", "api_key": "hunter2"},
	}, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := stores.Instances.Upsert(plugin.Instance{
		ID: "u1", Type: "unregistered", DisplayName: "No Plugin", Enabled: false,
		Config: map[string]any{"token": "visible"},
	}, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	srv := NewServer(Config{
		AdminToken: testAdminToken,
		Instances:  stores.Instances,
		Plugins:    plugins,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/instances", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status: got %d, want 401", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/instances", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d (body %s)", resp.StatusCode, body)
	}
	var out struct {
		Instances []InstanceResponse `json:"instances"`
	}
	decodeInto(t, body, &out)
	if len(out.Instances) != 2 {
		t.Fatalf("instances: got %d, want 2", len(out.Instances))
	}

	byID := map[string]InstanceResponse{}
	for _, inst := range out.Instances {
		byID[inst.ID] = inst
	}
	w1 := byID["w1"]
	if w1.DisplayName != "Widget One" || !w1.Enabled {
		t.Fatalf("w1: %+v", w1)
	}
	if w1.Config["url"] != "http://widget.local" {
		t.Fatalf("url must not be masked: %v", w1.Config)
	}
	if w1.Config["api_key"] != secretPlaceholder {
		t.Fatalf("api_key must be masked: %v", w1.Config)
	}
	// Without a registered plugin there is no schema to consult.
	if byID["u1"].Config["token"] != "visible" {
		t.Fatalf("u1 config: %v", byID["u1"].Config)
	}
}
