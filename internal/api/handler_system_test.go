package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manifold-dash/manifold/internal/config"
)

func TestSystemInfo(t *testing.T) {
	srv := NewServer(Config{
		AdminToken: testAdminToken,
		Info: SystemInfo{
			Name:      "manifold",
			Version:   "1.2.3",
			GitCommit: "abc1234",
			BuildTime: "2026-01-02T03:04:05Z",
		},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/system/info", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status: got %d, want 401", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/system/info", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d (body %s)", resp.StatusCode, body)
	}
	var out struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		GeoIP   any    `json:"geoip"`
	}
	decodeInto(t, body, &out)
	if out.Name != "manifold" || out.Version != "1.2.3" {
		t.Fatalf("info: %s", body)
	}
	if out.GeoIP != nil {
		t.Fatalf("geoip without database: got %v, want null", out.GeoIP)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	srv := NewServer(Config{AdminToken: testAdminToken})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("body: %s", body)
	}
}

func newConfigStore(t *testing.T) (*RuntimeConfigStore, func() *config.RuntimeConfig) {
	t.Helper()
	stores := testStores(t)
	initial, version, err := stores.SystemConfig.EnsureDefault(
		config.NewDefaultRuntimeConfig(false), time.Now().UnixNano())
	if err != nil {
		t.Fatalf("ensure default config: %v", err)
	}

	var mu sync.Mutex
	var applied *config.RuntimeConfig
	store := NewRuntimeConfigStore(stores.SystemConfig, initial, version, func(c *config.RuntimeConfig) {
		mu.Lock()
		applied = c
		mu.Unlock()
	})
	lastApplied := func() *config.RuntimeConfig {
		mu.Lock()
		defer mu.Unlock()
		return applied
	}
	return store, lastApplied
}

func TestSystemConfigGetAndPatch(t *testing.T) {
	store, lastApplied := newConfigStore(t)
	srv := NewServer(Config{
		AdminToken:   testAdminToken,
		MaxBodyBytes: 1 << 20,
		SysConfig:    store,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/system/config", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status: got %d (body %s)", resp.StatusCode, body)
	}
	var doc config.RuntimeConfig
	decodeInto(t, body, &doc)
	if doc.MetricHistory.Enabled {
		t.Fatal("history should start disabled")
	}

	resp, body = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/system/config", testAdminToken,
		strings.NewReader(`{"metric_history":{"enabled":true}}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status: got %d (body %s)", resp.StatusCode, body)
	}
	decodeInto(t, body, &doc)
	if !doc.MetricHistory.Enabled {
		t.Fatalf("patched doc: %s", body)
	}
	if doc.MetricHistory.Defaults.RetentionDays != config.DefaultRetentionDays {
		t.Fatalf("untouched defaults must survive the patch: %s", body)
	}
	if got := lastApplied(); got == nil || !got.MetricHistory.Enabled {
		t.Fatalf("apply hook: got %+v", got)
	}
	if cur := store.Current(); !cur.MetricHistory.Enabled {
		t.Fatal("live document not swapped")
	}

	_, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/system/config", testAdminToken, nil)
	decodeInto(t, body, &doc)
	if !doc.MetricHistory.Enabled {
		t.Fatalf("get after patch: %s", body)
	}
}

func TestSystemConfigPatchPersists(t *testing.T) {
	stores := testStores(t)
	initial, version, err := stores.SystemConfig.EnsureDefault(
		config.NewDefaultRuntimeConfig(false), time.Now().UnixNano())
	if err != nil {
		t.Fatalf("ensure default config: %v", err)
	}
	store := NewRuntimeConfigStore(stores.SystemConfig, initial, version, nil)

	if _, err := store.Patch([]byte(`{"metric_history":{"enabled":true,"integrations":{"g1":{"mode":"internal","retention_days":7}}}}`)); err != nil {
		t.Fatalf("patch: %v", err)
	}

	persisted, newVersion, err := stores.SystemConfig.GetSystemConfig()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if newVersion != version+1 {
		t.Fatalf("version: got %d, want %d", newVersion, version+1)
	}
	if !persisted.MetricHistory.Enabled {
		t.Fatal("enabled flag not persisted")
	}
	ov := persisted.MetricHistory.Integrations["g1"]
	if ov.Mode != config.HistoryModeInternal || ov.RetentionDays != 7 {
		t.Fatalf("override: %+v", ov)
	}
}

func TestSystemConfigPatchRejectsInvalid(t *testing.T) {
	store, lastApplied := newConfigStore(t)
	srv := NewServer(Config{
		AdminToken:   testAdminToken,
		MaxBodyBytes: 1 << 20,
		SysConfig:    store,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cases := []struct {
		name string
		body string
	}{
		{"unknown field", `{"bogus":1}`},
		{"bad mode", `{"metric_history":{"defaults":{"mode":"sometimes"}}}`},
		{"bad retention", `{"metric_history":{"defaults":{"retention_days":-1}}}`},
		{"empty body", ``},
		{"not json", `hello`},
	}
	for _, tc := range cases {
		resp, body := doJSON(t, http.MethodPatch, ts.URL+"/api/v1/system/config", testAdminToken,
			strings.NewReader(tc.body))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status got %d (body %s)", tc.name, resp.StatusCode, body)
		}
	}
	if got := lastApplied(); got != nil {
		t.Fatalf("rejected patches must not apply: %+v", got)
	}
	if store.Current().MetricHistory.Defaults.Mode != config.HistoryModeAuto {
		t.Fatal("live document mutated by rejected patch")
	}
}
