package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/sched"
	"github.com/manifold-dash/manifold/internal/state"
)

const testAdminToken = "test-admin-token"

// nopAdapter satisfies the plugin adapter contract for plugins whose
// endpoints are never called in a test.
type nopAdapter struct{}

func (nopAdapter) Get(ctx context.Context, inst plugin.Instance, path string, opts ...plugin.RequestOption) (*plugin.Response, error) {
	return &plugin.Response{StatusCode: http.StatusOK, Body: []byte("{}")}, nil
}

func (nopAdapter) Post(ctx context.Context, inst plugin.Instance, path string, body any, opts ...plugin.RequestOption) (*plugin.Response, error) {
	return &plugin.Response{StatusCode: http.StatusOK, Body: []byte("{}")}, nil
}

func (nopAdapter) Request(ctx context.Context, inst plugin.Instance, method, path string, body any, opts ...plugin.RequestOption) (*plugin.Response, error) {
	return &plugin.Response{StatusCode: http.StatusOK, Body: []byte("{}")}, nil
}

// fakeInstanceSource serves a fixed instance set to the poll orchestrator.
type fakeInstanceSource struct {
	instances []plugin.Instance
}

func (f *fakeInstanceSource) GetByID(id string) (*plugin.Instance, error) {
	for _, inst := range f.instances {
		if inst.ID == id {
			cp := inst
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeInstanceSource) FirstEnabledByType(typ string) (*plugin.Instance, error) {
	for _, inst := range f.instances {
		if inst.Type == typ && inst.Enabled {
			cp := inst
			return &cp, nil
		}
	}
	return nil, nil
}

// fakeJobSched is a scheduler stand-in; jobs register but never fire.
type fakeJobSched struct{}

func (fakeJobSched) RegisterJob(job sched.Job) error { return nil }
func (fakeJobSched) UnregisterJob(id string)         {}

func testStores(t *testing.T) *state.Stores {
	t.Helper()
	stores, closer, err := state.PersistenceBootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("persistence bootstrap: %v", err)
	}
	t.Cleanup(func() { closer.Close() })
	return stores
}

func doJSON(t *testing.T, method, url, token string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}
