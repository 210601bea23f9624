package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/manifold-dash/manifold/internal/topic"
)

func TestOverseerrPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/request", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("take") != "20" || q.Get("sort") != "added" {
			t.Errorf("request params = %v", q)
		}
		w.Write([]byte(`{
			"pageInfo":{"pages":1,"results":2},
			"results":[
				{"id":10,"status":2,"requestedBy":{"id":7,"username":"alice","email":"alice@example.com"}},
				{"id":11,"status":1,"requestedBy":{"id":9,"username":"bob","email":"bob@example.com"}}
			]
		}`))
	})
	mux.HandleFunc("/api/v1/request/count", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total":2,"pending":1,"approved":1}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newOverseerrPlugin(Deps{Client: srv.Client(), AdapterTimeout: time.Second})
	inst := testInstance("overseerr", map[string]any{"url": srv.URL, "api_key": "sekrit"})

	payload, err := p.Poller.Poll(context.Background(), inst)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	m, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	requests, ok := m["requests"].([]map[string]any)
	if !ok || len(requests) != 2 {
		t.Fatalf("requests = %v", m["requests"])
	}
	counts, ok := m["counts"].(map[string]any)
	if !ok || counts["total"] != float64(2) {
		t.Errorf("counts = %v", m["counts"])
	}
}

func overseerrPayload() map[string]any {
	return map[string]any{
		"requests": []map[string]any{
			{"id": 10, "requestedBy": map[string]any{"id": float64(7), "username": "alice", "email": "alice@example.com"}},
			{"id": 11, "requestedBy": map[string]any{"id": float64(9), "username": "bob", "email": "bob@example.com"}},
		},
		"counts": map[string]any{"total": 2},
	}
}

func filteredCount(t *testing.T, userID string, data any) int {
	t.Helper()
	out := OverseerrRequestFilter(userID, data, topic.Topic{Type: "overseerr"})
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("filtered type %T", out)
	}
	switch list := m["requests"].(type) {
	case []map[string]any:
		return len(list)
	case []any:
		return len(list)
	default:
		t.Fatalf("requests type %T", m["requests"])
		return 0
	}
}

func TestOverseerrRequestFilter(t *testing.T) {
	cases := []struct {
		userID string
		want   int
	}{
		{"7", 1},
		{"alice", 1},
		{"ALICE", 1},
		{"alice@example.com", 1},
		{"bob", 1},
		{"carol", 0},
	}
	for _, tc := range cases {
		if got := filteredCount(t, tc.userID, overseerrPayload()); got != tc.want {
			t.Errorf("filter(%q) kept %d requests, want %d", tc.userID, got, tc.want)
		}
	}
}

func TestOverseerrFilterPassthrough(t *testing.T) {
	data := overseerrPayload()
	out := OverseerrRequestFilter("", data, topic.Topic{Type: "overseerr"})
	if m, ok := out.(map[string]any); !ok || len(m["requests"].([]map[string]any)) != 2 {
		t.Errorf("anonymous connection should see everything: %v", out)
	}
	if got := OverseerrRequestFilter("alice", "not-a-map", topic.Topic{Type: "overseerr"}); got != "not-a-map" {
		t.Errorf("non-map data should pass through, got %v", got)
	}
}

func TestOverseerrFilterDoesNotMutate(t *testing.T) {
	data := overseerrPayload()
	if got := filteredCount(t, "alice", data); got != 1 {
		t.Fatalf("filtered = %d", got)
	}
	if len(data["requests"].([]map[string]any)) != 2 {
		t.Errorf("source payload was mutated")
	}
}

func TestOverseerrFilterDecodedShape(t *testing.T) {
	// After a JSON round trip the requests list arrives as []any.
	raw, err := json.Marshal(overseerrPayload())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := filteredCount(t, "bob", decoded); got != 1 {
		t.Errorf("decoded filter kept %d, want 1", got)
	}
}
