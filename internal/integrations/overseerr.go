package integrations

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/topic"
)

func newOverseerrPlugin(deps Deps) *plugin.Plugin {
	adapter := newHTTPAdapter(deps.Client, deps.AdapterTimeout, headerAuth("X-Api-Key", "api_key"))
	return &plugin.Plugin{
		ID:       "overseerr",
		Name:     "Overseerr",
		Category: "requests",
		ConfigSchema: []plugin.ConfigField{
			{Key: "url", Label: "URL", Type: "url", Required: true},
			{Key: "api_key", Label: "API key", Type: "password", Required: true, Secret: true},
		},
		Adapter: adapter,
		Poller: &plugin.Poller{
			Interval: 60 * time.Second,
			Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
				return overseerrPoll(ctx, adapter, inst)
			},
		},
	}
}

func overseerrPoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance) (any, error) {
	if err := arrGuard(inst); err != nil {
		return nil, err
	}
	body, err := requireOK(adapter.Get(ctx, inst, "/api/v1/request", plugin.WithParams(map[string]string{
		"take": "20",
		"skip": "0",
		"sort": "added",
	})))
	if err != nil {
		return nil, err
	}
	var page struct {
		PageInfo map[string]any   `json:"pageInfo"`
		Results  []map[string]any `json:"results"`
	}
	if err := decodeJSON(body, &page, "/api/v1/request"); err != nil {
		return nil, err
	}

	body, err = requireOK(adapter.Get(ctx, inst, "/api/v1/request/count"))
	if err != nil {
		return nil, err
	}
	var counts map[string]any
	if err := decodeJSON(body, &counts, "/api/v1/request/count"); err != nil {
		return nil, err
	}

	return map[string]any{
		"requests": page.Results,
		"pageInfo": page.PageInfo,
		"counts":   counts,
	}, nil
}

// OverseerrRequestFilter narrows a requests payload to the entries owned
// by the subscribing user. Connections without a user id, and payloads of
// unexpected shape, pass through unchanged. The shared payload is never
// mutated; a filtered copy is returned instead.
func OverseerrRequestFilter(userID string, data any, _ topic.Topic) any {
	if userID == "" {
		return data
	}
	m, ok := data.(map[string]any)
	if !ok {
		return data
	}
	switch list := m["requests"].(type) {
	case []any:
		keep := make([]any, 0, len(list))
		for _, it := range list {
			if req, ok := it.(map[string]any); ok && requestOwnedBy(req, userID) {
				keep = append(keep, it)
			}
		}
		return withRequests(m, keep)
	case []map[string]any:
		keep := make([]map[string]any, 0, len(list))
		for _, req := range list {
			if requestOwnedBy(req, userID) {
				keep = append(keep, req)
			}
		}
		return withRequests(m, keep)
	default:
		return data
	}
}

func withRequests(m map[string]any, requests any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	out["requests"] = requests
	return out
}

// requestOwnedBy matches the request's requestedBy record against a user
// id by numeric id, username, email, or plex username.
func requestOwnedBy(req map[string]any, userID string) bool {
	by, ok := req["requestedBy"].(map[string]any)
	if !ok {
		return false
	}
	switch id := by["id"].(type) {
	case float64:
		if strconv.FormatInt(int64(id), 10) == userID {
			return true
		}
	case int:
		if strconv.Itoa(id) == userID {
			return true
		}
	}
	for _, key := range []string{"username", "email", "plexUsername"} {
		if s, ok := by[key].(string); ok && s != "" && strings.EqualFold(s, userID) {
			return true
		}
	}
	return false
}
