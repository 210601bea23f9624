package integrations

import (
	"context"
	"strings"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
)

// newArrPlugin builds a Sonarr or Radarr plugin. Both speak the same v3
// API surface, differing only in id and display name.
func newArrPlugin(id, name string, deps Deps) *plugin.Plugin {
	adapter := newHTTPAdapter(deps.Client, deps.AdapterTimeout, headerAuth("X-Api-Key", "api_key"))
	return &plugin.Plugin{
		ID:       id,
		Name:     name,
		Category: "media",
		ConfigSchema: []plugin.ConfigField{
			{Key: "url", Label: "URL", Type: "url", Required: true},
			{Key: "api_key", Label: "API key", Type: "password", Required: true, Secret: true},
		},
		Adapter: adapter,
		Poller: &plugin.Poller{
			Interval: 5 * time.Second,
			Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
				return arrStatusPoll(ctx, adapter, inst)
			},
			Subtypes: map[string]plugin.SubtypePoller{
				"queue": {
					Interval: 3 * time.Second,
					Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
						return arrPagePoll(ctx, adapter, inst, "/api/v3/queue", map[string]string{
							"page":     "1",
							"pageSize": "20",
						})
					},
				},
				"calendar": {
					Interval: 300 * time.Second,
					Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
						return arrCalendarPoll(ctx, adapter, inst)
					},
				},
				"missing": {
					Interval: 60 * time.Second,
					Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
						return arrPagePoll(ctx, adapter, inst, "/api/v3/wanted/missing", map[string]string{
							"page":     "1",
							"pageSize": "10",
						})
					},
				},
			},
		},
	}
}

func arrGuard(inst plugin.Instance) error {
	if strings.TrimSpace(inst.ConfigString("url")) == "" ||
		strings.TrimSpace(inst.ConfigString("api_key")) == "" {
		return errNoAPIKey
	}
	return nil
}

func arrStatusPoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance) (any, error) {
	if err := arrGuard(inst); err != nil {
		return nil, err
	}
	body, err := requireOK(adapter.Get(ctx, inst, "/api/v3/system/status"))
	if err != nil {
		return nil, err
	}
	var status map[string]any
	if err := decodeJSON(body, &status, "/api/v3/system/status"); err != nil {
		return nil, err
	}

	body, err = requireOK(adapter.Get(ctx, inst, "/api/v3/health"))
	if err != nil {
		return nil, err
	}
	var health []map[string]any
	if err := decodeJSON(body, &health, "/api/v3/health"); err != nil {
		return nil, err
	}

	return map[string]any{
		"version":      status["version"],
		"appName":      status["appName"],
		"health":       health,
		"healthIssues": len(health),
	}, nil
}

// arrPagePoll fetches one paged endpoint and passes the {records,
// totalRecords} page through unchanged.
func arrPagePoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance, path string, params map[string]string) (any, error) {
	if err := arrGuard(inst); err != nil {
		return nil, err
	}
	body, err := requireOK(adapter.Get(ctx, inst, path, plugin.WithParams(params)))
	if err != nil {
		return nil, err
	}
	var page map[string]any
	if err := decodeJSON(body, &page, path); err != nil {
		return nil, err
	}
	return page, nil
}

func arrCalendarPoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance) (any, error) {
	if err := arrGuard(inst); err != nil {
		return nil, err
	}
	now := time.Now()
	body, err := requireOK(adapter.Get(ctx, inst, "/api/v3/calendar", plugin.WithParams(map[string]string{
		"start": now.AddDate(0, 0, -1).Format("2006-01-02"),
		"end":   now.AddDate(0, 0, 7).Format("2006-01-02"),
	})))
	if err != nil {
		return nil, err
	}
	var entries []map[string]any
	if err := decodeJSON(body, &entries, "/api/v3/calendar"); err != nil {
		return nil, err
	}
	return entries, nil
}
