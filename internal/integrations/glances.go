package integrations

import (
	"context"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
)

func newGlancesPlugin(deps Deps) *plugin.Plugin {
	adapter := newHTTPAdapter(deps.Client, deps.AdapterTimeout, basicAuth)
	return &plugin.Plugin{
		ID:       "glances",
		Name:     "Glances",
		Category: "system",
		ConfigSchema: []plugin.ConfigField{
			{Key: "url", Label: "URL", Type: "url", Required: true},
			{Key: "username", Label: "Username", Type: "text"},
			{Key: "password", Label: "Password", Type: "password", Secret: true},
		},
		Metrics: []plugin.MetricDefinition{
			{Key: "cpu", Recordable: true, HistoryProbe: &plugin.HistoryProbe{Path: "/api/4/cpu/history"}},
			{Key: "mem", Recordable: true, HistoryProbe: &plugin.HistoryProbe{Path: "/api/4/mem/history"}},
			{Key: "load", Recordable: true, HistoryProbe: &plugin.HistoryProbe{Path: "/api/4/load/history"}},
			{Key: "swap", Recordable: true},
		},
		Adapter: adapter,
		Poller: &plugin.Poller{
			Interval: 2 * time.Second,
			Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
				return glancesPoll(ctx, adapter, inst)
			},
		},
	}
}

// glancesPoll fetches the quicklook view, which already carries the
// headline cpu/mem/swap/load percentages as top-level numbers.
func glancesPoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance) (any, error) {
	body, err := requireOK(adapter.Get(ctx, inst, "/api/4/quicklook"))
	if err != nil {
		return nil, err
	}
	var quicklook map[string]any
	if err := decodeJSON(body, &quicklook, "/api/4/quicklook"); err != nil {
		return nil, err
	}
	return quicklook, nil
}
