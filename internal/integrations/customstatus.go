package integrations

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
)

// newCustomStatusPlugin polls an arbitrary user-configured JSON endpoint.
// Objects and arrays pass through as-is; scalars are wrapped as
// {"value": n}, which matches the recordable metric key.
func newCustomStatusPlugin(deps Deps) *plugin.Plugin {
	adapter := newHTTPAdapter(deps.Client, deps.AdapterTimeout, nil)
	return &plugin.Plugin{
		ID:       "customstatus",
		Name:     "Custom Status",
		Category: "custom",
		ConfigSchema: []plugin.ConfigField{
			{Key: "url", Label: "Endpoint URL", Type: "url", Required: true},
		},
		Metrics: []plugin.MetricDefinition{
			{Key: "value", Recordable: true},
		},
		Adapter: adapter,
		Poller: &plugin.Poller{
			Interval: 2 * time.Second,
			Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
				return customStatusPoll(ctx, adapter, inst)
			},
		},
	}
}

func customStatusPoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance) (any, error) {
	body, err := requireOK(adapter.Get(ctx, inst, ""))
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Plain-text health endpoints are common enough to tolerate.
		text := strings.TrimSpace(string(body))
		if text == "" {
			return nil, nil
		}
		return map[string]any{"text": text}, nil
	}
	switch v := parsed.(type) {
	case map[string]any:
		return v, nil
	case []any:
		return v, nil
	default:
		return map[string]any{"value": v}, nil
	}
}
