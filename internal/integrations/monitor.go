package integrations

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
)

const defaultMonitorConcurrency = 8

// monitorPoller sweeps every enabled instance with a bounded-concurrency
// reachability check. Any HTTP response counts as up; only transport
// failures and timeouts mark a target down.
type monitorPoller struct {
	instances   InstanceLister
	client      *http.Client
	timeout     time.Duration
	concurrency int
}

func newMonitorPlugin(deps Deps) *plugin.Plugin {
	mp := &monitorPoller{
		instances:   deps.Instances,
		client:      deps.Client,
		timeout:     deps.ConnectionTestTimeout,
		concurrency: deps.MonitorConcurrency,
	}
	if mp.client == nil {
		mp.client = &http.Client{}
	}
	if mp.timeout <= 0 {
		mp.timeout = 5 * time.Second
	}
	if mp.concurrency <= 0 {
		mp.concurrency = defaultMonitorConcurrency
	}
	return &plugin.Plugin{
		ID:       "monitor",
		Name:     "Service Monitor",
		Category: "system",
		Adapter:  newHTTPAdapter(deps.Client, deps.ConnectionTestTimeout, nil),
		Poller: &plugin.Poller{
			Interval: 10 * time.Second,
			Poll:     mp.poll,
		},
	}
}

func (m *monitorPoller) poll(ctx context.Context, _ plugin.Instance) (any, error) {
	if m.instances == nil {
		return nil, fmt.Errorf("no instance source configured")
	}
	all, err := m.instances.List()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	var targets []plugin.Instance
	for _, inst := range all {
		if !inst.Enabled || inst.Type == "monitor" || strings.TrimSpace(inst.ConfigString("url")) == "" {
			continue
		}
		targets = append(targets, inst)
	}

	results := make([]map[string]any, len(targets))
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup
	for i, inst := range targets {
		wg.Add(1)
		go func(i int, inst plugin.Instance) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = map[string]any{
					"id": inst.ID, "type": inst.Type, "name": monitorName(inst),
					"status": "down", "error": ctx.Err().Error(),
				}
				return
			}
			results[i] = m.check(ctx, inst)
		}(i, inst)
	}
	wg.Wait()

	up := 0
	for _, r := range results {
		if r["status"] == "up" {
			up++
		}
	}
	return map[string]any{
		"targets": results,
		"summary": map[string]int{"total": len(results), "up": up, "down": len(results) - up},
	}, nil
}

func (m *monitorPoller) check(ctx context.Context, inst plugin.Instance) map[string]any {
	out := map[string]any{"id": inst.ID, "type": inst.Type, "name": monitorName(inst)}
	target := strings.TrimRight(strings.TrimSpace(inst.ConfigString("url")), "/")

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		out["status"] = "down"
		out["error"] = err.Error()
		return out
	}
	req.Header.Set("User-Agent", adapterUserAgent)

	start := time.Now()
	resp, err := m.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		out["status"] = "down"
		out["error"] = err.Error()
		return out
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	out["status"] = "up"
	out["latencyMs"] = float64(latency.Microseconds()) / 1000
	out["statusCode"] = resp.StatusCode
	return out
}

func monitorName(inst plugin.Instance) string {
	if inst.DisplayName != "" {
		return inst.DisplayName
	}
	return inst.ID
}
