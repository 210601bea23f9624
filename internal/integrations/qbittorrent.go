package integrations

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
)

// qbitStates groups the qBittorrent torrent state names into the three
// buckets the dashboard cares about.
var qbitStates = map[string]string{
	"downloading":        "downloading",
	"stalledDL":          "downloading",
	"metaDL":             "downloading",
	"queuedDL":           "downloading",
	"forcedDL":           "downloading",
	"checkingDL":         "downloading",
	"allocating":         "downloading",
	"uploading":          "seeding",
	"stalledUP":          "seeding",
	"queuedUP":           "seeding",
	"forcedUP":           "seeding",
	"checkingUP":         "seeding",
	"pausedDL":           "paused",
	"pausedUP":           "paused",
	"stoppedDL":          "paused",
	"stoppedUP":          "paused",
	"missingFiles":       "paused",
	"checkingResumeData": "downloading",
}

// qbitAdapter wraps the shared adapter with qBittorrent's cookie login.
// A session cookie is cached per instance and refreshed once on 403.
type qbitAdapter struct {
	base *httpAdapter

	mu       sync.Mutex
	sessions map[string]string
}

func newQbitAdapter(client *http.Client, timeout time.Duration) *qbitAdapter {
	return &qbitAdapter{
		base:     newHTTPAdapter(client, timeout, nil),
		sessions: make(map[string]string),
	}
}

func (a *qbitAdapter) Get(ctx context.Context, inst plugin.Instance, path string, opts ...plugin.RequestOption) (*plugin.Response, error) {
	return a.Request(ctx, inst, http.MethodGet, path, nil, opts...)
}

func (a *qbitAdapter) Post(ctx context.Context, inst plugin.Instance, path string, body any, opts ...plugin.RequestOption) (*plugin.Response, error) {
	return a.Request(ctx, inst, http.MethodPost, path, body, opts...)
}

func (a *qbitAdapter) Request(ctx context.Context, inst plugin.Instance, method, path string, body any, opts ...plugin.RequestOption) (*plugin.Response, error) {
	sid, err := a.session(ctx, inst, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.base.Request(ctx, inst, method, path, body, append(opts, plugin.WithHeader("Cookie", "SID="+sid))...)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	// Session expired upstream: force one fresh login and retry.
	sid, err = a.session(ctx, inst, true)
	if err != nil {
		return nil, err
	}
	return a.base.Request(ctx, inst, method, path, body, append(opts, plugin.WithHeader("Cookie", "SID="+sid))...)
}

// session returns the cached SID for the instance, logging in when no
// session exists or force is set. The lock is held across the login so
// concurrent pollers share one auth round trip.
func (a *qbitAdapter) session(ctx context.Context, inst plugin.Instance, force bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !force {
		if sid, ok := a.sessions[inst.ID]; ok {
			return sid, nil
		}
	}
	form := url.Values{
		"username": {inst.ConfigString("username")},
		"password": {inst.ConfigString("password")},
	}
	resp, err := a.base.Request(ctx, inst, http.MethodPost, "/api/v2/auth/login", form,
		plugin.WithHeader("Referer", inst.ConfigString("url")))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(resp.Body), "Ok") {
		return "", errAuthFailed
	}
	sid := cookieValue(resp.Header, "SID")
	if sid == "" {
		return "", errAuthFailed
	}
	a.sessions[inst.ID] = sid
	return sid, nil
}

// cookieValue extracts one cookie value from Set-Cookie headers.
func cookieValue(h http.Header, name string) string {
	for _, sc := range h.Values("Set-Cookie") {
		part, _, _ := strings.Cut(sc, ";")
		if k, v, ok := strings.Cut(strings.TrimSpace(part), "="); ok && k == name {
			return v
		}
	}
	return ""
}

func newQbittorrentPlugin(deps Deps) *plugin.Plugin {
	adapter := newQbitAdapter(deps.Client, deps.AdapterTimeout)
	return &plugin.Plugin{
		ID:       "qbittorrent",
		Name:     "qBittorrent",
		Category: "download",
		ConfigSchema: []plugin.ConfigField{
			{Key: "url", Label: "URL", Type: "url", Required: true},
			{Key: "username", Label: "Username", Type: "text", Required: true},
			{Key: "password", Label: "Password", Type: "password", Required: true, Secret: true},
		},
		Metrics: []plugin.MetricDefinition{
			{Key: "transfer.dl_info_speed", Recordable: true},
			{Key: "transfer.up_info_speed", Recordable: true},
		},
		Adapter: adapter,
		Poller: &plugin.Poller{
			Interval: 5 * time.Second,
			Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
				return qbittorrentPoll(ctx, adapter, inst)
			},
		},
	}
}

func qbittorrentPoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance) (any, error) {
	body, err := requireOK(adapter.Get(ctx, inst, "/api/v2/torrents/info"))
	if err != nil {
		return nil, err
	}
	var torrents []map[string]any
	if err := decodeJSON(body, &torrents, "/api/v2/torrents/info"); err != nil {
		return nil, err
	}

	body, err = requireOK(adapter.Get(ctx, inst, "/api/v2/transfer/info"))
	if err != nil {
		return nil, err
	}
	var transfer map[string]any
	if err := decodeJSON(body, &transfer, "/api/v2/transfer/info"); err != nil {
		return nil, err
	}

	counts := map[string]int{"total": len(torrents), "downloading": 0, "seeding": 0, "paused": 0}
	for _, t := range torrents {
		state, _ := t["state"].(string)
		if bucket, ok := qbitStates[state]; ok {
			counts[bucket]++
		}
	}
	return map[string]any{
		"torrents": torrents,
		"transfer": transfer,
		"counts":   counts,
	}, nil
}
