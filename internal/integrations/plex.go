package integrations

import (
	"context"
	"encoding/json"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
)

type plexSession struct {
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	Type             string `json:"type"`
	Duration         int64  `json:"duration"`
	ViewOffset       int64  `json:"viewOffset"`
	User             struct {
		Title string `json:"title"`
	} `json:"User"`
	Player struct {
		Product string `json:"product"`
		State   string `json:"state"`
		Address string `json:"address"`
		Local   bool   `json:"local"`
	} `json:"Player"`
}

type plexSessionsResponse struct {
	MediaContainer struct {
		Size     int           `json:"size"`
		Metadata []plexSession `json:"Metadata"`
	} `json:"MediaContainer"`
}

func plexGuard(inst plugin.Instance) error {
	if strings.TrimSpace(inst.ConfigString("url")) == "" ||
		strings.TrimSpace(inst.ConfigString("token")) == "" {
		return errNoToken
	}
	return nil
}

func newPlexPlugin(deps Deps) *plugin.Plugin {
	adapter := newHTTPAdapter(deps.Client, deps.AdapterTimeout, headerAuth("X-Plex-Token", "token"))
	locate := deps.Locate
	poll := func(ctx context.Context, inst plugin.Instance) (any, error) {
		return plexSessionsPoll(ctx, adapter, inst, locate)
	}
	return &plugin.Plugin{
		ID:       "plex",
		Name:     "Plex",
		Category: "media",
		ConfigSchema: []plugin.ConfigField{
			{Key: "url", Label: "URL", Type: "url", Required: true},
			{Key: "token", Label: "Token", Type: "password", Required: true, Secret: true},
		},
		Adapter: adapter,
		Poller: &plugin.Poller{
			Interval: 30 * time.Second,
			Poll:     poll,
		},
		Realtime: &plugin.Realtime{
			CreateManager: func(inst plugin.Instance, onUpdate plugin.UpdateFunc) (plugin.RealtimeManager, error) {
				return newPlexManager(inst, adapter, locate, onUpdate)
			},
		},
	}
}

func plexSessionsPoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance, locate LocateFunc) (any, error) {
	if err := plexGuard(inst); err != nil {
		return nil, err
	}
	body, err := requireOK(adapter.Get(ctx, inst, "/status/sessions"))
	if err != nil {
		return nil, err
	}
	var parsed plexSessionsResponse
	if err := decodeJSON(body, &parsed, "/status/sessions"); err != nil {
		return nil, err
	}

	sessions := make([]map[string]any, 0, len(parsed.MediaContainer.Metadata))
	for _, s := range parsed.MediaContainer.Metadata {
		sessions = append(sessions, normalizePlexSession(s, locate))
	}
	return map[string]any{
		"sessions": sessions,
		"count":    parsed.MediaContainer.Size,
	}, nil
}

func normalizePlexSession(s plexSession, locate LocateFunc) map[string]any {
	out := map[string]any{
		"title":  s.Title,
		"type":   s.Type,
		"user":   s.User.Title,
		"state":  s.Player.State,
		"player": s.Player.Product,
	}
	if s.GrandparentTitle != "" {
		out["grandparentTitle"] = s.GrandparentTitle
	}
	if s.Duration > 0 {
		out["progress"] = math.Round(float64(s.ViewOffset)/float64(s.Duration)*1000) / 10
	}
	if addr := s.Player.Address; addr != "" {
		out["address"] = addr
		if !s.Player.Local && locate != nil {
			if loc, ok := locate(addr); ok {
				out["location"] = loc
			}
		}
	}
	return out
}

// newPlexManager wires the Plex notifications websocket. Plex pushes
// play-state notifications without session detail, so each one triggers a
// fresh sessions fetch whose result becomes the realtime payload.
func newPlexManager(inst plugin.Instance, adapter plugin.Adapter, locate LocateFunc, onUpdate plugin.UpdateFunc) (plugin.RealtimeManager, error) {
	if err := plexGuard(inst); err != nil {
		return nil, err
	}
	base := wsURL(inst.ConfigString("url"))
	token := inst.ConfigString("token")
	m := newWSManager(base+"/:/websockets/notifications?X-Plex-Token="+url.QueryEscape(token), nil)
	m.onMessage = func(data []byte) {
		var note struct {
			NotificationContainer struct {
				Type string `json:"type"`
			} `json:"NotificationContainer"`
		}
		if json.Unmarshal(data, &note) != nil {
			return
		}
		if note.NotificationContainer.Type != "playing" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		payload, err := plexSessionsPoll(ctx, adapter, inst, locate)
		if err != nil {
			if m.handlers.OnError != nil {
				m.handlers.OnError(err)
			}
			return
		}
		onUpdate(payload)
	}
	return m, nil
}
