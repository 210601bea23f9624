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

// Jellyfin and Emby expose the same session API and websocket protocol;
// one implementation serves both, parameterized by id and socket path.
type mediaServerSpec struct {
	id         string
	name       string
	socketPath string
}

const mediaServerDeviceID = "manifold"

type jellyfinSession struct {
	UserName       string `json:"UserName"`
	Client         string `json:"Client"`
	DeviceName     string `json:"DeviceName"`
	RemoteEndPoint string `json:"RemoteEndPoint"`
	NowPlayingItem *struct {
		Name         string `json:"Name"`
		SeriesName   string `json:"SeriesName"`
		Type         string `json:"Type"`
		RunTimeTicks int64  `json:"RunTimeTicks"`
	} `json:"NowPlayingItem"`
	PlayState struct {
		PositionTicks int64 `json:"PositionTicks"`
		IsPaused      bool  `json:"IsPaused"`
	} `json:"PlayState"`
}

func newJellyfinPlugin(deps Deps) *plugin.Plugin {
	return newMediaServerPlugin(mediaServerSpec{id: "jellyfin", name: "Jellyfin", socketPath: "/socket"}, deps)
}

func newEmbyPlugin(deps Deps) *plugin.Plugin {
	return newMediaServerPlugin(mediaServerSpec{id: "emby", name: "Emby", socketPath: "/embywebsocket"}, deps)
}

func newMediaServerPlugin(spec mediaServerSpec, deps Deps) *plugin.Plugin {
	adapter := newHTTPAdapter(deps.Client, deps.AdapterTimeout, headerAuth("X-Emby-Token", "api_key"))
	locate := deps.Locate
	return &plugin.Plugin{
		ID:       spec.id,
		Name:     spec.name,
		Category: "media",
		ConfigSchema: []plugin.ConfigField{
			{Key: "url", Label: "URL", Type: "url", Required: true},
			{Key: "api_key", Label: "API key", Type: "password", Required: true, Secret: true},
		},
		Adapter: adapter,
		Poller: &plugin.Poller{
			Interval: 30 * time.Second,
			Poll: func(ctx context.Context, inst plugin.Instance) (any, error) {
				return mediaServerSessionsPoll(ctx, adapter, inst, locate)
			},
		},
		Realtime: &plugin.Realtime{
			CreateManager: func(inst plugin.Instance, onUpdate plugin.UpdateFunc) (plugin.RealtimeManager, error) {
				return newMediaServerManager(spec, inst, locate, onUpdate)
			},
		},
	}
}

func mediaServerGuard(inst plugin.Instance) error {
	if strings.TrimSpace(inst.ConfigString("url")) == "" ||
		strings.TrimSpace(inst.ConfigString("api_key")) == "" {
		return errNoAPIKey
	}
	return nil
}

func mediaServerSessionsPoll(ctx context.Context, adapter plugin.Adapter, inst plugin.Instance, locate LocateFunc) (any, error) {
	if err := mediaServerGuard(inst); err != nil {
		return nil, err
	}
	body, err := requireOK(adapter.Get(ctx, inst, "/Sessions"))
	if err != nil {
		return nil, err
	}
	var sessions []jellyfinSession
	if err := decodeJSON(body, &sessions, "/Sessions"); err != nil {
		return nil, err
	}
	return mediaServerPayload(sessions, locate), nil
}

// mediaServerPayload keeps only sessions with something playing; idle
// clients stay connected for hours and carry no dashboard signal.
func mediaServerPayload(sessions []jellyfinSession, locate LocateFunc) map[string]any {
	active := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		if s.NowPlayingItem == nil {
			continue
		}
		active = append(active, normalizeMediaServerSession(s, locate))
	}
	return map[string]any{
		"sessions": active,
		"count":    len(active),
	}
}

func normalizeMediaServerSession(s jellyfinSession, locate LocateFunc) map[string]any {
	item := s.NowPlayingItem
	state := "playing"
	if s.PlayState.IsPaused {
		state = "paused"
	}
	out := map[string]any{
		"title":  item.Name,
		"type":   strings.ToLower(item.Type),
		"user":   s.UserName,
		"state":  state,
		"player": s.Client,
	}
	if item.SeriesName != "" {
		out["grandparentTitle"] = item.SeriesName
	}
	if item.RunTimeTicks > 0 {
		out["progress"] = math.Round(float64(s.PlayState.PositionTicks)/float64(item.RunTimeTicks)*1000) / 10
	}
	if addr := s.RemoteEndPoint; addr != "" {
		out["address"] = addr
		if locate != nil {
			if loc, ok := locate(addr); ok {
				out["location"] = loc
			}
		}
	}
	return out
}

// newMediaServerManager wires the session websocket. Unlike Plex the
// server pushes full session lists, so updates map straight to payloads
// with no follow-up fetch.
func newMediaServerManager(spec mediaServerSpec, inst plugin.Instance, locate LocateFunc, onUpdate plugin.UpdateFunc) (plugin.RealtimeManager, error) {
	if err := mediaServerGuard(inst); err != nil {
		return nil, err
	}
	base := wsURL(inst.ConfigString("url"))
	q := url.Values{
		"api_key":  {inst.ConfigString("api_key")},
		"deviceId": {mediaServerDeviceID},
	}
	m := newWSManager(base+spec.socketPath+"?"+q.Encode(), nil)
	m.onOpen = func() error {
		// Subscribe to session updates every 1.5s while activity lasts.
		return m.send(map[string]any{"MessageType": "SessionsStart", "Data": "0,1500"})
	}
	m.onMessage = func(data []byte) {
		var msg struct {
			MessageType string          `json:"MessageType"`
			Data        json.RawMessage `json:"Data"`
		}
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		switch msg.MessageType {
		case "Sessions":
			var sessions []jellyfinSession
			if json.Unmarshal(msg.Data, &sessions) != nil {
				return
			}
			onUpdate(mediaServerPayload(sessions, locate))
		case "ForceKeepAlive", "KeepAlive":
			m.send(map[string]any{"MessageType": "KeepAlive"})
		}
	}
	return m, nil
}
