package integrations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manifold-dash/manifold/internal/geoip"
	"github.com/manifold-dash/manifold/internal/plugin"
)

const plexSessionsJSON = `{"MediaContainer":{"size":1,"Metadata":[{
	"title":"The Pilot","grandparentTitle":"Some Show","type":"episode",
	"duration":1800000,"viewOffset":900000,
	"User":{"title":"alice"},
	"Player":{"product":"Plex Web","state":"playing","address":"203.0.113.9","local":false}
}]}}`

func plexLocate(t *testing.T) LocateFunc {
	return func(addr string) (geoip.Location, bool) {
		if addr != "203.0.113.9" {
			t.Errorf("locate called with %q", addr)
		}
		return geoip.Location{Country: "Iceland", City: "Reykjavik"}, true
	}
}

func TestPlexSessionsPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/sessions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Plex-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(plexSessionsJSON))
	}))
	defer srv.Close()

	p := newPlexPlugin(Deps{Client: srv.Client(), AdapterTimeout: time.Second, Locate: plexLocate(t)})
	inst := testInstance("plex", map[string]any{"url": srv.URL, "token": "tok"})

	payload, err := p.Poller.Poll(context.Background(), inst)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	m, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if m["count"] != 1 {
		t.Errorf("count = %v", m["count"])
	}
	sessions, ok := m["sessions"].([]map[string]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("sessions = %v", m["sessions"])
	}
	s := sessions[0]
	if s["title"] != "The Pilot" || s["grandparentTitle"] != "Some Show" || s["user"] != "alice" {
		t.Errorf("session = %v", s)
	}
	if s["progress"] != 50.0 {
		t.Errorf("progress = %v", s["progress"])
	}
	if loc, ok := s["location"].(geoip.Location); !ok || loc.Country != "Iceland" {
		t.Errorf("location = %v", s["location"])
	}
}

func TestPlexGuard(t *testing.T) {
	p := newPlexPlugin(Deps{})
	inst := testInstance("plex", map[string]any{"url": "http://plex.local"})

	if _, err := p.Poller.Poll(context.Background(), inst); err == nil ||
		err.Error() != "URL and token required" {
		t.Fatalf("poll err = %v", err)
	}
	if _, err := p.Realtime.CreateManager(inst, func(any) {}); err == nil ||
		err.Error() != "URL and token required" {
		t.Fatalf("manager err = %v", err)
	}
}

func TestPlexRealtimeRefetchesOnPlaying(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/status/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Plex-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(plexSessionsJSON))
	})
	mux.HandleFunc("/:/websockets/notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("X-Plex-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newPlexPlugin(Deps{Client: srv.Client(), AdapterTimeout: time.Second, Locate: plexLocate(t)})
	inst := testInstance("plex", map[string]any{"url": srv.URL, "token": "tok"})

	updates := make(chan any, 4)
	mgr, err := p.Realtime.CreateManager(inst, func(data any) { updates <- data })
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	mgr.SetHandlers(plugin.RealtimeHandlers{})
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer mgr.Disconnect()

	var server *websocket.Conn
	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatalf("no websocket connection")
	}

	if err := server.WriteJSON(map[string]any{
		"NotificationContainer": map[string]any{"type": "playing"},
	}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case data := <-updates:
		m, ok := data.(map[string]any)
		if !ok || m["count"] != 1 {
			t.Errorf("update = %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update after playing notification")
	}

	// Other notification types carry no session change and stay quiet.
	if err := server.WriteJSON(map[string]any{
		"NotificationContainer": map[string]any{"type": "timeline"},
	}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case data := <-updates:
		t.Fatalf("unexpected update: %v", data)
	case <-time.After(200 * time.Millisecond):
	}
}
