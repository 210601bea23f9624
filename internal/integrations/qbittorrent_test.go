package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type qbitServer struct {
	mu      sync.Mutex
	logins  int
	current string
	loginOK bool
}

func (s *qbitServer) expireSession() {
	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()
}

func (s *qbitServer) loginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func newQbitServer(t *testing.T, loginOK bool) (*httptest.Server, *qbitServer) {
	t.Helper()
	state := &qbitServer{loginOK: loginOK}
	authorized := func(r *http.Request) bool {
		state.mu.Lock()
		defer state.mu.Unlock()
		c, err := r.Cookie("SID")
		return err == nil && state.current != "" && c.Value == state.current
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		state.logins++
		if !state.loginOK || r.FormValue("username") != "admin" || r.FormValue("password") != "pw" {
			w.Write([]byte("Fails."))
			return
		}
		state.current = fmt.Sprintf("sid-%d", state.logins)
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: state.current, Path: "/"})
		w.Write([]byte("Ok."))
	})
	mux.HandleFunc("/api/v2/torrents/info", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`[
			{"name":"a","state":"downloading"},
			{"name":"b","state":"stalledDL"},
			{"name":"c","state":"uploading"},
			{"name":"d","state":"pausedUP"}
		]`))
	})
	mux.HandleFunc("/api/v2/transfer/info", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"dl_info_speed":1200,"up_info_speed":300,"connection_status":"connected"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, state
}

func qbitTestInstance(url string) map[string]any {
	return map[string]any{"url": url, "username": "admin", "password": "pw"}
}

func TestQbittorrentPollCountsAndSession(t *testing.T) {
	srv, state := newQbitServer(t, true)
	p := newQbittorrentPlugin(Deps{Client: srv.Client(), AdapterTimeout: time.Second})
	inst := testInstance("qbittorrent", qbitTestInstance(srv.URL))

	payload, err := p.Poller.Poll(context.Background(), inst)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	m, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	counts, ok := m["counts"].(map[string]int)
	if !ok {
		t.Fatalf("counts type %T", m["counts"])
	}
	if counts["total"] != 4 || counts["downloading"] != 2 || counts["seeding"] != 1 || counts["paused"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	transfer, ok := m["transfer"].(map[string]any)
	if !ok || transfer["dl_info_speed"] != float64(1200) {
		t.Errorf("transfer = %v", m["transfer"])
	}

	if _, err := p.Poller.Poll(context.Background(), inst); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if got := state.loginCount(); got != 1 {
		t.Errorf("logins = %d, want 1 (session should be cached)", got)
	}
}

func TestQbittorrentReloginAfterExpiry(t *testing.T) {
	srv, state := newQbitServer(t, true)
	p := newQbittorrentPlugin(Deps{Client: srv.Client(), AdapterTimeout: time.Second})
	inst := testInstance("qbittorrent", qbitTestInstance(srv.URL))

	if _, err := p.Poller.Poll(context.Background(), inst); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	state.expireSession()
	if _, err := p.Poller.Poll(context.Background(), inst); err != nil {
		t.Fatalf("poll after expiry: %v", err)
	}
	if got := state.loginCount(); got != 2 {
		t.Errorf("logins = %d, want 2", got)
	}
}

func TestQbittorrentLoginRejected(t *testing.T) {
	srv, _ := newQbitServer(t, false)
	p := newQbittorrentPlugin(Deps{Client: srv.Client(), AdapterTimeout: time.Second})
	inst := testInstance("qbittorrent", qbitTestInstance(srv.URL))

	_, err := p.Poller.Poll(context.Background(), inst)
	if err == nil || err.Error() != "Authentication failed" {
		t.Fatalf("err = %v", err)
	}
}

func TestQbittorrentMissingURL(t *testing.T) {
	p := newQbittorrentPlugin(Deps{AdapterTimeout: time.Second})
	inst := testInstance("qbittorrent", map[string]any{"username": "admin", "password": "pw"})

	_, err := p.Poller.Poll(context.Background(), inst)
	if err == nil || err.Error() != "No URL configured" {
		t.Fatalf("err = %v", err)
	}
}
