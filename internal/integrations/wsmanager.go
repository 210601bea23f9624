package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manifold-dash/manifold/internal/plugin"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPongWait         = 60 * time.Second
	wsPingEvery        = 30 * time.Second
	wsWriteWait        = 10 * time.Second
)

// wsManager is the shared websocket realtime manager. Each successful
// Connect opens a new generation; a read failure on the current
// generation reports OnDisconnect exactly once, while Disconnect (and any
// drop of a superseded generation) stays silent so orchestrator-initiated
// teardown never echoes back as a connection loss.
type wsManager struct {
	url       string
	header    http.Header
	onOpen    func() error
	onMessage func(data []byte)

	handlers plugin.RealtimeHandlers

	mu   sync.Mutex
	conn *websocket.Conn
	gen  int
}

func newWSManager(url string, header http.Header) *wsManager {
	return &wsManager{url: url, header: header}
}

func (m *wsManager) SetHandlers(h plugin.RealtimeHandlers) { m.handlers = h }

func (m *wsManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *wsManager) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, m.url, m.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("Request failed with status code %d", resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", redactURL(m.url), err)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	if old := m.conn; old != nil {
		old.Close()
	}
	m.conn = conn
	m.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	if m.onOpen != nil {
		if err := m.onOpen(); err != nil {
			m.drop(conn, gen)
			return err
		}
	}

	go m.readLoop(conn, gen)
	go m.pingLoop(conn, gen)
	return nil
}

func (m *wsManager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.dropped(conn, gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if m.onMessage != nil {
			m.onMessage(data)
		}
	}
}

func (m *wsManager) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		current := m.gen == gen && m.conn == conn
		m.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			// The read loop surfaces the failure.
			conn.Close()
			return
		}
	}
}

// dropped reports an unexpected loss of the current connection. Stale
// generations were already torn down on purpose and stay silent.
func (m *wsManager) dropped(conn *websocket.Conn, gen int, err error) {
	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()
	conn.Close()
	if m.handlers.OnDisconnect != nil {
		m.handlers.OnDisconnect(err)
	}
}

// drop closes a connection without reporting, used when Connect itself
// fails after the dial (for example a rejected subscription handshake).
func (m *wsManager) drop(conn *websocket.Conn, gen int) {
	m.mu.Lock()
	if m.gen == gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

func (m *wsManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// send writes one JSON message on the current connection. Callers run
// either from onOpen or from the read loop, so writes never race.
func (m *wsManager) send(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

// wsURL rewrites an http(s) base URL to the websocket scheme.
func wsURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case base == "":
		return ""
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
}

// redactURL strips the query string so credentials embedded in it never
// reach logs or error envelopes.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
