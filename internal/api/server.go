package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/manifold-dash/manifold/internal/geoip"
	"github.com/manifold-dash/manifold/internal/history"
	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/poller"
	"github.com/manifold-dash/manifold/internal/realtime"
	"github.com/manifold-dash/manifold/internal/state"
	"github.com/manifold-dash/manifold/internal/stream"
)

// Config wires a Server. Component references may be nil; routes whose
// dependencies are missing are not registered.
type Config struct {
	ListenAddress string
	Port          int
	AdminToken    string
	MaxBodyBytes  int64

	KeepaliveInterval time.Duration // default 30s
	SinkBuffer        int

	Streams   *stream.Manager
	Topics    *stream.Registry
	Pollers   *poller.Orchestrator
	Realtime  *realtime.Orchestrator
	Recorder  *history.Recorder
	Instances *state.InstanceRepo
	Plugins   *plugin.Registry
	SysConfig *RuntimeConfigStore
	Info      SystemInfo
	Geo       *geoip.Resolver
}

// Server wraps the HTTP server and mux for the Manifold API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(cfg Config) *Server {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}

	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Stream attach and connection-scoped operations stay outside the admin
	// token wall: EventSource cannot set an Authorization header, and the
	// connection id is the capability. Body limits still apply.
	if cfg.Streams != nil && cfg.Topics != nil {
		limited := func(h http.Handler) http.Handler {
			return RequestBodyLimitMiddleware(cfg.MaxBodyBytes, h)
		}
		mux.Handle("GET /api/v1/events",
			HandleEventStream(cfg.Streams, cfg.KeepaliveInterval, cfg.SinkBuffer))
		mux.Handle("POST /api/v1/events/{connectionId}/subscribe",
			limited(HandleSubscribe(cfg.Topics)))
		mux.Handle("POST /api/v1/events/{connectionId}/unsubscribe",
			limited(HandleUnsubscribe(cfg.Topics)))
		mux.Handle("POST /api/v1/events/{connectionId}/push-endpoint",
			limited(HandlePushEndpoint(cfg.Streams)))
	}

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(cfg.Info, cfg.Geo))
	if cfg.SysConfig != nil {
		authed.Handle("GET /api/v1/system/config", HandleSystemConfig(cfg.SysConfig))
		authed.Handle("PATCH /api/v1/system/config", HandlePatchSystemConfig(cfg.SysConfig))
	}

	if cfg.Streams != nil && cfg.Topics != nil {
		authed.Handle("GET /api/v1/stream/health",
			HandleStreamHealth(cfg.Streams, cfg.Topics, cfg.Pollers, cfg.Realtime))
	}
	if cfg.Pollers != nil {
		authed.Handle("POST /api/v1/stream/refresh", HandleStreamRefresh(cfg.Pollers))
	}

	if cfg.Recorder != nil {
		authed.Handle("GET /api/v1/history/stats", HandleHistoryStats(cfg.Recorder))
		authed.Handle("GET /api/v1/history/{integrationId}/{metricKey}", HandleHistoryQuery(cfg.Recorder))
		authed.Handle("POST /api/v1/history/{integrationId}/probe", HandleHistoryProbe(cfg.Recorder))
		authed.Handle("DELETE /api/v1/history/{integrationId}", HandleHistoryDelete(cfg.Recorder))
		authed.Handle("DELETE /api/v1/history", HandleHistoryDeleteAll(cfg.Recorder))
	}

	if cfg.Instances != nil && cfg.Plugins != nil {
		authed.Handle("GET /api/v1/instances", HandleListInstances(cfg.Instances, cfg.Plugins))
	}
	if cfg.Realtime != nil {
		authed.Handle("POST /api/v1/instances/{id}/refresh-realtime", HandleRefreshRealtime(cfg.Realtime))
	}

	limitedAuthed := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
