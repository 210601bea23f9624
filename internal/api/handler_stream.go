package api

import (
	"net/http"

	"github.com/manifold-dash/manifold/internal/poller"
	"github.com/manifold-dash/manifold/internal/realtime"
	"github.com/manifold-dash/manifold/internal/stream"
	"github.com/manifold-dash/manifold/internal/topic"
)

// StreamHealth is the merged diagnostics document for the streaming engine.
type StreamHealth struct {
	Connections  int                    `json:"connections"`
	ActiveTopics []string               `json:"activeTopics"`
	Pollers      []poller.HealthEntry   `json:"pollers"`
	Realtime     []realtime.HealthEntry `json:"realtime"`
}

// HandleStreamHealth returns a handler for GET /api/v1/stream/health.
func HandleStreamHealth(
	streams *stream.Manager,
	topics *stream.Registry,
	pollers *poller.Orchestrator,
	rt *realtime.Orchestrator,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := topics.ActiveTopics()
		out := StreamHealth{
			Connections:  streams.Count(),
			ActiveTopics: make([]string, 0, len(active)),
			Pollers:      []poller.HealthEntry{},
			Realtime:     []realtime.HealthEntry{},
		}
		for _, t := range active {
			out.ActiveTopics = append(out.ActiveTopics, t.String())
		}
		if pollers != nil {
			out.Pollers = pollers.Health()
		}
		if rt != nil {
			out.Realtime = rt.Health()
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandleStreamRefresh returns a handler for POST /api/v1/stream/refresh.
// It runs one poll for the named topic right now, whether or not a loop is
// active, so write-through callers can surface the result immediately.
func HandleStreamRefresh(pollers *poller.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("topic")
		if raw == "" {
			writeInvalidArgument(w, "topic query parameter is required")
			return
		}
		t, err := topic.Parse(raw)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if err := pollers.Trigger(t); err != nil {
			WriteError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "topic": t.String()})
	}
}
