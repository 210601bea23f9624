package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/manifold-dash/manifold/internal/stream"
	"github.com/manifold-dash/manifold/internal/topic"
)

// Identity headers set by the upstream proxy. The stream endpoints carry no
// admin auth of their own; browser EventSource cannot set an Authorization
// header, so access control belongs to whatever fronts this server.
const (
	headerUser  = "X-Manifold-User"
	headerGroup = "X-Manifold-Group"
)

// HandleEventStream returns a handler for GET /api/v1/events. It attaches
// the caller as an SSE subscriber and streams sink events until the client
// disconnects. Keepalive comments hold idle connections open through
// proxies.
func HandleEventStream(streams *stream.Manager, keepalive time.Duration, sinkBuffer int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sink := stream.NewBufferedSink(sinkBuffer)
		sub := streams.Attach(r.Header.Get(headerUser), r.Header.Get(headerGroup), sink)
		defer streams.Detach(sub.ID)

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-sink.Events():
				if !open {
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
				flusher.Flush()
			case <-ticker.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	}
}

func parseTopicBody(w http.ResponseWriter, r *http.Request) (topic.Topic, bool) {
	var body struct {
		Topic string `json:"topic"`
	}
	if err := DecodeBody(r, &body); err != nil {
		writeDecodeBodyError(w, err)
		return topic.Topic{}, false
	}
	t, err := topic.Parse(body.Topic)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return topic.Topic{}, false
	}
	return t, true
}

// HandleSubscribe returns a handler for
// POST /api/v1/events/{connectionId}/subscribe.
func HandleSubscribe(topics *stream.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := parseTopicBody(w, r)
		if !ok {
			return
		}
		if err := topics.Subscribe(PathParam(r, "connectionId"), t); err != nil {
			if errors.Is(err, stream.ErrUnknownConnection) {
				writeNotFound(w, "unknown connection id")
				return
			}
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "subscribed", "topic": t.String()})
	}
}

// HandleUnsubscribe returns a handler for
// POST /api/v1/events/{connectionId}/unsubscribe.
func HandleUnsubscribe(topics *stream.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := parseTopicBody(w, r)
		if !ok {
			return
		}
		topics.Unsubscribe(PathParam(r, "connectionId"), t)
		WriteJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed", "topic": t.String()})
	}
}

// HandlePushEndpoint returns a handler for
// POST /api/v1/events/{connectionId}/push-endpoint. The endpoint is the
// caller's push target; notification routing skips devices that hold a live
// stream.
func HandlePushEndpoint(streams *stream.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Endpoint string `json:"endpoint"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if body.Endpoint != "" {
			u, err := url.Parse(body.Endpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				writeInvalidArgument(w, "endpoint: must be an absolute http(s) URL")
				return
			}
		}
		if err := streams.SetPushEndpoint(PathParam(r, "connectionId"), body.Endpoint); err != nil {
			if errors.Is(err, stream.ErrUnknownConnection) {
				writeNotFound(w, "unknown connection id")
				return
			}
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
