package api

import (
	"errors"
	"net/http"

	"github.com/manifold-dash/manifold/internal/history"
)

const defaultHistoryRange = "3h"

// HandleHistoryQuery returns a handler for
// GET /api/v1/history/{integrationId}/{metricKey}.
func HandleHistoryQuery(rec *history.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng := r.URL.Query().Get("range")
		if rng == "" {
			rng = defaultHistoryRange
		}
		res, err := rec.History(PathParam(r, "integrationId"), PathParam(r, "metricKey"), rng)
		if err != nil {
			if errors.Is(err, history.ErrInvalidRange) {
				writeInvalidArgument(w, err.Error())
				return
			}
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandleHistoryStats returns a handler for GET /api/v1/history/stats.
func HandleHistoryStats(rec *history.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := rec.Stats()
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// HandleHistoryProbe returns a handler for
// POST /api/v1/history/{integrationId}/probe. The probe runs synchronously
// and the refreshed source records are returned.
func HandleHistoryProbe(rec *history.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := PathParam(r, "integrationId")
		rec.ProbeIntegration(id)
		sources, err := rec.Sources(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		if sources == nil {
			sources = []history.SourceRecord{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"sources": sources,
		})
	}
}

// HandleHistoryDelete returns a handler for
// DELETE /api/v1/history/{integrationId}.
func HandleHistoryDelete(rec *history.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rec.DeleteHistory(PathParam(r, "integrationId")); err != nil {
			writeInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleHistoryDeleteAll returns a handler for DELETE /api/v1/history.
func HandleHistoryDeleteAll(rec *history.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rec.DeleteAllHistory(); err != nil {
			writeInternal(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
