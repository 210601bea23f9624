package api

import (
	"errors"
	"net/http"

	"github.com/manifold-dash/manifold/internal/geoip"
)

// SystemInfo is the static identity document served by the info endpoint.
type SystemInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}

// HandleSystemInfo returns a handler for GET /api/v1/system/info. The geo
// resolver may be nil; the geoip field is null when no database is loaded.
func HandleSystemInfo(info SystemInfo, geo *geoip.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"name":      info.Name,
			"version":   info.Version,
			"gitCommit": info.GitCommit,
			"buildTime": info.BuildTime,
		}
		if dbInfo, ok := geo.Info(); ok {
			out["geoip"] = dbInfo
		} else {
			out["geoip"] = nil
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandleSystemConfig returns a handler for GET /api/v1/system/config.
func HandleSystemConfig(store *RuntimeConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, store.Current())
	}
}

// HandlePatchSystemConfig returns a handler for PATCH /api/v1/system/config.
func HandlePatchSystemConfig(store *RuntimeConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		updated, err := store.Patch(body)
		if err != nil {
			var verr *validationError
			if errors.As(err, &verr) {
				writeInvalidArgument(w, verr.msg)
				return
			}
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}
