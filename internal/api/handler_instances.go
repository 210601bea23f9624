package api

import (
	"net/http"

	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/realtime"
	"github.com/manifold-dash/manifold/internal/state"
)

const secretPlaceholder = "********"

// InstanceResponse is the wire shape of one configured instance. Config
// values flagged secret in the plugin schema are masked.
type InstanceResponse struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	DisplayName string         `json:"displayName"`
	Enabled     bool           `json:"enabled"`
	Config      map[string]any `json:"config"`
}

func maskSecrets(inst plugin.Instance, p *plugin.Plugin) map[string]any {
	out := make(map[string]any, len(inst.Config))
	for k, v := range inst.Config {
		out[k] = v
	}
	if p == nil {
		return out
	}
	for _, f := range p.ConfigSchema {
		if !f.Secret {
			continue
		}
		if s, ok := out[f.Key].(string); ok && s != "" {
			out[f.Key] = secretPlaceholder
		}
	}
	return out
}

// HandleListInstances returns a handler for GET /api/v1/instances.
func HandleListInstances(instances *state.InstanceRepo, plugins *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := instances.List()
		if err != nil {
			writeInternal(w, err)
			return
		}
		out := make([]InstanceResponse, 0, len(list))
		for _, inst := range list {
			out = append(out, InstanceResponse{
				ID:          inst.ID,
				Type:        inst.Type,
				DisplayName: inst.DisplayName,
				Enabled:     inst.Enabled,
				Config:      maskSecrets(inst, plugins.Get(inst.Type)),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"instances": out})
	}
}

// HandleRefreshRealtime returns a handler for
// POST /api/v1/instances/{id}/refresh-realtime. Live connections for the
// instance are torn down and re-established with current config.
func HandleRefreshRealtime(rt *realtime.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt.RefreshConnection(PathParam(r, "id"))
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
