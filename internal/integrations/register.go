package integrations

import (
	"net/http"
	"time"

	"github.com/manifold-dash/manifold/internal/geoip"
	"github.com/manifold-dash/manifold/internal/plugin"
)

// InstanceLister supplies the configured instances the monitor sweeps.
type InstanceLister interface {
	List() ([]plugin.Instance, error)
}

// LocateFunc resolves a public address to a coarse location. A nil func
// disables geo annotation on session payloads.
type LocateFunc func(addr string) (geoip.Location, bool)

// Deps carries the shared resources the plugin constructors need. Zero
// values fall back to sane defaults; Instances is only required for the
// monitor plugin to have targets.
type Deps struct {
	Client                *http.Client
	AdapterTimeout        time.Duration
	ConnectionTestTimeout time.Duration
	MonitorConcurrency    int
	Instances             InstanceLister
	Locate                LocateFunc
}

// RegisterAll builds every built-in plugin and registers it. The registry
// rejects duplicate ids, so this runs once per registry.
func RegisterAll(reg *plugin.Registry, deps Deps) error {
	plugins := []*plugin.Plugin{
		newQbittorrentPlugin(deps),
		newGlancesPlugin(deps),
		newArrPlugin("sonarr", "Sonarr", deps),
		newArrPlugin("radarr", "Radarr", deps),
		newOverseerrPlugin(deps),
		newPlexPlugin(deps),
		newJellyfinPlugin(deps),
		newEmbyPlugin(deps),
		newMonitorPlugin(deps),
		newCustomStatusPlugin(deps),
	}
	for _, p := range plugins {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}
