package poller

import (
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/topic"
)

const (
	defaultInterval = 10 * time.Second

	// fastRetryAttempts is the failure count at which backoff takes over
	// from fast retry.
	fastRetryAttempts = 3
	fastRetryInterval = 10 * time.Second

	backoffBase = 15 * time.Second
	backoffMax  = 180 * time.Second
)

// typeIntervals overrides the default cadence for types whose payloads
// change faster or slower than most.
var typeIntervals = map[string]time.Duration{
	"qbittorrent":  5 * time.Second,
	"glances":      2 * time.Second,
	"customstatus": 2 * time.Second,
	"sonarr":       5 * time.Second,
	"radarr":       5 * time.Second,
	"overseerr":    60 * time.Second,
	"plex":         30 * time.Second,
	"monitor":      10 * time.Second,
}

// subtypeIntervals overrides per subtype. Queue views need near-live
// updates while calendars barely move.
var subtypeIntervals = map[string]map[string]time.Duration{
	"sonarr": {
		"queue":    3 * time.Second,
		"calendar": 300 * time.Second,
		"missing":  60 * time.Second,
	},
	"radarr": {
		"queue":    3 * time.Second,
		"calendar": 300 * time.Second,
		"missing":  60 * time.Second,
	},
}

// baseInterval resolves the steady-state cadence for a topic. Subtype
// table overrides win, then plugin subtype declarations, then the plugin
// main declaration, then the per-type table, then the global default.
func baseInterval(t topic.Topic, p *plugin.Plugin) time.Duration {
	if t.Subtype != "" {
		if sub, ok := subtypeIntervals[t.Type]; ok {
			if d, ok := sub[t.Subtype]; ok && d > 0 {
				return d
			}
		}
		if p != nil && p.Poller != nil {
			if sp, ok := p.Poller.Subtypes[t.Subtype]; ok && sp.Interval > 0 {
				return sp.Interval
			}
		}
	}
	if p != nil && p.Poller != nil && p.Poller.Interval > 0 {
		return p.Poller.Interval
	}
	if d, ok := typeIntervals[t.Type]; ok {
		return d
	}
	return defaultInterval
}

// backoffInterval doubles from the base per failure past the fast-retry
// window, capped. Three failures yields the base, four doubles it.
func backoffInterval(consecutiveErrors int) time.Duration {
	shift := consecutiveErrors - fastRetryAttempts
	if shift < 0 {
		shift = 0
	}
	if shift >= 8 {
		return backoffMax
	}
	d := backoffBase << uint(shift)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
