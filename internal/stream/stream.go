// Package stream is the fan-out core. The connection manager tracks
// attached clients and their sinks and runs the reconnect grace window,
// the subscription registry maps topics to member connections and fires
// first-join / last-leave dispatch, and the broadcaster serializes topic
// payloads into full or delta envelopes with per-user filtering.
package stream

import "time"

// Config sizes the stream core.
type Config struct {
	// GracePeriod is how long a detached user's subscriptions are held for
	// reconnection before they are released.
	GracePeriod time.Duration
	// FilteredCacheSize bounds the per-subscriber filtered payload cache.
	FilteredCacheSize int
}

// New builds the wired stream core. Lifecycle hooks and retained types are
// installed afterwards, once the orchestrators exist.
func New(cfg Config) (*Manager, *Registry, *Broadcaster) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.FilteredCacheSize <= 0 {
		cfg.FilteredCacheSize = 4096
	}
	manager := newManager(cfg.GracePeriod)
	broadcaster := newBroadcaster(manager, NewFilterRegistry(), cfg.FilteredCacheSize)
	registry := &Registry{
		manager:     manager,
		broadcaster: broadcaster,
		topics:      make(map[string]*subscriptionState),
		bySub:       make(map[string]map[string]struct{}),
		retained:    make(map[string]struct{}),
	}
	manager.registry = registry
	broadcaster.registry = registry
	return manager, registry, broadcaster
}
