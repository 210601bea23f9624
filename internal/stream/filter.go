package stream

import (
	"strings"
	"sync"

	"github.com/manifold-dash/manifold/internal/topic"
)

// FilterFunc transforms a topic payload for one user before delivery.
// Implementations must treat data as read-only and return a new value.
type FilterFunc func(userID string, data any, t topic.Topic) any

// FilterRegistry holds per-topic-prefix payload filters. A prefix matches
// the whole topic or a leading segment boundary; the longest registered
// match wins.
type FilterRegistry struct {
	mu       sync.RWMutex
	prefixes map[string]FilterFunc
}

// NewFilterRegistry creates an empty filter registry.
func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{prefixes: make(map[string]FilterFunc)}
}

// Register installs a filter for a topic prefix, replacing any previous
// one for the same prefix.
func (f *FilterRegistry) Register(prefix string, fn FilterFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes[prefix] = fn
}

// lookup returns the filter for the longest prefix matching the topic, or
// nil when none matches.
func (f *FilterRegistry) lookup(t topic.Topic) FilterFunc {
	key := t.String()
	f.mu.RLock()
	defer f.mu.RUnlock()
	var best string
	var fn FilterFunc
	for prefix, candidate := range f.prefixes {
		if !matchesTopicPrefix(key, prefix) {
			continue
		}
		if fn == nil || len(prefix) > len(best) {
			best = prefix
			fn = candidate
		}
	}
	return fn
}

func matchesTopicPrefix(key, prefix string) bool {
	if key == prefix {
		return true
	}
	return strings.HasPrefix(key, prefix+":")
}
