package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/wI2L/jsondiff"
	"github.com/zeebo/xxh3"

	"github.com/manifold-dash/manifold/internal/topic"
)

const (
	// maxPatchOps is the operation count above which a delta downgrades
	// to a full payload.
	maxPatchOps = 10
	// maxPatchDepth is the deepest add/replace path a delta may address.
	maxPatchDepth = 3
)

// eventEnvelope is the broadcast wire shape: a full payload replaces the
// client state, a delta carries RFC 6902 patches against it.
type eventEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Patches   json.RawMessage `json:"patches,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Broadcaster serializes topic payloads into full or delta envelopes and
// fans them out to topic members, applying per-topic user filters.
type Broadcaster struct {
	registry *Registry
	manager  *Manager
	filters  *FilterRegistry

	// Last filtered payload per (connection, topic). Bounded; entries are
	// evicted on unsubscribe and a miss just forces a full send.
	subCache otter.Cache[string, []byte]
}

func newBroadcaster(m *Manager, filters *FilterRegistry, cacheSize int) *Broadcaster {
	cache, err := otter.MustBuilder[string, []byte](cacheSize).
		Cost(func(_ string, _ []byte) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("stream: failed to create filtered payload cache: " + err.Error())
	}
	return &Broadcaster{manager: m, filters: filters, subCache: cache}
}

// Filters returns the per-topic filter registry.
func (b *Broadcaster) Filters() *FilterRegistry {
	return b.filters
}

// Close releases the filtered payload cache.
func (b *Broadcaster) Close() {
	b.subCache.Close()
}

// Broadcast serializes the payload for a topic and delivers it to every
// member. The first payload and forced broadcasts go out as full
// envelopes; later ones carry RFC 6902 deltas against the cached payload,
// downgraded to full when the patch is large or deep. An unchanged payload
// produces no events. The cache swap happens before any delivery, so a
// concurrent join sees either the old cache plus this broadcast or the new
// cache alone.
func (b *Broadcaster) Broadcast(t topic.Topic, payload any, forceFull bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast %s: marshal payload: %w", t, err)
	}
	hash := xxh3.Hash(raw)
	key := t.String()
	now := time.Now().UnixMilli()

	r := b.registry
	r.mu.Lock()
	st := r.topics[key]
	if st == nil {
		r.mu.Unlock()
		return nil
	}
	prev := st.cached
	if prev != nil && !forceFull && prev.hash == hash {
		r.mu.Unlock()
		return nil
	}

	filter := b.filters.lookup(t)
	var defaultEnv []byte
	if filter == nil {
		defaultEnv, err = buildEnvelope(prev.bytes(), raw, forceFull, now)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("broadcast %s: %w", t, err)
		}
	}
	st.cached = &cachedPayload{raw: raw, hash: hash}
	st.lastUpdated = time.Now()
	if filter == nil && defaultEnv == nil {
		// Structurally unchanged payload, nothing to send.
		r.mu.Unlock()
		return nil
	}

	var decoded any
	decodedReady := false
	var failed []string
	for id := range st.subscribers {
		env := defaultEnv
		if filter != nil {
			sub, ok := b.manager.subscriber(id)
			if !ok {
				continue
			}
			if !decodedReady {
				if err := json.Unmarshal(raw, &decoded); err != nil {
					log.Printf("[stream] %s: decode payload for filter: %v", key, err)
				}
				decodedReady = true
			}
			env = b.filteredEnvelope(filter, sub, t, decoded, raw, forceFull, now)
		}
		if env == nil {
			continue
		}
		if err := b.manager.write(id, key, env); err != nil {
			failed = append(failed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range failed {
		log.Printf("[stream] write to connection %s failed during broadcast: detaching", id)
		b.manager.Detach(id)
	}
	return nil
}

// filteredEnvelope builds the envelope one subscriber sees after the topic
// filter runs, diffing against that subscriber's own last filtered
// payload. Returns nil when the filtered view is unchanged.
func (b *Broadcaster) filteredEnvelope(filter FilterFunc, sub *Subscriber, t topic.Topic, decoded any, raw []byte, forceFull bool, ts int64) []byte {
	fraw := raw
	if decoded != nil {
		out, err := json.Marshal(filter(sub.UserID, decoded, t))
		if err != nil {
			log.Printf("[stream] %s: marshal filtered payload for %s: %v", t, sub.ID, err)
		} else {
			fraw = out
		}
	}

	cacheKey := sub.ID + "|" + t.String()
	var prevFiltered []byte
	if cached, ok := b.subCache.Get(cacheKey); ok {
		prevFiltered = cached
	}
	env, err := buildEnvelope(prevFiltered, fraw, forceFull, ts)
	if err != nil {
		log.Printf("[stream] %s: diff filtered payload for %s: %v", t, sub.ID, err)
		env, err = marshalEnvelope(eventEnvelope{Type: "full", Data: fraw, Timestamp: ts})
		if err != nil {
			return nil
		}
	}
	if env == nil {
		return nil
	}
	b.subCache.Set(cacheKey, fraw)
	return env
}

// joinEnvelope builds the full envelope a joining subscriber receives from
// the cached payload, passed through the topic filter when one is
// registered.
func (b *Broadcaster) joinEnvelope(sub *Subscriber, st *subscriptionState) []byte {
	raw := st.cached.raw
	if filter := b.filters.lookup(st.topic); filter != nil {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			if out, err := json.Marshal(filter(sub.UserID, decoded, st.topic)); err == nil {
				raw = out
			}
		}
		b.subCache.Set(sub.ID+"|"+st.topic.String(), raw)
	}
	env, err := marshalEnvelope(eventEnvelope{Type: "full", Data: raw, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		log.Printf("[stream] %s: build join envelope: %v", st.topic, err)
		return nil
	}
	return env
}

// evictFiltered drops a subscriber's cached filtered payload for a topic.
func (b *Broadcaster) evictFiltered(connectionID, topicKey string) {
	b.subCache.Delete(connectionID + "|" + topicKey)
}

func (c *cachedPayload) bytes() []byte {
	if c == nil {
		return nil
	}
	return c.raw
}

// buildEnvelope produces the wire envelope for a payload transition. A nil
// result with nil error means the payload is unchanged and nothing should
// be sent.
func buildEnvelope(prev, next []byte, forceFull bool, ts int64) ([]byte, error) {
	if prev == nil || forceFull {
		return marshalEnvelope(eventEnvelope{Type: "full", Data: next, Timestamp: ts})
	}
	patch, err := jsondiff.CompareJSON(prev, next)
	if err != nil {
		return nil, fmt.Errorf("diff payloads: %w", err)
	}
	if len(patch) == 0 {
		return nil, nil
	}
	if downgradeToFull(patch) {
		return marshalEnvelope(eventEnvelope{Type: "full", Data: next, Timestamp: ts})
	}
	patches, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}
	return marshalEnvelope(eventEnvelope{Type: "delta", Patches: patches, Timestamp: ts})
}

func marshalEnvelope(env eventEnvelope) ([]byte, error) {
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// downgradeToFull reports whether a patch is too large or too deep to send
// as a delta. Deep add/replace paths risk client-side cache divergence.
func downgradeToFull(patch jsondiff.Patch) bool {
	if len(patch) > maxPatchOps {
		return true
	}
	for _, op := range patch {
		if op.Type != "add" && op.Type != "replace" {
			continue
		}
		if pathDepth(op.Path) > maxPatchDepth {
			return true
		}
	}
	return false
}

// pathDepth counts RFC 6901 segments. Escaped separators inside a segment
// are encoded as ~1 and do not count.
func pathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/")
}
