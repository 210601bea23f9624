package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/manifold-dash/manifold/internal/topic"
)

// subscriptionState is the per-topic bookkeeping: member connection ids and
// the last broadcast payload.
type subscriptionState struct {
	topic       topic.Topic
	subscribers map[string]struct{}
	cached      *cachedPayload
	lastUpdated time.Time
}

// cachedPayload is the canonical marshaled form of the last payload plus a
// content hash, kept for delta generation and join-time delivery.
type cachedPayload struct {
	raw  []byte
	hash uint64
}

// HookFunc runs on first-join and last-leave transitions for a topic.
// Hooks run while the registry lock is held and must not call back into
// the registry or block on I/O; orchestrator starters hand off to their
// own goroutines.
type HookFunc func(t topic.Topic)

// Registry maps topics to member connections. It owns both direction maps
// (topic to members and connection to topics) under one mutex so the two
// stay in lockstep.
type Registry struct {
	manager     *Manager
	broadcaster *Broadcaster

	mu        sync.Mutex
	topics    map[string]*subscriptionState
	bySub     map[string]map[string]struct{}
	retained  map[string]struct{}
	firstJoin HookFunc
	lastLeave HookFunc
}

// SetHooks installs the first-join and last-leave dispatchers. Call before
// the API starts accepting subscriptions.
func (r *Registry) SetHooks(firstJoin, lastLeave HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firstJoin = firstJoin
	r.lastLeave = lastLeave
}

// SetRetainedTypes marks integration types whose subscription state (and
// cached payload) survives the last leave. Realtime types use this so a
// re-join within the idle window gets the cache back; their state is
// dropped explicitly via Purge when the idle window expires.
func (r *Registry) SetRetainedTypes(types []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retained = make(map[string]struct{}, len(types))
	for _, t := range types {
		r.retained[t] = struct{}{}
	}
}

// Subscribe adds a connection to a topic. The first member triggers the
// first-join dispatch; if a cached payload exists it is delivered to the
// joining connection immediately as a full event, passed through the topic
// filter for that user.
func (r *Registry) Subscribe(connectionID string, t topic.Topic) error {
	sub, ok := r.manager.subscriber(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	key := t.String()

	r.mu.Lock()
	st := r.topics[key]
	if st == nil {
		st = &subscriptionState{topic: t, subscribers: make(map[string]struct{})}
		r.topics[key] = st
	}
	if _, dup := st.subscribers[connectionID]; dup {
		r.mu.Unlock()
		return nil
	}
	st.subscribers[connectionID] = struct{}{}
	topics := r.bySub[connectionID]
	if topics == nil {
		topics = make(map[string]struct{})
		r.bySub[connectionID] = topics
	}
	topics[key] = struct{}{}

	if len(st.subscribers) == 1 && r.firstJoin != nil {
		r.firstJoin(t)
	}
	var writeErr error
	if st.cached != nil {
		if env := r.broadcaster.joinEnvelope(sub, st); env != nil {
			writeErr = r.manager.write(connectionID, key, env)
		}
	}
	r.mu.Unlock()

	if writeErr != nil {
		r.manager.Detach(connectionID)
	}
	return nil
}

// Unsubscribe removes a connection from a topic. The last member leaving
// triggers the last-leave dispatch.
func (r *Registry) Unsubscribe(connectionID string, t topic.Topic) {
	key := t.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.topics[key]
	if st == nil {
		return
	}
	if _, ok := st.subscribers[connectionID]; !ok {
		return
	}
	r.removeMemberLocked(st, key, connectionID)
}

// removeMemberLocked drops one member and runs the empty-transition logic.
func (r *Registry) removeMemberLocked(st *subscriptionState, key, connectionID string) {
	delete(st.subscribers, connectionID)
	if topics := r.bySub[connectionID]; topics != nil {
		delete(topics, key)
		if len(topics) == 0 {
			delete(r.bySub, connectionID)
		}
	}
	r.broadcaster.evictFiltered(connectionID, key)
	if len(st.subscribers) > 0 {
		return
	}
	if r.lastLeave != nil {
		r.lastLeave(st.topic)
	}
	if _, keep := r.retained[st.topic.Type]; !keep {
		delete(r.topics, key)
	}
}

// forgetSubscriber drops the connection to topics index and returns the
// topics it held, sorted. Topic-side membership stays in place for the
// grace window; dropSubscriber or restore settles it later.
func (r *Registry) forgetSubscriber(connectionID string) []topic.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.bySub[connectionID]
	delete(r.bySub, connectionID)
	if len(keys) == 0 {
		return nil
	}
	out := make([]topic.Topic, 0, len(keys))
	for key := range keys {
		if st := r.topics[key]; st != nil {
			out = append(out, st.topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// dropSubscriber removes a stale connection id from the given topics,
// running last-leave transitions. Grace expiry and pending finalization
// land here.
func (r *Registry) dropSubscriber(connectionID string, topics []topic.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range topics {
		key := t.String()
		st := r.topics[key]
		if st == nil {
			continue
		}
		if _, ok := st.subscribers[connectionID]; !ok {
			continue
		}
		r.removeMemberLocked(st, key, connectionID)
	}
}

// restore swaps a stale connection id for a fresh one on each snapshot
// topic. Topics that stayed occupied do not re-fire first-join; a topic
// whose state vanished is re-created and dispatched as a fresh first join.
func (r *Registry) restore(staleID, newID string, topics []topic.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	newTopics := r.bySub[newID]
	if newTopics == nil {
		newTopics = make(map[string]struct{})
		r.bySub[newID] = newTopics
	}
	for _, t := range topics {
		key := t.String()
		st := r.topics[key]
		created := st == nil
		if created {
			st = &subscriptionState{topic: t, subscribers: make(map[string]struct{})}
			r.topics[key] = st
		}
		wasEmpty := len(st.subscribers) == 0
		delete(st.subscribers, staleID)
		r.broadcaster.evictFiltered(staleID, key)
		st.subscribers[newID] = struct{}{}
		newTopics[key] = struct{}{}
		if (created || wasEmpty) && r.firstJoin != nil {
			r.firstJoin(t)
		}
	}
}

// Purge drops an empty retained subscription state. The realtime idle
// expiry calls this after disconnecting the upstream manager.
func (r *Registry) Purge(t topic.Topic) {
	key := t.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.topics[key]; st != nil && len(st.subscribers) == 0 {
		delete(r.topics, key)
	}
}

// SubscriberCount returns the member count for a topic, grace-held ids
// included.
func (r *Registry) SubscriberCount(t topic.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.topics[t.String()]; st != nil {
		return len(st.subscribers)
	}
	return 0
}

// HasSubscribers reports whether a topic has at least one member.
func (r *Registry) HasSubscribers(t topic.Topic) bool {
	return r.SubscriberCount(t) > 0
}

// ActiveTopics returns the topics with at least one member, sorted.
func (r *Registry) ActiveTopics() []topic.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]topic.Topic, 0, len(r.topics))
	for _, st := range r.topics {
		if len(st.subscribers) > 0 {
			out = append(out, st.topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// TopicsOf returns the topics a connection is subscribed to, sorted.
func (r *Registry) TopicsOf(connectionID string) []topic.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.bySub[connectionID]
	out := make([]topic.Topic, 0, len(keys))
	for key := range keys {
		if st := r.topics[key]; st != nil {
			out = append(out, st.topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Broadcast delegates to the broadcaster.
func (r *Registry) Broadcast(t topic.Topic, payload any, forceFull bool) error {
	return r.broadcaster.Broadcast(t, payload, forceFull)
}
