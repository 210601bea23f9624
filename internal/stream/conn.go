package stream

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/manifold-dash/manifold/internal/topic"
)

// ErrUnknownConnection is returned when an operation names a connection id
// that is not attached.
var ErrUnknownConnection = errors.New("stream: unknown connection id")

// Subscriber is one attached client connection.
type Subscriber struct {
	ID     string
	UserID string
	Group  string
	sink   Sink
}

// pendingDisconnect holds the reconnect-grace snapshot for one user. The
// done flag arbitrates between the expiry timer, a restoring attach, and a
// finalizing second detach; exactly one of them settles the snapshot.
type pendingDisconnect struct {
	userID       string
	connectionID string
	topics       []topic.Topic
	timer        *time.Timer
	done         atomic.Bool
}

// claim marks the snapshot as settled. Only the first caller wins.
func (pd *pendingDisconnect) claim() bool {
	return pd.done.CompareAndSwap(false, true)
}

// Manager tracks attached subscribers and routes events to their sinks.
// Subscription membership lives in the Registry; the Manager owns identity,
// sinks, push endpoints, and the reconnect grace window.
type Manager struct {
	registry    *Registry
	gracePeriod time.Duration

	subscribers *xsync.Map[string, *Subscriber]
	endpoints   *xsync.Map[string, string]
	pending     *xsync.Map[string, *pendingDisconnect]
}

func newManager(gracePeriod time.Duration) *Manager {
	return &Manager{
		gracePeriod: gracePeriod,
		subscribers: xsync.NewMap[string, *Subscriber](),
		endpoints:   xsync.NewMap[string, string](),
		pending:     xsync.NewMap[string, *pendingDisconnect](),
	}
}

// Attach registers a new connection and emits the connected control event.
// A pending disconnect for the same user is cancelled and its topics are
// restored onto the new connection without re-firing first-join dispatch.
func (m *Manager) Attach(userID, group string, sink Sink) *Subscriber {
	sub := &Subscriber{ID: uuid.NewString(), UserID: userID, Group: group, sink: sink}
	m.subscribers.Store(sub.ID, sub)

	var restored *pendingDisconnect
	m.pending.Compute(userID, func(pd *pendingDisconnect, loaded bool) (*pendingDisconnect, xsync.ComputeOp) {
		if !loaded {
			return pd, xsync.CancelOp
		}
		restored = pd
		return pd, xsync.DeleteOp
	})
	if restored != nil && restored.claim() {
		restored.timer.Stop()
		m.registry.restore(restored.connectionID, sub.ID, restored.topics)
		log.Printf("[stream] restored %d subscriptions for user %s within grace window", len(restored.topics), userID)
	}

	payload, _ := json.Marshal(map[string]string{
		"connectionId": sub.ID,
		"message":      "Connected to event stream",
	})
	m.Route(sub.ID, "connected", payload)
	return sub
}

// Detach removes a connection and closes its sink. If the connection held
// subscriptions a pending disconnect is installed so a reconnect within the
// grace period restores them; an existing pending disconnect for the same
// user is finalized first.
func (m *Manager) Detach(id string) {
	var sub *Subscriber
	m.subscribers.Compute(id, func(cur *Subscriber, loaded bool) (*Subscriber, xsync.ComputeOp) {
		if !loaded {
			return cur, xsync.CancelOp
		}
		sub = cur
		return cur, xsync.DeleteOp
	})
	if sub == nil {
		return
	}
	m.endpoints.Delete(id)
	if closer, ok := sub.sink.(interface{ Close() }); ok {
		closer.Close()
	}

	topics := m.registry.forgetSubscriber(id)
	if len(topics) == 0 {
		return
	}

	pd := &pendingDisconnect{userID: sub.UserID, connectionID: id, topics: topics}
	pd.timer = time.AfterFunc(m.gracePeriod, func() { m.expirePending(sub.UserID, pd) })

	var prior *pendingDisconnect
	m.pending.Compute(sub.UserID, func(cur *pendingDisconnect, loaded bool) (*pendingDisconnect, xsync.ComputeOp) {
		if loaded {
			prior = cur
		}
		return pd, xsync.UpdateOp
	})
	if prior != nil && prior.claim() {
		prior.timer.Stop()
		m.registry.dropSubscriber(prior.connectionID, prior.topics)
	}
	log.Printf("[stream] connection %s detached, holding %d topics for %s", id, len(topics), m.gracePeriod)
}

// expirePending releases a grace snapshot whose timer fired.
func (m *Manager) expirePending(userID string, pd *pendingDisconnect) {
	if !pd.claim() {
		return
	}
	m.pending.Compute(userID, func(cur *pendingDisconnect, loaded bool) (*pendingDisconnect, xsync.ComputeOp) {
		if !loaded || cur != pd {
			return cur, xsync.CancelOp
		}
		return cur, xsync.DeleteOp
	})
	m.registry.dropSubscriber(pd.connectionID, pd.topics)
	log.Printf("[stream] grace window expired for user %s, released %d topics", userID, len(pd.topics))
}

// Route writes one event to one connection, detaching it on sink failure.
// Unknown ids are ignored.
func (m *Manager) Route(id, event string, data []byte) {
	sub, ok := m.subscribers.Load(id)
	if !ok {
		return
	}
	if err := sub.sink.Write(event, data); err != nil {
		log.Printf("[stream] write to connection %s failed: %v", id, err)
		m.Detach(id)
	}
}

// write delivers without the detach side effect. It is used while the
// registry lock is held; callers collect failures and detach after
// unlocking. Unknown ids (grace-held) are a successful no-op.
func (m *Manager) write(id, event string, data []byte) error {
	sub, ok := m.subscribers.Load(id)
	if !ok {
		return nil
	}
	return sub.sink.Write(event, data)
}

// RouteToUser writes an event to every connection of a user and returns the
// number of successful deliveries.
func (m *Manager) RouteToUser(userID, event string, data []byte) int {
	delivered := 0
	var failed []string
	m.subscribers.Range(func(id string, sub *Subscriber) bool {
		if sub.UserID != userID {
			return true
		}
		if err := sub.sink.Write(event, data); err != nil {
			failed = append(failed, id)
		} else {
			delivered++
		}
		return true
	})
	for _, id := range failed {
		m.Detach(id)
	}
	return delivered
}

// BroadcastAll writes an event to every attached connection and returns the
// number of successful deliveries.
func (m *Manager) BroadcastAll(event string, data []byte) int {
	delivered := 0
	var failed []string
	m.subscribers.Range(func(id string, sub *Subscriber) bool {
		if err := sub.sink.Write(event, data); err != nil {
			failed = append(failed, id)
		} else {
			delivered++
		}
		return true
	})
	for _, id := range failed {
		m.Detach(id)
	}
	return delivered
}

// Get returns an attached subscriber by connection id.
func (m *Manager) Get(id string) (*Subscriber, bool) {
	return m.subscribers.Load(id)
}

func (m *Manager) subscriber(id string) (*Subscriber, bool) {
	return m.subscribers.Load(id)
}

// Count returns the number of attached connections.
func (m *Manager) Count() int {
	return m.subscribers.Size()
}

// SetPushEndpoint associates an external push endpoint with a connection.
func (m *Manager) SetPushEndpoint(id, endpoint string) error {
	if _, ok := m.subscribers.Load(id); !ok {
		return ErrUnknownConnection
	}
	m.endpoints.Store(id, endpoint)
	return nil
}

// ActiveEndpointsForUser returns the distinct push endpoints of a user's
// live connections, sorted. Notification routing skips these to avoid
// pushing to a device that is already streaming.
func (m *Manager) ActiveEndpointsForUser(userID string) []string {
	seen := make(map[string]struct{})
	var out []string
	m.subscribers.Range(func(id string, sub *Subscriber) bool {
		if sub.UserID != userID {
			return true
		}
		if ep, ok := m.endpoints.Load(id); ok && ep != "" {
			if _, dup := seen[ep]; !dup {
				seen[ep] = struct{}{}
				out = append(out, ep)
			}
		}
		return true
	})
	sort.Strings(out)
	return out
}

// DetachAll closes every connection without grace windows. Shutdown path.
func (m *Manager) DetachAll() {
	m.pending.Range(func(userID string, pd *pendingDisconnect) bool {
		if pd.claim() {
			pd.timer.Stop()
		}
		m.pending.Delete(userID)
		return true
	})
	m.subscribers.Range(func(id string, sub *Subscriber) bool {
		m.subscribers.Delete(id)
		m.endpoints.Delete(id)
		if closer, ok := sub.sink.(interface{ Close() }); ok {
			closer.Close()
		}
		return true
	})
}
