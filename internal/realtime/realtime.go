// Package realtime maintains persistent upstream push connections, one per
// realtime-capable topic. Connection loss reconnects with exponential
// backoff; repeated failure falls back to periodic polling while a retry
// timer keeps probing the push channel. Topics left by their last
// subscriber idle for a window before the connection is torn down.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/topic"
)

const (
	sourceWebsocket = "websocket"
	sourcePolling   = "polling"

	// maxConnectAttempts is the consecutive-failure count that triggers
	// the polling fallback.
	maxConnectAttempts = 5
)

// Streams is the slice of the stream registry the orchestrator needs.
// Purge drops a topic's retained state after idle expiry.
type Streams interface {
	Broadcast(t topic.Topic, payload any, forceFull bool) error
	HasSubscribers(t topic.Topic) bool
	Purge(t topic.Topic)
}

// PollerControl starts and stops fallback pollers. Both calls are
// idempotent.
type PollerControl interface {
	Start(t topic.Topic)
	Stop(t topic.Topic)
}

// InstanceSource resolves live integration instances.
type InstanceSource interface {
	GetByID(id string) (*plugin.Instance, error)
	FirstEnabledByType(typ string) (*plugin.Instance, error)
}

// Config wires an Orchestrator.
type Config struct {
	Plugins   *plugin.Registry
	Instances InstanceSource
	Streams   Streams
	Pollers   PollerControl

	ConnectTimeout time.Duration // default 10s
	IdleTimeout    time.Duration // default 5m
	WSRetryDelay   time.Duration // default 60s
	ReconnectBase  time.Duration // default 1s
	ReconnectMax   time.Duration // default 120s
}

// connection is the per-topic push-connection state. Timer callbacks
// validate their generation under mu so a cancelled timer that already
// fired becomes a no-op.
type connection struct {
	topic     topic.Topic
	instance  plugin.Instance
	manager   plugin.RealtimeManager
	hasPoller bool

	mu                sync.Mutex
	mode              string
	connected         bool
	closed            bool
	reconnectAttempts int
	lastConnected     time.Time
	lastError         string

	reconnectTimer *time.Timer
	reconnectGen   uint64
	wsRetryTimer   *time.Timer
	wsRetryGen     uint64
	idleTimer      *time.Timer
	idleGen        uint64
}

// Orchestrator owns every push connection, keyed by canonical topic.
type Orchestrator struct {
	plugins   *plugin.Registry
	instances InstanceSource
	streams   Streams
	pollers   PollerControl

	connectTimeout time.Duration
	idleTimeout    time.Duration
	wsRetryDelay   time.Duration
	reconnectBase  time.Duration
	reconnectMax   time.Duration

	mu    sync.Mutex
	conns map[string]*connection
}

// New creates an Orchestrator. No connections open until Start is called
// per topic.
func New(cfg Config) *Orchestrator {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.WSRetryDelay <= 0 {
		cfg.WSRetryDelay = 60 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 120 * time.Second
	}
	return &Orchestrator{
		plugins:        cfg.Plugins,
		instances:      cfg.Instances,
		streams:        cfg.Streams,
		pollers:        cfg.Pollers,
		connectTimeout: cfg.ConnectTimeout,
		idleTimeout:    cfg.IdleTimeout,
		wsRetryDelay:   cfg.WSRetryDelay,
		reconnectBase:  cfg.ReconnectBase,
		reconnectMax:   cfg.ReconnectMax,
		conns:          make(map[string]*connection),
	}
}

// Supports reports whether a topic is served by a push connection.
// Subtype topics always poll; the push channel carries the type's main
// stream only.
func (o *Orchestrator) Supports(t topic.Topic) bool {
	if t.Subtype != "" {
		return false
	}
	p := o.plugins.Get(t.Type)
	return p != nil && p.Realtime != nil
}

// Start binds a source to the topic: an existing idle connection is
// resumed, otherwise a manager is created and connected. Topics this
// orchestrator cannot serve, including those whose instance fails to
// resolve, are delegated to the poller, which surfaces configuration
// errors through its own envelopes.
func (o *Orchestrator) Start(t topic.Topic) {
	key := t.String()
	o.mu.Lock()
	c := o.conns[key]
	o.mu.Unlock()
	if c != nil && o.resume(c) {
		return
	}

	if !o.Supports(t) {
		o.pollers.Start(t)
		return
	}
	p := o.plugins.Get(t.Type)
	inst, err := o.resolveInstance(t)
	if err != nil {
		log.Printf("[realtime] %s: %v, delegating to poller", t, err)
		o.pollers.Start(t)
		return
	}

	c = &connection{
		topic:     t,
		instance:  *inst,
		hasPoller: p.Poller != nil,
		mode:      sourceWebsocket,
	}
	mgr, err := p.Realtime.CreateManager(*inst, func(data any) { o.onUpdate(c, data) })
	if err != nil {
		log.Printf("[realtime] %s: create manager: %v, delegating to poller", t, err)
		o.pollers.Start(t)
		return
	}
	c.manager = mgr
	mgr.SetHandlers(plugin.RealtimeHandlers{
		OnConnect:    func() { o.onConnect(c) },
		OnDisconnect: func(err error) { o.onFailure(c, err) },
		OnError:      func(err error) { o.onFailure(c, err) },
	})

	o.mu.Lock()
	if _, exists := o.conns[key]; exists {
		o.mu.Unlock()
		mgr.Disconnect()
		return
	}
	o.conns[key] = c
	o.mu.Unlock()

	log.Printf("[realtime] connecting %s", key)
	go o.connect(c)
}

// resume cancels a pending idle teardown and restarts the fallback poller
// when the connection is in polling mode. Returns false when the
// connection was already torn down, in which case the caller starts over.
func (o *Orchestrator) resume(c *connection) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	o.cancelIdleLocked(c)
	polling := c.mode == sourcePolling
	t := c.topic
	c.mu.Unlock()
	if polling {
		o.pollers.Start(t)
	}
	return true
}

// Stop arms the idle window for the topic. The push connection survives
// until expiry so a quick re-join reuses it; the fallback poller, if any,
// stops immediately.
func (o *Orchestrator) Stop(t topic.Topic) {
	o.mu.Lock()
	c := o.conns[t.String()]
	o.mu.Unlock()
	if c == nil {
		o.pollers.Stop(t)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	o.armIdleLocked(c)
	polling := c.mode == sourcePolling
	c.mu.Unlock()
	if polling {
		o.pollers.Stop(t)
	}
	log.Printf("[realtime] %s idle, disconnect in %s unless re-joined", t, o.idleTimeout)
}

// RefreshConnection tears down every connection bound to an instance and
// reconnects the topics that still have subscribers. Called after an
// instance's configuration changes.
func (o *Orchestrator) RefreshConnection(instanceID string) {
	o.mu.Lock()
	var affected []*connection
	for _, c := range o.conns {
		if c.instance.ID == instanceID {
			affected = append(affected, c)
		}
	}
	o.mu.Unlock()

	for _, c := range affected {
		t := c.topic
		o.remove(c)
		if o.streams.HasSubscribers(t) {
			o.Start(t)
		}
	}
	if len(affected) > 0 {
		log.Printf("[realtime] refreshed %d connections for instance %s", len(affected), instanceID)
	}
}

// Shutdown disconnects every connection and stops fallback pollers.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	conns := make([]*connection, 0, len(o.conns))
	for key, c := range o.conns {
		conns = append(conns, c)
		delete(o.conns, key)
	}
	o.mu.Unlock()

	for _, c := range conns {
		o.teardown(c)
	}
	if len(conns) > 0 {
		log.Printf("[realtime] disconnected %d connections", len(conns))
	}
}

// HealthEntry is one connection's diagnostics.
type HealthEntry struct {
	Topic             string    `json:"topic"`
	Type              string    `json:"type"`
	Status            string    `json:"status"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastConnected     time.Time `json:"lastConnected,omitzero"`
	LastError         string    `json:"lastError,omitempty"`
}

// Health reports every live connection, sorted by topic.
func (o *Orchestrator) Health() []HealthEntry {
	o.mu.Lock()
	conns := make([]*connection, 0, len(o.conns))
	for _, c := range o.conns {
		conns = append(conns, c)
	}
	o.mu.Unlock()

	out := make([]HealthEntry, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		entry := HealthEntry{
			Topic:             c.topic.String(),
			Type:              c.topic.Type,
			ReconnectAttempts: c.reconnectAttempts,
			LastConnected:     c.lastConnected,
			LastError:         c.lastError,
		}
		switch {
		case c.connected:
			entry.Status = "connected"
		case c.mode == sourcePolling:
			entry.Status = "polling"
		default:
			entry.Status = "connecting"
		}
		c.mu.Unlock()
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (o *Orchestrator) resolveInstance(t topic.Topic) (*plugin.Instance, error) {
	if t.Instance != "" {
		inst, err := o.instances.GetByID(t.Instance)
		if err != nil {
			return nil, fmt.Errorf("look up instance %s: %w", t.Instance, err)
		}
		if inst == nil || !inst.Enabled {
			return nil, fmt.Errorf("No instance found for %s", t)
		}
		return inst, nil
	}
	inst, err := o.instances.FirstEnabledByType(t.Type)
	if err != nil {
		return nil, fmt.Errorf("look up instances of type %s: %w", t.Type, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("No instance found for type %s", t.Type)
	}
	return inst, nil
}

// connect dials the manager. Success is signalled through onConnect, which
// tolerates both the handler callback and the direct call after a nil
// Connect return.
func (o *Orchestrator) connect(c *connection) {
	ctx, cancel := context.WithTimeout(context.Background(), o.connectTimeout)
	err := c.manager.Connect(ctx)
	cancel()
	if err != nil {
		o.onFailure(c, err)
		return
	}
	o.onConnect(c)
}

// onConnect is the shared success path: reset attempts, cancel pending
// retries, and when recovering from polling fallback, hand the source
// back to the push connection.
func (o *Orchestrator) onConnect(c *connection) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.manager.Disconnect()
		return
	}
	if c.connected {
		c.mu.Unlock()
		return
	}
	wasPolling := c.mode == sourcePolling
	c.mode = sourceWebsocket
	c.connected = true
	c.reconnectAttempts = 0
	c.lastConnected = time.Now()
	c.lastError = ""
	o.cancelReconnectLocked(c)
	o.cancelWSRetryLocked(c)
	t := c.topic
	c.mu.Unlock()

	if wasPolling {
		o.pollers.Stop(t)
		if err := o.streams.Broadcast(t, recoveryEnvelope(), true); err != nil {
			log.Printf("[realtime] %s: broadcast recovery: %v", t, err)
		}
		log.Printf("[realtime] %s recovered, polling fallback stopped", t)
		return
	}
	log.Printf("[realtime] %s connected", t)
}

// onFailure handles both failed connects and drops of an established
// connection. Failures during polling fallback are silent; the retry
// timer owns the next attempt.
func (o *Orchestrator) onFailure(c *connection, err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.lastError = err.Error()
	if c.mode == sourcePolling {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	t := c.topic
	fallback := attempts >= maxConnectAttempts && c.hasPoller
	var delay time.Duration
	if fallback {
		c.mode = sourcePolling
		o.cancelReconnectLocked(c)
		o.armWSRetryLocked(c)
	} else {
		delay = reconnectDelay(attempts, o.reconnectBase, o.reconnectMax)
		o.armReconnectLocked(c, delay)
	}
	c.mu.Unlock()

	if berr := o.streams.Broadcast(t, disconnectEnvelope(attempts), true); berr != nil {
		log.Printf("[realtime] %s: broadcast error envelope: %v", t, berr)
	}
	if fallback {
		c.manager.Disconnect()
		o.pollers.Start(t)
		log.Printf("[realtime] %s: %d consecutive connection failures, falling back to polling: %v", t, attempts, err)
		return
	}
	log.Printf("[realtime] %s: connection lost (attempt %d), reconnecting in %s: %v", t, attempts, delay, err)
}

// onUpdate broadcasts a server push. Realtime payloads always force a full
// frame; the upstream does its own merging, and diffing against it races.
func (o *Orchestrator) onUpdate(c *connection, data any) {
	if data == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	t := c.topic
	c.mu.Unlock()
	if closed {
		return
	}
	if err := o.streams.Broadcast(t, updateEnvelope(data, time.Now()), true); err != nil {
		log.Printf("[realtime] %s: broadcast: %v", t, err)
	}
}

// remove unmaps and tears down one connection.
func (o *Orchestrator) remove(c *connection) {
	key := c.topic.String()
	o.mu.Lock()
	if o.conns[key] == c {
		delete(o.conns, key)
	}
	o.mu.Unlock()
	o.teardown(c)
}

func (o *Orchestrator) teardown(c *connection) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	o.cancelReconnectLocked(c)
	o.cancelWSRetryLocked(c)
	o.cancelIdleLocked(c)
	polling := c.mode == sourcePolling
	t := c.topic
	c.mu.Unlock()

	c.manager.Disconnect()
	if polling {
		o.pollers.Stop(t)
	}
}

func (o *Orchestrator) armReconnectLocked(c *connection, d time.Duration) {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectGen++
	gen := c.reconnectGen
	c.reconnectTimer = time.AfterFunc(d, func() { o.reconnectFire(c, gen) })
}

func (o *Orchestrator) cancelReconnectLocked(c *connection) {
	c.reconnectGen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (o *Orchestrator) reconnectFire(c *connection, gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.reconnectGen || c.connected {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()
	o.connect(c)
}

// armWSRetryLocked schedules the next push-channel probe while in polling
// fallback.
func (o *Orchestrator) armWSRetryLocked(c *connection) {
	if c.wsRetryTimer != nil {
		c.wsRetryTimer.Stop()
	}
	c.wsRetryGen++
	gen := c.wsRetryGen
	c.wsRetryTimer = time.AfterFunc(o.wsRetryDelay, func() { o.wsRetryFire(c, gen) })
}

func (o *Orchestrator) cancelWSRetryLocked(c *connection) {
	c.wsRetryGen++
	if c.wsRetryTimer != nil {
		c.wsRetryTimer.Stop()
		c.wsRetryTimer = nil
	}
}

// wsRetryFire re-arms itself before dialing so a failed probe needs no
// extra bookkeeping; a successful connect cancels the re-armed timer.
func (o *Orchestrator) wsRetryFire(c *connection, gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.wsRetryGen || c.mode != sourcePolling {
		c.mu.Unlock()
		return
	}
	c.wsRetryTimer = nil
	o.armWSRetryLocked(c)
	c.mu.Unlock()
	o.connect(c)
}

func (o *Orchestrator) armIdleLocked(c *connection) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleGen++
	gen := c.idleGen
	c.idleTimer = time.AfterFunc(o.idleTimeout, func() { o.idleFire(c, gen) })
}

func (o *Orchestrator) cancelIdleLocked(c *connection) {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// idleFire tears down an expired connection and drops the topic's retained
// cache. A re-join that raced the expiry wins.
func (o *Orchestrator) idleFire(c *connection, gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.idleGen {
		c.mu.Unlock()
		return
	}
	c.idleTimer = nil
	t := c.topic
	c.mu.Unlock()

	if o.streams.HasSubscribers(t) {
		return
	}
	o.remove(c)
	o.streams.Purge(t)
	log.Printf("[realtime] %s idle window expired, disconnected", t)
}

// reconnectDelay doubles from base per attempt, capped.
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift >= 16 {
		return max
	}
	d := base << uint(shift)
	if d > max || d <= 0 {
		return max
	}
	return d
}
