// Package poller is the periodic-fetch orchestrator. It runs one
// independent poll loop per active topic, escalating from fast retry to
// exponential backoff on consecutive failures and short-circuiting on
// configuration and authentication errors that waiting cannot fix.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/topic"
)

// Broadcaster is the slice of the stream registry the orchestrator needs.
type Broadcaster interface {
	Broadcast(t topic.Topic, payload any, forceFull bool) error
	HasSubscribers(t topic.Topic) bool
}

// InstanceSource resolves live integration instances.
type InstanceSource interface {
	GetByID(id string) (*plugin.Instance, error)
	FirstEnabledByType(typ string) (*plugin.Instance, error)
}

// Recorder is the history recorder tap. All methods must be cheap; the
// recorder buffers internally.
type Recorder interface {
	OnSSEData(integrationID, integrationType string, payload any)
	SSEActive(integrationID string)
	SSEIdle(integrationID string)
}

// Config wires an Orchestrator.
type Config struct {
	Plugins        *plugin.Registry
	Instances      InstanceSource
	Streams        Broadcaster
	Recorder       Recorder // optional
	AdapterTimeout time.Duration
}

// pollerState is the per-topic loop state.
type pollerState struct {
	topic        topic.Topic
	plugin       *plugin.Plugin
	baseInterval time.Duration

	stopCh chan struct{}
	wakeCh chan struct{}

	// pollMu serializes poll execution between the loop and Trigger.
	pollMu sync.Mutex

	mu                sync.Mutex
	currentInterval   time.Duration
	consecutiveErrors int
	fastRetry         bool
	halted            bool
	lastError         string
	lastSuccess       time.Time
	lastPoll          time.Time
}

func (ps *pollerState) interval() time.Duration {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.currentInterval
}

func (ps *pollerState) isHalted() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.halted
}

// wake nudges a waiting loop to re-read its interval. Non-blocking.
func (ps *pollerState) wake() {
	select {
	case ps.wakeCh <- struct{}{}:
	default:
	}
}

// Orchestrator owns all poller states, keyed by canonical topic.
type Orchestrator struct {
	plugins        *plugin.Registry
	instances      InstanceSource
	streams        Broadcaster
	recorder       Recorder
	adapterTimeout time.Duration

	mu      sync.Mutex
	pollers map[string]*pollerState
	wg      sync.WaitGroup

	startLogMu    sync.Mutex
	startedNames  []string
	startLogTimer *time.Timer
}

// New creates an Orchestrator. No loops run until Start is called per topic.
func New(cfg Config) *Orchestrator {
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 10 * time.Second
	}
	return &Orchestrator{
		plugins:        cfg.Plugins,
		instances:      cfg.Instances,
		streams:        cfg.Streams,
		recorder:       cfg.Recorder,
		adapterTimeout: cfg.AdapterTimeout,
		pollers:        make(map[string]*pollerState),
	}
}

// Start launches the poll loop for a topic. The first poll happens
// immediately in the loop goroutine. Safe to call from subscription
// dispatch; it never blocks on upstream I/O.
func (o *Orchestrator) Start(t topic.Topic) {
	key := t.String()
	p := o.plugins.Get(t.Type)

	o.mu.Lock()
	if _, exists := o.pollers[key]; exists {
		o.mu.Unlock()
		return
	}
	ps := &pollerState{
		topic:        t,
		plugin:       p,
		baseInterval: baseInterval(t, p),
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
	ps.currentInterval = ps.baseInterval
	o.pollers[key] = ps
	o.wg.Add(1)
	o.mu.Unlock()

	if o.recorder != nil && p != nil && p.HasMetrics() && t.Instance != "" {
		o.recorder.SSEActive(t.Instance)
	}
	o.logStart(key)
	go o.runLoop(ps)
}

// Stop cancels the loop for a topic. It does not wait for an in-flight
// poll; the loop drains on its own.
func (o *Orchestrator) Stop(t topic.Topic) {
	key := t.String()
	o.mu.Lock()
	ps := o.pollers[key]
	if ps == nil {
		o.mu.Unlock()
		return
	}
	delete(o.pollers, key)
	o.mu.Unlock()

	close(ps.stopCh)
	if o.recorder != nil && ps.plugin != nil && ps.plugin.HasMetrics() && t.Instance != "" {
		o.recorder.SSEIdle(t.Instance)
	}
	log.Printf("[poller] stopped poller for %s", key)
}

// IsActive reports whether a loop is running for the topic.
func (o *Orchestrator) IsActive(t topic.Topic) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pollers[t.String()]
	return ok
}

// Trigger runs one poll for the topic right now, serialized against the
// topic's loop when one is running. A successful trigger un-halts a
// short-circuited poller. Without a running loop the poll is a one-shot:
// the result is broadcast if the topic has subscribers and the error, if
// any, is returned without touching retry state.
func (o *Orchestrator) Trigger(t topic.Topic) error {
	o.mu.Lock()
	ps := o.pollers[t.String()]
	o.mu.Unlock()

	if ps != nil {
		return o.pollOnce(ps, true)
	}

	p := o.plugins.Get(t.Type)
	payload, err := o.executePoll(t, p)
	if err != nil {
		return err
	}
	if o.streams.HasSubscribers(t) {
		if err := o.streams.Broadcast(t, successEnvelope(payload, time.Now()), false); err != nil {
			return fmt.Errorf("broadcast %s: %w", t, err)
		}
	}
	o.notifyRecorder(t, p, payload)
	return nil
}

// Shutdown stops every loop and waits for them to drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	n := len(o.pollers)
	for key, ps := range o.pollers {
		close(ps.stopCh)
		delete(o.pollers, key)
	}
	o.mu.Unlock()
	o.wg.Wait()

	o.startLogMu.Lock()
	if o.startLogTimer != nil {
		o.startLogTimer.Stop()
		o.startLogTimer = nil
	}
	o.startLogMu.Unlock()
	if n > 0 {
		log.Printf("[poller] stopped %d pollers", n)
	}
}

// HealthEntry is one topic's poll diagnostics.
type HealthEntry struct {
	Topic             string    `json:"topic"`
	Status            string    `json:"status"`
	LastSuccess       time.Time `json:"lastSuccess,omitzero"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	LastError         string    `json:"lastError,omitempty"`
	CurrentInterval   string    `json:"currentInterval"`
}

// Health reports every running poller, sorted by topic. Status is healthy
// with no consecutive errors, warning below the backoff threshold, and
// degraded at or past it.
func (o *Orchestrator) Health() []HealthEntry {
	o.mu.Lock()
	states := make([]*pollerState, 0, len(o.pollers))
	for _, ps := range o.pollers {
		states = append(states, ps)
	}
	o.mu.Unlock()

	out := make([]HealthEntry, 0, len(states))
	for _, ps := range states {
		ps.mu.Lock()
		entry := HealthEntry{
			Topic:             ps.topic.String(),
			LastSuccess:       ps.lastSuccess,
			ConsecutiveErrors: ps.consecutiveErrors,
			LastError:         ps.lastError,
			CurrentInterval:   ps.currentInterval.String(),
		}
		switch {
		case ps.consecutiveErrors == 0:
			entry.Status = "healthy"
		case ps.consecutiveErrors < fastRetryAttempts:
			entry.Status = "warning"
		default:
			entry.Status = "degraded"
		}
		ps.mu.Unlock()
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// runLoop is the per-topic goroutine: immediate first poll, then periodic
// polls at the current interval. Halted states park until Stop or an
// un-halting Trigger wakes the loop.
func (o *Orchestrator) runLoop(ps *pollerState) {
	defer o.wg.Done()
	o.pollOnce(ps, false)
	for {
		if ps.isHalted() {
			select {
			case <-ps.stopCh:
				return
			case <-ps.wakeCh:
			}
			continue
		}
		timer := time.NewTimer(ps.interval())
		select {
		case <-ps.stopCh:
			timer.Stop()
			return
		case <-ps.wakeCh:
			timer.Stop()
		case <-timer.C:
			o.pollOnce(ps, false)
		}
	}
}

// pollOnce executes one poll and applies the state transition.
func (o *Orchestrator) pollOnce(ps *pollerState, fromTrigger bool) error {
	ps.pollMu.Lock()
	defer ps.pollMu.Unlock()

	payload, err := o.executePoll(ps.topic, ps.plugin)
	now := time.Now()
	if err != nil {
		o.handleFailure(ps, err, now)
		return err
	}
	o.handleSuccess(ps, payload, now, fromTrigger)
	return nil
}

// executePoll resolves the instance and invokes the plugin poller.
func (o *Orchestrator) executePoll(t topic.Topic, p *plugin.Plugin) (any, error) {
	if p == nil || p.Poller == nil {
		return nil, errors.New("No poller available")
	}
	poll := p.Poller.Poll
	if t.Subtype != "" {
		sp, ok := p.Poller.Subtypes[t.Subtype]
		if !ok {
			return nil, errors.New("No poller available")
		}
		poll = sp.Poll
	}

	inst, err := o.resolveInstance(t)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.adapterTimeout)
	defer cancel()
	payload, err := poll(ctx, *inst)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("Poll returned no data")
	}
	return payload, nil
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

// handleFailure advances the retry state machine and surfaces errors that
// warrant it. Config and auth errors halt the loop; the third consecutive
// transient failure enters backoff and broadcasts once.
func (o *Orchestrator) handleFailure(ps *pollerState, err error, now time.Time) {
	kind := classifyError(err)

	ps.mu.Lock()
	ps.consecutiveErrors++
	ps.lastError = err.Error()
	ps.lastPoll = now
	errs := ps.consecutiveErrors
	lastSuccess := ps.lastSuccess
	enteredBackoff := false
	switch {
	case kind != errTransient:
		ps.halted = true
		ps.fastRetry = false
	case errs < fastRetryAttempts:
		ps.fastRetry = true
		ps.currentInterval = fastRetryInterval
	default:
		ps.fastRetry = false
		ps.currentInterval = backoffInterval(errs)
		enteredBackoff = errs == fastRetryAttempts
	}
	ps.mu.Unlock()

	switch {
	case kind == errConfig:
		log.Printf("[poller] %s: configuration error, polling halted: %v", ps.topic, err)
		o.broadcastError(ps.topic, err, kind, errs, lastSuccess)
	case kind == errAuth:
		log.Printf("[poller] %s: authentication error, polling halted: %v", ps.topic, err)
		o.broadcastError(ps.topic, err, kind, errs, lastSuccess)
	case enteredBackoff:
		log.Printf("[poller] %s: %d consecutive failures, backing off: %v", ps.topic, errs, err)
		o.broadcastError(ps.topic, err, kind, errs, lastSuccess)
	case errs == 1:
		log.Printf("[poller] %s: poll failed, fast retry: %v", ps.topic, err)
	}
}

// handleSuccess resets retry state and broadcasts the wrapped payload. The
// first success after any error state forces a full payload: clients hold
// the error envelope and a delta against it is meaningless.
func (o *Orchestrator) handleSuccess(ps *pollerState, payload any, now time.Time, fromTrigger bool) {
	ps.mu.Lock()
	recovering := ps.consecutiveErrors > 0 || ps.halted
	wasHalted := ps.halted
	ps.consecutiveErrors = 0
	ps.fastRetry = false
	ps.halted = false
	ps.currentInterval = ps.baseInterval
	ps.lastError = ""
	ps.lastSuccess = now
	ps.lastPoll = now
	ps.mu.Unlock()

	if recovering {
		log.Printf("[poller] %s: recovered, interval restored to %s", ps.topic, ps.baseInterval)
	}
	if fromTrigger && (recovering || wasHalted) {
		ps.wake()
	}

	if err := o.streams.Broadcast(ps.topic, successEnvelope(payload, now), recovering); err != nil {
		log.Printf("[poller] %s: broadcast: %v", ps.topic, err)
	}
	o.notifyRecorder(ps.topic, ps.plugin, payload)
}

func (o *Orchestrator) broadcastError(t topic.Topic, err error, kind errorKind, errCount int, lastSuccess time.Time) {
	env := errorEnvelope(err, kind, errCount, lastSuccess)
	if berr := o.streams.Broadcast(t, env, true); berr != nil {
		log.Printf("[poller] %s: broadcast error envelope: %v", t, berr)
	}
}

// notifyRecorder hands the raw payload to the history recorder for topics
// bound to a metric-declaring instance.
func (o *Orchestrator) notifyRecorder(t topic.Topic, p *plugin.Plugin, payload any) {
	if o.recorder == nil || p == nil || !p.HasMetrics() || t.Instance == "" {
		return
	}
	o.recorder.OnSSEData(t.Instance, t.Type, payload)
}

// logStart coalesces start bursts into a single summary line; boot
// subscribes dozens of topics within milliseconds.
func (o *Orchestrator) logStart(key string) {
	o.startLogMu.Lock()
	o.startedNames = append(o.startedNames, key)
	if o.startLogTimer == nil {
		o.startLogTimer = time.AfterFunc(2*time.Second, o.flushStartLog)
	}
	o.startLogMu.Unlock()
}

func (o *Orchestrator) flushStartLog() {
	o.startLogMu.Lock()
	names := o.startedNames
	o.startedNames = nil
	o.startLogTimer = nil
	o.startLogMu.Unlock()

	if len(names) == 0 {
		return
	}
	if len(names) == 1 {
		log.Printf("[poller] started poller for %s", names[0])
		return
	}
	sort.Strings(names)
	log.Printf("[poller] started %d pollers: %s", len(names), strings.Join(names, ", "))
}
