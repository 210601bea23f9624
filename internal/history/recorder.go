package history

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/manifold-dash/manifold/internal/config"
	"github.com/manifold-dash/manifold/internal/plugin"
	"github.com/manifold-dash/manifold/internal/sched"
)

// Scheduler job ids owned by the recorder.
const (
	jobAggregate = "history.aggregate"
	jobReprobe   = "history.reprobe"
	jobRetention = "history.retention"
)

// InstanceSource resolves integration instances.
type InstanceSource interface {
	GetByID(id string) (*plugin.Instance, error)
	List() ([]plugin.Instance, error)
}

// JobScheduler is the slice of the scheduler the recorder needs.
type JobScheduler interface {
	RegisterJob(job sched.Job) error
	UnregisterJob(id string)
}

// Config wires a Recorder.
type Config struct {
	Plugins   *plugin.Registry
	Instances InstanceSource
	Store     *Repo
	Scheduler JobScheduler

	FlushInterval      time.Duration // default 15s
	BackgroundInterval time.Duration // default 15s
	AdapterTimeout     time.Duration // default 10s
	ProxyTimeout       time.Duration // default 15s
}

type bufferKey struct {
	integrationID string
	metricKey     string
}

// Recorder buffers metric samples and owns the flush, background-sampling,
// aggregation, and probe machinery. Samples arrive either from the poll
// orchestrator's tap while a topic is subscribed, or from per-integration
// background timers while none is; the two modes are mutually exclusive
// per integration.
type Recorder struct {
	plugins   *plugin.Registry
	instances InstanceSource
	store     *Repo
	sched     JobScheduler

	flushInterval  time.Duration
	bgInterval     time.Duration
	adapterTimeout time.Duration
	proxyTimeout   time.Duration

	mu        sync.Mutex
	running   bool
	cfg       config.MetricHistoryConfig
	buffers   map[bufferKey][]float64
	sseRefs   map[string]int
	bgStops   map[string]chan struct{}
	flushStop chan struct{}

	// aggMu single-flights aggregation between the cron and manual runs.
	aggMu sync.Mutex
}

// New creates a Recorder. Nothing runs until Configure enables it.
func New(cfg Config) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 15 * time.Second
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = 15 * time.Second
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 10 * time.Second
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 15 * time.Second
	}
	return &Recorder{
		plugins:        cfg.Plugins,
		instances:      cfg.Instances,
		store:          cfg.Store,
		sched:          cfg.Scheduler,
		flushInterval:  cfg.FlushInterval,
		bgInterval:     cfg.BackgroundInterval,
		adapterTimeout: cfg.AdapterTimeout,
		proxyTimeout:   cfg.ProxyTimeout,
		buffers:        make(map[bufferKey][]float64),
		sseRefs:        make(map[string]int),
		bgStops:        make(map[string]chan struct{}),
	}
}

// Store exposes the underlying repo for API surfaces that read it directly.
func (r *Recorder) Store() *Repo {
	return r.store
}

// Configure applies the recorder section of the runtime config, starting or
// stopping the machinery when the enabled flag flips.
func (r *Recorder) Configure(cfg config.MetricHistoryConfig) {
	r.mu.Lock()
	wasRunning := r.running
	r.cfg = cfg
	r.mu.Unlock()

	switch {
	case cfg.Enabled && !wasRunning:
		r.enable()
	case !cfg.Enabled && wasRunning:
		r.disable()
	case cfg.Enabled:
		// Policy change while running: per-integration mode flips adjust
		// the background timer set.
		r.syncBackground()
	}
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Policy returns the effective history policy for one integration.
func (r *Recorder) Policy(integrationID string) config.IntegrationHistoryConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.ForIntegration(integrationID)
}

func (r *Recorder) enable() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.flushStop = make(chan struct{})
	stop := r.flushStop
	r.mu.Unlock()

	r.sched.UnregisterJob(jobRetention)
	r.registerJob(jobAggregate, "0 * * * *",
		"roll raw metric history into coarser tiers and enforce retention",
		func() { r.RunAggregation(time.Now()) })
	r.registerJob(jobReprobe, "0 */6 * * *",
		"re-probe integrations for upstream history endpoints",
		r.probeAll)

	go r.flushLoop(stop)
	go r.probeAll()
	r.syncBackground()
	log.Printf("[history] recorder enabled")
}

func (r *Recorder) disable() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.flushStop)
	r.flushStop = nil
	r.buffers = make(map[bufferKey][]float64)
	stops := r.bgStops
	r.bgStops = make(map[string]chan struct{})
	r.mu.Unlock()

	for _, ch := range stops {
		close(ch)
	}
	r.sched.UnregisterJob(jobAggregate)
	r.sched.UnregisterJob(jobReprobe)
	// Existing data still ages out while recording is off.
	r.registerJob(jobRetention, "0 * * * *",
		"enforce metric history retention while recording is disabled",
		func() { r.RunRetention(time.Now()) })
	log.Printf("[history] recorder disabled, retention sweep stays scheduled")
}

// Shutdown drains buffered samples and stops all recorder machinery. Jobs
// stay registered; the scheduler is stopping alongside.
func (r *Recorder) Shutdown() {
	r.Flush(time.Now())

	r.mu.Lock()
	wasRunning := r.running
	r.running = false
	if r.flushStop != nil {
		close(r.flushStop)
		r.flushStop = nil
	}
	stops := r.bgStops
	r.bgStops = make(map[string]chan struct{})
	r.mu.Unlock()

	for _, ch := range stops {
		close(ch)
	}
	if wasRunning {
		log.Printf("[history] recorder drained")
	}
}

func (r *Recorder) registerJob(id, cronSpec, description string, execute func()) {
	r.sched.UnregisterJob(id)
	err := r.sched.RegisterJob(sched.Job{
		ID:          id,
		Cron:        cronSpec,
		Description: description,
		Execute:     execute,
	})
	if err != nil {
		log.Printf("[history] register job %s: %v", id, err)
	}
}

// OnSSEData ingests one poll payload delivered while the integration has a
// live subscription.
func (r *Recorder) OnSSEData(integrationID, integrationType string, payload any) {
	r.ingest(integrationID, integrationType, payload)
}

// SSEActive marks one more live topic for the integration. The first
// reference stops its background timer.
func (r *Recorder) SSEActive(integrationID string) {
	r.mu.Lock()
	r.sseRefs[integrationID]++
	var stop chan struct{}
	if r.sseRefs[integrationID] == 1 {
		stop = r.bgStops[integrationID]
		delete(r.bgStops, integrationID)
	}
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// SSEIdle drops one live-topic reference. When the last goes, the
// integration's buffered samples flush immediately and background sampling
// takes over.
func (r *Recorder) SSEIdle(integrationID string) {
	r.mu.Lock()
	if r.sseRefs[integrationID] == 0 {
		r.mu.Unlock()
		return
	}
	r.sseRefs[integrationID]--
	last := r.sseRefs[integrationID] == 0
	if last {
		delete(r.sseRefs, integrationID)
	}
	var drained map[bufferKey][]float64
	if last && r.running {
		for k, samples := range r.buffers {
			if k.integrationID != integrationID {
				continue
			}
			if drained == nil {
				drained = make(map[bufferKey][]float64)
			}
			drained[k] = samples
			delete(r.buffers, k)
		}
	}
	r.mu.Unlock()

	if !last {
		return
	}
	if len(drained) > 0 {
		r.writeBuffers(drained, time.Now())
	}
	r.syncBackground()
}

// ingest extracts declared recordable metrics from a payload and buffers
// the finite values.
func (r *Recorder) ingest(integrationID, integrationType string, payload any) {
	p := r.plugins.Get(integrationType)
	if p == nil {
		return
	}
	metrics := p.RecordableMetrics()
	if len(metrics) == 0 {
		return
	}

	type sample struct {
		key   string
		value float64
	}
	var found []sample
	for _, m := range metrics {
		if v, ok := extractNumber(payload, m.Key); ok {
			found = append(found, sample{key: m.Key, value: v})
		}
	}
	if len(found) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.cfg.ForIntegration(integrationID).Mode == config.HistoryModeOff {
		return
	}
	for _, s := range found {
		k := bufferKey{integrationID: integrationID, metricKey: s.key}
		r.buffers[k] = append(r.buffers[k], s.value)
	}
}

func (r *Recorder) flushLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Flush(time.Now())
		}
	}
}

// Flush writes all buffered samples to the store, one slot-aligned row per
// metric: single samples as raw points, multiple as an aggregated raw row.
func (r *Recorder) Flush(now time.Time) {
	r.mu.Lock()
	if len(r.buffers) == 0 {
		r.mu.Unlock()
		return
	}
	buffers := r.buffers
	r.buffers = make(map[bufferKey][]float64)
	r.mu.Unlock()

	r.writeBuffers(buffers, now)
}

func (r *Recorder) writeBuffers(buffers map[bufferKey][]float64, now time.Time) {
	ts := alignTs(now.Unix())
	for k, samples := range buffers {
		if len(samples) == 0 {
			continue
		}
		var err error
		if len(samples) == 1 {
			err = r.store.InsertRaw(k.integrationID, k.metricKey, ts, samples[0])
		} else {
			avg, min, max := summarize(samples)
			err = r.store.InsertAggregated(k.integrationID, k.metricKey, ts, ResolutionRaw, avg, min, max, len(samples))
		}
		if err != nil {
			log.Printf("[history] flush %s/%s: %v", k.integrationID, k.metricKey, err)
		}
	}
}

// alignTs snaps a unix timestamp to the nearest 15-second slot.
func alignTs(t int64) int64 {
	const step = 15
	return (t + step/2) / step * step
}

func summarize(samples []float64) (avg, min, max float64) {
	min, max = samples[0], samples[0]
	var sum float64
	for _, v := range samples {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return sum / float64(len(samples)), min, max
}

// syncBackground reconciles the set of running background timers with the
// set of integrations that should have one: recorder running, instance
// enabled and metric-declaring with a poller, mode not off, no live SSE.
func (r *Recorder) syncBackground() {
	r.mu.Lock()
	running := r.running
	cfg := r.cfg
	r.mu.Unlock()

	desired := make(map[string]bool)
	if running {
		instances, err := r.instances.List()
		if err != nil {
			log.Printf("[history] list instances: %v", err)
			return
		}
		for _, inst := range instances {
			if !inst.Enabled {
				continue
			}
			p := r.plugins.Get(inst.Type)
			if p == nil || !p.HasMetrics() || p.Poller == nil {
				continue
			}
			if cfg.ForIntegration(inst.ID).Mode == config.HistoryModeOff {
				continue
			}
			desired[inst.ID] = true
		}
	}

	r.mu.Lock()
	var toClose []chan struct{}
	for id, ch := range r.bgStops {
		if !desired[id] || r.sseRefs[id] > 0 {
			toClose = append(toClose, ch)
			delete(r.bgStops, id)
		}
	}
	started := 0
	if r.running {
		for id := range desired {
			if r.sseRefs[id] > 0 {
				continue
			}
			if _, ok := r.bgStops[id]; ok {
				continue
			}
			ch := make(chan struct{})
			r.bgStops[id] = ch
			go r.backgroundLoop(id, ch)
			started++
		}
	}
	r.mu.Unlock()

	for _, ch := range toClose {
		close(ch)
	}
	if started > 0 {
		log.Printf("[history] background sampling started for %d integrations", started)
	}
}

func (r *Recorder) backgroundLoop(integrationID string, stop chan struct{}) {
	ticker := time.NewTicker(r.bgInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !r.backgroundPoll(integrationID) {
				r.mu.Lock()
				if r.bgStops[integrationID] == stop {
					delete(r.bgStops, integrationID)
				}
				r.mu.Unlock()
				return
			}
		}
	}
}

// backgroundPoll samples one integration directly through its plugin
// poller. Returns false when the instance no longer qualifies, which stops
// the calling loop.
func (r *Recorder) backgroundPoll(integrationID string) bool {
	inst, err := r.instances.GetByID(integrationID)
	if err != nil {
		log.Printf("[history] background lookup %s: %v", integrationID, err)
		return true
	}
	if inst == nil || !inst.Enabled {
		return false
	}
	p := r.plugins.Get(inst.Type)
	if p == nil || p.Poller == nil || !p.HasMetrics() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.adapterTimeout)
	payload, err := p.Poller.Poll(ctx, *inst)
	cancel()
	if err != nil || payload == nil {
		return true
	}
	r.ingest(integrationID, inst.Type, payload)
	return true
}

// OnInstanceSaved re-probes an integration and adjusts background sampling
// after its configuration changed.
func (r *Recorder) OnInstanceSaved(integrationID string) {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return
	}
	go func() {
		r.ProbeIntegration(integrationID)
		r.syncBackground()
	}()
}

// OnInstanceDeleted drops everything recorded for an integration: stored
// rows, source records, buffers, and its background timer.
func (r *Recorder) OnInstanceDeleted(integrationID string) {
	if err := r.store.DeleteForIntegration(integrationID); err != nil {
		log.Printf("[history] delete history for %s: %v", integrationID, err)
	}
	if err := r.store.DeleteSourcesForIntegration(integrationID); err != nil {
		log.Printf("[history] delete sources for %s: %v", integrationID, err)
	}

	r.mu.Lock()
	for k := range r.buffers {
		if k.integrationID == integrationID {
			delete(r.buffers, k)
		}
	}
	delete(r.sseRefs, integrationID)
	ch := r.bgStops[integrationID]
	delete(r.bgStops, integrationID)
	r.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// DeleteHistory drops stored rows and pending buffers for one integration,
// keeping source records and timers.
func (r *Recorder) DeleteHistory(integrationID string) error {
	if err := r.store.DeleteForIntegration(integrationID); err != nil {
		return err
	}
	r.mu.Lock()
	for k := range r.buffers {
		if k.integrationID == integrationID {
			delete(r.buffers, k)
		}
	}
	r.mu.Unlock()
	return nil
}

// DeleteAllHistory empties the store and all pending buffers.
func (r *Recorder) DeleteAllHistory() error {
	if err := r.store.DeleteAll(); err != nil {
		return err
	}
	r.mu.Lock()
	r.buffers = make(map[bufferKey][]float64)
	r.mu.Unlock()
	return nil
}

// Stats returns storage statistics.
func (r *Recorder) Stats() (Stats, error) {
	return r.store.GetStorageStats()
}

// Sources returns the probed source records for one integration.
func (r *Recorder) Sources(integrationID string) ([]SourceRecord, error) {
	return r.store.SourcesForIntegration(integrationID)
}
