package history

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/manifold-dash/manifold/internal/plugin"
)

// ProbeIntegration classifies every recordable metric of one integration as
// internally recorded or externally served. Metrics declaring a history
// endpoint are probed over the plugin adapter; a 200 with a non-empty body
// marks the metric external. Source records for metrics the plugin no
// longer declares are pruned.
func (r *Recorder) ProbeIntegration(integrationID string) {
	inst, err := r.instances.GetByID(integrationID)
	if err != nil {
		log.Printf("[history] probe lookup %s: %v", integrationID, err)
		return
	}
	if inst == nil {
		return
	}
	p := r.plugins.Get(inst.Type)
	if p == nil {
		return
	}

	declared := make(map[string]bool)
	now := time.Now().UnixNano()
	for _, m := range p.RecordableMetrics() {
		declared[m.Key] = true
		rec := SourceRecord{
			IntegrationID: integrationID,
			MetricKey:     m.Key,
			Source:        SourceInternal,
			LastProbedNs:  now,
		}
		if m.HistoryProbe != nil {
			if r.probeEndpoint(p, *inst, m.HistoryProbe) {
				rec.Source = SourceExternal
				rec.ProbeStatus = "ok"
			} else {
				rec.ProbeStatus = "failed"
			}
		}
		if err := r.store.UpsertSource(rec); err != nil {
			log.Printf("[history] record source %s/%s: %v", integrationID, m.Key, err)
		}
	}

	existing, err := r.store.SourcesForIntegration(integrationID)
	if err != nil {
		log.Printf("[history] list sources %s: %v", integrationID, err)
		return
	}
	for _, rec := range existing {
		if declared[rec.MetricKey] {
			continue
		}
		if err := r.store.DeleteSourceForMetric(integrationID, rec.MetricKey); err != nil {
			log.Printf("[history] prune source %s/%s: %v", integrationID, rec.MetricKey, err)
		}
	}
}

func (r *Recorder) probeEndpoint(p *plugin.Plugin, inst plugin.Instance, probe *plugin.HistoryProbe) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.adapterTimeout)
	defer cancel()
	resp, err := p.Adapter.Get(ctx, inst, probe.Path,
		plugin.WithParams(probe.Params), plugin.WithTimeout(r.adapterTimeout))
	if err != nil {
		return false
	}
	return resp.StatusCode == http.StatusOK && len(resp.Body) > 0
}

// probeAll probes every enabled metric-declaring integration. Runs on
// enable and on the re-probe cron.
func (r *Recorder) probeAll() {
	instances, err := r.instances.List()
	if err != nil {
		log.Printf("[history] probe list instances: %v", err)
		return
	}
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		p := r.plugins.Get(inst.Type)
		if p == nil || !p.HasMetrics() {
			continue
		}
		r.ProbeIntegration(inst.ID)
	}
}
