package history

import (
	"log"
	"time"
)

// Rows stay in their source tier for this long before the rollup pass
// claims them, so late flushes still land in the right bucket.
const (
	rawSettleSecs   = 120
	minuteSettle    = 600
	oneMinBucketSec = 60
	fiveMinBucket   = 300
)

// RunAggregation rolls settled raw rows into 1min buckets, settled 1min
// rows into 5min buckets, and then enforces retention. Safe to call
// concurrently; passes are single-flighted.
func (r *Recorder) RunAggregation(now time.Time) {
	r.aggMu.Lock()
	defer r.aggMu.Unlock()

	if err := r.aggregateTier(ResolutionRaw, Resolution1Min, now.Unix()-rawSettleSecs, oneMinBucketSec); err != nil {
		log.Printf("[history] aggregate raw: %v", err)
	}
	if err := r.aggregateTier(Resolution1Min, Resolution5Min, now.Unix()-minuteSettle, fiveMinBucket); err != nil {
		log.Printf("[history] aggregate 1min: %v", err)
	}
	r.RunRetention(now)
}

// aggregateTier buckets all rows of resolution from older than olderThan
// into bucketSecs-wide rows of resolution to, then deletes the source rows.
// Averages are weighted by sample count so re-aggregated rows keep their
// true mean.
func (r *Recorder) aggregateTier(from, to string, olderThan, bucketSecs int64) error {
	samples, err := r.store.GetRawForAggregation(from, olderThan)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	type bucketID struct {
		integrationID string
		metricKey     string
		ts            int64
	}
	type bucket struct {
		weightedSum float64
		min         float64
		max         float64
		count       int
	}
	buckets := make(map[bucketID]*bucket)
	var order []bucketID

	for _, s := range samples {
		id := bucketID{
			integrationID: s.IntegrationID,
			metricKey:     s.MetricKey,
			ts:            s.Ts / bucketSecs * bucketSecs,
		}
		b := buckets[id]
		if b == nil {
			b = &bucket{min: s.Min, max: s.Max}
			buckets[id] = b
			order = append(order, id)
		}
		w := s.Count
		if w <= 0 {
			w = 1
		}
		b.weightedSum += s.Avg * float64(w)
		b.count += w
		if s.Min < b.min {
			b.min = s.Min
		}
		if s.Max > b.max {
			b.max = s.Max
		}
	}

	for _, id := range order {
		b := buckets[id]
		avg := b.weightedSum / float64(b.count)
		if err := r.store.InsertAggregated(id.integrationID, id.metricKey, id.ts, to, avg, b.min, b.max, b.count); err != nil {
			// Source rows stay untouched; the next pass retries them.
			return err
		}
	}

	if _, err := r.store.DeleteByResolutionOlderThan(from, olderThan); err != nil {
		return err
	}
	log.Printf("[history] rolled %d %s rows into %d %s buckets", len(samples), from, len(order), to)
	return nil
}

// RunRetention deletes rows older than each integration's configured
// retention window. Integrations present only in the store, such as deleted
// instances, fall back to the default policy and age out too.
func (r *Recorder) RunRetention(now time.Time) {
	ids, err := r.store.IntegrationIDs()
	if err != nil {
		log.Printf("[history] retention: %v", err)
		return
	}
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	for _, id := range ids {
		days := cfg.ForIntegration(id).RetentionDays
		cutoff := now.Unix() - int64(days)*86400
		n, err := r.store.DeleteOlderThan(id, cutoff)
		if err != nil {
			log.Printf("[history] retention %s: %v", id, err)
			continue
		}
		if n > 0 {
			log.Printf("[history] retention pruned %d rows for %s", n, id)
		}
	}
}
