// Package history records numeric metrics from poll payloads into a tiered
// SQLite store and serves range queries over it. Samples buffer in memory
// and flush on a wall timer; an hourly aggregation pass rolls raw points
// into 1-minute and 5-minute buckets and enforces per-integration
// retention. Integrations whose upstream serves its own history are probed
// and proxied instead of recorded.
package history

import (
	"database/sql"
	"fmt"
	"sync"
)

// Resolution tiers of the store.
const (
	ResolutionRaw  = "raw"
	Resolution1Min = "1min"
	Resolution5Min = "5min"
)

// Source record states.
const (
	SourcePending  = "pending"
	SourceInternal = "internal"
	SourceExternal = "external"
)

// Point is one stored sample or bucket. Single raw samples carry Value;
// aggregated rows carry Avg/Min/Max. Ts is seconds since epoch.
type Point struct {
	Ts    int64    `json:"t"`
	Value *float64 `json:"v,omitempty"`
	Avg   *float64 `json:"avg,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Count int      `json:"n,omitempty"`
}

// Sample is a row read back for aggregation, with single-sample rows
// normalized so Avg/Min/Max are always populated.
type Sample struct {
	IntegrationID string
	MetricKey     string
	Ts            int64
	Avg           float64
	Min           float64
	Max           float64
	Count         int
}

// SourceRecord tracks where one metric's history is served from.
type SourceRecord struct {
	IntegrationID string `json:"integrationId"`
	MetricKey     string `json:"metricKey"`
	Source        string `json:"source"`
	LastProbedNs  int64  `json:"lastProbedNs"`
	ProbeStatus   string `json:"probeStatus,omitempty"`
}

// Stats summarizes the store for the storage endpoint.
type Stats struct {
	TotalRows    int64            `json:"totalRows"`
	ByResolution map[string]int64 `json:"byResolution"`
	Integrations int              `json:"integrations"`
	OldestTs     int64            `json:"oldestTs,omitempty"`
	NewestTs     int64            `json:"newestTs,omitempty"`
}

// Repo wraps the history.db tables. The single-connection driver serializes
// access; writes additionally hold an internal mutex so multi-statement
// operations stay coherent.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRepo creates a Repo for the given history.db connection.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// InsertRaw stores a single raw sample. A row already occupying the aligned
// timestamp is overwritten.
func (r *Repo) InsertRaw(integrationID, metricKey string, ts int64, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO metric_history (integration_id, metric_key, ts, resolution, value, sample_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(integration_id, metric_key, resolution, ts) DO UPDATE SET
			value        = excluded.value,
			avg          = NULL,
			min          = NULL,
			max          = NULL,
			sample_count = 1
	`, integrationID, metricKey, ts, ResolutionRaw, value)
	if err != nil {
		return fmt.Errorf("insert raw %s/%s: %w", integrationID, metricKey, err)
	}
	return nil
}

// InsertAggregated stores an aggregated row at the given resolution. The
// flush path uses this with resolution raw when multiple samples share one
// slot; the aggregation pass uses it for 1min and 5min buckets.
func (r *Repo) InsertAggregated(integrationID, metricKey string, ts int64, resolution string, avg, min, max float64, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO metric_history (integration_id, metric_key, ts, resolution, avg, min, max, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(integration_id, metric_key, resolution, ts) DO UPDATE SET
			value        = NULL,
			avg          = excluded.avg,
			min          = excluded.min,
			max          = excluded.max,
			sample_count = excluded.sample_count
	`, integrationID, metricKey, ts, resolution, avg, min, max, count)
	if err != nil {
		return fmt.Errorf("insert %s %s/%s: %w", resolution, integrationID, metricKey, err)
	}
	return nil
}

// Query returns points for one metric at one resolution within [from, to],
// ordered by timestamp.
func (r *Repo) Query(integrationID, metricKey, resolution string, from, to int64) ([]Point, error) {
	rows, err := r.db.Query(`
		SELECT ts, value, avg, min, max, sample_count
		FROM metric_history
		WHERE integration_id = ? AND metric_key = ? AND resolution = ? AND ts >= ? AND ts <= ?
		ORDER BY ts
	`, integrationID, metricKey, resolution, from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s/%s %s: %w", integrationID, metricKey, resolution, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		var value, av, mn, mx sql.NullFloat64
		if err := rows.Scan(&p.Ts, &value, &av, &mn, &mx, &p.Count); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if value.Valid {
			v := value.Float64
			p.Value = &v
		}
		if av.Valid {
			v := av.Float64
			p.Avg = &v
		}
		if mn.Valid {
			v := mn.Float64
			p.Min = &v
		}
		if mx.Valid {
			v := mx.Float64
			p.Max = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRawForAggregation returns every row at the given resolution older than
// the cutoff, normalized for bucketing and ordered for grouping.
func (r *Repo) GetRawForAggregation(resolution string, olderThan int64) ([]Sample, error) {
	rows, err := r.db.Query(`
		SELECT integration_id, metric_key, ts,
		       COALESCE(avg, value, 0), COALESCE(min, value, 0), COALESCE(max, value, 0),
		       sample_count
		FROM metric_history
		WHERE resolution = ? AND ts < ?
		ORDER BY integration_id, metric_key, ts
	`, resolution, olderThan)
	if err != nil {
		return nil, fmt.Errorf("rows for aggregation from %s: %w", resolution, err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.IntegrationID, &s.MetricKey, &s.Ts, &s.Avg, &s.Min, &s.Max, &s.Count); err != nil {
			return nil, fmt.Errorf("scan aggregation row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteByResolutionOlderThan removes consumed source rows after an
// aggregation pass.
func (r *Repo) DeleteByResolutionOlderThan(resolution string, olderThan int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM metric_history WHERE resolution = ? AND ts < ?", resolution, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete %s rows: %w", resolution, err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan enforces retention for one integration across all tiers.
func (r *Repo) DeleteOlderThan(integrationID string, cutoff int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM metric_history WHERE integration_id = ? AND ts < ?", integrationID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention delete for %s: %w", integrationID, err)
	}
	return res.RowsAffected()
}

// DeleteForIntegration drops all stored history for one integration.
func (r *Repo) DeleteForIntegration(integrationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM metric_history WHERE integration_id = ?", integrationID)
	if err != nil {
		return fmt.Errorf("delete history for %s: %w", integrationID, err)
	}
	return nil
}

// DeleteAll empties the history table.
func (r *Repo) DeleteAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM metric_history")
	if err != nil {
		return fmt.Errorf("delete all history: %w", err)
	}
	return nil
}

// IntegrationIDs returns the distinct integration ids present in the store.
// Retention sweeps iterate this so data for deleted instances still ages out.
func (r *Repo) IntegrationIDs() ([]string, error) {
	rows, err := r.db.Query("SELECT DISTINCT integration_id FROM metric_history ORDER BY integration_id")
	if err != nil {
		return nil, fmt.Errorf("list history integrations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetStorageStats summarizes row counts and the covered time span.
func (r *Repo) GetStorageStats() (Stats, error) {
	stats := Stats{ByResolution: make(map[string]int64)}

	rows, err := r.db.Query("SELECT resolution, COUNT(*) FROM metric_history GROUP BY resolution")
	if err != nil {
		return stats, fmt.Errorf("count history rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var res string
		var n int64
		if err := rows.Scan(&res, &n); err != nil {
			return stats, err
		}
		stats.ByResolution[res] = n
		stats.TotalRows += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var integrations int
	if err := r.db.QueryRow("SELECT COUNT(DISTINCT integration_id) FROM metric_history").Scan(&integrations); err != nil {
		return stats, fmt.Errorf("count history integrations: %w", err)
	}
	stats.Integrations = integrations

	var oldest, newest sql.NullInt64
	if err := r.db.QueryRow("SELECT MIN(ts), MAX(ts) FROM metric_history").Scan(&oldest, &newest); err != nil {
		return stats, fmt.Errorf("history time span: %w", err)
	}
	if oldest.Valid {
		stats.OldestTs = oldest.Int64
	}
	if newest.Valid {
		stats.NewestTs = newest.Int64
	}
	return stats, nil
}

// UpsertSource records the probed source for one metric.
func (r *Repo) UpsertSource(rec SourceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO metric_history_sources (integration_id, metric_key, source, last_probed_ns, probe_status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(integration_id, metric_key) DO UPDATE SET
			source         = excluded.source,
			last_probed_ns = excluded.last_probed_ns,
			probe_status   = excluded.probe_status
	`, rec.IntegrationID, rec.MetricKey, rec.Source, rec.LastProbedNs, rec.ProbeStatus)
	if err != nil {
		return fmt.Errorf("upsert source %s/%s: %w", rec.IntegrationID, rec.MetricKey, err)
	}
	return nil
}

// SourceForMetric returns the source record for one metric, or nil.
func (r *Repo) SourceForMetric(integrationID, metricKey string) (*SourceRecord, error) {
	row := r.db.QueryRow(`
		SELECT integration_id, metric_key, source, last_probed_ns, probe_status
		FROM metric_history_sources
		WHERE integration_id = ? AND metric_key = ?
	`, integrationID, metricKey)
	var rec SourceRecord
	err := row.Scan(&rec.IntegrationID, &rec.MetricKey, &rec.Source, &rec.LastProbedNs, &rec.ProbeStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s/%s: %w", integrationID, metricKey, err)
	}
	return &rec, nil
}

// SourcesForIntegration returns every source record for one integration.
func (r *Repo) SourcesForIntegration(integrationID string) ([]SourceRecord, error) {
	rows, err := r.db.Query(`
		SELECT integration_id, metric_key, source, last_probed_ns, probe_status
		FROM metric_history_sources
		WHERE integration_id = ?
		ORDER BY metric_key
	`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("list sources for %s: %w", integrationID, err)
	}
	defer rows.Close()

	var out []SourceRecord
	for rows.Next() {
		var rec SourceRecord
		if err := rows.Scan(&rec.IntegrationID, &rec.MetricKey, &rec.Source, &rec.LastProbedNs, &rec.ProbeStatus); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSourceForMetric prunes one metric's source record.
func (r *Repo) DeleteSourceForMetric(integrationID, metricKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM metric_history_sources WHERE integration_id = ? AND metric_key = ?", integrationID, metricKey)
	if err != nil {
		return fmt.Errorf("delete source %s/%s: %w", integrationID, metricKey, err)
	}
	return nil
}

// DeleteSourcesForIntegration drops all source records for one integration.
func (r *Repo) DeleteSourcesForIntegration(integrationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM metric_history_sources WHERE integration_id = ?", integrationID)
	if err != nil {
		return fmt.Errorf("delete sources for %s: %w", integrationID, err)
	}
	return nil
}

// DeleteAllSources empties the sources table.
func (r *Repo) DeleteAllSources() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM metric_history_sources")
	if err != nil {
		return fmt.Errorf("delete all sources: %w", err)
	}
	return nil
}
