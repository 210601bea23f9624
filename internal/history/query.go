package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/manifold-dash/manifold/internal/config"
	"github.com/manifold-dash/manifold/internal/plugin"
)

// QueryResult is the wire shape of a history query.
type QueryResult struct {
	Data           []Point `json:"data"`
	AvailableRange string  `json:"availableRange"`
	Resolution     string  `json:"resolution"`
	Source         string  `json:"source"`
}

const (
	sourceInternal = "internal"
	sourceExternal = "external"
)

// ErrInvalidRange marks a malformed range string, so callers can map it to a
// client error.
var ErrInvalidRange = errors.New("invalid range")

// rangeDuration parses range strings of the form "3h" or "7d".
func rangeDuration(rng string) (time.Duration, error) {
	if len(rng) < 2 {
		return 0, fmt.Errorf("%w %q", ErrInvalidRange, rng)
	}
	n, err := strconv.Atoi(rng[:len(rng)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w %q", ErrInvalidRange, rng)
	}
	switch rng[len(rng)-1] {
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w %q", ErrInvalidRange, rng)
}

// tierFor picks the stored resolution to serve a range from.
func tierFor(d time.Duration) string {
	switch {
	case d <= time.Hour:
		return ResolutionRaw
	case d <= 6*time.Hour:
		return Resolution1Min
	default:
		return Resolution5Min
	}
}

// finerTiers lists the fallback resolutions to try when a tier is empty,
// coarse to fine.
func finerTiers(tier string) []string {
	switch tier {
	case Resolution5Min:
		return []string{Resolution1Min, ResolutionRaw}
	case Resolution1Min:
		return []string{ResolutionRaw}
	}
	return nil
}

// History serves one metric's samples for a named range. External-sourced
// metrics proxy to the upstream history endpoint unless the integration is
// pinned to internal mode; proxy failures fall back to the local store.
func (r *Recorder) History(integrationID, metricKey, rng string) (*QueryResult, error) {
	dur, err := rangeDuration(rng)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	running := r.running
	policy := r.cfg.ForIntegration(integrationID)
	r.mu.Unlock()

	if !running || policy.Mode == config.HistoryModeOff {
		return &QueryResult{
			Data:           []Point{},
			AvailableRange: "0d",
			Resolution:     ResolutionRaw,
			Source:         sourceInternal,
		}, nil
	}

	if policy.Mode != config.HistoryModeInternal {
		rec, err := r.store.SourceForMetric(integrationID, metricKey)
		if err == nil && rec != nil && rec.Source == SourceExternal {
			res, perr := r.proxyExternal(integrationID, metricKey, rng)
			if perr == nil {
				return res, nil
			}
			log.Printf("[history] external proxy %s/%s: %v, serving internal data", integrationID, metricKey, perr)
		}
	}

	now := time.Now().Unix()
	from := now - int64(dur/time.Second)
	tier := tierFor(dur)
	points, used, err := r.queryWithFallback(integrationID, metricKey, tier, from, now)
	if err != nil {
		return nil, err
	}
	return &QueryResult{
		Data:           points,
		AvailableRange: fmt.Sprintf("%dd", policy.RetentionDays),
		Resolution:     used,
		Source:         sourceInternal,
	}, nil
}

// queryWithFallback tries the preferred tier and walks toward finer ones
// while the result is empty, so young deployments still chart long ranges.
func (r *Recorder) queryWithFallback(integrationID, metricKey, tier string, from, to int64) ([]Point, string, error) {
	points, err := r.store.Query(integrationID, metricKey, tier, from, to)
	if err != nil {
		return nil, "", err
	}
	for _, finer := range finerTiers(tier) {
		if len(points) > 0 {
			break
		}
		points, err = r.store.Query(integrationID, metricKey, finer, from, to)
		if err != nil {
			return nil, "", err
		}
		tier = finer
	}
	if points == nil {
		points = []Point{}
	}
	return points, tier, nil
}

// proxyExternal fetches history from the integration's own endpoint through
// its adapter and normalizes the response.
func (r *Recorder) proxyExternal(integrationID, metricKey, rng string) (*QueryResult, error) {
	inst, err := r.instances.GetByID(integrationID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("no instance %s", integrationID)
	}
	p := r.plugins.Get(inst.Type)
	if p == nil {
		return nil, fmt.Errorf("no plugin %s", inst.Type)
	}
	m := p.MetricByKey(metricKey)
	if m == nil || m.HistoryProbe == nil {
		return nil, fmt.Errorf("metric %s has no history endpoint", metricKey)
	}

	params := make(map[string]string, len(m.HistoryProbe.Params)+1)
	for k, v := range m.HistoryProbe.Params {
		params[k] = v
	}
	params["range"] = rng

	ctx, cancel := context.WithTimeout(context.Background(), r.proxyTimeout)
	defer cancel()
	resp, err := p.Adapter.Get(ctx, *inst, m.HistoryProbe.Path,
		plugin.WithParams(params), plugin.WithTimeout(r.proxyTimeout))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("empty upstream body")
	}
	return normalizeExternal(resp.Body, rng)
}

// normalizeExternal converts an upstream history response into the local
// wire shape. Accepts either a bare point array or a {data: [...]} wrapper,
// with t/timestamp/ts and v/value field spellings.
func normalizeExternal(body []byte, rng string) (*QueryResult, error) {
	var wrapper struct {
		Data           json.RawMessage `json:"data"`
		AvailableRange string          `json:"availableRange"`
		Resolution     string          `json:"resolution"`
	}
	raw := body
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Data != nil {
		raw = wrapper.Data
	}

	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("unrecognized upstream shape: %w", err)
	}

	points := make([]Point, 0, len(rows))
	for _, row := range rows {
		ts, ok := fieldNumber(row, "t", "timestamp", "ts")
		if !ok {
			continue
		}
		pt := Point{Ts: toUnixSeconds(int64(ts))}
		if v, ok := fieldNumber(row, "v", "value"); ok {
			pt.Value = &v
		}
		if v, ok := fieldNumber(row, "avg"); ok {
			pt.Avg = &v
		}
		if v, ok := fieldNumber(row, "min"); ok {
			pt.Min = &v
		}
		if v, ok := fieldNumber(row, "max"); ok {
			pt.Max = &v
		}
		if v, ok := fieldNumber(row, "n", "count"); ok {
			pt.Count = int(v)
		}
		if pt.Value == nil && pt.Avg == nil {
			continue
		}
		points = append(points, pt)
	}

	res := &QueryResult{
		Data:           points,
		AvailableRange: wrapper.AvailableRange,
		Resolution:     strings.ToLower(wrapper.Resolution),
		Source:         sourceExternal,
	}
	if res.AvailableRange == "" {
		res.AvailableRange = rng
	}
	if res.Resolution == "" {
		res.Resolution = ResolutionRaw
	}
	return res, nil
}

func fieldNumber(row map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			if f, ok := toFinite(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// toUnixSeconds accepts second or millisecond timestamps.
func toUnixSeconds(ts int64) int64 {
	if ts > 1e12 {
		return ts / 1000
	}
	return ts
}
