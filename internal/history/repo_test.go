package history

import (
	"testing"

	"github.com/manifold-dash/manifold/internal/state"
)

func testRepo(t *testing.T) *Repo {
	t.Helper()
	stores, closer, err := state.PersistenceBootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("persistence bootstrap: %v", err)
	}
	t.Cleanup(func() { closer.Close() })
	return NewRepo(stores.HistoryDB)
}

func TestInsertAndQueryRaw(t *testing.T) {
	repo := testRepo(t)

	if err := repo.InsertRaw("g1", "cpu.total", 1000, 42.5); err != nil {
		t.Fatalf("insert raw: %v", err)
	}
	if err := repo.InsertRaw("g1", "cpu.total", 1015, 43.5); err != nil {
		t.Fatalf("insert raw: %v", err)
	}

	points, err := repo.Query("g1", "cpu.total", ResolutionRaw, 0, 2000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if points[0].Ts != 1000 || points[1].Ts != 1015 {
		t.Fatalf("points out of order: %d, %d", points[0].Ts, points[1].Ts)
	}
	if points[0].Value == nil || *points[0].Value != 42.5 {
		t.Fatalf("unexpected first value: %+v", points[0])
	}
	if points[0].Avg != nil {
		t.Fatalf("raw single sample should not carry avg")
	}
	if points[0].Count != 1 {
		t.Fatalf("expected sample count 1, got %d", points[0].Count)
	}

	// Range bounds are inclusive.
	points, err = repo.Query("g1", "cpu.total", ResolutionRaw, 1015, 1015)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) != 1 || points[0].Ts != 1015 {
		t.Fatalf("inclusive range query failed: %+v", points)
	}
}

func TestInsertRawOverwritesSlot(t *testing.T) {
	repo := testRepo(t)

	if err := repo.InsertAggregated("g1", "cpu.total", 1000, ResolutionRaw, 10, 5, 15, 3); err != nil {
		t.Fatalf("insert aggregated: %v", err)
	}
	if err := repo.InsertRaw("g1", "cpu.total", 1000, 99); err != nil {
		t.Fatalf("insert raw over aggregated: %v", err)
	}

	points, err := repo.Query("g1", "cpu.total", ResolutionRaw, 1000, 1000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	p := points[0]
	if p.Value == nil || *p.Value != 99 {
		t.Fatalf("overwrite did not take: %+v", p)
	}
	if p.Avg != nil || p.Min != nil || p.Max != nil {
		t.Fatalf("aggregate columns should be cleared: %+v", p)
	}
	if p.Count != 1 {
		t.Fatalf("expected sample count reset to 1, got %d", p.Count)
	}
}

func TestInsertAggregated(t *testing.T) {
	repo := testRepo(t)

	if err := repo.InsertAggregated("g1", "cpu.total", 600, Resolution1Min, 15, 10, 20, 4); err != nil {
		t.Fatalf("insert aggregated: %v", err)
	}

	points, err := repo.Query("g1", "cpu.total", Resolution1Min, 0, 1000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	p := points[0]
	if p.Value != nil {
		t.Fatalf("aggregated row should not carry value: %+v", p)
	}
	if p.Avg == nil || *p.Avg != 15 || p.Min == nil || *p.Min != 10 || p.Max == nil || *p.Max != 20 {
		t.Fatalf("unexpected aggregate columns: %+v", p)
	}
	if p.Count != 4 {
		t.Fatalf("expected count 4, got %d", p.Count)
	}

	// Resolutions do not bleed into each other.
	points, err = repo.Query("g1", "cpu.total", ResolutionRaw, 0, 1000)
	if err != nil {
		t.Fatalf("query raw: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("raw tier should be empty, got %d points", len(points))
	}
}

func TestGetRawForAggregationNormalizes(t *testing.T) {
	repo := testRepo(t)

	if err := repo.InsertRaw("g1", "cpu.total", 100, 4); err != nil {
		t.Fatalf("insert raw: %v", err)
	}
	if err := repo.InsertAggregated("g1", "cpu.total", 115, ResolutionRaw, 6, 2, 10, 3); err != nil {
		t.Fatalf("insert aggregated: %v", err)
	}
	if err := repo.InsertRaw("g1", "cpu.total", 5000, 7); err != nil {
		t.Fatalf("insert recent raw: %v", err)
	}

	samples, err := repo.GetRawForAggregation(ResolutionRaw, 1000)
	if err != nil {
		t.Fatalf("rows for aggregation: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 settled samples, got %d", len(samples))
	}
	s := samples[0]
	if s.Ts != 100 || s.Avg != 4 || s.Min != 4 || s.Max != 4 || s.Count != 1 {
		t.Fatalf("single sample not normalized: %+v", s)
	}
	s = samples[1]
	if s.Ts != 115 || s.Avg != 6 || s.Min != 2 || s.Max != 10 || s.Count != 3 {
		t.Fatalf("aggregated sample mangled: %+v", s)
	}
}

func TestDeleteByResolutionOlderThan(t *testing.T) {
	repo := testRepo(t)

	for _, ts := range []int64{100, 200, 5000} {
		if err := repo.InsertRaw("g1", "cpu.total", ts, 1); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := repo.InsertAggregated("g1", "cpu.total", 100, Resolution1Min, 1, 1, 1, 1); err != nil {
		t.Fatalf("insert 1min: %v", err)
	}

	n, err := repo.DeleteByResolutionOlderThan(ResolutionRaw, 1000)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", n)
	}

	points, err := repo.Query("g1", "cpu.total", ResolutionRaw, 0, 10000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) != 1 || points[0].Ts != 5000 {
		t.Fatalf("recent raw row should survive: %+v", points)
	}
	points, err = repo.Query("g1", "cpu.total", Resolution1Min, 0, 10000)
	if err != nil {
		t.Fatalf("query 1min: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("other resolutions must be untouched: %+v", points)
	}
}

func TestDeleteOlderThanSpansTiers(t *testing.T) {
	repo := testRepo(t)

	if err := repo.InsertRaw("g1", "cpu.total", 100, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.InsertAggregated("g1", "cpu.total", 100, Resolution5Min, 1, 1, 1, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.InsertRaw("g2", "cpu.total", 100, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := repo.DeleteOlderThan("g1", 1000)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", n)
	}

	if ids, err := repo.IntegrationIDs(); err != nil || len(ids) != 1 || ids[0] != "g2" {
		t.Fatalf("other integration must survive: %v, %v", ids, err)
	}
}

func TestDeleteForIntegrationAndAll(t *testing.T) {
	repo := testRepo(t)

	if err := repo.InsertRaw("g1", "cpu.total", 100, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.InsertRaw("g2", "cpu.total", 100, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := repo.DeleteForIntegration("g1"); err != nil {
		t.Fatalf("delete integration: %v", err)
	}
	ids, err := repo.IntegrationIDs()
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "g2" {
		t.Fatalf("expected only g2, got %v", ids)
	}

	if err := repo.DeleteAll(); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	ids, err = repo.IntegrationIDs()
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty store, got %v", ids)
	}
}

func TestStorageStats(t *testing.T) {
	repo := testRepo(t)

	stats, err := repo.GetStorageStats()
	if err != nil {
		t.Fatalf("stats on empty store: %v", err)
	}
	if stats.TotalRows != 0 || stats.Integrations != 0 {
		t.Fatalf("empty store stats wrong: %+v", stats)
	}

	if err := repo.InsertRaw("g1", "cpu.total", 100, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.InsertRaw("g2", "cpu.total", 500, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.InsertAggregated("g1", "cpu.total", 300, Resolution1Min, 1, 1, 1, 2); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stats, err = repo.GetStorageStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRows != 3 {
		t.Fatalf("expected 3 rows, got %d", stats.TotalRows)
	}
	if stats.ByResolution[ResolutionRaw] != 2 || stats.ByResolution[Resolution1Min] != 1 {
		t.Fatalf("per-resolution counts wrong: %+v", stats.ByResolution)
	}
	if stats.Integrations != 2 {
		t.Fatalf("expected 2 integrations, got %d", stats.Integrations)
	}
	if stats.OldestTs != 100 || stats.NewestTs != 500 {
		t.Fatalf("time span wrong: %+v", stats)
	}
}

func TestSourceRecords(t *testing.T) {
	repo := testRepo(t)

	rec, err := repo.SourceForMetric("g1", "cpu.total")
	if err != nil {
		t.Fatalf("get missing source: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for unknown source, got %+v", rec)
	}

	if err := repo.UpsertSource(SourceRecord{
		IntegrationID: "g1", MetricKey: "cpu.total", Source: SourceInternal, LastProbedNs: 10,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpsertSource(SourceRecord{
		IntegrationID: "g1", MetricKey: "mem.used", Source: SourceExternal, LastProbedNs: 20, ProbeStatus: "ok",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err = repo.SourceForMetric("g1", "mem.used")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if rec == nil || rec.Source != SourceExternal || rec.ProbeStatus != "ok" || rec.LastProbedNs != 20 {
		t.Fatalf("unexpected source record: %+v", rec)
	}

	// Upsert replaces in place.
	if err := repo.UpsertSource(SourceRecord{
		IntegrationID: "g1", MetricKey: "mem.used", Source: SourceInternal, LastProbedNs: 30, ProbeStatus: "failed",
	}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	rec, err = repo.SourceForMetric("g1", "mem.used")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if rec.Source != SourceInternal || rec.ProbeStatus != "failed" || rec.LastProbedNs != 30 {
		t.Fatalf("upsert did not replace: %+v", rec)
	}

	all, err := repo.SourcesForIntegration("g1")
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(all) != 2 || all[0].MetricKey != "cpu.total" || all[1].MetricKey != "mem.used" {
		t.Fatalf("unexpected source list: %+v", all)
	}

	if err := repo.DeleteSourceForMetric("g1", "cpu.total"); err != nil {
		t.Fatalf("delete source: %v", err)
	}
	all, err = repo.SourcesForIntegration("g1")
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(all) != 1 || all[0].MetricKey != "mem.used" {
		t.Fatalf("delete did not prune: %+v", all)
	}

	if err := repo.DeleteSourcesForIntegration("g1"); err != nil {
		t.Fatalf("delete integration sources: %v", err)
	}
	all, err = repo.SourcesForIntegration("g1")
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no sources, got %+v", all)
	}

	if err := repo.UpsertSource(SourceRecord{
		IntegrationID: "g2", MetricKey: "value", Source: SourcePending,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.DeleteAllSources(); err != nil {
		t.Fatalf("delete all sources: %v", err)
	}
	all, err = repo.SourcesForIntegration("g2")
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("delete all left sources: %+v", all)
	}
}
