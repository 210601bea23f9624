package geoip

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// mockReader serves a fixed record for every lookup.
type mockReader struct {
	mu      sync.Mutex
	country string
	city    string
	closed  bool
}

func (m *mockReader) Lookup(_ net.IP, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := result.(*record)
	rec.Country.Names = map[string]string{"en": m.country}
	rec.City.Names = map[string]string{"en": m.city}
	return nil
}

func (m *mockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockReader) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestLookupNilResolver(t *testing.T) {
	var r *Resolver
	if _, ok := r.Lookup("8.8.8.8"); ok {
		t.Fatal("nil resolver must not resolve")
	}
	if err := r.Refresh(); err != nil {
		t.Fatalf("nil refresh: %v", err)
	}
	r.Close()
	if _, ok := r.Info(); ok {
		t.Fatal("nil resolver has no info")
	}
}

func TestLookupPublicAddress(t *testing.T) {
	r := &Resolver{reader: &mockReader{country: "Germany", city: "Berlin"}}

	loc, ok := r.Lookup("93.184.216.34")
	if !ok {
		t.Fatal("expected a location for a public address")
	}
	if loc.Country != "Germany" || loc.City != "Berlin" {
		t.Fatalf("unexpected location: %+v", loc)
	}

	// host:port form resolves too.
	loc, ok = r.Lookup("93.184.216.34:32400")
	if !ok || loc.Country != "Germany" {
		t.Fatalf("host:port address should resolve: %+v, %v", loc, ok)
	}
}

func TestLookupSkipsNonGlobalAddresses(t *testing.T) {
	r := &Resolver{reader: &mockReader{country: "Germany"}}

	for _, addr := range []string{
		"192.168.1.10",
		"10.0.0.5",
		"172.16.0.1",
		"127.0.0.1",
		"169.254.1.1",
		"224.0.0.1",
		"0.0.0.0",
		"::1",
		"fe80::1",
		"fd00::1",
		"not-an-ip",
		"",
	} {
		if _, ok := r.Lookup(addr); ok {
			t.Fatalf("address %q must not resolve", addr)
		}
	}
}

func TestLookupCountryFallsBackToISOCode(t *testing.T) {
	r := &Resolver{reader: isoOnlyReader{}}
	loc, ok := r.Lookup("8.8.8.8")
	if !ok || loc.Country != "US" || loc.City != "" {
		t.Fatalf("expected ISO fallback, got %+v, %v", loc, ok)
	}
}

// isoOnlyReader returns a record carrying only a country code.
type isoOnlyReader struct{}

func (isoOnlyReader) Lookup(_ net.IP, result any) error {
	result.(*record).Country.ISOCode = "US"
	return nil
}

func (isoOnlyReader) Close() error { return nil }

// emptyReader returns a record with no country at all.
type emptyReader struct{}

func (emptyReader) Lookup(net.IP, any) error { return nil }
func (emptyReader) Close() error             { return nil }

func TestLookupMissReturnsNothing(t *testing.T) {
	r := &Resolver{reader: emptyReader{}}
	if _, ok := r.Lookup("8.8.8.8"); ok {
		t.Fatal("a record without a country is a miss")
	}
}

func TestRefreshSwapsReaderOnNewerFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "city.mmdb")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	old := &mockReader{country: "Germany"}
	replacement := &mockReader{country: "Japan"}
	opens := 0
	r := &Resolver{
		path:   path,
		reader: old,
		open: func(string) (dbReader, Info, error) {
			opens++
			return replacement, Info{DatabaseType: "test-city"}, nil
		},
	}
	// Loaded snapshot predates the file on disk.
	r.modTime = time.Now().Add(-time.Hour)

	if err := r.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if opens != 1 {
		t.Fatalf("expected one reopen, got %d", opens)
	}
	if !old.isClosed() {
		t.Fatal("old reader should be closed after swap")
	}
	if loc, ok := r.Lookup("8.8.8.8"); !ok || loc.Country != "Japan" {
		t.Fatalf("lookup should use the new reader: %+v, %v", loc, ok)
	}
	if info, ok := r.Info(); !ok || info.DatabaseType != "test-city" || info.Path != path {
		t.Fatalf("metadata not updated: %+v, %v", info, ok)
	}

	// Unchanged file is a no-op.
	if err := r.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if opens != 1 {
		t.Fatalf("unchanged file must not reopen, got %d opens", opens)
	}
}

func TestCloseClearsReader(t *testing.T) {
	reader := &mockReader{country: "Germany"}
	r := &Resolver{reader: reader}
	r.Close()

	if !reader.isClosed() {
		t.Fatal("reader should be closed")
	}
	if _, ok := r.Lookup("8.8.8.8"); ok {
		t.Fatal("lookups after close must miss")
	}
	if _, ok := r.Info(); ok {
		t.Fatal("info after close must miss")
	}
}

func TestConcurrentLookupDuringReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "city.mmdb")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := &Resolver{
		path:   path,
		reader: &mockReader{country: "Germany"},
		open: func(string) (dbReader, Info, error) {
			return &mockReader{country: "Japan"}, Info{}, nil
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loc, ok := r.Lookup("8.8.8.8")
			if !ok || (loc.Country != "Germany" && loc.Country != "Japan") {
				t.Errorf("unexpected lookup result: %+v, %v", loc, ok)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.reload(); err != nil {
			t.Errorf("reload: %v", err)
		}
	}()
	wg.Wait()
}
