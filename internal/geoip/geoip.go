// Package geoip resolves public addresses to coarse locations from a local
// MaxMind-format database. The resolver is optional: a nil *Resolver is
// valid and answers no lookups, so callers annotate unconditionally.
package geoip

import (
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// Location is the annotation attached to media session payloads.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
}

// Info describes the loaded database for the system info endpoint.
type Info struct {
	DatabaseType string    `json:"databaseType"`
	BuildTime    time.Time `json:"buildTime"`
	Path         string    `json:"path"`
}

// record maps the subset of the mmdb city schema the resolver reads.
type record struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// dbReader is the slice of maxminddb.Reader the resolver uses.
type dbReader interface {
	Lookup(ip net.IP, result any) error
	Close() error
}

// Resolver serves lookups from one mmdb file. The reader hot-swaps under an
// RWMutex when Refresh observes a newer file, so in-flight lookups finish
// on the old reader before it closes.
type Resolver struct {
	path string
	open func(path string) (dbReader, Info, error)

	mu      sync.RWMutex
	reader  dbReader
	meta    Info
	modTime time.Time
}

// Open loads the database at path.
func Open(path string) (*Resolver, error) {
	r := &Resolver{path: path, open: mmdbOpen}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func mmdbOpen(path string) (dbReader, Info, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, Info{}, err
	}
	info := Info{
		DatabaseType: db.Metadata.DatabaseType,
		BuildTime:    time.Unix(int64(db.Metadata.BuildEpoch), 0).UTC(),
	}
	return db, info, nil
}

func (r *Resolver) reload() error {
	stat, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("geoip: stat %s: %w", r.path, err)
	}
	reader, meta, err := r.open(r.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", r.path, err)
	}
	meta.Path = r.path

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.meta = meta
	r.modTime = stat.ModTime()
	r.mu.Unlock()
	// All RLock holders on the old reader have released.
	if old != nil {
		old.Close()
	}
	return nil
}

// Refresh reopens the database when the file on disk is newer than the
// loaded one. Wired to a daily scheduler job; safe on a nil resolver.
func (r *Resolver) Refresh() error {
	if r == nil {
		return nil
	}
	stat, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("geoip: stat %s: %w", r.path, err)
	}
	r.mu.RLock()
	current := r.modTime
	r.mu.RUnlock()
	if !stat.ModTime().After(current) {
		return nil
	}
	if err := r.reload(); err != nil {
		return err
	}
	log.Printf("[geoip] database reloaded from %s", r.path)
	return nil
}

// Close releases the reader. Lookups after Close return nothing.
func (r *Resolver) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	old := r.reader
	r.reader = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Lookup resolves one address, given bare or as host:port. Private,
// loopback, and otherwise non-global addresses resolve to nothing, as do
// addresses the database has no country for.
func (r *Resolver) Lookup(addr string) (Location, bool) {
	if r == nil || addr == "" {
		return Location{}, false
	}
	ip, ok := parseAddr(addr)
	if !ok || !publicAddr(ip) {
		return Location{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return Location{}, false
	}
	var rec record
	if err := r.reader.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return Location{}, false
	}
	loc := Location{
		Country: rec.Country.Names["en"],
		City:    rec.City.Names["en"],
	}
	if loc.Country == "" {
		loc.Country = rec.Country.ISOCode
	}
	if loc.Country == "" {
		return Location{}, false
	}
	return loc, true
}

// Info reports metadata of the loaded database. Safe on a nil resolver.
func (r *Resolver) Info() (Info, bool) {
	if r == nil {
		return Info{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return Info{}, false
	}
	return r.meta, true
}

func parseAddr(addr string) (netip.Addr, bool) {
	if ip, err := netip.ParseAddr(addr); err == nil {
		return ip, true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip, true
}

// publicAddr reports whether ip is a globally routable unicast address.
func publicAddr(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(), ip.IsMulticast(), ip.IsUnspecified():
		return false
	}
	return true
}
