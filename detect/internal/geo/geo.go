// Package geo resolves public addresses to a location for alert enrichment.
package geo

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Enricher looks up the location of an address. It returns nil when the
// address is private or unknown.
type Enricher interface {
	Lookup(addr netip.Addr) *models.Geo
}

// CityReader is the subset of *geoip2.Reader used here.
type CityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// MaxMind reads a GeoLite2/GeoIP2 City database. Results are cached per
// address up to a fixed number of entries.
type MaxMind struct {
	db CityReader

	mu    sync.Mutex
	cache map[netip.Addr]*models.Geo
	limit int
}

const defaultCacheSize = 65536

// Open opens the database at path.
func Open(path string) (*MaxMind, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return NewMaxMind(db), nil
}

// NewMaxMind wraps an opened reader.
func NewMaxMind(db CityReader) *MaxMind {
	return &MaxMind{db: db, cache: make(map[netip.Addr]*models.Geo), limit: defaultCacheSize}
}

func (m *MaxMind) Lookup(addr netip.Addr) *models.Geo {
	if !Public(addr) {
		return nil
	}
	m.mu.Lock()
	if g, ok := m.cache[addr]; ok {
		m.mu.Unlock()
		return g
	}
	m.mu.Unlock()

	rec, err := m.db.City(net.IP(addr.AsSlice()))
	var g *models.Geo
	if err == nil && rec.Country.IsoCode != "" {
		g = &models.Geo{
			Country: rec.Country.IsoCode,
			City:    rec.City.Names["en"],
			Lat:     rec.Location.Latitude,
			Lon:     rec.Location.Longitude,
		}
	}

	m.mu.Lock()
	if len(m.cache) >= m.limit {
		clear(m.cache)
	}
	m.cache[addr] = g
	m.mu.Unlock()
	return g
}

// Close releases the database.
func (m *MaxMind) Close() error { return m.db.Close() }

// Public reports whether addr is globally routable.
func Public(addr netip.Addr) bool {
	return addr.IsValid() && addr.IsGlobalUnicast() && !addr.IsPrivate()
}

// Enrich returns a copy of a with source and destination locations filled
// in. a is returned unchanged when nothing resolves.
func Enrich(e Enricher, a *models.Alert) *models.Alert {
	if e == nil {
		return a
	}
	src := lookupString(e, a.Source)
	dst := lookupString(e, a.Destination)
	if src == nil && dst == nil {
		return a
	}
	out := a.Clone()
	out.SourceGeo = src
	out.DestinationGeo = dst
	return out
}

func lookupString(e Enricher, s string) *models.Geo {
	if s == "" {
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil
	}
	return e.Lookup(addr)
}
