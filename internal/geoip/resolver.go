// Package geoip implements the geolocation resolver (C13): an in-memory
// cache in front of a MaxMind GeoLite2 .mmdb file, grounded on
// p2p/p2p_stats.go's ristretto + singleflight pattern (spec.md §4.13).
package geoip

import (
	"context"
	"fmt"
	"net"
	"time"

	ristretto "github.com/dgraph-io/ristretto/v2"
	"github.com/oschwald/geoip2-golang"
	"golang.org/x/sync/singleflight"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/telemetry"
)

const cacheTTL = 24 * time.Hour

// GeoData is the typed result ip_geodata returns (spec.md §4.13; "the
// implementation is free, only the typed result matters").
type GeoData struct {
	CountryCode    string
	ConnectionType domain.ConnectionType
	Datacenter     bool
}

// Reader abstracts the backing .mmdb lookup so tests can substitute a fake
// instead of shipping a real MaxMind database.
type Reader interface {
	Lookup(ip string) (GeoData, error)
}

// Resolver is the C13 geolocation resolver: a ristretto hot cache in front
// of a singleflight group that collapses concurrent misses for the same IP
// into one underlying Reader.Lookup call.
type Resolver struct {
	cache  *ristretto.Cache[string, GeoData]
	sf     singleflight.Group
	reader Reader
}

// New builds a Resolver backed by reader.
func New(reader Reader) (*Resolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, GeoData]{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("geoip: build cache: %w", err)
	}
	return &Resolver{cache: cache, reader: reader}, nil
}

// Resolve implements scorer.GeoResolver: returns just the country code, the
// subset score_all_known_workers needs when refreshing a worker's geodata.
func (r *Resolver) Resolve(ctx context.Context, ip string) (string, error) {
	data, err := r.IPGeodata(ctx, ip)
	if err != nil {
		return "", err
	}
	return data.CountryCode, nil
}

// IPGeodata implements ip_geodata: cache-first lookup, deduped across
// concurrent callers for the same ip via singleflight.
func (r *Resolver) IPGeodata(ctx context.Context, ip string) (GeoData, error) {
	if v, ok := r.cache.Get(ip); ok {
		return v, nil
	}

	v, err, _ := r.sf.Do(ip, func() (any, error) {
		data, err := r.reader.Lookup(ip)
		if err != nil {
			return GeoData{}, err
		}
		r.cache.SetWithTTL(ip, data, 1, cacheTTL)
		r.cache.Wait() // ensure the write is visible to the next Get before we return
		return data, nil
	})
	if err != nil {
		return GeoData{}, fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	return v.(GeoData), nil
}

// MapIPsToGeodata implements map_ips_to_geodata: batch-warms the cache for
// every ip, tolerating individual lookup failures (logged, not fatal to the
// batch) since callers use this to pre-warm rather than to assert coverage.
func (r *Resolver) MapIPsToGeodata(ctx context.Context, ips []string) (map[string]GeoData, error) {
	out := make(map[string]GeoData, len(ips))
	for _, ip := range ips {
		data, err := r.IPGeodata(ctx, ip)
		if err != nil {
			telemetry.Warn(ctx, "geoip: batch warm failed for ip", telemetry.Fields{"ip": ip, "error": err.Error()})
			continue
		}
		out[ip] = data
	}
	return out, nil
}

// MaxMindReader is the production Reader, backed by an open GeoLite2 City
// .mmdb file (github.com/oschwald/geoip2-golang).
type MaxMindReader struct {
	db *geoip2.Reader
}

// OpenMaxMind opens the .mmdb file at path.
func OpenMaxMind(path string) (*MaxMindReader, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &MaxMindReader{db: db}, nil
}

func (m *MaxMindReader) Close() error {
	return m.db.Close()
}

func (m *MaxMindReader) Lookup(ip string) (GeoData, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return GeoData{}, fmt.Errorf("invalid ip %q", ip)
	}
	record, err := m.db.City(parsed)
	if err != nil {
		return GeoData{}, err
	}
	data := GeoData{
		CountryCode:    record.Country.IsoCode,
		ConnectionType: domain.ConnectionTypeUnknown,
	}
	if record.Traits.IsHostingProvider {
		data.Datacenter = true
		data.ConnectionType = domain.ConnectionTypeDatacenter
	} else if data.CountryCode != "" {
		data.ConnectionType = domain.ConnectionTypeResidential
	}
	return data, nil
}
