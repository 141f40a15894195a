package geoip

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
)

type fakeReader struct {
	calls atomic.Int32
	data  map[string]GeoData
	err   error
}

func (f *fakeReader) Lookup(ip string) (GeoData, error) {
	f.calls.Add(1)
	if f.err != nil {
		return GeoData{}, f.err
	}
	d, ok := f.data[ip]
	if !ok {
		return GeoData{}, fmt.Errorf("no fixture for %s", ip)
	}
	return d, nil
}

func TestResolve_ReturnsCountryCodeFromReader(t *testing.T) {
	reader := &fakeReader{data: map[string]GeoData{"1.2.3.4": {CountryCode: "US", ConnectionType: domain.ConnectionTypeResidential}}}
	r, err := New(reader)
	require.NoError(t, err)

	cc, err := r.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "US", cc)
}

func TestIPGeodata_CachesAcrossRepeatedCalls(t *testing.T) {
	reader := &fakeReader{data: map[string]GeoData{"1.2.3.4": {CountryCode: "DE", Datacenter: true}}}
	r, err := New(reader)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		data, err := r.IPGeodata(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, data.Datacenter)
	}
	assert.Equal(t, int32(1), reader.calls.Load())
}

func TestIPGeodata_PropagatesLookupError(t *testing.T) {
	reader := &fakeReader{err: fmt.Errorf("mmdb closed")}
	r, err := New(reader)
	require.NoError(t, err)

	_, err = r.IPGeodata(context.Background(), "9.9.9.9")
	assert.Error(t, err)
}

func TestMapIPsToGeodata_ToleratesPartialFailures(t *testing.T) {
	reader := &fakeReader{data: map[string]GeoData{"1.1.1.1": {CountryCode: "US"}}}
	r, err := New(reader)
	require.NoError(t, err)

	out, err := r.MapIPsToGeodata(context.Background(), []string{"1.1.1.1", "2.2.2.2"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "US", out["1.1.1.1"].CountryCode)
}
