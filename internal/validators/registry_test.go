package validators

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
)

func strp(s string) *string { return &s }

func TestIsValidator_MatchesUnspoofableAddressOnly(t *testing.T) {
	r := NewRegistry()
	r.Replace([]domain.ValidatorDescriptor{{UID: strp("9"), IP: "198.51.100.7"}})

	req := httptest.NewRequest(http.MethodPost, "/worker/feedback", nil)
	req.RemoteAddr = "198.51.100.7:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.99")

	v, ok := r.IsValidator(req)
	require.True(t, ok)
	assert.Equal(t, "9", *v.UID)
}

func TestIsValidator_SpoofedForwardedForNeverTrusted(t *testing.T) {
	r := NewRegistry()
	r.Replace([]domain.ValidatorDescriptor{{UID: strp("9"), IP: "198.51.100.7"}})

	req := httptest.NewRequest(http.MethodPost, "/worker/feedback", nil)
	req.RemoteAddr = "203.0.113.99:11111"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	_, ok := r.IsValidator(req)
	assert.False(t, ok)
}

func TestReplace_PatchesZeroIPFromFallback(t *testing.T) {
	r := NewRegistry()
	r.Replace([]domain.ValidatorDescriptor{{UID: strp("1"), IP: "0.0.0.0"}})
	assert.Equal(t, fallbackValidators[0].IP, r.IPs()[0])
}

func TestCount_ExcludesTestNetEntries(t *testing.T) {
	r := NewRegistry()
	r.Replace([]domain.ValidatorDescriptor{
		{UID: strp("1"), IP: "198.51.100.1"},
		{UID: nil, IP: "198.51.100.2"},
	})
	assert.Equal(t, 1, r.Count())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:1"
	_, ok := r.IsValidator(req)
	assert.True(t, ok, "test-net entries are retained for IsValidator")
}

func TestUnspoofableIP_StripsV4MappedPrefix(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::ffff:198.51.100.7]:443"
	assert.Equal(t, "198.51.100.7", UnspoofableIP(req))
}
