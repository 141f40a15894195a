// Package validators maintains the last-known validator set pushed by the
// upstream neuron broadcast, with a hard-coded bootstrap fallback (C6), and
// the challenge/response anchoring table supplementing it per spec.md §10.
package validators

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/tpn-federation/core/internal/domain"
)

// fallbackValidators is the hard-coded bootstrap list consulted before the
// upstream neuron has ever pushed a broadcast, and used to patch any entry
// whose reported ip is the placeholder "0.0.0.0".
var fallbackValidators = []domain.ValidatorDescriptor{
	{UID: strPtr("1"), IP: "163.172.164.213"},
	{UID: strPtr("2"), IP: "51.158.178.2"},
	{UID: strPtr("3"), IP: "94.130.54.24"},
}

func strPtr(s string) *string { return &s }

// Registry holds the live validator list and answers membership queries.
type Registry struct {
	mu         sync.RWMutex
	validators []domain.ValidatorDescriptor
}

// NewRegistry seeds a registry with the hard-coded fallback list.
func NewRegistry() *Registry {
	return &Registry{validators: append([]domain.ValidatorDescriptor(nil), fallbackValidators...)}
}

// Replace installs a freshly-broadcast validator list, patching any entry
// whose ip is "0.0.0.0" from the fallback list by matching position, per
// spec.md §4.6.
func (r *Registry) Replace(incoming []domain.ValidatorDescriptor) {
	patched := make([]domain.ValidatorDescriptor, len(incoming))
	for i, v := range incoming {
		if v.IP == "0.0.0.0" && i < len(fallbackValidators) {
			v.IP = fallbackValidators[i].IP
		}
		patched[i] = v
	}
	r.mu.Lock()
	r.validators = patched
	r.mu.Unlock()
}

// IPs returns every known validator's ip, test-net entries included.
func (r *Registry) IPs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ips := make([]string, 0, len(r.validators))
	for _, v := range r.validators {
		ips = append(ips, v.IP)
	}
	return ips
}

// Count returns the number of non-test-net validators (uid != nil); test-net
// entries are excluded from the count but still honored by IsValidator.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.validators {
		if v.UID != nil {
			n++
		}
	}
	return n
}

// IsValidator checks req's unspoofable remote address against the known
// validator ip set, returning the matching descriptor. Spoofable headers
// such as X-Forwarded-For are never consulted (spec.md §8 invariant 6).
func (r *Registry) IsValidator(req *http.Request) (domain.ValidatorDescriptor, bool) {
	ip := UnspoofableIP(req)
	if ip == "" {
		return domain.ValidatorDescriptor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.validators {
		if v.IP == ip {
			return v, true
		}
	}
	return domain.ValidatorDescriptor{}, false
}

// UnspoofableIP extracts the real peer address from req.RemoteAddr, stripping
// the "::ffff:"-mapped IPv6 prefix via net.IP.To4() so dual-stack listeners
// normalize to the same representation a direct IPv4 client would present.
// Header-derived addresses (X-Forwarded-For, X-Real-IP) are deliberately
// never consulted here.
func UnspoofableIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
