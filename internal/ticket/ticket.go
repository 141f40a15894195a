// Package ticket implements the RequestTicket store described in spec.md §3:
// a transient, in-memory, TTL-backed map of request_id to pending/complete,
// used by the federation client so a losing worker in a fan-out can observe
// that another worker already won and release its lease.
package ticket

import (
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/tpn-federation/core/internal/domain"
)

const defaultTTL = 60 * time.Second

// Store tracks in-flight federation requests by request_id.
type Store struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// New builds a Store. ttl of 0 uses the spec's default 60s TTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		cache: gocache.New(ttl, ttl*2),
		ttl:   ttl,
	}
}

// Mint creates a new pending ticket and returns its request_id.
func (s *Store) Mint() string {
	id := uuid.NewString()
	s.cache.Set(id, domain.RequestTicketPending, s.ttl)
	return id
}

// Complete marks a request_id as complete, the signal a losing sibling in a
// fan-out watches for via its feedback_url poll.
func (s *Store) Complete(requestID string) {
	s.cache.Set(requestID, domain.RequestTicketComplete, s.ttl)
}

// Status returns the current status of requestID, or false if it is unknown
// (never minted, or its TTL has expired).
func (s *Store) Status(requestID string) (domain.RequestTicketStatus, bool) {
	v, ok := s.cache.Get(requestID)
	if !ok {
		return "", false
	}
	return v.(domain.RequestTicketStatus), true
}
