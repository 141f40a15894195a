// Package federation implements the federation client (C10): fan-out HTTP
// calls across workers, mining pools and validators, with chunked
// first-success semantics, request-id feedback URLs, and retried idempotent
// probes (spec.md §4.10).
package federation

import (
	"net"
	"net/http"
	"time"

	"github.com/tpn-federation/core/internal/domain"
)

// Timeouts for the distinct call shapes spec.md §5 names explicitly.
const (
	IdentityProbeTimeout = 5 * time.Second
	FeedbackPollTimeout  = 10 * time.Second
	RegistrationTimeout  = 30 * time.Second
	BroadcastTimeout     = 60 * time.Second
)

// sharedClient is package-level and reused across every call the client
// makes, grounded on the original validator forwarder's http-utility module
// (SPEC_FULL.md §10): one connection-pooled client beats allocating a fresh
// *http.Client (and its Transport) per request.
var sharedClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost:  32,
		IdleConnTimeout:      90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	},
}

// Client is the federation client (C10). It holds no per-call state beyond
// the ticket store and configuration; all outbound HTTP goes through the
// shared package-level transport.
type Client struct {
	ticket  TicketStore
	cfg     Config
}

// TicketStore is the subset of internal/ticket.Store the client needs, kept
// as an interface so tests can substitute a fake.
type TicketStore interface {
	Mint() string
	Complete(requestID string)
	Status(requestID string) (status domain.RequestTicketStatus, ok bool)
}

// Config bundles the client's static addressing/policy knobs.
type Config struct {
	BaseURL         string // this node's own externally-reachable base URL, used to form feedback_url
	MinerChunkSize  int    // default 10, spec.md §4.10
	ValidatorChunkSize int // default 3
	DefaultPoolURL  string
}

func (c Config) minerChunkSize() int {
	if c.MinerChunkSize > 0 {
		return c.MinerChunkSize
	}
	return 10
}

func (c Config) validatorChunkSize() int {
	if c.ValidatorChunkSize > 0 {
		return c.ValidatorChunkSize
	}
	return 3
}

// New builds a Client.
func New(ticket TicketStore, cfg Config) *Client {
	return &Client{ticket: ticket, cfg: cfg}
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
