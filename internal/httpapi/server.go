// Package httpapi implements the HTTP surface of spec.md §6: node identity,
// worker self-registration and feedback, validator broadcast endpoints, the
// protocol-level neuron feed, request-status polling, admin dashboards, and
// the worker-side /vpn provisioning entry point. Routing is a bare
// net/http.ServeMux (spec.md explicitly scopes "HTTP routing glue" out of
// the core's concerns; the handlers themselves are where the business logic
// lives), following the teacher's preference for small, directly-testable
// handler functions over a routing framework.
package httpapi

import (
	"context"
	"net/http"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/hoststats"
	"github.com/tpn-federation/core/internal/inventory"
	"github.com/tpn-federation/core/internal/pipeline"
	"github.com/tpn-federation/core/internal/scorer"
	"github.com/tpn-federation/core/internal/ticket"
	"github.com/tpn-federation/core/internal/validators"
)

// IdentityProvider supplies the static fields GET / reports alongside the
// request-time server public address (branch/version/hash are baked in at
// build time; see cmd/tpnoded).
type IdentityProvider func() (branch, version, hash string)

// Deps bundles every dependency the HTTP surface needs. Fields not relevant
// to the configured run mode may be left nil; handlers that need them return
// 501 Not Implemented rather than panicking.
type Deps struct {
	Config *config.Config

	Pipeline   *pipeline.Pipeline
	Validators *validators.Registry
	Challenges *validators.ChallengeStore
	Tickets    *ticket.Store
	Workers    *inventory.Store
	Pools      *scorer.PoolStore

	Identity    IdentityProvider
	HostStats   HostStats
	GeoResolver scorer.GeoResolver
}

// HostStats supplies GET /api/stats' optional host-resource figures,
// implemented by internal/hoststats.Collector.
type HostStats interface {
	Snapshot(ctx context.Context) (hoststats.Snapshot, error)
}

// Server is the HTTP surface's handler set, bound to one set of Deps.
type Server struct {
	deps    Deps
	neurons *neuronState
}

// NewServer builds a Server ready to have its Handler mounted.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:    deps,
		neurons: newNeuronState(),
	}
}

// Handler builds the routed net/http.Handler for the full spec.md §6 surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIdentity)

	mux.HandleFunc("POST /worker", s.handleWorkerRegister)
	mux.HandleFunc("POST /worker/feedback", s.handleWorkerFeedback)

	mux.HandleFunc("POST /validator/broadcast/mining_pool", s.handleValidatorBroadcastMiningPool)
	mux.HandleFunc("POST /validator/broadcast/workers", s.handleValidatorBroadcastWorkers)
	mux.HandleFunc("GET /validator/score/audit/{pool_uid}", s.handleValidatorScoreAudit)

	mux.HandleFunc("POST /protocol/broadcast/neurons", s.handleProtocolBroadcastNeurons)
	mux.HandleFunc("GET /protocol/challenge/{id}", s.handleProtocolChallenge)

	mux.HandleFunc("GET /api/status/request/{request_id}", s.handleRequestStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/pools", s.handleStatsPools)
	mux.HandleFunc("GET /api/stats/workers", s.handleStatsWorkers)

	mux.HandleFunc("GET /vpn", s.handleVPN)

	return mux
}
