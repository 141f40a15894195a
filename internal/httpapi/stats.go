package httpapi

import (
	"net/http"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/hoststats"
	"github.com/tpn-federation/core/internal/inventory"
	"github.com/tpn-federation/core/internal/telemetry"
)

// statsSummary is GET /api/stats' body: a coarse fleet overview plus this
// node's own resource usage, when a HostStats collector is configured.
type statsSummary struct {
	WorkerCount    int `json:"worker_count"`
	WorkersUp      int `json:"workers_up"`
	WorkersDown    int `json:"workers_down"`
	PoolCount      int `json:"pool_count"`
	ValidatorCount int `json:"validator_count"`

	Host *hoststats.Snapshot `json:"host,omitempty"`
}

// handleStats implements GET /api/stats: requires admin api_key or a
// validator-origin caller (spec.md §6).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.isAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid api_key")
		return
	}

	var summary statsSummary
	if s.deps.Workers != nil {
		workers, err := s.deps.Workers.Get(r.Context(), inventory.Query{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list workers: "+err.Error())
			return
		}
		summary.WorkerCount = len(workers)
		for _, worker := range workers {
			switch worker.Status {
			case domain.WorkerStatusUp:
				summary.WorkersUp++
			case domain.WorkerStatusDown:
				summary.WorkersDown++
			}
		}
	}
	if s.deps.Pools != nil {
		pools, err := s.deps.Pools.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list pools: "+err.Error())
			return
		}
		summary.PoolCount = len(pools)
	}
	if s.deps.Validators != nil {
		summary.ValidatorCount = s.deps.Validators.Count()
	}
	if s.deps.HostStats != nil {
		snapshot, err := s.deps.HostStats.Snapshot(r.Context())
		if err != nil {
			telemetry.Warn(r.Context(), "failed to collect host stats", telemetry.Fields{telemetry.FieldError: err.Error()})
		} else {
			summary.Host = &snapshot
		}
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleStatsPools implements GET /api/stats/pools: every known pool with its
// latest composite score.
func (s *Server) handleStatsPools(w http.ResponseWriter, r *http.Request) {
	if !s.isAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid api_key")
		return
	}
	if s.deps.Pools == nil {
		writeError(w, http.StatusNotImplemented, "pool store not configured")
		return
	}

	pools, err := s.deps.Pools.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list pools: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

// handleStatsWorkers implements GET /api/stats/workers: every known worker,
// optionally narrowed by the same filters get_workers supports.
func (s *Server) handleStatsWorkers(w http.ResponseWriter, r *http.Request) {
	if !s.isAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid api_key")
		return
	}
	if s.deps.Workers == nil {
		writeError(w, http.StatusNotImplemented, "worker inventory not configured")
		return
	}

	q := r.URL.Query()
	workers, err := s.deps.Workers.Get(r.Context(), inventory.Query{
		CountryCode:   q.Get("country_code"),
		Status:        domain.WorkerStatus(q.Get("status")),
		MiningPoolUID: q.Get("mining_pool_uid"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list workers: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workers)
}
