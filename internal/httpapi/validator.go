package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tpn-federation/core/internal/domain"
)

// handleValidatorBroadcastMiningPool implements POST /validator/broadcast/mining_pool:
// a mining pool registers its own metadata with this validator.
func (s *Server) handleValidatorBroadcastMiningPool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pools == nil {
		writeError(w, http.StatusNotImplemented, "pool store not configured")
		return
	}

	var pool domain.MiningPool
	if err := json.NewDecoder(r.Body).Decode(&pool); err != nil {
		writeError(w, http.StatusBadRequest, "invalid mining pool payload: "+err.Error())
		return
	}
	if pool.MiningPoolUID == "" {
		writeError(w, http.StatusBadRequest, "mining_pool_uid is required")
		return
	}

	if err := s.deps.Pools.Upsert(r.Context(), pool); err != nil {
		writeError(w, http.StatusInternalServerError, "register mining pool: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// workersBroadcastRequest is POST /validator/broadcast/workers' body: a
// pool's complete, authoritative worker list (spec.md §3's sweep-delete
// lifecycle rule applies here, unlike the incremental POST /worker path).
type workersBroadcastRequest struct {
	MiningPoolUID string          `json:"mining_pool_uid"`
	Workers       []domain.Worker `json:"workers"`
}

func (s *Server) handleValidatorBroadcastWorkers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workers == nil {
		writeError(w, http.StatusNotImplemented, "worker inventory not configured")
		return
	}

	var req workersBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workers payload: "+err.Error())
		return
	}
	if req.MiningPoolUID == "" {
		writeError(w, http.StatusBadRequest, "mining_pool_uid is required")
		return
	}

	if err := s.deps.Workers.Write(r.Context(), req.Workers, req.MiningPoolUID); err != nil {
		writeError(w, http.StatusInternalServerError, "write workers: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleValidatorScoreAudit implements GET /validator/score/audit/:pool_uid:
// a full sub-score breakdown for one pool, gated the same way as the stats
// dashboards.
func (s *Server) handleValidatorScoreAudit(w http.ResponseWriter, r *http.Request) {
	if !s.isAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid api_key")
		return
	}
	if s.deps.Pools == nil {
		writeError(w, http.StatusNotImplemented, "pool store not configured")
		return
	}

	uid := r.PathValue("pool_uid")
	pools, err := s.deps.Pools.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list pools: "+err.Error())
		return
	}
	for _, p := range pools {
		if p.MiningPoolUID == uid {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown mining pool")
}
