package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/federation"
	"github.com/tpn-federation/core/internal/inventory"
	"github.com/tpn-federation/core/internal/pipeline"
	"github.com/tpn-federation/core/internal/telemetry"
	"github.com/tpn-federation/core/internal/validators"
)

// workerRegisterRequest is the payload a worker posts to register itself.
// The worker's ip is deliberately not a field here: it is always derived
// from the connection's unspoofable remote address, never trusted from the
// body -- the same spoof-resistance reason handleWorkerFeedback applies to
// the caller's own identity.
type workerRegisterRequest struct {
	WireGuardConfig string `json:"wireguard_config"`
	SOCKS5Config    string `json:"socks5_config"`
	MiningPoolURL   string `json:"mining_pool_url"`
}

type workerRegisterResponse struct {
	Registered bool                 `json:"registered"`
	Worker     workerRegisterWorker `json:"worker"`
}

type workerRegisterWorker struct {
	IP     string              `json:"ip"`
	Status domain.WorkerStatus `json:"status"`
}

// handleWorkerRegister implements POST /worker: a worker self-registers
// with its pool. Both configs are mandatory -- a worker posting without
// them is rejected rather than silently left in WorkerStatusTBD for a
// future probe to resolve. A registration that supplies both configs
// lands as WorkerStatusUp immediately.
func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workers == nil {
		writeError(w, http.StatusNotImplemented, "worker inventory not configured")
		return
	}

	var req workerRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker payload: "+err.Error())
		return
	}
	if req.WireGuardConfig == "" || req.SOCKS5Config == "" {
		writeError(w, http.StatusBadRequest, "wireguard_config and socks5_config are required")
		return
	}

	ip := validators.UnspoofableIP(r)
	if ip == "" {
		writeError(w, http.StatusBadRequest, "could not determine remote address")
		return
	}

	worker := domain.Worker{
		IP:              ip,
		MiningPoolUID:   domain.InternalMiningPoolUID,
		MiningPoolURL:   req.MiningPoolURL,
		WireGuardConfig: req.WireGuardConfig,
		SOCKS5Config:    req.SOCKS5Config,
		Status:          domain.WorkerStatusUp,
	}

	// Geodata resolution is a transient upstream lookup: degrade rather than
	// abort the registration if the resolver is unset or errors.
	if s.deps.GeoResolver != nil {
		countryCode, err := s.deps.GeoResolver.Resolve(r.Context(), ip)
		if err != nil {
			telemetry.Warn(r.Context(), "resolve worker geodata", telemetry.Fields{
				telemetry.FieldError: err.Error(),
				"ip":                 ip,
			})
		} else {
			worker.CountryCode = countryCode
		}
	}

	if err := s.deps.Workers.UpsertOne(r.Context(), worker); err != nil {
		writeError(w, http.StatusInternalServerError, "register worker: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, workerRegisterResponse{
		Registered: true,
		Worker: workerRegisterWorker{
			IP:     worker.IP,
			Status: worker.Status,
		},
	})
}

// workerFeedback is the per-worker scoring outcome a validator reports back
// to a pool about its own workers (spec.md §6 POST /worker/feedback).
type workerFeedback struct {
	IP          string `json:"ip"`
	Status      string `json:"status"`
	CountryCode string `json:"country_code"`
	WireGuardOK bool   `json:"wireguard_ok"`
	SOCKS5OK    bool   `json:"socks5_ok"`
}

type workerFeedbackRequest struct {
	Results []workerFeedback `json:"results"`
}

// handleWorkerFeedback implements POST /worker/feedback: only a known
// validator may post scores, using its unspoofable remote address -- a
// spoofed X-Forwarded-For from a non-validator source must never pass
// (spec.md §8 scenario 6, §7's validator-spoof-attempt row).
func (s *Server) handleWorkerFeedback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Validators == nil {
		writeError(w, http.StatusNotImplemented, "validator registry not configured")
		return
	}
	if _, ok := s.deps.Validators.IsValidator(r); !ok {
		writeError(w, http.StatusForbidden, "caller is not a known validator")
		return
	}
	if s.deps.Workers == nil {
		writeError(w, http.StatusNotImplemented, "worker inventory not configured")
		return
	}

	var req workerFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid feedback payload: "+err.Error())
		return
	}

	updates := make([]inventory.PerformanceUpdate, 0, len(req.Results))
	for _, res := range req.Results {
		updates = append(updates, inventory.PerformanceUpdate{
			IP:            res.IP,
			MiningPoolUID: domain.InternalMiningPoolUID,
			Status:        domain.WorkerStatus(res.Status),
			CountryCode:   res.CountryCode,
			WireGuardOK:   res.WireGuardOK,
			SOCKS5OK:      res.SOCKS5OK,
		})
	}

	if err := s.deps.Workers.WritePerformance(r.Context(), updates); err != nil {
		writeError(w, http.StatusInternalServerError, "write worker performance: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleVPN implements the worker-side GET /vpn (spec.md §6): provision a
// lease of the requested kind, honoring an in-flight feedback_url race.
func (s *Server) handleVPN(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, http.StatusNotImplemented, "pipeline not configured")
		return
	}

	q := r.URL.Query()
	kind := federation.ConfigKind(q.Get("type"))
	if kind != federation.ConfigWireGuard && kind != federation.ConfigSOCKS5 {
		writeError(w, http.StatusBadRequest, "type must be wireguard or socks5")
		return
	}

	leaseSeconds, _ := strconv.Atoi(q.Get("lease_seconds"))
	priority, _ := strconv.ParseBool(q.Get("priority"))
	feedbackURL := q.Get("feedback_url")
	format := q.Get("format")

	switch kind {
	case federation.ConfigWireGuard:
		result, err := s.deps.Pipeline.GetValidWireGuardConfig(r.Context(), pipeline.WireGuardConfigRequest{
			Priority:     priority,
			LeaseSeconds: leaseSeconds,
			FeedbackURL:  feedbackURL,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeVPNResponse(w, format, result.Cancelled, "wireguard_config", result.WireGuardConfig)
	case federation.ConfigSOCKS5:
		cred, err := s.deps.Pipeline.GetValidSOCKS5Config(r.Context(), pipeline.SOCKS5ConfigRequest{
			Priority:     priority,
			LeaseSeconds: leaseSeconds,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		text := "socks5://" + cred.Username + ":" + cred.Password + "@" + cred.IPAddress + ":" + strconv.Itoa(cred.Port)
		writeVPNResponse(w, format, false, "socks5_config", text)
	}
}

func writeVPNResponse(w http.ResponseWriter, format string, cancelled bool, key string, config string) {
	if cancelled {
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
		return
	}
	if format == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(config))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: config})
}
