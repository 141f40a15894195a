package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/scorer"
)

// neuronState holds the upstream neuron's self-reported miner-uid -> ip
// mapping (spec.md §4.9's `miner_uid_to_ip`), refreshed by
// POST /protocol/broadcast/neurons and read back by the mining-pool scorer
// job. validators.Registry.Replace already owns the validator-list half of
// this broadcast; this type only owns the half Registry has no use for.
type neuronState struct {
	mu   sync.RWMutex
	ips  scorer.NeuronIPMap
}

func newNeuronState() *neuronState {
	return &neuronState{ips: scorer.NeuronIPMap{}}
}

func (n *neuronState) replace(ips scorer.NeuronIPMap) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ips = ips
}

// NeuronIPs satisfies scheduler.Deps.NeuronIPs: the provider the
// score_mining_pools job calls each tick for the current miner-uid -> ip
// mapping.
func (n *neuronState) NeuronIPs(ctx context.Context) (scorer.NeuronIPMap, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(scorer.NeuronIPMap, len(n.ips))
	for k, v := range n.ips {
		out[k] = v
	}
	return out, nil
}

// NeuronIPs exposes the server's neuron-fed IP mapping provider, for wiring
// into internal/scheduler.Deps.NeuronIPs at startup.
func (s *Server) NeuronIPs(ctx context.Context) (scorer.NeuronIPMap, error) {
	return s.neurons.NeuronIPs(ctx)
}

// neuronBroadcastRequest is POST /protocol/broadcast/neurons' body: the
// upstream neuron's current view of who the validators and miners are
// (spec.md §6, out-of-scope collaborator per spec.md §1).
type neuronBroadcastRequest struct {
	Validators   []domain.ValidatorDescriptor `json:"validators"`
	MinerUIDToIP map[string]string             `json:"miner_uid_to_ip"`
}

func (s *Server) handleProtocolBroadcastNeurons(w http.ResponseWriter, r *http.Request) {
	var req neuronBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid neuron broadcast payload: "+err.Error())
		return
	}

	if s.deps.Validators != nil {
		s.deps.Validators.Replace(req.Validators)
	}
	s.neurons.replace(scorer.NeuronIPMap(req.MinerUIDToIP))

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleProtocolChallenge implements GET /protocol/challenge/:id: this node
// answers a challenge issued to it by a remote prober, proving it holds the
// shared secret without ever transmitting the secret itself.
func (s *Server) handleProtocolChallenge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Challenges == nil {
		writeError(w, http.StatusNotImplemented, "challenge store not configured")
		return
	}
	challenge := r.PathValue("id")
	solution := s.deps.Challenges.Solve(challenge)
	writeJSON(w, http.StatusOK, map[string]string{"solution": solution})
}
