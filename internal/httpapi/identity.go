package httpapi

import (
	"net/http"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/domain"
)

// handleIdentity implements GET / (spec.md §6): this node's branch/version/
// hash and public address, plus pool metadata when running in miner mode.
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	var branch, version, hash string
	if s.deps.Identity != nil {
		branch, version, hash = s.deps.Identity()
	}

	identity := domain.NodeIdentity{
		Branch:  branch,
		Version: version,
		Hash:    hash,
	}

	if cfg := s.deps.Config; cfg != nil {
		identity.ServerPublicProtocol = cfg.ServerPublicProtocol
		identity.ServerPublicHost = cfg.ServerPublicHost
		identity.ServerPublicPort = cfg.ServerPublicPort
		if cfg.RunMode == config.RunModeMiner {
			identity.MiningPoolURL = cfg.MiningPool.URL
			identity.MiningPoolRewards = cfg.MiningPool.Rewards
			identity.MiningPoolWebsiteURL = cfg.MiningPool.WebsiteURL
		}
	}

	writeJSON(w, http.StatusOK, identity)
}
