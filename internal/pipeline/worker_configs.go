package pipeline

import (
	"context"
	"fmt"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/federation"
	"github.com/tpn-federation/core/internal/telemetry"
)

// AddConfigsToWorkersRequest carries the tunnel parameters a caller wants
// applied across candidates, plus the fan-out filter miner/validator mode
// use to narrow the candidate set (spec.md §4.10 steps 2-3).
type AddConfigsToWorkersRequest struct {
	Kind         federation.ConfigKind
	Geo          string
	Priority     bool
	LeaseSeconds int
	Filter       federation.WorkerFilter
}

// AddConfigsToWorkers implements add_configs_to_workers' role dispatch
// (spec.md §4.11): a worker provisions itself in-process, a miner fetches
// directly from its own workers, and a validator forwards through the
// owning mining pool.
func (p *Pipeline) AddConfigsToWorkers(ctx context.Context, candidates []domain.Worker, req AddConfigsToWorkersRequest) (domain.Worker, error) {
	switch p.runMode {
	case config.RunModeWorker:
		return p.getWorkerConfigAsWorker(ctx, req)
	case config.RunModeMiner:
		return p.getWorkerConfigViaFederation(ctx, candidates, req, p.fed.GetWorkerConfigAsMiner)
	case config.RunModeValidator:
		return p.getWorkerConfigViaFederation(ctx, candidates, req, p.fed.GetWorkerConfigAsValidator)
	default:
		return domain.Worker{}, fmt.Errorf("pipeline: unknown run mode %q", p.runMode)
	}
}

// getWorkerConfigAsWorker is the in-process provisioning path: this process
// *is* the worker being asked for a config, so it calls its own lease
// engines directly rather than making an HTTP round trip to itself.
func (p *Pipeline) getWorkerConfigAsWorker(ctx context.Context, req AddConfigsToWorkersRequest) (domain.Worker, error) {
	var w domain.Worker
	switch req.Kind {
	case federation.ConfigWireGuard:
		result, err := p.GetValidWireGuardConfig(ctx, WireGuardConfigRequest{
			Priority:     req.Priority,
			LeaseSeconds: req.LeaseSeconds,
		})
		if err != nil {
			return domain.Worker{}, fmt.Errorf("pipeline: get_worker_config_as_worker (wireguard): %w", err)
		}
		w.WireGuardConfig = result.WireGuardConfig
	case federation.ConfigSOCKS5:
		cred, err := p.GetValidSOCKS5Config(ctx, SOCKS5ConfigRequest{
			Priority:     req.Priority,
			LeaseSeconds: req.LeaseSeconds,
		})
		if err != nil {
			return domain.Worker{}, fmt.Errorf("pipeline: get_worker_config_as_worker (socks5): %w", err)
		}
		w.SOCKS5Config = fmt.Sprintf("socks5://%s:%s@%s:%d", cred.Username, cred.Password, cred.IPAddress, cred.Port)
	default:
		return domain.Worker{}, fmt.Errorf("pipeline: unknown config kind %q", req.Kind)
	}
	return w, nil
}

type fedFanOut func(ctx context.Context, candidates []domain.Worker, filter federation.WorkerFilter, req federation.ConfigRequest) (federation.ConfigResult, error)

// getWorkerConfigViaFederation drives either the miner's direct fan-out or
// the validator's through-pool fan-out; both share the same
// candidates -> ConfigResult -> Worker shape, differing only in which
// federation.Client method dials the wire.
func (p *Pipeline) getWorkerConfigViaFederation(ctx context.Context, candidates []domain.Worker, req AddConfigsToWorkersRequest, dial fedFanOut) (domain.Worker, error) {
	result, err := dial(ctx, candidates, req.Filter, federation.ConfigRequest{
		Geo:          req.Geo,
		Kind:         req.Kind,
		LeaseSeconds: req.LeaseSeconds,
		Priority:     req.Priority,
	})
	if err != nil {
		return domain.Worker{}, fmt.Errorf("pipeline: fan out for %s config: %w", req.Kind, err)
	}
	if result.Cancelled {
		telemetry.Info(ctx, "pipeline: fan-out resolved to a cancellation", telemetry.Fields{})
		return domain.Worker{}, nil
	}

	w := domain.Worker{}
	switch req.Kind {
	case federation.ConfigWireGuard:
		w.WireGuardConfig = result.Config
	case federation.ConfigSOCKS5:
		w.SOCKS5Config = result.Config
	}
	return w, nil
}
