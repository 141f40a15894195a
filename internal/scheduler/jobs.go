package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/federation"
	"github.com/tpn-federation/core/internal/inventory"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/scorer"
	"github.com/tpn-federation/core/internal/telemetry"
)

// WorkerScorer is the subset of internal/scorer.WorkerScorer the scheduler
// depends on. ScoreAll already self-guards with
// lock.NameScoreAllKnownWorkers, so the scheduler calls it directly rather
// than wrapping it in a second TryAcquire under the same name -- the
// registry's tokens are not reentrant, and a second acquire would always
// fail while the first is held.
type WorkerScorer interface {
	ScoreAll(ctx context.Context, maxDuration time.Duration) ([]scorer.ScoreResult, error)
}

// PoolScorer is the subset of internal/scorer.PoolScorer the scheduler
// depends on, self-guarded the same way under lock.NameScoreMiningPools.
type PoolScorer interface {
	ScoreAll(ctx context.Context, neuronIPs scorer.NeuronIPMap) ([]scorer.PoolScoreResult, error)
}

// Cleaner is satisfied by both internal/lease/wgstore.Store and
// internal/lease/sockstore.Store: a sweep of everything past its expiry.
// Neither store's CleanupExpired acquires a lock itself -- the lock named
// for it in spec.md's scheduler table is the one its own Register/Get path
// already holds when it runs cleanup inline on exhaustion, so the scheduler
// must take that same name explicitly for its own startup sweep.
type Cleaner interface {
	CleanupExpired(ctx context.Context) error
}

// Federation is the subset of internal/federation.Client the scheduler
// depends on for the two upward registration broadcasts.
type Federation interface {
	RegisterMiningPoolWithValidators(ctx context.Context, validatorIPs []string, pool domain.MiningPool) federation.RegistrationReport
	RegisterMiningPoolWorkersWithValidators(ctx context.Context, validatorIPs []string, workers []domain.Worker) federation.RegistrationReport
}

// ValidatorLister is the subset of internal/validators.Registry the
// scheduler depends on to learn who to broadcast to.
type ValidatorLister interface {
	IPs() []string
}

// WorkerLister is the subset of internal/inventory.Store the scheduler
// depends on to build the worker list it broadcasts upward.
type WorkerLister interface {
	Get(ctx context.Context, q inventory.Query) ([]domain.Worker, error)
}

// PoolDescriptor supplies this node's own mining-pool metadata, the payload
// register_mining_pool_with_validators broadcasts.
type PoolDescriptor func(ctx context.Context) (domain.MiningPool, error)

// Deps bundles everything a Scheduler needs; only the fields relevant to the
// configured run mode need to be set, and NewFromDeps below skips anything
// left nil.
type Deps struct {
	RunMode config.RunMode
	Locks   *lock.Registry

	WorkerScorer WorkerScorer
	PoolScorer   PoolScorer
	NeuronIPs    func(ctx context.Context) (scorer.NeuronIPMap, error)

	WireGuardLeases Cleaner
	SOCKS5Leases    Cleaner

	Federation Federation
	Validators ValidatorLister
	Workers    WorkerLister
	Pool       PoolDescriptor

	ScoreWorkersInterval    time.Duration
	ScoreWorkersMaxDuration time.Duration
	ScorePoolsInterval      time.Duration
	RegisterPoolInterval    time.Duration
	RegisterWorkersInterval time.Duration
}

// NewFromDeps builds a Scheduler and registers every job its deps support,
// filling in spec.md §4.12 defaults for any zero-valued interval.
func NewFromDeps(deps Deps) *Scheduler {
	if deps.ScoreWorkersInterval == 0 {
		deps.ScoreWorkersInterval = DefaultScoreWorkersInterval
	}
	if deps.ScoreWorkersMaxDuration == 0 {
		deps.ScoreWorkersMaxDuration = DefaultScoreWorkersMaxDuration
	}
	if deps.ScorePoolsInterval == 0 {
		deps.ScorePoolsInterval = DefaultScorePoolsInterval
	}
	if deps.RegisterPoolInterval == 0 {
		deps.RegisterPoolInterval = DefaultRegisterPoolInterval
	}
	if deps.RegisterWorkersInterval == 0 {
		deps.RegisterWorkersInterval = DefaultRegisterWorkersInterval
	}

	s := New(deps.RunMode, deps.Locks)

	if deps.WireGuardLeases != nil {
		s.registerStartupCleanup("cleanup_expired_wireguard_configs", lock.NameRegisterWireGuardLease, func(ctx context.Context) error {
			return deps.WireGuardLeases.CleanupExpired(ctx)
		})
	}
	if deps.SOCKS5Leases != nil {
		s.registerStartupCleanup("cleanup_expired_dante_socks5_configs", lock.NameGetSOCKS5Config, func(ctx context.Context) error {
			return deps.SOCKS5Leases.CleanupExpired(ctx)
		})
	}

	if deps.RunMode == config.RunModeMiner && deps.WorkerScorer != nil {
		s.registerRecurring("score_all_known_workers", deps.ScoreWorkersInterval, func(ctx context.Context) error {
			results, err := deps.WorkerScorer.ScoreAll(ctx, deps.ScoreWorkersMaxDuration)
			if err != nil {
				return fmt.Errorf("score_all_known_workers: %w", err)
			}
			telemetry.Info(ctx, "scheduler: scored known workers", telemetry.Fields{"worker_count": len(results)})
			return nil
		})
	}

	if deps.RunMode == config.RunModeValidator && deps.PoolScorer != nil {
		s.registerRecurring("score_mining_pools", deps.ScorePoolsInterval, func(ctx context.Context) error {
			neuronIPs, err := resolveNeuronIPs(ctx, deps.NeuronIPs)
			if err != nil {
				return fmt.Errorf("score_mining_pools: resolve neuron ips: %w", err)
			}
			results, err := deps.PoolScorer.ScoreAll(ctx, neuronIPs)
			if err != nil {
				return fmt.Errorf("score_mining_pools: %w", err)
			}
			telemetry.Info(ctx, "scheduler: scored mining pools", telemetry.Fields{"pool_count": len(results)})
			return nil
		})
	}

	if deps.RunMode == config.RunModeMiner && deps.Federation != nil && deps.Validators != nil && deps.Pool != nil {
		s.registerRecurring("register_mining_pool_with_validators", deps.RegisterPoolInterval, func(ctx context.Context) error {
			pool, err := deps.Pool(ctx)
			if err != nil {
				return fmt.Errorf("register_mining_pool_with_validators: load pool descriptor: %w", err)
			}
			report := deps.Federation.RegisterMiningPoolWithValidators(ctx, deps.Validators.IPs(), pool)
			logRegistrationReport(ctx, "register_mining_pool_with_validators", report)
			return nil
		})
	}

	if deps.RunMode == config.RunModeMiner && deps.Federation != nil && deps.Validators != nil && deps.Workers != nil {
		s.registerRecurring("register_mining_pool_workers_with_validators", deps.RegisterWorkersInterval, func(ctx context.Context) error {
			workers, err := deps.Workers.Get(ctx, inventory.Query{MiningPoolUID: domain.InternalMiningPoolUID})
			if err != nil {
				return fmt.Errorf("register_mining_pool_workers_with_validators: load workers: %w", err)
			}
			report := deps.Federation.RegisterMiningPoolWorkersWithValidators(ctx, deps.Validators.IPs(), workers)
			logRegistrationReport(ctx, "register_mining_pool_workers_with_validators", report)
			return nil
		})
	}

	return s
}

func resolveNeuronIPs(ctx context.Context, fn func(ctx context.Context) (scorer.NeuronIPMap, error)) (scorer.NeuronIPMap, error) {
	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

func logRegistrationReport(ctx context.Context, job string, report federation.RegistrationReport) {
	if len(report.Failures) == 0 {
		telemetry.Info(ctx, "scheduler: broadcast succeeded for all validators", telemetry.Fields{
			telemetry.FieldJob: job,
			"success_count":    len(report.Successes),
		})
		return
	}
	telemetry.Warn(ctx, "scheduler: broadcast failed for some validators", telemetry.Fields{
		telemetry.FieldJob:    job,
		"success_count":       len(report.Successes),
		"failure_count":       len(report.Failures),
	})
}
