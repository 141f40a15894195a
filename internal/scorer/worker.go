// Package scorer implements the worker scorer (C8) and mining-pool scorer
// (C9): end-to-end probing of known workers and pools, persisting up/down
// status and composite pool scores. Fan-out uses golang.org/x/sync/errgroup,
// grounded on the teacher's service-layer concurrency idiom.
package scorer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/inventory"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/semver"
	"github.com/tpn-federation/core/internal/telemetry"
	"github.com/tpn-federation/core/internal/wgconf"
)

// LocalVersion describes this node's own build, used as the comparison
// baseline for score_node_version.
type LocalVersion struct {
	Branch       string
	Hash         string
	Version      string
	LastCommitAt time.Time
}

// RemoteProbe is everything the scorer needs from one `GET /` round trip
// against a worker, grounded on NodeIdentity's payload shape.
type RemoteProbe struct {
	Branch        string
	Hash          string
	Version       string
	MiningPoolURL string
}

// WorkerProber fetches configs and performs the network-level checks that
// cannot be exercised in-process (HTTP round trips, tunnel namespaces,
// SOCKS5 dials). Implementations live in internal/federation, with
// internal/netns behind its WireGuard tunnel test; the scorer only
// orchestrates them.
type WorkerProber interface {
	FetchConfigs(ctx context.Context, w domain.Worker) (wireguardConfig, socks5Config string, err error)
	FetchIdentity(ctx context.Context, w domain.Worker) (RemoteProbe, error)
	TestWireGuardConnection(ctx context.Context, w domain.Worker, config string, workerMode bool) (ok bool, err error)
	TestSOCKS5Connection(ctx context.Context, w domain.Worker, config string, workerMode bool) (ok bool, err error)
}

// GeoResolver refreshes a worker's geodata during scoring, implemented by
// internal/geoip.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (countryCode string, err error)
}

// WorkerScorer runs score_all_known_workers.
type WorkerScorer struct {
	inventory      *inventory.Store
	locks          *lock.Registry
	prober         WorkerProber
	geo            GeoResolver
	local          LocalVersion
	workerMode     bool
	poolURL        string
	defaultPoolURL string
	concurrency    int
}

// Config bundles the scorer's static policy knobs.
type Config struct {
	Local           LocalVersion
	WorkerMode      bool // true when this node is itself a worker verifying its own tunnel
	ExpectedPoolURL string
	DefaultPoolURL  string
	Concurrency     int // errgroup.SetLimit; 0 means "use a sane default"
}

func NewWorkerScorer(inv *inventory.Store, locks *lock.Registry, prober WorkerProber, geo GeoResolver, cfg Config) *WorkerScorer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	return &WorkerScorer{
		inventory:      inv,
		locks:          locks,
		prober:         prober,
		geo:            geo,
		local:          cfg.Local,
		workerMode:     cfg.WorkerMode,
		defaultPoolURL: cfg.DefaultPoolURL,
		poolURL:        cfg.ExpectedPoolURL,
		concurrency:    concurrency,
	}
}

// ScoreResult is one worker's outcome from a scoring pass.
type ScoreResult struct {
	Worker  domain.Worker
	Success bool
	Reason  string
}

// ScoreAll runs score_all_known_workers: load internal-pool workers, fetch
// each worker's configs concurrently, validate and annotate, then persist
// up/down and geodata. Skips entirely (returning nil, nil) if the
// score_all_known_workers lock is already held elsewhere.
func (s *WorkerScorer) ScoreAll(ctx context.Context, maxDuration time.Duration) ([]ScoreResult, error) {
	release := s.locks.TryAcquire(lock.NameScoreAllKnownWorkers)
	if release == nil {
		telemetry.Info(ctx, "scorer: score_all_known_workers already in progress, skipping", nil)
		return nil, nil
	}
	defer release.Release()

	if maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}

	workers, err := s.inventory.Get(ctx, inventory.Query{MiningPoolUID: domain.InternalMiningPoolUID})
	if err != nil {
		return nil, fmt.Errorf("scorer: load internal workers: %w", err)
	}

	results := s.validateAndAnnotate(ctx, workers)

	updates := make([]inventory.PerformanceUpdate, 0, len(results))
	for _, r := range results {
		status := domain.WorkerStatusDown
		if r.Success {
			status = domain.WorkerStatusUp
		}
		updates = append(updates, inventory.PerformanceUpdate{
			IP:            r.Worker.IP,
			MiningPoolUID: r.Worker.MiningPoolUID,
			Status:        status,
			CountryCode:   r.Worker.CountryCode,
		})
	}
	if err := s.inventory.WritePerformance(ctx, updates); err != nil {
		return results, fmt.Errorf("scorer: persist performance: %w", err)
	}
	return results, nil
}

// validateAndAnnotate splits workers into valid/invalid by shape and config
// parseability, then runs the four parallel checks on each valid worker.
func (s *WorkerScorer) validateAndAnnotate(ctx context.Context, workers []domain.Worker) []ScoreResult {
	results := make([]ScoreResult, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			results[i] = s.scoreOne(gctx, w)
			return nil
		})
	}
	_ = g.Wait() // scoreOne never returns an error; each failure is captured per-worker
	return results
}

func (s *WorkerScorer) scoreOne(ctx context.Context, w domain.Worker) ScoreResult {
	wgConfigText, socksConfig, err := s.prober.FetchConfigs(ctx, w)
	if err != nil {
		return ScoreResult{Worker: w, Success: false, Reason: fmt.Sprintf("fetch configs: %v", err)}
	}
	w.WireGuardConfig = wgConfigText
	w.SOCKS5Config = socksConfig

	if _, err := wgconf.Parse(wgConfigText); err != nil {
		return ScoreResult{Worker: w, Success: false, Reason: fmt.Sprintf("invalid wireguard config: %v", err)}
	}

	checks := []func(context.Context, domain.Worker) error{
		s.checkNodeVersion,
		s.checkMatchesMiner,
		s.checkWireGuardConnection,
		s.checkSOCKS5Connection,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, check := range checks {
		check := check
		g.Go(func() error { return check(gctx, w) })
	}
	if err := g.Wait(); err != nil {
		return ScoreResult{Worker: w, Success: false, Reason: err.Error()}
	}

	if s.geo != nil {
		if cc, err := s.geo.Resolve(ctx, w.IP); err == nil {
			w.CountryCode = cc
		}
	}
	return ScoreResult{Worker: w, Success: true}
}

func (s *WorkerScorer) checkNodeVersion(ctx context.Context, w domain.Worker) error {
	identity, err := s.prober.FetchIdentity(ctx, w)
	if err != nil {
		return fmt.Errorf("score_node_version: %w", err)
	}
	if identity.Version == s.local.Version {
		return nil
	}

	remote, err := semver.Parse(identity.Version)
	if err == nil {
		local, localErr := semver.Parse(s.local.Version)
		if localErr == nil && semver.GTE(remote, semver.MinFloor(local)) {
			return nil
		}
	}

	if !s.local.LastCommitAt.IsZero() && time.Since(s.local.LastCommitAt) < 24*time.Hour {
		return nil
	}
	return fmt.Errorf("score_node_version: remote %s not accepted against local %s", identity.Version, s.local.Version)
}

func (s *WorkerScorer) checkMatchesMiner(ctx context.Context, w domain.Worker) error {
	identity, err := s.prober.FetchIdentity(ctx, w)
	if err != nil {
		return fmt.Errorf("worker_matches_miner: %w", err)
	}
	expected := s.poolURL
	if expected == "" {
		expected = s.defaultPoolURL
	}
	if identity.MiningPoolURL != expected && identity.MiningPoolURL != s.defaultPoolURL {
		return fmt.Errorf("worker_matches_miner: got %q, want %q", identity.MiningPoolURL, expected)
	}
	return nil
}

func (s *WorkerScorer) checkWireGuardConnection(ctx context.Context, w domain.Worker) error {
	ok, err := s.prober.TestWireGuardConnection(ctx, w, w.WireGuardConfig, s.workerMode)
	if err != nil {
		return fmt.Errorf("test_wireguard_connection: %w", err)
	}
	if !ok {
		return fmt.Errorf("test_wireguard_connection: egress ip check failed")
	}
	return nil
}

func (s *WorkerScorer) checkSOCKS5Connection(ctx context.Context, w domain.Worker) error {
	ok, err := s.prober.TestSOCKS5Connection(ctx, w, w.SOCKS5Config, s.workerMode)
	if err != nil {
		return fmt.Errorf("test_socks5_connection: %w", err)
	}
	if !ok {
		return fmt.Errorf("test_socks5_connection: egress ip check failed")
	}
	return nil
}
