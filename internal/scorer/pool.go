package scorer

import (
	"context"
	"fmt"
	"math"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/telemetry"
)

// SubScores are the four independent measurements score_mining_pools
// computes before combining them into a composite, per spec.md §4.9.
type SubScores struct {
	Size        float64
	Geo         float64
	Performance float64
	Stability   float64
}

// ScoringPolicy computes a single composite from the four sub-scores. The
// weighting function is an externally-owned policy (spec.md §4.9, §9 Open
// Questions); implementations must keep this interface stable so the
// weighting can be swapped without touching the scorer.
type ScoringPolicy interface {
	Composite(sub SubScores) float64
}

// DefaultScoringPolicy is this repository's chosen default weighting,
// recorded as an Open Question decision in DESIGN.md: size and geo
// diversity (0.3 each) are weighted more heavily than performance (0.25)
// and stability (0.15).
type DefaultScoringPolicy struct{}

func (DefaultScoringPolicy) Composite(sub SubScores) float64 {
	return 0.3*sub.Size + 0.3*sub.Geo + 0.25*sub.Performance + 0.15*sub.Stability
}

// NeuronIPMap maps a mining pool's upstream neuron UID to its self-reported
// ip, the source of truth score_mining_pools filters self-reported pool IPs
// against.
type NeuronIPMap map[string]string

// PoolMetrics are the raw observations PoolScorer needs per pool to compute
// SubScores; production wiring (InventoryMetrics) derives these from
// inventory.Store queries alone, with no round-trip latency history, kept
// here as a narrow interface so the scoring math is independently testable.
type PoolMetrics struct {
	WorkerCount       int
	DistinctCountries int
	AvgLatencyMS      float64
	SuccessRate       float64 // [0,1]
	RecentUpEMA       float64 // [0,1]
}

// MetricsSource supplies PoolMetrics for a pool, implemented in production
// by InventoryMetrics, which reads the worker inventory only.
type MetricsSource interface {
	Metrics(ctx context.Context, pool domain.MiningPool) (PoolMetrics, error)
}

// PoolScorer runs score_mining_pools.
type PoolScorer struct {
	pools   *PoolStore
	locks   *lock.Registry
	metrics MetricsSource
	policy  ScoringPolicy
}

func NewPoolScorer(pools *PoolStore, locks *lock.Registry, metrics MetricsSource, policy ScoringPolicy) *PoolScorer {
	if policy == nil {
		policy = DefaultScoringPolicy{}
	}
	return &PoolScorer{pools: pools, locks: locks, metrics: metrics, policy: policy}
}

// PoolScoreResult is one pool's computed score, or the reason it was
// skipped.
type PoolScoreResult struct {
	Pool  domain.MiningPool
	Score domain.PoolScore
	Error error
}

// ScoreAll runs score_mining_pools: gather pool metadata, filter to pools
// whose self-reported ip matches neuronIPs, compute the four sub-scores and
// composite per pool, and persist. Skips entirely if the score_mining_pools
// lock is already held.
func (p *PoolScorer) ScoreAll(ctx context.Context, neuronIPs NeuronIPMap) ([]PoolScoreResult, error) {
	release := p.locks.TryAcquire(lock.NameScoreMiningPools)
	if release == nil {
		telemetry.Info(ctx, "scorer: score_mining_pools already in progress, skipping", nil)
		return nil, nil
	}
	defer release.Release()

	pools, err := p.pools.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("scorer: list pools: %w", err)
	}

	var results []PoolScoreResult
	var maxWorkers int
	metricsByPool := map[string]PoolMetrics{}

	for _, pool := range pools {
		if neuronIPs != nil {
			if ip, ok := neuronIPs[pool.MiningPoolUID]; !ok || ip != pool.IP {
				continue
			}
		}
		m, err := p.metrics.Metrics(ctx, pool)
		if err != nil {
			results = append(results, PoolScoreResult{Pool: pool, Error: err})
			continue
		}
		metricsByPool[pool.MiningPoolUID] = m
		if m.WorkerCount > maxWorkers {
			maxWorkers = m.WorkerCount
		}
	}

	for uid, m := range metricsByPool {
		var pool domain.MiningPool
		for _, p2 := range pools {
			if p2.MiningPoolUID == uid {
				pool = p2
				break
			}
		}

		sub := SubScores{
			Size:        sizeScore(m.WorkerCount, maxWorkers),
			Geo:         geoScore(m.DistinctCountries, m.WorkerCount),
			Performance: performanceScore(m.AvgLatencyMS, m.SuccessRate),
			Stability:   m.RecentUpEMA,
		}
		score := domain.PoolScore{
			Size:        sub.Size,
			Geo:         sub.Geo,
			Performance: sub.Performance,
			Stability:   sub.Stability,
			Composite:   p.policy.Composite(sub),
		}
		if err := p.pools.WriteScore(ctx, uid, score); err != nil {
			results = append(results, PoolScoreResult{Pool: pool, Error: err})
			continue
		}
		results = append(results, PoolScoreResult{Pool: pool, Score: score})
	}
	return results, nil
}

// sizeScore is monotonic in worker count, normalized against the largest
// pool observed this cycle so no pool can "max out" with an arbitrary
// absolute count.
func sizeScore(count, maxCount int) float64 {
	if maxCount <= 0 {
		return 0
	}
	return float64(count) / float64(maxCount)
}

// geoScore rewards geographic diversity: distinct countries relative to
// worker count, capped at 1.0.
func geoScore(distinctCountries, workerCount int) float64 {
	if workerCount <= 0 {
		return 0
	}
	ratio := float64(distinctCountries) / float64(workerCount)
	return math.Min(ratio, 1.0)
}

// performanceScore combines latency (lower is better, diminishing beyond
// 500ms) and success rate (linear).
func performanceScore(avgLatencyMS, successRate float64) float64 {
	latencyComponent := 1.0 / (1.0 + avgLatencyMS/500.0)
	return 0.5*latencyComponent + 0.5*clamp01(successRate)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
