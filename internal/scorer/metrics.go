package scorer

import (
	"context"
	"fmt"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/inventory"
)

// InventoryMetrics is the production MetricsSource: it derives a pool's
// PoolMetrics purely from its current inventory.Store snapshot, since no
// separate round-trip latency history table exists in spec.md §3's
// persisted-state list. AvgLatencyMS is always 0 and RecentUpEMA mirrors
// SuccessRate as a result (see DESIGN.md's Open Question decision on this).
type InventoryMetrics struct {
	workers *inventory.Store
}

// NewInventoryMetrics builds an InventoryMetrics over workers.
func NewInventoryMetrics(workers *inventory.Store) *InventoryMetrics {
	return &InventoryMetrics{workers: workers}
}

// Metrics implements MetricsSource.
func (m *InventoryMetrics) Metrics(ctx context.Context, pool domain.MiningPool) (PoolMetrics, error) {
	workers, err := m.workers.Get(ctx, inventory.Query{MiningPoolUID: pool.MiningPoolUID})
	if err != nil {
		return PoolMetrics{}, fmt.Errorf("scorer: list workers for pool %s: %w", pool.MiningPoolUID, err)
	}

	countries := make(map[string]struct{}, len(workers))
	up := 0
	for _, w := range workers {
		if w.CountryCode != "" {
			countries[w.CountryCode] = struct{}{}
		}
		if w.Status == domain.WorkerStatusUp {
			up++
		}
	}

	successRate := 0.0
	if len(workers) > 0 {
		successRate = float64(up) / float64(len(workers))
	}

	return PoolMetrics{
		WorkerCount:       len(workers),
		DistinctCountries: len(countries),
		AvgLatencyMS:      0,
		SuccessRate:       successRate,
		RecentUpEMA:       successRate,
	}, nil
}
