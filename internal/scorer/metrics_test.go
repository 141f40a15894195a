package scorer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/inventory"
	"github.com/tpn-federation/core/internal/store"
)

func newTestInventory(t *testing.T) *inventory.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := inventory.New(db)
	require.NoError(t, err)
	return s
}

func TestInventoryMetrics_DerivesCountsAndSuccessRateFromSnapshot(t *testing.T) {
	workers := newTestInventory(t)
	ctx := context.Background()

	require.NoError(t, workers.Write(ctx, []domain.Worker{
		{IP: "10.0.0.1", PublicPort: 3000, MiningPoolUID: "pool-1", Status: domain.WorkerStatusUp, CountryCode: "US"},
		{IP: "10.0.0.2", PublicPort: 3000, MiningPoolUID: "pool-1", Status: domain.WorkerStatusUp, CountryCode: "DE"},
		{IP: "10.0.0.3", PublicPort: 3000, MiningPoolUID: "pool-1", Status: domain.WorkerStatusDown, CountryCode: "US"},
	}, "pool-1"))

	m := NewInventoryMetrics(workers)
	got, err := m.Metrics(ctx, domain.MiningPool{MiningPoolUID: "pool-1"})
	require.NoError(t, err)

	require.Equal(t, 3, got.WorkerCount)
	require.Equal(t, 2, got.DistinctCountries)
	require.InDelta(t, 2.0/3.0, got.SuccessRate, 1e-9)
	require.Equal(t, got.SuccessRate, got.RecentUpEMA)
	require.Zero(t, got.AvgLatencyMS)
}

func TestInventoryMetrics_EmptyPoolReturnsZeroValueMetrics(t *testing.T) {
	workers := newTestInventory(t)
	m := NewInventoryMetrics(workers)

	got, err := m.Metrics(context.Background(), domain.MiningPool{MiningPoolUID: "no-such-pool"})
	require.NoError(t, err)

	require.Equal(t, 0, got.WorkerCount)
	require.Equal(t, 0, got.DistinctCountries)
	require.Zero(t, got.SuccessRate)
}
