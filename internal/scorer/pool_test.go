package scorer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/store"
)

type fakeMetrics struct {
	byUID map[string]PoolMetrics
	err   error
}

func (f *fakeMetrics) Metrics(ctx context.Context, pool domain.MiningPool) (PoolMetrics, error) {
	if f.err != nil {
		return PoolMetrics{}, f.err
	}
	return f.byUID[pool.MiningPoolUID], nil
}

func newTestPoolStore(t *testing.T) *PoolStore {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ps, err := NewPoolStore(db)
	require.NoError(t, err)
	return ps
}

func TestDefaultScoringPolicy_WeightsSubScores(t *testing.T) {
	sub := SubScores{Size: 1.0, Geo: 0.5, Performance: 0.8, Stability: 0.2}
	got := DefaultScoringPolicy{}.Composite(sub)
	want := 0.3*1.0 + 0.3*0.5 + 0.25*0.8 + 0.15*0.2
	assert.InDelta(t, want, got, 1e-9)
}

func TestPoolScorer_ScoreAll_FiltersBySelfReportedIP(t *testing.T) {
	ctx := context.Background()
	ps := newTestPoolStore(t)
	require.NoError(t, ps.Upsert(ctx, domain.MiningPool{MiningPoolUID: "pool-a", URL: "https://a.example", IP: "1.1.1.1"}))
	require.NoError(t, ps.Upsert(ctx, domain.MiningPool{MiningPoolUID: "pool-b", URL: "https://b.example", IP: "2.2.2.2"}))

	metrics := &fakeMetrics{byUID: map[string]PoolMetrics{
		"pool-a": {WorkerCount: 10, DistinctCountries: 5, AvgLatencyMS: 100, SuccessRate: 0.9, RecentUpEMA: 0.95},
	}}
	scorer := NewPoolScorer(ps, lock.NewRegistry(), metrics, nil)

	results, err := scorer.ScoreAll(ctx, NeuronIPMap{"pool-a": "1.1.1.1", "pool-b": "9.9.9.9"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pool-a", results[0].Pool.MiningPoolUID)
	assert.Greater(t, results[0].Score.Composite, 0.0)

	pools, err := ps.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, p := range pools {
		if p.MiningPoolUID == "pool-a" {
			found = true
			assert.Greater(t, p.Score.Composite, 0.0)
		}
		if p.MiningPoolUID == "pool-b" {
			assert.Equal(t, 0.0, p.Score.Composite)
		}
	}
	assert.True(t, found)
}

func TestPoolScorer_ScoreAll_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	ps := newTestPoolStore(t)
	locks := lock.NewRegistry()
	release := locks.TryAcquire(lock.NameScoreMiningPools)
	require.NotNil(t, release)
	defer release.Release()

	scorer := NewPoolScorer(ps, locks, &fakeMetrics{}, nil)
	results, err := scorer.ScoreAll(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestSizeScore_NormalizesAgainstMaxObserved(t *testing.T) {
	assert.Equal(t, 1.0, sizeScore(10, 10))
	assert.Equal(t, 0.5, sizeScore(5, 10))
	assert.Equal(t, 0.0, sizeScore(5, 0))
}

func TestGeoScore_CapsAtOne(t *testing.T) {
	assert.Equal(t, 1.0, geoScore(10, 5))
	assert.InDelta(t, 0.5, geoScore(5, 10), 1e-9)
	assert.Equal(t, 0.0, geoScore(0, 0))
}
