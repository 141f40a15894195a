package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/federation"
	"github.com/tpn-federation/core/internal/inventory"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/scorer"
)

type fakeWorkerScorer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeWorkerScorer) ScoreAll(ctx context.Context, maxDuration time.Duration) ([]scorer.ScoreResult, error) {
	f.calls.Add(1)
	return nil, f.err
}

type fakePoolScorer struct {
	calls atomic.Int32
}

func (f *fakePoolScorer) ScoreAll(ctx context.Context, neuronIPs scorer.NeuronIPMap) ([]scorer.PoolScoreResult, error) {
	f.calls.Add(1)
	return nil, nil
}

type fakeCleaner struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCleaner) CleanupExpired(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

type fakeFederation struct {
	poolCalls    atomic.Int32
	workersCalls atomic.Int32
}

func (f *fakeFederation) RegisterMiningPoolWithValidators(ctx context.Context, validatorIPs []string, pool domain.MiningPool) federation.RegistrationReport {
	f.poolCalls.Add(1)
	return federation.RegistrationReport{Successes: validatorIPs}
}

func (f *fakeFederation) RegisterMiningPoolWorkersWithValidators(ctx context.Context, validatorIPs []string, workers []domain.Worker) federation.RegistrationReport {
	f.workersCalls.Add(1)
	return federation.RegistrationReport{Successes: validatorIPs}
}

type fakeValidatorLister struct{ ips []string }

func (f *fakeValidatorLister) IPs() []string { return f.ips }

type fakeWorkerLister struct{ workers []domain.Worker }

func (f *fakeWorkerLister) Get(ctx context.Context, q inventory.Query) ([]domain.Worker, error) {
	return f.workers, nil
}

func TestScheduler_RunsStartupCleanupOnce(t *testing.T) {
	wgCleaner := &fakeCleaner{}
	sockCleaner := &fakeCleaner{}
	s := NewFromDeps(Deps{
		RunMode:         config.RunModeWorker,
		Locks:           lock.NewRegistry(),
		WireGuardLeases: wgCleaner,
		SOCKS5Leases:    sockCleaner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return wgCleaner.calls.Load() == 1 && sockCleaner.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), wgCleaner.calls.Load())
	assert.Equal(t, int32(1), sockCleaner.calls.Load())
}

func TestScheduler_StartupCleanupSkipsWhenLockHeld(t *testing.T) {
	locks := lock.NewRegistry()
	release := locks.TryAcquire(lock.NameRegisterWireGuardLease)
	require.NotNil(t, release)
	defer release.Release()

	wgCleaner := &fakeCleaner{}
	s := NewFromDeps(Deps{
		RunMode:         config.RunModeWorker,
		Locks:           locks,
		WireGuardLeases: wgCleaner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), wgCleaner.calls.Load())
}

func TestScheduler_MinerModeScoresWorkersAndSkipsPoolScoring(t *testing.T) {
	ws := &fakeWorkerScorer{}
	ps := &fakePoolScorer{}
	s := NewFromDeps(Deps{
		RunMode:              config.RunModeMiner,
		Locks:                lock.NewRegistry(),
		WorkerScorer:         ws,
		PoolScorer:           ps,
		ScoreWorkersInterval: 5 * time.Millisecond,
		ScorePoolsInterval:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool { return ws.calls.Load() >= 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(0), ps.calls.Load())
}

func TestScheduler_ValidatorModeScoresPoolsAndSkipsWorkerScoring(t *testing.T) {
	ws := &fakeWorkerScorer{}
	ps := &fakePoolScorer{}
	s := NewFromDeps(Deps{
		RunMode:              config.RunModeValidator,
		Locks:                lock.NewRegistry(),
		WorkerScorer:         ws,
		PoolScorer:           ps,
		ScoreWorkersInterval: 5 * time.Millisecond,
		ScorePoolsInterval:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool { return ps.calls.Load() >= 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(0), ws.calls.Load())
}

func TestScheduler_MinerModeBroadcastsRegistrationsOnInterval(t *testing.T) {
	fed := &fakeFederation{}
	validators := &fakeValidatorLister{ips: []string{"1.2.3.4"}}
	workers := &fakeWorkerLister{workers: []domain.Worker{{IP: "5.6.7.8"}}}
	s := NewFromDeps(Deps{
		RunMode:                 config.RunModeMiner,
		Locks:                   lock.NewRegistry(),
		Federation:              fed,
		Validators:              validators,
		Workers:                 workers,
		Pool:                    func(ctx context.Context) (domain.MiningPool, error) { return domain.MiningPool{MiningPoolUID: "pool-1"}, nil },
		RegisterPoolInterval:    5 * time.Millisecond,
		RegisterWorkersInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return fed.poolCalls.Load() >= 1 && fed.workersCalls.Load() >= 1
	}, time.Second, 2*time.Millisecond)
}

func TestScheduler_StopEndsAllLoops(t *testing.T) {
	ws := &fakeWorkerScorer{}
	s := NewFromDeps(Deps{
		RunMode:              config.RunModeMiner,
		Locks:                lock.NewRegistry(),
		WorkerScorer:         ws,
		ScoreWorkersInterval: 2 * time.Millisecond,
	})

	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return ws.calls.Load() >= 1 }, time.Second, 2*time.Millisecond)
	s.Stop()

	seenAtStop := ws.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seenAtStop, ws.calls.Load())
}

func TestScheduler_JobErrorsAreLoggedNotFatal(t *testing.T) {
	ws := &fakeWorkerScorer{err: errors.New("boom")}
	s := NewFromDeps(Deps{
		RunMode:              config.RunModeMiner,
		Locks:                lock.NewRegistry(),
		WorkerScorer:         ws,
		ScoreWorkersInterval: 2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	// withJitter floors every wait at one second (same as the teacher's
	// active-probing helper it's grounded on), so even a millisecond-scale
	// test interval takes >=1s between the first and second tick.
	require.Eventually(t, func() bool { return ws.calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
}
