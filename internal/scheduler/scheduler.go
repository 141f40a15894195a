// Package scheduler is the recurring job runner (C12): the set of background
// tasks every federation node role drives on its own clock (scoring,
// expired-lease sweeps, upward registration broadcasts) (spec.md §4.12). The
// scorers guard themselves with their own named locks from internal/lock,
// the startup sweeps take the lease store's lock via TryAcquire, and the
// registration broadcasts take no lock. Grounded on the
// teacher's supernode_metrics active-probing loop: a sequential
// run-then-wait-with-jitter cycle rather than a concurrent time.Ticker, so a
// single job's own loop can never overlap itself.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/telemetry"
)

// Default intervals, spec.md §4.12's "~N" column.
const (
	DefaultScoreWorkersInterval    = 15 * time.Minute
	DefaultScorePoolsInterval      = 5 * time.Minute
	DefaultRegisterPoolInterval    = time.Hour
	DefaultRegisterWorkersInterval = 15 * time.Minute

	DefaultScoreWorkersMaxDuration = 10 * time.Minute

	// jitterFraction mirrors active_probing.go's defaultProbeJitterFraction:
	// +/-10% keeps many nodes from ticking in lockstep without meaningfully
	// drifting from the configured interval.
	jitterFraction = 0.10
)

// Scheduler owns one goroutine per recurring job and stops them all together.
type Scheduler struct {
	runMode config.RunMode
	locks   *lock.Registry

	jobs []recurringJob

	startupCleanup []startupJob

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped sync.Once
}

// recurringJob is one named, interval-driven background task.
type recurringJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// startupJob runs once, guarded by a named lock, to sweep up whatever an
// on-demand cleanup missed across a crash or restart (spec.md §4.12's
// "on demand" jobs are otherwise triggered inline by the lease stores
// themselves on pool exhaustion; see internal/lease/wgstore and
// internal/lease/sockstore).
type startupJob struct {
	name     string
	lockName string
	run      func(ctx context.Context) error
}

// New builds a Scheduler with no jobs registered; NewFromDeps adds jobs
// through the unexported register* helpers before Start is called.
func New(runMode config.RunMode, locks *lock.Registry) *Scheduler {
	return &Scheduler{
		runMode: runMode,
		locks:   locks,
		stopCh:  make(chan struct{}),
	}
}

// registerRecurring adds a job to the set Start will launch.
func (s *Scheduler) registerRecurring(name string, interval time.Duration, run func(ctx context.Context) error) {
	s.jobs = append(s.jobs, recurringJob{name: name, interval: interval, run: run})
}

// registerStartupCleanup adds a once-at-start sweep guarded by lockName.
func (s *Scheduler) registerStartupCleanup(name, lockName string, run func(ctx context.Context) error) {
	s.startupCleanup = append(s.startupCleanup, startupJob{name: name, lockName: lockName, run: run})
}

// Start launches every registered job's loop in its own goroutine and
// returns immediately; call Stop (or cancel ctx) to unwind them.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.startupCleanup {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runStartupCleanup(ctx, j)
		}()
	}

	for _, j := range s.jobs {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, j)
		}()
	}
}

// Stop signals every job loop to exit after its current tick and waits for
// them to return.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) runStartupCleanup(ctx context.Context, j startupJob) {
	release := s.locks.TryAcquire(j.lockName)
	if release == nil {
		telemetry.Info(ctx, "scheduler: startup cleanup already running elsewhere, skipping", telemetry.Fields{
			telemetry.FieldJob: j.name,
		})
		return
	}
	defer release.Release()

	if err := j.run(ctx); err != nil {
		telemetry.Warn(ctx, "scheduler: startup cleanup failed", telemetry.Fields{
			telemetry.FieldJob:   j.name,
			telemetry.FieldError: err.Error(),
		})
	}
}

func (s *Scheduler) runLoop(ctx context.Context, j recurringJob) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		if err := j.run(ctx); err != nil {
			telemetry.Warn(ctx, "scheduler: job failed", telemetry.Fields{
				telemetry.FieldJob:   j.name,
				telemetry.FieldError: err.Error(),
			})
		}
		if !waitOrStop(ctx, s.stopCh, withJitter(j.interval, jitterFraction, rng)) {
			return
		}
	}
}

// withJitter returns base perturbed by a uniform random fraction, floored at
// one second, same shape as active_probing.go's helper of the same name.
func withJitter(base time.Duration, fraction float64, rng *rand.Rand) time.Duration {
	if base <= 0 || fraction <= 0 {
		return base
	}
	maxJitter := int64(float64(base) * fraction)
	if maxJitter <= 0 {
		return base
	}
	delta := rng.Int63n(2*maxJitter+1) - maxJitter
	out := base + time.Duration(delta)
	if out < time.Second {
		out = time.Second
	}
	return out
}

func waitOrStop(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
