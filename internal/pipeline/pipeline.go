// Package pipeline is the request pipeline per role (C11): the entry points
// a worker, miner or validator process calls to satisfy a tunnel request,
// and the role dispatch that decides whether satisfying it means
// provisioning locally, fetching from a worker directly, or forwarding
// through a mining pool (spec.md §4.11). It composes C1-C10 directly rather
// than introducing its own protocol.
package pipeline

import (
	"context"
	"time"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/federation"
	"github.com/tpn-federation/core/internal/wireguard"
)

// WireGuardDriver is the subset of internal/wireguard.Driver the pipeline
// depends on, kept as an interface so tests can substitute a fake.
type WireGuardDriver interface {
	ServerReady(ctx context.Context, opts wireguard.ReadyOptions) (bool, error)
	CountConfigs() int
	ReadClientConf(peerID int) (string, error)
}

// WireGuardLeaseStore is the subset of internal/lease/wgstore.Store the
// pipeline depends on.
type WireGuardLeaseStore interface {
	RangeFor(priority bool) (start, end int)
	Register(ctx context.Context, startID, endID int, expiresAt time.Time) (int, error)
	MarkFree(ctx context.Context, peerID int) error
}

// DanteDriver is the subset of internal/dante.Driver the pipeline depends on.
type DanteDriver interface {
	ServerReady(ctx context.Context, maxWait time.Duration) (bool, error)
	LoadFromDisk() ([]domain.SOCKS5Credential, error)
	Restart(ctx context.Context) error
	MarkInitialized()
	Initialized() bool
}

// SOCKS5LeaseStore is the subset of internal/lease/sockstore.Store the
// pipeline depends on.
type SOCKS5LeaseStore interface {
	Get(ctx context.Context, expiresAt time.Time, priority bool, prioritySlots int) (domain.SOCKS5Credential, error)
	Write(ctx context.Context, creds []domain.SOCKS5Credential) error
}

// FeedbackPoller is the subset of internal/federation the pipeline depends
// on for honoring a requester's feedback_url (spec.md §4.11 step 5).
type FeedbackPoller func(ctx context.Context, feedbackURL string) (complete bool, err error)

// FederationClient is the subset of internal/federation.Client the pipeline
// depends on for add_configs_to_workers' network-bound legs.
type FederationClient interface {
	GetWorkerConfigAsMiner(ctx context.Context, workers []domain.Worker, filter federation.WorkerFilter, req federation.ConfigRequest) (federation.ConfigResult, error)
	GetWorkerConfigAsValidator(ctx context.Context, pools []domain.Worker, filter federation.WorkerFilter, req federation.ConfigRequest) (federation.ConfigResult, error)
}

// Pipeline composes the WireGuard and SOCKS5 lease engines, the Dante and
// WireGuard container drivers, and the federation client behind the single
// set of role-aware entry points spec.md §4.11 names.
type Pipeline struct {
	runMode config.RunMode

	wg       WireGuardDriver
	wgLeases WireGuardLeaseStore

	dante    DanteDriver
	sockets  SOCKS5LeaseStore

	fed      FederationClient
	poll     FeedbackPoller

	danteMaxWait      time.Duration
	confReadCooldown  time.Duration
	sockPrioritySlots int
}

// Deps bundles Pipeline's constructor arguments.
type Deps struct {
	RunMode config.RunMode

	WireGuard       WireGuardDriver
	WireGuardLeases WireGuardLeaseStore

	Dante   DanteDriver
	Sockets SOCKS5LeaseStore

	Federation FederationClient
	Poll       FeedbackPoller

	DanteMaxWait      time.Duration
	ConfReadCooldown  time.Duration
	SockPrioritySlots int
}

// New builds a Pipeline from deps, filling in spec.md §6 defaults for any
// zero-valued timing/policy knob.
func New(deps Deps) *Pipeline {
	if deps.DanteMaxWait == 0 {
		deps.DanteMaxWait = 30 * time.Second
	}
	if deps.ConfReadCooldown == 0 {
		deps.ConfReadCooldown = defaultConfReadCooldown
	}
	if deps.SockPrioritySlots == 0 {
		deps.SockPrioritySlots = 5
	}
	return &Pipeline{
		runMode:           deps.RunMode,
		wg:                deps.WireGuard,
		wgLeases:          deps.WireGuardLeases,
		dante:             deps.Dante,
		sockets:           deps.Sockets,
		fed:               deps.Federation,
		poll:              deps.Poll,
		danteMaxWait:      deps.DanteMaxWait,
		confReadCooldown:  deps.ConfReadCooldown,
		sockPrioritySlots: deps.SockPrioritySlots,
	}
}

// RunMode implements run_mode(): the configured federation role this
// process plays, read once at start and never mutated afterward.
func (p *Pipeline) RunMode() config.RunMode {
	return p.runMode
}
