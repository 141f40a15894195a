package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/config"
	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/federation"
)

type fakeFederationClient struct {
	minerResult     federation.ConfigResult
	validatorResult federation.ConfigResult
	err             error
}

func (f *fakeFederationClient) GetWorkerConfigAsMiner(ctx context.Context, workers []domain.Worker, filter federation.WorkerFilter, req federation.ConfigRequest) (federation.ConfigResult, error) {
	return f.minerResult, f.err
}

func (f *fakeFederationClient) GetWorkerConfigAsValidator(ctx context.Context, pools []domain.Worker, filter federation.WorkerFilter, req federation.ConfigRequest) (federation.ConfigResult, error) {
	return f.validatorResult, f.err
}

func TestAddConfigsToWorkers_WorkerModeProvisionsInProcess(t *testing.T) {
	wg := &fakeWGDriver{ready: true, confs: map[int]string{1: "wg-self"}}
	leases := &fakeWGLeases{peerID: 1}
	p := New(Deps{
		RunMode:          config.RunModeWorker,
		WireGuard:        wg,
		WireGuardLeases:  leases,
		ConfReadCooldown: 0,
	})

	w, err := p.AddConfigsToWorkers(context.Background(), nil, AddConfigsToWorkersRequest{Kind: federation.ConfigWireGuard})
	require.NoError(t, err)
	assert.Equal(t, "wg-self", w.WireGuardConfig)
}

func TestAddConfigsToWorkers_MinerModeFetchesDirectly(t *testing.T) {
	fed := &fakeFederationClient{minerResult: federation.ConfigResult{Config: "wg-from-worker"}}
	p := New(Deps{RunMode: config.RunModeMiner, Federation: fed})

	w, err := p.AddConfigsToWorkers(context.Background(), []domain.Worker{{IP: "1.1.1.1"}}, AddConfigsToWorkersRequest{Kind: federation.ConfigWireGuard})
	require.NoError(t, err)
	assert.Equal(t, "wg-from-worker", w.WireGuardConfig)
}

func TestAddConfigsToWorkers_ValidatorModeFetchesThroughPool(t *testing.T) {
	fed := &fakeFederationClient{validatorResult: federation.ConfigResult{Config: "socks5-via-pool"}}
	p := New(Deps{RunMode: config.RunModeValidator, Federation: fed})

	w, err := p.AddConfigsToWorkers(context.Background(), []domain.Worker{{IP: "2.2.2.2"}}, AddConfigsToWorkersRequest{Kind: federation.ConfigSOCKS5})
	require.NoError(t, err)
	assert.Equal(t, "socks5-via-pool", w.SOCKS5Config)
}

func TestAddConfigsToWorkers_PropagatesCancellation(t *testing.T) {
	fed := &fakeFederationClient{minerResult: federation.ConfigResult{Cancelled: true}}
	p := New(Deps{RunMode: config.RunModeMiner, Federation: fed})

	w, err := p.AddConfigsToWorkers(context.Background(), []domain.Worker{{IP: "3.3.3.3"}}, AddConfigsToWorkersRequest{Kind: federation.ConfigWireGuard})
	require.NoError(t, err)
	assert.Equal(t, domain.Worker{}, w)
}

func TestAddConfigsToWorkers_RejectsUnknownRunMode(t *testing.T) {
	p := New(Deps{RunMode: config.RunMode("bogus")})
	_, err := p.AddConfigsToWorkers(context.Background(), nil, AddConfigsToWorkersRequest{})
	assert.Error(t, err)
}
