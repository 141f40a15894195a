package federation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
)

type fakeTunnelTester struct {
	wgSame, socksSame bool
	wgErr, socksErr   error
}

func (f *fakeTunnelTester) TestWireGuardConnection(ctx context.Context, config string, workerMode bool) (bool, error) {
	return f.wgSame, f.wgErr
}

func (f *fakeTunnelTester) TestSOCKS5Connection(ctx context.Context, config string, workerMode bool) (bool, error) {
	return f.socksSame, f.socksErr
}

func TestProbingClient_WireGuard_NonWorkerModeExpectsDifferentEgress(t *testing.T) {
	c := (&Client{}).WithTunnelTester(&fakeTunnelTester{wgSame: false})
	ok, err := c.TestWireGuardConnection(context.Background(), domain.Worker{IP: "10.0.0.1"}, "cfg", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProbingClient_WireGuard_WorkerModeExpectsSameEgress(t *testing.T) {
	c := (&Client{}).WithTunnelTester(&fakeTunnelTester{wgSame: true})
	ok, err := c.TestWireGuardConnection(context.Background(), domain.Worker{IP: "10.0.0.1"}, "cfg", true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProbingClient_WireGuard_FailsWhenEgressUnchangedInNonWorkerMode(t *testing.T) {
	c := (&Client{}).WithTunnelTester(&fakeTunnelTester{wgSame: true})
	ok, err := c.TestWireGuardConnection(context.Background(), domain.Worker{IP: "10.0.0.1"}, "cfg", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProbingClient_SOCKS5_PropagatesTesterError(t *testing.T) {
	c := (&Client{}).WithTunnelTester(&fakeTunnelTester{socksErr: assert.AnError})
	_, err := c.TestSOCKS5Connection(context.Background(), domain.Worker{IP: "10.0.0.1"}, "cfg", false)
	assert.Error(t, err)
}
