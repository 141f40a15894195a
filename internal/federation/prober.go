package federation

import (
	"context"
	"fmt"

	"github.com/tpn-federation/core/internal/domain"
)

// FetchConfigs implements scorer.WorkerProber: fetch both tunnel configs
// from a worker the scorer already knows about (score_all_known_workers
// step 2, spec.md §4.8).
func (c *Client) FetchConfigs(ctx context.Context, w domain.Worker) (wireguardConfig, socks5Config string, err error) {
	wg, err := fetchWorkerConfig(ctx, w, ConfigRequest{Kind: ConfigWireGuard})
	if err != nil {
		return "", "", fmt.Errorf("fetch wireguard config: %w", err)
	}
	socks, err := fetchWorkerConfig(ctx, w, ConfigRequest{Kind: ConfigSOCKS5})
	if err != nil {
		return "", "", fmt.Errorf("fetch socks5 config: %w", err)
	}
	return wg.Config, socks.Config, nil
}

// TunnelTester brings up a provided tunnel config and reports whether the
// observed egress IP differs from this node's direct egress IP
// (spec.md §4.8's test_wireguard_connection / test_socks5_connection).
// Implementations shell out to network-namespace tooling or dial through
// the SOCKS5 proxy directly; kept behind an interface so the scorer's
// orchestration stays testable without a live tunnel.
type TunnelTester interface {
	TestWireGuardConnection(ctx context.Context, config string, workerMode bool) (sameEgress bool, err error)
	TestSOCKS5Connection(ctx context.Context, config string, workerMode bool) (sameEgress bool, err error)
}

// WithTunnelTester returns a copy of the client that delegates tunnel
// connection checks to tester, satisfying the remaining two methods of
// scorer.WorkerProber.
func (c *Client) WithTunnelTester(tester TunnelTester) *ProbingClient {
	return &ProbingClient{Client: c, tester: tester}
}

// ProbingClient is a Client plus a TunnelTester, the full
// scorer.WorkerProber implementation.
type ProbingClient struct {
	*Client
	tester TunnelTester
}

// Non-worker-mode expects a different egress IP through the tunnel; worker
// mode (verifying its own tunnel) expects the same one.
func (p *ProbingClient) TestWireGuardConnection(ctx context.Context, w domain.Worker, config string, workerMode bool) (bool, error) {
	sameEgress, err := p.tester.TestWireGuardConnection(ctx, config, workerMode)
	if err != nil {
		return false, fmt.Errorf("test_wireguard_connection %s: %w", w.IP, err)
	}
	return sameEgress == workerMode, nil
}

func (p *ProbingClient) TestSOCKS5Connection(ctx context.Context, w domain.Worker, config string, workerMode bool) (bool, error) {
	sameEgress, err := p.tester.TestSOCKS5Connection(ctx, config, workerMode)
	if err != nil {
		return false, fmt.Errorf("test_socks5_connection %s: %w", w.IP, err)
	}
	return sameEgress == workerMode, nil
}
