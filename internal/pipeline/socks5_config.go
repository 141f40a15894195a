package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/lease/sockstore"
)

// SOCKS5ConfigRequest is get_valid_socks5_config's argument (spec.md §4.3,
// §4.11).
type SOCKS5ConfigRequest struct {
	Priority     bool
	LeaseSeconds int
}

// GetValidSOCKS5Config implements spec.md §4.3's top-level entry point:
// ensure the Dante daemon is reachable and its password table loaded, then
// delegate to the lease store; if the store reports standard-pool
// exhaustion, restart the container, reload once and ask the store again.
func (p *Pipeline) GetValidSOCKS5Config(ctx context.Context, req SOCKS5ConfigRequest) (domain.SOCKS5Credential, error) {
	ready, err := p.dante.ServerReady(ctx, p.danteMaxWait)
	if err != nil {
		return domain.SOCKS5Credential{}, fmt.Errorf("pipeline: wait for dante ready: %w", err)
	}
	if !ready {
		return domain.SOCKS5Credential{}, errors.New("pipeline: dante server not ready")
	}

	if !p.dante.Initialized() {
		if err := p.reloadSOCKS5FromDisk(ctx); err != nil {
			return domain.SOCKS5Credential{}, err
		}
	}

	leaseSeconds := req.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = int(defaultLeaseSeconds.Seconds())
	}
	expiresAt := time.Now().Add(time.Duration(leaseSeconds) * time.Second)

	cred, err := p.sockets.Get(ctx, expiresAt, req.Priority, p.sockPrioritySlots)
	if err == nil {
		return cred, nil
	}

	var exhausted *sockstore.ErrNoneAvailable
	if req.Priority || !errors.As(err, &exhausted) {
		return domain.SOCKS5Credential{}, fmt.Errorf("pipeline: get socks5 config: %w", err)
	}

	// Standard pool exhausted: restart the container and reload its
	// password table once, then retry exactly once more (spec.md §4.3).
	if err := p.dante.Restart(ctx); err != nil {
		return domain.SOCKS5Credential{}, fmt.Errorf("pipeline: restart dante after exhaustion: %w", err)
	}
	if err := p.reloadSOCKS5FromDisk(ctx); err != nil {
		return domain.SOCKS5Credential{}, err
	}

	cred, err = p.sockets.Get(ctx, expiresAt, req.Priority, p.sockPrioritySlots)
	if err != nil {
		return domain.SOCKS5Credential{}, fmt.Errorf("pipeline: get socks5 config after reload: %w", err)
	}
	return cred, nil
}

func (p *Pipeline) reloadSOCKS5FromDisk(ctx context.Context) error {
	creds, err := p.dante.LoadFromDisk()
	if err != nil {
		return fmt.Errorf("pipeline: load socks5 credentials from disk: %w", err)
	}
	if err := p.sockets.Write(ctx, creds); err != nil {
		return fmt.Errorf("pipeline: write socks5 credentials: %w", err)
	}
	p.dante.MarkInitialized()
	return nil
}
