package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tpn-federation/core/internal/telemetry"
	"github.com/tpn-federation/core/internal/wireguard"
)

// confReadRetries is the retry budget for spec.md §4.11 step 4: the
// WireGuard init process can still be writing peerK.conf in the instant
// after Register picks K, so a miss here is retried rather than failed.
const confReadRetries = 2

// defaultConfReadCooldown is spec.md §4.11's 5s between peerK.conf read
// attempts; kept on Pipeline rather than as a bare constant so tests can
// shrink it instead of sleeping for real.
const defaultConfReadCooldown = 5 * time.Second

// WireGuardConfigRequest is get_valid_wireguard_config's argument (spec.md
// §4.11).
type WireGuardConfigRequest struct {
	Priority     bool
	LeaseSeconds int
	FeedbackURL  string
}

// WireGuardConfigResult is get_valid_wireguard_config's return value: either
// a provisioned lease or, if FeedbackURL reported the race already won,
// Cancelled with every other field zero.
type WireGuardConfigResult struct {
	WireGuardConfig string
	PeerID          int
	PeerSlots       int
	ExpiresAt       time.Time
	Cancelled       bool
}

// GetValidWireGuardConfig implements spec.md §4.11's top-level WireGuard
// entry point: wait for the daemon, carve out a peer slot from the
// priority/standard range, read its on-disk client config, and honor an
// in-flight feedback_url before handing the lease back to the caller.
func (p *Pipeline) GetValidWireGuardConfig(ctx context.Context, req WireGuardConfigRequest) (WireGuardConfigResult, error) {
	ready, err := p.wg.ServerReady(ctx, wireguard.ReadyOptions{})
	if err != nil {
		return WireGuardConfigResult{}, fmt.Errorf("pipeline: wait for wireguard ready: %w", err)
	}
	if !ready {
		return WireGuardConfigResult{}, errors.New("pipeline: wireguard server not ready")
	}
	peerSlots := p.wg.CountConfigs()

	startID, endID := p.wgLeases.RangeFor(req.Priority)

	leaseSeconds := req.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = int(defaultLeaseSeconds.Seconds())
	}
	expiresAt := time.Now().Add(time.Duration(leaseSeconds) * time.Second)

	peerID, err := p.wgLeases.Register(ctx, startID, endID, expiresAt)
	if err != nil {
		return WireGuardConfigResult{}, fmt.Errorf("pipeline: register wireguard lease: %w", err)
	}

	confText, err := p.readClientConfWithRetry(ctx, peerID)
	if err != nil {
		return WireGuardConfigResult{}, fmt.Errorf("pipeline: read peer %d conf: %w", peerID, err)
	}

	if req.FeedbackURL != "" {
		complete, err := p.poll(ctx, req.FeedbackURL)
		if err != nil {
			telemetry.Warn(ctx, "pipeline: feedback poll failed, keeping lease", telemetry.Fields{
				telemetry.FieldPeerID: peerID,
				telemetry.FieldError:  err.Error(),
			})
		} else if complete {
			if err := p.wgLeases.MarkFree(ctx, peerID); err != nil {
				telemetry.Warn(ctx, "pipeline: mark_config_as_free after cancellation failed", telemetry.Fields{
					telemetry.FieldPeerID: peerID,
					telemetry.FieldError:  err.Error(),
				})
			}
			return WireGuardConfigResult{Cancelled: true}, nil
		}
	}

	return WireGuardConfigResult{
		WireGuardConfig: confText,
		PeerID:          peerID,
		PeerSlots:       peerSlots,
		ExpiresAt:       expiresAt,
	}, nil
}

const defaultLeaseSeconds = 60 * time.Minute

func (p *Pipeline) readClientConfWithRetry(ctx context.Context, peerID int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= confReadRetries; attempt++ {
		text, err := p.wg.ReadClientConf(peerID)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if attempt == confReadRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.confReadCooldown):
		}
	}
	return "", lastErr
}
