package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tpn-federation/core/internal/domain"
)

// validatorAddr defaults a bare validator IP to the spec's port 3000; an
// address that already carries a port (used in tests against an ephemeral
// httptest listener) passes through unchanged.
func validatorAddr(ip string) string {
	if strings.Contains(ip, ":") {
		return ip
	}
	return ip + ":3000"
}

// RegistrationReport is the `{successes, failures}` summary spec.md §4.10
// asks registration calls to return.
type RegistrationReport struct {
	Successes []string // validator IPs
	Failures  map[string]error
}

// RegisterMiningPoolWithValidators broadcasts this pool's own metadata to
// every known validator. Each leg is independent: one validator's failure
// never aborts the others (allSettled fan-out, spec.md §4.10).
func (c *Client) RegisterMiningPoolWithValidators(ctx context.Context, validatorIPs []string, pool domain.MiningPool) RegistrationReport {
	return c.broadcastToValidators(ctx, validatorIPs, "/validator/broadcast/mining_pool", pool)
}

// RegisterMiningPoolWorkersWithValidators publishes this pool's worker list
// to every known validator, same allSettled shape.
func (c *Client) RegisterMiningPoolWorkersWithValidators(ctx context.Context, validatorIPs []string, workers []domain.Worker) RegistrationReport {
	return c.broadcastToValidators(ctx, validatorIPs, "/validator/broadcast/workers", workers)
}

func (c *Client) broadcastToValidators(ctx context.Context, validatorIPs []string, path string, payload any) RegistrationReport {
	report := RegistrationReport{Failures: map[string]error{}}
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for _, ip := range validatorIPs {
		ip := ip
		g.Go(func() error {
			err := c.broadcastOne(ctx, ip, path, payload)
			mu.Lock()
			if err != nil {
				report.Failures[ip] = err
			} else {
				report.Successes = append(report.Successes, ip)
			}
			mu.Unlock()
			return nil // allSettled: never short-circuit siblings on one failure
		})
	}
	_ = g.Wait()
	return report
}

// broadcastOne learns a validator's preferred protocol/host/port with a
// `GET http://<ip>:3000/` identity probe, then POSTs the payload
// (spec.md §4.10).
func (c *Client) broadcastOne(ctx context.Context, ip string, path string, payload any) error {
	reqCtx, cancel := context.WithTimeout(ctx, BroadcastTimeout)
	defer cancel()

	probeURL := fmt.Sprintf("http://%s/", validatorAddr(ip))
	probeReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return err
	}
	probeResp, err := sharedClient.Do(probeReq)
	if err != nil {
		return fmt.Errorf("probe validator %s: %w", ip, err)
	}
	var identity domain.NodeIdentity
	decodeErr := json.NewDecoder(probeResp.Body).Decode(&identity)
	probeResp.Body.Close()
	if decodeErr != nil {
		return fmt.Errorf("probe validator %s: decode identity: %w", ip, decodeErr)
	}

	protocol := identity.ServerPublicProtocol
	if protocol == "" {
		protocol = "http"
	}
	addr := validatorAddr(ip)
	if identity.ServerPublicHost != "" {
		port := identity.ServerPublicPort
		if port == 0 {
			port = 3000
		}
		addr = fmt.Sprintf("%s:%d", identity.ServerPublicHost, port)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	postURL := fmt.Sprintf("%s://%s%s", protocol, addr, path)
	postReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	postReq.Header.Set("Content-Type", "application/json")
	postResp, err := sharedClient.Do(postReq)
	if err != nil {
		return fmt.Errorf("post to validator %s: %w", ip, err)
	}
	defer postResp.Body.Close()
	if postResp.StatusCode >= 300 {
		return fmt.Errorf("post to validator %s: status %d", ip, postResp.StatusCode)
	}
	return nil
}
