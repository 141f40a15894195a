package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/scorer"
)

// FetchIdentity performs the identity probe (`GET /`) against a worker,
// retried with exponential backoff since it is idempotent (grounded on
// p2p/kademlia/dht.go's retryStore: backoff.Retry(backoff.Operation(...))).
func (c *Client) FetchIdentity(ctx context.Context, w domain.Worker) (scorer.RemoteProbe, error) {
	url := fmt.Sprintf("http://%s:%d/", w.IP, w.PublicPort)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = IdentityProbeTimeout

	var identity domain.NodeIdentity
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, IdentityProbeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := sharedClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("identity probe %s: status %d", url, resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&identity)
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return scorer.RemoteProbe{}, fmt.Errorf("federation: fetch identity from %s: %w", w.IP, err)
	}

	return scorer.RemoteProbe{
		Branch:        identity.Branch,
		Hash:          identity.Hash,
		Version:       identity.Version,
		MiningPoolURL: identity.MiningPoolURL,
	}, nil
}
