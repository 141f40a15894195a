package federation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/tpn-federation/core/internal/domain"
)

// ErrAllFailed is returned when every worker in a fan-out (across all
// chunks) failed to produce a config.
var ErrAllFailed = errors.New("federation: all workers failed to provide a config")

// WorkerFilter narrows and orders the candidate set before chunking:
// whitelist/blacklist by IP, then shuffle (spec.md §4.10 steps 2-3).
type WorkerFilter struct {
	Whitelist []string
	Blacklist []string
}

func (f WorkerFilter) apply(workers []domain.Worker) []domain.Worker {
	var allow, deny map[string]bool
	if len(f.Whitelist) > 0 {
		allow = map[string]bool{}
		for _, ip := range f.Whitelist {
			allow[ip] = true
		}
	}
	if len(f.Blacklist) > 0 {
		deny = map[string]bool{}
		for _, ip := range f.Blacklist {
			deny[ip] = true
		}
	}

	out := make([]domain.Worker, 0, len(workers))
	for _, w := range workers {
		if allow != nil && !allow[w.IP] {
			continue
		}
		if deny != nil && deny[w.IP] {
			continue
		}
		if ip := net.ParseIP(w.IP); ip == nil || ip.To4() == nil {
			continue // spec.md §4.10 step 5: valid-IPv4 workers only
		}
		out = append(out, w)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// dialFunc is the per-worker call a fan-out makes; GetWorkerConfigAsMiner
// calls workers directly, GetWorkerConfigAsValidator calls them through a
// mining pool intermediary (get_worker_config_through_mining_pool).
type dialFunc func(ctx context.Context, w domain.Worker, req ConfigRequest) (ConfigResult, error)

// GetWorkerConfigAsMiner implements spec.md §4.10's miner-mode fan-out:
// chunk candidates by 10, fire each chunk in parallel, resolve with the
// first non-empty config, continue to the next chunk on a clean sweep.
func (c *Client) GetWorkerConfigAsMiner(ctx context.Context, workers []domain.Worker, filter WorkerFilter, req ConfigRequest) (ConfigResult, error) {
	return c.fanOut(ctx, workers, filter, c.cfg.minerChunkSize(), req, fetchWorkerConfig)
}

// GetWorkerConfigAsValidator implements spec.md §4.10's validator-mode
// fan-out: chunk size 3, intermediary is the mining pool forwarding the
// request to one of its own workers (get_worker_config_through_mining_pool).
func (c *Client) GetWorkerConfigAsValidator(ctx context.Context, pools []domain.Worker, filter WorkerFilter, req ConfigRequest) (ConfigResult, error) {
	return c.fanOut(ctx, pools, filter, c.cfg.validatorChunkSize(), req, getWorkerConfigThroughMiningPool)
}

// getWorkerConfigThroughMiningPool forwards a validator's request to a
// mining pool, which relays it to one of its own workers and honors
// feedback_url on the validator's behalf.
func getWorkerConfigThroughMiningPool(ctx context.Context, pool domain.Worker, req ConfigRequest) (ConfigResult, error) {
	return fetchWorkerConfig(ctx, pool, req)
}

// fanOut mints a request_id/feedback_url, then resolves chunk by chunk with
// first-success semantics: fire every member of a chunk in parallel, take
// the first non-empty response, cancel the stragglers. An all-failed chunk
// falls through to the next chunk rather than aborting (spec.md §4.10 step 5).
func (c *Client) fanOut(ctx context.Context, candidates []domain.Worker, filter WorkerFilter, chunkSize int, req ConfigRequest, dial dialFunc) (ConfigResult, error) {
	filtered := filter.apply(candidates)
	if len(filtered) == 0 {
		return ConfigResult{}, ErrAllFailed
	}

	requestID := c.ticket.Mint()
	req.FeedbackURL = fmt.Sprintf("%s/api/status/request/%s", c.cfg.BaseURL, requestID)

	for _, members := range chunk(filtered, chunkSize) {
		result, ok := firstSuccess(ctx, members, req, dial)
		if ok {
			c.ticket.Complete(requestID)
			return result, nil
		}
	}
	return ConfigResult{}, ErrAllFailed
}

// firstSuccess fires dial against every member of a chunk concurrently and
// returns the first response carrying a non-empty config, canceling the
// remaining in-flight calls (spec.md §9's "task group with first-completion
// semantics" design note).
func firstSuccess(ctx context.Context, members []domain.Worker, req ConfigRequest, dial dialFunc) (ConfigResult, bool) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	winner := make(chan ConfigResult, 1)
	g, gctx := errgroup.WithContext(cctx)

	for _, w := range members {
		w := w
		g.Go(func() error {
			result, err := dial(gctx, w, req)
			if err != nil || result.empty() {
				return nil
			}
			select {
			case winner <- result:
				cancel() // winner decided, stop the remaining siblings
			default:
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() { _ = g.Wait(); close(done) }()

	select {
	case result := <-winner:
		return result, true
	case <-done:
		select {
		case result := <-winner:
			return result, true
		default:
			return ConfigResult{}, false
		}
	}
}
