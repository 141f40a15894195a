package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tpn-federation/core/internal/domain"
)

// ConfigKind selects which tunnel type a /vpn request asks for.
type ConfigKind string

const (
	ConfigWireGuard ConfigKind = "wireguard"
	ConfigSOCKS5    ConfigKind = "socks5"
)

// ConfigRequest is one fan-out leg's parameters, mirrored onto the worker's
// `GET /vpn` query string (spec.md §6).
type ConfigRequest struct {
	Geo          string
	Kind         ConfigKind
	LeaseSeconds int
	Priority     bool
	FeedbackURL  string
}

// ConfigResult is a worker's `/vpn` response: either a provisioned config or
// a cancellation (spec.md §4.11's `{cancelled: true}` branch, honored when a
// sibling in the same fan-out already won).
type ConfigResult struct {
	Config    string
	PeerID    int
	PeerSlots int
	ExpiresAt time.Time
	Cancelled bool
}

func (r ConfigResult) empty() bool {
	return !r.Cancelled && r.Config == ""
}

type vpnResponse struct {
	WireGuardConfig string `json:"wireguard_config,omitempty"`
	SOCKS5Config    string `json:"socks5_config,omitempty"`
	PeerID          int    `json:"peer_id,omitempty"`
	PeerSlots       int    `json:"peer_slots,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	Cancelled       bool   `json:"cancelled,omitempty"`
}

// FetchWorkerConfig performs a single `GET /vpn` against one worker,
// exported for internal/pipeline's mining-pool forwarding path
// (get_worker_config_through_mining_pool ultimately calls a worker this way).
func (c *Client) FetchWorkerConfig(ctx context.Context, w domain.Worker, req ConfigRequest) (ConfigResult, error) {
	return fetchWorkerConfig(ctx, w, req)
}

// fetchWorkerConfig performs a single, non-retried `GET /vpn` against one
// worker. Fan-out retries by trying siblings, not by retrying this call:
// spec.md §4.10 draws that line explicitly (first-success, not
// retry-until-success).
func fetchWorkerConfig(ctx context.Context, w domain.Worker, req ConfigRequest) (ConfigResult, error) {
	u := url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", w.IP, w.PublicPort), Path: "/vpn"}
	q := u.Query()
	q.Set("geo", req.Geo)
	q.Set("type", string(req.Kind))
	q.Set("format", "json")
	if req.LeaseSeconds > 0 {
		q.Set("lease_seconds", strconv.Itoa(req.LeaseSeconds))
	}
	q.Set("priority", strconv.FormatBool(req.Priority))
	if req.FeedbackURL != "" {
		q.Set("feedback_url", req.FeedbackURL)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ConfigResult{}, err
	}
	resp, err := sharedClient.Do(httpReq)
	if err != nil {
		return ConfigResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ConfigResult{}, fmt.Errorf("worker %s: status %d", w.IP, resp.StatusCode)
	}

	var body vpnResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ConfigResult{}, fmt.Errorf("worker %s: decode response: %w", w.IP, err)
	}

	result := ConfigResult{
		PeerID:    body.PeerID,
		PeerSlots: body.PeerSlots,
		Cancelled: body.Cancelled,
	}
	if body.ExpiresAt > 0 {
		result.ExpiresAt = time.UnixMilli(body.ExpiresAt)
	}
	switch req.Kind {
	case ConfigWireGuard:
		result.Config = body.WireGuardConfig
	case ConfigSOCKS5:
		result.Config = body.SOCKS5Config
	}
	return result, nil
}

// PollFeedbackURL implements the worker-side feedback honor (spec.md §4.10):
// poll the feedback URL once; if the ticket is already complete, another
// worker in the same fan-out has won. Called by internal/pipeline once a
// worker has provisioned its own lease.
func PollFeedbackURL(ctx context.Context, feedbackURL string) (complete bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, FeedbackPollTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, feedbackURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := sharedClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("feedback poll %s: status %d", feedbackURL, resp.StatusCode)
	}
	var body struct {
		Status domain.RequestTicketStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Status == domain.RequestTicketComplete, nil
}
