// Package wireguard drives the WireGuard daemon's live runtime state: peer
// readiness, atomic per-peer key rotation with rollback, and server
// restarts (spec.md §4.2, C2). The container is abstracted behind a
// ContainerCommand interface (spec.md §9's "typed driver" note) so tests can
// substitute a fake instead of shelling out.
package wireguard

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tpn-federation/core/internal/telemetry"
	"github.com/tpn-federation/core/internal/wgconf"
)

// ContainerCommand abstracts the subprocess-per-op container control spec.md
// §9 calls for: a handle the driver uses to execute WireGuard tooling inside
// the running container and to restart it.
type ContainerCommand interface {
	// Exec runs a command (e.g. "wg", "set", "wg0", ...) inside the
	// container and returns its stdout.
	Exec(ctx context.Context, args ...string) ([]byte, error)
	// Restart restarts the container process.
	Restart(ctx context.Context) error
}

// KeyPair is a generated WireGuard private/public/preshared key triple.
type KeyPair struct {
	PrivateKey   string
	PublicKey    string
	PresharedKey string
}

// RotateResult is returned by ReplaceConfig.
type RotateResult struct {
	Success bool
	NewKeys *KeyPair
}

// Config controls filesystem locations and polling budgets; defaults match
// spec.md §6.
type Config struct {
	ConfigDir      string // default "/config"
	ServerConfPath string // default "<ConfigDir>/wg_confs/wg0.conf"
	ReadyMarker    string // default "<ConfigDir>/.wg_ready"
	PeerCount      int
	DefaultPollInterval time.Duration
}

func (c Config) peerDir(peerID int) string {
	return filepath.Join(c.ConfigDir, fmt.Sprintf("peer%d", peerID))
}

func (c Config) clientConfPath(peerID int) string {
	return filepath.Join(c.peerDir(peerID), fmt.Sprintf("peer%d.conf", peerID))
}

func (c Config) privateKeyPath(peerID int) string {
	return filepath.Join(c.peerDir(peerID), fmt.Sprintf("privatekey-peer%d", peerID))
}

func (c Config) publicKeyPath(peerID int) string {
	return filepath.Join(c.peerDir(peerID), fmt.Sprintf("publickey-peer%d", peerID))
}

func (c Config) presharedKeyPath(peerID int) string {
	return filepath.Join(c.peerDir(peerID), fmt.Sprintf("presharedkey-peer%d", peerID))
}

func (c Config) serverConf() string {
	if c.ServerConfPath != "" {
		return c.ServerConfPath
	}
	return filepath.Join(c.ConfigDir, "wg_confs", "wg0.conf")
}

func (c Config) readyMarker() string {
	if c.ReadyMarker != "" {
		return c.ReadyMarker
	}
	return filepath.Join(c.ConfigDir, ".wg_ready")
}

// Driver is the WG container driver (C2).
type Driver struct {
	cfg Config
	cmd ContainerCommand

	mu          sync.Mutex
	configCount int
	configCountAt time.Time
}

// NewDriver constructs a Driver against cfg, using cmd to reach the running
// container.
func NewDriver(cfg Config, cmd ContainerCommand) *Driver {
	if cfg.DefaultPollInterval == 0 {
		cfg.DefaultPollInterval = 500 * time.Millisecond
	}
	return &Driver{cfg: cfg, cmd: cmd}
}

// ReadyOptions configures ServerReady's polling budget.
type ReadyOptions struct {
	PeerID      int
	GraceWindow time.Duration // 0 means poll indefinitely
	PollEvery   time.Duration
}

// ServerReady polls until the config directory, the readiness marker and
// the specific peer's client conf all exist, or the grace window elapses
// (spec.md §4.2).
func (d *Driver) ServerReady(ctx context.Context, opts ReadyOptions) (bool, error) {
	poll := opts.PollEvery
	if poll == 0 {
		poll = d.cfg.DefaultPollInterval
	}

	check := func() bool {
		if _, err := os.Stat(d.cfg.ConfigDir); err != nil {
			return false
		}
		if _, err := os.Stat(d.cfg.readyMarker()); err != nil {
			return false
		}
		if opts.PeerID != 0 {
			if _, err := os.Stat(d.cfg.clientConfPath(opts.PeerID)); err != nil {
				return false
			}
		}
		return true
	}

	if check() {
		return true, nil
	}

	var deadline <-chan time.Time
	if opts.GraceWindow > 0 {
		timer := time.NewTimer(opts.GraceWindow)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, nil
		case <-ticker.C:
			if check() {
				return true, nil
			}
		}
	}
}

// CheckReachable probes the WireGuard daemon's declared public UDP
// host:port. A bare net.Dial on "udp" never actually reaches the far side
// (UDP has no handshake) so this only verifies local socket/routing
// correctness; true reachability is established later by the scorer's
// end-to-end tunnel test (spec.md §4.8).
func (d *Driver) CheckReachable(ctx context.Context, hostPort string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", hostPort)
	if err != nil {
		return fmt.Errorf("wireguard: udp dial %s: %w", hostPort, err)
	}
	return conn.Close()
}

// CountConfigs counts peerK/peerK.conf files present on disk, K in
// [1..PeerCount], caching the result for 10s (spec.md §4.2).
func (d *Driver) CountConfigs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.configCountAt) < 10*time.Second && d.configCountAt != (time.Time{}) {
		return d.configCount
	}

	n := 0
	for peerID := 1; peerID <= d.cfg.PeerCount; peerID++ {
		if _, err := os.Stat(d.cfg.clientConfPath(peerID)); err == nil {
			n++
		}
	}
	d.configCount = n
	d.configCountAt = time.Now()
	return n
}

func genKey(ctx context.Context, cmd ContainerCommand) (string, error) {
	out, err := cmd.Exec(ctx, "wg", "genkey")
	if err != nil {
		return "", fmt.Errorf("wg genkey: %w", err)
	}
	return trimKey(out), nil
}

func pubKey(ctx context.Context, cmd ContainerCommand, privateKey string) (string, error) {
	out, err := cmd.Exec(ctx, "wg", "pubkey", "--stdin="+privateKey)
	if err != nil {
		return "", fmt.Errorf("wg pubkey: %w", err)
	}
	return trimKey(out), nil
}

func genPSK(ctx context.Context, cmd ContainerCommand) (string, error) {
	out, err := cmd.Exec(ctx, "wg", "genpsk")
	if err != nil {
		return "", fmt.Errorf("wg genpsk: %w", err)
	}
	return trimKey(out), nil
}

func trimKey(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// snapshot captures every piece of state ReplaceConfig mutates, so a
// mid-flight failure can be rolled back byte-for-byte (spec.md §4.2, §8
// invariant 4, §8 scenario 5).
type snapshot struct {
	clientConfText string
	serverConfText string
	oldKeys        KeyPair
	addedPeer      bool
}

// ReplaceConfig performs the atomic key-rotation-with-rollback sequence in
// spec.md §4.2: snapshot, generate new keys, write files, swap the peer in
// the running interface, rewrite the server config, and report success. The
// caller (the WG lease store, C4) is responsible for deleting the lease row
// afterward -- this function never touches the lease table.
func (d *Driver) ReplaceConfig(ctx context.Context, peerID int, clientIP string) (RotateResult, error) {
	snap, err := d.captureSnapshot(peerID)
	if err != nil {
		return RotateResult{}, fmt.Errorf("wireguard: snapshot peer %d: %w", peerID, err)
	}

	newKeys, err := d.rotate(ctx, peerID, clientIP, snap)
	if err != nil {
		telemetry.Error(ctx, "wireguard key rotation failed, rolling back", telemetry.Fields{
			telemetry.FieldPeerID: peerID,
			telemetry.FieldError:  err.Error(),
		})
		if rbErr := d.rollback(ctx, peerID, snap); rbErr != nil {
			return RotateResult{Success: false}, fmt.Errorf("rotation failed (%v) and rollback failed: %w", err, rbErr)
		}
		return RotateResult{Success: false}, nil
	}

	return RotateResult{Success: true, NewKeys: &newKeys}, nil
}

func (d *Driver) captureSnapshot(peerID int) (snapshot, error) {
	clientConf, err := os.ReadFile(d.cfg.clientConfPath(peerID))
	if err != nil {
		return snapshot{}, fmt.Errorf("read client conf: %w", err)
	}
	serverConf, err := os.ReadFile(d.cfg.serverConf())
	if err != nil {
		return snapshot{}, fmt.Errorf("read server conf: %w", err)
	}
	priv, err := os.ReadFile(d.cfg.privateKeyPath(peerID))
	if err != nil {
		return snapshot{}, fmt.Errorf("read private key: %w", err)
	}
	pub, err := os.ReadFile(d.cfg.publicKeyPath(peerID))
	if err != nil {
		return snapshot{}, fmt.Errorf("read public key: %w", err)
	}
	psk, _ := os.ReadFile(d.cfg.presharedKeyPath(peerID))

	return snapshot{
		clientConfText: string(clientConf),
		serverConfText: string(serverConf),
		oldKeys: KeyPair{
			PrivateKey:   trimKey(priv),
			PublicKey:    trimKey(pub),
			PresharedKey: trimKey(psk),
		},
	}, nil
}

func (d *Driver) rotate(ctx context.Context, peerID int, clientIP string, snap snapshot) (KeyPair, error) {
	privKey, err := genKey(ctx, d.cmd)
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := pubKey(ctx, d.cmd, privKey)
	if err != nil {
		return KeyPair{}, err
	}
	psk, err := genPSK(ctx, d.cmd)
	if err != nil {
		return KeyPair{}, err
	}
	newKeys := KeyPair{PrivateKey: privKey, PublicKey: pub, PresharedKey: psk}

	if err := writeKeyFiles(d.cfg, peerID, newKeys); err != nil {
		return KeyPair{}, err
	}

	allowedIPs := clientIP + "/32"
	parsed, err := wgconf.Parse(snap.clientConfText)
	if err != nil {
		return KeyPair{}, fmt.Errorf("parse existing client conf: %w", err)
	}
	parsed.InterfacePrivateKey = newKeys.PrivateKey
	parsed.PeerPresharedKey = newKeys.PresharedKey
	newClientConf := wgconf.Serialize(parsed)
	if err := os.WriteFile(d.cfg.clientConfPath(peerID), []byte(newClientConf), 0600); err != nil {
		return KeyPair{}, fmt.Errorf("write client conf: %w", err)
	}

	if _, err := d.cmd.Exec(ctx, "wg", "set", "wg0", "peer", snap.oldKeys.PublicKey, "remove"); err != nil {
		return KeyPair{}, fmt.Errorf("remove old peer: %w", err)
	}
	if _, err := d.cmd.Exec(ctx, "wg", "set", "wg0", "peer", newKeys.PublicKey,
		"preshared-key", newKeys.PresharedKey, "allowed-ips", allowedIPs); err != nil {
		return KeyPair{}, fmt.Errorf("add new peer: %w", err)
	}

	newServerConf, err := wgconf.RewriteServerConfig(snap.serverConfText, snap.oldKeys.PublicKey, wgconf.ServerPeerStanza{
		PublicKey:    newKeys.PublicKey,
		PresharedKey: newKeys.PresharedKey,
		AllowedIPs:   allowedIPs,
	})
	if err != nil {
		return KeyPair{}, fmt.Errorf("rewrite server conf: %w", err)
	}
	if err := os.WriteFile(d.cfg.serverConf(), []byte(newServerConf), 0600); err != nil {
		return KeyPair{}, fmt.Errorf("write server conf: %w", err)
	}

	return newKeys, nil
}

func writeKeyFiles(cfg Config, peerID int, keys KeyPair) error {
	if err := os.WriteFile(cfg.privateKeyPath(peerID), []byte(keys.PrivateKey+"\n"), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(cfg.publicKeyPath(peerID), []byte(keys.PublicKey+"\n"), 0600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(cfg.presharedKeyPath(peerID), []byte(keys.PresharedKey+"\n"), 0600); err != nil {
		return fmt.Errorf("write preshared key: %w", err)
	}
	return nil
}

// rollback restores every artifact ReplaceConfig may have mutated, matching
// spec.md §8 scenario 5's post-condition exactly: old public key still
// present in the running interface, client/server conf byte-identical to
// pre-call.
func (d *Driver) rollback(ctx context.Context, peerID int, snap snapshot) error {
	if err := writeKeyFiles(d.cfg, peerID, snap.oldKeys); err != nil {
		return fmt.Errorf("restore key files: %w", err)
	}
	if err := os.WriteFile(d.cfg.clientConfPath(peerID), []byte(snap.clientConfText), 0600); err != nil {
		return fmt.Errorf("restore client conf: %w", err)
	}
	if err := os.WriteFile(d.cfg.serverConf(), []byte(snap.serverConfText), 0600); err != nil {
		return fmt.Errorf("restore server conf: %w", err)
	}

	// Best-effort: remove whatever new peer may have been added and
	// restore the old one. Both calls are idempotent against a daemon
	// that never got that far.
	_, _ = d.cmd.Exec(ctx, "wg", "set", "wg0", "peer", snap.oldKeys.PublicKey,
		"preshared-key", snap.oldKeys.PresharedKey)
	return nil
}

// ReplaceConfigs rotates the given peer ids (or all allocated peer ids if
// empty) strictly sequentially: spec.md §4.2 forbids parallel rotation
// because all peers share the one running interface.
func (d *Driver) ReplaceConfigs(ctx context.Context, peerIDs []int, clientIPs map[int]string) (map[int]RotateResult, error) {
	if len(peerIDs) == 0 {
		for peerID := 1; peerID <= d.cfg.PeerCount; peerID++ {
			if _, err := os.Stat(d.cfg.clientConfPath(peerID)); err == nil {
				peerIDs = append(peerIDs, peerID)
			}
		}
	}

	results := make(map[int]RotateResult, len(peerIDs))
	for _, id := range peerIDs {
		res, err := d.ReplaceConfig(ctx, id, clientIPs[id])
		if err != nil {
			return results, fmt.Errorf("replace config for peer %d: %w", id, err)
		}
		results[id] = res
	}
	return results, nil
}

// DeleteConfigs removes the on-disk peer directories for ids.
func (d *Driver) DeleteConfigs(ids []int) error {
	for _, id := range ids {
		if err := os.RemoveAll(d.cfg.peerDir(id)); err != nil {
			return fmt.Errorf("delete peer %d config: %w", id, err)
		}
	}
	return nil
}

// Restart restarts the WireGuard container.
func (d *Driver) Restart(ctx context.Context) error {
	if err := d.cmd.Restart(ctx); err != nil {
		return fmt.Errorf("restart wireguard container: %w", err)
	}
	return nil
}

// ReadClientConf reads peerK.conf, the text handed back to whoever leased
// peerID (spec.md §4.11 step 4). The WireGuard init writes this file only
// after the server directory settles, so a read immediately after
// Register can race it; callers retry on a short cooldown rather than
// treating a miss here as fatal.
func (d *Driver) ReadClientConf(peerID int) (string, error) {
	b, err := os.ReadFile(d.cfg.clientConfPath(peerID))
	if err != nil {
		return "", fmt.Errorf("wireguard: read peer %d conf: %w", peerID, err)
	}
	return string(b), nil
}
