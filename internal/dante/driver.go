// Package dante drives the SOCKS5 daemon via the two filesystem protocols
// described in spec.md §4.3/§9: a boot-time read of <PASSWORD_DIR>/*.password
// (+ .used markers), and a regen protocol where the driver drops a trigger
// file into DANTE_REGEN_REQUEST_DIR and polls for the daemon to consume it.
package dante

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/telemetry"
)

// ContainerCommand mirrors wireguard.ContainerCommand: the typed driver
// abstraction spec.md §9 asks for, reused here for the Dante container.
type ContainerCommand interface {
	Restart(ctx context.Context) error
}

// Config controls filesystem locations; defaults match spec.md §6.
type Config struct {
	PublicHost   string
	Port         int // DANTE_PORT, default 1080
	PasswordDir  string
	RegenDir     string
	RegenTimeout time.Duration // default 20s
}

// Driver is the Dante container driver (C3).
type Driver struct {
	cfg Config
	cmd ContainerCommand

	initialized atomic.Bool
}

func NewDriver(cfg Config, cmd ContainerCommand) *Driver {
	if cfg.RegenTimeout == 0 {
		cfg.RegenTimeout = 20 * time.Second
	}
	return &Driver{cfg: cfg, cmd: cmd}
}

func (d *Driver) passwordFile(username string) string {
	return filepath.Join(d.cfg.PasswordDir, username+".password")
}

func (d *Driver) usedFile(username string) string {
	return filepath.Join(d.cfg.PasswordDir, username+".password.used")
}

// ServerReady probes the daemon's public TCP port for up to maxWait.
func (d *Driver) ServerReady(ctx context.Context, maxWait time.Duration) (bool, error) {
	hostPort := fmt.Sprintf("%s:%d", d.cfg.PublicHost, d.cfg.Port)
	deadline := time.Now().Add(maxWait)
	dialer := &net.Dialer{}
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, err := dialer.DialContext(dialCtx, "tcp", hostPort)
		cancel()
		if err == nil {
			conn.Close()
			return true, nil
		}
		if maxWait > 0 && time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// LoadFromDisk reads every <user>.password file in PasswordDir, deriving
// Available from the absence of the matching .password.used marker
// (spec.md §4.3). Re-running is idempotent: DB state becomes purely a
// function of this file set (spec.md §8 round-trip law).
func (d *Driver) LoadFromDisk() ([]domain.SOCKS5Credential, error) {
	entries, err := os.ReadDir(d.cfg.PasswordDir)
	if err != nil {
		return nil, fmt.Errorf("dante: read password dir %s: %w", d.cfg.PasswordDir, err)
	}

	var creds []domain.SOCKS5Credential
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".password") || strings.HasSuffix(name, ".password.used") {
			continue
		}
		username := strings.TrimSuffix(name, ".password")

		passBytes, err := os.ReadFile(filepath.Join(d.cfg.PasswordDir, name))
		if err != nil {
			return nil, fmt.Errorf("dante: read password file for %s: %w", username, err)
		}

		available := true
		expiresAt := int64(0)
		if usedBytes, err := os.ReadFile(d.usedFile(username)); err == nil {
			available = false
			if ms, err := strconv.ParseInt(strings.TrimSpace(string(usedBytes)), 10, 64); err == nil {
				expiresAt = ms
			}
		}

		creds = append(creds, domain.SOCKS5Credential{
			IPAddress: d.cfg.PublicHost,
			Port:      d.cfg.Port,
			Username:  username,
			Password:  strings.TrimSpace(string(passBytes)),
			Available: available,
			ExpiresAt: expiresAt,
		})
	}
	return creds, nil
}

// RegenerateConfig drops a trigger file for username and waits for the
// daemon to delete it (signalling the password file has been rewritten),
// timing out after cfg.RegenTimeout (spec.md §4.3, §5). It watches the regen
// directory with fsnotify where available, falling back to polling in
// environments without inotify (e.g. some container filesystems).
func (d *Driver) RegenerateConfig(ctx context.Context, username string) (newPassword string, err error) {
	trigger := filepath.Join(d.cfg.RegenDir, username)
	if err := os.WriteFile(trigger, nil, 0644); err != nil {
		return "", fmt.Errorf("dante: create regen trigger for %s: %w", username, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RegenTimeout)
	defer cancel()

	if err := d.waitForConsumption(ctx, trigger, username); err != nil {
		return "", err
	}

	passBytes, err := os.ReadFile(d.passwordFile(username))
	if err != nil {
		return "", fmt.Errorf("dante: read regenerated password for %s: %w", username, err)
	}
	return strings.TrimSpace(string(passBytes)), nil
}

func (d *Driver) waitForConsumption(ctx context.Context, trigger, username string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		telemetry.Warn(ctx, "dante: fsnotify unavailable, falling back to polling", telemetry.Fields{
			telemetry.FieldUsername: username,
			telemetry.FieldError:    err.Error(),
		})
		return d.pollForConsumption(ctx, trigger)
	}
	defer watcher.Close()

	if err := watcher.Add(d.cfg.RegenDir); err != nil {
		return d.pollForConsumption(ctx, trigger)
	}

	if _, statErr := os.Stat(trigger); os.IsNotExist(statErr) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("dante: regenerate config for %s: %w", username, ErrRegenTimeout)
		case ev, ok := <-watcher.Events:
			if !ok {
				return d.pollForConsumption(ctx, trigger)
			}
			if ev.Name != trigger {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil
			}
		case <-watcher.Errors:
			return d.pollForConsumption(ctx, trigger)
		}
	}
}

func (d *Driver) pollForConsumption(ctx context.Context, trigger string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, statErr := os.Stat(trigger); os.IsNotExist(statErr) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dante: regenerate config timed out: %w", ErrRegenTimeout)
		case <-ticker.C:
		}
	}
}

// ErrRegenTimeout is returned when the daemon never consumed the trigger
// file within the configured budget.
var ErrRegenTimeout = fmt.Errorf("dante: regeneration timed out")

// Restart restarts the Dante container and marks the driver uninitialized
// so the next pipeline GetValidSOCKS5Config call reloads from disk.
func (d *Driver) Restart(ctx context.Context) error {
	if err := d.cmd.Restart(ctx); err != nil {
		return fmt.Errorf("dante: restart container: %w", err)
	}
	d.initialized.Store(false)
	return nil
}

// MarkInitialized flips the initialized flag once the password table has
// been loaded from disk at least once since the last restart.
func (d *Driver) MarkInitialized() { d.initialized.Store(true) }

// Initialized reports whether LoadFromDisk has run since the last restart.
func (d *Driver) Initialized() bool { return d.initialized.Load() }
