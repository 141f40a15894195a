// Package netns is the production internal/federation.NamespaceRunner:
// bringing up a throwaway WireGuard interface inside an isolated Linux
// network namespace long enough to curl the egress canary through it, then
// tearing the namespace down. Grounded on the same subprocess-per-op idiom
// as internal/containerctl, since no network-namespace library appears
// anywhere in the retrieved pack.
package netns

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// Runner shells out to "ip netns" and "wg-quick" to stand up a throwaway
// tunnel per probe.
type Runner struct {
	// WgQuickPath overrides the wg-quick binary, for environments that
	// install it outside PATH. Empty means "wg-quick".
	WgQuickPath string
}

// New returns a Runner using the system's wg-quick binary.
func New() *Runner { return &Runner{} }

// CurlThroughTunnel implements federation.NamespaceRunner: write config to a
// scratch file, bring up a dedicated namespace and WireGuard interface
// inside it, curl canaryURL through that interface, then tear everything
// down regardless of outcome.
func (r *Runner) CurlThroughTunnel(ctx context.Context, config string, canaryURL string) (string, error) {
	ns := "tpn-probe-" + uuid.NewString()[:8]

	if err := r.run(ctx, "ip", "netns", "add", ns); err != nil {
		return "", fmt.Errorf("netns: create namespace: %w", err)
	}
	defer r.run(context.WithoutCancel(ctx), "ip", "netns", "delete", ns)

	confPath, err := writeScratchConf(ns, config)
	if err != nil {
		return "", fmt.Errorf("netns: write scratch config: %w", err)
	}
	defer os.Remove(confPath)

	wgQuick := r.WgQuickPath
	if wgQuick == "" {
		wgQuick = "wg-quick"
	}
	if err := r.run(ctx, "ip", "netns", "exec", ns, wgQuick, "up", confPath); err != nil {
		return "", fmt.Errorf("netns: bring up tunnel: %w", err)
	}
	defer r.run(context.WithoutCancel(ctx), "ip", "netns", "exec", ns, wgQuick, "down", confPath)

	out, err := r.output(ctx, "ip", "netns", "exec", ns, "curl", "-s", "--max-time", "10", canaryURL)
	if err != nil {
		return "", fmt.Errorf("netns: curl canary: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func writeScratchConf(ns, config string) (string, error) {
	path := fmt.Sprintf("/tmp/%s.conf", ns)
	if err := os.WriteFile(path, []byte(config), 0600); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Runner) run(ctx context.Context, name string, args ...string) error {
	_, err := r.output(ctx, name, args...)
	return err
}

func (r *Runner) output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %v: %w (%s)", name, args, err, stderr.String())
	}
	return stdout.String(), nil
}
