// Package containerctl is the production ContainerCommand for
// internal/wireguard.Driver and internal/dante.Driver: both ask only for
// "run this tool inside the running container" and "restart the
// container", so a single subprocess-per-op type backed by the docker CLI
// satisfies both (spec.md §9's typed-driver note keeps the container
// runtime itself out of the driver packages). Grounded on
// sn-manager/internal/manager/manager.go's exec.CommandContext idiom.
package containerctl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Docker drives a named container via the docker CLI binary on PATH.
type Docker struct {
	Container string
}

// New returns a Docker targeting containerName.
func New(containerName string) *Docker {
	return &Docker{Container: containerName}
}

// Exec runs args inside the container via "docker exec" and returns stdout.
func (d *Docker) Exec(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"exec", d.Container}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("containerctl: docker exec %s %v: %w (%s)", d.Container, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Restart restarts the container via "docker restart".
func (d *Docker) Restart(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "restart", d.Container)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("containerctl: docker restart %s: %w (%s)", d.Container, err, stderr.String())
	}
	return nil
}
