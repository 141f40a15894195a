package containerctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDockerOnPath writes a stub "docker" binary that records its
// invocation and prepends its directory onto PATH, so Exec/Restart drive a
// script instead of a real container runtime.
func fakeDockerOnPath(t *testing.T, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake docker script is a POSIX shell script")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestDocker_Exec_ReturnsStdout(t *testing.T) {
	fakeDockerOnPath(t, "#!/bin/sh\necho \"$@\"\n")

	d := New("tpn-wireguard")
	out, err := d.Exec(context.Background(), "wg", "show", "wg0")
	require.NoError(t, err)
	require.Equal(t, "exec tpn-wireguard wg show wg0\n", string(out))
}

func TestDocker_Exec_WrapsNonZeroExitWithStderr(t *testing.T) {
	fakeDockerOnPath(t, "#!/bin/sh\necho 'boom' >&2\nexit 1\n")

	d := New("tpn-wireguard")
	_, err := d.Exec(context.Background(), "wg", "show")
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestDocker_Restart_InvokesDockerRestartWithContainerName(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "called")
	fakeDockerOnPath(t, fmt.Sprintf("#!/bin/sh\necho \"$@\" > %q\n", marker))

	d := New("tpn-dante")
	require.NoError(t, d.Restart(context.Background()))

	got, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "restart tpn-dante\n", string(got))
}
