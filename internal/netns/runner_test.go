package netns

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeIPOnPath stubs the "ip" binary CurlThroughTunnel drives: it accepts
// every "netns add/delete/exec" invocation, and when the exec'd command is
// curl it prints a fixed canary response instead of actually dialing out.
func fakeIPOnPath(t *testing.T, canaryIP string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ip script is a POSIX shell script")
	}

	script := `#!/bin/sh
for arg in "$@"; do
  if [ "$arg" = "curl" ]; then
    echo "` + canaryIP + `"
    exit 0
  fi
done
exit 0
`
	dir := t.TempDir()
	path := filepath.Join(dir, "ip")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestRunner_CurlThroughTunnel_ReturnsTrimmedCanaryIP(t *testing.T) {
	fakeIPOnPath(t, "203.0.113.7")

	r := New()
	ip, err := r.CurlThroughTunnel(context.Background(), "[Interface]\nPrivateKey = x\n", "https://api.ipify.org")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", ip)
}

func TestRunner_CurlThroughTunnel_RemovesScratchConfigOnSuccess(t *testing.T) {
	fakeIPOnPath(t, "203.0.113.7")

	r := New()
	_, err := r.CurlThroughTunnel(context.Background(), "[Interface]\nPrivateKey = x\n", "https://api.ipify.org")
	require.NoError(t, err)

	entries, err := filepath.Glob("/tmp/tpn-probe-*.conf")
	require.NoError(t, err)
	require.Empty(t, entries, "scratch config should be removed after the probe completes")
}
