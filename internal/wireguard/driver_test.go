package wireguard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommand is a hand-rolled ContainerCommand fake, matching the
// teacher's own style of hand-rolling test fakes instead of generating
// mocks (see DESIGN.md).
type fakeCommand struct {
	genKeyN    int
	failOnExec func(args []string) error
	execLog    [][]string
}

func (f *fakeCommand) Exec(ctx context.Context, args ...string) ([]byte, error) {
	f.execLog = append(f.execLog, args)
	if f.failOnExec != nil {
		if err := f.failOnExec(args); err != nil {
			return nil, err
		}
	}
	switch {
	case len(args) >= 2 && args[0] == "wg" && args[1] == "genkey":
		f.genKeyN++
		return []byte(keyFor("priv", f.genKeyN)), nil
	case len(args) >= 2 && args[0] == "wg" && args[1] == "genpsk":
		f.genKeyN++
		return []byte(keyFor("psk", f.genKeyN)), nil
	case len(args) >= 2 && args[0] == "wg" && args[1] == "pubkey":
		return []byte(keyFor("pub", f.genKeyN)), nil
	}
	return nil, nil
}

func (f *fakeCommand) Restart(ctx context.Context) error { return nil }

func keyFor(kind string, n int) string {
	return kind + "-generated-" + string(rune('0'+n)) + "\n"
}

func setupPeerFixture(t *testing.T, dir string, peerID int) {
	t.Helper()
	peerDir := filepath.Join(dir, "peer1")
	require.NoError(t, os.MkdirAll(peerDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(peerDir, "peer1.conf"),
		[]byte("[Interface]\nPrivateKey = oldpriv==\nAddress = 10.8.0.2/32\n\n[Peer]\nPublicKey = oldpub==\nAllowedIPs = 0.0.0.0/0\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(peerDir, "privatekey-peer1"), []byte("oldpriv==\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(peerDir, "publickey-peer1"), []byte("oldpub==\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(peerDir, "presharedkey-peer1"), []byte("oldpsk==\n"), 0600))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "wg_confs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wg_confs", "wg0.conf"),
		[]byte("[Interface]\nAddress = 10.8.0.1/24\nPrivateKey = srvpriv==\n\n[Peer]\nPublicKey = oldpub==\nAllowedIPs = 10.8.0.2/32\n"), 0600))
}

func TestReplaceConfig_Success(t *testing.T) {
	dir := t.TempDir()
	setupPeerFixture(t, dir, 1)
	cmd := &fakeCommand{}
	d := NewDriver(Config{ConfigDir: dir, PeerCount: 1}, cmd)

	res, err := d.ReplaceConfig(context.Background(), 1, "10.8.0.2")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.NewKeys)

	serverConf, err := os.ReadFile(filepath.Join(dir, "wg_confs", "wg0.conf"))
	require.NoError(t, err)
	assert.NotContains(t, string(serverConf), "oldpub==")
	assert.Contains(t, string(serverConf), res.NewKeys.PublicKey)
}

func TestReplaceConfig_RollsBackOnAddPeerFailure(t *testing.T) {
	dir := t.TempDir()
	setupPeerFixture(t, dir, 1)

	origServerConf, err := os.ReadFile(filepath.Join(dir, "wg_confs", "wg0.conf"))
	require.NoError(t, err)
	origClientConf, err := os.ReadFile(filepath.Join(dir, "peer1", "peer1.conf"))
	require.NoError(t, err)

	cmd := &fakeCommand{
		failOnExec: func(args []string) error {
			// Fail specifically on "add new peer" (the call carrying allowed-ips).
			for _, a := range args {
				if a == "allowed-ips" {
					return assertErr
				}
			}
			return nil
		},
	}
	d := NewDriver(Config{ConfigDir: dir, PeerCount: 1}, cmd)

	res, err := d.ReplaceConfig(context.Background(), 1, "10.8.0.2")
	require.NoError(t, err)
	assert.False(t, res.Success)

	gotServerConf, err := os.ReadFile(filepath.Join(dir, "wg_confs", "wg0.conf"))
	require.NoError(t, err)
	assert.Equal(t, string(origServerConf), string(gotServerConf))

	gotClientConf, err := os.ReadFile(filepath.Join(dir, "peer1", "peer1.conf"))
	require.NoError(t, err)
	assert.Equal(t, string(origClientConf), string(gotClientConf))
}

var assertErr = &execError{"simulated wg set failure"}

type execError struct{ msg string }

func (e *execError) Error() string { return e.msg }

func TestCountConfigs(t *testing.T) {
	dir := t.TempDir()
	setupPeerFixture(t, dir, 1)
	d := NewDriver(Config{ConfigDir: dir, PeerCount: 3}, &fakeCommand{})
	assert.Equal(t, 1, d.CountConfigs())
}

func TestServerReady_TimesOutWithoutMarker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0755))
	d := NewDriver(Config{ConfigDir: dir, PeerCount: 1, DefaultPollInterval: 5_000_000}, &fakeCommand{})

	ready, err := d.ServerReady(context.Background(), ReadyOptions{GraceWindow: 20_000_000})
	require.NoError(t, err)
	assert.False(t, ready)
}
