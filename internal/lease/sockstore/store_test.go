package sockstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/store"
)

type fakeRegen struct {
	mu      sync.Mutex
	fail    map[string]bool
	calls   []string
	newPass string
}

func (f *fakeRegen) RegenerateConfig(ctx context.Context, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, username)
	if f.fail[username] {
		return "", assertErr
	}
	if f.newPass != "" {
		return f.newPass, nil
	}
	return "rotated-" + username, nil
}

var assertErr = errOf("simulated regen failure")

type errOf string

func (e errOf) Error() string { return string(e) }

func newTestStore(t *testing.T, passwordDir string) (*Store, *fakeRegen) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	regen := &fakeRegen{fail: map[string]bool{}}
	s, err := New(db, lock.NewRegistry(), regen, passwordDir)
	require.NoError(t, err)
	return s, regen
}

func seedCreds(t *testing.T, s *Store, n int) {
	t.Helper()
	creds := make([]domain.SOCKS5Credential, 0, n)
	for i := 0; i < n; i++ {
		creds = append(creds, domain.SOCKS5Credential{
			IPAddress: "203.0.113.5",
			Port:      1080,
			Username:  "user" + string(rune('A'+i)),
			Password:  "pw" + string(rune('A'+i)),
		})
	}
	require.NoError(t, s.Write(context.Background(), creds))
}

func TestWrite_UpsertsAndSweepsStaleRows(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	seedCreds(t, s, 3)

	require.NoError(t, s.Write(ctx, []domain.SOCKS5Credential{
		{IPAddress: "203.0.113.5", Port: 1080, Username: "userA", Password: "newpw"},
	}))

	count, err := s.CountAvailable(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWrite_EmptyInputDeletesAllRows(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	seedCreds(t, s, 2)

	require.NoError(t, s.Write(ctx, nil))
	count, err := s.CountAvailable(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGetStandard_LeasesExclusivelyAndWritesMarker(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, dir)
	ctx := context.Background()
	seedCreds(t, s, 2)

	cred, err := s.Get(ctx, time.Now().Add(time.Hour), false, 0)
	require.NoError(t, err)
	assert.False(t, cred.Available)

	_, statErr := os.Stat(filepath.Join(dir, cred.Username+".password.used"))
	assert.NoError(t, statErr)

	count, err := s.CountAvailable(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// Priority SOCKS5 sharing: with 2 priority rows, many concurrent priority
// requests must all succeed without ever flipping available (spec.md §8
// scenario 3).
func TestGetPriority_SharesRowsWithoutFlippingAvailable(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	seedCreds(t, s, 2)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(ctx, time.Now().Add(time.Hour), true, 2)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	count, err := s.CountAvailable(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "priority leases must never flip available")
}

func TestGetStandard_ExhaustionRecoversViaCleanup(t *testing.T) {
	s, regen := newTestStore(t, "")
	ctx := context.Background()
	seedCreds(t, s, 1)

	cred, err := s.Get(ctx, time.Now().Add(-time.Second), false, 0)
	require.NoError(t, err)

	got, err := s.Get(ctx, time.Now().Add(time.Hour), false, 0)
	require.NoError(t, err)
	assert.Equal(t, cred.Username, got.Username)
	assert.Contains(t, regen.calls, cred.Username)
}

func TestCleanupExpired_DeletesRowsWhoseRegenerationFails(t *testing.T) {
	s, regen := newTestStore(t, "")
	ctx := context.Background()
	seedCreds(t, s, 1)
	regen.fail["userA"] = true

	cred, err := s.Get(ctx, time.Now().Add(-time.Second), false, 0)
	require.NoError(t, err)
	assert.Equal(t, "userA", cred.Username)

	require.NoError(t, s.CleanupExpired(ctx))
	count, err := s.CountAvailable(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
