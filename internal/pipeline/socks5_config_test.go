package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/lease/sockstore"
)

type fakeDante struct {
	ready      bool
	readyErr   error
	initialized bool
	diskCreds  []domain.SOCKS5Credential
	restarts   int
}

func (f *fakeDante) ServerReady(ctx context.Context, maxWait time.Duration) (bool, error) {
	return f.ready, f.readyErr
}

func (f *fakeDante) LoadFromDisk() ([]domain.SOCKS5Credential, error) { return f.diskCreds, nil }

func (f *fakeDante) Restart(ctx context.Context) error {
	f.restarts++
	f.initialized = false
	return nil
}

func (f *fakeDante) MarkInitialized() { f.initialized = true }
func (f *fakeDante) Initialized() bool { return f.initialized }

type fakeSockStore struct {
	writes    [][]domain.SOCKS5Credential
	exhaustedUntilRestart int
	cred      domain.SOCKS5Credential
}

func (f *fakeSockStore) Get(ctx context.Context, expiresAt time.Time, priority bool, prioritySlots int) (domain.SOCKS5Credential, error) {
	if f.exhaustedUntilRestart > 0 {
		f.exhaustedUntilRestart--
		return domain.SOCKS5Credential{}, &sockstore.ErrNoneAvailable{}
	}
	return f.cred, nil
}

func (f *fakeSockStore) Write(ctx context.Context, creds []domain.SOCKS5Credential) error {
	f.writes = append(f.writes, creds)
	return nil
}

func TestGetValidSOCKS5Config_LoadsFromDiskWhenUninitialized(t *testing.T) {
	dante := &fakeDante{ready: true, diskCreds: []domain.SOCKS5Credential{{Username: "u1"}}}
	sockets := &fakeSockStore{cred: domain.SOCKS5Credential{Username: "u1", Password: "p1"}}
	p := New(Deps{Dante: dante, Sockets: sockets})

	cred, err := p.GetValidSOCKS5Config(context.Background(), SOCKS5ConfigRequest{})
	require.NoError(t, err)
	assert.Equal(t, "u1", cred.Username)
	assert.True(t, dante.initialized)
	assert.Len(t, sockets.writes, 1)
}

func TestGetValidSOCKS5Config_SkipsReloadWhenAlreadyInitialized(t *testing.T) {
	dante := &fakeDante{ready: true, initialized: true}
	sockets := &fakeSockStore{cred: domain.SOCKS5Credential{Username: "u2"}}
	p := New(Deps{Dante: dante, Sockets: sockets})

	_, err := p.GetValidSOCKS5Config(context.Background(), SOCKS5ConfigRequest{Priority: true})
	require.NoError(t, err)
	assert.Empty(t, sockets.writes)
}

func TestGetValidSOCKS5Config_RestartsAndReloadsOnceOnStandardExhaustion(t *testing.T) {
	dante := &fakeDante{ready: true, initialized: true}
	sockets := &fakeSockStore{
		exhaustedUntilRestart: 1,
		cred:                  domain.SOCKS5Credential{Username: "u3"},
	}
	p := New(Deps{Dante: dante, Sockets: sockets})

	cred, err := p.GetValidSOCKS5Config(context.Background(), SOCKS5ConfigRequest{Priority: false})
	require.NoError(t, err)
	assert.Equal(t, "u3", cred.Username)
	assert.Equal(t, 1, dante.restarts)
}

func TestGetValidSOCKS5Config_FailsWhenServerNeverReady(t *testing.T) {
	dante := &fakeDante{ready: false}
	sockets := &fakeSockStore{}
	p := New(Deps{Dante: dante, Sockets: sockets})

	_, err := p.GetValidSOCKS5Config(context.Background(), SOCKS5ConfigRequest{})
	assert.Error(t, err)
}
