package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpn-federation/core/internal/domain"
)

func TestMint_StartsPending(t *testing.T) {
	s := New(time.Minute)
	id := s.Mint()
	status, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, domain.RequestTicketPending, status)
}

func TestComplete_TransitionsStatus(t *testing.T) {
	s := New(time.Minute)
	id := s.Mint()
	s.Complete(id)
	status, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, domain.RequestTicketComplete, status)
}

func TestStatus_UnknownRequestIDReturnsFalse(t *testing.T) {
	s := New(time.Minute)
	_, ok := s.Status("never-minted")
	assert.False(t, ok)
}

func TestStatus_ExpiresAfterTTL(t *testing.T) {
	s := New(20 * time.Millisecond)
	id := s.Mint()
	time.Sleep(80 * time.Millisecond)
	_, ok := s.Status(id)
	assert.False(t, ok)
}
