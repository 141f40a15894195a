package lock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_SecondCallerGetsNil(t *testing.T) {
	r := NewRegistry()

	rel := r.TryAcquire(NameRegisterWireGuardLease)
	require.NotNil(t, rel)

	assert.Nil(t, r.TryAcquire(NameRegisterWireGuardLease))

	rel.Release()
	rel2 := r.TryAcquire(NameRegisterWireGuardLease)
	assert.NotNil(t, rel2)
}

func TestWithLock_SerializesConcurrentCallers(t *testing.T) {
	r := NewRegistry()
	var active int32
	var maxActive int32

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_ = r.WithLock(context.Background(), NameGetSOCKS5Config, nil, func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(1), maxActive)
}

func TestWithLock_Timeout(t *testing.T) {
	r := NewRegistry()
	rel := r.TryAcquire(NameScoreAllKnownWorkers)
	require.NotNil(t, rel)
	defer rel.Release()

	err := r.WithLock(context.Background(), NameScoreAllKnownWorkers, func() <-chan struct{} {
		c := make(chan struct{})
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(c)
		}()
		return c
	}, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
}
