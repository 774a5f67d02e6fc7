package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SerializesCallers(t *testing.T) {
	gate := NewGate()
	var inside, maxInside atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gate.WithExclusiveAccess(context.Background(), func(ctx context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestGate_TimeoutReturnsBusy(t *testing.T) {
	gate := NewGate(WithAcquireTimeout(10 * time.Millisecond))
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = gate.WithExclusiveAccess(context.Background(), func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	called := false
	err := gate.WithExclusiveAccess(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.True(t, pkgerrors.IsInferenceBusy(err))
	assert.False(t, called)
}

func TestGate_CancelledContext(t *testing.T) {
	gate := NewGate()
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = gate.WithExclusiveAccess(context.Background(), func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := gate.WithExclusiveAccess(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewGate().WithExclusiveAccess(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGate_ReleasedAfterErrorAndPanic(t *testing.T) {
	gate := NewGate(WithAcquireTimeout(50 * time.Millisecond))
	boom := errors.New("model failed")

	err := gate.WithExclusiveAccess(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = gate.WithExclusiveAccess(context.Background(), func(ctx context.Context) error { panic("explainer bug") })
	})

	err = gate.WithExclusiveAccess(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}
