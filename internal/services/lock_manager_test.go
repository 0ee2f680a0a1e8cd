// internal/services/lock_manager_test.go
package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLimiterGlobalCap(t *testing.T) {
	rl := NewRequestLimiter(2)
	defer rl.Close()

	var current, peak int64
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rl.Execute(context.Background(), "", func(ctx context.Context) error {
				n := atomic.AddInt64(&current, 1)
				// Track the high-water mark of concurrent tasks.
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&current, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	assert.Equal(t, int64(0), rl.InFlight())
}

func TestRequestLimiterSerializesSameKey(t *testing.T) {
	rl := NewRequestLimiter(4)
	defer rl.Close()

	var inside int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rl.Execute(context.Background(), "node-42", func(ctx context.Context) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "tasks sharing a node key must never run concurrently")
}

func TestRequestLimiterPropagatesTaskError(t *testing.T) {
	rl := NewRequestLimiter(1)
	defer rl.Close()

	wantErr := errors.New("backend exploded")
	err := rl.Execute(context.Background(), "node-1", func(ctx context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestRequestLimiterRespectsContextCancel(t *testing.T) {
	rl := NewRequestLimiter(1)
	defer rl.Close()

	release := make(chan struct{})
	go func() {
		_ = rl.Execute(context.Background(), "", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()

	// Give the first task time to occupy the only slot.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rl.Execute(ctx, "", func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	close(release)
}
