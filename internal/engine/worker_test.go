package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRunner_RunsJobs(t *testing.T) {
	r := newSessionRunner(context.Background(), 2, nil)
	defer r.Shutdown()

	var ran atomic.Int64
	for i := range 5 {
		require.NoError(t, r.Go(fmt.Sprintf("s-%d", i), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	r.Wait()
	assert.Equal(t, int64(5), ran.Load())
	assert.Equal(t, 0, r.Queued("s-0"))
}

func TestSessionRunner_SlotLimit(t *testing.T) {
	r := newSessionRunner(context.Background(), 3, nil)
	defer r.Shutdown()

	var current, peak atomic.Int64
	for i := range 10 {
		require.NoError(t, r.Go(fmt.Sprintf("s-%d", i), func(ctx context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	r.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestSessionRunner_SameSessionRunsInOrder(t *testing.T) {
	r := newSessionRunner(context.Background(), 4, nil)
	defer r.Shutdown()

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int64
		overlap atomic.Bool
	)
	for i := range 6 {
		require.NoError(t, r.Go("telegram:1", func(ctx context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		}))
	}
	r.Wait()
	assert.False(t, overlap.Load(), "jobs for one session overlapped")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestSessionRunner_QueuedBehindRunningJob(t *testing.T) {
	r := newSessionRunner(context.Background(), 2, nil)
	defer r.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, r.Go("s-1", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, r.Go("s-1", func(ctx context.Context) error { return nil }))
	<-started
	assert.Equal(t, 2, r.Queued("s-1"))

	close(release)
	r.Wait()
	assert.Equal(t, 0, r.Queued("s-1"))
}

func TestSessionRunner_ReportsErrorsAndPanics(t *testing.T) {
	var (
		mu       sync.Mutex
		reported = map[string]error{}
	)
	r := newSessionRunner(context.Background(), 2, func(key string, err error) {
		mu.Lock()
		reported[key] = err
		mu.Unlock()
	})
	defer r.Shutdown()

	require.NoError(t, r.Go("a", func(ctx context.Context) error { return errors.New("resume failed") }))
	require.NoError(t, r.Go("b", func(ctx context.Context) error { panic("boom") }))
	require.NoError(t, r.Go("b", func(ctx context.Context) error { return nil }))
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	assert.EqualError(t, reported["a"], "resume failed")
	assert.Contains(t, reported["b"].Error(), "boom")
}

func TestSessionRunner_ShutdownDrainsAndRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newSessionRunner(ctx, 1, nil)

	var cancelled atomic.Int64
	block := make(chan struct{})
	require.NoError(t, r.Go("s-1", func(ctx context.Context) error {
		<-block
		return nil
	}))
	for range 3 {
		require.NoError(t, r.Go("s-2", func(ctx context.Context) error {
			if ctx.Err() != nil {
				cancelled.Add(1)
			}
			return ctx.Err()
		}))
	}

	cancel()
	close(block)
	r.Shutdown()
	r.Shutdown()

	assert.Equal(t, int64(3), cancelled.Load(), "queued jobs see the cancelled context")
	assert.ErrorIs(t, r.Go("s-3", func(ctx context.Context) error { return nil }), ErrRunnerClosed)
}
