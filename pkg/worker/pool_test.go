package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicrelay/metric"
)

func TestPoolProcessesSubmittedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool[int](4, 100, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(2*time.Second))

	assert.Equal(t, int64(50), processed.Load())
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool[int](1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue. Give the
	// worker a moment to pick up the first item.
	require.NoError(t, pool.Submit(1))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pool.Submit(2))

	err := pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)

	_, _, _, dropped := pool.Stats()
	assert.Equal(t, int64(1), dropped)

	close(block)
	require.NoError(t, pool.Stop(2*time.Second))
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool[int](2, 10, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(2*time.Second))

	_, processed, failed, _ := pool.Stats()
	assert.Equal(t, int64(5), processed)
	assert.Equal(t, int64(5), failed)
}

func TestPoolNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}

func TestPoolSubmitRacingStop(t *testing.T) {
	// Submitters hammering the pool while Stop closes the queue must see
	// ErrPoolStopped, never a send on the closed channel.
	for i := 0; i < 50; i++ {
		pool := NewPool[int](2, 4, func(context.Context, int) error { return nil })
		require.NoError(t, pool.Start(context.Background()))

		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for {
					if err := pool.Submit(1); errors.Is(err, ErrPoolStopped) {
						return
					}
				}
			}()
		}
		close(start)
		require.NoError(t, pool.Stop(2*time.Second))
		wg.Wait()
	}
}

func TestPoolMetricsCollisionUnregistersPartialSet(t *testing.T) {
	registry := metric.NewRegistry()

	taken := prometheus.NewCounter(prometheus.CounterOpts{Name: "p_submitted_total"})
	require.NoError(t, registry.Register("other", "p_submitted_total", taken))

	pool := NewPool[int](1, 1, func(context.Context, int) error { return nil },
		WithMetrics[int](registry, "p"))
	assert.Nil(t, pool.metrics)

	// Every name from the aborted registration must be free again.
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "p_queue_depth"})
	assert.NoError(t, registry.Register("other", "p_queue_depth", gauge))
}

func TestPoolConcurrentSubmit(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool[int](8, 2000, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = pool.Submit(i)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, pool.Stop(2*time.Second))

	submitted, done, _, dropped := pool.Stats()
	assert.Equal(t, submitted, done)
	assert.Equal(t, int64(800), submitted+dropped)
}
