// Package worker provides a generic bounded worker pool used for
// fire-and-forget dispatch of pipeline results. Submit never blocks: when the
// queue is full the work item is dropped and counted, which keeps the
// processing hot path free of downstream backpressure.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/topicrelay/metric"
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metrics *poolMetrics
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	processed  prometheus.Counter
	failed     prometheus.Counter
	dropped    prometheus.Counter
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers pool metrics under the given prefix.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		m := &poolMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: prefix + "_queue_depth",
				Help: "Current worker pool queue depth",
			}),
			submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_submitted_total",
				Help: "Total work items submitted",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_processed_total",
				Help: "Total work items processed",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_failed_total",
				Help: "Total work items that failed processing",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: prefix + "_dropped_total",
				Help: "Total work items dropped due to full queue",
			}),
		}
		collectors := map[string]prometheus.Collector{
			prefix + "_queue_depth":     m.queueDepth,
			prefix + "_submitted_total": m.submitted,
			prefix + "_processed_total": m.processed,
			prefix + "_failed_total":    m.failed,
			prefix + "_dropped_total":   m.dropped,
		}
		registered := make([]string, 0, len(collectors))
		for name, c := range collectors {
			if err := registry.Register("worker_pool", name, c); err != nil {
				// Metrics are best-effort; a collision leaves the pool
				// functional without instrumentation, and nothing from the
				// partial set may stay behind in the shared registry.
				for _, done := range registered {
					registry.Unregister(done, collectors[done])
				}
				p.metrics = nil
				return
			}
			registered = append(registered, name)
		}
		p.metrics = m
	}
}

// NewPool creates a worker pool. Zero or negative workers/queueSize fall back
// to defaults of 10 and 1000. A nil processor panics: the pool is useless
// without one and this is always a programming error.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. The pool runs until Stop is called
// or ctx is canceled.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(workerCtx)
	}
	return nil
}

// Submit enqueues a work item without blocking. Returns ErrQueueFull when the
// queue is at capacity; the item is dropped and counted. The lifecycle mutex
// is held across the send so Stop cannot close the channel underneath it.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop drains the queue and waits for workers to finish, up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return ErrStopTimeout
	}
}

// Stats returns the pool's cumulative counters.
func (p *Pool[T]) Stats() (submitted, processed, failed, dropped int64) {
	return p.submitted.Load(), p.processed.Load(), p.failed.Load(), p.dropped.Load()
}

// run is the worker loop. It exits when the work channel is closed or the
// context is canceled.
func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			if err := p.processor(ctx, work); err != nil {
				p.failed.Add(1)
				if p.metrics != nil {
					p.metrics.failed.Inc()
				}
			} else {
				p.processed.Add(1)
				if p.metrics != nil {
					p.metrics.processed.Inc()
				}
			}
			if p.metrics != nil {
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
			}
		case <-ctx.Done():
			return
		}
	}
}
