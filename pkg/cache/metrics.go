package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/topicrelay/metric"
)

// cacheMetrics mirrors the always-on Statistics into Prometheus when a
// registry is provided. All methods are nil-safe so the cache hot path does
// not branch on whether metrics are enabled.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.Registry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_hits_total",
			Help: "Total cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_misses_total",
			Help: "Total cache misses",
		}),
		sets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_sets_total",
			Help: "Total cache set operations",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_evictions_total",
			Help: "Total cache evictions",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_entries",
			Help: "Current number of cache entries",
		}),
	}

	collectors := map[string]prometheus.Collector{
		prefix + "_hits_total":      m.hits,
		prefix + "_misses_total":    m.misses,
		prefix + "_sets_total":      m.sets,
		prefix + "_evictions_total": m.evictions,
		prefix + "_entries":         m.size,
	}
	registered := make([]string, 0, len(collectors))
	for name, c := range collectors {
		if err := registry.Register("cache", name, c); err != nil {
			for _, done := range registered {
				registry.Unregister(done, collectors[done])
			}
			return nil, err
		}
		registered = append(registered, name)
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordSet() {
	if m != nil {
		m.sets.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) updateSize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
