package cache

import (
	"github.com/c360/topicrelay/metric"
)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	evictCallback EvictCallback[V]
	registry      *metric.Registry
	prefix        string
}

func applyOptions[V any](opts []Option[V]) *cacheOptions[V] {
	options := &cacheOptions[V]{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithEvictCallback registers a callback invoked for each evicted or deleted
// entry. The callback runs outside the cache lock.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(o *cacheOptions[V]) {
		o.evictCallback = fn
	}
}

// WithMetrics enables Prometheus metrics for the cache, registered under the
// given prefix (e.g. "relay_topic_cache").
func WithMetrics[V any](registry *metric.Registry, prefix string) Option[V] {
	return func(o *cacheOptions[V]) {
		o.registry = registry
		o.prefix = prefix
	}
}
