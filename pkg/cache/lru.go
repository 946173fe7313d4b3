package cache

import (
	"container/list"
	"sync"

	"github.com/c360/topicrelay/errors"
)

// lruEntry is the payload stored in the recency list.
type lruEntry[V any] struct {
	key   string
	value V
}

// lruCache is a thread-safe bounded cache evicting the least recently used
// entry once capacity is exceeded. The mutex covers only map/list operations;
// eviction callbacks run outside the lock.
type lruCache[V any] struct {
	mu       sync.RWMutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	stats    *Statistics
	metrics  *cacheMetrics
	evictFn  EvictCallback[V]
}

// NewLRU creates an LRU cache holding at most capacity entries.
func NewLRU[V any](capacity int, opts ...Option[V]) (Cache[V], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU",
			"capacity must be positive")
	}

	options := applyOptions(opts)

	var metrics *cacheMetrics
	if options.registry != nil && options.prefix != "" {
		var err error
		metrics, err = newCacheMetrics(options.registry, options.prefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
	}

	return &lruCache[V]{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  options.evictCallback,
	}, nil
}

// Get retrieves a value and marks it as most recently used.
func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		var zero V
		c.stats.Miss()
		c.metrics.recordMiss()
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hit()
	c.metrics.recordHit()
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores a value, evicting the least recently used entry if the cache
// is at capacity.
func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var evicted *lruEntry[V]

	c.mu.Lock()
	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		c.stats.Set()
		c.metrics.recordSet()
		c.mu.Unlock()
		return false, nil
	}

	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
	if len(c.items) > c.capacity {
		evicted = c.evictOldest()
	}
	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	c.metrics.recordSet()
	c.metrics.updateSize(len(c.items))
	c.mu.Unlock()

	if evicted != nil && c.evictFn != nil {
		c.evictFn(evicted.key, evicted.value)
	}
	return true, nil
}

// Delete removes an entry by key.
func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var removed *lruEntry[V]

	c.mu.Lock()
	element, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	removed = element.Value.(*lruEntry[V])
	c.removeLocked(element)
	c.stats.UpdateSize(int64(len(c.items)))
	c.metrics.updateSize(len(c.items))
	c.mu.Unlock()

	if c.evictFn != nil {
		c.evictFn(removed.key, removed.value)
	}
	return true, nil
}

// Clear removes all entries without firing eviction callbacks. Clearing is a
// cache reset, not an eviction decision.
func (c *lruCache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.stats.UpdateSize(0)
	c.metrics.updateSize(0)
	c.mu.Unlock()
}

// Size returns the current number of entries.
func (c *lruCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all keys, most recently used first.
func (c *lruCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

// Stats returns the statistics tracker.
func (c *lruCache[V]) Stats() *Statistics {
	return c.stats
}

// evictOldest removes the least recently used entry and returns it.
// Must be called with the mutex held.
func (c *lruCache[V]) evictOldest() *lruEntry[V] {
	element := c.order.Back()
	if element == nil {
		return nil
	}
	entry := element.Value.(*lruEntry[V])
	c.removeLocked(element)
	c.stats.Eviction()
	c.metrics.recordEviction()
	return entry
}

// removeLocked removes an element from both the list and the map.
// Must be called with the mutex held.
func (c *lruCache[V]) removeLocked(element *list.Element) {
	delete(c.items, element.Value.(*lruEntry[V]).key)
	c.order.Remove(element)
}
