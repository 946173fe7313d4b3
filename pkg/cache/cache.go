// Package cache provides a generic, thread-safe bounded LRU cache used for
// memoizing pure string transformations in the relay pipeline. Statistics are
// always collected; Prometheus metrics are opt-in via functional options.
package cache

import (
	"github.com/c360/topicrelay/errors"
)

// Cache is the interface satisfied by cache implementations in this package.
// It is parameterized by value type V for type safety.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the zero value and false on miss.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created,
	// false if an existing entry was updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key, reporting whether it existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear()

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys, most recently used first.
	Keys() []string

	// Stats returns the cache's statistics tracker.
	Stats() *Statistics
}

// EvictCallback is invoked with the key and value of each evicted entry.
type EvictCallback[V any] func(key string, value V)

// validateKey rejects keys the cache cannot store.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "empty key")
	}
	return nil
}
