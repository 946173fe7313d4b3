package relay

import (
	"log/slog"
	"strings"

	"github.com/c360/topicrelay/pkg/cache"
)

// TopicNormalizer rewrites hierarchical topic paths into the flat identifier
// form the downstream target accepts: every '/' and '%' becomes '_'. Results
// are memoized in an LRU cache keyed by the raw input, so repeated topics on
// a hot path skip the rewrite entirely.
type TopicNormalizer struct {
	cache  cache.Cache[string]
	logger *slog.Logger
}

// NewTopicNormalizer creates a normalizer with an LRU cache of the given
// capacity. Capacity must be positive; use config.CacheCapacity for the
// configured default.
func NewTopicNormalizer(capacity int, logger *slog.Logger, opts ...cache.Option[string]) (*TopicNormalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := cache.NewLRU[string](capacity, opts...)
	if err != nil {
		return nil, err
	}
	return &TopicNormalizer{cache: c, logger: logger}, nil
}

const topicReplacements = "/%"

// Normalize returns the flat form of topic. Normalization is idempotent:
// an already-flat topic passes through unchanged and is cached as the
// identity mapping.
func (n *TopicNormalizer) Normalize(topic string) string {
	if cached, ok := n.cache.Get(topic); ok {
		return cached
	}

	normalized := topic
	if strings.ContainsAny(topic, topicReplacements) {
		normalized = strings.Map(func(r rune) rune {
			if r == '/' || r == '%' {
				return '_'
			}
			return r
		}, topic)
	}

	if _, err := n.cache.Set(topic, normalized); err != nil {
		n.logger.Debug("Topic cache rejected entry", "topic", topic, "error", err)
	}
	return normalized
}

// ClearCache drops all memoized entries. Output is unaffected.
func (n *TopicNormalizer) ClearCache() {
	n.cache.Clear()
}

// CacheStats exposes cache effectiveness counters.
func (n *TopicNormalizer) CacheStats() cache.Summary {
	return n.cache.Stats().Summary()
}
