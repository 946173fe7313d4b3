package relay

import (
	"log/slog"
	"strings"

	"github.com/c360/topicrelay/pkg/cache"
)

// Boolean vocabulary. Matching is case-insensitive after trimming ASCII
// whitespace; anything outside the two sets passes through untouched.
var booleanVocabulary = map[string]string{
	"true":     "1",
	"yes":      "1",
	"on":       "1",
	"enabled":  "1",
	"enable":   "1",
	"1":        "1",
	"check":    "1",
	"checked":  "1",
	"select":   "1",
	"selected": "1",
	"false":    "0",
	"no":       "0",
	"off":      "0",
	"disabled": "0",
	"disable":  "0",
	"0":        "0",
}

// BooleanNormalizer maps boolean-like payload values onto the canonical "1"
// and "0" the downstream target expects. Lookups are memoized by the raw
// input string, including its original whitespace and casing.
type BooleanNormalizer struct {
	cache  cache.Cache[string]
	logger *slog.Logger
}

// NewBooleanNormalizer creates a normalizer with an LRU cache of the given
// capacity.
func NewBooleanNormalizer(capacity int, logger *slog.Logger, opts ...cache.Option[string]) (*BooleanNormalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := cache.NewLRU[string](capacity, opts...)
	if err != nil {
		return nil, err
	}
	return &BooleanNormalizer{cache: c, logger: logger}, nil
}

// Normalize returns "1" or "0" when value is in the boolean vocabulary and
// the unmodified input otherwise. "1" and "0" are fixed points, so repeated
// normalization is stable.
func (n *BooleanNormalizer) Normalize(value string) string {
	if value == "1" || value == "0" {
		return value
	}
	if cached, ok := n.cache.Get(value); ok {
		return cached
	}

	result := value
	if mapped, ok := booleanVocabulary[strings.ToLower(strings.TrimSpace(value))]; ok {
		result = mapped
	}

	if value != "" {
		if _, err := n.cache.Set(value, result); err != nil {
			n.logger.Debug("Boolean cache rejected entry", "value", value, "error", err)
		}
	}
	return result
}

// ClearCache drops all memoized entries.
func (n *BooleanNormalizer) ClearCache() {
	n.cache.Clear()
}

// CacheStats exposes cache effectiveness counters.
func (n *BooleanNormalizer) CacheStats() cache.Summary {
	return n.cache.Stats().Summary()
}
