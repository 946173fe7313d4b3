package relay

import (
	"log/slog"
	"regexp"
	"strings"
)

// FilterSet matches a topic against a set of regular expressions with OR
// semantics. A FilterSet is immutable after compilation; callers swap whole
// values to update, so concurrent matches never observe partial state.
type FilterSet struct {
	patterns []string       // raw patterns that compiled successfully
	matcher  *regexp.Regexp // alternation over patterns, nil when empty
}

// CompileFilters builds a FilterSet from raw pattern strings. Each pattern is
// validated independently: an invalid pattern is logged and excluded without
// affecting the rest. A nil or fully-invalid input yields an empty set whose
// Matches always returns false.
func CompileFilters(patterns []string, logger *slog.Logger) *FilterSet {
	if logger == nil {
		logger = slog.Default()
	}

	valid := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			logger.Warn("Discarding invalid filter pattern",
				"pattern", pattern,
				"error", err)
			continue
		}
		valid = append(valid, pattern)
	}

	if len(valid) == 0 {
		return &FilterSet{}
	}

	// Each branch compiled on its own, so the alternation compiles too.
	matcher := regexp.MustCompile("(" + strings.Join(valid, ")|(") + ")")
	return &FilterSet{patterns: valid, matcher: matcher}
}

// Matches reports whether text matches at least one compiled pattern.
// An empty (or nil) FilterSet matches nothing.
func (f *FilterSet) Matches(text string) bool {
	if f == nil || f.matcher == nil {
		return false
	}
	return f.matcher.MatchString(text)
}

// Empty reports whether the set has no compiled patterns.
func (f *FilterSet) Empty() bool {
	return f == nil || len(f.patterns) == 0
}

// Describe returns the raw patterns that compiled successfully, in input
// order. The caller gets a copy.
func (f *FilterSet) Describe() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.patterns...)
}
