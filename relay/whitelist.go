package relay

import "sort"

// Whitelist is an immutable set of normalized topic identifiers. An empty
// whitelist disables gating entirely; membership is only consulted when at
// least one entry exists. Callers swap whole values to update.
type Whitelist struct {
	entries map[string]struct{}
}

// NewWhitelist builds a set from the given normalized topic names.
// Duplicates collapse; an empty or nil input yields a pass-through set.
func NewWhitelist(topics []string) *Whitelist {
	entries := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		entries[t] = struct{}{}
	}
	return &Whitelist{entries: entries}
}

// Allows reports whether a candidate with the given normalized topic may be
// forwarded. Gating only applies when the set is non-empty.
func (w *Whitelist) Allows(normalizedTopic string) bool {
	if w == nil || len(w.entries) == 0 {
		return true
	}
	_, ok := w.entries[normalizedTopic]
	return ok
}

// Empty reports whether the whitelist has no entries.
func (w *Whitelist) Empty() bool {
	return w == nil || len(w.entries) == 0
}

// Entries returns the whitelisted names in sorted order.
func (w *Whitelist) Entries() []string {
	if w == nil {
		return nil
	}
	out := make([]string, 0, len(w.entries))
	for t := range w.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
