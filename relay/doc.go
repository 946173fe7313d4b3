// Package relay implements the topic/payload processing pipeline: a
// multi-stage filter chain over two independent regex filter sets and a
// whitelist, recursive flattening of JSON payloads into flat (path, value)
// pairs, boolean value normalization against a fixed vocabulary, and
// fire-and-forget dispatch of surviving results to a downstream forwarder.
//
// The pipeline is safe for concurrent use. Filter sets and the whitelist are
// immutable snapshots swapped atomically on update, so an in-flight message
// always sees a consistent matcher state. The two normalization caches are
// pure memoizations: clearing or evicting them never changes observable
// output, only latency.
package relay
