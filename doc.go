// Package topicrelay bridges a message bus and a Loxone Miniserver.
//
// Messages arriving on subscribed bus topics (or via the UDP ingress) run
// through a processing pipeline: a first-pass regex filter over the incoming
// topic, optional expansion of JSON object payloads into flat topic/value
// pairs, whitelist gating against the miniserver's virtual inputs, a
// second-pass filter plus a do-not-forward filter over each candidate, and
// boolean value normalization. Surviving results are delivered to the
// miniserver's virtual input API asynchronously.
//
// The relay is configured through a JSON file and a bus control plane under
// its base topic, exposes Prometheus metrics, and can seed its whitelist
// directly from the miniserver program archive over FTP.
package topicrelay
