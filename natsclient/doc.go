// Package natsclient manages the relay's NATS connection. It wraps the core
// nats.go client with a circuit breaker, structured status reporting, and the
// subject-carrying subscribe callback the pipeline and control plane consume.
//
// The client exposes plain Publish/Subscribe over core NATS subjects. Wildcard
// subscriptions deliver the concrete subject of each message to the handler,
// which is what lets a single subscription feed the processing pipeline.
package natsclient
