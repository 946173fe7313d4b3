// Package miniserver delivers accepted pipeline results to a Loxone
// Miniserver. The default transport is an HTTP GET against the virtual input
// API (/dev/sps/io/<topic>/<value>); an optional persistent websocket
// transport avoids per-request connection setup on busy installations.
//
// Delivery is bounded two ways: a semaphore caps parallel requests and a
// token-bucket limiter caps the request rate. Transient transport failures
// are retried with quadratically growing delays.
package miniserver
