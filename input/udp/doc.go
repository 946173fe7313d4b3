// Package udp accepts datagram messages and republishes them onto the bus.
// The wire format is a single line: an optional "publish" or "retain"
// command, a topic, and a payload. Topics containing spaces are recovered
// with a greedy rule that keeps slash-bearing tokens together, and a JSON
// payload starting at the first '{' swallows the rest of the line.
package udp
