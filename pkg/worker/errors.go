package worker

import "errors"

// Sentinel errors returned by Pool operations.
var (
	ErrNilProcessor   = errors.New("worker pool requires a processor function")
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStopped    = errors.New("worker pool stopped")
	ErrQueueFull      = errors.New("worker pool queue full")
	ErrStopTimeout    = errors.New("worker pool stop timed out")
)
