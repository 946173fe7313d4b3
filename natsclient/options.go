package natsclient

import (
	"fmt"
	"log/slog"
	"time"
)

// ClientOption configures a Client at construction time.
type ClientOption func(*Client) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithClientName overrides the generated client name reported to the broker.
func WithClientName(name string) ClientOption {
	return func(c *Client) error {
		if name == "" {
			return fmt.Errorf("client name cannot be empty")
		}
		c.clientName = name
		return nil
	}
}

// WithTimeout sets the connection timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithReconnectWait sets the wait between reconnection attempts.
func WithReconnectWait(wait time.Duration) ClientOption {
	return func(c *Client) error {
		if wait <= 0 {
			return fmt.Errorf("reconnect wait must be positive, got %v", wait)
		}
		c.reconnectWait = wait
		return nil
	}
}

// WithMaxReconnects limits reconnection attempts. Negative means unlimited.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("drain timeout must be positive, got %v", timeout)
		}
		c.drainTimeout = timeout
		return nil
	}
}

// WithCircuitThreshold sets how many consecutive failures open the circuit.
func WithCircuitThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("circuit threshold must be positive, got %d", n)
		}
		c.circuitThreshold = n
		return nil
	}
}

// WithOnReconnect registers a callback invoked after automatic reconnection,
// typically to re-announce subscriptions or resync state.
func WithOnReconnect(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}
