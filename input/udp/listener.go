package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/topicrelay/errors"
	"github.com/c360/topicrelay/relay"
)

const maxDatagramSize = 65535

// Listener receives datagrams and republishes parsed messages to the bus.
// NATS has no retained messages, so retain commands publish like any other
// and the command is only logged.
type Listener struct {
	port   int
	bus    relay.Publisher
	logger *slog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	started bool

	wg sync.WaitGroup
}

// NewListener creates a UDP listener on the given port. Port zero picks an
// ephemeral port, which tests use.
func NewListener(port int, bus relay.Publisher, logger *slog.Logger) (*Listener, error) {
	if bus == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Listener", "NewListener", "resolve bus")
	}
	if port < 0 || port > 65535 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Listener", "NewListener",
			fmt.Sprintf("validate port %d", port))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{port: port, bus: bus, logger: logger}, nil
}

// Start binds the socket and begins the receive loop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Listener", "Start", "bind socket")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: l.port})
	if err != nil {
		return errors.WrapTransient(err, "Listener", "Start",
			fmt.Sprintf("bind udp port %d", l.port))
	}
	l.conn = conn
	l.started = true

	l.wg.Add(1)
	go l.receive(ctx)

	l.logger.Info("UDP listener started", "addr", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Stop closes the socket and waits for the receive loop to exit.
func (l *Listener) Stop(timeout time.Duration) error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.started = false
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return errors.Wrap(err, "Listener", "Stop", "close socket")
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("receive loop still running"),
			"Listener", "Stop", "await shutdown")
	}
}

// receive reads datagrams until the socket closes or ctx is canceled.
func (l *Listener) receive(ctx context.Context) {
	defer l.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if l.isStopped() {
					return
				}
				l.logger.Error("UDP read failed", "error", err)
			}
			return
		}

		line := relay.DecodePayload(buf[:n])
		l.logger.Debug("UDP message received", "addr", addr, "size", n)
		l.handle(ctx, line, addr)
	}
}

func (l *Listener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.started
}

// handle parses one datagram and republishes it.
func (l *Listener) handle(ctx context.Context, line string, addr *net.UDPAddr) {
	msg, ok := Parse(line)
	if !ok {
		l.logger.Warn("Discarding unparseable UDP message", "addr", addr, "message", line)
		return
	}

	if msg.Command == CommandRetain {
		l.logger.Debug("Retain requested, publishing without retention", "topic", msg.Topic)
	}
	if err := l.bus.Publish(ctx, msg.Topic, []byte(msg.Payload)); err != nil {
		l.logger.Error("Failed to republish UDP message", "topic", msg.Topic, "error", err)
	}
}
