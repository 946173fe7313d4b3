package udp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingBus records publishes and signals arrival.
type capturingBus struct {
	mu       sync.Mutex
	messages map[string]string
	arrived  chan struct{}
}

func newCapturingBus() *capturingBus {
	return &capturingBus{
		messages: make(map[string]string),
		arrived:  make(chan struct{}, 16),
	}
}

func (b *capturingBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	b.messages[subject] = string(data)
	b.mu.Unlock()
	b.arrived <- struct{}{}
	return nil
}

func (b *capturingBus) get(subject string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.messages[subject]
	return v, ok
}

func (b *capturingBus) waitForMessage(t *testing.T) {
	t.Helper()
	select {
	case <-b.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for republished message")
	}
}

func startListener(t *testing.T) (*Listener, *capturingBus, *net.UDPConn) {
	t.Helper()

	bus := newCapturingBus()
	l, err := NewListener(0, bus, nil)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(2 * time.Second) })

	conn, err := net.DialUDP("udp", nil, l.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return l, bus, conn
}

func TestListenerRepublishesDatagram(t *testing.T) {
	_, bus, conn := startListener(t)

	_, err := conn.Write([]byte("publish home/temp 21.5"))
	require.NoError(t, err)
	bus.waitForMessage(t)

	got, ok := bus.get("home/temp")
	require.True(t, ok)
	assert.Equal(t, "21.5", got)
}

func TestListenerRetainPublishesNormally(t *testing.T) {
	_, bus, conn := startListener(t)

	_, err := conn.Write([]byte("retain home/mode auto"))
	require.NoError(t, err)
	bus.waitForMessage(t)

	got, ok := bus.get("home/mode")
	require.True(t, ok)
	assert.Equal(t, "auto", got)
}

func TestListenerDropsUnparseableDatagram(t *testing.T) {
	_, bus, conn := startListener(t)

	_, err := conn.Write([]byte("nonsense"))
	require.NoError(t, err)

	// A following valid message proves the loop survived the bad one.
	_, err = conn.Write([]byte("home/ok 1"))
	require.NoError(t, err)
	bus.waitForMessage(t)

	_, ok := bus.get("home/ok")
	assert.True(t, ok)
}

func TestListenerJSONPayload(t *testing.T) {
	_, bus, conn := startListener(t)

	_, err := conn.Write([]byte(`home/device {"temp": 21}`))
	require.NoError(t, err)
	bus.waitForMessage(t)

	got, ok := bus.get("home/device")
	require.True(t, ok)
	assert.Equal(t, `{"temp": 21}`, got)
}

func TestListenerStartTwice(t *testing.T) {
	bus := newCapturingBus()
	l, err := NewListener(0, bus, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	defer func() { _ = l.Stop(2 * time.Second) }()

	assert.Error(t, l.Start(context.Background()))
}

func TestListenerStopWithoutStart(t *testing.T) {
	bus := newCapturingBus()
	l, err := NewListener(0, bus, nil)
	require.NoError(t, err)

	assert.NoError(t, l.Stop(time.Second))
}

func TestNewListenerValidation(t *testing.T) {
	_, err := NewListener(0, nil, nil)
	assert.Error(t, err)

	_, err = NewListener(70000, newCapturingBus(), nil)
	assert.Error(t, err)
}
