package miniserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicrelay/config"
)

type recordedRequest struct {
	path string
	auth string
}

// newTestServer returns an httptest server recording virtual input requests.
func newTestServer(status int) (*httptest.Server, *[]recordedRequest, *sync.Mutex) {
	var mu sync.Mutex
	requests := &[]recordedRequest{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		*requests = append(*requests, recordedRequest{path: r.URL.Path, auth: auth})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	return srv, requests, &mu
}

// newTestForwarder points a forwarder at the test server via the mock IP.
func newTestForwarder(t *testing.T, srv *httptest.Server, mutate func(*config.Config)) *Forwarder {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Debug.EnableMock = true
	cfg.Debug.MockIP = u.Host
	cfg.Miniserver.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	f, err := NewForwarder(Options{Config: config.NewSafe(cfg)})
	require.NoError(t, err)
	return f
}

func TestForwardSendsVirtualInputRequest(t *testing.T) {
	srv, requests, mu := newTestServer(http.StatusOK)
	defer srv.Close()

	f := newTestForwarder(t, srv, nil)
	require.NoError(t, f.Forward(context.Background(), "home/device/temp", "home_device_temp", "21.5"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *requests, 1)
	assert.Equal(t, "/dev/sps/io/home_device_temp/21.5", (*requests)[0].path)
}

func TestForwardEscapesValue(t *testing.T) {
	srv, requests, mu := newTestServer(http.StatusOK)
	defer srv.Close()

	f := newTestForwarder(t, srv, nil)
	require.NoError(t, f.Forward(context.Background(), "dev/msg", "dev_msg", "hello world/50%"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *requests, 1)
	// Path arrives decoded by the server mux; the raw value survives intact.
	assert.Equal(t, "/dev/sps/io/dev_msg/hello world/50%", (*requests)[0].path)
}

func TestForwardSendsBasicAuth(t *testing.T) {
	srv, requests, mu := newTestServer(http.StatusOK)
	defer srv.Close()

	f := newTestForwarder(t, srv, func(c *config.Config) {
		c.Miniserver.User = "admin"
		c.Miniserver.Pass = "secret"
	})
	require.NoError(t, f.Forward(context.Background(), "t", "t", "1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *requests, 1)
	assert.Contains(t, (*requests)[0].auth, "Basic ")
}

func TestForwardNonOKStatusStillDelivered(t *testing.T) {
	srv, _, _ := newTestServer(http.StatusNotFound)
	defer srv.Close()

	f := newTestForwarder(t, srv, nil)
	// A response from the miniserver counts as delivery regardless of code.
	assert.NoError(t, f.Forward(context.Background(), "t", "t", "1"))
}

func TestForwardRetriesTransportFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			// Force a transport error by hijacking and dropping the conn.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("server does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv, func(c *config.Config) {
		c.Miniserver.RetryCount = 3
	})

	assert.NoError(t, f.Forward(context.Background(), "t", "t", "1"))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestForwardFailsAfterRetriesExhausted(t *testing.T) {
	srv, _, _ := newTestServer(http.StatusOK)
	srv.Close() // nothing listening

	f := newTestForwarder(t, srv, func(c *config.Config) {
		c.Miniserver.RetryCount = 1
	})

	assert.Error(t, f.Forward(context.Background(), "t", "t", "1"))
}

func TestForwardPublishesForwardedTopics(t *testing.T) {
	srv, _, _ := newTestServer(http.StatusOK)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Debug.EnableMock = true
	cfg.Debug.MockIP = u.Host
	cfg.Debug.PublishForwardedTopics = true
	cfg.Miniserver.Port = 0

	pub := &fakePublisher{}
	f, err := NewForwarder(Options{Config: config.NewSafe(cfg), Bus: pub})
	require.NoError(t, err)

	require.NoError(t, f.Forward(context.Background(), "home/device/temp", "home_device_temp", "21"))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	raw, ok := pub.messages["relay/forwardedtopics/home_device_temp"]
	require.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, "21", decoded["value"])
	assert.Equal(t, float64(http.StatusOK), decoded["http_code"])
}

func TestForwardRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.Error(t, f.Forward(ctx, "t", "t", "1"))
}

func TestForwardConcurrencyBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv, func(c *config.Config) {
		c.Miniserver.MaxParallelConnections = 2
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.Forward(context.Background(), "t", "t", "1")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestNewForwarderRequiresConfig(t *testing.T) {
	_, err := NewForwarder(Options{})
	assert.Error(t, err)
}

// fakePublisher records debug publishes.
type fakePublisher struct {
	mu       sync.Mutex
	messages map[string]string
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string]string)
	}
	p.messages[subject] = string(data)
	return nil
}
