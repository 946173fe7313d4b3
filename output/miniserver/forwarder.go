package miniserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/c360/topicrelay/config"
	"github.com/c360/topicrelay/errors"
	"github.com/c360/topicrelay/metric"
)

// Publisher is the bus subset used for forwarded-topic debug publishing.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Options configures a Forwarder. Config is required.
type Options struct {
	Config  *config.Safe
	Bus     Publisher
	Logger  *slog.Logger
	Metrics *metric.Registry

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Forwarder sends (topic, value) results to the miniserver. Safe for
// concurrent use; concurrency and rate limits come from configuration.
type Forwarder struct {
	cfg    *config.Safe
	bus    Publisher
	logger *slog.Logger

	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	ws      *wsConn

	requests *prometheus.CounterVec
	failures prometheus.Counter
}

// NewForwarder builds a forwarder from the current configuration snapshot.
func NewForwarder(opts Options) (*Forwarder, error) {
	if opts.Config == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Forwarder", "NewForwarder", "read options")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ms := opts.Config.Miniserver()

	parallel := ms.MaxParallelConnections
	if parallel <= 0 {
		parallel = 5
	}

	var limiter *rate.Limiter
	if ms.MaxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ms.MaxRequestsPerSecond), ms.MaxRequestsPerSecond)
	}

	timeout := time.Duration(ms.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	f := &Forwarder{
		cfg:     opts.Config,
		bus:     opts.Bus,
		logger:  logger,
		client:  client,
		sem:     semaphore.NewWeighted(int64(parallel)),
		limiter: limiter,
		ws:      &wsConn{},
	}

	if opts.Metrics != nil {
		f.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miniserver_requests_total",
			Help: "Requests sent to the miniserver, by HTTP status code",
		}, []string{"code"})
		f.failures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miniserver_failures_total",
			Help: "Requests that failed after all retries",
		})
		if err := opts.Metrics.Register("miniserver", "miniserver_requests_total", f.requests); err != nil {
			f.requests, f.failures = nil, nil
		} else if err := opts.Metrics.Register("miniserver", "miniserver_failures_total", f.failures); err != nil {
			f.requests, f.failures = nil, nil
		}
	}

	return f, nil
}

// targetHost resolves the miniserver address, honoring the mock override.
func (f *Forwarder) targetHost() string {
	ms := f.cfg.Miniserver()
	debug := f.cfg.Debug()

	ip := ms.IP
	if debug.EnableMock && debug.MockIP != "" {
		ip = debug.MockIP
	}
	if ms.Port > 0 && ms.Port != 80 {
		return fmt.Sprintf("%s:%d", ip, ms.Port)
	}
	return ip
}

// Forward delivers one result, blocking on the rate and concurrency limits.
// The original topic is only logged; normalized addresses the virtual input.
// The returned error is transient when delivery may succeed on retry.
func (f *Forwarder) Forward(ctx context.Context, topic, normalized, value string) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return errors.WrapTransient(err, "Forwarder", "Forward", "await rate limit")
		}
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return errors.WrapTransient(err, "Forwarder", "Forward", "acquire connection slot")
	}
	defer f.sem.Release(1)

	var (
		code int
		err  error
	)
	if f.cfg.Miniserver().UseWebsocket {
		code, err = f.sendWebsocket(ctx, normalized, value)
	} else {
		code, err = f.sendHTTP(ctx, normalized, value)
	}

	if err != nil {
		if f.failures != nil {
			f.failures.Inc()
		}
		return err
	}

	f.logger.Debug("Forwarded to miniserver",
		"topic", topic, "normalized", normalized, "value", value, "code", code)
	f.publishForwarded(ctx, normalized, value, code)
	return nil
}

// sendHTTP performs the virtual input GET, retrying transport failures with
// quadratic backoff. A response with any status code counts as delivered.
func (f *Forwarder) sendHTTP(ctx context.Context, normalized, value string) (int, error) {
	ms := f.cfg.Miniserver()
	target := fmt.Sprintf("http://%s/dev/sps/io/%s/%s",
		f.targetHost(), url.PathEscape(normalized), url.PathEscape(value))

	attempts := ms.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt*attempt) * 100 * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, errors.WrapTransient(ctx.Err(), "Forwarder", "sendHTTP", "await retry")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return 0, errors.WrapInvalid(err, "Forwarder", "sendHTTP", "build request")
		}
		if ms.User != "" && ms.Pass != "" {
			req.SetBasicAuth(ms.User, ms.Pass)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			f.logger.Warn("Miniserver request failed",
				"topic", normalized, "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if f.requests != nil {
			f.requests.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
		}
		if resp.StatusCode != http.StatusOK {
			f.logger.Warn("Miniserver returned non-OK status",
				"topic", normalized, "status", resp.StatusCode, "url", target)
		}
		return resp.StatusCode, nil
	}

	return 0, errors.WrapTransient(lastErr, "Forwarder", "sendHTTP",
		fmt.Sprintf("deliver %s after %d attempts", normalized, attempts))
}

// publishForwarded republishes the delivery outcome for debugging when
// enabled.
func (f *Forwarder) publishForwarded(ctx context.Context, topic, value string, code int) {
	if !f.cfg.Debug().PublishForwardedTopics || f.bus == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"value":     value,
		"http_code": code,
	})
	if err != nil {
		return
	}
	subject := f.cfg.General().BaseTopic + "forwardedtopics/" + topic
	if err := f.bus.Publish(ctx, subject, payload); err != nil {
		f.logger.Debug("Forwarded-topic debug publish failed", "subject", subject, "error", err)
	}
}

// Close releases the websocket connection if one was established.
func (f *Forwarder) Close() error {
	if f.ws != nil {
		return f.ws.close()
	}
	return nil
}
