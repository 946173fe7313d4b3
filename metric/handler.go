package metric

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/topicrelay/errors"
)

// Server exposes the metrics registry over HTTP.
type Server struct {
	port     int
	path     string
	registry *Registry
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics HTTP server. A zero port lets the OS pick one,
// which the tests rely on.
func NewServer(port int, path string, registry *Registry, logger *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		logger:   logger,
	}
}

// Start begins serving metrics in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.WrapFatal(err, "MetricsServer", "Start", "listen")
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Metrics server listening",
			"address", listener.Addr().String(),
			"path", s.path)
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(timeout time.Duration) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the bound listen address, useful when port 0 was requested.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
