// Package metric provides Prometheus metrics registration and serving for
// the relay. Components register their collectors through a shared Registry
// so duplicate registration is caught at one place and the /metrics endpoint
// exposes a single consistent view.
package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry wraps a dedicated prometheus.Registry and tracks which component
// registered which metric so collisions produce a useful error.
type Registry struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	owners   map[string]string // metric name -> component name
}

// NewRegistry creates a metrics registry pre-populated with Go runtime and
// process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		registry: reg,
		owners:   make(map[string]string),
	}
}

// PrometheusRegistry returns the underlying prometheus registry for use with
// promhttp handlers.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Register registers a collector under the given component and metric name.
// Registering the same metric name twice returns an error naming the
// component that already owns it.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.owners[name]; exists {
		return fmt.Errorf("metric %q already registered by %q", name, owner)
	}
	if err := r.registry.Register(c); err != nil {
		return fmt.Errorf("register metric %q for %q: %w", name, component, err)
	}
	r.owners[name] = component
	return nil
}

// MustRegister registers a collector and panics on error. Intended for
// package-level metric construction where a collision is a programming error.
func (r *Registry) MustRegister(component, name string, c prometheus.Collector) {
	if err := r.Register(component, name, c); err != nil {
		panic(err)
	}
}

// Unregister removes a metric by name. Returns true if it was registered.
func (r *Registry) Unregister(name string, c prometheus.Collector) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[name]; !exists {
		return false
	}
	delete(r.owners, name)
	return r.registry.Unregister(c)
}
