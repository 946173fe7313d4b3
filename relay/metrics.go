package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/topicrelay/metric"
)

// Drop stages reported on the relay_dropped_total metric.
const (
	dropFirstPass    = "first_pass"
	dropWhitelist    = "whitelist"
	dropSecondPass   = "second_pass"
	dropDoNotForward = "do_not_forward"
	dropQueueFull    = "queue_full"
)

// pipelineMetrics instruments the pipeline. All methods are nil-safe so the
// pipeline runs uninstrumented when no registry is provided.
type pipelineMetrics struct {
	received   prometheus.Counter
	candidates prometheus.Counter
	dropped    *prometheus.CounterVec
	forwarded  prometheus.Counter
}

func newPipelineMetrics(registry *metric.Registry) *pipelineMetrics {
	if registry == nil {
		return nil
	}

	m := &pipelineMetrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Messages entering the processing pipeline",
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_candidates_total",
			Help: "Flattened candidates produced from incoming messages",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_total",
			Help: "Messages or candidates dropped, by pipeline stage",
		}, []string{"stage"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_forwarded_total",
			Help: "Candidates handed to the forwarder",
		}),
	}

	for name, c := range map[string]prometheus.Collector{
		"relay_messages_received_total": m.received,
		"relay_candidates_total":        m.candidates,
		"relay_dropped_total":           m.dropped,
		"relay_forwarded_total":         m.forwarded,
	} {
		if err := registry.Register("pipeline", name, c); err != nil {
			return nil
		}
	}
	return m
}

func (m *pipelineMetrics) recordReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *pipelineMetrics) recordCandidates(n int) {
	if m != nil {
		m.candidates.Add(float64(n))
	}
}

func (m *pipelineMetrics) recordDropped(stage string) {
	if m != nil {
		m.dropped.WithLabelValues(stage).Inc()
	}
}

func (m *pipelineMetrics) recordForwarded() {
	if m != nil {
		m.forwarded.Inc()
	}
}
