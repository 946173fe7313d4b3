package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/topicrelay/config"
	"github.com/c360/topicrelay/errors"
	"github.com/c360/topicrelay/metric"
	"github.com/c360/topicrelay/pkg/cache"
	"github.com/c360/topicrelay/pkg/worker"
)

// Forwarder receives accepted results. The original topic is carried for
// diagnostics; normalized is the flat form the downstream target accepts.
type Forwarder interface {
	Forward(ctx context.Context, topic, normalized, value string) error
}

// Publisher is the bus subset the pipeline needs for debug republishing.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// forwardJob is one unit of work handed to the dispatch pool.
type forwardJob struct {
	topic      string
	normalized string
	value      string
}

// result couples an accepted candidate's original topic with its normalized
// form and final value.
type result struct {
	topic      string
	normalized string
	value      string
}

// Options configures a Pipeline. Config and Forwarder are required; Bus and
// Metrics are optional. Workers and QueueSize of zero take the pool defaults.
type Options struct {
	Config    *config.Safe
	Forwarder Forwarder
	Bus       Publisher
	Logger    *slog.Logger
	Metrics   *metric.Registry
	Workers   int
	QueueSize int
}

// Pipeline runs incoming messages through the filter and transformation
// stages and dispatches survivors to the forwarder. Matcher state lives in
// atomically swapped snapshots, so updates never block in-flight messages.
type Pipeline struct {
	cfg       *config.Safe
	forwarder Forwarder
	bus       Publisher
	logger    *slog.Logger

	topics *TopicNormalizer
	bools  *BooleanNormalizer

	subscription atomic.Pointer[FilterSet]
	doNotForward atomic.Pointer[FilterSet]
	whitelist    atomic.Pointer[Whitelist]

	pool    *worker.Pool[forwardJob]
	metrics *pipelineMetrics
}

// NewPipeline builds a pipeline seeded from the current configuration
// snapshot: filters, whitelist, and cache capacities all come from cfg.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewPipeline", "read options")
	}
	if opts.Forwarder == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "NewPipeline", "resolve forwarder")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	capacity := opts.Config.Get().CacheCapacity()

	var topicOpts, boolOpts []cache.Option[string]
	if opts.Metrics != nil {
		topicOpts = append(topicOpts, cache.WithMetrics[string](opts.Metrics, "relay_topic_cache"))
		boolOpts = append(boolOpts, cache.WithMetrics[string](opts.Metrics, "relay_bool_cache"))
	}
	topics, err := NewTopicNormalizer(capacity, logger, topicOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Pipeline", "NewPipeline", "create topic cache")
	}
	bools, err := NewBooleanNormalizer(capacity, logger, boolOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Pipeline", "NewPipeline", "create boolean cache")
	}

	p := &Pipeline{
		cfg:       opts.Config,
		forwarder: opts.Forwarder,
		bus:       opts.Bus,
		logger:    logger,
		topics:    topics,
		bools:     bools,
		metrics:   newPipelineMetrics(opts.Metrics),
	}

	var poolOpts []worker.Option[forwardJob]
	if opts.Metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[forwardJob](opts.Metrics, "relay_forward"))
	}
	p.pool = worker.NewPool(opts.Workers, opts.QueueSize, p.dispatch, poolOpts...)

	p.ApplyTopics(opts.Config.Topics())
	return p, nil
}

// Start launches the dispatch workers.
func (p *Pipeline) Start(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Stop drains pending forwards, waiting up to timeout.
func (p *Pipeline) Stop(timeout time.Duration) error {
	return p.pool.Stop(timeout)
}

// ApplyTopics refreshes all matcher snapshots from a topics section.
func (p *Pipeline) ApplyTopics(topics config.TopicsConfig) {
	p.UpdateSubscriptionFilters(topics.SubscriptionFilters)
	p.UpdateDoNotForward(topics.DoNotForward)
	p.UpdateWhitelist(topics.TopicWhitelist)
}

// UpdateSubscriptionFilters swaps the subscription filter snapshot.
func (p *Pipeline) UpdateSubscriptionFilters(patterns []string) {
	p.subscription.Store(CompileFilters(patterns, p.logger))
	p.logger.Info("Subscription filters updated", "count", len(p.subscription.Load().Describe()))
}

// UpdateDoNotForward swaps the do-not-forward filter snapshot.
func (p *Pipeline) UpdateDoNotForward(patterns []string) {
	p.doNotForward.Store(CompileFilters(patterns, p.logger))
	p.logger.Info("Do-not-forward filters updated", "count", len(p.doNotForward.Load().Describe()))
}

// UpdateWhitelist swaps the whitelist snapshot. Entries are expected in
// normalized form.
func (p *Pipeline) UpdateWhitelist(topics []string) {
	wl := NewWhitelist(topics)
	p.whitelist.Store(wl)
	p.logger.Info("Topic whitelist updated", "count", len(wl.Entries()), "gating", !wl.Empty())
}

// SubscriptionFilters returns the active subscription filter patterns.
func (p *Pipeline) SubscriptionFilters() []string {
	return p.subscription.Load().Describe()
}

// DoNotForwardFilters returns the active do-not-forward patterns.
func (p *Pipeline) DoNotForwardFilters() []string {
	return p.doNotForward.Load().Describe()
}

// WhitelistEntries returns the active whitelist in sorted order.
func (p *Pipeline) WhitelistEntries() []string {
	return p.whitelist.Load().Entries()
}

// Process runs one incoming message through the full pipeline and submits
// accepted results for asynchronous forwarding. Messages on the relay's own
// base topic are control or debug traffic and are ignored.
func (p *Pipeline) Process(ctx context.Context, topic string, payload []byte) {
	general := p.cfg.General()
	if general.BaseTopic != "" && strings.HasPrefix(topic, general.BaseTopic) {
		return
	}
	p.metrics.recordReceived()

	message := DecodePayload(payload)
	if p.subscription.Load().Matches(topic) {
		p.metrics.recordDropped(dropFirstPass)
		p.logger.Debug("Message dropped by first-pass filter", "topic", topic)
		return
	}

	candidates := p.expand(topic, message)
	p.metrics.recordCandidates(len(candidates))

	if p.cfg.Debug().PublishProcessedTopics && p.bus != nil {
		for _, c := range candidates {
			subject := general.BaseTopic + "processedtopics/" + p.topics.Normalize(c.Topic)
			if err := p.bus.Publish(ctx, subject, []byte(c.Value)); err != nil {
				p.logger.Debug("Processed-topic debug publish failed", "subject", subject, "error", err)
			}
		}
	}

	for _, r := range p.filterCandidates(candidates) {
		if err := p.pool.Submit(forwardJob{topic: r.topic, normalized: r.normalized, value: r.value}); err != nil {
			p.metrics.recordDropped(dropQueueFull)
			p.logger.Warn("Forward queue rejected result", "topic", r.topic, "error", err)
			continue
		}
		p.metrics.recordForwarded()
	}
}

// Evaluate runs the filter and transformation stages synchronously and
// returns the accepted results with normalized topics, without dispatching
// or debug publishing. Intended for introspection.
func (p *Pipeline) Evaluate(topic, message string) []Pair {
	if p.subscription.Load().Matches(topic) {
		return nil
	}
	results := p.filterCandidates(p.expand(topic, message))
	pairs := make([]Pair, 0, len(results))
	for _, r := range results {
		pairs = append(pairs, Pair{Topic: r.normalized, Value: r.value})
	}
	return pairs
}

// expand applies JSON expansion when enabled, otherwise passes the message
// through as a single candidate.
func (p *Pipeline) expand(topic, message string) []Pair {
	if p.cfg.Processing().ExpandJSON {
		return Flatten(topic, message)
	}
	return []Pair{{Topic: topic, Value: message}}
}

// filterCandidates applies the per-candidate stages in order: whitelist,
// second-pass subscription filter, do-not-forward, boolean conversion.
func (p *Pipeline) filterCandidates(candidates []Pair) []result {
	sub := p.subscription.Load()
	dnf := p.doNotForward.Load()
	wl := p.whitelist.Load()
	convert := p.cfg.Processing().ConvertBooleans

	accepted := make([]result, 0, len(candidates))
	for _, c := range candidates {
		normalized := p.topics.Normalize(c.Topic)

		if !wl.Allows(normalized) {
			p.metrics.recordDropped(dropWhitelist)
			p.logger.Debug("Candidate not in whitelist", "topic", c.Topic)
			continue
		}
		if sub.Matches(c.Topic) {
			p.metrics.recordDropped(dropSecondPass)
			p.logger.Debug("Candidate dropped by second-pass filter", "topic", c.Topic)
			continue
		}
		if dnf.Matches(c.Topic) {
			p.metrics.recordDropped(dropDoNotForward)
			p.logger.Debug("Candidate dropped by do-not-forward filter", "topic", c.Topic)
			continue
		}

		value := c.Value
		if convert {
			value = p.bools.Normalize(value)
		}
		accepted = append(accepted, result{topic: c.Topic, normalized: normalized, value: value})
	}
	return accepted
}

// dispatch is the pool processor: it forwards one result downstream.
func (p *Pipeline) dispatch(ctx context.Context, job forwardJob) error {
	if err := p.forwarder.Forward(ctx, job.topic, job.normalized, job.value); err != nil {
		p.logger.Error("Forward failed",
			"topic", job.topic, "normalized", job.normalized, "error", err)
		return errors.WrapTransient(err, "Pipeline", "dispatch", "forward result")
	}
	return nil
}

// ClearCaches drops both normalization caches. Output is unaffected; the
// next lookups repopulate them.
func (p *Pipeline) ClearCaches() {
	p.topics.ClearCache()
	p.bools.ClearCache()
}

// CacheStats returns the topic and boolean cache summaries, in that order.
func (p *Pipeline) CacheStats() (cache.Summary, cache.Summary) {
	return p.topics.CacheStats(), p.bools.CacheStats()
}
