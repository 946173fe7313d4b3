package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicrelay/config"
)

// fakeForwarder records forwarded results for assertions.
type fakeForwarder struct {
	mu        sync.Mutex
	calls     []Pair
	originals []string
	err       error
}

func (f *fakeForwarder) Forward(_ context.Context, topic, normalized, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Pair{Topic: normalized, Value: value})
	f.originals = append(f.originals, topic)
	return f.err
}

func (f *fakeForwarder) forwarded() []Pair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Pair(nil), f.calls...)
}

func (f *fakeForwarder) originalTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.originals...)
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

func newTestPipeline(t *testing.T, mutate func(*config.Config)) (*Pipeline, *fakeForwarder, *config.Safe) {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	safe := config.NewSafe(cfg)
	fwd := &fakeForwarder{}

	p, err := NewPipeline(Options{
		Config:    safe,
		Forwarder: fwd,
		Workers:   2,
		QueueSize: 32,
	})
	require.NoError(t, err)
	return p, fwd, safe
}

func TestNewPipelineRequiresConfigAndForwarder(t *testing.T) {
	_, err := NewPipeline(Options{Forwarder: &fakeForwarder{}})
	assert.Error(t, err)

	_, err = NewPipeline(Options{Config: config.NewSafe(config.Default())})
	assert.Error(t, err)
}

func TestEvaluateFlattensNormalizesAndConverts(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	got := p.Evaluate("home/device", `{"power": "on", "temp": 21.5}`)

	assert.Equal(t, []Pair{
		{Topic: "home_device_power", Value: "1"},
		{Topic: "home_device_temp", Value: "21.5"},
	}, got)
}

func TestEvaluateFirstPassFilterDropsWholeMessage(t *testing.T) {
	p, _, _ := newTestPipeline(t, func(c *config.Config) {
		c.Topics.SubscriptionFilters = []string{"^home/"}
	})

	assert.Empty(t, p.Evaluate("home/device", `{"temp": 21}`))
	assert.NotEmpty(t, p.Evaluate("garden/soil", `{"moist": 40}`))
}

func TestEvaluateSecondPassFiltersFlattenedTopics(t *testing.T) {
	// The filter misses the incoming topic but matches a flattened child.
	p, _, _ := newTestPipeline(t, func(c *config.Config) {
		c.Topics.SubscriptionFilters = []string{"secret"}
	})

	got := p.Evaluate("device", `{"public": 1, "secret": 2}`)

	assert.Equal(t, []Pair{{Topic: "device_public", Value: "1"}}, got)
}

func TestEvaluateDoNotForwardDropsSilently(t *testing.T) {
	p, _, _ := newTestPipeline(t, func(c *config.Config) {
		c.Topics.DoNotForward = []string{"/internal$"}
	})

	got := p.Evaluate("dev", `{"internal": 1, "external": 2}`)

	assert.Equal(t, []Pair{{Topic: "dev_external", Value: "2"}}, got)
}

func TestEvaluateWhitelistGatesNormalizedTopics(t *testing.T) {
	p, _, _ := newTestPipeline(t, func(c *config.Config) {
		c.Topics.TopicWhitelist = []string{"home_device_temp"}
	})

	got := p.Evaluate("home/device", `{"temp": 21, "humidity": 60}`)

	assert.Equal(t, []Pair{{Topic: "home_device_temp", Value: "21"}}, got)
}

func TestEvaluateEmptyWhitelistPassesEverything(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	got := p.Evaluate("home/device", `{"temp": 21, "humidity": 60}`)
	assert.Len(t, got, 2)
}

func TestEvaluateExpandDisabled(t *testing.T) {
	p, _, _ := newTestPipeline(t, func(c *config.Config) {
		c.Processing.ExpandJSON = false
	})

	got := p.Evaluate("home/device", `{"temp": 21}`)

	assert.Equal(t, []Pair{{Topic: "home_device", Value: `{"temp": 21}`}}, got)
}

func TestEvaluateConvertBooleansDisabled(t *testing.T) {
	p, _, _ := newTestPipeline(t, func(c *config.Config) {
		c.Processing.ConvertBooleans = false
	})

	got := p.Evaluate("dev", `{"power": "on"}`)

	assert.Equal(t, []Pair{{Topic: "dev_power", Value: "on"}}, got)
}

func TestEvaluateInvalidJSONForwardedVerbatim(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	got := p.Evaluate("dev/raw", `not json`)

	assert.Equal(t, []Pair{{Topic: "dev_raw", Value: "not json"}}, got)
}

func TestUpdateFiltersSwapAtRuntime(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	assert.NotEmpty(t, p.Evaluate("home/device", `{"temp": 21}`))

	p.UpdateSubscriptionFilters([]string{"^home/"})
	assert.Empty(t, p.Evaluate("home/device", `{"temp": 21}`))
	assert.Equal(t, []string{"^home/"}, p.SubscriptionFilters())

	p.UpdateSubscriptionFilters(nil)
	assert.NotEmpty(t, p.Evaluate("home/device", `{"temp": 21}`))
}

func TestUpdateWhitelistSwapAtRuntime(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	p.UpdateWhitelist([]string{"home_device_temp"})
	got := p.Evaluate("home/device", `{"temp": 1, "other": 2}`)
	assert.Equal(t, []Pair{{Topic: "home_device_temp", Value: "1"}}, got)

	p.UpdateWhitelist(nil)
	assert.Len(t, p.Evaluate("home/device", `{"temp": 1, "other": 2}`), 2)
}

func TestProcessDispatchesToForwarder(t *testing.T) {
	p, fwd, _ := newTestPipeline(t, nil)

	require.NoError(t, p.Start(context.Background()))
	p.Process(context.Background(), "home/device", []byte(`{"power": "on"}`))
	require.NoError(t, p.Stop(5*time.Second))

	assert.Equal(t, []Pair{{Topic: "home_device_power", Value: "1"}}, fwd.forwarded())
	// The pre-normalization topic travels alongside for diagnostics.
	assert.Equal(t, []string{"home/device/power"}, fwd.originalTopics())
}

func TestProcessSkipsBaseTopicTraffic(t *testing.T) {
	p, fwd, _ := newTestPipeline(t, nil)

	require.NoError(t, p.Start(context.Background()))
	p.Process(context.Background(), "relay/config/set", []byte(`{"x": 1}`))
	require.NoError(t, p.Stop(5*time.Second))

	assert.Empty(t, fwd.forwarded())
}

func TestProcessPublishesProcessedTopicsWhenEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Debug.PublishProcessedTopics = true
	safe := config.NewSafe(cfg)
	fwd := &fakeForwarder{}
	pub := &fakePublisher{}

	p, err := NewPipeline(Options{
		Config:    safe,
		Forwarder: fwd,
		Bus:       pub,
		Workers:   1,
		QueueSize: 8,
	})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	p.Process(context.Background(), "home/device", []byte(`{"temp": 21}`))
	require.NoError(t, p.Stop(5*time.Second))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "21", pub.messages["relay/processedtopics/home_device_temp"])
}

func TestProcessDecodesBinaryPayload(t *testing.T) {
	p, fwd, _ := newTestPipeline(t, func(c *config.Config) {
		c.Processing.ExpandJSON = false
	})

	require.NoError(t, p.Start(context.Background()))
	p.Process(context.Background(), "dev/raw", []byte{'o', 'k', 0xff})
	require.NoError(t, p.Stop(5*time.Second))

	assert.Equal(t, []Pair{{Topic: "dev_raw", Value: "ok"}}, fwd.forwarded())
}

func TestApplyTopicsRefreshesAllSnapshots(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	p.ApplyTopics(config.TopicsConfig{
		SubscriptionFilters: []string{"^skip/"},
		DoNotForward:        []string{"quiet"},
		TopicWhitelist:      []string{"dev_a"},
	})

	assert.Equal(t, []string{"^skip/"}, p.SubscriptionFilters())
	assert.Equal(t, []string{"quiet"}, p.DoNotForwardFilters())
	assert.Equal(t, []string{"dev_a"}, p.WhitelistEntries())
}

func TestConcurrentProcessAndUpdate(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	require.NoError(t, p.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Process(context.Background(), "home/device", []byte(`{"temp": 21}`))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			p.UpdateSubscriptionFilters([]string{"^other/"})
			p.UpdateWhitelist([]string{"home_device_temp"})
		}
	}()
	wg.Wait()
	require.NoError(t, p.Stop(5*time.Second))
}
