// Package config defines the relay's typed configuration, thread-safe access
// to it, and the bus-driven control plane for runtime updates.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/c360/topicrelay/errors"
)

// DefaultCacheSize is used for the normalization caches when the configured
// size is zero or negative.
const DefaultCacheSize = 64

// GeneralConfig holds relay-wide settings.
type GeneralConfig struct {
	LogLevel  string `json:"log_level"`
	BaseTopic string `json:"base_topic"`
	CacheSize int    `json:"cache_size"`
}

// BrokerConfig defines the message bus connection.
type BrokerConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// MiniserverConfig defines the downstream forwarding target.
type MiniserverConfig struct {
	IP                     string `json:"ip"`
	Port                   int    `json:"port"`
	User                   string `json:"user,omitempty"`
	Pass                   string `json:"pass,omitempty"`
	MaxParallelConnections int    `json:"max_parallel_connections"`
	MaxRequestsPerSecond   int    `json:"max_requests_per_second,omitempty"`
	SyncWithMiniserver     bool   `json:"sync_with_miniserver"`
	UseWebsocket           bool   `json:"use_websocket"`
	RetryCount             int    `json:"retry_count"`
	TimeoutSeconds         int    `json:"timeout_seconds"`
}

// TopicsConfig holds the subscription and filtering lists that feed the
// processing pipeline.
type TopicsConfig struct {
	Subscriptions       []string `json:"subscriptions"`
	SubscriptionFilters []string `json:"subscription_filters"`
	TopicWhitelist      []string `json:"topic_whitelist"`
	DoNotForward        []string `json:"do_not_forward"`
}

// ProcessingConfig toggles payload transformation behavior.
type ProcessingConfig struct {
	ExpandJSON      bool `json:"expand_json"`
	ConvertBooleans bool `json:"convert_booleans"`
}

// UDPConfig configures the UDP ingress listener.
type UDPConfig struct {
	InPort int `json:"udp_in_port"`
}

// DebugConfig enables diagnostic republication of pipeline results.
type DebugConfig struct {
	PublishProcessedTopics bool   `json:"publish_processed_topics"`
	PublishForwardedTopics bool   `json:"publish_forwarded_topics"`
	MockIP                 string `json:"mock_ip,omitempty"`
	EnableMock             bool   `json:"enable_mock"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
}

// Config is the complete relay configuration.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Broker     BrokerConfig     `json:"broker"`
	Miniserver MiniserverConfig `json:"miniserver"`
	Topics     TopicsConfig     `json:"topics"`
	Processing ProcessingConfig `json:"processing"`
	UDP        UDPConfig        `json:"udp"`
	Debug      DebugConfig      `json:"debug"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// Default returns a configuration with working defaults for a local setup.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			BaseTopic: "relay/",
			CacheSize: DefaultCacheSize,
		},
		Broker: BrokerConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Miniserver: MiniserverConfig{
			IP:                     "127.0.0.1",
			Port:                   80,
			MaxParallelConnections: 5,
			SyncWithMiniserver:     false,
			RetryCount:             3,
			TimeoutSeconds:         10,
		},
		Topics: TopicsConfig{},
		Processing: ProcessingConfig{
			ExpandJSON:      true,
			ConvertBooleans: true,
		},
		UDP: UDPConfig{
			InPort: 11884,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads a JSON configuration file. A missing file yields defaults, so a
// fresh install starts without manual setup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.WrapFatal(err, "Config", "Load", "read file")
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "parse JSON")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Save", "marshal")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapTransient(err, "Config", "Save", "create directory")
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapTransient(err, "Config", "Save", "write file")
	}
	return nil
}

var baseTopicPattern = regexp.MustCompile(`^[^#+\s]*/$`)

// Validate checks structural requirements. Filter patterns are deliberately
// not validated here: the pipeline skips invalid patterns individually so one
// bad regex never blocks startup.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "broker.url")
	}
	if c.General.BaseTopic == "" || !baseTopicPattern.MatchString(c.General.BaseTopic) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("base_topic %q must be non-empty and end with /", c.General.BaseTopic))
	}
	if c.Miniserver.IP == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "miniserver.ip")
	}
	if c.UDP.InPort < 0 || c.UDP.InPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("udp_in_port %d out of range", c.UDP.InPort))
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("metrics port %d out of range", c.Metrics.Port))
	}
	return nil
}

// Clone returns a deep copy via a JSON round trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Sanitized returns the configuration as a generic map with credentials
// removed, suitable for publication on the control-plane response topic.
func (c *Config) Sanitized() map[string]any {
	data, err := json.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	if broker, ok := out["broker"].(map[string]any); ok {
		delete(broker, "username")
		delete(broker, "password")
	}
	if ms, ok := out["miniserver"].(map[string]any); ok {
		delete(ms, "user")
		delete(ms, "pass")
	}
	return out
}

// CacheCapacity returns the configured cache size, falling back to the
// default when unset.
func (c *Config) CacheCapacity() int {
	if c.General.CacheSize <= 0 {
		return DefaultCacheSize
	}
	return c.General.CacheSize
}

// Safe provides thread-safe access to the configuration. The stored value is
// replaced wholesale on update; section accessors return value copies so
// readers never observe a torn write.
type Safe struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafe wraps a configuration for concurrent access.
func NewSafe(cfg *Config) *Safe {
	if cfg == nil {
		cfg = Default()
	}
	return &Safe{cfg: cfg}
}

// Get returns a deep copy of the current configuration.
func (s *Safe) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update validates and atomically replaces the configuration.
func (s *Safe) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Safe", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// General returns a copy of the general section.
func (s *Safe) General() GeneralConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.General
}

// Processing returns a copy of the processing section. This is on the
// per-message hot path, so it is a plain struct copy, not a clone.
func (s *Safe) Processing() ProcessingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Processing
}

// Debug returns a copy of the debug section.
func (s *Safe) Debug() DebugConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Debug
}

// Topics returns a deep copy of the topics section.
func (s *Safe) Topics() TopicsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.cfg.Topics
	return TopicsConfig{
		Subscriptions:       append([]string(nil), t.Subscriptions...),
		SubscriptionFilters: append([]string(nil), t.SubscriptionFilters...),
		TopicWhitelist:      append([]string(nil), t.TopicWhitelist...),
		DoNotForward:        append([]string(nil), t.DoNotForward...),
	}
}

// Miniserver returns a copy of the miniserver section.
func (s *Safe) Miniserver() MiniserverConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Miniserver
}
