package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360/topicrelay/errors"
)

// List update modes accepted by the control plane.
const (
	ModeSet    = "set"
	ModeAdd    = "add"
	ModeRemove = "remove"
)

// Bus is the subset of the bus client the control plane needs.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, string, []byte)) error
}

// Hooks are invoked after control-plane actions so the host can push changes
// into running components without the config package importing them.
type Hooks struct {
	// OnTopicsChanged fires after any update touching the topics section.
	OnTopicsChanged func(TopicsConfig)
	// OnRestart fires when a restart is requested over the bus.
	OnRestart func()
	// OnMiniserverStartup fires when the miniserver announces a reboot,
	// typically to trigger a whitelist resync.
	OnMiniserverStartup func()
}

// Controller routes control-plane traffic: configuration introspection and
// updates arrive on reserved topics under the base topic and never reach the
// processing pipeline.
type Controller struct {
	safe   *Safe
	path   string // config file persisted on every accepted update
	bus    Bus
	hooks  Hooks
	logger *slog.Logger
}

// NewController creates a control-plane handler. path may be empty to skip
// persistence (used by tests).
func NewController(safe *Safe, path string, bus Bus, hooks Hooks, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		safe:   safe,
		path:   path,
		bus:    bus,
		hooks:  hooks,
		logger: logger,
	}
}

// ControlSubjects returns every reserved subject the controller listens on
// for the given base topic.
func ControlSubjects(baseTopic string) []string {
	return []string{
		baseTopic + "config/get",
		baseTopic + "config/set",
		baseTopic + "config/add",
		baseTopic + "config/remove",
		baseTopic + "config/restart",
		baseTopic + "miniserverevent/startup",
	}
}

// Start subscribes the controller to all control subjects.
func (c *Controller) Start(ctx context.Context) error {
	base := c.safe.General().BaseTopic
	for _, subject := range ControlSubjects(base) {
		if err := c.bus.Subscribe(ctx, subject, c.handle); err != nil {
			return errors.WrapTransient(err, "Controller", "Start",
				fmt.Sprintf("subscribe to %s", subject))
		}
	}
	c.logger.Info("Control plane listening", "base_topic", base)
	return nil
}

// handle dispatches one control message by suffix under the base topic.
func (c *Controller) handle(ctx context.Context, subject string, data []byte) {
	base := c.safe.General().BaseTopic
	switch strings.TrimPrefix(subject, base) {
	case "config/get":
		c.publishConfig(ctx, base)
	case "config/set":
		c.applyUpdate(ctx, data, ModeSet)
	case "config/add":
		c.applyUpdate(ctx, data, ModeAdd)
	case "config/remove":
		c.applyUpdate(ctx, data, ModeRemove)
	case "config/restart":
		c.logger.Info("Restart requested via control plane")
		if c.hooks.OnRestart != nil {
			c.hooks.OnRestart()
		}
	case "miniserverevent/startup":
		c.logger.Info("Miniserver startup event received")
		if c.hooks.OnMiniserverStartup != nil {
			c.hooks.OnMiniserverStartup()
		}
	default:
		c.logger.Warn("Unhandled control subject", "subject", subject)
	}
}

// publishConfig responds with the sanitized configuration.
func (c *Controller) publishConfig(ctx context.Context, base string) {
	payload, err := json.Marshal(c.safe.Get().Sanitized())
	if err != nil {
		c.logger.Error("Failed to serialize config response", "error", err)
		return
	}
	if err := c.bus.Publish(ctx, base+"config/response", payload); err != nil {
		c.logger.Error("Failed to publish config response", "error", err)
	}
}

// applyUpdate parses a field→value map and applies each entry with the given
// list mode, persisting and notifying on success.
func (c *Controller) applyUpdate(ctx context.Context, data []byte, mode string) {
	var updates map[string]any
	if err := json.Unmarshal(data, &updates); err != nil {
		c.logger.Error("Invalid control-plane update payload", "mode", mode, "error", err)
		return
	}

	cfg := c.safe.Get()
	topicsTouched := false
	for field, value := range updates {
		touched, err := applyField(cfg, field, value, mode)
		if err != nil {
			c.logger.Warn("Skipping control-plane field update",
				"field", field, "mode", mode, "error", err)
			continue
		}
		topicsTouched = topicsTouched || touched
	}

	if err := c.safe.Update(cfg); err != nil {
		c.logger.Error("Rejected control-plane update", "error", err)
		return
	}

	if c.path != "" {
		if err := cfg.Save(c.path); err != nil {
			c.logger.Error("Failed to persist configuration", "path", c.path, "error", err)
		}
	}
	if topicsTouched && c.hooks.OnTopicsChanged != nil {
		c.hooks.OnTopicsChanged(cfg.Topics)
	}
	c.publishConfig(ctx, c.safe.General().BaseTopic)
}

// applyField updates a single named field. Returns whether the topics
// section was touched so filter/whitelist snapshots can be refreshed.
func applyField(cfg *Config, field string, value any, mode string) (bool, error) {
	switch field {
	case "subscriptions":
		cfg.Topics.Subscriptions = applyListMode(cfg.Topics.Subscriptions, value, mode)
		return true, nil
	case "subscription_filters":
		cfg.Topics.SubscriptionFilters = applyListMode(cfg.Topics.SubscriptionFilters, value, mode)
		return true, nil
	case "topic_whitelist":
		cfg.Topics.TopicWhitelist = applyListMode(cfg.Topics.TopicWhitelist, value, mode)
		return true, nil
	case "do_not_forward":
		cfg.Topics.DoNotForward = applyListMode(cfg.Topics.DoNotForward, value, mode)
		return true, nil
	case "expand_json":
		b, err := asBool(value)
		if err != nil {
			return false, err
		}
		cfg.Processing.ExpandJSON = b
		return false, nil
	case "convert_booleans":
		b, err := asBool(value)
		if err != nil {
			return false, err
		}
		cfg.Processing.ConvertBooleans = b
		return false, nil
	case "publish_processed_topics":
		b, err := asBool(value)
		if err != nil {
			return false, err
		}
		cfg.Debug.PublishProcessedTopics = b
		return false, nil
	case "publish_forwarded_topics":
		b, err := asBool(value)
		if err != nil {
			return false, err
		}
		cfg.Debug.PublishForwardedTopics = b
		return false, nil
	case "sync_with_miniserver":
		b, err := asBool(value)
		if err != nil {
			return false, err
		}
		cfg.Miniserver.SyncWithMiniserver = b
		return false, nil
	case "use_websocket":
		b, err := asBool(value)
		if err != nil {
			return false, err
		}
		cfg.Miniserver.UseWebsocket = b
		return false, nil
	case "cache_size":
		n, err := asInt(value)
		if err != nil {
			return false, err
		}
		cfg.General.CacheSize = n
		return false, nil
	case "log_level":
		s, err := asString(value)
		if err != nil {
			return false, err
		}
		cfg.General.LogLevel = s
		return false, nil
	default:
		return false, errors.WrapInvalid(errors.ErrInvalidConfig, "Controller", "applyField",
			fmt.Sprintf("unknown field %q", field))
	}
}

// applyListMode implements set/add/remove semantics over a string list.
// Add deduplicates; remove is a set subtraction.
func applyListMode(current []string, value any, mode string) []string {
	incoming := asStringList(value)
	switch mode {
	case ModeAdd:
		seen := make(map[string]struct{}, len(current))
		merged := append([]string(nil), current...)
		for _, s := range current {
			seen[s] = struct{}{}
		}
		for _, s := range incoming {
			if _, ok := seen[s]; !ok {
				merged = append(merged, s)
				seen[s] = struct{}{}
			}
		}
		return merged
	case ModeRemove:
		drop := make(map[string]struct{}, len(incoming))
		for _, s := range incoming {
			drop[s] = struct{}{}
		}
		kept := make([]string, 0, len(current))
		for _, s := range current {
			if _, ok := drop[s]; !ok {
				kept = append(kept, s)
			}
		}
		return kept
	default: // ModeSet
		return incoming
	}
}

func asStringList(value any) []string {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case string:
		return []string{v}
	default:
		return nil
	}
}

func asBool(value any) (bool, error) {
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("expected boolean, got %T", value)
	}
	return b, nil
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case float64: // encoding/json decodes numbers as float64
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

func asString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}
