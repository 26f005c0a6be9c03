// Package achieve assembles an achievement service from its parts.
package achieve

import (
	"log/slog"
	"time"

	mem "savekit/adapters/memory"
	"savekit/analytics"
	"savekit/engine"
	"savekit/integrations/webhook"
	"savekit/realtime"
)

// Option configures the service builder.
type Option func(*config)

type config struct {
	storage engine.Storage
	mode    engine.DispatchMode
	hub     *realtime.Hub
	hooks   []analytics.Hook
	webhook *webhook.Sink
	log     *slog.Logger
	timeout time.Duration
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithHooks registers analytics hooks for all engine events.
func WithHooks(h ...analytics.Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, h...) }
}

// WithWebhook forwards events to an outbound webhook sink.
func WithWebhook(s *webhook.Sink) Option { return func(c *config) { c.webhook = s } }

func WithLogger(l *slog.Logger) Option { return func(c *config) { c.log = l } }

// WithOperationTimeout bounds every engine operation.
func WithOperationTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

// New builds a configured AchievementService. If not provided, defaults are used:
//   - storage: in-memory
//   - dispatch: async
//   - logger: slog.Default()
func New(opts ...Option) *engine.AchievementService {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	bus := engine.NewEventBus(cfg.mode)
	if cfg.hub != nil {
		bus.SubscribeAll(cfg.hub.Broadcast)
	}
	if len(cfg.hooks) > 0 {
		bus.SubscribeAll(analytics.NewBridge(cfg.hooks...).Handle)
	}
	if cfg.webhook != nil {
		bus.SubscribeAll(cfg.webhook.Handle)
	}

	return engine.NewAchievementService(cfg.storage, bus,
		engine.WithLogger(cfg.log),
		engine.WithOperationTimeout(cfg.timeout),
	)
}
