package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"savekit/core"
)

// Sink posts unlock and reward events to configured HTTP endpoints. Delivery
// is best effort: failures are logged and never reach the engine.
type Sink struct {
	client    *http.Client
	endpoints []string
	types     map[core.EventType]bool
	log       *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout sets the timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.client = &http.Client{Timeout: d}
		}
	}
}

// WithEventTypes restricts which event types are delivered.
func WithEventTypes(types ...core.EventType) Option {
	return func(s *Sink) {
		s.types = make(map[core.EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a webhook sink. By default it forwards achievement_unlocked and
// reward_granted events.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client: &http.Client{Timeout: 2 * time.Second},
		types: map[core.EventType]bool{
			core.EventAchievementUnlocked: true,
			core.EventRewardGranted:       true,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	s.log = s.log.With("component", "webhook")
	return s
}

// Handle has the EventBus handler signature.
func (s *Sink) Handle(ctx context.Context, e core.Event) {
	if len(s.endpoints) == 0 || !s.types[e.Type] {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("failed to encode event", "event_id", e.ID, "error", err)
		return
	}
	// deliveries outlive the request that triggered the event
	ctx = context.WithoutCancel(ctx)
	for _, ep := range s.endpoints {
		if err := s.post(ctx, ep, e, body); err != nil {
			s.log.Warn("webhook delivery failed", "endpoint", ep, "event_id", e.ID, "type", e.Type, "error", err)
		}
	}
}

// OnEvent delivers e without a caller context.
func (s *Sink) OnEvent(e core.Event) {
	s.Handle(context.Background(), e)
}

func (s *Sink) post(ctx context.Context, endpoint string, e core.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Savekit-Event", string(e.Type))
	req.Header.Set("X-Savekit-Delivery", e.ID)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
