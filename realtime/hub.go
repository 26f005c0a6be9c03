package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"savekit/core"
)

type subscriber struct {
	ch   chan core.Event
	user core.UserID // empty receives every user's events
}

// Hub fans engine events out to stream subscribers. Slow subscribers lose
// events instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

func NewHub() *Hub { return &Hub{subs: map[int]subscriber{}} }

// Subscribe registers a subscriber for all events.
func (h *Hub) Subscribe(buffer int) (int, <-chan core.Event) {
	return h.SubscribeUser("", buffer)
}

// SubscribeUser registers a subscriber that only sees events of user.
func (h *Hub) SubscribeUser(user core.UserID, buffer int) (int, <-chan core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.Event, buffer)
	h.subs[id] = subscriber{ch: ch, user: user}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Broadcast has the signature of an event bus handler so it can be passed to
// EventBus.SubscribeAll directly.
func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.user != "" && sub.user != ev.UserID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// MarshalJSON is a helper to convert events to JSON bytes for WebSocket/SSE.
func MarshalJSON(ev core.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}
