package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"savekit/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

// ParseDispatchMode maps "sync"/"async" to a DispatchMode, defaulting to async.
func ParseDispatchMode(s string) DispatchMode {
	if s == "sync" {
		return DispatchSync
	}
	return DispatchAsync
}

type handlerFunc func(context.Context, core.Event)

// EventBus provides thread-safe pub/sub with sync and async dispatch.
// Subscribers registered with an empty event type receive every event.
type EventBus struct {
	mode       DispatchMode
	mu         sync.RWMutex
	subs       map[core.EventType]map[int64]handlerFunc
	nextID     int64
	asyncQueue chan core.Event
	workers    sync.WaitGroup
	done       chan struct{}
	closeMu    sync.RWMutex // orders async enqueues before close(done)
	closeOnce  sync.Once
	dropped    atomic.Int64
}

func NewEventBus(mode DispatchMode) *EventBus {
	eb := &EventBus{
		mode:       mode,
		subs:       make(map[core.EventType]map[int64]handlerFunc),
		asyncQueue: make(chan core.Event, 1024),
		done:       make(chan struct{}),
	}
	if mode == DispatchAsync {
		eb.startWorkers(4)
	}
	return eb
}

func (e *EventBus) startWorkers(n int) {
	for i := 0; i < n; i++ {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			for {
				select {
				case ev := <-e.asyncQueue:
					e.dispatchSync(context.Background(), ev)
				case <-e.done:
					// drain what is already queued
					for {
						select {
						case ev := <-e.asyncQueue:
							e.dispatchSync(context.Background(), ev)
						default:
							return
						}
					}
				}
			}
		}()
	}
}

// Close stops async workers after the queue drains. Safe to call more than once.
func (e *EventBus) Close() {
	e.closeOnce.Do(func() {
		e.closeMu.Lock()
		close(e.done)
		e.closeMu.Unlock()
		e.workers.Wait()
	})
}

// Dropped returns how many async events were discarded because the queue was
// full or the bus was already closed.
func (e *EventBus) Dropped() int64 { return e.dropped.Load() }

// Subscribe registers a handler for an event type. Returns unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]handlerFunc)
	}
	e.subs[typ][id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if m := e.subs[typ]; m != nil {
			delete(m, id)
		}
	}
}

// SubscribeAll registers a handler for every event type.
func (e *EventBus) SubscribeAll(handler func(context.Context, core.Event)) func() {
	return e.Subscribe("", handler)
}

// Publish sends an event to subscribers. In async mode a full queue drops the event.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.mode == DispatchAsync {
		e.closeMu.RLock()
		defer e.closeMu.RUnlock()
		select {
		case <-e.done:
			e.dropped.Add(1)
			return
		default:
		}
		select {
		case e.asyncQueue <- ev:
		default:
			e.dropped.Add(1)
		}
		return
	}
	e.dispatchSync(ctx, ev)
}

func (e *EventBus) dispatchSync(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	// copy to avoid holding lock during callbacks
	handlers := make([]handlerFunc, 0, len(e.subs[ev.Type])+len(e.subs[""]))
	for _, h := range e.subs[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range e.subs[""] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}
