package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cidadao-ai/messaging/pkg/core"
	"github.com/cidadao-ai/messaging/pkg/ports"
)

// EventBus implements ports.EventBus in memory with synchronous delivery.
// It mirrors the streams bus's retry and DLQ semantics so handler logic can
// be tested without Redis. This is for testing and local development only.
type EventBus struct {
	maxRetries int

	mu       sync.RWMutex
	handlers map[core.EventType][]ports.EventHandler
	dlq      []DLQEntry
	running  bool

	published atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
}

// DLQEntry is one dead-lettered event with its handler errors.
type DLQEntry struct {
	Event  core.Event
	Errors []string
}

// NewEventBus creates an in-memory bus. maxRetries <= 0 selects the default
// of 3.
func NewEventBus(maxRetries int) *EventBus {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &EventBus{
		maxRetries: maxRetries,
		handlers:   make(map[core.EventType][]ports.EventHandler),
	}
}

// Publish delivers the event synchronously to every handler registered for
// its type, applying retry-by-redelivery and dead-lettering inline.
func (b *EventBus) Publish(ctx context.Context, t core.EventType, data map[string]any, metadata map[string]string) (uuid.UUID, error) {
	event, err := core.NewEvent(t, data, metadata)
	if err != nil {
		return uuid.Nil, err
	}
	b.published.Add(1)

	b.deliver(ctx, event)
	return event.ID, nil
}

func (b *EventBus) deliver(ctx context.Context, event core.Event) {
	b.mu.RLock()
	handlers := make([]ports.EventHandler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.dropped.Add(1)
		return
	}

	var errs []string
	for _, handler := range handlers {
		if err := b.invoke(ctx, handler, event); err != nil {
			errs = append(errs, err.Error())
		}
	}

	switch {
	case len(errs) == 0:
		b.processed.Add(1)
	case event.RetryCount < b.maxRetries:
		b.retried.Add(1)
		b.deliver(ctx, event.WithRetry())
	default:
		b.failed.Add(1)
		b.mu.Lock()
		b.dlq = append(b.dlq, DLQEntry{Event: event, Errors: errs})
		b.mu.Unlock()
	}
}

// invoke shields delivery from handler panics, matching the streams bus.
func (b *EventBus) invoke(ctx context.Context, handler ports.EventHandler, event core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(handler ports.EventHandler, types ...core.EventType) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}
	if len(types) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("unknown event type: %s", t)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], handler)
	}
	return nil
}

// Start marks the bus running. Delivery is synchronous on Publish, so there
// are no consumer goroutines to launch.
func (b *EventBus) Start(ctx context.Context, consumerName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("event bus already started")
	}
	b.running = true
	return nil
}

// Stop marks the bus stopped. Idempotent.
func (b *EventBus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	return nil
}

// DLQ returns a copy of the dead-lettered entries.
func (b *EventBus) DLQ() []DLQEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]DLQEntry, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// Stats returns a point-in-time snapshot of the counters.
func (b *EventBus) Stats() ports.EventBusStats {
	b.mu.RLock()
	handlers := 0
	for _, hs := range b.handlers {
		handlers += len(hs)
	}
	running := b.running
	b.mu.RUnlock()

	consumers := 0
	if running {
		consumers = 1
	}

	return ports.EventBusStats{
		Published: b.published.Load(),
		Processed: b.processed.Load(),
		Failed:    b.failed.Load(),
		Retried:   b.retried.Load(),
		Dropped:   b.dropped.Load(),
		Handlers:  handlers,
		Consumers: consumers,
	}
}
