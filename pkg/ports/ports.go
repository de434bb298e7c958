// Package ports defines the interfaces between the buses and their
// adapters. Implementations live under pkg/adapters.
package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cidadao-ai/messaging/pkg/core"
)

// EventHandler processes one delivered event. A non-nil error marks the
// delivery as failed and drives the bus's retry/DLQ policy.
type EventHandler func(ctx context.Context, event core.Event) error

// EventBusStats is a point-in-time snapshot of bus counters.
type EventBusStats struct {
	Published uint64 `json:"events_published"`
	Processed uint64 `json:"events_processed"`
	Failed    uint64 `json:"events_failed"`
	Retried   uint64 `json:"events_retried"`
	Dropped   uint64 `json:"events_dropped"`
	Handlers  int    `json:"handlers_registered"`
	Consumers int    `json:"consumers_running"`
}

// EventBus is a durable at-least-once publish/subscribe log partitioned by
// event category.
type EventBus interface {
	// Publish appends an event and returns its ID. Transport failures
	// propagate; the bus does not retry publishes.
	Publish(ctx context.Context, t core.EventType, data map[string]any, metadata map[string]string) (uuid.UUID, error)

	// Subscribe registers a handler for one or more event types. Multiple
	// handlers may share a type; all of them run for each delivery.
	Subscribe(handler EventHandler, types ...core.EventType) error

	// Start launches one consumer per category present in the registry.
	Start(ctx context.Context, consumerName string) error

	// Stop cancels all consumers and waits for them. Idempotent.
	Stop() error

	Stats() EventBusStats
}

// Cache is a TTL'd byte store used by the query bus read path.
type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MetricsCollector receives bus and breaker measurements. Implementations
// must be safe for concurrent use.
type MetricsCollector interface {
	RecordCommand(name, status string, duration time.Duration)
	RecordQuery(name string, fromCache bool, duration time.Duration)
	RecordEventPublished(category string)
	RecordEventProcessed(category, disposition string, duration time.Duration)
	SetConsumerCount(count int)
	SetBreakerState(name string, state int)
}

// NopMetrics discards all measurements. It is the default collector when
// none is wired in.
type NopMetrics struct{}

func (NopMetrics) RecordCommand(string, string, time.Duration)        {}
func (NopMetrics) RecordQuery(string, bool, time.Duration)            {}
func (NopMetrics) RecordEventPublished(string)                        {}
func (NopMetrics) RecordEventProcessed(string, string, time.Duration) {}
func (NopMetrics) SetConsumerCount(int)                               {}
func (NopMetrics) SetBreakerState(string, int)                        {}
