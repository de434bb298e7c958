package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cidadao-ai/messaging/pkg/core"
	"github.com/cidadao-ai/messaging/pkg/ports"
)

const (
	defaultStreamMaxLen = 10000
	defaultDLQMaxLen    = 1000
	defaultMaxRetries   = 3

	readCount = 10
	readBlock = time.Second
)

// Config tunes the streams bus. Zero values fall back to defaults.
type Config struct {
	// StreamPrefix names the physical streams: "{prefix}:{category}" and
	// "{prefix}:dlq". Default "events".
	StreamPrefix string
	// ConsumerGroup is the shared delivery group. Default "cidadao-ai".
	ConsumerGroup string
	// MaxRetries bounds redelivery before an event is parked in the DLQ.
	MaxRetries int
	// StreamMaxLen caps each category stream (approximate trim).
	StreamMaxLen int64
	// DLQMaxLen caps the dead-letter stream (approximate trim).
	DLQMaxLen int64
}

func (c Config) withDefaults() Config {
	if c.StreamPrefix == "" {
		c.StreamPrefix = "events"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "cidadao-ai"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = defaultStreamMaxLen
	}
	if c.DLQMaxLen <= 0 {
		c.DLQMaxLen = defaultDLQMaxLen
	}
	return c
}

// StreamsEventBus implements ports.EventBus on Redis Streams. Each event
// category is one stream consumed by one goroutine through a shared consumer
// group, so multiple processes split delivery without duplication. Failed
// deliveries are retried by republish; exhausted events land on the DLQ.
type StreamsEventBus struct {
	client  *redis.Client
	logger  *zap.Logger
	metrics ports.MetricsCollector
	cfg     Config

	mu       sync.RWMutex
	handlers map[core.EventType][]ports.EventHandler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	published atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
	consumers atomic.Int32
}

// DLQEntry is one parked event with the handler errors that exhausted its
// retry budget. Raw carries the undecoded payload when the envelope itself
// was invalid; Event is zero in that case.
type DLQEntry struct {
	StreamID string     `json:"stream_id"`
	Event    core.Event `json:"event"`
	Raw      string     `json:"raw,omitempty"`
	Errors   []string   `json:"errors"`
	FailedAt time.Time  `json:"failed_at"`
}

// NewStreamsEventBus creates a stopped bus; call Start after registering
// handlers.
func NewStreamsEventBus(client *redis.Client, cfg Config, logger *zap.Logger, metrics ports.MetricsCollector) *StreamsEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &StreamsEventBus{
		client:   client,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		handlers: make(map[core.EventType][]ports.EventHandler),
	}
}

// Publish appends one event to its category stream and returns the event ID.
// Transport failures propagate; publishing is not retried here.
func (b *StreamsEventBus) Publish(ctx context.Context, t core.EventType, data map[string]any, metadata map[string]string) (uuid.UUID, error) {
	event, err := core.NewEvent(t, data, metadata)
	if err != nil {
		return uuid.Nil, err
	}

	if err := b.append(ctx, event); err != nil {
		return uuid.Nil, err
	}

	b.published.Add(1)
	b.metrics.RecordEventPublished(string(t.Category()))

	b.logger.Debug("event published",
		zap.String("event_id", event.ID.String()),
		zap.String("type", string(event.Type)),
		zap.String("stream", b.streamKey(t.Category())))

	return event.ID, nil
}

// append writes an already-constructed envelope, preserving its identity.
// Used by Publish, retry republish and DLQ replay.
func (b *StreamsEventBus) append(ctx context.Context, event core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.streamKey(event.Type.Category()),
		MaxLen: b.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			// type and timestamp are duplicated outside the envelope so
			// consumers can filter without a full decode.
			"event":     string(payload),
			"type":      string(event.Type),
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		},
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}
	return nil
}

// Subscribe registers a handler for the given event types. All handlers for
// a type run on each delivery.
func (b *StreamsEventBus) Subscribe(handler ports.EventHandler, types ...core.EventType) error {
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

// Start creates the consumer group on every category stream present in the
// handler registry and spawns one consumer goroutine per category.
func (b *StreamsEventBus) Start(ctx context.Context, consumerName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("event bus already started")
	}
	if consumerName == "" {
		return fmt.Errorf("consumer name is required")
	}

	categories := b.categoriesLocked()
	if len(categories) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, category := range categories {
		stream := b.streamKey(category)

		err := b.client.XGroupCreateMkStream(runCtx, stream, b.cfg.ConsumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			cancel()
			return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}

		b.wg.Add(1)
		go b.consume(runCtx, stream, consumerName)
	}

	b.cancel = cancel
	b.running = true
	b.consumers.Store(int32(len(categories)))
	b.metrics.SetConsumerCount(len(categories))

	b.logger.Info("event bus started",
		zap.String("consumer_group", b.cfg.ConsumerGroup),
		zap.String("consumer", consumerName),
		zap.Int("streams", len(categories)))

	return nil
}

// Stop cancels the consumers and waits for them to drain. Idempotent.
func (b *StreamsEventBus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	b.consumers.Store(0)
	b.metrics.SetConsumerCount(0)

	b.logger.Info("event bus stopped")
	return nil
}

// Stats returns a point-in-time snapshot of the counters.
func (b *StreamsEventBus) Stats() ports.EventBusStats {
	b.mu.RLock()
	handlers := 0
	for _, hs := range b.handlers {
		handlers += len(hs)
	}
	b.mu.RUnlock()

	return ports.EventBusStats{
		Published: b.published.Load(),
		Processed: b.processed.Load(),
		Failed:    b.failed.Load(),
		Retried:   b.retried.Load(),
		Dropped:   b.dropped.Load(),
		Handlers:  handlers,
		Consumers: int(b.consumers.Load()),
	}
}

// consume is the per-stream read loop. It only exits on cancellation; read
// errors back off and retry.
func (b *StreamsEventBus) consume(ctx context.Context, stream, consumerName string) {
	defer b.wg.Done()

	b.logger.Info("consumer started",
		zap.String("stream", stream),
		zap.String("consumer", consumerName))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("consumer stopped", zap.String("stream", stream))
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.ConsumerGroup,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				b.logger.Info("consumer stopped", zap.String("stream", stream))
				return
			}
			b.logger.Error("failed to read from stream",
				zap.String("stream", stream),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, message := range s.Messages {
				b.handleMessage(ctx, stream, message)
			}
		}
	}
}

// handleMessage runs every registered handler for one delivery and decides
// its disposition: success, retry by republish, or DLQ. The message is acked
// exactly when a disposition has been durably decided, so a crash before the
// ack re-delivers (at-least-once).
func (b *StreamsEventBus) handleMessage(ctx context.Context, stream string, message redis.XMessage) {
	start := time.Now()

	event, err := decodeEnvelope(message)
	if err != nil {
		// Undecodable envelopes can never succeed; park them raw so the
		// payload survives the ack.
		b.logger.Error("invalid event envelope",
			zap.String("stream", stream),
			zap.String("message_id", message.ID),
			zap.Error(err))
		if dlqErr := b.sendRawToDLQ(ctx, message, err); dlqErr != nil {
			b.logger.Error("failed to park invalid envelope", zap.Error(dlqErr))
			return
		}
		b.failed.Add(1)
		b.ack(ctx, stream, message.ID)
		return
	}

	category := string(event.Type.Category())

	b.mu.RLock()
	handlers := make([]ports.EventHandler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no handlers for event, dropping",
			zap.String("event_id", event.ID.String()),
			zap.String("type", string(event.Type)))
		b.dropped.Add(1)
		b.metrics.RecordEventProcessed(category, "dropped", time.Since(start))
		b.ack(ctx, stream, message.ID)
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
		b.metrics.RecordEventProcessed(category, "ok", time.Since(start))

	case event.RetryCount < b.cfg.MaxRetries:
		// Requeue pattern: the retry is a new message at the stream tail,
		// so it may reorder relative to other pending events.
		if err := b.append(ctx, event.WithRetry()); err != nil {
			b.logger.Error("failed to republish for retry",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			// No disposition reached; leave the message pending for
			// redelivery instead of losing it.
			return
		}
		b.retried.Add(1)
		b.metrics.RecordEventProcessed(category, "retried", time.Since(start))
		b.logger.Warn("event handler failed, retrying",
			zap.String("event_id", event.ID.String()),
			zap.String("type", string(event.Type)),
			zap.Int("retry_count", event.RetryCount+1),
			zap.Strings("errors", errs))

	default:
		if err := b.sendToDLQ(ctx, event, errs); err != nil {
			b.logger.Error("failed to park event in DLQ",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			return
		}
		b.failed.Add(1)
		b.metrics.RecordEventProcessed(category, "dlq", time.Since(start))
		b.logger.Error("event exhausted retries, parked in DLQ",
			zap.String("event_id", event.ID.String()),
			zap.String("type", string(event.Type)),
			zap.Int("retry_count", event.RetryCount),
			zap.Strings("errors", errs))
	}

	b.ack(ctx, stream, message.ID)
}

// invoke shields the consumer loop from handler panics.
func (b *StreamsEventBus) invoke(ctx context.Context, handler ports.EventHandler, event core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

func (b *StreamsEventBus) ack(ctx context.Context, stream, messageID string) {
	if err := b.client.XAck(ctx, stream, b.cfg.ConsumerGroup, messageID).Err(); err != nil {
		b.logger.Error("failed to acknowledge message",
			zap.String("stream", stream),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// sendToDLQ appends the event and its handler errors to the dead-letter
// stream.
func (b *StreamsEventBus) sendToDLQ(ctx context.Context, event core.Event, errs []string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event for DLQ: %w", err)
	}
	errsPayload, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to marshal errors for DLQ: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.dlqKey(),
		MaxLen: b.cfg.DLQMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":     string(payload),
			"errors":    string(errsPayload),
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add to DLQ: %w", err)
	}
	return nil
}

// sendRawToDLQ parks a message whose envelope could not be decoded. The
// original stream values are preserved under the raw field so an operator
// can still recover the payload.
func (b *StreamsEventBus) sendRawToDLQ(ctx context.Context, message redis.XMessage, cause error) error {
	raw, ok := message.Values["event"].(string)
	if !ok {
		values, err := json.Marshal(message.Values)
		if err != nil {
			return fmt.Errorf("failed to marshal raw message for DLQ: %w", err)
		}
		raw = string(values)
	}
	errsPayload, err := json.Marshal([]string{cause.Error()})
	if err != nil {
		return fmt.Errorf("failed to marshal errors for DLQ: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.dlqKey(),
		MaxLen: b.cfg.DLQMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"raw":       raw,
			"errors":    string(errsPayload),
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add to DLQ: %w", err)
	}
	return nil
}

// DLQEntries returns up to count parked events, oldest first.
func (b *StreamsEventBus) DLQEntries(ctx context.Context, count int64) ([]DLQEntry, error) {
	messages, err := b.client.XRangeN(ctx, b.dlqKey(), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, message := range messages {
		entry := DLQEntry{StreamID: message.ID}

		if raw, ok := message.Values["event"].(string); ok {
			if err := json.Unmarshal([]byte(raw), &entry.Event); err != nil {
				b.logger.Warn("corrupt DLQ entry",
					zap.String("message_id", message.ID),
					zap.Error(err))
				continue
			}
		}
		if raw, ok := message.Values["raw"].(string); ok {
			entry.Raw = raw
		}
		if raw, ok := message.Values["errors"].(string); ok {
			_ = json.Unmarshal([]byte(raw), &entry.Errors)
		}
		if raw, ok := message.Values["failed_at"].(string); ok {
			entry.FailedAt, _ = time.Parse(time.RFC3339Nano, raw)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReplayDLQ republishes up to count parked events with a reset retry budget
// and removes them from the DLQ. It returns how many were replayed.
func (b *StreamsEventBus) ReplayDLQ(ctx context.Context, count int64) (int, error) {
	entries, err := b.DLQEntries(ctx, count)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		if !entry.Event.Type.Valid() {
			// Undecodable envelopes parked by handleMessage; nothing to
			// replay, just drop them.
			if err := b.client.XDel(ctx, b.dlqKey(), entry.StreamID).Err(); err != nil {
				return replayed, fmt.Errorf("failed to drop DLQ entry: %w", err)
			}
			continue
		}

		event := entry.Event
		event.RetryCount = 0
		if err := b.append(ctx, event); err != nil {
			return replayed, fmt.Errorf("failed to replay event %s: %w", event.ID, err)
		}
		if err := b.client.XDel(ctx, b.dlqKey(), entry.StreamID).Err(); err != nil {
			return replayed, fmt.Errorf("failed to remove replayed DLQ entry: %w", err)
		}
		replayed++
	}

	b.logger.Info("DLQ replay complete", zap.Int("replayed", replayed))
	return replayed, nil
}

// categoriesLocked returns the distinct categories in the handler registry.
// Callers hold b.mu.
func (b *StreamsEventBus) categoriesLocked() []core.Category {
	seen := make(map[core.Category]struct{})
	var categories []core.Category
	for t := range b.handlers {
		c := t.Category()
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		categories = append(categories, c)
	}
	return categories
}

func (b *StreamsEventBus) streamKey(category core.Category) string {
	return fmt.Sprintf("%s:%s", b.cfg.StreamPrefix, category)
}

func (b *StreamsEventBus) dlqKey() string {
	return fmt.Sprintf("%s:dlq", b.cfg.StreamPrefix)
}

// decodeEnvelope extracts the JSON envelope from a stream message.
func decodeEnvelope(message redis.XMessage) (core.Event, error) {
	raw, ok := message.Values["event"].(string)
	if !ok {
		return core.Event{}, fmt.Errorf("message %s has no event field", message.ID)
	}

	var event core.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return core.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if !event.Type.Valid() {
		return core.Event{}, fmt.Errorf("unknown event type: %s", event.Type)
	}
	return event, nil
}
