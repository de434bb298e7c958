package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidadao-ai/messaging/pkg/core"
)

func newTestBus(t *testing.T, cfg Config) (*StreamsEventBus, *goredis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewStreamsEventBus(client, cfg, nil, nil)
	t.Cleanup(func() { _ = bus.Stop() })
	return bus, client
}

func TestPublishAppendsToCategoryStream(t *testing.T) {
	bus, client := newTestBus(t, Config{})
	ctx := context.Background()

	id, err := bus.Publish(ctx, core.EventInvestigationCreated,
		map[string]any{"contract_id": "42"},
		map[string]string{"source": "portal"})
	require.NoError(t, err)

	messages, err := client.XRange(ctx, "events:investigation", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)

	// type and timestamp ride outside the envelope for cheap filtering.
	assert.Equal(t, "investigation.created", messages[0].Values["type"])
	assert.NotEmpty(t, messages[0].Values["timestamp"])

	var event core.Event
	require.NoError(t, json.Unmarshal([]byte(messages[0].Values["event"].(string)), &event))
	assert.Equal(t, id, event.ID)
	assert.Equal(t, core.EventInvestigationCreated, event.Type)
	assert.Equal(t, "42", event.Data["contract_id"])
	assert.Equal(t, "portal", event.Metadata["source"])
	assert.Zero(t, event.RetryCount)

	assert.Equal(t, uint64(1), bus.Stats().Published)
}

func TestPublishRejectsUnknownType(t *testing.T) {
	bus, _ := newTestBus(t, Config{})

	_, err := bus.Publish(context.Background(), "bogus.event", nil, nil)
	require.Error(t, err)
	assert.Zero(t, bus.Stats().Published)
}

func TestPublishErrorPropagates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewStreamsEventBus(client, Config{}, nil, nil)

	mr.Close()

	_, err := bus.Publish(context.Background(), core.EventReportGenerated, nil, nil)
	assert.Error(t, err)
}

func TestPerCategoryRoundTrip(t *testing.T) {
	bus, _ := newTestBus(t, Config{})
	ctx := context.Background()

	types := map[core.Category]core.EventType{
		core.CategoryInvestigation: core.EventInvestigationCreated,
		core.CategoryAnomaly:       core.EventAnomalyDetected,
		core.CategoryReport:        core.EventReportGenerated,
	}

	var mu sync.Mutex
	received := make(map[core.Category][]int)
	for category, eventType := range types {
		category := category
		require.NoError(t, bus.Subscribe(func(ctx context.Context, e core.Event) error {
			mu.Lock()
			received[category] = append(received[category], int(e.Data["seq"].(float64)))
			mu.Unlock()
			return nil
		}, eventType))
	}

	const perCategory = 100
	for i := 0; i < perCategory; i++ {
		for _, eventType := range types {
			_, err := bus.Publish(ctx, eventType, map[string]any{"seq": i}, nil)
			require.NoError(t, err)
		}
	}

	require.NoError(t, bus.Start(ctx, "test-consumer"))

	require.Eventually(t, func() bool {
		return bus.Stats().Processed == uint64(3*perCategory)
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for category := range types {
		require.Len(t, received[category], perCategory, "category %s", category)
		// Per-category FIFO for non-retried events.
		for i, seq := range received[category] {
			assert.Equal(t, i, seq, "category %s out of order", category)
		}
	}
}

func TestFailingHandlerRetriesThenDeadLetters(t *testing.T) {
	bus, _ := newTestBus(t, Config{MaxRetries: 2})
	ctx := context.Background()

	var attempts atomic.Int32
	require.NoError(t, bus.Subscribe(func(ctx context.Context, e core.Event) error {
		attempts.Add(1)
		return fmt.Errorf("handler broken on retry %d", e.RetryCount)
	}, core.EventAgentTaskFailed))

	require.NoError(t, bus.Start(ctx, "test-consumer"))

	_, err := bus.Publish(ctx, core.EventAgentTaskFailed, map[string]any{"task": "audit"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bus.Stats().Failed == 1
	}, 10*time.Second, 50*time.Millisecond)

	// Initial delivery plus MaxRetries redeliveries.
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(2), bus.Stats().Retried)

	entries, err := bus.DLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.EventAgentTaskFailed, entries[0].Event.Type)
	assert.Equal(t, 2, entries[0].Event.RetryCount)
	require.Len(t, entries[0].Errors, 1)
	assert.Contains(t, entries[0].Errors[0], "handler broken")
}

func TestUnhandledTypeDroppedAndAcked(t *testing.T) {
	bus, client := newTestBus(t, Config{})
	ctx := context.Background()

	// Both types share the investigation category, so its consumer sees
	// events it has no handler for.
	require.NoError(t, bus.Subscribe(func(ctx context.Context, e core.Event) error {
		return nil
	}, core.EventInvestigationCreated))

	require.NoError(t, bus.Start(ctx, "test-consumer"))

	_, err := bus.Publish(ctx, core.EventInvestigationFailed, nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bus.Stats().Dropped == 1
	}, 10*time.Second, 50*time.Millisecond)

	assert.Zero(t, bus.Stats().Failed)

	// The dropped message was acknowledged, not left pending.
	pending, err := client.XPending(ctx, "events:investigation", "cidadao-ai").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	bus, _ := newTestBus(t, Config{MaxRetries: 1})
	ctx := context.Background()

	require.NoError(t, bus.Subscribe(func(ctx context.Context, e core.Event) error {
		panic("handler bug")
	}, core.EventAnalysisFailed))

	require.NoError(t, bus.Start(ctx, "test-consumer"))

	_, err := bus.Publish(ctx, core.EventAnalysisFailed, nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bus.Stats().Failed == 1
	}, 10*time.Second, 50*time.Millisecond)

	entries, err := bus.DLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Errors[0], "handler panic")
}

func TestUndecodableEnvelopeParkedRaw(t *testing.T) {
	bus, client := newTestBus(t, Config{})
	ctx := context.Background()

	require.NoError(t, bus.Subscribe(func(ctx context.Context, e core.Event) error {
		return nil
	}, core.EventInvestigationCreated))
	require.NoError(t, bus.Start(ctx, "test-consumer"))

	_, err := client.XAdd(ctx, &goredis.XAddArgs{
		Stream: "events:investigation",
		Values: map[string]interface{}{"event": "{not valid json"},
	}).Result()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bus.Stats().Failed == 1
	}, 10*time.Second, 50*time.Millisecond)

	// The payload survives parking; the entry is acked, not pending.
	entries, err := bus.DLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "{not valid json", entries[0].Raw)
	assert.False(t, entries[0].Event.Type.Valid())
	require.Len(t, entries[0].Errors, 1)

	pending, err := client.XPending(ctx, "events:investigation", "cidadao-ai").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	// Replay drops raw entries instead of republishing garbage.
	replayed, err := bus.ReplayDLQ(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, replayed)

	entries, err = bus.DLQEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAckedMessagesNotRedeliveredAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	first := NewStreamsEventBus(client, Config{}, nil, nil)
	ctx := context.Background()

	var firstCount atomic.Int32
	require.NoError(t, first.Subscribe(func(ctx context.Context, e core.Event) error {
		firstCount.Add(1)
		return nil
	}, core.EventReportGenerated))
	require.NoError(t, first.Start(ctx, "consumer-a"))

	for i := 0; i < 3; i++ {
		_, err := first.Publish(ctx, core.EventReportGenerated, map[string]any{"seq": i}, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return first.Stats().Processed == 3
	}, 10*time.Second, 50*time.Millisecond)
	require.NoError(t, first.Stop())

	// Same group, fresh consumer: acked entries must not come back.
	second := NewStreamsEventBus(client, Config{}, nil, nil)
	t.Cleanup(func() { _ = second.Stop() })

	var secondCount atomic.Int32
	require.NoError(t, second.Subscribe(func(ctx context.Context, e core.Event) error {
		secondCount.Add(1)
		return nil
	}, core.EventReportGenerated))
	require.NoError(t, second.Start(ctx, "consumer-b"))

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, secondCount.Load())
	assert.Equal(t, int32(3), firstCount.Load())
}

func TestReplayDLQ(t *testing.T) {
	bus, _ := newTestBus(t, Config{MaxRetries: 1})
	ctx := context.Background()

	var healthy atomic.Bool
	var processedSeq atomic.Int32
	require.NoError(t, bus.Subscribe(func(ctx context.Context, e core.Event) error {
		if !healthy.Load() {
			return errors.New("downstream offline")
		}
		processedSeq.Add(1)
		return nil
	}, core.EventAnomalyDetected))

	require.NoError(t, bus.Start(ctx, "test-consumer"))

	_, err := bus.Publish(ctx, core.EventAnomalyDetected, map[string]any{"severity": "high"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bus.Stats().Failed == 1
	}, 10*time.Second, 50*time.Millisecond)

	// Downstream recovers; replay the parked event.
	healthy.Store(true)

	replayed, err := bus.ReplayDLQ(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	require.Eventually(t, func() bool {
		return processedSeq.Load() == 1
	}, 10*time.Second, 50*time.Millisecond)

	entries, err := bus.DLQEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartRequiresHandlersAndStopIsIdempotent(t *testing.T) {
	bus, _ := newTestBus(t, Config{})
	ctx := context.Background()

	require.Error(t, bus.Start(ctx, "test-consumer"))

	require.NoError(t, bus.Subscribe(func(ctx context.Context, e core.Event) error {
		return nil
	}, core.EventSystemHealthDegraded))

	require.NoError(t, bus.Start(ctx, "test-consumer"))
	require.Error(t, bus.Start(ctx, "test-consumer"))

	require.NoError(t, bus.Stop())
	require.NoError(t, bus.Stop())
	assert.Zero(t, bus.Stats().Consumers)
}
