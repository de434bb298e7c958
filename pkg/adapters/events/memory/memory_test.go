package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cidadao-ai/messaging/pkg/core"
)

func TestFanOutToAllHandlers(t *testing.T) {
	b := NewEventBus(3)

	var first, second int
	require.NoError(t, b.Subscribe(func(ctx context.Context, e core.Event) error {
		first++
		return nil
	}, core.EventAnomalyDetected))
	require.NoError(t, b.Subscribe(func(ctx context.Context, e core.Event) error {
		second++
		return nil
	}, core.EventAnomalyDetected))

	_, err := b.Publish(context.Background(), core.EventAnomalyDetected, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, uint64(1), b.Stats().Processed)
}

func TestUnhandledEventIsDropped(t *testing.T) {
	b := NewEventBus(3)
	require.NoError(t, b.Subscribe(func(ctx context.Context, e core.Event) error {
		return nil
	}, core.EventAnomalyDetected))

	_, err := b.Publish(context.Background(), core.EventReportGenerated, nil, nil)
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Zero(t, stats.Failed)
}

func TestFailingHandlerRetriesThenDeadLetters(t *testing.T) {
	b := NewEventBus(3)

	attempts := 0
	require.NoError(t, b.Subscribe(func(ctx context.Context, e core.Event) error {
		attempts++
		return errors.New("always broken")
	}, core.EventAgentTaskFailed))

	_, err := b.Publish(context.Background(), core.EventAgentTaskFailed, nil, nil)
	require.NoError(t, err)

	// Initial delivery plus three retries.
	assert.Equal(t, 4, attempts)

	dlq := b.DLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, core.EventAgentTaskFailed, dlq[0].Event.Type)
	assert.Equal(t, 3, dlq[0].Event.RetryCount)
	assert.Equal(t, []string{"always broken"}, dlq[0].Errors)

	stats := b.Stats()
	assert.Equal(t, uint64(3), stats.Retried)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestRecoveryDuringRetrySucceeds(t *testing.T) {
	b := NewEventBus(3)

	attempts := 0
	require.NoError(t, b.Subscribe(func(ctx context.Context, e core.Event) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, core.EventAnalysisFailed))

	_, err := b.Publish(context.Background(), core.EventAnalysisFailed, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Empty(t, b.DLQ())
	assert.Equal(t, uint64(1), b.Stats().Processed)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := NewEventBus(1)

	require.NoError(t, b.Subscribe(func(ctx context.Context, e core.Event) error {
		panic("handler bug")
	}, core.EventAnalysisFailed))

	_, err := b.Publish(context.Background(), core.EventAnalysisFailed, nil, nil)
	require.NoError(t, err)

	dlq := b.DLQ()
	require.Len(t, dlq, 1)
	assert.Contains(t, dlq[0].Errors[0], "handler panic")
	assert.Equal(t, uint64(1), b.Stats().Failed)
}

func TestInvalidTypeRejected(t *testing.T) {
	b := NewEventBus(3)

	err := b.Subscribe(func(ctx context.Context, e core.Event) error { return nil }, "not.a.type")
	assert.Error(t, err)

	_, err = b.Publish(context.Background(), "not.a.type", nil, nil)
	assert.Error(t, err)
}
