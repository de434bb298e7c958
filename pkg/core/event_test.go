package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeCategory(t *testing.T) {
	assert.Equal(t, CategoryInvestigation, EventInvestigationCreated.Category())
	assert.Equal(t, CategoryAgent, EventAgentTaskFailed.Category())
	assert.Equal(t, CategoryAnomaly, EventAnomalyDetected.Category())
	assert.Equal(t, Category(""), EventType("bogus.event").Category())
}

func TestEveryTypeHasDottedCategoryPrefix(t *testing.T) {
	for _, et := range AllEventTypes() {
		require.True(t, et.Valid())
		assert.Equal(t, string(et.Category()), string(et)[:len(et.Category())],
			"category must be the first dotted segment of %s", et)
	}
}

func TestNewEventRejectsUnknownType(t *testing.T) {
	_, err := NewEvent("nope.created", nil, nil)
	require.Error(t, err)
}

func TestNewEventCopiesMaps(t *testing.T) {
	data := map[string]any{"contract_id": "123"}
	meta := map[string]string{"source": "portal"}

	event, err := NewEvent(EventInvestigationCreated, data, meta)
	require.NoError(t, err)

	data["contract_id"] = "mutated"
	meta["source"] = "mutated"

	assert.Equal(t, "123", event.Data["contract_id"])
	assert.Equal(t, "portal", event.Metadata["source"])
	assert.NotEqual(t, event.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.False(t, event.Timestamp.IsZero())
}

func TestWithRetryCreatesNewEvent(t *testing.T) {
	event, err := NewEvent(EventAgentTaskFailed,
		map[string]any{"task": "audit"},
		map[string]string{"agent": "zumbi"})
	require.NoError(t, err)

	retried := event.WithRetry()

	assert.Equal(t, 0, event.RetryCount)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, event.ID, retried.ID)

	// Fresh maps: mutating the retry copy leaves the original untouched.
	retried.Data["task"] = "mutated"
	retried.Metadata["agent"] = "mutated"
	assert.Equal(t, "audit", event.Data["task"])
	assert.Equal(t, "zumbi", event.Metadata["agent"])

	assert.Equal(t, 2, retried.WithRetry().RetryCount)
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	event, err := NewEvent(EventAnomalyDetected,
		map[string]any{"severity": "high"}, nil)
	require.NoError(t, err)
	event.RetryCount = 2

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, event.Type, decoded.Type)
	assert.Equal(t, 2, decoded.RetryCount)
	assert.Equal(t, "high", decoded.Data["severity"])
}

func TestCanonicalKeyIsDeterministic(t *testing.T) {
	a := CanonicalKey("investigation.list", map[string]any{"page": 1, "status": "open"})
	b := CanonicalKey("investigation.list", map[string]any{"status": "open", "page": 1})
	assert.Equal(t, a, b)

	c := CanonicalKey("investigation.list", map[string]any{"page": 2, "status": "open"})
	assert.NotEqual(t, a, c)

	d := CanonicalKey("anomaly.list", map[string]any{"page": 1, "status": "open"})
	assert.NotEqual(t, a, d)
}
