package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category is the coarse routing key for an event type. Each category maps
// to one physical stream.
type Category string

const (
	CategoryInvestigation Category = "investigation"
	CategoryAnalysis      Category = "analysis"
	CategoryAnomaly       Category = "anomaly"
	CategoryAgent         Category = "agent"
	CategoryReport        Category = "report"
	CategorySystem        Category = "system"
)

// EventType identifies what happened. The set is closed: types not listed
// here are rejected at construction time.
type EventType string

const (
	EventInvestigationCreated   EventType = "investigation.created"
	EventInvestigationStarted   EventType = "investigation.started"
	EventInvestigationCompleted EventType = "investigation.completed"
	EventInvestigationFailed    EventType = "investigation.failed"

	EventAnalysisStarted   EventType = "analysis.started"
	EventAnalysisCompleted EventType = "analysis.completed"
	EventAnalysisFailed    EventType = "analysis.failed"

	EventAnomalyDetected EventType = "anomaly.detected"
	EventAnomalyResolved EventType = "anomaly.resolved"

	EventAgentTaskStarted   EventType = "agent.task.started"
	EventAgentTaskCompleted EventType = "agent.task.completed"
	EventAgentTaskFailed    EventType = "agent.task.failed"

	EventReportGenerated EventType = "report.generated"
	EventReportExported  EventType = "report.exported"

	EventSystemHealthDegraded EventType = "system.health.degraded"
	EventSystemHealthRestored EventType = "system.health.restored"
)

// eventCategories is the single source of truth for routing. A type absent
// from this table is not a valid EventType.
var eventCategories = map[EventType]Category{
	EventInvestigationCreated:   CategoryInvestigation,
	EventInvestigationStarted:   CategoryInvestigation,
	EventInvestigationCompleted: CategoryInvestigation,
	EventInvestigationFailed:    CategoryInvestigation,

	EventAnalysisStarted:   CategoryAnalysis,
	EventAnalysisCompleted: CategoryAnalysis,
	EventAnalysisFailed:    CategoryAnalysis,

	EventAnomalyDetected: CategoryAnomaly,
	EventAnomalyResolved: CategoryAnomaly,

	EventAgentTaskStarted:   CategoryAgent,
	EventAgentTaskCompleted: CategoryAgent,
	EventAgentTaskFailed:    CategoryAgent,

	EventReportGenerated: CategoryReport,
	EventReportExported:  CategoryReport,

	EventSystemHealthDegraded: CategorySystem,
	EventSystemHealthRestored: CategorySystem,
}

// Category returns the routing category for the type, or "" for unknown types.
func (t EventType) Category() Category {
	return eventCategories[t]
}

// Valid reports whether the type belongs to the closed set.
func (t EventType) Valid() bool {
	_, ok := eventCategories[t]
	return ok
}

// AllEventTypes returns every registered event type. The order is unspecified.
func AllEventTypes() []EventType {
	types := make([]EventType, 0, len(eventCategories))
	for t := range eventCategories {
		types = append(types, t)
	}
	return types
}

// Event is a durable fact appended to the event log. Events are immutable:
// a retry is a new Event produced by WithRetry, never an in-place mutation.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retry_count"`
	Data       map[string]any    `json:"data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewEvent constructs an event with a fresh ID and timestamp. Unknown event
// types are rejected.
func NewEvent(t EventType, data map[string]any, metadata map[string]string) (Event, error) {
	if !t.Valid() {
		return Event{}, fmt.Errorf("unknown event type: %s", t)
	}

	return Event{
		ID:        uuid.New(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      copyData(data),
		Metadata:  copyMetadata(metadata),
	}, nil
}

// WithRetry returns a copy of the event with the retry count incremented.
// The copy carries fresh map instances so the original stays untouched.
func (e Event) WithRetry() Event {
	retried := e
	retried.RetryCount = e.RetryCount + 1
	retried.Data = copyData(e.Data)
	retried.Metadata = copyMetadata(e.Metadata)
	return retried
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func copyMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
