// Package prometheus implements ports.MetricsCollector with Prometheus
// instruments exposed via the ops server's /metrics endpoint.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus.
type Collector struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	eventsPublished *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec

	consumerCount prometheus.Gauge
	breakerState  *prometheus.GaugeVec
}

// NewCollector registers the instruments on the default registry.
func NewCollector() *Collector {
	return &Collector{
		commandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidadao_commands_total",
				Help: "Total number of commands executed",
			},
			[]string{"command", "status"},
		),
		commandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cidadao_command_duration_seconds",
				Help:    "Command execution duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"command"},
		),
		queriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidadao_queries_total",
				Help: "Total number of queries executed",
			},
			[]string{"query", "cache"},
		),
		queryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cidadao_query_duration_seconds",
				Help:    "Query execution duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"query"},
		),
		eventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidadao_events_published_total",
				Help: "Total number of events published",
			},
			[]string{"category"},
		),
		eventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cidadao_events_processed_total",
				Help: "Total number of event deliveries by disposition",
			},
			[]string{"category", "disposition"},
		),
		eventDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cidadao_event_handling_duration_seconds",
				Help:    "Event handler pipeline duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"category"},
		),
		consumerCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cidadao_event_consumers",
				Help: "Number of running stream consumers",
			},
		),
		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cidadao_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"breaker"},
		),
	}
}

// RecordCommand counts one command execution with its outcome.
func (c *Collector) RecordCommand(name, status string, duration time.Duration) {
	c.commandsTotal.WithLabelValues(name, status).Inc()
	c.commandDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordQuery counts one query execution, labeled by cache outcome.
func (c *Collector) RecordQuery(name string, fromCache bool, duration time.Duration) {
	cache := "miss"
	if fromCache {
		cache = "hit"
	}
	c.queriesTotal.WithLabelValues(name, cache).Inc()
	c.queryDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordEventPublished counts one append to a category stream.
func (c *Collector) RecordEventPublished(category string) {
	c.eventsPublished.WithLabelValues(category).Inc()
}

// RecordEventProcessed counts one delivery disposition (ok, retried, dlq,
// dropped).
func (c *Collector) RecordEventProcessed(category, disposition string, duration time.Duration) {
	c.eventsProcessed.WithLabelValues(category, disposition).Inc()
	c.eventDuration.WithLabelValues(category).Observe(duration.Seconds())
}

// SetConsumerCount records how many stream consumers are running.
func (c *Collector) SetConsumerCount(count int) {
	c.consumerCount.Set(float64(count))
}

// SetBreakerState records a breaker's current state.
func (c *Collector) SetBreakerState(name string, state int) {
	c.breakerState.WithLabelValues(name).Set(float64(state))
}
