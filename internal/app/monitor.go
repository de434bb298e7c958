package app

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cidadao-ai/messaging/pkg/breaker"
)

// Monitor periodically logs bus health and pushes breaker states to the
// metrics collector.
type Monitor struct {
	app      *App
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewMonitor creates a monitor; Start launches its loop.
func NewMonitor(app *App, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		app:      app,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the monitoring loop. Repeated calls are no-ops.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	go m.run()
}

// Stop terminates the loop. Repeated calls are no-ops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	events := m.app.Events.Stats()
	commands := m.app.Commands.Stats()

	m.logger.Info("bus health check",
		zap.Uint64("events_published", events.Published),
		zap.Uint64("events_processed", events.Processed),
		zap.Uint64("events_retried", events.Retried),
		zap.Uint64("events_failed", events.Failed),
		zap.Int("consumers", events.Consumers),
		zap.Uint64("commands_processed", commands.Processed),
		zap.Float64("command_success_rate", commands.SuccessRate))

	if events.Consumers == 0 {
		m.logger.Warn("no event consumers running")
	}

	for _, st := range m.app.Breakers.Status() {
		m.app.Metrics.SetBreakerState(st.Name, breakerStateValue(st.State))
		if st.State != "closed" {
			m.logger.Warn("circuit breaker not closed",
				zap.String("breaker", st.Name),
				zap.String("state", st.State))
		}
	}
}

func breakerStateValue(state string) int {
	switch state {
	case "open":
		return int(breaker.StateOpen)
	case "half_open":
		return int(breaker.StateHalfOpen)
	default:
		return int(breaker.StateClosed)
	}
}
