package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cidadao-ai/messaging/pkg/core"
)

// Middleware wraps command execution with cross-cutting behavior. Before
// hooks run in registration order and may transform the command; After hooks
// run in reverse registration order and may transform the result.
type Middleware interface {
	// Before runs ahead of the handler. A non-nil error aborts the command
	// with a failure result; the handler never runs.
	Before(ctx context.Context, cmd core.Command) (core.Command, error)

	// After runs once a result exists, including the no-handler and
	// handler-failure cases.
	After(ctx context.Context, cmd core.Command, result core.CommandResult) core.CommandResult
}

// LoggingMiddleware logs every command with its outcome and latency.
type LoggingMiddleware struct {
	logger *zap.Logger
}

// NewLoggingMiddleware creates a middleware logging at info level.
func NewLoggingMiddleware(logger *zap.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Before(ctx context.Context, cmd core.Command) (core.Command, error) {
	m.logger.Debug("command received",
		zap.String("command", cmd.Name()),
		zap.String("command_id", cmd.CommandID().String()))
	return cmd, nil
}

func (m *LoggingMiddleware) After(ctx context.Context, cmd core.Command, result core.CommandResult) core.CommandResult {
	if result.Success {
		m.logger.Info("command executed",
			zap.String("command", cmd.Name()),
			zap.String("command_id", cmd.CommandID().String()),
			zap.Int("events_published", result.EventsPublished),
			zap.Duration("age", time.Since(cmd.OccurredAt())))
	} else {
		m.logger.Warn("command failed",
			zap.String("command", cmd.Name()),
			zap.String("command_id", cmd.CommandID().String()),
			zap.String("error", result.Error))
	}
	return result
}
