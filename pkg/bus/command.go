package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cidadao-ai/messaging/pkg/core"
	"github.com/cidadao-ai/messaging/pkg/ports"
)

// CommandHandler executes the write-side effect of one command kind.
type CommandHandler func(ctx context.Context, cmd core.Command) (core.CommandResult, error)

// CommandBusStats is a snapshot of the bus counters.
type CommandBusStats struct {
	Processed   uint64  `json:"commands_processed"`
	Succeeded   uint64  `json:"commands_succeeded"`
	Failed      uint64  `json:"commands_failed"`
	Handlers    int     `json:"handlers_registered"`
	Middlewares int     `json:"middleware_registered"`
	SuccessRate float64 `json:"success_rate"`
}

// CommandBus routes each command to the single handler registered under its
// name. Handler errors and panics never escape Execute; they surface as
// failed results.
type CommandBus struct {
	logger  *zap.Logger
	metrics ports.MetricsCollector

	mu         sync.RWMutex
	handlers   map[string]CommandHandler
	middleware []Middleware

	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewCommandBus creates an empty bus.
func NewCommandBus(logger *zap.Logger, metrics ports.MetricsCollector) *CommandBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &CommandBus{
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]CommandHandler),
	}
}

// Register binds a handler to a command name. Exactly one handler may own a
// name; re-registration is an error.
func (b *CommandBus) Register(name string, handler CommandHandler) error {
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("handler already registered for command: %s", name)
	}
	b.handlers[name] = handler

	b.logger.Debug("command handler registered", zap.String("command", name))
	return nil
}

// Use appends a middleware. Before hooks run in Use order, After hooks in
// reverse.
func (b *CommandBus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Execute dispatches one command and always returns a result. A missing
// handler, a middleware Before error, a handler error and a handler panic
// all become failure results rather than escaping to the caller.
func (b *CommandBus) Execute(ctx context.Context, cmd core.Command) core.CommandResult {
	start := time.Now()

	b.mu.RLock()
	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.RUnlock()

	result, aborted := b.runBefore(ctx, middleware, &cmd)
	if !aborted {
		// Lookup happens after the Before chain so a middleware that
		// rewrites the command dispatches under the transformed name.
		b.mu.RLock()
		handler := b.handlers[cmd.Name()]
		b.mu.RUnlock()

		if handler == nil {
			result = core.CommandResult{
				Success:   false,
				CommandID: cmd.CommandID(),
				Error:     fmt.Sprintf("no handler registered for command: %s", cmd.Name()),
			}
		} else {
			result = b.invoke(ctx, handler, cmd)
		}
	}

	for i := len(middleware) - 1; i >= 0; i-- {
		result = middleware[i].After(ctx, cmd, result)
	}

	b.processed.Add(1)
	status := "failed"
	if result.Success {
		b.succeeded.Add(1)
		status = "succeeded"
	} else {
		b.failed.Add(1)
	}
	b.metrics.RecordCommand(cmd.Name(), status, time.Since(start))

	return result
}

// runBefore runs the Before chain. An error aborts dispatch with a failure
// result; the transformed command is written back through the pointer.
func (b *CommandBus) runBefore(ctx context.Context, middleware []Middleware, cmd *core.Command) (core.CommandResult, bool) {
	for _, mw := range middleware {
		transformed, err := mw.Before(ctx, *cmd)
		if err != nil {
			return core.CommandResult{
				Success:   false,
				CommandID: (*cmd).CommandID(),
				Error:     fmt.Sprintf("middleware rejected command: %v", err),
			}, true
		}
		if transformed != nil {
			*cmd = transformed
		}
	}
	return core.CommandResult{}, false
}

// invoke runs the handler, converting errors and panics to failure results.
func (b *CommandBus) invoke(ctx context.Context, handler CommandHandler, cmd core.Command) (result core.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("command handler panicked",
				zap.String("command", cmd.Name()),
				zap.Any("panic", r))
			result = core.CommandResult{
				Success:   false,
				CommandID: cmd.CommandID(),
				Error:     fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	res, err := handler(ctx, cmd)
	if err != nil {
		return core.CommandResult{
			Success:   false,
			CommandID: cmd.CommandID(),
			Error:     err.Error(),
		}
	}
	if res.CommandID == uuid.Nil {
		res.CommandID = cmd.CommandID()
	}
	return res
}

// Stats returns a point-in-time snapshot of the counters.
func (b *CommandBus) Stats() CommandBusStats {
	b.mu.RLock()
	handlers := len(b.handlers)
	middlewares := len(b.middleware)
	b.mu.RUnlock()

	processed := b.processed.Load()
	succeeded := b.succeeded.Load()

	var rate float64
	if processed > 0 {
		rate = float64(succeeded) / float64(processed)
	}

	return CommandBusStats{
		Processed:   processed,
		Succeeded:   succeeded,
		Failed:      b.failed.Load(),
		Handlers:    handlers,
		Middlewares: middlewares,
		SuccessRate: rate,
	}
}
