// Package breaker implements a per-dependency circuit breaker and a
// process-wide registry of breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrOpen is returned when a call is rejected without invoking the wrapped
// function, either because the breaker is open or because the half-open
// probe budget is exhausted.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's position in its failure-isolation state machine.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options tunes a breaker. Zero values fall back to defaults.
type Options struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that opens the breaker. Default 5.
	FailureThreshold int
	// SuccessThreshold is the number of successful probes in the half-open
	// state that closes the breaker. Default 2.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before admitting a probe.
	// Default 60s.
	Timeout time.Duration
	// HalfOpenMaxCalls caps concurrent probes in the half-open state.
	// Default 3.
	HalfOpenMaxCalls int
	// Clock is injectable for tests. Defaults to the wall clock.
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 2
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.HalfOpenMaxCalls <= 0 {
		o.HalfOpenMaxCalls = 3
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// CircuitBreaker isolates one downstream dependency. All state transitions
// happen under the mutex; the wrapped function runs outside it.
type CircuitBreaker struct {
	name   string
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
	openedAt      time.Time
}

// Status is an observability snapshot of one breaker.
type Status struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	Failures      int        `json:"failure_count"`
	Successes     int        `json:"success_count"`
	HalfOpenCalls int        `json:"half_open_calls"`
	LastFailure   *time.Time `json:"last_failure_time,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
}

// New creates a closed breaker named after the dependency it protects.
func New(name string, opts Options, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:   name,
		opts:   opts.withDefaults(),
		logger: logger,
		state:  StateClosed,
	}
}

// Call invokes fn if the breaker admits it. Rejections return ErrOpen
// (wrapped with the breaker name) without invoking fn. fn's own error is
// returned unchanged after failure bookkeeping.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := cb.admit(); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	if err != nil {
		cb.onFailure()
		return nil, err
	}

	cb.onSuccess()
	return result, nil
}

// admit decides whether a call may proceed and performs the OPEN→HALF_OPEN
// transition when the cooldown has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.opts.Clock.Now().Sub(cb.openedAt) < cb.opts.Timeout {
			return fmt.Errorf("%s: %w", cb.name, ErrOpen)
		}
		cb.toHalfOpen()
		cb.halfOpenCalls = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.opts.HalfOpenMaxCalls {
			return fmt.Errorf("%s: probe budget exhausted: %w", cb.name, ErrOpen)
		}
		cb.halfOpenCalls++
		return nil

	default:
		return fmt.Errorf("%s: invalid breaker state %d", cb.name, cb.state)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.opts.SuccessThreshold {
			cb.toClosed()
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.opts.Clock.Now()

	switch cb.state {
	case StateHalfOpen:
		// One failing probe reopens immediately.
		cb.toOpen()
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.opts.FailureThreshold {
			cb.toOpen()
		}
	}
}

// toOpen, toHalfOpen and toClosed assume the mutex is held.
func (cb *CircuitBreaker) toOpen() {
	cb.state = StateOpen
	cb.openedAt = cb.opts.Clock.Now()
	cb.successes = 0
	cb.halfOpenCalls = 0
	cb.logger.Warn("circuit breaker opened",
		zap.String("breaker", cb.name),
		zap.Int("failures", cb.failures))
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = StateHalfOpen
	cb.successes = 0
	cb.halfOpenCalls = 0
	cb.logger.Info("circuit breaker half-open",
		zap.String("breaker", cb.name))
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCalls = 0
	cb.openedAt = time.Time{}
	cb.logger.Info("circuit breaker closed",
		zap.String("breaker", cb.name))
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns an observability snapshot.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st := Status{
		Name:          cb.name,
		State:         cb.state.String(),
		Failures:      cb.failures,
		Successes:     cb.successes,
		HalfOpenCalls: cb.halfOpenCalls,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		st.LastFailure = &t
	}
	if !cb.openedAt.IsZero() {
		t := cb.openedAt
		st.OpenedAt = &t
	}
	return st
}

// Reset forces the breaker closed. Operational override for manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toClosed()
}
