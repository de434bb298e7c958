package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry owns one breaker per protected dependency name. Breakers are
// created on first access and never evicted; the set of dependency names is
// expected to be small and bounded.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it with opts on first access.
// Subsequent calls ignore opts and return the existing instance.
func (r *Registry) Get(name string, opts Options) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = New(name, opts, r.logger)
	r.breakers[name] = cb
	return cb
}

// Status returns a snapshot of every registered breaker.
func (r *Registry) Status() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]Status, 0, len(r.breakers))
	for _, cb := range r.breakers {
		statuses = append(statuses, cb.Status())
	}
	return statuses
}

// Reset force-closes the named breaker. It reports whether the breaker exists.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}
