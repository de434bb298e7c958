package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cidadao-ai/messaging/pkg/core"
	"github.com/cidadao-ai/messaging/pkg/ports"
)

// QueryHandler serves the read path for one query kind. The returned value
// must be JSON-serializable when the query opts into caching.
type QueryHandler func(ctx context.Context, q core.Query) (any, error)

// QueryBusStats is a snapshot of the bus counters.
type QueryBusStats struct {
	Processed uint64 `json:"queries_processed"`
	CacheHits uint64 `json:"cache_hits"`
	Failed    uint64 `json:"queries_failed"`
	Handlers  int    `json:"handlers_registered"`
}

// QueryBus routes queries to read-optimized handlers, consulting a TTL
// cache keyed by the query's canonical serialization before invoking the
// handler. Queries never reach the event pipeline.
type QueryBus struct {
	logger  *zap.Logger
	metrics ports.MetricsCollector
	cache   ports.Cache

	mu       sync.RWMutex
	handlers map[string]QueryHandler

	processed atomic.Uint64
	cacheHits atomic.Uint64
	failed    atomic.Uint64
}

// NewQueryBus creates a bus. A nil cache disables caching regardless of
// query hints.
func NewQueryBus(cache ports.Cache, logger *zap.Logger, metrics ports.MetricsCollector) *QueryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &QueryBus{
		logger:   logger,
		metrics:  metrics,
		cache:    cache,
		handlers: make(map[string]QueryHandler),
	}
}

// Register binds a handler to a query name. Re-registration is an error.
func (b *QueryBus) Register(name string, handler QueryHandler) error {
	if name == "" {
		return fmt.Errorf("query name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("handler already registered for query: %s", name)
	}
	b.handlers[name] = handler
	return nil
}

// Execute serves one query. Handler errors become failed results; cache
// transport errors degrade to a cache miss rather than failing the query.
func (b *QueryBus) Execute(ctx context.Context, q core.Query) core.QueryResult {
	start := time.Now()
	b.processed.Add(1)

	b.mu.RLock()
	handler := b.handlers[q.Name()]
	b.mu.RUnlock()

	if handler == nil {
		b.failed.Add(1)
		return core.QueryResult{
			Error:           fmt.Sprintf("no handler registered for query: %s", q.Name()),
			ExecutionTimeMS: msSince(start),
		}
	}

	useCache := q.UseCache() && b.cache != nil

	if useCache {
		if data, ok := b.lookup(ctx, q.CacheKey()); ok {
			b.cacheHits.Add(1)
			b.metrics.RecordQuery(q.Name(), true, time.Since(start))
			return core.QueryResult{
				Data:            data,
				FromCache:       true,
				ExecutionTimeMS: msSince(start),
			}
		}
	}

	data, err := handler(ctx, q)
	if err != nil {
		b.failed.Add(1)
		b.metrics.RecordQuery(q.Name(), false, time.Since(start))
		return core.QueryResult{
			Error:           err.Error(),
			ExecutionTimeMS: msSince(start),
		}
	}

	if useCache {
		b.store(ctx, q, data)
	}

	b.metrics.RecordQuery(q.Name(), false, time.Since(start))
	return core.QueryResult{
		Data:            data,
		ExecutionTimeMS: msSince(start),
	}
}

// lookup returns the decoded cached value, if any. Errors count as misses.
func (b *QueryBus) lookup(ctx context.Context, key string) (any, bool) {
	raw, found, err := b.cache.Get(ctx, key)
	if err != nil {
		b.logger.Warn("query cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		b.logger.Warn("query cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return data, true
}

// store caches a handler result best-effort.
func (b *QueryBus) store(ctx context.Context, q core.Query, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("query result not cacheable",
			zap.String("query", q.Name()), zap.Error(err))
		return
	}
	if err := b.cache.Set(ctx, q.CacheKey(), raw, q.CacheTTL()); err != nil {
		b.logger.Warn("query cache store failed",
			zap.String("query", q.Name()), zap.Error(err))
	}
}

// Stats returns a point-in-time snapshot of the counters.
func (b *QueryBus) Stats() QueryBusStats {
	b.mu.RLock()
	handlers := len(b.handlers)
	b.mu.RUnlock()

	return QueryBusStats{
		Processed: b.processed.Load(),
		CacheHits: b.cacheHits.Load(),
		Failed:    b.failed.Load(),
		Handlers:  handlers,
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
