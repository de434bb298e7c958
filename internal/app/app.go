package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cidadao-ai/messaging/internal/config"
	rediscache "github.com/cidadao-ai/messaging/pkg/adapters/cache/redis"
	redisevents "github.com/cidadao-ai/messaging/pkg/adapters/events/redis"
	"github.com/cidadao-ai/messaging/pkg/adapters/metrics/prometheus"
	"github.com/cidadao-ai/messaging/pkg/breaker"
	"github.com/cidadao-ai/messaging/pkg/bus"
	"github.com/cidadao-ai/messaging/pkg/ports"
)

// App is the application context owning every bus and shared resource.
type App struct {
	Commands *bus.CommandBus
	Queries  *bus.QueryBus
	Events   *redisevents.StreamsEventBus
	Breakers *breaker.Registry
	Metrics  ports.MetricsCollector

	cfg     *config.Config
	logger  *zap.Logger
	redis   *goredis.Client
	monitor *Monitor

	mu      sync.Mutex
	started bool
	closed  bool
}

// New connects to Redis and constructs the buses. Nothing consumes yet;
// register handlers and call Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	metrics := prometheus.NewCollector()

	events := redisevents.NewStreamsEventBus(redisClient, redisevents.Config{
		StreamPrefix:  cfg.Bus.StreamPrefix,
		ConsumerGroup: cfg.Bus.ConsumerGroup,
		MaxRetries:    cfg.Bus.MaxRetries,
		StreamMaxLen:  cfg.Bus.StreamMaxLen,
		DLQMaxLen:     cfg.Bus.DLQMaxLen,
	}, logger, metrics)

	cache := rediscache.NewCache(redisClient, cfg.Cache.Prefix, cfg.Cache.DefaultTTL, logger)

	a := &App{
		Commands: bus.NewCommandBus(logger, metrics),
		Queries:  bus.NewQueryBus(cache, logger, metrics),
		Events:   events,
		Breakers: breaker.NewRegistry(logger),
		Metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		redis:    redisClient,
	}
	a.monitor = NewMonitor(a, 30*time.Second, logger)
	return a, nil
}

// BreakerFor returns the breaker guarding the named dependency, creating it
// with the configured defaults on first access.
func (a *App) BreakerFor(name string) *breaker.CircuitBreaker {
	return a.Breakers.Get(name, breaker.Options{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
		Timeout:          a.cfg.Breaker.Timeout,
		HalfOpenMaxCalls: a.cfg.Breaker.HalfOpenMaxCalls,
	})
}

// ConsumerName returns the configured consumer name or a host-scoped default.
func (a *App) ConsumerName() string {
	if a.cfg.Bus.ConsumerName != "" {
		return a.cfg.Bus.ConsumerName
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "messaging"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Start launches the event consumers and the health monitor.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	if err := a.Events.Start(ctx, a.ConsumerName()); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	a.monitor.Start()
	a.started = true
	return nil
}

// Ping reports whether the Redis backbone is reachable.
func (a *App) Ping(ctx context.Context) error {
	return a.redis.Ping(ctx).Err()
}

// Close stops the consumers and releases the Redis connection. Idempotent.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	a.monitor.Stop()

	if err := a.Events.Stop(); err != nil {
		a.logger.Error("event bus stop error", zap.Error(err))
	}
	if err := a.redis.Close(); err != nil {
		return fmt.Errorf("failed to close Redis: %w", err)
	}

	a.logger.Info("application context closed")
	return nil
}
