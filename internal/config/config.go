package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the messaging worker.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"MESSAGING_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"MESSAGING_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	// Event bus configuration
	Bus BusConfig

	// Circuit breaker defaults
	Breaker BreakerConfig

	// Query cache configuration
	Cache CacheConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	StreamPrefix  string `env:"BUS_STREAM_PREFIX" envDefault:"events"`
	ConsumerGroup string `env:"BUS_CONSUMER_GROUP" envDefault:"cidadao-ai"`
	// ConsumerName defaults to "<hostname>-<pid>" when empty.
	ConsumerName string `env:"BUS_CONSUMER_NAME"`
	MaxRetries   int    `env:"BUS_MAX_RETRIES" envDefault:"3"`
	StreamMaxLen int64  `env:"BUS_STREAM_MAXLEN" envDefault:"10000"`
	DLQMaxLen    int64  `env:"BUS_DLQ_MAXLEN" envDefault:"1000"`
}

// BreakerConfig holds the default circuit breaker tuning. Individual
// breakers may override these on first access.
type BreakerConfig struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	SuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	Timeout          time.Duration `env:"BREAKER_TIMEOUT" envDefault:"60s"`
	HalfOpenMaxCalls int           `env:"BREAKER_HALF_OPEN_MAX_CALLS" envDefault:"3"`
}

// CacheConfig holds query cache configuration.
type CacheConfig struct {
	Prefix     string        `env:"CACHE_PREFIX" envDefault:"cidadao:cache"`
	DefaultTTL time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"5m"`
}

// TimeoutConfig holds various timeout configurations.
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Bus.StreamPrefix == "" {
		return fmt.Errorf("stream prefix is required")
	}
	if c.Bus.ConsumerGroup == "" {
		return fmt.Errorf("consumer group is required")
	}
	if c.Bus.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.Bus.StreamMaxLen < 1 {
		return fmt.Errorf("stream maxlen must be at least 1")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success threshold must be at least 1")
	}
	if c.Breaker.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("breaker half-open call budget must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address.
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
