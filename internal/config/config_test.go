package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "events", cfg.Bus.StreamPrefix)
	assert.Equal(t, "cidadao-ai", cfg.Bus.ConsumerGroup)
	assert.Equal(t, 3, cfg.Bus.MaxRetries)
	assert.Equal(t, int64(10000), cfg.Bus.StreamMaxLen)
	assert.Equal(t, int64(1000), cfg.Bus.DLQMaxLen)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MESSAGING_HTTP_PORT", "8181")
	t.Setenv("BUS_CONSUMER_GROUP", "audit-workers")
	t.Setenv("BUS_MAX_RETRIES", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.HTTPPort)
	assert.Equal(t, "audit-workers", cfg.Bus.ConsumerGroup)
	assert.Equal(t, 5, cfg.Bus.MaxRetries)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad http port", func(c *Config) { c.HTTPPort = 0 }},
		{"bad grpc port", func(c *Config) { c.GRPCPort = 70000 }},
		{"missing redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"missing prefix", func(c *Config) { c.Bus.StreamPrefix = "" }},
		{"missing group", func(c *Config) { c.Bus.ConsumerGroup = "" }},
		{"negative retries", func(c *Config) { c.Bus.MaxRetries = -1 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
