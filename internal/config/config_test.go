package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithRequiredEnv(t *testing.T) {
	t.Setenv("DIALOGUE_PERSISTENCE_TABLE", "dialogue-state")
	t.Setenv("DIALOGUE_AUTH_BASE_URL", "https://auth.internal")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Lock.MaxWait)
	require.Equal(t, 30*time.Second, cfg.Lock.MaxHold)
	require.Equal(t, 10, cfg.Context.MaxTurns)
	require.Equal(t, DurabilitySynchronous, cfg.Durability.Mode)
	require.Equal(t, 3, cfg.Retry.Auth.MaxAttempts)
	require.Equal(t, 20*time.Second, cfg.Retry.Inference.Timeout)
	require.InDelta(t, 0.7, cfg.Inference.Temperature, 1e-9)
	require.Equal(t, "dialogue-state", cfg.Persistence.Table)
	require.Equal(t, "/dialogue-core", cfg.ParamPrefix)
	require.True(t, cfg.Cache.ReadThrough)
	require.Equal(t, ":8080", cfg.Server.Addr)

	p := cfg.Retry.Persistence.Policy()
	require.Equal(t, 4, p.MaxAttempts)
	require.Equal(t, 2*time.Second, p.BackoffCap)
	require.Equal(t, 15*time.Second, cfg.Breaker.Settings().Cooldown)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dialogue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lock:
  max_wait: 2s
durability:
  mode: asynchronous
persistence:
  backend: memory
auth:
  base_url: http://localhost:9000
context:
  max_turns: 6
param_prefix: /custom/
`), 0o600))
	t.Setenv("DIALOGUE_CONTEXT_MAX_TURNS", "4")
	t.Setenv("DIALOGUE_CACHE_READ_THROUGH", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.Lock.MaxWait)
	require.Equal(t, DurabilityAsynchronous, cfg.Durability.Mode)
	require.Equal(t, BackendMemory, cfg.Persistence.Backend)
	require.Equal(t, 4, cfg.Context.MaxTurns)
	require.Equal(t, "/custom", cfg.ParamPrefix)
	require.False(t, cfg.Cache.ReadThrough)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	t.Setenv("DIALOGUE_PERSISTENCE_BACKEND", "memory")
	t.Setenv("DIALOGUE_AUTH_BASE_URL", "http://auth")
	t.Setenv("DIALOGUE_DURABILITY_MODE", "eventually")

	_, err := Load("")
	require.ErrorContains(t, err, "durability.mode")
}

func validConfig() Config {
	return Config{
		Lock:    LockConfig{MaxWait: time.Second, MaxHold: 10 * time.Second},
		Cache:   CacheConfig{IdleTTL: time.Minute, SweepInterval: time.Minute},
		Context: ContextConfig{MaxLength: 100, MaxTurns: 5},
		Retry: RetryConfig{
			Auth:        RetryPolicy{MaxAttempts: 1},
			Inference:   RetryPolicy{MaxAttempts: 1},
			Persistence: RetryPolicy{MaxAttempts: 1},
		},
		Breaker:     BreakerConfig{FailureRate: 0.5, MinRequests: 1, Window: time.Second, Cooldown: time.Second},
		Durability:  DurabilityConfig{Mode: DurabilitySynchronous},
		Request:     RequestConfig{Timeout: 5 * time.Second, MaxUserText: 10},
		Persistence: PersistenceConfig{Backend: BackendMemory},
		Auth:        AuthConfig{BaseURL: "http://auth"},
		Inference:   InferenceConfig{MaxTokens: 10},
		Server:      ServerConfig{Addr: ":8080", ShutdownTimeout: time.Second},
		ParamPrefix: "/p",
	}
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "hold", mutate: func(c *Config) { c.Lock.MaxHold = 0 }, want: "lock.max_hold"},
		{name: "budget", mutate: func(c *Config) { c.Context.MaxLength = 0 }, want: "context.max_length"},
		{name: "attempts", mutate: func(c *Config) { c.Retry.Inference.MaxAttempts = 0 }, want: "retry.inference.max_attempts"},
		{name: "backoff", mutate: func(c *Config) { c.Retry.Auth.BackoffBase = time.Second }, want: "retry.auth.backoff_cap"},
		{name: "jitter", mutate: func(c *Config) { c.Retry.Persistence.Jitter = 1 }, want: "retry.persistence.jitter"},
		{name: "rate", mutate: func(c *Config) { c.Breaker.FailureRate = 0 }, want: "breaker.failure_rate"},
		{name: "table", mutate: func(c *Config) { c.Persistence.Backend = BackendDynamoDB }, want: "persistence.table"},
		{name: "backend", mutate: func(c *Config) { c.Persistence.Backend = "sqlite" }, want: "persistence.backend"},
		{name: "timeout", mutate: func(c *Config) { c.Request.Timeout = time.Second }, want: "request.timeout"},
		{name: "auth", mutate: func(c *Config) { c.Auth.BaseURL = " " }, want: "auth.base_url"},
		{name: "prefix", mutate: func(c *Config) { c.ParamPrefix = "" }, want: "param_prefix"},
		{name: "addr", mutate: func(c *Config) { c.Server.Addr = "" }, want: "server.addr"},
		{name: "shutdown", mutate: func(c *Config) { c.Server.ShutdownTimeout = 0 }, want: "server.shutdown_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}
