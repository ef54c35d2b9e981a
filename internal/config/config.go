// Package config loads service settings from defaults, an optional YAML file
// and DIALOGUE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dialogue-core/internal/resilience"
)

const EnvPrefix = "DIALOGUE"

const (
	DurabilitySynchronous  = "synchronous"
	DurabilityAsynchronous = "asynchronous"

	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Lock        LockConfig        `mapstructure:"lock"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Context     ContextConfig     `mapstructure:"context"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Durability  DurabilityConfig  `mapstructure:"durability"`
	Request     RequestConfig     `mapstructure:"request"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Inference   InferenceConfig   `mapstructure:"inference"`
	Server      ServerConfig      `mapstructure:"server"`
	ParamPrefix string            `mapstructure:"param_prefix"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type LockConfig struct {
	MaxWait time.Duration `mapstructure:"max_wait"`
	MaxHold time.Duration `mapstructure:"max_hold"`
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type CacheConfig struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	RefreshAfter  time.Duration `mapstructure:"refresh_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ReadThrough re-reads storage on every load of a conversation without
	// unconfirmed writes. Leave it on when more than one process serves the
	// same conversations.
	ReadThrough bool `mapstructure:"read_through"`
}

type ContextConfig struct {
	MaxLength int `mapstructure:"max_length"`
	MaxTurns  int `mapstructure:"max_turns"`
}

type RetryPolicy struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	Jitter      float64       `mapstructure:"jitter"`
}

type RetryConfig struct {
	Auth        RetryPolicy `mapstructure:"auth"`
	Inference   RetryPolicy `mapstructure:"inference"`
	Persistence RetryPolicy `mapstructure:"persistence"`
}

type BreakerConfig struct {
	FailureRate float64       `mapstructure:"failure_rate"`
	MinRequests int           `mapstructure:"min_requests"`
	Window      time.Duration `mapstructure:"window"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

type DurabilityConfig struct {
	Mode               string `mapstructure:"mode"`
	BackgroundAttempts int    `mapstructure:"background_attempts"`
}

type RequestConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxUserText int           `mapstructure:"max_user_text"`
}

type PersistenceConfig struct {
	Backend string `mapstructure:"backend"`
	Table   string `mapstructure:"table"`
}

type AuthConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type InferenceConfig struct {
	BaseURL      string  `mapstructure:"base_url"`
	Model        string  `mapstructure:"model"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	SystemPrompt string  `mapstructure:"system_prompt"`
}

// ServerConfig applies to the long-running HTTP entrypoint only.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("lock.max_wait", "5s")
	v.SetDefault("lock.max_hold", "30s")
	v.SetDefault("lock.idle_ttl", "10m")

	v.SetDefault("cache.idle_ttl", "15m")
	v.SetDefault("cache.refresh_after", "5m")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.read_through", true)

	v.SetDefault("context.max_length", 8000) // code points
	v.SetDefault("context.max_turns", 10)

	v.SetDefault("retry.auth.timeout", "2s")
	v.SetDefault("retry.auth.max_attempts", 3)
	v.SetDefault("retry.auth.backoff_base", "100ms")
	v.SetDefault("retry.auth.backoff_cap", "1s")
	v.SetDefault("retry.auth.jitter", 0.2)

	v.SetDefault("retry.inference.timeout", "20s")
	v.SetDefault("retry.inference.max_attempts", 2)
	v.SetDefault("retry.inference.backoff_base", "500ms")
	v.SetDefault("retry.inference.backoff_cap", "4s")
	v.SetDefault("retry.inference.jitter", 0.2)

	v.SetDefault("retry.persistence.timeout", "3s")
	v.SetDefault("retry.persistence.max_attempts", 4)
	v.SetDefault("retry.persistence.backoff_base", "100ms")
	v.SetDefault("retry.persistence.backoff_cap", "2s")
	v.SetDefault("retry.persistence.jitter", 0.2)

	v.SetDefault("breaker.failure_rate", 0.5)
	v.SetDefault("breaker.min_requests", 10)
	v.SetDefault("breaker.window", "30s")
	v.SetDefault("breaker.cooldown", "15s")

	v.SetDefault("durability.mode", DurabilitySynchronous)
	v.SetDefault("durability.background_attempts", 10)

	v.SetDefault("request.timeout", "55s")
	v.SetDefault("request.max_user_text", 4000)

	v.SetDefault("persistence.backend", BackendDynamoDB)
	v.SetDefault("persistence.table", "")

	v.SetDefault("auth.base_url", "")

	v.SetDefault("inference.base_url", "https://api.openai.com/v1")
	v.SetDefault("inference.model", "gpt-4o-mini")
	v.SetDefault("inference.temperature", 0.7)
	v.SetDefault("inference.max_tokens", 1024)
	v.SetDefault("inference.system_prompt", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "20s")

	v.SetDefault("param_prefix", "/dialogue-core")
}

// Load reads configuration. configPath may be empty, in which case
// ./config.yaml is used when present.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.Lock.MaxWait >= 0, "lock.max_wait must not be negative")
	check(c.Lock.MaxHold > 0, "lock.max_hold must be positive")
	check(c.Cache.IdleTTL > 0, "cache.idle_ttl must be positive")
	check(c.Cache.SweepInterval > 0, "cache.sweep_interval must be positive")
	check(c.Context.MaxLength > 0, "context.max_length must be positive")
	check(c.Context.MaxTurns > 0, "context.max_turns must be positive")

	for name, p := range map[string]RetryPolicy{
		"auth":        c.Retry.Auth,
		"inference":   c.Retry.Inference,
		"persistence": c.Retry.Persistence,
	} {
		check(p.MaxAttempts >= 1, "retry.%s.max_attempts must be at least 1", name)
		check(p.Timeout >= 0, "retry.%s.timeout must not be negative", name)
		check(p.BackoffCap >= p.BackoffBase, "retry.%s.backoff_cap must not be below backoff_base", name)
		check(p.Jitter >= 0 && p.Jitter < 1, "retry.%s.jitter must be in [0, 1)", name)
	}

	check(c.Breaker.FailureRate > 0 && c.Breaker.FailureRate <= 1, "breaker.failure_rate must be in (0, 1]")
	check(c.Breaker.MinRequests >= 1, "breaker.min_requests must be at least 1")
	check(c.Breaker.Window > 0, "breaker.window must be positive")
	check(c.Breaker.Cooldown > 0, "breaker.cooldown must be positive")

	check(c.Durability.Mode == DurabilitySynchronous || c.Durability.Mode == DurabilityAsynchronous,
		"durability.mode must be %q or %q", DurabilitySynchronous, DurabilityAsynchronous)
	check(c.Durability.BackgroundAttempts >= 0, "durability.background_attempts must not be negative")

	check(c.Request.Timeout > c.Lock.MaxWait, "request.timeout must exceed lock.max_wait")
	check(c.Request.MaxUserText > 0, "request.max_user_text must be positive")

	switch c.Persistence.Backend {
	case BackendDynamoDB:
		check(strings.TrimSpace(c.Persistence.Table) != "", "persistence.table is required for the dynamodb backend")
	case BackendMemory:
	default:
		check(false, "persistence.backend must be %q or %q", BackendDynamoDB, BackendMemory)
	}

	check(strings.TrimSpace(c.Auth.BaseURL) != "", "auth.base_url is required")
	check(c.Inference.Temperature >= 0 && c.Inference.Temperature <= 2, "inference.temperature must be in [0, 2]")
	check(c.Inference.MaxTokens > 0, "inference.max_tokens must be positive")
	check(c.ParamPrefix != "", "param_prefix is required")
	check(strings.TrimSpace(c.Server.Addr) != "", "server.addr must not be empty")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	return errors.Join(errs...)
}

// Policy converts the settings to a resilience.Policy.
func (p RetryPolicy) Policy() resilience.Policy {
	return resilience.Policy{
		Timeout:     p.Timeout,
		MaxAttempts: p.MaxAttempts,
		BackoffBase: p.BackoffBase,
		BackoffCap:  p.BackoffCap,
		Jitter:      p.Jitter,
	}
}

// Settings converts the thresholds to a resilience.BreakerConfig.
func (b BreakerConfig) Settings() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureRate: b.FailureRate,
		MinRequests: b.MinRequests,
		Window:      b.Window,
		Cooldown:    b.Cooldown,
	}
}
