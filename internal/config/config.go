package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// Config holds all configuration for the workflow engine
type Config struct {
	// Server configuration
	HTTPPort   int    `env:"DAGOFLOW_HTTP_PORT" envDefault:"8080"`
	GRPCPort   int    `env:"DAGOFLOW_GRPC_PORT" envDefault:"9090"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	EnableCORS bool   `env:"DAGOFLOW_ENABLE_CORS" envDefault:"false"`

	// WorkflowsFile is a YAML file or directory of workflow and schedule
	// definitions loaded at startup. Optional.
	WorkflowsFile string `env:"DAGOFLOW_WORKFLOWS_FILE"`

	Store     StoreConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Events    EventsConfig
	LLM       LLMConfig
	Workers   WorkerConfig
	Engine    EngineConfig
	Retry     RetryConfig
	Scheduler SchedulerConfig
	Timeouts  TimeoutConfig
}

// StoreConfig selects the execution and schedule store
type StoreConfig struct {
	Backend string `env:"STORE_BACKEND" envDefault:"memory"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password  string `env:"REDIS_PASS"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"dagoflow:"`
	// StateTTL expires finished executions. Zero keeps them forever.
	StateTTL time.Duration `env:"REDIS_STATE_TTL" envDefault:"0s"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// PostgresConfig holds Postgres connection configuration
type PostgresConfig struct {
	DSN      string `env:"POSTGRES_DSN"`
	MaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	// Migrate creates the tables on startup.
	Migrate bool `env:"POSTGRES_MIGRATE" envDefault:"true"`
}

// EventsConfig selects the lifecycle event bus
type EventsConfig struct {
	Backend       string `env:"EVENTS_BACKEND" envDefault:"memory"`
	StreamMaxLen  int64  `env:"EVENTS_STREAM_MAXLEN" envDefault:"10000"`
	ConsumerGroup string `env:"EVENTS_CONSUMER_GROUP" envDefault:"dagoflow"`
	Buffer        int    `env:"EVENTS_BUFFER" envDefault:"1024"`
}

// LLMConfig holds LLM provider configuration. The llm.complete handler is
// only registered when an API key is present.
type LLMConfig struct {
	Provider       string        `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey         string        `env:"LLM_API_KEY"`
	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`

	// Default model settings
	DefaultModel     string `env:"LLM_DEFAULT_MODEL" envDefault:"claude-sonnet-4-5"`
	DefaultMaxTokens int    `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"1024"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"8"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"256"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// EngineConfig holds coordinator settings
type EngineConfig struct {
	DefaultStepTimeout time.Duration `env:"ENGINE_DEFAULT_STEP_TIMEOUT" envDefault:"5m"`
	LeaseGrace         time.Duration `env:"ENGINE_LEASE_GRACE" envDefault:"30s"`
	MaxConcurrentSteps int           `env:"ENGINE_MAX_CONCURRENT_STEPS" envDefault:"0"`
	ReconcileInterval  time.Duration `env:"ENGINE_RECONCILE_INTERVAL" envDefault:"15s"`

	StoreRetryAttempts int           `env:"ENGINE_STORE_RETRY_ATTEMPTS" envDefault:"5"`
	StoreRetryDelay    time.Duration `env:"ENGINE_STORE_RETRY_DELAY" envDefault:"100ms"`
	StoreRetryMaxDelay time.Duration `env:"ENGINE_STORE_RETRY_MAX_DELAY" envDefault:"5s"`
}

// RetryConfig is the engine-wide default step retry policy
type RetryConfig struct {
	MaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"1"`
	InitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	MaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1m"`
	Multiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	Jitter       bool          `env:"RETRY_JITTER" envDefault:"true"`
}

// SchedulerConfig holds cron scheduler settings
type SchedulerConfig struct {
	Enabled       bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	CatchUp       string        `env:"SCHEDULER_CATCH_UP" envDefault:"run-once"`
	CatchUpWindow time.Duration `env:"SCHEDULER_CATCH_UP_WINDOW" envDefault:"24h"`
	MisfireGrace  time.Duration `env:"SCHEDULER_MISFIRE_GRACE" envDefault:"1m"`
	MaxReplay     int           `env:"SCHEDULER_MAX_REPLAY" envDefault:"100"`
	PollInterval  time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
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

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis store")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s (must be memory, redis, or postgres)", c.Store.Backend)
	}

	switch c.Events.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis event bus")
		}
	default:
		return fmt.Errorf("unsupported events backend: %s (must be memory or redis)", c.Events.Backend)
	}

	// The LLM handler is optional, but a configured key needs a known provider.
	if c.LLM.APIKey != "" && c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.QueueSize < 0 {
		return fmt.Errorf("worker queue size must not be negative")
	}

	if c.Engine.DefaultStepTimeout <= 0 {
		return fmt.Errorf("default step timeout must be positive")
	}
	if c.Engine.LeaseGrace < 0 {
		return fmt.Errorf("lease grace must not be negative")
	}
	if c.Engine.StoreRetryAttempts < 1 {
		return fmt.Errorf("store retry attempts must be at least 1")
	}

	if err := c.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("invalid default retry policy: %w", err)
	}

	if _, err := domain.ParseCatchUpPolicy(c.Scheduler.CatchUp); err != nil {
		return err
	}
	if c.Scheduler.MaxReplay < 0 {
		return fmt.Errorf("scheduler max replay must not be negative")
	}

	// Validate log level
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

// Policy returns the default step retry policy
func (r RetryConfig) Policy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// StoreRetryPolicy returns the backoff for failed store calls
func (e EngineConfig) StoreRetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:  e.StoreRetryAttempts,
		InitialDelay: e.StoreRetryDelay,
		MaxDelay:     e.StoreRetryMaxDelay,
		Multiplier:   2,
	}
}

// UsesRedis reports whether any component needs a Redis client
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == "redis" || c.Events.Backend == "redis"
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
