package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagoflow/pkg/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Events.Backend)
	assert.False(t, cfg.UsesRedis())
	assert.Equal(t, 5*time.Minute, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, "run-once", cfg.Scheduler.CatchUp)
	assert.Equal(t, domain.RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       true,
	}, cfg.Retry.Policy())
	assert.Equal(t, 5, cfg.Engine.StoreRetryPolicy().MaxAttempts)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DAGOFLOW_HTTP_PORT", "8181")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/dagoflow")
	t.Setenv("EVENTS_BACKEND", "redis")
	t.Setenv("ENGINE_LEASE_GRACE", "45s")
	t.Setenv("SCHEDULER_CATCH_UP", "replay")
	t.Setenv("RETRY_MAX_ATTEMPTS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.True(t, cfg.UsesRedis())
	assert.Equal(t, 45*time.Second, cfg.Engine.LeaseGrace)
	assert.Equal(t, 4, cfg.Retry.Policy().MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		valid bool
	}{
		{"bad port", map[string]string{"DAGOFLOW_HTTP_PORT": "70000"}, false},
		{"unknown store", map[string]string{"STORE_BACKEND": "etcd"}, false},
		{"postgres without dsn", map[string]string{"STORE_BACKEND": "postgres"}, false},
		{"unknown events", map[string]string{"EVENTS_BACKEND": "kafka"}, false},
		{"llm key with unknown provider", map[string]string{"LLM_API_KEY": "k", "LLM_PROVIDER": "other"}, false},
		{"llm key with anthropic", map[string]string{"LLM_API_KEY": "k"}, true},
		{"zero pool", map[string]string{"WORKER_POOL_SIZE": "0"}, false},
		{"bad catch-up", map[string]string{"SCHEDULER_CATCH_UP": "sometimes"}, false},
		{"bad retry", map[string]string{"RETRY_MAX_ATTEMPTS": "0"}, false},
		{"bad multiplier", map[string]string{"RETRY_MULTIPLIER": "0.5"}, false},
		{"bad log level", map[string]string{"LOG_LEVEL": "trace"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
