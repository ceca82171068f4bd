package llm

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/adapters/llm/anthropic"
	"github.com/aescanero/dagoflow/pkg/ports"
)

// Config holds LLM client configuration
type Config struct {
	Provider       string
	APIKey         string
	Model          string
	MaxTokens      int
	RequestTimeout time.Duration
	Metrics        ports.MetricsCollector
	Logger         *zap.Logger
}

// NewClient creates a new LLM client based on provider
func NewClient(cfg *Config) (ports.LLMClient, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			MaxTokens:      cfg.MaxTokens,
			RequestTimeout: cfg.RequestTimeout,
			MaxRetries:     2,
		}, cfg.Metrics, cfg.Logger)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
