package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/internal/application/graph"
	"github.com/aescanero/dagoflow/internal/config"
	eventsmemory "github.com/aescanero/dagoflow/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/dagoflow/pkg/adapters/events/redis"
	"github.com/aescanero/dagoflow/pkg/adapters/llm"
	"github.com/aescanero/dagoflow/pkg/adapters/storage/memory"
	"github.com/aescanero/dagoflow/pkg/adapters/storage/postgres"
	redisstorage "github.com/aescanero/dagoflow/pkg/adapters/storage/redis"
	"github.com/aescanero/dagoflow/pkg/ports"
)

func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Addr))
	return client, nil
}

// buildStore returns the configured store and a function releasing it
func buildStore(ctx context.Context, cfg *config.Config, redisClient *goredis.Client, logger *zap.Logger) (ports.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		store := redisstorage.NewStore(redisClient, logger,
			redisstorage.WithPrefix(cfg.Redis.KeyPrefix),
			redisstorage.WithTTL(cfg.Redis.StateTTL))
		return store, func() { _ = store.Close() }, nil

	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
		}
		if cfg.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Postgres.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}

		store := postgres.NewStore(pool, logger)
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		logger.Info("connected to Postgres", zap.Int32("max_conns", poolCfg.MaxConns))
		return store, pool.Close, nil

	default:
		logger.Warn("using the in-memory store; executions do not survive a restart")
		store := memory.NewStore()
		return store, func() { _ = store.Close() }, nil
	}
}

func buildEventBus(cfg *config.Config, redisClient *goredis.Client, logger *zap.Logger) (ports.EventBus, error) {
	if cfg.Events.Backend != "redis" {
		return eventsmemory.NewEventBus(logger), nil
	}

	host, _ := os.Hostname()
	return eventsredis.NewStreamsEventBus(
		redisClient,
		cfg.Events.ConsumerGroup,
		fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger,
		eventsredis.WithStreamPrefix(cfg.Redis.KeyPrefix+"events:"),
		eventsredis.WithMaxLen(cfg.Events.StreamMaxLen),
	)
}

// registerHandlers registers the built-in step handlers
func registerHandlers(handlers *graph.HandlerRegistry, cfg *config.Config, metrics ports.MetricsCollector, logger *zap.Logger) error {
	if err := handlers.RegisterBuiltins(); err != nil {
		return err
	}

	if cfg.LLM.APIKey == "" {
		logger.Info("LLM_API_KEY not set; llm.complete handler disabled")
		return nil
	}
	client, err := llm.NewClient(&llm.Config{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.DefaultModel,
		MaxTokens:      cfg.LLM.DefaultMaxTokens,
		RequestTimeout: cfg.LLM.RequestTimeout,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	return handlers.RegisterHandler(llm.HandlerName, llm.CompleteHandler(client))
}
