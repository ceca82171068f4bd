package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aescanero/dagoflow/internal/application/graph"
	"github.com/aescanero/dagoflow/internal/application/orchestrator"
	"github.com/aescanero/dagoflow/internal/application/retry"
	"github.com/aescanero/dagoflow/internal/application/scheduler"
	"github.com/aescanero/dagoflow/internal/application/workers"
	"github.com/aescanero/dagoflow/internal/config"
	"github.com/aescanero/dagoflow/internal/loader"
	"github.com/aescanero/dagoflow/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/dagoflow/pkg/api/grpc"
	"github.com/aescanero/dagoflow/pkg/api/http"
	"github.com/aescanero/dagoflow/pkg/api/websocket"
	"github.com/aescanero/dagoflow/pkg/domain"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dagoflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("dagoflow stopped with error", zap.Error(err))
	}
	logger.Info("dagoflow shut down complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		var err error
		redisClient, err = connectRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("Redis close error", zap.Error(err))
			}
		}()
	}

	metricsCollector := prometheus.NewCollector()

	store, closeStore, err := buildStore(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	eventBus, err := buildEventBus(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	handlers := graph.NewHandlerRegistry()
	if err := registerHandlers(handlers, cfg, metricsCollector, logger); err != nil {
		return err
	}

	// Initialize application components
	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		cfg.Workers.QueueSize,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	if err := workerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	manager := orchestrator.NewManager(
		store,
		graph.NewRegistry(graph.NewCompiler(handlers)),
		workerPool,
		workers.NewRunner(logger),
		retry.NewEvaluator(cfg.Retry.Policy()),
		eventBus,
		metricsCollector,
		logger,
		orchestrator.Config{
			DefaultStepTimeout: cfg.Engine.DefaultStepTimeout,
			LeaseGrace:         cfg.Engine.LeaseGrace,
			MaxConcurrentSteps: cfg.Engine.MaxConcurrentSteps,
			ReconcileInterval:  cfg.Engine.ReconcileInterval,
			StoreRetry:         cfg.Engine.StoreRetryPolicy(),
			EventBuffer:        cfg.Events.Buffer,
		},
	)

	catchUp, _ := domain.ParseCatchUpPolicy(cfg.Scheduler.CatchUp)
	sched := scheduler.New(store, manager, metricsCollector, logger, scheduler.Config{
		DefaultCatchUp: catchUp,
		CatchUpWindow:  cfg.Scheduler.CatchUpWindow,
		MisfireGrace:   cfg.Scheduler.MisfireGrace,
		MaxReplay:      cfg.Scheduler.MaxReplay,
		PollInterval:   cfg.Scheduler.PollInterval,
	})

	if cfg.WorkflowsFile != "" {
		file, err := loader.Load(cfg.WorkflowsFile)
		if err != nil {
			return fmt.Errorf("failed to load workflows: %w", err)
		}
		if err := loader.Apply(ctx, file, manager, sched); err != nil {
			return err
		}
		logger.Info("workflows loaded",
			zap.String("path", cfg.WorkflowsFile),
			zap.Int("workflows", len(file.Workflows)),
			zap.Int("schedules", len(file.Schedules)))
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:       cfg.HTTPPort,
		Engine:     manager,
		Schedules:  sched,
		Health:     workerPool.Health(),
		EnableCORS: cfg.EnableCORS,
		Logger:     logger,
	})
	wsHandler := websocket.NewHandler(eventBus, manager, logger)
	httpServer.SetupWebSocket(wsHandler.HandleExecutionStream)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	grpcServer.SetServing(true)

	logger.Info("dagoflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("store", cfg.Store.Backend),
		zap.String("events", cfg.Events.Backend),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(grpcServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()

		// Stop intake first, then drain the engine.
		grpcServer.SetServing(false)
		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := eventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
