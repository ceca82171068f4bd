package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/internal/application/graph"
	"github.com/aescanero/dagoflow/internal/application/workers"
	"github.com/aescanero/dagoflow/pkg/domain"
)

// Engine is the execution surface the API drives
type Engine interface {
	Definitions() []*graph.Graph
	StartExecution(ctx context.Context, ref domain.DefinitionRef, input domain.Context, trigger domain.Trigger) (*domain.Execution, error)
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]*domain.Execution, error)
	CancelExecution(ctx context.Context, id, reason string) (*domain.Execution, error)
	SignalApproval(ctx context.Context, executionID, step string, decision domain.ApprovalDecision, note string) (*domain.Execution, error)
}

// Schedules registers and lists cron schedules
type Schedules interface {
	Register(ctx context.Context, schedule domain.Schedule) (*domain.Schedule, error)
	List(ctx context.Context) ([]*domain.Schedule, error)
}

// Server represents the HTTP API server
type Server struct {
	router    *gin.Engine
	server    *http.Server
	engine    Engine
	schedules Schedules
	health    *workers.HealthMonitor
	logger    *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port      int
	Engine    Engine
	Schedules Schedules
	// Health reports worker pool health on /health. Optional.
	Health *workers.HealthMonitor
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer   prometheus.Gatherer
	EnableCORS bool
	Logger     *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	if cfg.EnableCORS {
		router.Use(corsMiddleware())
	}

	s := &Server{
		router:    router,
		engine:    cfg.Engine,
		schedules: cfg.Schedules,
		health:    cfg.Health,
		logger:    logger,
	}

	s.setupRoutes(gatherer)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/workflows", s.handleListWorkflows)
		v1.POST("/workflows/:name/executions", s.handleStartExecution)

		v1.GET("/executions", s.handleListExecutions)
		v1.GET("/executions/:id", s.handleGetExecution)
		v1.POST("/executions/:id/cancel", s.handleCancelExecution)
		v1.POST("/executions/:id/steps/:step/approval", s.handleApproval)

		v1.GET("/schedules", s.handleListSchedules)
		v1.POST("/schedules", s.handleRegisterSchedule)
	}
}

// SetupWebSocket mounts the execution event stream
func (s *Server) SetupWebSocket(handler gin.HandlerFunc) {
	s.router.GET("/api/v1/executions/:id/ws", handler)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
