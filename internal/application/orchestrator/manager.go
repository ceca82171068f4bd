package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/internal/application/graph"
	"github.com/aescanero/dagoflow/internal/application/retry"
	"github.com/aescanero/dagoflow/internal/application/workers"
	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

var activeStatuses = []domain.ExecutionStatus{
	domain.ExecutionPending,
	domain.ExecutionRunning,
	domain.ExecutionAwaitingApproval,
	domain.ExecutionCompensating,
}

// Config holds coordinator settings
type Config struct {
	// DefaultStepTimeout applies to steps that declare no timeout.
	DefaultStepTimeout time.Duration
	// LeaseGrace is added to a step's timeout to form its lease.
	LeaseGrace time.Duration
	// MaxConcurrentSteps caps running steps per execution when the
	// definition sets no cap. Zero means unbounded.
	MaxConcurrentSteps int
	// ReconcileInterval is the period of the recovery loop. Zero disables it.
	ReconcileInterval time.Duration
	// StoreRetry shapes retries of failed state store calls.
	StoreRetry  domain.RetryPolicy
	EventBuffer int
}

// Manager coordinates workflow executions. It owns one driver goroutine
// per execution with work to do; an execution suspended on an approval
// holds no goroutine.
type Manager struct {
	store    ports.ExecutionStore
	registry *graph.Registry
	pool     *workers.Pool
	runner   *workers.Runner
	retrier  *retry.Evaluator
	storeRty *retry.Evaluator
	events   *emitter
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// Track active executions
	mu       sync.Mutex
	drivers  map[string]*executionContext
	stopping bool
	wg       sync.WaitGroup
	started  bool
}

// executionContext holds the driver state for a single execution
type executionContext struct {
	id    string
	graph *graph.Graph
	wake  chan struct{}

	mu       sync.Mutex
	inflight map[string]bool

	// only touched by the driver goroutine
	compensationAnnounced bool
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new orchestrator manager. The manager shuts pool
// down as part of Shutdown.
func NewManager(
	store ports.ExecutionStore,
	registry *graph.Registry,
	pool *workers.Pool,
	runner *workers.Runner,
	retrier *retry.Evaluator,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
	opts ...Option,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreRetry.MaxAttempts < 1 {
		cfg.StoreRetry = domain.RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		registry: registry,
		pool:     pool,
		runner:   runner,
		retrier:  retrier,
		storeRty: retry.NewEvaluator(cfg.StoreRetry),
		events:   newEmitter(eventBus, cfg.EventBuffer, logger),
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		drivers:  make(map[string]*executionContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterDefinition compiles and registers a workflow definition
func (m *Manager) RegisterDefinition(def domain.WorkflowDefinition) (*graph.Graph, error) {
	g, err := m.registry.Register(def)
	if err != nil {
		m.logger.Error("workflow registration failed",
			zap.String("definition", def.Name),
			zap.Error(err))
		return nil, err
	}
	m.logger.Info("workflow registered",
		zap.String("definition", g.Definition.Name),
		zap.Int("version", g.Definition.Version),
		zap.Strings("order", g.Order))
	return g, nil
}

// Definitions returns the latest version of every registered definition
func (m *Manager) Definitions() []*graph.Graph {
	return m.registry.List()
}

// StartExecution creates an execution of ref and starts driving it
func (m *Manager) StartExecution(ctx context.Context, ref domain.DefinitionRef, input domain.Context, trigger domain.Trigger) (*domain.Execution, error) {
	g, err := m.registry.Get(ref)
	if err != nil {
		return nil, err
	}
	if trigger.Kind == "" {
		trigger.Kind = domain.TriggerManual
	}

	spec := domain.ExecutionSpec{
		Definition: g.Ref(),
		Plan:       g.Plan(m.cfg.DefaultStepTimeout, m.cfg.LeaseGrace),
		Input:      input,
		Trigger:    trigger,
	}

	var exec *domain.Execution
	err = m.withStore(ctx, "create_execution", func() error {
		var err error
		exec, err = m.store.CreateExecution(ctx, spec)
		return err
	})
	if err != nil {
		m.logger.Error("failed to create execution",
			zap.String("definition", g.Ref().String()),
			zap.Error(err))
		return nil, err
	}

	m.metrics.RecordExecutionStarted(g.Definition.Name, string(trigger.Kind))
	m.emit(domain.EventExecutionStarted, exec, "", map[string]any{
		"trigger": trigger.Kind,
		"version": g.Definition.Version,
	})
	m.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("definition", g.Ref().String()),
		zap.String("trigger", string(trigger.Kind)))

	m.ensureDriver(exec.ID, g)
	return exec, nil
}

// GetExecution retrieves an execution
func (m *Manager) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	return m.store.GetExecution(ctx, id)
}

// ListExecutions lists executions matching filter
func (m *Manager) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]*domain.Execution, error) {
	return m.store.ListExecutions(ctx, filter)
}

// CancelExecution forces a non-terminal execution onto the failure path.
// Running steps finish; succeeded steps are then compensated.
func (m *Manager) CancelExecution(ctx context.Context, id, reason string) (*domain.Execution, error) {
	status := "cancelled"
	if reason != "" {
		status += ": " + reason
	}

	var exec *domain.Execution
	err := m.withStore(ctx, "cancel_execution", func() error {
		var err error
		exec, err = m.store.UpdateExecutionStatus(ctx, id, domain.ExecutionCompensating, status, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	m.emit(domain.EventExecutionCancelled, exec, "", map[string]any{"reason": reason})
	m.logger.Info("execution cancelled",
		zap.String("execution_id", id),
		zap.String("reason", reason))

	if g, err := m.registry.Get(exec.Definition); err == nil {
		m.ensureDriver(id, g)
	}
	return exec, nil
}

// Recover resumes every unfinished execution found in the store. It is
// safe to call repeatedly.
func (m *Manager) Recover(ctx context.Context) error {
	return m.reconcile(ctx)
}

// Start runs Recover, then repeats it every ReconcileInterval until
// Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("orchestrator manager already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover executions: %w", err)
	}
	if m.cfg.ReconcileInterval <= 0 {
		return nil
	}

	m.wg.Add(1)
	go m.monitorExecutions()
	return nil
}

// monitorExecutions periodically reconciles stored executions
func (m *Manager) monitorExecutions() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.reconcile(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Error("reconcile failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) error {
	execs, err := m.store.ListExecutions(ctx, domain.ExecutionFilter{Statuses: activeStatuses})
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}

	now := m.now()
	for _, exec := range execs {
		expired := m.expireApprovals(ctx, exec, now)
		if exec.Status == domain.ExecutionAwaitingApproval && expired == 0 &&
			len(exec.RunnableSteps(now)) == 0 {
			continue
		}
		g, err := m.registry.Get(exec.Definition)
		if err != nil {
			m.logger.Warn("cannot resume execution of unregistered definition",
				zap.String("execution_id", exec.ID),
				zap.String("definition", exec.Definition.String()))
			continue
		}
		m.ensureDriver(exec.ID, g)
	}
	return nil
}

// Shutdown stops the drivers, drains the worker pool and flushes events.
// Steps interrupted by an expired deadline are recovered through their
// lease on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop execution drivers: %w", ctx.Err())
	}

	var errs []error
	if m.pool != nil {
		if err := m.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down worker pool: %w", err))
		}
	}
	m.events.close()
	m.metrics.SetActiveExecutions(0)

	m.logger.Info("orchestrator manager shut down complete")
	return errors.Join(errs...)
}

// ensureDriver starts a driver for id, or wakes the running one
func (m *Manager) ensureDriver(id string, g *graph.Graph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return
	}
	if ec, ok := m.drivers[id]; ok {
		ec.signal()
		return
	}

	ec := &executionContext{
		id:       id,
		graph:    g,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]bool),
	}
	m.drivers[id] = ec
	m.metrics.SetActiveExecutions(len(m.drivers))

	m.wg.Add(1)
	go m.drive(ec)
}

// release unregisters a driver about to exit. It refuses when a wake
// arrived meanwhile, unless force is set.
func (m *Manager) release(ec *executionContext, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !force && ec.pending() {
		return false
	}
	delete(m.drivers, ec.id)
	m.metrics.SetActiveExecutions(len(m.drivers))
	return true
}

func (m *Manager) activeDrivers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.drivers)
}

func (ec *executionContext) signal() {
	select {
	case ec.wake <- struct{}{}:
	default:
	}
}

func (ec *executionContext) pending() bool {
	select {
	case <-ec.wake:
		return true
	default:
		return false
	}
}

func (ec *executionContext) acquire(step string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.inflight[step] {
		return false
	}
	ec.inflight[step] = true
	return true
}

func (ec *executionContext) finish(step string) {
	ec.mu.Lock()
	delete(ec.inflight, step)
	ec.mu.Unlock()
	ec.signal()
}

func (ec *executionContext) inflightSteps() map[string]bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]bool, len(ec.inflight))
	for step := range ec.inflight {
		out[step] = true
	}
	return out
}

// withStore retries fn on infrastructure errors. Model errors are returned
// as they are; exhaustion yields a PersistenceError.
func (m *Manager) withStore(ctx context.Context, op string, fn func() error) error {
	maxAttempts := m.storeRty.Policy(nil).MaxAttempts
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || domain.IsDomainError(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= maxAttempts {
			return &domain.PersistenceError{Op: op, Err: err}
		}

		m.metrics.RecordStoreRetry(op)
		delay := m.storeRty.Backoff(attempt)
		m.logger.Warn("state store call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (m *Manager) emit(eventType domain.EventType, exec *domain.Execution, step string, data map[string]any) {
	m.events.emit(domain.Event{
		Type:        eventType,
		ExecutionID: exec.ID,
		Step:        step,
		Definition:  exec.Definition.String(),
		Timestamp:   m.now(),
		Data:        data,
	})
}

func (m *Manager) recordFinished(exec *domain.Execution) {
	finished := m.now()
	if exec.FinishedAt != nil {
		finished = *exec.FinishedAt
	}
	m.metrics.RecordExecutionFinished(exec.Definition.Name, string(exec.Status), finished.Sub(exec.CreatedAt))
}
