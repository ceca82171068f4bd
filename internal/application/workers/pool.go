package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/ports"
)

// ErrPoolStopped is returned when submitting to a pool that is shutting down.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is a unit of work executed by a pool worker
type Task func(ctx context.Context)

// Pool manages a pool of worker goroutines
type Pool struct {
	size    int
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	tasks   chan Task
	workers []*worker
	wg      sync.WaitGroup

	// ctx stops workers from taking new tasks; taskCtx is handed to running
	// tasks and only cancelled when a shutdown deadline expires.
	ctx        context.Context
	cancel     context.CancelFunc
	taskCtx    context.Context
	cancelTask context.CancelFunc

	mu      sync.RWMutex
	started bool
	stopped bool
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. queueSize bounds tasks waiting for a
// free worker; Submit blocks once it is full.
func NewPool(
	size, queueSize int,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	taskCtx, cancelTask := context.WithCancel(context.Background())

	pool := &Pool{
		size:       size,
		metrics:    metrics,
		logger:     logger,
		tasks:      make(chan Task, queueSize),
		workers:    make([]*worker, size),
		ctx:        ctx,
		cancel:     cancel,
		taskCtx:    taskCtx,
		cancelTask: cancelTask,
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	if p.stopped {
		return ErrPoolStopped
	}
	p.started = true

	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run()
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Submit queues task. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()
	if stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops taking tasks and waits for running ones. When ctx expires
// first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("shutting down worker pool", zap.Int("queued", len(p.tasks)))

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelTask()
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		p.cancelTask()
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// QueueDepth returns the number of tasks waiting for a worker
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// run is the main worker loop
func (w *worker) run() {
	defer w.pool.wg.Done()
	defer w.setStatus(WorkerStatusStopped)

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		// Prefer stopping over draining the queue.
		select {
		case <-w.pool.ctx.Done():
			return
		default:
		}

		select {
		case <-w.pool.ctx.Done():
			return
		case task := <-w.pool.tasks:
			w.execute(task)
		}
	}
}

func (w *worker) execute(task Task) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.mu.Unlock()
	defer w.setStatus(WorkerStatusIdle)

	defer func() {
		if v := recover(); v != nil {
			w.pool.logger.Error("worker task panicked",
				zap.String("worker_id", w.id),
				zap.Any("panic", v))
		}
	}()

	task(w.pool.taskCtx)
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}
