package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/internal/application/retry"
	"github.com/aescanero/dagoflow/internal/application/workers"
	"github.com/aescanero/dagoflow/pkg/domain"
)

type driverAction int

const (
	actionDone driverAction = iota
	actionReload
	actionWait
)

// drive advances one execution until it is terminal, suspended, or only
// waiting on another process.
func (m *Manager) drive(ec *executionContext) {
	defer m.wg.Done()
	ctx := m.ctx
	logger := m.logger.With(zap.String("execution_id", ec.id))

	for {
		var exec *domain.Execution
		err := m.withStore(ctx, "get_execution", func() error {
			var err error
			exec, err = m.store.GetExecution(ctx, ec.id)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to load execution, leaving it to the reconciler", zap.Error(err))
			}
			m.release(ec, true)
			return
		}

		action, err := m.advance(ctx, ec, exec)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to advance execution, leaving it to the reconciler", zap.Error(err))
			}
			m.release(ec, true)
			return
		}

		switch action {
		case actionReload:
			continue
		case actionDone:
			if m.release(ec, false) {
				return
			}
		case actionWait:
			if !m.sleep(ctx, ec, exec.NextWakeAt()) {
				m.release(ec, true)
				return
			}
		}
	}
}

func (m *Manager) advance(ctx context.Context, ec *executionContext, exec *domain.Execution) (driverAction, error) {
	now := m.now()
	inflight := ec.inflightSteps()

	switch {
	case exec.Status.IsTerminal():
		return actionDone, nil

	case exec.Status == domain.ExecutionCompensating:
		// Siblings already running are allowed to finish first.
		if len(inflight) > 0 || exec.HasLiveLease(now) {
			return actionWait, nil
		}
		return m.compensate(ctx, ec, exec)
	}

	limit := ec.graph.Definition.MaxConcurrentSteps
	if limit <= 0 {
		limit = m.cfg.MaxConcurrentSteps
	}
	busy := len(inflight)
	for _, step := range exec.RunningSteps() {
		if !inflight[step] {
			busy++
		}
	}

	var runnable []string
	err := m.withStore(ctx, "list_runnable_steps", func() error {
		var err error
		runnable, err = m.store.ListRunnableSteps(ctx, exec.ID, now)
		return err
	})
	if err != nil {
		return actionDone, err
	}

	for _, step := range runnable {
		if inflight[step] {
			continue
		}
		if limit > 0 && busy >= limit {
			break
		}
		if !ec.acquire(step) {
			continue
		}
		if err := m.pool.Submit(ctx, m.stepTask(ec, exec, step)); err != nil {
			ec.finish(step)
			return actionDone, err
		}
		inflight[step] = true
		busy++
	}

	if len(inflight) > 0 || exec.NextWakeAt() != nil {
		return actionWait, nil
	}
	return actionDone, nil
}

// sleep waits for a wake signal or for next. It reports false when the
// manager is stopping.
func (m *Manager) sleep(ctx context.Context, ec *executionContext, next *time.Time) bool {
	var timeout <-chan time.Time
	if next != nil {
		if d := next.Sub(m.now()); d >= 0 {
			// Leases expire strictly after their deadline.
			timer := time.NewTimer(d + time.Millisecond)
			defer timer.Stop()
			timeout = timer.C
		}
	}

	select {
	case <-ec.wake:
		return true
	case <-timeout:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) stepTask(ec *executionContext, exec *domain.Execution, step string) workers.Task {
	return func(ctx context.Context) {
		defer ec.finish(step)
		m.runStep(ctx, ec, exec, step)
	}
}

// runStep performs one attempt: acquire, run, decide on retry, record.
// exec is the driver's read-only snapshot.
func (m *Manager) runStep(ctx context.Context, ec *executionContext, exec *domain.Execution, name string) {
	logger := m.logger.With(zap.String("execution_id", exec.ID), zap.String("step", name))

	var run *domain.StepRun
	var won bool
	err := m.withStore(ctx, "record_step_start", func() error {
		var err error
		run, won, err = m.store.RecordStepStart(ctx, exec.ID, name, m.now())
		return err
	})
	if err != nil {
		logger.Warn("failed to start step", zap.Error(err))
		return
	}
	if !won {
		logger.Debug("step already started")
		return
	}
	if run.LastError != nil && run.LastError.Kind == domain.StepErrorLeaseExpired {
		logger.Warn("resuming step after lost attempt", zap.String("error", run.LastError.Message))
	}

	if exec.IsApprovalGate(run) {
		if _, err := m.recordOutcome(ctx, exec.ID, name, domain.AwaitApproval(run.Attempts)); err != nil {
			logger.Error("failed to open approval gate", zap.Error(err))
			return
		}
		m.emit(domain.EventStepAwaitingApproval, exec, name, nil)
		logger.Info("step awaiting approval")
		return
	}

	m.emit(domain.EventStepStarted, exec, name, map[string]any{"attempt": run.Attempts})

	node, _ := ec.graph.Node(name)
	result := m.runner.Run(ctx, workers.StepRequest{
		ExecutionID: exec.ID,
		Definition:  exec.Definition.String(),
		Step:        node.Step,
		Attempt:     run.Attempts,
		Context:     exec.Context,
		Timeout:     ec.graph.StepTimeout(name, m.cfg.DefaultStepTimeout),
	})

	if result.Err != nil && result.Err.Kind == domain.StepErrorCancelled {
		// Interrupted by shutdown. The lease hands the step to the next run.
		logger.Info("step attempt interrupted", zap.Int("attempt", run.Attempts))
		return
	}

	var outcome domain.Outcome
	var decision retry.Decision
	if result.Err == nil {
		outcome = domain.Success(run.Attempts, result.Payload)
		m.metrics.RecordStepAttempt(exec.Definition.Name, name, "succeeded", result.Duration)
	} else {
		outcome = domain.Failure(run.Attempts, result.Err)
		decision = m.retrier.Evaluate(ec.graph.RetryPolicy(name), run.Attempts, m.now())
		if decision.Retry {
			outcome = outcome.WithRetryAt(decision.At)
		}
		m.metrics.RecordStepAttempt(exec.Definition.Name, name, string(result.Err.Kind), result.Duration)
	}

	updated, err := m.recordOutcome(ctx, exec.ID, name, outcome)
	if err != nil {
		logger.Error("failed to record step result", zap.Int("attempt", run.Attempts), zap.Error(err))
		return
	}

	switch {
	case result.Err == nil:
		m.emit(domain.EventStepSucceeded, updated, name, map[string]any{
			"attempt":  run.Attempts,
			"duration": result.Duration.String(),
		})
		logger.Info("step succeeded",
			zap.Int("attempt", run.Attempts),
			zap.Duration("duration", result.Duration))
	case decision.Retry:
		m.metrics.RecordStepRetry(exec.Definition.Name, name)
		m.emit(domain.EventStepRetried, updated, name, map[string]any{
			"attempt": run.Attempts,
			"delay":   decision.Delay.String(),
			"error":   result.Err.Message,
		})
		logger.Warn("step failed, retrying",
			zap.Int("attempt", run.Attempts),
			zap.Duration("delay", decision.Delay),
			zap.String("error", result.Err.Message))
	default:
		m.emit(domain.EventStepFailed, updated, name, map[string]any{
			"attempt": run.Attempts,
			"error":   result.Err.Message,
			"kind":    result.Err.Kind,
		})
		logger.Error("step failed",
			zap.Int("attempt", run.Attempts),
			zap.String("error", result.Err.Message))
	}

	if updated.Status == domain.ExecutionCompleted {
		m.recordFinished(updated)
		m.emit(domain.EventExecutionCompleted, updated, "", nil)
		logger.Info("execution completed")
	}
}

func (m *Manager) recordOutcome(ctx context.Context, executionID, step string, outcome domain.Outcome) (*domain.Execution, error) {
	var updated *domain.Execution
	err := m.withStore(ctx, "record_step_result", func() error {
		var err error
		updated, err = m.store.RecordStepResult(ctx, executionID, step, outcome, m.now())
		return err
	})
	return updated, err
}
