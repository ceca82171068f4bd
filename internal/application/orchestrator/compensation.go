package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/internal/application/workers"
	"github.com/aescanero/dagoflow/pkg/domain"
)

// compensate rolls back every succeeded step in reverse topological order,
// then finishes the execution. Rollback failures are recorded and do not
// stop the remaining rollbacks. Each rollback is claimed in the store
// first, so coordinators sharing a store never invoke the same rollback
// twice; losing a claim hands the execution back to the driver.
func (m *Manager) compensate(ctx context.Context, ec *executionContext, exec *domain.Execution) (driverAction, error) {
	logger := m.logger.With(zap.String("execution_id", exec.ID))

	if !ec.compensationAnnounced {
		ec.compensationAnnounced = true
		m.emit(domain.EventExecutionCompensating, exec, "", map[string]any{"reason": exec.StatusReason})
		logger.Warn("compensating execution", zap.String("reason", exec.StatusReason))
	}

	rolledBack := len(exec.Compensation)
	for _, name := range exec.PendingRollbacks() {
		node, ok := ec.graph.Node(name)
		if !ok {
			return actionDone, fmt.Errorf("step %s is not part of %s", name, exec.Definition)
		}

		var claimed bool
		err := m.withStore(ctx, "record_rollback_start", func() error {
			var err error
			claimed, err = m.store.RecordRollbackStart(ctx, exec.ID, name, m.now())
			return err
		})
		if err != nil {
			return actionDone, err
		}
		if !claimed {
			logger.Debug("rollback claimed elsewhere", zap.String("step", name))
			return actionReload, nil
		}

		run := exec.Steps[name]
		invoked, err := m.runner.Rollback(ctx, workers.RollbackRequest{
			ExecutionID: exec.ID,
			Definition:  exec.Definition.String(),
			Step:        node.Step,
			Context:     exec.Context,
			Result:      run.Result,
			Timeout:     ec.graph.StepTimeout(name, m.cfg.DefaultStepTimeout),
		})
		var rollbackErr string
		if err != nil {
			rollbackErr = (&domain.CompensationError{Step: name, Message: err.Error()}).Error()
			logger.Error("rollback failed", zap.String("step", name), zap.Error(err))
		}
		m.metrics.RecordCompensation(exec.Definition.Name, name, invoked, err)

		err = m.withStore(ctx, "mark_rolled_back", func() error {
			return m.store.MarkRolledBack(ctx, exec.ID, name, invoked, rollbackErr, m.now())
		})
		if err != nil {
			return actionDone, err
		}
		rolledBack++

		data := map[string]any{"invoked": invoked}
		if rollbackErr != "" {
			data["error"] = rollbackErr
		}
		m.emit(domain.EventStepRolledBack, exec, name, data)
	}

	final := domain.ExecutionFailed
	if rolledBack > 0 {
		final = domain.ExecutionCompensated
	}

	var updated *domain.Execution
	err := m.withStore(ctx, "update_execution_status", func() error {
		var err error
		updated, err = m.store.UpdateExecutionStatus(ctx, exec.ID, final, "", m.now())
		return err
	})
	switch {
	case errors.Is(err, domain.ErrExecutionTerminal), errors.Is(err, domain.ErrInvalidTransition):
		// Finished, or still rolling back, in another coordinator.
		return actionReload, nil
	case err != nil:
		return actionDone, err
	}

	m.recordFinished(updated)
	if final == domain.ExecutionCompensated {
		m.emit(domain.EventExecutionCompensated, updated, "", map[string]any{"rolled_back": len(updated.Compensation)})
	} else {
		m.emit(domain.EventExecutionFailed, updated, "", map[string]any{"reason": updated.StatusReason})
	}
	logger.Info("execution finished",
		zap.String("status", string(updated.Status)),
		zap.Int("rolled_back", len(updated.Compensation)))
	return actionReload, nil
}
