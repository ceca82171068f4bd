package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
)

const approvalTimeoutNote = "approval timed out"

// SignalApproval delivers an external decision for a step awaiting
// approval. A step that is not awaiting approval, including one whose
// decision was already delivered, yields domain.ErrNotAwaitingApproval.
func (m *Manager) SignalApproval(ctx context.Context, executionID, step string, decision domain.ApprovalDecision, note string) (*domain.Execution, error) {
	exec, err := m.resolveApproval(ctx, executionID, step, decision, note)
	if err != nil {
		return nil, err
	}

	m.logger.Info("approval signalled",
		zap.String("execution_id", executionID),
		zap.String("step", step),
		zap.String("decision", string(decision)))

	if g, err := m.registry.Get(exec.Definition); err == nil {
		m.ensureDriver(executionID, g)
	}
	return exec, nil
}

// expireApprovals rejects the approvals of exec whose deadline passed and
// returns how many it rejected.
func (m *Manager) expireApprovals(ctx context.Context, exec *domain.Execution, now time.Time) int {
	expired := 0
	for _, step := range exec.ExpiredApprovals(now) {
		_, err := m.resolveApproval(ctx, exec.ID, step, domain.ApprovalRejected, approvalTimeoutNote)
		if err != nil {
			if !errors.Is(err, domain.ErrNotAwaitingApproval) {
				m.logger.Error("failed to expire approval",
					zap.String("execution_id", exec.ID),
					zap.String("step", step),
					zap.Error(err))
			}
			continue
		}
		m.logger.Warn("approval timed out",
			zap.String("execution_id", exec.ID),
			zap.String("step", step))
		expired++
	}
	return expired
}

func (m *Manager) resolveApproval(ctx context.Context, executionID, step string, decision domain.ApprovalDecision, note string) (*domain.Execution, error) {
	var exec *domain.Execution
	err := m.withStore(ctx, "resolve_approval", func() error {
		var err error
		exec, err = m.store.ResolveApproval(ctx, executionID, step, decision, note, m.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordApproval(exec.Definition.Name, step, string(decision))
	eventType := domain.EventStepApproved
	if decision == domain.ApprovalRejected {
		eventType = domain.EventStepRejected
	}
	data := map[string]any{}
	if note != "" {
		data["note"] = note
	}
	m.emit(eventType, exec, step, data)
	return exec, nil
}
