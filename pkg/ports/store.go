package ports

import (
	"context"
	"time"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// ExecutionStore persists executions. Every mutating call is atomic with
// respect to concurrent callers on the same execution.
type ExecutionStore interface {
	// CreateExecution allocates a new pending execution.
	CreateExecution(ctx context.Context, spec domain.ExecutionSpec) (*domain.Execution, error)

	GetExecution(ctx context.Context, id string) (*domain.Execution, error)

	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]*domain.Execution, error)

	// ListRunnableSteps returns the steps whose predecessors all succeeded
	// and which may be started at now.
	ListRunnableSteps(ctx context.Context, executionID string, now time.Time) ([]string, error)

	// RecordStepStart transitions a step to running. The returned bool is
	// true only for the caller that performed the transition. Calling it
	// for a step already running returns the existing run.
	RecordStepStart(ctx context.Context, executionID, step string, now time.Time) (*domain.StepRun, bool, error)

	// RecordStepResult applies the outcome of the current attempt and
	// re-evaluates the execution status.
	RecordStepResult(ctx context.Context, executionID, step string, outcome domain.Outcome, now time.Time) (*domain.Execution, error)

	// ResolveApproval applies an approval decision. It fails with
	// domain.ErrNotAwaitingApproval unless the step awaits one.
	ResolveApproval(ctx context.Context, executionID, step string, decision domain.ApprovalDecision, note string, now time.Time) (*domain.Execution, error)

	MergeContext(ctx context.Context, executionID string, payload domain.Context, now time.Time) error

	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, reason string, now time.Time) (*domain.Execution, error)

	// RecordRollbackStart claims the rollback of a succeeded step. The
	// returned bool is true only for the caller that made the claim; that
	// caller alone invokes the rollback handler.
	RecordRollbackStart(ctx context.Context, executionID, step string, now time.Time) (bool, error)

	// MarkRolledBack records the compensation of a succeeded step.
	MarkRolledBack(ctx context.Context, executionID, step string, invoked bool, rollbackErr string, now time.Time) error
}

// ScheduleStore persists cron triggers.
type ScheduleStore interface {
	// SaveSchedule creates or replaces a schedule. An existing LastFireAt is kept.
	SaveSchedule(ctx context.Context, schedule *domain.Schedule) (*domain.Schedule, error)

	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)

	ListSchedules(ctx context.Context) ([]*domain.Schedule, error)

	// AdvanceSchedule moves LastFireAt from prev to next. It reports false
	// when another dispatcher already advanced it.
	AdvanceSchedule(ctx context.Context, id string, prev, next time.Time) (bool, error)
}

// Store bundles both stores, as every backend implements them together.
type Store interface {
	ExecutionStore
	ScheduleStore
	Close() error
}
