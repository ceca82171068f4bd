package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// Store implements ExecutionStore and ScheduleStore using in-memory maps.
// It is the reference implementation; nothing survives a restart.
type Store struct {
	executions map[string]*domain.Execution
	schedules  map[string]*domain.Schedule
	mu         sync.RWMutex
	now        func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for creation timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a new in-memory store
func NewStore(opts ...Option) *Store {
	s := &Store{
		executions: make(map[string]*domain.Execution),
		schedules:  make(map[string]*domain.Schedule),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateExecution allocates a new pending execution
func (s *Store) CreateExecution(ctx context.Context, spec domain.ExecutionSpec) (*domain.Execution, error) {
	exec := domain.NewExecution(uuid.New().String(), spec, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[exec.ID] = exec
	return exec.Clone(), nil
}

// GetExecution returns a copy of the execution
func (s *Store) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return exec.Clone(), nil
}

// ListExecutions returns executions matching filter, oldest first
func (s *Store) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if filter.Matches(exec) {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListRunnableSteps returns the steps that may be started at now
func (s *Store) ListRunnableSteps(ctx context.Context, executionID string, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
	}
	return exec.RunnableSteps(now), nil
}

// RecordStepStart transitions a step to running under the store lock
func (s *Store) RecordStepStart(ctx context.Context, executionID, step string, now time.Time) (*domain.StepRun, bool, error) {
	var run *domain.StepRun
	var won bool
	err := s.mutate(executionID, func(exec *domain.Execution) error {
		var err error
		run, won, err = exec.StartStep(step, now)
		return err
	})
	return run, won, err
}

// RecordStepResult applies an attempt outcome
func (s *Store) RecordStepResult(ctx context.Context, executionID, step string, outcome domain.Outcome, now time.Time) (*domain.Execution, error) {
	return s.mutateExecution(executionID, func(exec *domain.Execution) error {
		_, err := exec.ApplyOutcome(step, outcome, now)
		return err
	})
}

// ResolveApproval applies an approval decision
func (s *Store) ResolveApproval(ctx context.Context, executionID, step string, decision domain.ApprovalDecision, note string, now time.Time) (*domain.Execution, error) {
	return s.mutateExecution(executionID, func(exec *domain.Execution) error {
		_, err := exec.ResolveApproval(step, decision, note, now)
		return err
	})
}

// MergeContext shallow-merges payload into the execution context
func (s *Store) MergeContext(ctx context.Context, executionID string, payload domain.Context, now time.Time) error {
	return s.mutate(executionID, func(exec *domain.Execution) error {
		return exec.MergeContext(payload, now)
	})
}

// UpdateExecutionStatus forces a status transition
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, reason string, now time.Time) (*domain.Execution, error) {
	return s.mutateExecution(executionID, func(exec *domain.Execution) error {
		return exec.SetStatus(status, reason, now)
	})
}

// RecordRollbackStart claims a rollback under the store lock
func (s *Store) RecordRollbackStart(ctx context.Context, executionID, step string, now time.Time) (bool, error) {
	var won bool
	err := s.mutate(executionID, func(exec *domain.Execution) error {
		var err error
		won, err = exec.StartRollback(step, now)
		return err
	})
	return won, err
}

// MarkRolledBack records the compensation of a step
func (s *Store) MarkRolledBack(ctx context.Context, executionID, step string, invoked bool, rollbackErr string, now time.Time) error {
	return s.mutate(executionID, func(exec *domain.Execution) error {
		return exec.MarkRolledBack(step, invoked, rollbackErr, now)
	})
}

// SaveSchedule creates or replaces a schedule, keeping a stored LastFireAt
func (s *Store) SaveSchedule(ctx context.Context, schedule *domain.Schedule) (*domain.Schedule, error) {
	if schedule.ID == "" {
		return nil, fmt.Errorf("schedule id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	saved := schedule.Clone()
	if existing, ok := s.schedules[schedule.ID]; ok {
		saved.LastFireAt = existing.LastFireAt
		saved.CreatedAt = existing.CreatedAt
	} else {
		saved.CreatedAt = now
		if saved.LastFireAt.IsZero() {
			saved.LastFireAt = now
		}
	}
	saved.UpdatedAt = now
	s.schedules[saved.ID] = saved
	return saved.Clone(), nil
}

// GetSchedule returns a copy of the schedule
func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return schedule.Clone(), nil
}

// ListSchedules returns all schedules ordered by id
func (s *Store) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, schedule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AdvanceSchedule moves LastFireAt from prev to next if nobody else did
func (s *Store) AdvanceSchedule(ctx context.Context, id string, prev, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return false, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	if !schedule.LastFireAt.Equal(prev) {
		return false, nil
	}
	schedule.LastFireAt = next
	schedule.UpdatedAt = s.now()
	return true, nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

// mutate applies fn to a working copy and commits it only when fn succeeds,
// so a rejected transition leaves the stored execution untouched.
func (s *Store) mutate(executionID string, fn func(exec *domain.Execution) error) error {
	_, err := s.mutateExecution(executionID, fn)
	return err
}

func (s *Store) mutateExecution(executionID string, fn func(exec *domain.Execution) error) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
	}
	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	s.executions[executionID] = working
	return working.Clone(), nil
}
