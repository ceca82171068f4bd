// Package storagetest is a conformance suite run against every store.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) ports.Store

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// OrderSpec is a two-step plan with an approval gate on the second step.
func OrderSpec() domain.ExecutionSpec {
	return domain.ExecutionSpec{
		Definition: domain.DefinitionRef{Name: "order", Version: 1},
		Plan: []domain.PlanStep{
			{Name: "reserve", Lease: time.Minute},
			{Name: "charge", After: []string{"reserve"}, Lease: time.Minute, AwaitApproval: true, ApprovalTimeout: time.Hour},
		},
		Input:   domain.Context{"order_id": "o-1"},
		Trigger: domain.Trigger{Kind: domain.TriggerManual},
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := map[string]func(t *testing.T, s ports.Store){
		"CreateAndGet":              testCreateAndGet,
		"ListExecutions":            testListExecutions,
		"StepStartIsIdempotent":     testStepStartIsIdempotent,
		"ConcurrentStepStart":       testConcurrentStepStart,
		"StepResult":                testStepResult,
		"RejectedMutationIsNotKept": testRejectedMutationIsNotKept,
		"Approval":                  testApproval,
		"MergeContext":              testMergeContext,
		"Compensation":              testCompensation,
		"Schedules":                 testSchedules,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func create(t *testing.T, s ports.Store) *domain.Execution {
	t.Helper()
	exec, err := s.CreateExecution(context.Background(), OrderSpec())
	require.NoError(t, err)
	return exec
}

func succeed(t *testing.T, s ports.Store, id, step string) {
	t.Helper()
	ctx := context.Background()
	run, won, err := s.RecordStepStart(ctx, id, step, base)
	require.NoError(t, err)
	require.True(t, won)
	_, err = s.RecordStepResult(ctx, id, step, domain.Success(run.Attempts, domain.Context{step + "_done": true}), base)
	require.NoError(t, err)
}

func testCreateAndGet(t *testing.T, s ports.Store) {
	ctx := context.Background()
	exec := create(t, s)
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, domain.ExecutionPending, exec.Status)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "order", got.Definition.Name)
	assert.Equal(t, "o-1", got.Context["order_id"])
	require.Len(t, got.Plan, 2)
	assert.Equal(t, []string{"reserve"}, got.Plan[1].After)
	assert.Equal(t, time.Hour, got.Plan[1].ApprovalTimeout)

	_, err = s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	runnable, err := s.ListRunnableSteps(ctx, exec.ID, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"reserve"}, runnable)
}

func testListExecutions(t *testing.T, s ports.Store) {
	ctx := context.Background()
	first := create(t, s)
	second := create(t, s)
	succeed(t, s, second.ID, "reserve")

	all, err := s.ListExecutions(ctx, domain.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := s.ListExecutions(ctx, domain.ExecutionFilter{Statuses: []domain.ExecutionStatus{domain.ExecutionRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)

	pending, err := s.ListExecutions(ctx, domain.ExecutionFilter{Statuses: []domain.ExecutionStatus{domain.ExecutionPending}, Definition: "order"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	limited, err := s.ListExecutions(ctx, domain.ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.ListExecutions(ctx, domain.ExecutionFilter{Definition: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testStepStartIsIdempotent(t *testing.T, s ports.Store) {
	ctx := context.Background()
	exec := create(t, s)

	first, won, err := s.RecordStepStart(ctx, exec.ID, "reserve", base)
	require.NoError(t, err)
	require.True(t, won)

	second, won, err := s.RecordStepStart(ctx, exec.ID, "reserve", base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, first.Attempts, second.Attempts)
	assert.Equal(t, domain.StepRunning, second.Status)

	// An expired lease hands the step to the next caller.
	third, won, err := s.RecordStepStart(ctx, exec.ID, "reserve", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, 2, third.Attempts)
}

func testConcurrentStepStart(t *testing.T, s ports.Store) {
	ctx := context.Background()
	exec := create(t, s)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := s.RecordStepStart(ctx, exec.ID, "reserve", base)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testStepResult(t *testing.T, s ports.Store) {
	ctx := context.Background()
	exec := create(t, s)

	run, _, err := s.RecordStepStart(ctx, exec.ID, "reserve", base)
	require.NoError(t, err)
	retryAt := base.Add(time.Second)
	updated, err := s.RecordStepResult(ctx, exec.ID, "reserve",
		domain.Failure(run.Attempts, &domain.StepError{Kind: domain.StepErrorHandler, Message: "busy", At: base}).WithRetryAt(retryAt), base)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, updated.Status)
	assert.Equal(t, domain.StepFailed, updated.Steps["reserve"].Status)

	runnable, err := s.ListRunnableSteps(ctx, exec.ID, base)
	require.NoError(t, err)
	assert.Empty(t, runnable)
	runnable, err = s.ListRunnableSteps(ctx, exec.ID, retryAt)
	require.NoError(t, err)
	assert.Equal(t, []string{"reserve"}, runnable)

	run, won, err := s.RecordStepStart(ctx, exec.ID, "reserve", retryAt)
	require.NoError(t, err)
	require.True(t, won)
	assert.Equal(t, 2, run.Attempts)

	updated, err = s.RecordStepResult(ctx, exec.ID, "reserve", domain.Success(2, domain.Context{"reservation": "r-9"}), retryAt)
	require.NoError(t, err)
	assert.Equal(t, domain.StepSucceeded, updated.Steps["reserve"].Status)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-9", got.Context["reservation"])
	assert.Equal(t, "r-9", got.Steps["reserve"].Result["reservation"])
	assert.Equal(t, 2, got.Steps["reserve"].Attempts)
	require.NotNil(t, got.Steps["reserve"].LastError)
	assert.Equal(t, "busy", got.Steps["reserve"].LastError.Message)
}

func testRejectedMutationIsNotKept(t *testing.T, s ports.Store) {
	ctx := context.Background()
	exec := create(t, s)

	_, _, err := s.RecordStepStart(ctx, exec.ID, "reserve", base)
	require.NoError(t, err)

	_, err = s.RecordStepResult(ctx, exec.ID, "reserve", domain.Success(7, nil), base)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, _, err = s.RecordStepStart(ctx, exec.ID, "charge", base)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepRunning, got.Steps["reserve"].Status)
	assert.Nil(t, got.Steps["charge"])
}

func testApproval(t *testing.T, s ports.Store) {
	ctx := context.Background()
	exec := create(t, s)
	succeed(t, s, exec.ID, "reserve")

	run, won, err := s.RecordStepStart(ctx, exec.ID, "charge", base)
	require.NoError(t, err)
	require.True(t, won)
	assert.Equal(t, 0, run.Attempts)

	updated, err := s.RecordStepResult(ctx, exec.ID, "charge", domain.AwaitApproval(0), base)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionAwaitingApproval, updated.Status)
	require.NotNil(t, updated.Steps["charge"].Approval.Deadline)
	assert.Equal(t, base.Add(time.Hour), updated.Steps["charge"].Approval.Deadline.UTC())

	updated, err = s.ResolveApproval(ctx, exec.ID, "charge", domain.ApprovalApproved, "ok", base)
	require.NoError(t, err)
	assert.Equal(t, domain.StepPending, updated.Steps["charge"].Status)

	_, err = s.ResolveApproval(ctx, exec.ID, "charge", domain.ApprovalApproved, "dup", base)
	assert.ErrorIs(t, err, domain.ErrNotAwaitingApproval)

	_, err = s.ResolveApproval(ctx, "missing", "charge", domain.ApprovalApproved, "", base)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testMergeContext(t *testing.T, s ports.Store) {
	ctx := context.Background()
	exec := create(t, s)

	require.NoError(t, s.MergeContext(ctx, exec.ID, domain.Context{"k": "first", "a": 1.0}, base))
	require.NoError(t, s.MergeContext(ctx, exec.ID, domain.Context{"k": "second"}, base))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Context["k"])
	assert.EqualValues(t, 1, got.Context["a"])
	assert.Equal(t, "o-1", got.Context["order_id"])

	assert.ErrorIs(t, s.MergeContext(ctx, "missing", nil, base), domain.ErrNotFound)
}

func testCompensation(t *testing.T, s ports.Store) {
	ctx := context.Background()
	exec := create(t, s)
	succeed(t, s, exec.ID, "reserve")

	updated, err := s.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionCompensating, "cancelled: operator", base)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompensating, updated.Status)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.RecordRollbackStart(ctx, exec.ID, "reserve", base)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepRollingBack, got.Steps["reserve"].Status)
	require.NotNil(t, got.Steps["reserve"].LeaseExpiresAt)

	_, err = s.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionCompensated, "", base)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// An expired claim hands the rollback to the next caller.
	won, err := s.RecordRollbackStart(ctx, exec.ID, "reserve", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	require.NoError(t, s.MarkRolledBack(ctx, exec.ID, "reserve", true, "", base))
	won, err = s.RecordRollbackStart(ctx, exec.ID, "reserve", base)
	require.NoError(t, err)
	assert.False(t, won)

	updated, err = s.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionCompensated, "", base)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompensated, updated.Status)
	assert.Equal(t, "cancelled: operator", updated.StatusReason)
	require.Len(t, updated.Compensation, 1)
	assert.True(t, updated.Compensation[0].Invoked)
	assert.Equal(t, domain.StepRolledBack, updated.Steps["reserve"].Status)

	_, err = s.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionRunning, "", base)
	assert.ErrorIs(t, err, domain.ErrExecutionTerminal)
	_, err = s.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionCompensated, "", base)
	assert.ErrorIs(t, err, domain.ErrExecutionTerminal)
}

func testSchedules(t *testing.T, s ports.Store) {
	ctx := context.Background()

	saved, err := s.SaveSchedule(ctx, &domain.Schedule{
		ID:         "nightly",
		Definition: domain.DefinitionRef{Name: "order"},
		Cron:       "0 2 * * *",
		CatchUp:    domain.CatchUpRunOnce,
		LastFireAt: base,
	})
	require.NoError(t, err)
	assert.True(t, saved.LastFireAt.Equal(base))

	ok, err := s.AdvanceSchedule(ctx, "nightly", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdvanceSchedule(ctx, "nightly", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-registering keeps the persisted fire time.
	_, err = s.SaveSchedule(ctx, &domain.Schedule{
		ID:         "nightly",
		Definition: domain.DefinitionRef{Name: "order"},
		Cron:       "0 3 * * *",
		CatchUp:    domain.CatchUpSkip,
	})
	require.NoError(t, err)

	got, err := s.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", got.Cron)
	assert.Equal(t, domain.CatchUpSkip, got.CatchUp)
	assert.True(t, got.LastFireAt.Equal(base.Add(time.Hour)))

	list, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetSchedule(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.AdvanceSchedule(ctx, "missing", base, base)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
