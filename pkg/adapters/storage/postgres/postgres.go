// Package postgres stores executions and schedules in PostgreSQL.
//
// Every execution is a JSONB document with its status and definition
// projected into columns for listing. Mutations lock the row with
// SELECT ... FOR UPDATE inside a transaction, which makes step start a
// compare-and-set across processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS dagoflow_executions (
	id          TEXT PRIMARY KEY,
	definition  TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	version     BIGINT NOT NULL,
	document    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS dagoflow_executions_status_idx
	ON dagoflow_executions (status, created_at);
CREATE TABLE IF NOT EXISTS dagoflow_schedules (
	id           TEXT PRIMARY KEY,
	last_fire_at TIMESTAMPTZ NOT NULL,
	document     JSONB NOT NULL
);`

// Store implements ExecutionStore and ScheduleStore on a pgx pool
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a store on pool. Call Migrate before first use.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger, now: time.Now}
}

// Migrate creates the tables when missing
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreateExecution allocates a new pending execution
func (s *Store) CreateExecution(ctx context.Context, spec domain.ExecutionSpec) (*domain.Execution, error) {
	exec := domain.NewExecution(uuid.New().String(), spec, s.now())

	doc, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dagoflow_executions (id, definition, status, created_at, updated_at, version, document)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ID, exec.Definition.Name, string(exec.Status), exec.CreatedAt, exec.UpdatedAt, exec.Version, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}
	return exec, nil
}

// GetExecution loads an execution
func (s *Store) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM dagoflow_executions WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return decodeExecution(doc)
}

// ListExecutions returns executions matching filter, oldest first
func (s *Store) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]*domain.Execution, error) {
	query := `SELECT document FROM dagoflow_executions WHERE TRUE`
	var args []any
	if filter.Definition != "" {
		args = append(args, filter.Definition)
		query += fmt.Sprintf(` AND definition = $%d`, len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read executions: %w", err)
	}

	out := make([]*domain.Execution, 0, len(docs))
	for _, doc := range docs {
		exec, err := decodeExecution(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// ListRunnableSteps returns the steps that may be started at now
func (s *Store) ListRunnableSteps(ctx context.Context, executionID string, now time.Time) ([]string, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec.RunnableSteps(now), nil
}

// RecordStepStart transitions a step to running under a row lock
func (s *Store) RecordStepStart(ctx context.Context, executionID, step string, now time.Time) (*domain.StepRun, bool, error) {
	var run *domain.StepRun
	var won bool
	_, err := s.mutate(ctx, executionID, func(exec *domain.Execution) (bool, error) {
		var err error
		run, won, err = exec.StartStep(step, now)
		return won, err
	})
	return run, won, err
}

// RecordStepResult applies an attempt outcome
func (s *Store) RecordStepResult(ctx context.Context, executionID, step string, outcome domain.Outcome, now time.Time) (*domain.Execution, error) {
	return s.mutate(ctx, executionID, func(exec *domain.Execution) (bool, error) {
		_, err := exec.ApplyOutcome(step, outcome, now)
		return true, err
	})
}

// ResolveApproval applies an approval decision
func (s *Store) ResolveApproval(ctx context.Context, executionID, step string, decision domain.ApprovalDecision, note string, now time.Time) (*domain.Execution, error) {
	return s.mutate(ctx, executionID, func(exec *domain.Execution) (bool, error) {
		_, err := exec.ResolveApproval(step, decision, note, now)
		return true, err
	})
}

// MergeContext shallow-merges payload into the execution context
func (s *Store) MergeContext(ctx context.Context, executionID string, payload domain.Context, now time.Time) error {
	_, err := s.mutate(ctx, executionID, func(exec *domain.Execution) (bool, error) {
		return true, exec.MergeContext(payload, now)
	})
	return err
}

// UpdateExecutionStatus forces a status transition
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, reason string, now time.Time) (*domain.Execution, error) {
	return s.mutate(ctx, executionID, func(exec *domain.Execution) (bool, error) {
		return true, exec.SetStatus(status, reason, now)
	})
}

// RecordRollbackStart claims a rollback under the row lock
func (s *Store) RecordRollbackStart(ctx context.Context, executionID, step string, now time.Time) (bool, error) {
	var won bool
	_, err := s.mutate(ctx, executionID, func(exec *domain.Execution) (bool, error) {
		var err error
		won, err = exec.StartRollback(step, now)
		return won, err
	})
	return won, err
}

// MarkRolledBack records the compensation of a step
func (s *Store) MarkRolledBack(ctx context.Context, executionID, step string, invoked bool, rollbackErr string, now time.Time) error {
	_, err := s.mutate(ctx, executionID, func(exec *domain.Execution) (bool, error) {
		return true, exec.MarkRolledBack(step, invoked, rollbackErr, now)
	})
	return err
}

// SaveSchedule creates or replaces a schedule, keeping a stored LastFireAt
func (s *Store) SaveSchedule(ctx context.Context, schedule *domain.Schedule) (*domain.Schedule, error) {
	if schedule.ID == "" {
		return nil, fmt.Errorf("schedule id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	saved := schedule.Clone()
	existing, err := loadSchedule(ctx, tx, schedule.ID, true)
	switch {
	case err == nil:
		saved.LastFireAt = existing.LastFireAt
		saved.CreatedAt = existing.CreatedAt
	case errors.Is(err, domain.ErrNotFound):
		saved.CreatedAt = now
		if saved.LastFireAt.IsZero() {
			saved.LastFireAt = now
		}
	default:
		return nil, err
	}
	saved.UpdatedAt = now

	if err := storeSchedule(ctx, tx, saved); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

// GetSchedule loads a schedule
func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	return loadSchedule(ctx, s.pool, id, false)
}

// ListSchedules returns all schedules ordered by id
func (s *Store) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM dagoflow_schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules: %w", err)
	}
	out := make([]*domain.Schedule, 0, len(docs))
	for _, doc := range docs {
		var schedule domain.Schedule
		if err := json.Unmarshal(doc, &schedule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
		}
		out = append(out, &schedule)
	}
	return out, nil
}

// AdvanceSchedule moves LastFireAt from prev to next if nobody else did
func (s *Store) AdvanceSchedule(ctx context.Context, id string, prev, next time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	schedule, err := loadSchedule(ctx, tx, id, true)
	if err != nil {
		return false, err
	}
	if !schedule.LastFireAt.Equal(prev) {
		return false, nil
	}
	schedule.LastFireAt = next
	schedule.UpdatedAt = s.now()
	if err := storeSchedule(ctx, tx, schedule); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Close is a no-op; the pool is closed by its owner
func (s *Store) Close() error {
	return nil
}

func (s *Store) mutate(ctx context.Context, executionID string, fn func(exec *domain.Execution) (bool, error)) (*domain.Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT document FROM dagoflow_executions WHERE id = $1 FOR UPDATE`, executionID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock execution: %w", err)
	}
	exec, err := decodeExecution(doc)
	if err != nil {
		return nil, err
	}

	changed, err := fn(exec)
	if err != nil {
		return nil, err
	}
	if !changed {
		return exec, nil
	}

	doc, err = json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE dagoflow_executions SET status = $2, updated_at = $3, version = $4, document = $5 WHERE id = $1`,
		exec.ID, string(exec.Status), exec.UpdatedAt, exec.Version, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return exec, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadSchedule(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Schedule, error) {
	query := `SELECT document FROM dagoflow_schedules WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var doc []byte
	if err := q.QueryRow(ctx, query, id).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	var schedule domain.Schedule
	if err := json.Unmarshal(doc, &schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	return &schedule, nil
}

func storeSchedule(ctx context.Context, tx pgx.Tx, schedule *domain.Schedule) error {
	doc, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO dagoflow_schedules (id, last_fire_at, document) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET last_fire_at = EXCLUDED.last_fire_at, document = EXCLUDED.document`,
		schedule.ID, schedule.LastFireAt, doc)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

func decodeExecution(doc []byte) (*domain.Execution, error) {
	var exec domain.Execution
	if err := json.Unmarshal(doc, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	if exec.Steps == nil {
		exec.Steps = make(map[string]*domain.StepRun)
	}
	return &exec, nil
}
