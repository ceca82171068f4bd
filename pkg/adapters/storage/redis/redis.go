package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
)

const (
	defaultPrefix     = "dagoflow:"
	defaultMaxRetries = 64
)

// Store implements ExecutionStore and ScheduleStore using Redis.
//
// Each execution is one JSON document, indexed by creation time and by
// status. Mutations run in WATCH/MULTI transactions: the document is read,
// changed and written back only if nobody else wrote it in between,
// otherwise the transaction is retried. The status sets are updated in the
// same transaction as the document.
type Store struct {
	client     *redis.Client
	logger     *zap.Logger
	prefix     string
	ttl        time.Duration
	maxRetries int
	now        func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL expires finished execution documents ttl after they reach a
// terminal status. Active executions never expire. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithMaxRetries bounds optimistic transaction retries per mutation
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithClock overrides the clock used for creation timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		client:     client,
		logger:     logger,
		prefix:     defaultPrefix,
		maxRetries: defaultMaxRetries,
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

	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.executionKey(exec.ID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(exec.CreatedAt.UnixNano()), Member: exec.ID})
		pipe.SAdd(ctx, s.statusKey(exec.Status), exec.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	s.logger.Debug("execution created",
		zap.String("execution_id", exec.ID),
		zap.String("definition", exec.Definition.String()))

	return exec, nil
}

// GetExecution loads an execution
func (s *Store) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	data, err := s.client.Get(ctx, s.executionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return decodeExecution(data)
}

// ListExecutions returns executions matching filter, oldest first. A
// status filter reads only the matching status sets.
func (s *Store) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]*domain.Execution, error) {
	if len(filter.Statuses) == 0 {
		ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list executions: %w", err)
		}
		return s.loadExecutions(ctx, ids, filter, filter.Limit)
	}

	keys := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		keys = append(keys, s.statusKey(status))
	}
	ids, err := s.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	out, err := s.loadExecutions(ctx, ids, filter, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// loadExecutions fetches ids in batches and keeps those matching filter,
// stopping once limit are found. Documents gone by TTL are dropped from
// the indexes.
func (s *Store) loadExecutions(ctx context.Context, ids []string, filter domain.ExecutionFilter, limit int) ([]*domain.Execution, error) {
	out := make([]*domain.Execution, 0, len(ids))
	const batch = 100
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.executionKey(id))
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load executions: %w", err)
		}
		for i, value := range values {
			id := ids[start+i]
			raw, ok := value.(string)
			if !ok {
				s.forget(ctx, id)
				continue
			}
			exec, err := decodeExecution([]byte(raw))
			if err != nil {
				s.logger.Warn("skipping undecodable execution",
					zap.String("execution_id", id),
					zap.Error(err))
				continue
			}
			if filter.Matches(exec) {
				out = append(out, exec)
			}
		}
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

// forget removes an expired execution from the indexes. Only terminal
// executions carry a TTL.
func (s *Store) forget(ctx context.Context, id string) {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.indexKey(), id)
		for _, status := range []domain.ExecutionStatus{domain.ExecutionCompleted, domain.ExecutionFailed, domain.ExecutionCompensated} {
			pipe.SRem(ctx, s.statusKey(status), id)
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("failed to drop expired execution from indexes",
			zap.String("execution_id", id),
			zap.Error(err))
	}
}

// ListRunnableSteps returns the steps that may be started at now
func (s *Store) ListRunnableSteps(ctx context.Context, executionID string, now time.Time) ([]string, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec.RunnableSteps(now), nil
}

// RecordStepStart transitions a step to running in a CAS transaction
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

// RecordRollbackStart claims a rollback in a CAS transaction
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

	var saved *domain.Schedule
	err := s.withRetries(ctx, s.schedulesKey(), func(tx *redis.Tx) error {
		now := s.now()
		saved = schedule.Clone()

		existing, err := s.loadSchedule(ctx, tx, schedule.ID)
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
			return err
		}
		saved.UpdatedAt = now

		return s.storeSchedule(ctx, tx, saved)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// GetSchedule loads a schedule
func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	return s.loadSchedule(ctx, s.client, id)
}

// ListSchedules returns all schedules ordered by id
func (s *Store) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	values, err := s.client.HGetAll(ctx, s.schedulesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	out := make([]*domain.Schedule, 0, len(values))
	for id, raw := range values {
		var schedule domain.Schedule
		if err := json.Unmarshal([]byte(raw), &schedule); err != nil {
			s.logger.Warn("skipping undecodable schedule", zap.String("schedule_id", id), zap.Error(err))
			continue
		}
		out = append(out, &schedule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AdvanceSchedule moves LastFireAt from prev to next if nobody else did
func (s *Store) AdvanceSchedule(ctx context.Context, id string, prev, next time.Time) (bool, error) {
	advanced := false
	err := s.withRetries(ctx, s.schedulesKey(), func(tx *redis.Tx) error {
		schedule, err := s.loadSchedule(ctx, tx, id)
		if err != nil {
			return err
		}
		if !schedule.LastFireAt.Equal(prev) {
			advanced = false
			return nil
		}
		schedule.LastFireAt = next
		schedule.UpdatedAt = s.now()
		advanced = true
		return s.storeSchedule(ctx, tx, schedule)
	})
	return advanced, err
}

// Close is a no-op; the Redis client is closed by its owner
func (s *Store) Close() error {
	return nil
}

// mutate runs fn against the stored execution inside a WATCH transaction.
// fn reports whether it changed anything; unchanged documents are not
// written back.
func (s *Store) mutate(ctx context.Context, executionID string, fn func(exec *domain.Execution) (bool, error)) (*domain.Execution, error) {
	key := s.executionKey(executionID)

	var result *domain.Execution
	err := s.withRetries(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to get execution: %w", err)
		}
		exec, err := decodeExecution(data)
		if err != nil {
			return err
		}
		prev := exec.Status

		changed, err := fn(exec)
		if err != nil {
			return err
		}
		result = exec
		if !changed {
			return nil
		}

		out, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution: %w", err)
		}
		var ttl time.Duration
		if exec.Status.IsTerminal() {
			ttl = s.ttl
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			if exec.Status != prev {
				pipe.SRem(ctx, s.statusKey(prev), exec.ID)
				pipe.SAdd(ctx, s.statusKey(exec.Status), exec.ID)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) withRetries(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("optimistic transaction conflict, retrying",
			zap.String("key", key),
			zap.Int("attempt", i+1))
	}
	return fmt.Errorf("failed to update %s: too many concurrent writers", key)
}

func (s *Store) loadSchedule(ctx context.Context, c hashGetter, id string) (*domain.Schedule, error) {
	raw, err := c.HGet(ctx, s.schedulesKey(), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	var schedule domain.Schedule
	if err := json.Unmarshal(raw, &schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	return &schedule, nil
}

func (s *Store) storeSchedule(ctx context.Context, tx *redis.Tx, schedule *domain.Schedule) error {
	data, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.schedulesKey(), schedule.ID, data)
		return nil
	})
	return err
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func decodeExecution(data []byte) (*domain.Execution, error) {
	var exec domain.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	if exec.Steps == nil {
		exec.Steps = make(map[string]*domain.StepRun)
	}
	return &exec, nil
}

func (s *Store) executionKey(id string) string {
	return s.prefix + "execution:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + "executions"
}

func (s *Store) statusKey(status domain.ExecutionStatus) string {
	return s.prefix + "executions:status:" + string(status)
}

func (s *Store) schedulesKey() string {
	return s.prefix + "schedules"
}
