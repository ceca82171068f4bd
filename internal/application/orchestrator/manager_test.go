package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aescanero/dagoflow/internal/application/graph"
	"github.com/aescanero/dagoflow/internal/application/retry"
	"github.com/aescanero/dagoflow/internal/application/workers"
	eventsmemory "github.com/aescanero/dagoflow/pkg/adapters/events/memory"
	"github.com/aescanero/dagoflow/pkg/adapters/storage/memory"
	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

var testConfig = Config{
	DefaultStepTimeout: 5 * time.Second,
	LeaseGrace:         time.Second,
	StoreRetry: domain.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	},
}

type harness struct {
	mgr   *Manager
	store ports.ExecutionStore
	bus   *eventsmemory.EventBus
}

func newHarness(t *testing.T, store ports.ExecutionStore, cfg Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	bus := eventsmemory.NewEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	pool := workers.NewPool(4, 16, nil, logger, 0)
	require.NoError(t, pool.Start())

	mgr := NewManager(
		store,
		graph.NewRegistry(graph.NewCompiler(nil)),
		pool,
		workers.NewRunner(logger),
		retry.NewEvaluator(domain.RetryPolicy{MaxAttempts: 1}, retry.WithSeed(1)),
		bus,
		nil,
		logger,
		cfg,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &harness{mgr: mgr, store: store, bus: bus}
}

func (h *harness) waitFor(t *testing.T, id string, statuses ...domain.ExecutionStatus) *domain.Execution {
	t.Helper()
	var exec *domain.Execution
	require.Eventually(t, func() bool {
		var err error
		exec, err = h.mgr.GetExecution(context.Background(), id)
		require.NoError(t, err)
		for _, status := range statuses {
			if exec.Status == status {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "execution never reached %v", statuses)
	return exec
}

// calls records handler invocations in order
type calls struct {
	mu    sync.Mutex
	names []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func (c *calls) count(name string) int {
	n := 0
	for _, got := range c.list() {
		if got == name {
			n++
		}
	}
	return n
}

func rollback(c *calls, name string) domain.RollbackFunc {
	return func(context.Context, domain.StepInput) error {
		c.add(name)
		return nil
	}
}

func orderDefinition(c *calls, chargeFailures int32, maxAttempts int) domain.WorkflowDefinition {
	var attempts atomic.Int32
	return domain.WorkflowDefinition{
		Name: "order",
		Steps: []domain.StepDefinition{
			{
				Name: "reserve",
				Handler: func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
					return domain.Context{"reservation": "r-1"}, nil
				},
				Rollback: rollback(c, "release"),
			},
			{
				Name:  "charge",
				After: []string{"reserve"},
				Handler: func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
					if in.Context["reservation"] != "r-1" {
						return nil, errors.New("missing reservation")
					}
					if attempts.Add(1) <= chargeFailures {
						return nil, errors.New("card declined")
					}
					return domain.Context{"charge": "c-1"}, nil
				},
				Rollback: rollback(c, "refund"),
				Retry: &domain.RetryPolicy{
					MaxAttempts:  maxAttempts,
					InitialDelay: 10 * time.Millisecond,
					MaxDelay:     50 * time.Millisecond,
					Multiplier:   2,
				},
			},
		},
	}
}

func TestChargeSucceedsOnRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.NewStore(), testConfig)
	var c calls
	_, err := h.mgr.RegisterDefinition(orderDefinition(&c, 1, 2))
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "order"}, domain.Context{"order": 7}, domain.Trigger{})
	require.NoError(t, err)

	exec = h.waitFor(t, exec.ID, domain.ExecutionCompleted, domain.ExecutionCompensated, domain.ExecutionFailed)
	require.Equal(t, domain.ExecutionCompleted, exec.Status)

	assert.Equal(t, domain.StepSucceeded, exec.Steps["reserve"].Status)
	assert.Equal(t, 1, exec.Steps["reserve"].Attempts)
	assert.Equal(t, domain.StepSucceeded, exec.Steps["charge"].Status)
	assert.Equal(t, 2, exec.Steps["charge"].Attempts)
	assert.Empty(t, c.list(), "no compensation expected")
	assert.Equal(t, domain.Context{"order": 7, "reservation": "r-1", "charge": "c-1"}, exec.Context)
	assert.Equal(t, domain.TriggerManual, exec.Trigger.Kind)
}

func TestExhaustedChargeIsCompensated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.NewStore(), testConfig)
	var c calls
	_, err := h.mgr.RegisterDefinition(orderDefinition(&c, 100, 3))
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "order"}, nil, domain.Trigger{})
	require.NoError(t, err)

	exec = h.waitFor(t, exec.ID, domain.ExecutionCompleted, domain.ExecutionCompensated, domain.ExecutionFailed)
	require.Equal(t, domain.ExecutionCompensated, exec.Status)

	assert.Equal(t, 1, c.count("release"))
	assert.Equal(t, 0, c.count("refund"))
	assert.Equal(t, domain.StepRolledBack, exec.Steps["reserve"].Status)
	assert.Equal(t, domain.StepFailed, exec.Steps["charge"].Status)
	assert.Equal(t, 3, exec.Steps["charge"].Attempts)
	require.Len(t, exec.Compensation, 1)
	assert.True(t, exec.Compensation[0].Invoked)
	assert.Contains(t, exec.StatusReason, "card declined")
}

func TestDiamondCompensationOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.NewStore(), testConfig)
	var c calls

	ok := func(context.Context, domain.StepInput) (domain.Context, error) { return nil, nil }
	_, err := h.mgr.RegisterDefinition(domain.WorkflowDefinition{
		Name: "diamond",
		Steps: []domain.StepDefinition{
			{Name: "A", Handler: ok, Rollback: rollback(&c, "A")},
			{Name: "B", After: []string{"A"}, Handler: ok, Rollback: rollback(&c, "B")},
			{Name: "C", After: []string{"A"}, Handler: ok, Rollback: rollback(&c, "C")},
			{
				Name:  "D",
				After: []string{"B", "C"},
				Handler: func(context.Context, domain.StepInput) (domain.Context, error) {
					return nil, errors.New("boom")
				},
				Rollback: rollback(&c, "D"),
			},
		},
	})
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "diamond"}, nil, domain.Trigger{})
	require.NoError(t, err)

	exec = h.waitFor(t, exec.ID, domain.ExecutionCompensated, domain.ExecutionFailed)
	assert.Equal(t, domain.ExecutionCompensated, exec.Status)
	assert.Equal(t, []string{"C", "B", "A"}, c.list())
}

func TestRollbackFailureDoesNotStopCompensation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.NewStore(), testConfig)
	var c calls

	ok := func(context.Context, domain.StepInput) (domain.Context, error) { return nil, nil }
	_, err := h.mgr.RegisterDefinition(domain.WorkflowDefinition{
		Name: "chain",
		Steps: []domain.StepDefinition{
			{Name: "a", Handler: ok, Rollback: rollback(&c, "a")},
			{Name: "b", After: []string{"a"}, Handler: ok, Rollback: func(context.Context, domain.StepInput) error {
				c.add("b")
				return errors.New("refund service down")
			}},
			{Name: "c", After: []string{"b"}, Handler: ok},
			{Name: "d", After: []string{"c"}, Handler: func(context.Context, domain.StepInput) (domain.Context, error) {
				panic("unexpected")
			}},
		},
	})
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "chain"}, nil, domain.Trigger{})
	require.NoError(t, err)

	exec = h.waitFor(t, exec.ID, domain.ExecutionCompensated, domain.ExecutionFailed)
	assert.Equal(t, domain.ExecutionCompensated, exec.Status)
	assert.Equal(t, []string{"b", "a"}, c.list())
	assert.Equal(t, domain.StepErrorPanic, exec.Steps["d"].LastError.Kind)

	require.Len(t, exec.Compensation, 3)
	assert.Equal(t, "c", exec.Compensation[0].Step)
	assert.False(t, exec.Compensation[0].Invoked)
	assert.Equal(t, "b", exec.Compensation[1].Step)
	assert.Contains(t, exec.Compensation[1].Error, "refund service down")
	assert.Equal(t, domain.StepRolledBack, exec.Steps["c"].Status)
}

func approvalDefinition(c *calls) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name: "payout",
		Steps: []domain.StepDefinition{
			{
				Name:     "prepare",
				Handler:  func(context.Context, domain.StepInput) (domain.Context, error) { return domain.Context{"amount": 10}, nil },
				Rollback: rollback(c, "unprepare"),
			},
			{
				Name:          "pay",
				After:         []string{"prepare"},
				AwaitApproval: true,
				Handler: func(context.Context, domain.StepInput) (domain.Context, error) {
					c.add("pay")
					return domain.Context{"paid": true}, nil
				},
			},
		},
	}
}

func TestApprovalRunsHandlerOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.NewStore(), testConfig)
	var c calls
	_, err := h.mgr.RegisterDefinition(approvalDefinition(&c))
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "payout"}, nil, domain.Trigger{})
	require.NoError(t, err)

	exec = h.waitFor(t, exec.ID, domain.ExecutionAwaitingApproval)
	assert.Equal(t, domain.StepAwaitingApproval, exec.Steps["pay"].Status)
	assert.Equal(t, 0, exec.Steps["pay"].Attempts)
	assert.Equal(t, 0, c.count("pay"))
	assert.Eventually(t, func() bool { return h.mgr.activeDrivers() == 0 }, time.Second, 5*time.Millisecond,
		"a suspended execution holds no driver")

	_, err = h.mgr.SignalApproval(ctx, exec.ID, "pay", domain.ApprovalApproved, "ok")
	require.NoError(t, err)

	exec = h.waitFor(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 1, c.count("pay"))
	assert.Equal(t, 1, exec.Steps["pay"].Attempts)
	assert.Equal(t, domain.ApprovalApproved, exec.Steps["pay"].Approval.Decision)

	_, err = h.mgr.SignalApproval(ctx, exec.ID, "pay", domain.ApprovalApproved, "again")
	assert.ErrorIs(t, err, domain.ErrNotAwaitingApproval)
	assert.Equal(t, 1, c.count("pay"))

	_, err = h.mgr.SignalApproval(ctx, "missing", "pay", domain.ApprovalApproved, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRejectedApprovalCompensates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.NewStore(), testConfig)
	var c calls
	_, err := h.mgr.RegisterDefinition(approvalDefinition(&c))
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "payout"}, nil, domain.Trigger{})
	require.NoError(t, err)
	h.waitFor(t, exec.ID, domain.ExecutionAwaitingApproval)

	_, err = h.mgr.SignalApproval(ctx, exec.ID, "pay", domain.ApprovalRejected, "too large")
	require.NoError(t, err)

	exec = h.waitFor(t, exec.ID, domain.ExecutionCompensated, domain.ExecutionFailed)
	assert.Equal(t, domain.ExecutionCompensated, exec.Status)
	assert.Equal(t, []string{"unprepare"}, c.list())
	assert.ErrorIs(t, exec.Steps["pay"].LastError, domain.ErrApprovalRejected)
}

func TestApprovalTimeoutRejects(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig
	cfg.ReconcileInterval = 10 * time.Millisecond
	h := newHarness(t, memory.NewStore(), cfg)

	_, err := h.mgr.RegisterDefinition(domain.WorkflowDefinition{
		Name: "gate",
		Steps: []domain.StepDefinition{
			{Name: "sign-off", AwaitApproval: true, ApprovalTimeout: 20 * time.Millisecond},
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.mgr.Start(ctx))

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "gate"}, nil, domain.Trigger{})
	require.NoError(t, err)

	exec = h.waitFor(t, exec.ID, domain.ExecutionFailed, domain.ExecutionCompensated)
	assert.Equal(t, domain.ExecutionFailed, exec.Status, "nothing succeeded, nothing to compensate")
	assert.Equal(t, domain.StepErrorRejected, exec.Steps["sign-off"].LastError.Kind)
	assert.Contains(t, exec.Steps["sign-off"].LastError.Message, approvalTimeoutNote)
}

func TestCancelLetsRunningStepFinish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.NewStore(), testConfig)
	var c calls

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := h.mgr.RegisterDefinition(domain.WorkflowDefinition{
		Name: "slow",
		Steps: []domain.StepDefinition{
			{
				Name:     "first",
				Handler:  func(context.Context, domain.StepInput) (domain.Context, error) { return nil, nil },
				Rollback: rollback(&c, "first"),
			},
			{
				Name:  "second",
				After: []string{"first"},
				Handler: func(context.Context, domain.StepInput) (domain.Context, error) {
					close(started)
					<-release
					return nil, nil
				},
				Rollback: rollback(&c, "second"),
			},
			{
				Name:    "third",
				After:   []string{"second"},
				Handler: func(context.Context, domain.StepInput) (domain.Context, error) { c.add("third"); return nil, nil },
			},
		},
	})
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "slow"}, nil, domain.Trigger{})
	require.NoError(t, err)

	<-started
	cancelled, err := h.mgr.CancelExecution(ctx, exec.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompensating, cancelled.Status)
	close(release)

	exec = h.waitFor(t, exec.ID, domain.ExecutionCompensated, domain.ExecutionFailed)
	assert.Equal(t, domain.ExecutionCompensated, exec.Status)
	assert.Equal(t, []string{"second", "first"}, c.list())
	assert.Contains(t, exec.StatusReason, "operator request")
	assert.Nil(t, exec.Steps["third"])

	_, err = h.mgr.CancelExecution(ctx, exec.ID, "")
	assert.ErrorIs(t, err, domain.ErrExecutionTerminal)
}

func TestRecoverResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	var c calls

	first := newHarness(t, store, testConfig)
	_, err := first.mgr.RegisterDefinition(approvalDefinition(&c))
	require.NoError(t, err)
	exec, err := first.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "payout"}, nil, domain.Trigger{})
	require.NoError(t, err)
	first.waitFor(t, exec.ID, domain.ExecutionAwaitingApproval)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, first.mgr.Shutdown(shutdownCtx))

	second := newHarness(t, store, testConfig)
	_, err = second.mgr.RegisterDefinition(approvalDefinition(&c))
	require.NoError(t, err)
	require.NoError(t, second.mgr.Start(ctx))

	_, err = second.mgr.SignalApproval(ctx, exec.ID, "pay", domain.ApprovalApproved, "")
	require.NoError(t, err)
	exec = second.waitFor(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 1, c.count("pay"))
}

func TestRecoverRerunsStepWithExpiredLease(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	h := newHarness(t, store, testConfig)

	var runs atomic.Int32
	g, err := h.mgr.RegisterDefinition(domain.WorkflowDefinition{
		Name: "lease",
		Steps: []domain.StepDefinition{
			{
				Name:    "work",
				Timeout: 50 * time.Millisecond,
				Handler: func(context.Context, domain.StepInput) (domain.Context, error) {
					runs.Add(1)
					return domain.Context{"done": true}, nil
				},
			},
		},
	})
	require.NoError(t, err)

	// Simulate a process that started the step and crashed a minute ago.
	exec, err := store.CreateExecution(ctx, domain.ExecutionSpec{
		Definition: g.Ref(),
		Plan:       g.Plan(testConfig.DefaultStepTimeout, 10*time.Millisecond),
	})
	require.NoError(t, err)
	_, won, err := store.RecordStepStart(ctx, exec.ID, "work", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, h.mgr.Recover(ctx))

	exec = h.waitFor(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 2, exec.Steps["work"].Attempts)
	assert.Equal(t, domain.StepErrorLeaseExpired, exec.Steps["work"].LastError.Kind)
}

func TestSharedStoreRollsBackOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	var c calls

	entered := make(chan struct{})
	gate := make(chan struct{})
	definition := func() domain.WorkflowDefinition {
		return domain.WorkflowDefinition{
			Name: "order",
			Steps: []domain.StepDefinition{
				{
					Name:    "reserve",
					Handler: func(context.Context, domain.StepInput) (domain.Context, error) { return nil, nil },
					Rollback: func(context.Context, domain.StepInput) error {
						c.add("release")
						if c.count("release") == 1 {
							close(entered)
						}
						<-gate
						return nil
					},
				},
				{
					Name:  "charge",
					After: []string{"reserve"},
					Handler: func(context.Context, domain.StepInput) (domain.Context, error) {
						return nil, errors.New("card declined")
					},
				},
			},
		}
	}

	a := newHarness(t, store, testConfig)
	_, err := a.mgr.RegisterDefinition(definition())
	require.NoError(t, err)
	b := newHarness(t, store, testConfig)
	_, err = b.mgr.RegisterDefinition(definition())
	require.NoError(t, err)

	exec, err := a.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "order"}, nil, domain.Trigger{})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("rollback never started")
	}

	// The second coordinator picks up the compensating execution while the
	// first one is still inside the rollback handler.
	require.NoError(t, b.mgr.Recover(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count("release"))

	got, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepRollingBack, got.Steps["reserve"].Status)

	close(gate)
	exec = a.waitFor(t, exec.ID, domain.ExecutionCompensated, domain.ExecutionFailed)
	assert.Equal(t, domain.ExecutionCompensated, exec.Status)
	require.Len(t, exec.Compensation, 1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count("release"))
}

func TestMaxConcurrentSteps(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig
	cfg.MaxConcurrentSteps = 1
	h := newHarness(t, memory.NewStore(), cfg)

	var running, peak atomic.Int32
	work := func(context.Context, domain.StepInput) (domain.Context, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}
	_, err := h.mgr.RegisterDefinition(domain.WorkflowDefinition{
		Name: "fan",
		Steps: []domain.StepDefinition{
			{Name: "a", Handler: work},
			{Name: "b", Handler: work},
			{Name: "c", Handler: work},
		},
	})
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "fan"}, nil, domain.Trigger{})
	require.NoError(t, err)
	h.waitFor(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, int32(1), peak.Load())
}

func TestLifecycleEventsArePublished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.NewStore(), testConfig)
	var c calls
	_, err := h.mgr.RegisterDefinition(orderDefinition(&c, 1, 2))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []domain.EventType
	record := func(_ context.Context, event domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Type)
		return nil
	}
	_, err = h.bus.Subscribe(ctx, domain.TopicExecutionEvents, record)
	require.NoError(t, err)
	_, err = h.bus.Subscribe(ctx, domain.TopicStepEvents, record)
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "order"}, nil, domain.Trigger{})
	require.NoError(t, err)
	h.waitFor(t, exec.ID, domain.ExecutionCompleted)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return contains(seen, domain.EventExecutionCompleted) &&
			contains(seen, domain.EventStepRetried) &&
			contains(seen, domain.EventStepSucceeded) &&
			contains(seen, domain.EventExecutionStarted)
	}, time.Second, 5*time.Millisecond)
}

func contains(events []domain.EventType, want domain.EventType) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}

func TestStartExecutionUnknownDefinition(t *testing.T) {
	h := newHarness(t, memory.NewStore(), testConfig)
	_, err := h.mgr.StartExecution(context.Background(), domain.DefinitionRef{Name: "nope"}, nil, domain.Trigger{})
	assert.ErrorIs(t, err, domain.ErrUnknownDefinition)
}

// flakyStore fails the first failures CreateExecution calls
type flakyStore struct {
	ports.ExecutionStore
	failures atomic.Int32
}

func (s *flakyStore) CreateExecution(ctx context.Context, spec domain.ExecutionSpec) (*domain.Execution, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return s.ExecutionStore.CreateExecution(ctx, spec)
}

func TestStoreCallsAreRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{ExecutionStore: memory.NewStore()}
	h := newHarness(t, store, testConfig)
	var c calls
	_, err := h.mgr.RegisterDefinition(orderDefinition(&c, 0, 1))
	require.NoError(t, err)

	store.failures.Store(2)
	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "order"}, nil, domain.Trigger{})
	require.NoError(t, err)
	h.waitFor(t, exec.ID, domain.ExecutionCompleted)

	store.failures.Store(10)
	_, err = h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "order"}, nil, domain.Trigger{})
	var persistErr *domain.PersistenceError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "create_execution", persistErr.Op)
}

// countingStore counts the runnable-step queries issued by the drivers
type countingStore struct {
	ports.ExecutionStore
	runnable atomic.Int32
}

func (s *countingStore) ListRunnableSteps(ctx context.Context, executionID string, now time.Time) ([]string, error) {
	s.runnable.Add(1)
	return s.ExecutionStore.ListRunnableSteps(ctx, executionID, now)
}

func TestDriverAsksStoreForRunnableSteps(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{ExecutionStore: memory.NewStore()}
	h := newHarness(t, store, testConfig)
	var c calls
	_, err := h.mgr.RegisterDefinition(orderDefinition(&c, 0, 1))
	require.NoError(t, err)

	exec, err := h.mgr.StartExecution(ctx, domain.DefinitionRef{Name: "order"}, nil, domain.Trigger{})
	require.NoError(t, err)
	h.waitFor(t, exec.ID, domain.ExecutionCompleted)

	// One query per step at least: reserve, then charge.
	assert.GreaterOrEqual(t, store.runnable.Load(), int32(2))
}
