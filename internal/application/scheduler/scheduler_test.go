package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aescanero/dagoflow/pkg/adapters/storage/memory"
	"github.com/aescanero/dagoflow/pkg/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeStarter struct {
	mu       sync.Mutex
	triggers []domain.Trigger
	fail     bool
}

func (f *fakeStarter) StartExecution(ctx context.Context, ref domain.DefinitionRef, input domain.Context, trigger domain.Trigger) (*domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("boom")
	}
	f.triggers = append(f.triggers, trigger)
	return &domain.Execution{ID: "exec-" + trigger.ScheduledFor.Format("1504")}, nil
}

func (f *fakeStarter) fired() []domain.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.Trigger(nil), f.triggers...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledFor.Before(*out[j].ScheduledFor)
	})
	return out
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 14, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	sched   *Scheduler
	store   *memory.Store
	starter *fakeStarter
	clock   *fakeClock
}

func newFixture(t *testing.T, cfg Config, now time.Time) *fixture {
	t.Helper()
	clock := &fakeClock{t: now}
	store := memory.NewStore(memory.WithClock(clock.Now))
	starter := &fakeStarter{}
	sched := New(store, starter, nil, zaptest.NewLogger(t), cfg, WithClock(clock.Now))
	return &fixture{sched: sched, store: store, starter: starter, clock: clock}
}

func (f *fixture) save(t *testing.T, policy domain.CatchUpPolicy, last time.Time) {
	t.Helper()
	_, err := f.store.SaveSchedule(context.Background(), &domain.Schedule{
		ID:         "hourly",
		Definition: domain.DefinitionRef{Name: "report", Version: 1},
		Cron:       "0 * * * *",
		CatchUp:    policy,
		LastFireAt: last,
	})
	require.NoError(t, err)
}

func (f *fixture) reconcile(t *testing.T) {
	t.Helper()
	_, err := f.sched.Reconcile(context.Background())
	require.NoError(t, err)
	f.sched.fires.Wait()
}

var defaultConfig = Config{MisfireGrace: time.Minute}

func TestRunOnceFiresLatestMissedTick(t *testing.T) {
	f := newFixture(t, defaultConfig, at(12, 30))
	f.save(t, domain.CatchUpRunOnce, at(9, 0))

	f.reconcile(t)

	fired := f.starter.fired()
	require.Len(t, fired, 1)
	assert.Equal(t, domain.TriggerScheduled, fired[0].Kind)
	assert.Equal(t, "hourly", fired[0].ScheduleID)
	assert.Equal(t, at(12, 0), *fired[0].ScheduledFor)
	assert.Equal(t, 3, fired[0].CaughtUp)

	sc, err := f.store.GetSchedule(context.Background(), "hourly")
	require.NoError(t, err)
	assert.Equal(t, at(12, 30), sc.LastFireAt)

	// A second wake with nothing new due fires nothing.
	f.reconcile(t)
	assert.Len(t, f.starter.fired(), 1)
}

func TestSkipDropsMissedTicks(t *testing.T) {
	f := newFixture(t, defaultConfig, at(12, 30))
	f.save(t, domain.CatchUpSkip, at(9, 0))

	f.reconcile(t)

	assert.Empty(t, f.starter.fired())
	sc, err := f.store.GetSchedule(context.Background(), "hourly")
	require.NoError(t, err)
	assert.Equal(t, at(12, 30), sc.LastFireAt)
}

func TestReplayFiresEachMissedTick(t *testing.T) {
	f := newFixture(t, defaultConfig, at(12, 30))
	f.save(t, domain.CatchUpReplay, at(9, 0))

	f.reconcile(t)

	fired := f.starter.fired()
	require.Len(t, fired, 3)
	for i, want := range []time.Time{at(10, 0), at(11, 0), at(12, 0)} {
		assert.Equal(t, want, *fired[i].ScheduledFor)
		assert.Equal(t, 1, fired[i].CaughtUp)
	}
}

func TestReplayKeepsMostRecentTicks(t *testing.T) {
	cfg := defaultConfig
	cfg.MaxReplay = 2
	f := newFixture(t, cfg, at(12, 30))
	f.save(t, domain.CatchUpReplay, at(6, 0))

	f.reconcile(t)

	fired := f.starter.fired()
	require.Len(t, fired, 2)
	assert.Equal(t, at(11, 0), *fired[0].ScheduledFor)
	assert.Equal(t, at(12, 0), *fired[1].ScheduledFor)
}

func TestOnTimeTickFiresUnderEveryPolicy(t *testing.T) {
	for _, policy := range []domain.CatchUpPolicy{domain.CatchUpSkip, domain.CatchUpRunOnce, domain.CatchUpReplay} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture(t, defaultConfig, at(12, 0).Add(30*time.Second))
			f.save(t, policy, at(11, 30))

			f.reconcile(t)

			fired := f.starter.fired()
			require.Len(t, fired, 1)
			assert.Equal(t, at(12, 0), *fired[0].ScheduledFor)
			assert.Zero(t, fired[0].CaughtUp)
		})
	}
}

func TestCatchUpWindowBoundsMissedTicks(t *testing.T) {
	cfg := defaultConfig
	cfg.CatchUpWindow = 90 * time.Minute
	f := newFixture(t, cfg, at(12, 30))
	f.save(t, domain.CatchUpRunOnce, at(6, 0))

	f.reconcile(t)

	fired := f.starter.fired()
	require.Len(t, fired, 1)
	assert.Equal(t, at(12, 0), *fired[0].ScheduledFor)
	assert.Equal(t, 1, fired[0].CaughtUp)
}

func TestConcurrentSchedulersFireOnce(t *testing.T) {
	f := newFixture(t, defaultConfig, at(12, 30))
	f.save(t, domain.CatchUpRunOnce, at(9, 0))
	other := New(f.store, f.starter, nil, zaptest.NewLogger(t), defaultConfig, WithClock(f.clock.Now))

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{f.sched, other} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, err := s.Reconcile(context.Background())
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()
	f.sched.fires.Wait()
	other.fires.Wait()

	assert.Len(t, f.starter.fired(), 1)
}

func TestStartFailureDoesNotRewindSchedule(t *testing.T) {
	f := newFixture(t, defaultConfig, at(12, 30))
	f.save(t, domain.CatchUpRunOnce, at(9, 0))
	f.starter.fail = true

	f.reconcile(t)

	sc, err := f.store.GetSchedule(context.Background(), "hourly")
	require.NoError(t, err)
	assert.Equal(t, at(12, 30), sc.LastFireAt)
}

func TestRegister(t *testing.T) {
	f := newFixture(t, defaultConfig, at(12, 30))
	ctx := context.Background()

	saved, err := f.sched.Register(ctx, domain.Schedule{
		Definition: domain.DefinitionRef{Name: "report", Version: 1},
		Cron:       "*/15 * * * *",
	})
	require.NoError(t, err)
	assert.Equal(t, "report", saved.ID)
	assert.Equal(t, domain.CatchUpRunOnce, saved.CatchUp)
	assert.Equal(t, at(12, 30), saved.LastFireAt)

	_, err = f.sched.Register(ctx, domain.Schedule{
		Definition: domain.DefinitionRef{Name: "report"},
		Cron:       "not a cron",
	})
	assert.Error(t, err)

	_, err = f.sched.Register(ctx, domain.Schedule{
		Definition: domain.DefinitionRef{Name: "report"},
		Cron:       "@hourly",
		CatchUp:    "sometimes",
	})
	assert.Error(t, err)

	_, err = f.sched.Register(ctx, domain.Schedule{Cron: "@hourly"})
	assert.Error(t, err)

	list, err := f.sched.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStartReconcilesThenStops(t *testing.T) {
	cfg := defaultConfig
	cfg.PollInterval = 10 * time.Millisecond
	f := newFixture(t, cfg, at(12, 30))
	f.save(t, domain.CatchUpRunOnce, at(9, 0))

	require.NoError(t, f.sched.Start(context.Background()))
	assert.Error(t, f.sched.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(f.starter.fired()) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.sched.Stop(ctx))
	assert.Len(t, f.starter.fired(), 1)
}
