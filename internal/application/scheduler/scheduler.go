package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

// maxTicks bounds the tick walk for very long outages.
const maxTicks = 100000

// Starter starts executions. The orchestrator manager implements it.
type Starter interface {
	StartExecution(ctx context.Context, ref domain.DefinitionRef, input domain.Context, trigger domain.Trigger) (*domain.Execution, error)
}

// Config holds scheduler settings
type Config struct {
	// DefaultCatchUp applies to schedules registered without a policy.
	DefaultCatchUp domain.CatchUpPolicy
	// CatchUpWindow drops ticks older than now-window. Zero keeps all.
	CatchUpWindow time.Duration
	// MisfireGrace is how late a tick may fire and still count as on time.
	MisfireGrace time.Duration
	// MaxReplay caps fires per wake under the replay policy. Zero means no cap.
	MaxReplay int
	// PollInterval bounds the sleep between wakes so schedules saved by
	// other processes are picked up.
	PollInterval time.Duration
}

// Scheduler fires registered schedules
type Scheduler struct {
	store   ports.ScheduleStore
	starter Starter
	metrics ports.MetricsCollector
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	loop    chan struct{}
	fires   sync.WaitGroup
	stopped bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler
func New(store ports.ScheduleStore, starter Starter, metrics ports.MetricsCollector, logger *zap.Logger, cfg Config, opts ...Option) *Scheduler {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultCatchUp == "" {
		cfg.DefaultCatchUp = domain.CatchUpRunOnce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	s := &Scheduler{
		store:   store,
		starter: starter,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates and upserts a schedule. An existing schedule keeps its
// last fire time; a new one starts from now, so nothing is backfilled.
func (s *Scheduler) Register(ctx context.Context, schedule domain.Schedule) (*domain.Schedule, error) {
	if schedule.Definition.Name == "" {
		return nil, fmt.Errorf("schedule definition is required")
	}
	if schedule.ID == "" {
		schedule.ID = schedule.Definition.Name
	}
	if _, err := cron.ParseStandard(schedule.Cron); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", schedule.Cron, err)
	}
	if schedule.CatchUp == "" {
		schedule.CatchUp = s.cfg.DefaultCatchUp
	}
	policy, err := domain.ParseCatchUpPolicy(string(schedule.CatchUp))
	if err != nil {
		return nil, err
	}
	schedule.CatchUp = policy

	saved, err := s.store.SaveSchedule(ctx, &schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to save schedule: %w", err)
	}

	s.logger.Info("schedule registered",
		zap.String("schedule_id", saved.ID),
		zap.String("definition", saved.Definition.String()),
		zap.String("cron", saved.Cron),
		zap.String("catch_up", string(saved.CatchUp)),
		zap.Time("last_fire_at", saved.LastFireAt))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return saved, nil
}

// List returns the registered schedules
func (s *Scheduler) List(ctx context.Context) ([]*domain.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Start reconciles missed fires, then keeps firing schedules until Stop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != nil {
		return fmt.Errorf("scheduler already started")
	}
	if s.stopped {
		return fmt.Errorf("scheduler stopped")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loop = make(chan struct{})

	if _, err := s.Reconcile(ctx); err != nil {
		s.logger.Error("initial schedule reconcile failed", zap.Error(err))
	}

	go s.run(loopCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop ends the loop and waits for in-flight fires to finish
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	cancel, loop := s.cancel, s.loop
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loop
	}

	done := make(chan struct{})
	go func() {
		s.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain schedule fires: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loop)
	for {
		next, err := s.Reconcile(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("schedule reconcile failed", zap.Error(err))
		}

		wait := s.cfg.PollInterval
		if !next.IsZero() {
			if d := next.Sub(s.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

type fire struct {
	at       time.Time
	caughtUp int
}

// Reconcile fires every schedule with due ticks and returns the earliest
// upcoming tick across schedules.
func (s *Scheduler) Reconcile(ctx context.Context) (time.Time, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to list schedules: %w", err)
	}

	now := s.now()
	var next time.Time
	var errs []error
	for _, sc := range schedules {
		spec, err := cron.ParseStandard(sc.Cron)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sc.ID, err))
			continue
		}
		if upcoming := spec.Next(now); next.IsZero() || upcoming.Before(next) {
			next = upcoming
		}

		if spec.Next(sc.LastFireAt).After(now) {
			continue
		}
		fires := s.due(sc, spec, now)

		claimed, err := s.store.AdvanceSchedule(ctx, sc.ID, sc.LastFireAt, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sc.ID, err))
			continue
		}
		if !claimed {
			s.logger.Debug("schedule tick claimed elsewhere", zap.String("schedule_id", sc.ID))
			continue
		}

		s.metrics.RecordScheduleFire(sc.ID, string(sc.CatchUp), len(fires))
		for _, f := range fires {
			s.fires.Add(1)
			go s.fire(sc.Clone(), f)
		}
	}
	return next, errors.Join(errs...)
}

// due lists the fires for the ticks in (LastFireAt, now]
func (s *Scheduler) due(sc *domain.Schedule, spec cron.Schedule, now time.Time) []fire {
	from := sc.LastFireAt
	if s.cfg.CatchUpWindow > 0 {
		if oldest := now.Add(-s.cfg.CatchUpWindow); from.Before(oldest) {
			from = oldest
		}
	}
	onTimeFrom := now.Add(-s.cfg.MisfireGrace)

	var onTime, missed []time.Time
	missedCount := 0
	t := spec.Next(from)
	for n := 0; !t.IsZero() && !t.After(now) && n < maxTicks; n++ {
		if t.Before(onTimeFrom) {
			missedCount++
			missed = append(missed, t)
			if s.cfg.MaxReplay > 0 && len(missed) > s.cfg.MaxReplay {
				missed = missed[1:]
			}
		} else {
			onTime = append(onTime, t)
		}
		t = spec.Next(t)
	}

	var fires []fire
	switch sc.CatchUp {
	case domain.CatchUpSkip:
		if missedCount > 0 {
			s.logger.Info("skipping missed schedule ticks",
				zap.String("schedule_id", sc.ID),
				zap.Int("missed", missedCount))
		}
	case domain.CatchUpReplay:
		for _, at := range missed {
			fires = append(fires, fire{at: at, caughtUp: 1})
		}
	default:
		if missedCount > 0 {
			fires = append(fires, fire{at: missed[len(missed)-1], caughtUp: missedCount})
		}
	}
	for _, at := range onTime {
		fires = append(fires, fire{at: at})
	}
	return fires
}

func (s *Scheduler) fire(sc *domain.Schedule, f fire) {
	defer s.fires.Done()

	at := f.at
	trigger := domain.Trigger{
		Kind:         domain.TriggerScheduled,
		ScheduleID:   sc.ID,
		ScheduledFor: &at,
		CaughtUp:     f.caughtUp,
	}
	exec, err := s.starter.StartExecution(context.Background(), sc.Definition, sc.Input.Clone(), trigger)
	if err != nil {
		s.logger.Error("scheduled execution failed to start",
			zap.String("schedule_id", sc.ID),
			zap.Time("scheduled_for", at),
			zap.Error(err))
		return
	}
	s.logger.Info("schedule fired",
		zap.String("schedule_id", sc.ID),
		zap.String("execution_id", exec.ID),
		zap.Time("scheduled_for", at),
		zap.Int("caught_up", f.caughtUp))
}
