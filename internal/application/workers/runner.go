package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
)

const tracerName = "github.com/aescanero/dagoflow/internal/application/workers"

// StepRequest is one attempt of one step.
type StepRequest struct {
	ExecutionID string
	Definition  string
	Step        domain.StepDefinition
	Attempt     int
	Context     domain.Context
	Timeout     time.Duration
}

// StepResult is what an attempt produced. Err is nil on success.
type StepResult struct {
	Payload  domain.Context
	Err      *domain.StepError
	Duration time.Duration
}

// RollbackRequest asks for the rollback of a succeeded step.
type RollbackRequest struct {
	ExecutionID string
	Definition  string
	Step        domain.StepDefinition
	Context     domain.Context
	Result      domain.Context
	Timeout     time.Duration
}

// Runner invokes step and rollback handlers with a bounded timeout. Handler
// panics are recovered and reported as failures.
type Runner struct {
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewRunner creates a step runner
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// Run executes one attempt. A handler that ignores its context keeps
// running in the background after the timeout; its result is discarded.
func (r *Runner) Run(ctx context.Context, req StepRequest) StepResult {
	ctx, span := r.tracer.Start(ctx, "step.attempt", trace.WithAttributes(
		attribute.String("dagoflow.execution_id", req.ExecutionID),
		attribute.String("dagoflow.definition", req.Definition),
		attribute.String("dagoflow.step", req.Step.Name),
		attribute.Int("dagoflow.attempt", req.Attempt),
	))
	defer span.End()

	start := r.now()
	result := StepResult{}

	if req.Step.Handler == nil {
		// Approval-only step: the approval was the work.
		result.Duration = r.now().Sub(start)
		return result
	}

	input := domain.StepInput{
		ExecutionID: req.ExecutionID,
		Step:        req.Step.Name,
		Attempt:     req.Attempt,
		Context:     req.Context.Clone(),
		Params:      req.Step.Params,
	}

	payload, err := invoke(ctx, req.Timeout, func(ctx context.Context) (domain.Context, error) {
		return req.Step.Handler(ctx, input)
	})
	result.Duration = r.now().Sub(start)

	if err != nil {
		result.Err = r.classify(ctx, err)
		span.SetStatus(codes.Error, result.Err.Message)
		span.SetAttributes(attribute.String("dagoflow.error_kind", string(result.Err.Kind)))
		var panicErr *panicError
		if errors.As(err, &panicErr) {
			r.logger.Error("step handler panicked",
				zap.String("execution_id", req.ExecutionID),
				zap.String("step", req.Step.Name),
				zap.Any("panic", panicErr.value),
				zap.ByteString("stack", panicErr.stack))
		}
		r.logger.Debug("step attempt failed",
			zap.String("execution_id", req.ExecutionID),
			zap.String("step", req.Step.Name),
			zap.Int("attempt", req.Attempt),
			zap.String("error_kind", string(result.Err.Kind)),
			zap.Duration("duration", result.Duration),
			zap.Error(err))
		return result
	}

	result.Payload = payload
	span.SetStatus(codes.Ok, "")
	return result
}

// Rollback runs the step's rollback handler. Steps without one are not
// invoked and report invoked=false.
func (r *Runner) Rollback(ctx context.Context, req RollbackRequest) (invoked bool, err error) {
	if req.Step.Rollback == nil {
		return false, nil
	}

	ctx, span := r.tracer.Start(ctx, "step.rollback", trace.WithAttributes(
		attribute.String("dagoflow.execution_id", req.ExecutionID),
		attribute.String("dagoflow.definition", req.Definition),
		attribute.String("dagoflow.step", req.Step.Name),
	))
	defer span.End()

	input := domain.StepInput{
		ExecutionID: req.ExecutionID,
		Step:        req.Step.Name,
		Context:     req.Context.Clone(),
		Result:      req.Result.Clone(),
		Params:      req.Step.Params,
	}
	_, err = invoke(ctx, req.Timeout, func(ctx context.Context) (domain.Context, error) {
		return nil, req.Step.Rollback(ctx, input)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return true, err
	}
	return true, nil
}

func (r *Runner) classify(ctx context.Context, err error) *domain.StepError {
	var panicErr *panicError
	switch {
	case errors.As(err, &panicErr):
		return domain.NewStepError(domain.StepErrorPanic, err, r.now())
	case errors.Is(err, errTimeout):
		return domain.NewStepError(domain.StepErrorTimeout, err, r.now())
	case ctx.Err() != nil:
		return domain.NewStepError(domain.StepErrorCancelled, ctx.Err(), r.now())
	}
	return domain.NewStepError(domain.StepErrorHandler, err, r.now())
}

var errTimeout = errors.New("step timed out")

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

type outcome struct {
	payload domain.Context
	err     error
}

func invoke(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (domain.Context, error)) (domain.Context, error) {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- outcome{err: &panicError{value: v, stack: debug.Stack()}}
			}
		}()
		payload, err := fn(runCtx)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", errTimeout, timeout, res.err)
		}
		return res.payload, res.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", errTimeout, timeout)
	}
}
