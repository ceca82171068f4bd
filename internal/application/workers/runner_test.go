package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aescanero/dagoflow/pkg/domain"
)

func request(handler domain.StepFunc, timeout time.Duration) StepRequest {
	return StepRequest{
		ExecutionID: "exec-1",
		Definition:  "order",
		Step:        domain.StepDefinition{Name: "charge", Handler: handler, Params: map[string]any{"amount": 10}},
		Attempt:     1,
		Context:     domain.Context{"order": "o-1"},
		Timeout:     timeout,
	}
}

func TestRunnerSuccess(t *testing.T) {
	r := NewRunner(zaptest.NewLogger(t))

	res := r.Run(context.Background(), request(func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
		assert.Equal(t, "o-1", in.Context["order"])
		assert.Equal(t, 10, in.Params["amount"])
		assert.Equal(t, 1, in.Attempt)
		in.Context["mutated"] = true
		return domain.Context{"charge_id": "c-1"}, nil
	}, time.Second))

	require.Nil(t, res.Err)
	assert.Equal(t, "c-1", res.Payload["charge_id"])
}

func TestRunnerDoesNotShareContext(t *testing.T) {
	r := NewRunner(nil)
	req := request(func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
		in.Context["mutated"] = true
		return nil, nil
	}, 0)

	r.Run(context.Background(), req)
	assert.NotContains(t, req.Context, "mutated")
}

func TestRunnerHandlerError(t *testing.T) {
	r := NewRunner(nil)

	res := r.Run(context.Background(), request(func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
		return nil, errors.New("card declined")
	}, time.Second))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.StepErrorHandler, res.Err.Kind)
	assert.Equal(t, "card declined", res.Err.Message)
}

func TestRunnerTimeout(t *testing.T) {
	r := NewRunner(nil)
	release := make(chan struct{})
	defer close(release)

	res := r.Run(context.Background(), request(func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
		<-release
		return nil, nil
	}, 20*time.Millisecond))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.StepErrorTimeout, res.Err.Kind)
}

func TestRunnerTimeoutObservedByHandler(t *testing.T) {
	r := NewRunner(nil)

	res := r.Run(context.Background(), request(func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 20*time.Millisecond))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.StepErrorTimeout, res.Err.Kind)
}

func TestRunnerPanic(t *testing.T) {
	r := NewRunner(zaptest.NewLogger(t))

	res := r.Run(context.Background(), request(func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
		panic("nil map")
	}, time.Second))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.StepErrorPanic, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "nil map")
}

func TestRunnerCancelled(t *testing.T) {
	r := NewRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Run(ctx, request(func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Second))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.StepErrorCancelled, res.Err.Kind)
}

func TestRunnerApprovalOnlyStep(t *testing.T) {
	r := NewRunner(nil)
	res := r.Run(context.Background(), request(nil, time.Second))
	assert.Nil(t, res.Err)
	assert.Nil(t, res.Payload)
}

func TestRunnerRollback(t *testing.T) {
	r := NewRunner(nil)

	invoked, err := r.Rollback(context.Background(), RollbackRequest{Step: domain.StepDefinition{Name: "notify"}})
	require.NoError(t, err)
	assert.False(t, invoked)

	var got domain.StepInput
	invoked, err = r.Rollback(context.Background(), RollbackRequest{
		ExecutionID: "exec-1",
		Step: domain.StepDefinition{Name: "reserve", Rollback: func(ctx context.Context, in domain.StepInput) error {
			got = in
			return nil
		}},
		Context: domain.Context{"order": "o-1"},
		Result:  domain.Context{"reservation": "r-1"},
	})
	require.NoError(t, err)
	assert.True(t, invoked)
	assert.Equal(t, "r-1", got.Result["reservation"])

	invoked, err = r.Rollback(context.Background(), RollbackRequest{
		Step: domain.StepDefinition{Name: "reserve", Rollback: func(ctx context.Context, in domain.StepInput) error {
			panic("boom")
		}},
	})
	assert.True(t, invoked)
	assert.ErrorContains(t, err, "boom")
}
