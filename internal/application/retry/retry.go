// Package retry computes re-attempt schedules for failed steps.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// Source is the random source used for jitter. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Decision is the evaluator's verdict on a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	// At is when the next attempt becomes due. Zero when Retry is false.
	At time.Time
}

// Evaluator applies retry policies. It is safe for concurrent use.
type Evaluator struct {
	fallback domain.RetryPolicy

	mu  sync.Mutex
	src Source
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithSource injects the jitter source.
func WithSource(src Source) Option {
	return func(e *Evaluator) {
		e.src = src
	}
}

// WithSeed makes jitter deterministic.
func WithSeed(seed int64) Option {
	return WithSource(rand.New(rand.NewSource(seed)))
}

// NewEvaluator creates an evaluator. fallback applies to steps whose graph
// declares no policy.
func NewEvaluator(fallback domain.RetryPolicy, opts ...Option) *Evaluator {
	if fallback.MaxAttempts < 1 {
		fallback.MaxAttempts = 1
	}
	e := &Evaluator{
		fallback: fallback,
		src:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns p, or the fallback when p is nil.
func (e *Evaluator) Policy(p *domain.RetryPolicy) domain.RetryPolicy {
	if p == nil {
		return e.fallback
	}
	return *p
}

// Evaluate decides whether a step that failed on attempt should run again.
func (e *Evaluator) Evaluate(p *domain.RetryPolicy, attempt int, now time.Time) Decision {
	policy := e.Policy(p)
	if attempt >= policy.MaxAttempts {
		return Decision{}
	}
	delay := e.Delay(policy, attempt)
	return Decision{Retry: true, Delay: delay, At: now.Add(delay)}
}

// Delay returns the wait before the attempt following attempt:
// min(maxDelay, initialDelay * multiplier^(attempt-1)), then jittered by a
// uniform amount in [-delay, delay] when the policy asks for it.
func (e *Evaluator) Delay(policy domain.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := policy.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}

	delay := float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}

	if policy.Jitter && delay > 0 {
		e.mu.Lock()
		r := e.src.Float64()
		e.mu.Unlock()
		delay += (2*r - 1) * delay
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// Backoff returns the delay before retry number n of an infrastructure
// call, using the fallback policy shape.
func (e *Evaluator) Backoff(n int) time.Duration {
	return e.Delay(e.fallback, n)
}
