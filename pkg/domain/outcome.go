package domain

import "time"

// OutcomeKind tags a step outcome.
type OutcomeKind string

const (
	OutcomeSucceeded        OutcomeKind = "succeeded"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeAwaitingApproval OutcomeKind = "awaiting_approval"
)

// Outcome is the tagged result of one step attempt.
type Outcome struct {
	Kind OutcomeKind
	// Attempt is the attempt number the outcome belongs to. Outcomes for a
	// superseded attempt are rejected.
	Attempt int
	Payload Context
	Err     *StepError
	// RetryAt schedules a re-attempt of a failed step. Nil means the failure
	// is terminal.
	RetryAt *time.Time
}

// Success builds a success outcome.
func Success(attempt int, payload Context) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Attempt: attempt, Payload: payload}
}

// Failure builds a terminal failure outcome.
func Failure(attempt int, err *StepError) Outcome {
	return Outcome{Kind: OutcomeFailed, Attempt: attempt, Err: err}
}

// AwaitApproval builds the outcome of a first encounter with an approval gate.
func AwaitApproval(attempt int) Outcome {
	return Outcome{Kind: OutcomeAwaitingApproval, Attempt: attempt}
}

// WithRetryAt marks a failure as retryable at t.
func (o Outcome) WithRetryAt(t time.Time) Outcome {
	o.RetryAt = &t
	return o
}

// IsSuccess reports a success outcome.
func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSucceeded
}
