package domain

import (
	"fmt"
	"time"
)

var allowedTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:          {ExecutionRunning, ExecutionAwaitingApproval, ExecutionCompensating, ExecutionFailed},
	ExecutionRunning:          {ExecutionAwaitingApproval, ExecutionCompleted, ExecutionCompensating, ExecutionFailed},
	ExecutionAwaitingApproval: {ExecutionRunning, ExecutionCompensating, ExecutionFailed},
	ExecutionCompensating:     {ExecutionCompensated, ExecutionFailed},
}

// RunnableSteps lists, in plan order, the steps whose predecessors all
// succeeded and which have no run yet, were approved and wait for their
// handler, have a retry due, or hold an expired lease.
func (e *Execution) RunnableSteps(now time.Time) []string {
	if !e.Status.IsActive() {
		return nil
	}
	var out []string
	for _, step := range e.Plan {
		if !e.predecessorsSucceeded(step) {
			continue
		}
		if startable(e.Steps[step.Name], now) {
			out = append(out, step.Name)
		}
	}
	return out
}

// StartStep is the compare-and-set acquiring the right to run a step. It
// reports true only for the caller that moved the run to running; every
// other caller gets the current run back unchanged.
func (e *Execution) StartStep(name string, now time.Time) (*StepRun, bool, error) {
	if e.Status.IsTerminal() {
		return nil, false, ErrExecutionTerminal
	}
	plan, ok := e.PlanStep(name)
	if !ok {
		return nil, false, fmt.Errorf("step %s: %w", name, ErrNotFound)
	}
	run := e.Steps[name]
	if !e.Status.IsActive() {
		return run.Clone(), false, nil
	}
	if !e.predecessorsSucceeded(plan) {
		return nil, false, fmt.Errorf("step %s has unfinished predecessors: %w", name, ErrInvalidTransition)
	}
	if !startable(run, now) {
		return run.Clone(), false, nil
	}
	if run == nil {
		run = &StepRun{Step: name, CreatedAt: now}
		e.Steps[name] = run
	}
	if run.Status == StepRunning {
		run.LastError = &StepError{
			Kind:    StepErrorLeaseExpired,
			Message: fmt.Sprintf("attempt %d lease expired", run.Attempts),
			At:      now,
		}
	}
	// The first pass through an approval gate does not invoke the handler,
	// so it is not counted as an attempt.
	if !(plan.AwaitApproval && run.Approval == nil) {
		run.Attempts++
	}
	run.Status = StepRunning
	run.Retryable = false
	run.NextAttemptAt = nil
	run.StartedAt = timePtr(now)
	run.FinishedAt = nil
	run.LeaseExpiresAt = nil
	if plan.Lease > 0 {
		run.LeaseExpiresAt = timePtr(now.Add(plan.Lease))
	}
	run.UpdatedAt = now
	if e.Status != ExecutionRunning {
		e.Status = ExecutionRunning
		e.StatusReason = ""
	}
	e.touch(now)
	return run.Clone(), true, nil
}

// IsApprovalGate reports whether starting run would only open its approval gate.
func (e *Execution) IsApprovalGate(run *StepRun) bool {
	if run == nil {
		return false
	}
	plan, ok := e.PlanStep(run.Step)
	return ok && plan.AwaitApproval && run.Approval == nil
}

// ApplyOutcome records the outcome of the current attempt of a running step
// and re-evaluates the execution status in the same mutation.
func (e *Execution) ApplyOutcome(name string, outcome Outcome, now time.Time) (*StepRun, error) {
	if e.Status.IsTerminal() {
		return nil, ErrExecutionTerminal
	}
	run := e.Steps[name]
	if run == nil {
		return nil, fmt.Errorf("step %s has no run: %w", name, ErrNotFound)
	}
	if run.Status != StepRunning {
		return nil, fmt.Errorf("step %s is %s: %w", name, run.Status, ErrInvalidTransition)
	}
	if outcome.Attempt != run.Attempts {
		return nil, fmt.Errorf("step %s outcome for attempt %d, current attempt is %d: %w",
			name, outcome.Attempt, run.Attempts, ErrInvalidTransition)
	}
	plan, _ := e.PlanStep(name)

	switch outcome.Kind {
	case OutcomeSucceeded:
		run.Status = StepSucceeded
		run.Result = outcome.Payload.Clone()
		run.FinishedAt = timePtr(now)
		e.Context = e.Context.Merge(outcome.Payload)
	case OutcomeFailed:
		run.Status = StepFailed
		run.LastError = outcome.Err
		if run.LastError == nil {
			run.LastError = &StepError{Kind: StepErrorHandler, Message: "step failed", At: now}
		}
		run.FinishedAt = timePtr(now)
		run.Retryable = outcome.RetryAt != nil && e.Status.IsActive()
		run.NextAttemptAt = nil
		if run.Retryable {
			run.NextAttemptAt = cloneTime(outcome.RetryAt)
		}
	case OutcomeAwaitingApproval:
		if !plan.AwaitApproval {
			return nil, fmt.Errorf("step %s has no approval gate: %w", name, ErrInvalidTransition)
		}
		run.Status = StepAwaitingApproval
		run.Approval = &Approval{Decision: ApprovalPending, RequestedAt: now}
		if plan.ApprovalTimeout > 0 {
			run.Approval.Deadline = timePtr(now.Add(plan.ApprovalTimeout))
		}
	default:
		return nil, fmt.Errorf("unknown outcome kind %q: %w", outcome.Kind, ErrInvalidTransition)
	}
	run.LeaseExpiresAt = nil
	run.UpdatedAt = now
	e.reevaluate(now)
	e.touch(now)
	return run.Clone(), nil
}

// ResolveApproval applies an approval decision. Only a step currently
// awaiting approval accepts one; every later signal gets ErrNotAwaitingApproval.
func (e *Execution) ResolveApproval(name string, decision ApprovalDecision, note string, now time.Time) (*StepRun, error) {
	if decision != ApprovalApproved && decision != ApprovalRejected {
		return nil, fmt.Errorf("invalid approval decision %q: %w", decision, ErrInvalidTransition)
	}
	if _, ok := e.PlanStep(name); !ok {
		return nil, fmt.Errorf("step %s: %w", name, ErrNotFound)
	}
	run := e.Steps[name]
	if e.Status.IsTerminal() || run == nil || run.Status != StepAwaitingApproval ||
		run.Approval == nil || run.Approval.Decision != ApprovalPending {
		return nil, fmt.Errorf("step %s: %w", name, ErrNotAwaitingApproval)
	}
	run.Approval.Decision = decision
	run.Approval.DecidedAt = timePtr(now)
	run.Approval.Note = note
	if decision == ApprovalApproved {
		run.Status = StepPending
	} else {
		msg := "approval rejected"
		if note != "" {
			msg += ": " + note
		}
		run.Status = StepFailed
		run.Retryable = false
		run.LastError = &StepError{Kind: StepErrorRejected, Message: msg, At: now}
		run.FinishedAt = timePtr(now)
	}
	run.UpdatedAt = now
	e.reevaluate(now)
	e.touch(now)
	return run.Clone(), nil
}

// MergeContext shallow-merges payload into the accumulated context.
func (e *Execution) MergeContext(payload Context, now time.Time) error {
	if e.Status.IsTerminal() {
		return ErrExecutionTerminal
	}
	e.Context = e.Context.Merge(payload)
	e.touch(now)
	return nil
}

// SetStatus forces a status transition.
func (e *Execution) SetStatus(status ExecutionStatus, reason string, now time.Time) error {
	if e.Status.IsTerminal() {
		return ErrExecutionTerminal
	}
	if e.Status == status {
		if reason != "" {
			e.StatusReason = reason
			e.touch(now)
		}
		return nil
	}
	allowed := false
	for _, next := range allowedTransitions[e.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%s -> %s: %w", e.Status, status, ErrInvalidTransition)
	}
	if status == ExecutionCompleted && !e.allSucceeded() {
		return fmt.Errorf("not every step succeeded: %w", ErrInvalidTransition)
	}
	if e.Status == ExecutionCompensating && len(e.PendingRollbacks()) > 0 {
		return fmt.Errorf("steps still to roll back: %w", ErrInvalidTransition)
	}
	e.Status = status
	if reason != "" {
		e.StatusReason = reason
	}
	if status.IsTerminal() {
		e.FinishedAt = timePtr(now)
	}
	e.touch(now)
	return nil
}

// MarkRolledBack records the compensation of a succeeded step. Marking an
// already rolled back step is a no-op.
func (e *Execution) MarkRolledBack(name string, invoked bool, rollbackErr string, now time.Time) error {
	if e.Status != ExecutionCompensating {
		return fmt.Errorf("execution is %s: %w", e.Status, ErrInvalidTransition)
	}
	run := e.Steps[name]
	if run == nil {
		return fmt.Errorf("step %s has no run: %w", name, ErrNotFound)
	}
	if run.Status == StepRolledBack {
		return nil
	}
	if run.Status != StepSucceeded && run.Status != StepRollingBack {
		return fmt.Errorf("step %s is %s: %w", name, run.Status, ErrInvalidTransition)
	}
	run.Status = StepRolledBack
	run.RollbackError = rollbackErr
	run.LeaseExpiresAt = nil
	run.UpdatedAt = now
	e.Compensation = append(e.Compensation, CompensationRecord{
		Step:    name,
		Invoked: invoked,
		Error:   rollbackErr,
		At:      now,
	})
	e.touch(now)
	return nil
}

// PendingRollbacks lists the steps still to be compensated, succeeded or
// rolling back, in reverse plan order. The plan is stored in topological
// order, so this is the compensation order.
func (e *Execution) PendingRollbacks() []string {
	var out []string
	for i := len(e.Plan) - 1; i >= 0; i-- {
		name := e.Plan[i].Name
		run := e.Steps[name]
		if run != nil && (run.Status == StepSucceeded || run.Status == StepRollingBack) {
			out = append(out, name)
		}
	}
	return out
}

// StartRollback is the compare-and-set acquiring the right to run a step's
// rollback. Only the next step in compensation order can be claimed, and a
// claim is taken over only once its lease expired. It reports true only for
// the caller that made the claim.
func (e *Execution) StartRollback(name string, now time.Time) (bool, error) {
	if e.Status != ExecutionCompensating {
		return false, fmt.Errorf("execution is %s: %w", e.Status, ErrInvalidTransition)
	}
	plan, ok := e.PlanStep(name)
	if !ok {
		return false, fmt.Errorf("step %s: %w", name, ErrNotFound)
	}
	run := e.Steps[name]
	if run == nil {
		return false, fmt.Errorf("step %s has no run: %w", name, ErrNotFound)
	}
	switch run.Status {
	case StepRolledBack:
		return false, nil
	case StepSucceeded, StepRollingBack:
	default:
		return false, fmt.Errorf("step %s is %s: %w", name, run.Status, ErrInvalidTransition)
	}
	if pending := e.PendingRollbacks(); pending[0] != name {
		return false, nil
	}
	if run.Status == StepRollingBack && !leaseExpired(run, now) {
		return false, nil
	}

	run.Status = StepRollingBack
	run.LeaseExpiresAt = nil
	if plan.Lease > 0 {
		run.LeaseExpiresAt = timePtr(now.Add(plan.Lease))
	}
	run.UpdatedAt = now
	e.touch(now)
	return true, nil
}

// HasLiveLease reports a running step or rollback whose lease still holds.
// A claim without a lease never expires.
func (e *Execution) HasLiveLease(now time.Time) bool {
	for _, run := range e.Steps {
		switch run.Status {
		case StepRunning:
			if run.LeaseExpiresAt != nil && !now.After(*run.LeaseExpiresAt) {
				return true
			}
		case StepRollingBack:
			if !leaseExpired(run, now) {
				return true
			}
		}
	}
	return false
}

// RunningSteps lists steps whose run is currently running.
func (e *Execution) RunningSteps() []string {
	var out []string
	for _, step := range e.Plan {
		if run := e.Steps[step.Name]; run != nil && run.Status == StepRunning {
			out = append(out, step.Name)
		}
	}
	return out
}

// NextWakeAt returns the earliest pending retry or lease expiry, if any.
func (e *Execution) NextWakeAt() *time.Time {
	var next *time.Time
	consider := func(t *time.Time) {
		if t != nil && (next == nil || t.Before(*next)) {
			next = cloneTime(t)
		}
	}
	for _, run := range e.Steps {
		switch {
		case run.Status == StepFailed && run.Retryable:
			consider(run.NextAttemptAt)
		case run.Status == StepRunning, run.Status == StepRollingBack:
			consider(run.LeaseExpiresAt)
		}
	}
	return next
}

// ExpiredApprovals lists steps whose approval deadline has passed.
func (e *Execution) ExpiredApprovals(now time.Time) []string {
	var out []string
	for _, step := range e.Plan {
		run := e.Steps[step.Name]
		if run == nil || run.Status != StepAwaitingApproval || run.Approval == nil {
			continue
		}
		if run.Approval.Deadline != nil && !now.Before(*run.Approval.Deadline) {
			out = append(out, step.Name)
		}
	}
	return out
}

func (e *Execution) reevaluate(now time.Time) {
	if !e.Status.IsActive() {
		return
	}
	for _, step := range e.Plan {
		run := e.Steps[step.Name]
		if run == nil || !run.IsTerminallyFailed() {
			continue
		}
		e.Status = ExecutionCompensating
		e.StatusReason = fmt.Sprintf("step %s failed", step.Name)
		if run.LastError != nil {
			e.StatusReason += ": " + run.LastError.Message
		}
		return
	}
	if e.allSucceeded() {
		e.Status = ExecutionCompleted
		e.StatusReason = ""
		e.FinishedAt = timePtr(now)
		return
	}
	var running, awaiting, retrying bool
	for _, run := range e.Steps {
		switch run.Status {
		case StepRunning, StepPending:
			running = true
		case StepAwaitingApproval:
			awaiting = true
		case StepFailed:
			retrying = retrying || run.Retryable
		}
	}
	switch {
	case awaiting && !running && !retrying && len(e.RunnableSteps(now)) == 0:
		e.Status = ExecutionAwaitingApproval
	case len(e.Steps) > 0:
		e.Status = ExecutionRunning
	}
}

func (e *Execution) allSucceeded() bool {
	if len(e.Plan) == 0 {
		return false
	}
	for _, step := range e.Plan {
		run := e.Steps[step.Name]
		if run == nil || run.Status != StepSucceeded {
			return false
		}
	}
	return true
}

func (e *Execution) predecessorsSucceeded(step PlanStep) bool {
	for _, pred := range step.After {
		run := e.Steps[pred]
		if run == nil || run.Status != StepSucceeded {
			return false
		}
	}
	return true
}

func (e *Execution) touch(now time.Time) {
	e.UpdatedAt = now
	e.Version++
}

func startable(run *StepRun, now time.Time) bool {
	if run == nil {
		return true
	}
	switch run.Status {
	case StepPending:
		return true
	case StepFailed:
		return run.Retryable && (run.NextAttemptAt == nil || !now.Before(*run.NextAttemptAt))
	case StepRunning:
		return leaseExpired(run, now)
	}
	return false
}

func leaseExpired(run *StepRun, now time.Time) bool {
	return run.LeaseExpiresAt != nil && now.After(*run.LeaseExpiresAt)
}
