package domain

import "time"

// ExecutionStatus is the overall status of an execution.
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionCompensating     ExecutionStatus = "compensating"
	ExecutionCompensated      ExecutionStatus = "compensated"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCompensated
}

// IsActive reports whether new steps may still be started.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionPending || s == ExecutionRunning || s == ExecutionAwaitingApproval
}

// StepStatus is the status of a StepRun.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepSucceeded        StepStatus = "succeeded"
	StepFailed           StepStatus = "failed"
	StepRollingBack      StepStatus = "rolling_back"
	StepRolledBack       StepStatus = "rolled_back"
)

// ApprovalDecision is the state of an approval gate.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// Approval records an approval gate on a StepRun.
type Approval struct {
	Decision    ApprovalDecision `json:"decision"`
	RequestedAt time.Time        `json:"requested_at"`
	Deadline    *time.Time       `json:"deadline,omitempty"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty"`
	Note        string           `json:"note,omitempty"`
}

// StepRun is the record of one step's attempts within an execution.
type StepRun struct {
	Step      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError *StepError `json:"last_error,omitempty"`
	Result    Context    `json:"result,omitempty"`
	// Retryable is set on a failed run that will be re-attempted at NextAttemptAt.
	Retryable      bool       `json:"retryable,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Approval       *Approval  `json:"approval,omitempty"`
	RollbackError  string     `json:"rollback_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTerminallyFailed reports a failed run that will not be retried.
func (r *StepRun) IsTerminallyFailed() bool {
	return r.Status == StepFailed && !r.Retryable
}

// Clone returns a deep copy of the run.
func (r *StepRun) Clone() *StepRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	if r.Result != nil {
		out.Result = r.Result.Clone()
	}
	out.NextAttemptAt = cloneTime(r.NextAttemptAt)
	out.LeaseExpiresAt = cloneTime(r.LeaseExpiresAt)
	out.StartedAt = cloneTime(r.StartedAt)
	out.FinishedAt = cloneTime(r.FinishedAt)
	if r.Approval != nil {
		a := *r.Approval
		a.Deadline = cloneTime(r.Approval.Deadline)
		a.DecidedAt = cloneTime(r.Approval.DecidedAt)
		out.Approval = &a
	}
	return &out
}

// PlanStep is the persisted projection of a compiled step.
type PlanStep struct {
	Name  string   `json:"name"`
	After []string `json:"after,omitempty"`
	// Lease bounds how long a running attempt is trusted before it is
	// considered crashed.
	Lease           time.Duration `json:"lease,omitempty"`
	AwaitApproval   bool          `json:"await_approval,omitempty"`
	ApprovalTimeout time.Duration `json:"approval_timeout,omitempty"`
}

// TriggerKind tells how an execution was started.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
)

// Trigger describes what created an execution.
type Trigger struct {
	Kind         TriggerKind `json:"kind"`
	ScheduleID   string      `json:"schedule_id,omitempty"`
	ScheduledFor *time.Time  `json:"scheduled_for,omitempty"`
	// CaughtUp counts the missed ticks this fire stands in for.
	CaughtUp int `json:"caught_up,omitempty"`
}

// CompensationRecord is one entry of the compensation log.
type CompensationRecord struct {
	Step    string    `json:"step"`
	Invoked bool      `json:"invoked"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// ExecutionSpec is what a store needs to allocate an execution.
type ExecutionSpec struct {
	Definition DefinitionRef
	Plan       []PlanStep
	Input      Context
	Trigger    Trigger
}

// Execution is one run of a workflow definition.
type Execution struct {
	ID           string               `json:"id"`
	Definition   DefinitionRef        `json:"definition"`
	Plan         []PlanStep           `json:"plan"`
	Input        Context              `json:"input,omitempty"`
	Context      Context              `json:"context"`
	Status       ExecutionStatus      `json:"status"`
	StatusReason string               `json:"status_reason,omitempty"`
	Steps        map[string]*StepRun  `json:"steps"`
	Compensation []CompensationRecord `json:"compensation,omitempty"`
	Trigger      Trigger              `json:"trigger"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
	// Version increases with every persisted mutation.
	Version int64 `json:"version"`
}

// NewExecution builds a pending execution from spec.
func NewExecution(id string, spec ExecutionSpec, now time.Time) *Execution {
	plan := make([]PlanStep, len(spec.Plan))
	for i, step := range spec.Plan {
		plan[i] = step
		plan[i].After = append([]string(nil), step.After...)
	}
	return &Execution{
		ID:         id,
		Definition: spec.Definition,
		Plan:       plan,
		Input:      spec.Input.Clone(),
		Context:    spec.Input.Clone(),
		Status:     ExecutionPending,
		Steps:      make(map[string]*StepRun),
		Trigger:    spec.Trigger,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Plan = make([]PlanStep, len(e.Plan))
	for i, step := range e.Plan {
		out.Plan[i] = step
		out.Plan[i].After = append([]string(nil), step.After...)
	}
	out.Input = e.Input.Clone()
	out.Context = e.Context.Clone()
	out.Steps = make(map[string]*StepRun, len(e.Steps))
	for name, run := range e.Steps {
		out.Steps[name] = run.Clone()
	}
	out.Compensation = append([]CompensationRecord(nil), e.Compensation...)
	out.FinishedAt = cloneTime(e.FinishedAt)
	if e.Trigger.ScheduledFor != nil {
		out.Trigger.ScheduledFor = cloneTime(e.Trigger.ScheduledFor)
	}
	return &out
}

// PlanStep looks up a step of the persisted plan.
func (e *Execution) PlanStep(name string) (PlanStep, bool) {
	for _, step := range e.Plan {
		if step.Name == name {
			return step, true
		}
	}
	return PlanStep{}, false
}

// Step returns the run for name, or nil.
func (e *Execution) Step(name string) *StepRun {
	return e.Steps[name]
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	Statuses   []ExecutionStatus
	Definition string
	Limit      int
}

// Matches reports whether exec satisfies the filter.
func (f ExecutionFilter) Matches(exec *Execution) bool {
	if f.Definition != "" && exec.Definition.Name != f.Definition {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if exec.Status == status {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
