package domain

import (
	"context"
	"fmt"
	"time"
)

// Context is the key/value payload flowing through an execution.
type Context map[string]any

// Clone returns a shallow copy of the context.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge shallow-merges payload into c. Later keys win on conflict.
func (c Context) Merge(payload Context) Context {
	if c == nil {
		c = Context{}
	}
	for k, v := range payload {
		c[k] = v
	}
	return c
}

// DefinitionRef identifies a workflow definition. Version 0 means "latest".
type DefinitionRef struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version,omitempty" yaml:"version,omitempty"`
}

func (r DefinitionRef) String() string {
	if r.Version == 0 {
		return r.Name
	}
	return fmt.Sprintf("%s@v%d", r.Name, r.Version)
}

// StepInput is what a handler or rollback handler receives.
type StepInput struct {
	ExecutionID string
	Step        string
	Attempt     int
	// Context is a snapshot of the execution's accumulated context.
	Context Context
	// Result is the step's own success payload. Only set for rollbacks.
	Result Context
	Params map[string]any
}

// StepFunc runs a step and returns the delta merged into the execution context.
type StepFunc func(ctx context.Context, in StepInput) (Context, error)

// RollbackFunc undoes a previously succeeded step.
type RollbackFunc func(ctx context.Context, in StepInput) error

// RetryPolicy configures re-attempts of a failed step.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	Jitter       bool          `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Validate checks the policy values are usable.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return fmt.Errorf("initial delay %s exceeds max delay %s", p.InitialDelay, p.MaxDelay)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1")
	}
	return nil
}

// StepDefinition declares one step of a workflow.
type StepDefinition struct {
	Name  string
	After []string

	Handler  StepFunc
	Rollback RollbackFunc
	// HandlerName and RollbackName record the registry names the functions
	// were resolved from, when the definition came from a file.
	HandlerName  string
	RollbackName string

	AwaitApproval   bool
	ApprovalTimeout time.Duration
	Timeout         time.Duration
	Retry           *RetryPolicy
	Params          map[string]any
}

// WorkflowDefinition is an immutable, versioned set of steps.
type WorkflowDefinition struct {
	Name        string
	Version     int
	Description string
	Steps       []StepDefinition
	// Retry is the definition-level default. Step policies override it.
	Retry *RetryPolicy
	// MaxConcurrentSteps bounds running steps per execution. Zero means no cap.
	MaxConcurrentSteps int
}

// Ref returns the definition's reference.
func (d WorkflowDefinition) Ref() DefinitionRef {
	return DefinitionRef{Name: d.Name, Version: d.Version}
}
