package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an execution, step or schedule does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotAwaitingApproval is returned when an approval signal targets a step
	// that is not currently awaiting approval.
	ErrNotAwaitingApproval = errors.New("step is not awaiting approval")
	// ErrInvalidTransition is returned for state changes the model forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrExecutionTerminal is returned when mutating a finished execution.
	ErrExecutionTerminal = errors.New("execution is in a terminal state")
	// ErrApprovalRejected marks a step failure caused by a rejected approval.
	ErrApprovalRejected = errors.New("approval rejected")

	ErrUnknownPredecessor = errors.New("unknown predecessor")
	ErrCycleDetected      = errors.New("cycle detected")
	ErrDuplicateStepName  = errors.New("duplicate step name")
	ErrUnknownDefinition  = errors.New("unknown workflow definition")
	ErrUnknownHandler     = errors.New("unknown step handler")
)

// IsDomainError reports whether err is one of the model's own errors, as
// opposed to an infrastructure failure worth retrying.
func IsDomainError(err error) bool {
	var defErr *DefinitionError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotAwaitingApproval) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrExecutionTerminal) ||
		errors.Is(err, ErrUnknownDefinition) ||
		errors.As(err, &defErr)
}

// DefinitionErrorKind classifies compile-time definition errors.
type DefinitionErrorKind string

const (
	DefinitionUnknownPredecessor DefinitionErrorKind = "unknown_predecessor"
	DefinitionCycleDetected      DefinitionErrorKind = "cycle_detected"
	DefinitionDuplicateStepName  DefinitionErrorKind = "duplicate_step_name"
	DefinitionMissingHandler     DefinitionErrorKind = "missing_handler"
	DefinitionInvalid            DefinitionErrorKind = "invalid"
)

// DefinitionError is raised when a workflow definition cannot be compiled.
type DefinitionError struct {
	Definition string
	Kind       DefinitionErrorKind
	Step       string
	// Cycle lists the offending cycle, first step repeated at the end.
	Cycle   []string
	Message string
}

func (e *DefinitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %s", e.Definition)
	if e.Step != "" {
		fmt.Fprintf(&b, " step %s", e.Step)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Cycle, " -> "))
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// Is maps definition error kinds onto the package sentinels.
func (e *DefinitionError) Is(target error) bool {
	switch target {
	case ErrUnknownPredecessor:
		return e.Kind == DefinitionUnknownPredecessor
	case ErrCycleDetected:
		return e.Kind == DefinitionCycleDetected
	case ErrDuplicateStepName:
		return e.Kind == DefinitionDuplicateStepName
	case ErrUnknownHandler:
		return e.Kind == DefinitionMissingHandler
	}
	return false
}

// StepErrorKind classifies step failures.
type StepErrorKind string

const (
	StepErrorHandler      StepErrorKind = "handler"
	StepErrorTimeout      StepErrorKind = "timeout"
	StepErrorPanic        StepErrorKind = "panic"
	StepErrorRejected     StepErrorKind = "rejected"
	StepErrorLeaseExpired StepErrorKind = "lease_expired"
	StepErrorCancelled    StepErrorKind = "cancelled"
)

// StepError is the persisted form of a step failure.
type StepError struct {
	Kind    StepErrorKind `json:"kind"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
}

// NewStepError builds a StepError from err.
func NewStepError(kind StepErrorKind, err error, at time.Time) *StepError {
	msg := string(kind)
	if err != nil {
		msg = err.Error()
	}
	return &StepError{Kind: kind, Message: msg, At: at}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is lets errors.Is(err, ErrApprovalRejected) match rejections.
func (e *StepError) Is(target error) bool {
	return target == ErrApprovalRejected && e.Kind == StepErrorRejected
}

// CompensationError reports a rollback handler failure.
type CompensationError struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("rollback of step %s failed: %s", e.Step, e.Message)
}

// PersistenceError is returned when the state store stays unavailable after
// the configured retries.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state store %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
