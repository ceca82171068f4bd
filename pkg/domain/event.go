package domain

import (
	"strings"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventExecutionStarted      EventType = "execution.started"
	EventExecutionCompleted    EventType = "execution.completed"
	EventExecutionFailed       EventType = "execution.failed"
	EventExecutionCompensating EventType = "execution.compensating"
	EventExecutionCompensated  EventType = "execution.compensated"
	EventExecutionCancelled    EventType = "execution.cancelled"

	EventStepStarted          EventType = "step.started"
	EventStepSucceeded        EventType = "step.succeeded"
	EventStepFailed           EventType = "step.failed"
	EventStepRetried          EventType = "step.retried"
	EventStepAwaitingApproval EventType = "step.awaiting_approval"
	EventStepApproved         EventType = "step.approved"
	EventStepRejected         EventType = "step.rejected"
	EventStepRolledBack       EventType = "step.rolled_back"
)

// Event topics.
const (
	TopicExecutionEvents = "execution.events"
	TopicStepEvents      = "step.events"
)

// Topic returns the topic an event of type t is published on.
func (t EventType) Topic() string {
	if strings.HasPrefix(string(t), "step.") {
		return TopicStepEvents
	}
	return TopicExecutionEvents
}

// Event is a fire-and-forget lifecycle notification.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id"`
	Step        string         `json:"step,omitempty"`
	Definition  string         `json:"definition,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}
