// Package domain holds the engine's data model and the pure state transitions
// applied to it.
//
// The model covers:
//   - Workflow and step definitions, with retry policies and handler references
//   - Executions with their persisted plan, accumulated context and step runs
//   - Tagged step outcomes, lifecycle events and schedules
//
// Every store implementation loads an Execution, applies one of the transition
// methods and writes it back atomically, so the rules for runnable steps,
// idempotent starts, approvals and status re-evaluation live in one place.
package domain
