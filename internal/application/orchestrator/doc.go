// Package orchestrator implements the execution coordinator.
//
// The orchestrator manager coordinates workflow executions by:
//   - Creating executions from compiled graphs and driving them to a terminal status
//   - Acquiring each step through the store's compare-and-set before running it
//   - Applying retry decisions and opening approval gates
//   - Compensating succeeded steps in reverse order after a failure, rejection or cancel
//   - Reconciling stored executions after a restart or a lost lease
//   - Publishing lifecycle events to the event bus
//
// Every transition is written to the ExecutionStore before the manager
// acts on it, so a restarted process resumes from the stored state.
package orchestrator
