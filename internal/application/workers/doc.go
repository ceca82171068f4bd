// Package workers runs step attempts for the coordinator.
//
// It provides:
//   - Runner: invokes a step or rollback handler with a timeout, recovering
//     panics and tagging failures as handler, timeout, panic or cancelled
//   - Pool: a fixed set of goroutines consuming a bounded task queue
//   - HealthMonitor: periodic pool status logging and metrics
//
// Approval waits never occupy a worker: the coordinator records the gate
// and returns the worker to the pool.
package workers
