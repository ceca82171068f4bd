// Package ports declares the interfaces between the engine and its adapters.
//
// Interfaces:
//   - ExecutionStore: durable execution state with atomic step transitions
//   - ScheduleStore: registered cron triggers and their last fire time
//   - EventBus: fire-and-forget lifecycle notifications
//   - MetricsCollector: engine metrics
//   - LLMClient: text completion used by the llm.complete step handler
package ports
