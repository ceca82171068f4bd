package ports

import "time"

// MetricsCollector records engine metrics.
type MetricsCollector interface {
	RecordExecutionStarted(definition, trigger string)
	RecordExecutionFinished(definition, status string, duration time.Duration)
	RecordStepAttempt(definition, step, result string, duration time.Duration)
	RecordStepRetry(definition, step string)
	RecordCompensation(definition, step string, invoked bool, err error)
	RecordApproval(definition, step, decision string)
	RecordScheduleFire(schedule, policy string, executions int)
	RecordStoreRetry(op string)
	RecordLLMCall(model string, latency time.Duration, inputTokens, outputTokens int64, err error)
	SetActiveExecutions(count int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

// NopMetrics discards every metric.
type NopMetrics struct{}

func (NopMetrics) RecordExecutionStarted(string, string) {}
func (NopMetrics) RecordExecutionFinished(string, string, time.Duration) {}
func (NopMetrics) RecordStepAttempt(string, string, string, time.Duration) {}
func (NopMetrics) RecordStepRetry(string, string) {}
func (NopMetrics) RecordCompensation(string, string, bool, error) {}
func (NopMetrics) RecordApproval(string, string, string) {}
func (NopMetrics) RecordScheduleFire(string, string, int) {}
func (NopMetrics) RecordStoreRetry(string) {}
func (NopMetrics) RecordLLMCall(string, time.Duration, int64, int64, error) {}
func (NopMetrics) SetActiveExecutions(int) {}
func (NopMetrics) RecordWorkerPoolStatus(int, int, int) {}
