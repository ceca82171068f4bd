package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   prometheus.Gauge

	stepAttempts *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec
	approvals    *prometheus.CounterVec

	compensations *prometheus.CounterVec
	scheduleFires *prometheus.CounterVec
	storeRetries  *prometheus.CounterVec

	llmCalls   *prometheus.CounterVec
	llmTokens  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec

	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
}

// NewCollector creates a collector registered with the default registry
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered with reg
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		executionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_executions_started_total",
				Help: "Total number of executions started",
			},
			[]string{"definition", "trigger"},
		),
		executionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_executions_finished_total",
				Help: "Total number of executions reaching a terminal status",
			},
			[]string{"definition", "status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagoflow_execution_duration_seconds",
				Help:    "Execution duration from creation to terminal status in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 3600},
			},
			[]string{"definition"},
		),
		activeExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagoflow_active_executions",
				Help: "Number of executions currently driven by this process",
			},
		),
		stepAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_step_attempts_total",
				Help: "Total number of step attempts by outcome",
			},
			[]string{"definition", "step", "result"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagoflow_step_duration_seconds",
				Help:    "Step attempt duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"definition", "step"},
		),
		stepRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_step_retries_total",
				Help: "Total number of scheduled step re-attempts",
			},
			[]string{"definition", "step"},
		),
		approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_approvals_total",
				Help: "Total number of approval decisions",
			},
			[]string{"definition", "step", "decision"},
		),
		compensations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_compensations_total",
				Help: "Total number of compensated steps by result",
			},
			[]string{"definition", "step", "result"},
		),
		scheduleFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_schedule_fires_total",
				Help: "Total number of executions created by schedules",
			},
			[]string{"schedule", "policy"},
		),
		storeRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_store_retries_total",
				Help: "Total number of retried state store operations",
			},
			[]string{"op"},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model", "status"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagoflow_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"model", "type"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagoflow_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"model"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagoflow_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagoflow_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagoflow_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordExecutionStarted counts a new execution
func (c *Collector) RecordExecutionStarted(definition, trigger string) {
	c.executionsStarted.WithLabelValues(definition, trigger).Inc()
}

// RecordExecutionFinished counts a terminal execution and observes its duration
func (c *Collector) RecordExecutionFinished(definition, status string, duration time.Duration) {
	c.executionsFinished.WithLabelValues(definition, status).Inc()
	c.executionDuration.WithLabelValues(definition).Observe(duration.Seconds())
}

// RecordStepAttempt counts a step attempt and observes its duration
func (c *Collector) RecordStepAttempt(definition, step, result string, duration time.Duration) {
	c.stepAttempts.WithLabelValues(definition, step, result).Inc()
	c.stepDuration.WithLabelValues(definition, step).Observe(duration.Seconds())
}

// RecordStepRetry counts a scheduled re-attempt
func (c *Collector) RecordStepRetry(definition, step string) {
	c.stepRetries.WithLabelValues(definition, step).Inc()
}

// RecordCompensation counts a compensated step
func (c *Collector) RecordCompensation(definition, step string, invoked bool, err error) {
	result := "skipped"
	switch {
	case err != nil:
		result = "failed"
	case invoked:
		result = "rolled_back"
	}
	c.compensations.WithLabelValues(definition, step, result).Inc()
}

// RecordApproval counts an approval decision
func (c *Collector) RecordApproval(definition, step, decision string) {
	c.approvals.WithLabelValues(definition, step, decision).Inc()
}

// RecordScheduleFire counts executions created by one schedule wake
func (c *Collector) RecordScheduleFire(schedule, policy string, executions int) {
	c.scheduleFires.WithLabelValues(schedule, policy).Add(float64(executions))
}

// RecordStoreRetry counts a retried store operation
func (c *Collector) RecordStoreRetry(op string) {
	c.storeRetries.WithLabelValues(op).Inc()
}

// RecordLLMCall records an LLM API call, its latency and token usage
func (c *Collector) RecordLLMCall(model string, latency time.Duration, inputTokens, outputTokens int64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.llmCalls.WithLabelValues(model, status).Inc()
	c.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
	c.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	c.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// SetActiveExecutions sets the number of currently active executions
func (c *Collector) SetActiveExecutions(count int) {
	c.activeExecutions.Set(float64(count))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
