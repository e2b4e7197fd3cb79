// Package metrics holds the Prometheus collectors of the engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ruleflow"

type Metrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	steps             *prometheus.CounterVec
	actions           *prometheus.CounterVec
	approvals         *prometheus.CounterVec
	retries           *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	queueRejected     prometheus.Counter
	workersBusy       prometheus.Gauge
}

// New registers every collector with reg. Pass prometheus.NewRegistry() in
// tests to avoid clashing with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions that reached a terminal state",
		}, []string{"rule", "status"}),
		executionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall clock time from start to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"rule"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step executions by type and final status",
		}, []string{"type", "status"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Action handler invocations by type and result",
		}, []string{"action_type", "result"}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approvals by outcome",
		}, []string{"outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts scheduled",
		}, []string{"rule"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Executions waiting in the work queue",
		}),
		queueRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Submissions rejected because the queue was full",
		}),
		workersBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently processing an execution",
		}),
	}
}

func (m *Metrics) ExecutionFinished(rule, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(rule, status).Inc()
	if took > 0 {
		m.executionDuration.WithLabelValues(rule).Observe(took.Seconds())
	}
}

func (m *Metrics) StepFinished(stepType, status string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(stepType, status).Inc()
}

func (m *Metrics) ActionExecuted(actionType, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType, result).Inc()
}

func (m *Metrics) ApprovalResolved(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RetryScheduled(rule string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(rule).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

func (m *Metrics) WorkerBusy() {
	if m == nil {
		return
	}
	m.workersBusy.Inc()
}

func (m *Metrics) WorkerIdle() {
	if m == nil {
		return
	}
	m.workersBusy.Dec()
}
