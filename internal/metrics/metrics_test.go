package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ExecutionFinished("r", "completed", time.Second)
		m.StepFinished("action", "completed")
		m.ActionExecuted("echo", "ok")
		m.ApprovalResolved("approved")
		m.RetryScheduled("r")
		m.QueueDepth(3)
		m.QueueRejected()
		m.WorkerBusy()
		m.WorkerIdle()
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ExecutionFinished("route", "completed", 50*time.Millisecond)
	m.ExecutionFinished("route", "completed", 0)
	m.ExecutionFinished("route", "failed", time.Second)
	m.QueueRejected()
	m.WorkerBusy()
	m.WorkerBusy()
	m.WorkerIdle()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("route", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("route", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workersBusy))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "ruleflow_executions_total")
	assert.Contains(t, names, "ruleflow_execution_duration_seconds")
}
