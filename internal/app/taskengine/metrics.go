package taskengine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Task Engine's Prometheus collectors, grounded on
// infrastructure/metrics.Metrics's shape (CounterVec/HistogramVec/Gauge
// fields built in a constructor and registered once) but scoped to the
// engine's own claim/execute/retry counters instead of HTTP and
// blockchain metrics.
type Metrics struct {
	TasksClaimedTotal    *prometheus.CounterVec
	TasksSucceededTotal  *prometheus.CounterVec
	TasksFailedTotal     *prometheus.CounterVec
	TasksRetriedTotal    *prometheus.CounterVec
	TasksCanceledTotal   *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ClaimBatchSize       prometheus.Histogram
	WorkerPoolQueueDepth prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered against registerer. A nil
// registerer (the engine's default) skips registration entirely, letting
// tests construct Metrics repeatedly without tripping prometheus's
// duplicate-registration panic.
func NewMetrics(workerID string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_claimed_total",
				Help: "Total number of tasks claimed by this worker",
			},
			[]string{"worker_id"},
		),
		TasksSucceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_succeeded_total",
				Help: "Total number of tasks that reached SUCCEEDED",
			},
			[]string{"worker_id", "classification"},
		),
		TasksFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_failed_total",
				Help: "Total number of tasks that reached FAILED",
			},
			[]string{"worker_id", "classification"},
		),
		TasksRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_retried_total",
				Help: "Total number of WAITING_RETRY transitions",
			},
			[]string{"worker_id", "classification"},
		),
		TasksCanceledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_canceled_total",
				Help: "Total number of tasks canceled",
			},
			[]string{"worker_id"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_execution_duration_seconds",
				Help:    "Task execution duration from claim to terminal/retry transition",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"worker_id", "classification"},
		),
		ClaimBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskengine_claim_batch_size",
				Help:    "Number of tasks claimed per scheduler tick",
				Buckets: prometheus.LinearBuckets(0, 2, 10),
			},
		),
		WorkerPoolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskengine_worker_pool_active_jobs",
				Help: "Current number of jobs dispatched to the worker pool",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.TasksClaimedTotal,
			m.TasksSucceededTotal,
			m.TasksFailedTotal,
			m.TasksRetriedTotal,
			m.TasksCanceledTotal,
			m.ExecutionDuration,
			m.ClaimBatchSize,
			m.WorkerPoolQueueDepth,
		)
	}

	return m
}

func (m *Metrics) recordClaim(workerID string, n int) {
	if m == nil {
		return
	}
	if n > 0 {
		m.TasksClaimedTotal.WithLabelValues(workerID).Add(float64(n))
	}
	m.ClaimBatchSize.Observe(float64(n))
}

func (m *Metrics) recordTerminal(workerID, classification, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionDuration.WithLabelValues(workerID, classification).Observe(elapsed.Seconds())
	switch status {
	case "SUCCEEDED":
		m.TasksSucceededTotal.WithLabelValues(workerID, classification).Inc()
	case "FAILED":
		m.TasksFailedTotal.WithLabelValues(workerID, classification).Inc()
	case "WAITING_RETRY":
		m.TasksRetriedTotal.WithLabelValues(workerID, classification).Inc()
	case "CANCELED":
		m.TasksCanceledTotal.WithLabelValues(workerID).Inc()
	}
}
