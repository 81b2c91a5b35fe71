// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskTransitionsTotal     *prometheus.CounterVec
	occupiedLanes            prometheus.Gauge
	admissionRejectionsTotal prometheus.Counter
	executorDurationSeconds  *prometheus.HistogramVec
	propertiesExtractedTotal *prometheus.CounterVec
	checkpointErrorsTotal    prometheus.Counter
	dependencyEnqueuesTotal  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call more than
// once.
func Init() {
	once.Do(func() {
		taskTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_task_transitions_total",
				Help: "Total task status transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)

		occupiedLanes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_occupied_lanes",
				Help: "Number of site lanes currently holding a running task.",
			},
		)

		admissionRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_admission_rejections_total",
				Help: "Admission checks deferred due to host resource pressure.",
			},
		)

		executorDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_executor_duration_seconds",
				Help:    "Histogram of scrape executor run durations, labeled by site.",
				Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
			[]string{"site"},
		)

		propertiesExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_properties_extracted_total",
				Help: "Total property records extracted, labeled by site.",
			},
			[]string{"site"},
		)

		checkpointErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_checkpoint_errors_total",
				Help: "Checkpoint persist failures.",
			},
		)

		dependencyEnqueuesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_dependency_enqueues_total",
				Help: "Detail tasks enqueued from completed parents, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// RecordTransition counts a task transition into the given status.
func RecordTransition(status string) {
	if taskTransitionsTotal != nil {
		taskTransitionsTotal.WithLabelValues(status).Inc()
	}
}

// SetOccupiedLanes publishes current lane occupancy.
func SetOccupiedLanes(n int) {
	if occupiedLanes != nil {
		occupiedLanes.Set(float64(n))
	}
}

// RecordAdmissionRejection counts a deferred admission.
func RecordAdmissionRejection() {
	if admissionRejectionsTotal != nil {
		admissionRejectionsTotal.Inc()
	}
}

// RecordExecution observes one executor run.
func RecordExecution(site string, duration time.Duration, extracted int) {
	if executorDurationSeconds != nil {
		executorDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
	}
	if propertiesExtractedTotal != nil && extracted > 0 {
		propertiesExtractedTotal.WithLabelValues(site).Add(float64(extracted))
	}
}

// RecordCheckpointError counts a checkpoint persist failure.
func RecordCheckpointError() {
	if checkpointErrorsTotal != nil {
		checkpointErrorsTotal.Inc()
	}
}

// RecordDependencyEnqueue counts a child-task enqueue attempt.
func RecordDependencyEnqueue(outcome string) {
	if dependencyEnqueuesTotal != nil {
		dependencyEnqueuesTotal.WithLabelValues(outcome).Inc()
	}
}
