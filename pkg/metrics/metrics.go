package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration measures HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// SelectionsTotal counts instance selections by strategy and outcome.
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_selections_total",
			Help: "Total instance selections",
		},
		[]string{"strategy", "outcome"},
	)

	// AdmissionDecisions counts admission decisions.
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_admission_decisions_total",
			Help: "Admission decisions by rule and outcome",
		},
		[]string{"rule", "outcome"},
	)

	// AdmissionFailOpen counts fail-open events in the admission controller.
	AdmissionFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_admission_fail_open_total",
			Help: "Admission checks that failed open",
		},
		[]string{"endpoint"},
	)

	// CacheOperations counts cache lookups by result.
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_operations_total",
			Help: "Cache operations by result (hit, miss, evict, expire)",
		},
		[]string{"result"},
	)

	// CacheSavedCost counts provider cost avoided by cache hits.
	CacheSavedCost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_saved_cost_dollars_total",
			Help: "Total provider cost in dollars avoided by cache hits",
		},
	)

	// QueueDepth tracks queued tasks by status.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Number of tasks in the queue by status",
		},
		[]string{"status"},
	)

	// TasksTotal counts terminal task outcomes.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_total",
			Help: "Tasks reaching a terminal state",
		},
		[]string{"kind", "status"},
	)

	// ProviderCostTotal counts total provider cost.
	ProviderCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_provider_cost_dollars_total",
			Help: "Total provider cost in dollars",
		},
		[]string{"model", "provider"},
	)

	// InstanceLoad tracks per-instance concurrent load.
	InstanceLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_instance_load",
			Help: "Current concurrent requests per instance",
		},
		[]string{"instance"},
	)

	// SystemLoadScore tracks the composite system load score.
	SystemLoadScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_system_load_score",
			Help: "Composite system load score in [0,1]",
		},
	)
)
