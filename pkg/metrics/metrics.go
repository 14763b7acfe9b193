package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WaitingQueueDepth tracks the number of WorkloadOperations currently
	// parked on the scheduler's waiting queue.
	WaitingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_waiting_queue_depth",
			Help: "Number of workload operations parked on the waiting queue",
		},
	)

	OperationsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_operations_admitted_total",
			Help: "Total number of workload operations admitted to execution",
		},
		[]string{"kind"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_scheduling_latency_seconds",
			Help:    "Time an operation spent on the waiting queue before admission",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Workload control loop metrics.
	WorkloadStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_workload_state_transitions_total",
			Help: "Total number of workload execution-state transitions emitted",
		},
		[]string{"state"},
	)

	CreateRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_create_retries_total",
			Help: "Total number of create retries attempted by workload control loops",
		},
		[]string{"workload"},
	)

	RetryBackoffSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_retry_backoff_seconds",
			Help:    "Backoff duration chosen before a create retry",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_restarts_total",
			Help: "Total number of restart-policy-triggered restarts",
		},
		[]string{"workload", "policy"},
	)

	RuntimeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_runtime_operation_duration_seconds",
			Help:    "Duration of runtime connector operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime", "op"},
	)

	// Control-interface gateway metrics.
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_gateway_requests_total",
			Help: "Total number of control-interface requests handled",
		},
		[]string{"workload", "outcome"},
	)

	GatewayAuthorizationDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_gateway_authorization_denied_total",
			Help: "Total number of control-interface requests denied by the authorizer",
		},
		[]string{"workload"},
	)

	GatewayActiveHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_gateway_active_handles",
			Help: "Number of currently open control-interface FIFO handles",
		},
	)

	// Log facade metrics.
	LogSubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_log_subscriptions_active",
			Help: "Number of active log-forwarding subscriptions",
		},
	)

	// Agent load sampling.
	HostCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_host_cpu_percent",
			Help: "Most recently sampled host CPU utilization percentage",
		},
	)

	HostFreeMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_host_free_memory_bytes",
			Help: "Most recently sampled host free memory in bytes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WaitingQueueDepth,
		OperationsAdmittedTotal,
		SchedulingLatency,
		WorkloadStateTransitionsTotal,
		CreateRetriesTotal,
		RetryBackoffSeconds,
		RestartsTotal,
		RuntimeOperationDuration,
		GatewayRequestsTotal,
		GatewayAuthorizationDeniedTotal,
		GatewayActiveHandles,
		LogSubscriptionsActive,
		HostCPUPercent,
		HostFreeMemoryBytes,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
