/*
Package metrics provides Prometheus metrics collection and exposition for
the agent.

It defines and registers every agent metric using the Prometheus client
library, giving observability into scheduling behavior, runtime
operation latency, gateway traffic, and host resource pressure. Metrics
are exposed via an HTTP endpoint for scraping by a Prometheus server.

# Metrics Catalog

Scheduler Metrics:

agent_waiting_queue_depth:
  - Type: Gauge
  - Description: Number of operations currently parked in the
    WaitingQueue pending dependency satisfaction.

agent_operations_admitted_total{kind}:
  - Type: Counter
  - Description: Total operations the scheduler admitted, by operation
    kind (Create/Update/UpdateDeleteOnly/Delete).

agent_scheduling_latency_seconds:
  - Type: Histogram
  - Description: Time an operation spends in the WaitingQueue before
    admission.

Workload State Metrics:

agent_workload_state_transitions_total{state}:
  - Type: Counter
  - Description: Total WorkloadState transitions emitted, by
    destination ExecutionState kind.

agent_create_retries_total{workload}:
  - Type: Counter
  - Description: Total Create retries issued by a Workload Control Loop,
    by workload name.

agent_retry_backoff_seconds:
  - Type: Histogram
  - Description: Backoff duration chosen before a retried Create.

agent_restarts_total{workload,policy}:
  - Type: Counter
  - Description: Total restarts driven by a RestartPolicy, by workload
    name and policy.

Runtime Connector Metrics:

agent_runtime_operation_duration_seconds{runtime,op}:
  - Type: Histogram
  - Description: Duration of a runtime connector operation
    (create/delete), by runtime name and operation.

Control-Interface Gateway Metrics:

agent_gateway_requests_total{workload,outcome}:
  - Type: Counter
  - Description: Total control-interface requests dispatched, by
    workload instance and outcome (forwarded/denied/error).

agent_gateway_authorization_denied_total{workload}:
  - Type: Counter
  - Description: Total requests rejected by the Authorizer, by workload
    instance.

agent_gateway_active_handles:
  - Type: Gauge
  - Description: Number of open control-interface sessions.

agent_log_subscriptions_active:
  - Type: Gauge
  - Description: Number of active log subscriptions being forwarded.

Host Metrics:

agent_host_cpu_percent:
  - Type: Gauge
  - Description: Host CPU utilization sampled from /proc/stat.

agent_host_free_memory_bytes:
  - Type: Gauge
  - Description: Host free memory sampled from /proc/meminfo.

# Usage

	import "github.com/cuemby/ankaios-agent/pkg/metrics"

	metrics.WaitingQueueDepth.Set(3)
	metrics.OperationsAdmittedTotal.WithLabelValues("Create").Inc()

	timer := metrics.NewTimer()
	// ... perform the operation ...
	timer.ObserveDurationVec(metrics.RuntimeOperationDuration, "podman", "create")

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

Package Init Registration:
  - All metrics are registered in init() via MustRegister, which panics
    on duplicate registration, so a metric is always present before
    anything in the process could observe it.

Label Discipline:
  - Most labels are low-cardinality (operation kind, state kind,
    runtime name, outcome, restart policy). The create-retry, restart
    and gateway counters also carry a workload name or instance label,
    so their series count grows with the number of workloads.

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
