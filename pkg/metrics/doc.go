/*
Package metrics exposes shipyard's Prometheus metrics and health endpoints.

All vectors are registered with the default registry at init and served by
Handler on /metrics.

# Metrics

Inventory (gauges, refreshed by Collector from the store):

  - shipyard_containers_total{status}
  - shipyard_uploaded_images_total{status}
  - shipyard_docker_images_active

Lifecycle:

  - shipyard_image_loads_total{result}
  - shipyard_container_transitions_total{operation,result}
  - shipyard_runtime_operation_duration_seconds{operation}
  - shipyard_runtime_errors_total{operation}

Reconciliation:

  - shipyard_reconciliation_duration_seconds
  - shipyard_reconciliation_cycles_total
  - shipyard_drift_events_total{kind}

API:

  - shipyard_api_requests_total{method,status}
  - shipyard_api_request_duration_seconds{method}

Health:

  - shipyard_component_up{component}
  - shipyard_build_info{version}

# Timing

	timer := metrics.NewTimer()
	err := rt.StartContainer(ctx, id)
	timer.ObserveDurationVec(metrics.RuntimeOperationDuration, "start_container")

# Health

Health runs registered probes concurrently, each bounded by a timeout, and
exports the outcome as shipyard_component_up{component}. ReadyHandler answers
503 when any probe fails; LivenessHandler always answers 200.
*/
package metrics
