package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory gauges, refreshed by the Collector
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shipyard_containers_total",
			Help: "Number of container records by status",
		},
		[]string{"status"},
	)

	UploadedImagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shipyard_uploaded_images_total",
			Help: "Number of uploaded image archives by status",
		},
		[]string{"status"},
	)

	DockerImagesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shipyard_docker_images_active",
			Help: "Number of active runtime image records",
		},
	)

	// Lifecycle metrics
	ImageLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_image_loads_total",
			Help: "Image loads by result",
		},
		[]string{"result"},
	)

	ContainerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_container_transitions_total",
			Help: "Container operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// Runtime metrics
	RuntimeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipyard_runtime_operation_duration_seconds",
			Help:    "Runtime call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RuntimeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_runtime_errors_total",
			Help: "Failed runtime calls by operation",
		},
		[]string{"operation"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shipyard_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shipyard_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes",
		},
	)

	DriftEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_drift_events_total",
			Help: "Drift and orphan detections by kind",
		},
		[]string{"kind"},
	)

	// Health metrics
	ComponentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shipyard_component_up",
			Help: "Whether the last readiness probe of a component succeeded",
		},
		[]string{"component"},
	)

	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shipyard_build_info",
			Help: "Always 1, labelled with the running version",
		},
		[]string{"version"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipyard_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipyard_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(UploadedImagesTotal)
	prometheus.MustRegister(DockerImagesActive)
	prometheus.MustRegister(ImageLoadsTotal)
	prometheus.MustRegister(ContainerTransitionsTotal)
	prometheus.MustRegister(RuntimeOperationDuration)
	prometheus.MustRegister(RuntimeErrorsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(DriftEventsTotal)
	prometheus.MustRegister(ComponentUp)
	prometheus.MustRegister(BuildInfo)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation and reports it to a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled child of h
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Result returns the result label for an error
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveRuntime records the duration and outcome of a runtime call
func ObserveRuntime(operation string, timer *Timer, err error) {
	timer.ObserveDurationVec(RuntimeOperationDuration, operation)
	if err != nil {
		RuntimeErrorsTotal.WithLabelValues(operation).Inc()
	}
}
