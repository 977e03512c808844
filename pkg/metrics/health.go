package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DefaultProbeTimeout bounds a single readiness probe
const DefaultProbeTimeout = 3 * time.Second

// Probe reports whether a component can serve requests
type Probe func(ctx context.Context) error

// ComponentStatus is the outcome of one probe
type ComponentStatus struct {
	Ready   bool   `json:"ready"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report is the body of /ready
type Report struct {
	Status     string                     `json:"status"` // "ready" or "not_ready"
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
}

// Ready reports whether every component passed
func (r Report) Ready() bool {
	return r.Status == "ready"
}

// Health runs readiness probes on request
type Health struct {
	version string
	timeout time.Duration
	start   time.Time

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewHealth creates a Health for the given build version. A zero timeout
// uses DefaultProbeTimeout.
func NewHealth(version string, timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if version != "" {
		BuildInfo.WithLabelValues(version).Set(1)
	}
	return &Health{
		version: version,
		timeout: timeout,
		start:   time.Now(),
		probes:  make(map[string]Probe),
	}
}

// Register adds or replaces the probe for component name
func (h *Health) Register(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// Check runs all probes concurrently, each under the probe timeout, and
// records the outcome on the component_up gauge
func (h *Health) Check(ctx context.Context) Report {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.RUnlock()

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]ComponentStatus, len(probes))
	)
	for name, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := h.run(ctx, probe)

			up := 0.0
			if status.Ready {
				up = 1
			}
			ComponentUp.WithLabelValues(name).Set(up)

			mu.Lock()
			components[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()

	report := Report{
		Status:     "ready",
		Timestamp:  time.Now(),
		Components: components,
		Version:    h.version,
		Uptime:     time.Since(h.start).Round(time.Second).String(),
	}
	for _, c := range components {
		if !c.Ready {
			report.Status = "not_ready"
		}
	}
	return report
}

func (h *Health) run(ctx context.Context, probe Probe) ComponentStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	timer := NewTimer()
	err := probe(ctx)
	status := ComponentStatus{Ready: err == nil, Latency: timer.Duration().Round(time.Microsecond).String()}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// ReadyHandler answers 200 when every probe passes and 503 otherwise
func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Check(r.Context())

		statusCode := http.StatusOK
		if !report.Ready() {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, report)
	}
}

// LivenessHandler answers 200 while the process is serving
func (h *Health) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "alive",
			"version": h.version,
			"uptime":  time.Since(h.start).Round(time.Second).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
