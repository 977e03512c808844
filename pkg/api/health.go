package api

import (
	"context"
	"errors"

	"github.com/cuemby/shipyard/pkg/metrics"
	"github.com/go-chi/chi/v5"
)

// StorePinger is the store's liveness probe
type StorePinger interface {
	Ping() error
}

// RuntimePinger is the runtime's liveness probe
type RuntimePinger interface {
	Ping(ctx context.Context) error
}

var errNotInitialized = errors.New("not initialized")

// HealthServer serves liveness, readiness and metrics endpoints
type HealthServer struct {
	health *metrics.Health
}

// NewHealthServer creates health handlers probing store and runtime
func NewHealthServer(store StorePinger, rt RuntimePinger, version string) *HealthServer {
	h := metrics.NewHealth(version, metrics.DefaultProbeTimeout)
	h.Register("store", func(context.Context) error {
		if store == nil {
			return errNotInitialized
		}
		return store.Ping()
	})
	h.Register("runtime", func(ctx context.Context) error {
		if rt == nil {
			return errNotInitialized
		}
		return rt.Ping(ctx)
	})
	return &HealthServer{health: h}
}

// Mount registers /health, /ready and /metrics on r
func (hs *HealthServer) Mount(r chi.Router) {
	r.Get("/health", hs.health.LivenessHandler())
	r.Get("/ready", hs.health.ReadyHandler())
	r.Handle("/metrics", metrics.Handler())
}
