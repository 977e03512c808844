package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/reconciler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Reconciler is the part of the reconciler the API drives
type Reconciler interface {
	Trigger()
	Reconcile(ctx context.Context) (*reconciler.Report, error)
}

// Deps are the components behind the API
type Deps struct {
	Images     *manager.ImageManager
	Containers *manager.ContainerManager
	Reconciler Reconciler
	Broker     *events.Broker
	Store      StorePinger
	Runtime    RuntimePinger
	Version    string
}

// Server is the REST API
type Server struct {
	router     chi.Router
	logger     zerolog.Logger
	images     *manager.ImageManager
	containers *manager.ContainerManager
	reconciler Reconciler
	broker     *events.Broker
	health     *HealthServer

	// streams is cancelled by Shutdown to end open event streams
	streams     context.Context
	stopStreams context.CancelFunc

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates the API server and its routes
func NewServer(logger zerolog.Logger, deps Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger,
		images:     deps.Images,
		containers: deps.Containers,
		reconciler: deps.Reconciler,
		broker:     deps.Broker,
		health:     NewHealthServer(deps.Store, deps.Runtime, deps.Version),
	}

	s.streams, s.stopStreams = context.WithCancel(context.Background())

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(Metrics)
}

func (s *Server) setupRoutes() {
	s.health.Mount(s.router)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/images", func(r chi.Router) {
			r.Post("/upload", s.uploadImage)

			r.Get("/uploaded", s.listUploadedImages)
			r.Get("/uploaded/{id}", s.getUploadedImage)
			r.Post("/uploaded/{id}/load", s.loadImage)
			r.Delete("/uploaded/{id}", s.deleteUploadedImage)

			r.Get("/docker", s.listDockerImages)
			r.Get("/docker/{id}", s.getDockerImage)
			r.Post("/docker/{id}/load", s.reloadDockerImage)
			r.Delete("/docker/{id}", s.deleteDockerImage)
		})

		r.Route("/containers", func(r chi.Router) {
			r.Post("/", s.createContainer)
			r.Get("/", s.listContainers)
			r.Get("/{id}", s.getContainer)
			r.Post("/{id}/start", s.startContainer)
			r.Post("/{id}/stop", s.stopContainer)
			r.Delete("/{id}", s.deleteContainer)
			r.Get("/{id}/logs", s.containerLogs)
		})

		r.Post("/reconcile", s.reconcile)
		r.Get("/events", s.streamEvents)
	})
}

// Handler returns the router for embedding or testing
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopStreams()

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
