// Package server provides the HTTP surface of the engine: status snapshots,
// on-demand task submission, cancellation, event triggering and the history
// archive. It only reads snapshots and forwards commands; the real work
// happens in the queue manager and the scheduler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/history"
	"github.com/aristath/vigil/internal/queue"
	"github.com/aristath/vigil/internal/scheduler"
)

// Config carries the server's port and dependencies.
type Config struct {
	Port      int
	Manager   *queue.Manager
	Scheduler *scheduler.Scheduler
	History   *history.Repository
	Bus       *events.Bus
	Log       zerolog.Logger
}

// Server wraps the chi router and the underlying http.Server.
type Server struct {
	router chi.Router
	server *http.Server
	log    zerolog.Logger

	manager   *queue.Manager
	scheduler *scheduler.Scheduler
	history   *history.Repository
	bus       *events.Bus

	startedAt time.Time
}

// New creates the HTTP server and wires up middleware and routes.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		manager:   cfg.Manager,
		scheduler: cfg.Scheduler,
		history:   cfg.History,
		bus:       cfg.Bus,
		startedAt: time.Now().UTC(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		stream := newEventsStream(s.bus, s.log)
		r.Get("/events/stream", stream.ServeHTTP)
		r.Post("/events/{name}", s.handleTriggerEvent)

		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)

		r.Post("/tasks", s.handleScheduleTask)
		r.Delete("/tasks/{id}", s.handleCancelTask)
	})
}

// Start starts the HTTP server (blocking)
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests with structured fields
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
