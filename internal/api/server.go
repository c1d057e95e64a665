package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)     // CORS for browser clients
	router.Use(RecoverMiddleware)  // Recover from panics
	router.Use(TracingMiddleware)  // OpenTelemetry tracing
	router.Use(IdentityMiddleware) // X-User-ID / X-User-Role
	router.Use(LoggingMiddleware)  // Request logging
	router.Use(metrics.Middleware) // Prometheus request metrics
	router.Use(middleware.RealIP)  // Extract real IP

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	// Long-lived alert streams stay uncompressed.
	router.Get("/alerts/stream", handler.StreamAlerts)
	router.Get("/alerts/ws", handler.AlertsWebSocket)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Post("/evaluate", handler.Evaluate)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", handler.ListRules)
			r.Get("/{id}", handler.GetRule)

			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/", handler.CreateRule)
				r.Put("/{id}/toggle", handler.ToggleRule)
				r.Delete("/{id}", handler.DeleteRule)
			})
		})

		r.Route("/cases", func(r chi.Router) {
			r.Get("/", handler.ListCases)
			r.Get("/{id}", handler.GetCase)
			r.Group(func(r chi.Router) {
				r.Use(RequireIdentity)
				r.Post("/{id}/claim", handler.ClaimCase)
				r.Post("/{id}/assign", handler.AssignCase)
				r.Post("/{id}/resolve", handler.ResolveCase)
			})
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Alert streams are closed
// first; http.Server.Shutdown does not interrupt long-lived responses.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.handler.alerts != nil {
		if err := s.handler.alerts.Close(); err != nil {
			slog.Warn("failed to close alert broadcaster", "error", err)
		}
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
