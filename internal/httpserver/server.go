package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/config"
	"github.com/PortNumber53/creator-membership/backend/internal/handlers"
	requestlogging "github.com/PortNumber53/creator-membership/backend/internal/middleware"
	"github.com/PortNumber53/creator-membership/backend/internal/worker"
)

// Dependencies are the components the router exposes. Nil entries leave their
// routes unregistered.
type Dependencies struct {
	DB            handlers.Pinger
	Webhook       *handlers.PayPalWebhookHandler
	Subscriptions handlers.SubscriptionReader
	Seats         handlers.SeatReporter
	Worker        *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	logger     *zap.Logger
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestlogging.NewRequestLogger(logger).Middleware())
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB))

	if deps.Webhook != nil {
		deps.Webhook.RegisterRoutes(router)
	}
	if deps.Subscriptions != nil {
		router.Get("/api/billing/subscriptions/{subscriptionID}", handlers.GetSubscription(deps.Subscriptions, logger))
	}
	if deps.Seats != nil {
		router.Get("/api/membership/elite/seats", handlers.EliteSeats(deps.Seats, logger))
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, logger: logger}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info("[server] starting follow-up worker")
		s.worker.Start(ctx)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info("[server] shutting down follow-up worker")
		if err := s.worker.Stop(ctx); err != nil {
			s.logger.Warn("[server] worker shutdown error", zap.Error(err))
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
