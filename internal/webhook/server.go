// Package webhook serves the manager's HTTP surface: the GitHub
// webhook receiver that feeds the dispatcher, a health endpoint, and a
// read-only API for operators inspecting the fleet.
//
// The webhook endpoint authenticates deliveries with the shared HMAC
// secret; the API endpoints take an optional static bearer key.  All
// responses use a JSON envelope.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/paddock-ci/paddock/internal/dispatch"
	"github.com/paddock-ci/paddock/internal/fleet"
	"github.com/paddock-ci/paddock/internal/store"
)

const shutdownTimeout = 10 * time.Second

// EventSink receives the platform events decoded from webhook
// deliveries.  The dispatcher satisfies it.
type EventSink interface {
	Handle(ctx context.Context, ev dispatch.Event) error
}

// Config wires a Server.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// WebhookSecret verifies delivery signatures.  Required: deliveries
	// drive fleet mutations, so unsigned traffic is rejected.
	WebhookSecret []byte

	// APIKey guards /api/v1 when non-empty.
	APIKey string

	Store  store.Store
	Events EventSink
	Groups []fleet.Group

	// Health is mounted at GET /healthz when set.
	Health http.HandlerFunc

	Logger *slog.Logger
}

// Server is the HTTP front of the manager.
type Server struct {
	addr   string
	secret []byte
	apiKey string
	store  store.Store
	events EventSink
	groups []fleet.Group
	health http.HandlerFunc
	logger *slog.Logger

	router http.Handler
}

// New builds a Server and its route table.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("webhook: store is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("webhook: event sink is required")
	}
	if len(cfg.WebhookSecret) == 0 {
		return nil, errors.New("webhook: webhook secret is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{
		addr:   cfg.Addr,
		secret: cfg.WebhookSecret,
		apiKey: cfg.APIKey,
		store:  cfg.Store,
		events: cfg.Events,
		groups: cfg.Groups,
		health: cfg.Health,
		logger: cfg.Logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger(s.logger))
	r.Use(recovery(s.logger))

	// Delivery signatures authenticate the webhook; /healthz stays
	// public for load balancers.
	r.Post("/webhook", s.handleWebhook)
	if s.health != nil {
		r.Get("/healthz", s.health)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireKey(s.apiKey))

		r.Get("/groups", s.listGroups)
		r.Get("/groups/{group}/runners", s.listGroupRunners)
		r.Get("/runners", s.listRunners)
		r.Get("/runners/{id}", s.getRunner)
	})

	return r
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
