package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"hookbuild/internal/build"
	"hookbuild/internal/config"
	"hookbuild/internal/history"
	"hookbuild/internal/origin"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts. No write timeout: webhook responses wait
	// for the build.
	HTTPReadHeaderTimeout = 5 * time.Second
	HTTPReadTimeout       = 30 * time.Second
	HTTPIdleTimeout       = 60 * time.Second
)

// BuildQueue is the part of build.Queue the server depends on.
type BuildQueue interface {
	Submit(ctx context.Context, req build.Request) (*build.Job, error)
	Stats() build.Stats
	Close(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	Config  *config.Config
	Filter  *origin.Filter
	Queue   BuildQueue
	History *history.History // nil when history is disabled
	Logger  *slog.Logger

	secret []byte
	http   *http.Server
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, filter *origin.Filter, queue BuildQueue, hist *history.History, logger *slog.Logger) *Server {
	s := &Server{
		Config:  cfg,
		Filter:  filter,
		Queue:   queue,
		History: hist,
		Logger:  logger,
		secret:  []byte(cfg.Secret),
	}

	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: HTTPReadHeaderTimeout,
		ReadTimeout:       HTTPReadTimeout,
		IdleTimeout:       HTTPIdleTimeout,
	}

	return s
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.HandleRoot)
	r.Get("/health", s.HandleHealth)
	r.Get("/status", s.HandleStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAllowedOrigin)
		if s.Config.RateLimit > 0 {
			r.Use(s.rateLimit(s.Config.RateLimit))
		}
		r.Post("/webhook", s.HandleWebhook)
	})

	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	s.Logger.Info("Starting server", "addr", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, waits for in-flight deliveries
// and queued builds, then closes the history database.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if err := s.Queue.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.History != nil {
		if err := s.History.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing history: %w", err))
		}
	}

	return errors.Join(errs...)
}
