// Package server provides the HTTP match surface for rulesense.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/rulesense/internal/analytics"
	"github.com/hyperjump/rulesense/internal/config"
	"github.com/hyperjump/rulesense/internal/matcher"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vectorcache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Matcher is the part of the hybrid matcher the server uses.
type Matcher interface {
	MatchDetailed(ctx context.Context, op string, input models.OperationInput) matcher.Outcome
	Status() matcher.Status
}

// Server is the HTTP server for the match API.
type Server struct {
	matcher Matcher
	views   analytics.Store
	cache   *vectorcache.Cache
	reload  func(context.Context) error
	config  *config.ServerConfig
	logger  *zap.Logger
	started time.Time
	server  *http.Server
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithAnalytics records the rules returned by each match in store.
func WithAnalytics(store analytics.Store) Option {
	return func(s *Server) { s.views = store }
}

// WithCache exposes the vector cache in status and enables cache invalidation.
func WithCache(c *vectorcache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithReload sets the function that reloads the catalog into the matcher.
func WithReload(fn func(context.Context) error) Option {
	return func(s *Server) { s.reload = fn }
}

// NewServer creates a server with the given dependencies.
func NewServer(m Matcher, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		matcher: m,
		config:  cfg,
		logger:  logger,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP handler with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/match", s.handleMatch)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/api/v1/stats", s.handleStats)
	r.Post("/api/v1/reload", s.handleReload)
	r.Post("/api/v1/cache/invalidate", s.handleCacheInvalidate)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
