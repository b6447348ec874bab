// Package mockapi is a scripted stand-in for the agent backend. It serves the
// session REST routes and replays scripted turns over server-sent events.
package mockapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds mock server configuration.
type Config struct {
	Listen    string
	Token     string
	StepDelay time.Duration
}

// Server represents the mock backend HTTP server.
type Server struct {
	config    Config
	scripts   *ScriptSet
	sessions  *registry
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new mock server instance.
func New(config Config, scripts *ScriptSet, logger *slog.Logger) *Server {
	if scripts == nil {
		scripts = DefaultScripts()
	}
	return &Server{
		config:    config,
		scripts:   scripts,
		sessions:  newRegistry(),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // event streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("mock backend starting", "listen", s.config.Listen, "auth", s.config.Token != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("mock backend shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/", s.handleUpdateSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/tokens", s.handleGetTokens)
			r.Get("/stream", s.handleStream)
			r.Post("/interrupt", s.handleInterrupt)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
