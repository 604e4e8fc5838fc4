// Package server exposes the question-answering service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/docqa/docqa/internal/auth"
	"github.com/docqa/docqa/internal/index"
	"github.com/docqa/docqa/internal/ingestion"
	"github.com/docqa/docqa/internal/repository"
	"github.com/docqa/docqa/internal/service"
)

// Config holds configuration for the HTTP server
type Config struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string

	Answers    *service.AnswerService
	Registry   *index.Registry
	Chunker    *ingestion.Chunker
	Tenants    repository.TenantRepository
	Auth       *auth.Middleware
	JWTManager *auth.JWTManager

	// Ready reports readiness for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wraps an HTTP server with the API routes mounted.
type Server struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger

	answers    *service.AnswerService
	registry   *index.Registry
	chunker    *ingestion.Chunker
	tenants    repository.TenantRepository
	jwtManager *auth.JWTManager
	ready      func(ctx context.Context) error
}

// New creates an HTTP server with all routes registered.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &Server{
		router:     router,
		logger:     logger,
		answers:    cfg.Answers,
		registry:   cfg.Registry,
		chunker:    cfg.Chunker,
		tenants:    cfg.Tenants,
		jwtManager: cfg.JWTManager,
		ready:      cfg.Ready,
	}

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)

	router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.RequireTenant)
			r.Post("/ask", s.handleAsk)
			r.Post("/ask/stream", s.handleAskStream)
			r.Post("/documents", s.handleAddDocument)
			r.Get("/documents", s.handleListDocuments)
			r.Delete("/documents/{docID}", s.handleDeleteDocument)
			r.Post("/index/rebuild", s.handleRebuild)
		})

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.RequireAdmin)
			r.Post("/tenants", s.handleCreateTenant)
			r.Get("/tenants", s.handleListTenants)
			r.Get("/tenants/{tenantID}", s.handleGetTenant)
			r.Put("/tenants/{tenantID}", s.handleUpdateTenant)
			r.Delete("/tenants/{tenantID}", s.handleDeleteTenant)
			r.Post("/tenants/{tenantID}/apikey", s.handleRotateAPIKey)
			r.Post("/tenants/{tenantID}/token", s.handleIssueToken)
		})
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Streaming LLM responses can run long
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying chi router for additional route registration
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
