package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/config"
	"github.com/davidbz/kiln/internal/http/middleware"
	"github.com/davidbz/kiln/internal/observability"
)

// Server represents the HTTP server.
type Server struct {
	config      config.ServerConfig
	handler     *Handler
	middlewares middleware.Middleware
	srv         *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.ServerConfig,
	handler *Handler,
	middlewares middleware.Middleware,
) *Server {
	return &Server{
		config:      *cfg,
		handler:     handler,
		middlewares: middlewares,
		srv:         nil,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Request endpoints.
	mux.HandleFunc("POST /v1/completions", s.handler.HandleCompletion)
	mux.HandleFunc("POST /v1/embeddings", s.handler.HandleEmbedding)

	// Health and metrics.
	mux.HandleFunc("GET /health", s.handler.HandleHealth)
	mux.HandleFunc("GET /v1/metrics", s.handler.HandleMetrics)
	mux.HandleFunc("DELETE /v1/metrics", s.handler.HandleClearMetrics)

	// Operator endpoints.
	mux.HandleFunc("GET /v1/providers", s.handler.HandleProviders)
	mux.HandleFunc("GET /v1/providers/{name}", s.handler.HandleProviderStatus)
	mux.HandleFunc("POST /v1/providers/{name}/enable", s.handler.HandleEnableProvider)
	mux.HandleFunc("POST /v1/providers/{name}/disable", s.handler.HandleDisableProvider)
	mux.HandleFunc("POST /v1/providers/{name}/reset", s.handler.HandleResetProvider)
	mux.HandleFunc("POST /v1/providers/{name}/breaker", s.handler.HandleForceBreaker)
	mux.HandleFunc("GET /v1/breakers", s.handler.HandleBreakers)
	mux.HandleFunc("GET /v1/config", s.handler.HandleConfiguration)
	mux.HandleFunc("PATCH /v1/config", s.handler.HandleUpdateConfiguration)

	// Apply middleware chain.
	handlerWithMiddleware := s.middlewares(mux)

	// Create server with timeouts.
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      handlerWithMiddleware,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
	}

	ctx := context.Background()
	observability.FromContext(ctx).Info("starting HTTP server", zap.Int("port", s.config.Port))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
