// Package api exposes the segmentation engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/segment"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, segments *segment.Service, cat *catalog.Catalog, version string) *Server {
	handler := NewHandler(repo, cache, segments, cat, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.CORSOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Get("/fields", handler.Fields)

		r.Route("/segments", func(r chi.Router) {
			r.Get("/", handler.ListSegments)
			r.Post("/", handler.CreateSegment)
			r.Post("/preview", handler.PreviewSegment)
			r.Post("/recalculate", handler.RecalculateAll)
			r.Post("/suggest", handler.SuggestSegment)

			r.Get("/{id}", handler.GetSegment)
			r.Put("/{id}", handler.UpdateSegment)
			r.Delete("/{id}", handler.DeleteSegment)
			r.Post("/{id}/recalculate", handler.RecalculateSegment)
		})

		r.Post("/customers", handler.CreateCustomer)
		r.Post("/customers/{id}/orders", handler.CreateOrder)
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

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
