package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/config"
	"github.com/foxzi/autopost/internal/document"
	"github.com/foxzi/autopost/internal/ipfilter"
	"github.com/foxzi/autopost/internal/metrics"
	"github.com/foxzi/autopost/internal/runner"
)

// Version is reported by /health
var Version = "dev"

// Scheduler is the part of the campaign scheduler the API drives
type Scheduler interface {
	RunNow(ctx context.Context, id string) (*runner.Report, error)
	Trigger(ctx context.Context, id, key string) (*runner.Report, error)
	TriggerURL(ctx context.Context, baseURL, id string) (string, error)
	ScheduleOrUnschedule(ctx context.Context, id string) error
}

// Documents reads stored documents
type Documents interface {
	Get(ctx context.Context, id string) (*document.Document, error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      campaign.Store
	scheduler  Scheduler
	documents  Documents
	config     *config.APIConfig
	baseURL    string
	filter     *ipfilter.Filter
	tlsConfig  *tls.Config
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(store campaign.Store, sched Scheduler, docs Documents, cfg *config.APIConfig, baseURL string, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		scheduler: sched,
		documents: docs,
		config:    cfg,
		baseURL:   baseURL,
		filter:    ipfilter.New(cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// External trigger, gated by the trigger secret instead of the API key
	s.router.Get("/", s.handleTrigger)
	s.router.Post("/", s.handleTrigger)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)

		r.Get("/campaigns", s.handleListCampaigns)
		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Put("/campaigns/{id}", s.handleUpdateCampaign)
		r.Delete("/campaigns/{id}", s.handleDeleteCampaign)
		r.Post("/campaigns/{id}/run", s.handleRunCampaign)
		r.Get("/campaigns/{id}/logs", s.handleCampaignLogs)

		r.Get("/logs", s.handleLogs)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Get("/trigger", s.handleTriggerURL)
	})
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetTLSConfig makes ListenAndServe serve HTTPS
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.tlsConfig = cfg
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		TLSConfig:      s.tlsConfig,
	}

	if s.tlsConfig != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
