package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/autopost/internal/api"
	"github.com/foxzi/autopost/internal/campaign"
	"github.com/foxzi/autopost/internal/config"
	"github.com/foxzi/autopost/internal/document"
	"github.com/foxzi/autopost/internal/generation"
	"github.com/foxzi/autopost/internal/metrics"
	"github.com/foxzi/autopost/internal/notify"
	"github.com/foxzi/autopost/internal/provider"
	"github.com/foxzi/autopost/internal/ratelimit"
	"github.com/foxzi/autopost/internal/runner"
	"github.com/foxzi/autopost/internal/sanitize"
	"github.com/foxzi/autopost/internal/scheduler"
	apitls "github.com/foxzi/autopost/internal/tls"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *bolt.DB
	campaigns     *campaign.BoltStorage
	documents     *document.BoltStorage
	executor      *runner.Executor
	scheduler     *scheduler.Scheduler
	apiServer     *api.Server
	acmeManager   *apitls.ACMEManager
	acmeServer    *http.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	rateLimiter   *ratelimit.Limiter
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging)

	return build(cfg, logger)
}

func build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Create storage
	db, err := campaign.OpenDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{config: cfg, db: db, logger: logger}
	if err := a.init(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.config
	logger := a.logger
	var err error

	a.campaigns, err = campaign.NewBoltStorage(a.db, cfg.Generation.LogCapacity)
	if err != nil {
		return fmt.Errorf("failed to create campaign storage: %w", err)
	}

	a.documents, err = document.NewBoltStorage(a.db, cfg.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to create document storage: %w", err)
	}

	// Create rate limiter if enabled
	var allower provider.Allower
	if cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(a.db, cfg.LimiterConfig())
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		allower = a.rateLimiter
		logger.Info("rate limiting enabled")
	}

	// Metrics are registered before any component records them
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		a.collector, err = metrics.NewCollector(a.db, m, campaignStats{a.campaigns}, cfg.Storage.Path, cfg.Metrics.FlushInterval, logger)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
	}

	client := provider.NewClient(provider.Options{
		Timeout:  cfg.Generation.Timeout,
		BaseURLs: cfg.BaseURLs(),
		Logger:   logger,
	})
	caller := provider.NewLimited(client, allower, logger)

	pipeline := generation.NewPipeline(caller, cfg, sanitize.Policy{}, cfg.Generation.Temperature, logger)

	var notifier runner.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewMailer(notify.Config{
			Addr:            cfg.Notify.SMTPAddr,
			Username:        cfg.Notify.Username,
			Password:        cfg.Notify.Password,
			From:            cfg.Notify.From,
			To:              cfg.Notify.To,
			IncludeWarnings: cfg.Notify.IncludeWarnings,
			Hostname:        cfg.Server.Hostname,
			Timeout:         cfg.Notify.Timeout,
		}, logger)
		logger.Info("failure notifications enabled", "to", cfg.Notify.To)
	}

	a.executor = runner.New(a.campaigns, a.documents, pipeline, notifier, runner.Defaults{
		PostStatus: cfg.Content.PostStatus,
		AuthorID:   cfg.Content.AuthorID,
		PostType:   cfg.Content.PostType,
	}, logger)

	a.scheduler = scheduler.New(a.campaigns, a.executor, logger)
	a.executor.SetRescheduler(a.scheduler)

	a.apiServer = api.NewServer(a.campaigns, a.scheduler, a.documents, &cfg.API, cfg.Server.BaseURL, logger)

	// Setup TLS configuration
	tlsConfig, acmeManager, err := apitls.Setup(cfg.TLS())
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}
	if tlsConfig != nil {
		a.apiServer.SetTLSConfig(tlsConfig)
		a.acmeManager = acmeManager
		if acmeManager != nil {
			logger.Info("ACME (Let's Encrypt) enabled", "domains", acmeManager.Domains())
		} else {
			logger.Info("TLS enabled with manual certificates")
		}
	}
	return nil
}

// Campaigns returns the campaign store
func (a *App) Campaigns() *campaign.BoltStorage {
	return a.campaigns
}

// Scheduler returns the campaign scheduler
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Executor returns the campaign executor
func (a *App) Executor() *runner.Executor {
	return a.executor
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting autopost",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"base_url", a.config.Server.BaseURL,
		"provider", a.config.Generation.Provider,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Re-arm campaign timers persisted before the restart
	if err := a.scheduler.Restore(ctx); err != nil {
		a.logger.Error("failed to restore campaign timers", "error", err)
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Start metrics server
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Start ACME HTTP challenge server if ACME is enabled
	if a.acmeManager != nil {
		a.acmeServer = &http.Server{
			Addr:              a.config.API.TLS.ACME.HTTPAddr,
			Handler:           a.acmeManager.HTTPHandler(apitls.RedirectHandler()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.acmeServer.Addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop timers first (stop accepting new work)
	a.scheduler.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Shutdown ACME server if running
	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	return a.Close()
}

// Close releases storage. It is used directly by one-shot CLI commands.
func (a *App) Close() error {
	// Persist counters before the database goes away
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
		return err
	}

	a.logger.Info("shutdown complete")
	return nil
}

// campaignStats counts campaigns by status for the metrics gauges
type campaignStats struct {
	store campaign.Store
}

func (s campaignStats) CampaignStats(ctx context.Context) (*metrics.CampaignStats, error) {
	campaigns, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &metrics.CampaignStats{}
	for _, c := range campaigns {
		switch {
		case c.IsCompleted():
			stats.Completed++
		case c.Enabled:
			stats.Active++
		}
	}
	return stats, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
