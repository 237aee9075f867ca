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

	"github.com/krezk/herald/internal/api"
	"github.com/krezk/herald/internal/audit"
	"github.com/krezk/herald/internal/config"
	"github.com/krezk/herald/internal/dispatch"
	"github.com/krezk/herald/internal/metrics"
	"github.com/krezk/herald/internal/quota"
	"github.com/krezk/herald/internal/render"
	"github.com/krezk/herald/internal/settings"
	"github.com/krezk/herald/internal/source"
	"github.com/krezk/herald/internal/transport"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *bolt.DB
	settings      *settings.Store
	auditLog      *audit.Log
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := bolt.Open(cfg.Storage.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	settingsStore, err := settings.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create settings store: %w", err)
	}
	if err := settingsStore.EnsureDefaults(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed settings: %w", err)
	}

	auditLog, err := audit.NewLog(cfg.Audit.Dir, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	sheets, err := source.NewStore(cfg.Sheets.Dir, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sheet store: %w", err)
	}

	// Metrics are registered before anything that records them
	m := metrics.New()
	metrics.SetGlobal(m)

	maxPerDay := func(ctx context.Context) (int, error) {
		st, err := settingsStore.Get()
		if err != nil {
			return 0, err
		}
		return st.MaxEmailsPerDay, nil
	}

	mailer, err := newTransport(cfg, db, maxPerDay, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	tracker := quota.New(mailer, maxPerDay, func(err error) {
		metrics.IncQuotaQueryFailure()
		if logErr := auditLog.AppendError(audit.ErrorRecord{
			Timestamp: time.Now(),
			Operation: "quota_query",
			Message:   "quota query failed, assuming full allowance",
			Detail:    err.Error(),
		}); logErr != nil {
			logger.Error("failed to record quota failure", "error", logErr)
		}
	}, logger)

	renderer := render.New(settingsStore)
	dispatcher := dispatch.New(mailer, renderer, settingsStore, tracker, auditLog, sheets, logger)
	correlator := audit.NewCorrelator(auditLog, logger)

	apiServer := api.NewServer(dispatcher, settingsStore, tracker, auditLog, correlator, sheets, &cfg.API, logger.With("component", "api"))

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
	}

	return &App{
		config:        cfg,
		db:            db,
		settings:      settingsStore,
		auditLog:      auditLog,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		logger:        logger,
	}, nil
}

// newTransport builds the configured external mail transport
func newTransport(cfg *config.Config, db *bolt.DB, maxPerDay func(ctx context.Context) (int, error), logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Mode {
	case "relay":
		return transport.NewRelay(transport.RelayOptions{
			BaseURL: cfg.Transport.Relay.BaseURL,
			APIKey:  cfg.Transport.Relay.APIKey,
			From:    cfg.Transport.Relay.From,
			Timeout: cfg.Transport.Relay.Timeout,
		}, logger.With("component", "relay")), nil
	case "smtp":
		counter, err := transport.NewDayCounter(db)
		if err != nil {
			return nil, fmt.Errorf("failed to create send counter: %w", err)
		}
		return transport.NewSMTP(transport.SMTPOptions{
			Addr:     cfg.Transport.SMTP.Addr,
			Username: cfg.Transport.SMTP.Username,
			Password: cfg.Transport.SMTP.Password,
			From:     cfg.Transport.SMTP.From,
			Hostname: cfg.Server.Hostname,
		}, counter, maxPerDay, logger.With("component", "smtp")), nil
	default:
		return nil, fmt.Errorf("invalid transport mode: %s", cfg.Transport.Mode)
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting herald",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"transport", a.config.Transport.Mode,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
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
