package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"calendar-ingest-worker/internal/backoff"
	"calendar-ingest-worker/internal/config"
	"calendar-ingest-worker/internal/credentials"
	"calendar-ingest-worker/internal/db"
	"calendar-ingest-worker/internal/extractor"
	"calendar-ingest-worker/internal/handler"
	"calendar-ingest-worker/internal/mailbox"
	"calendar-ingest-worker/internal/metrics"
	"calendar-ingest-worker/internal/model"
	"calendar-ingest-worker/internal/pipeline"
	"calendar-ingest-worker/internal/processor"
	"calendar-ingest-worker/internal/repository"
	"calendar-ingest-worker/internal/router"
	"calendar-ingest-worker/internal/supervisor"
)

const shutdownTimeout = 30 * time.Second

// App is the fully wired worker
type App struct {
	cfg    *config.Config
	logger *logrus.Entry

	db         *gorm.DB
	repo       *repository.Repository
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	alerts     *metrics.AlertMonitor
	resolver   *credentials.Resolver
	dialer     mailbox.Dialer
	processor  *processor.Processor
	supervisor *supervisor.Supervisor
	server     *http.Server
}

// Option customizes how the App is built
type Option func(*App)

// WithDB uses an already opened database instead of connecting from config
func WithDB(conn *gorm.DB) Option {
	return func(a *App) { a.db = conn }
}

// WithDialer replaces the IMAP dialer
func WithDialer(d mailbox.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithResolver replaces the credential resolver
func WithResolver(r *credentials.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// ConfigureLogging applies the log configuration to the standard logger
func ConfigureLogging(cfg config.LogConfig) *logrus.Entry {
	if cfg.Format == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	return logrus.WithField("component", "calendar-worker")
}

// New builds the object graph. It opens and migrates the database unless
// one is supplied.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logrus.WithField("component", "calendar-worker"),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.db == nil {
		conn, err := db.Init(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.db = conn
	}
	a.repo = repository.New(a.db)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.registry)
	a.alerts = metrics.NewAlertMonitor(a.metrics, cfg.Alerts.Window, alertThresholds(cfg.Alerts),
		a.logger.WithField("component", "alerts"))

	if a.resolver == nil {
		a.resolver = credentials.NewResolver()
	}
	if a.dialer == nil {
		a.dialer = mailbox.NewIMAPDialer(a.resolver, cfg.Worker.DialTimeout)
	}

	ext, err := buildExtractor(cfg.Extractor, a.metrics, a.logger.WithField("component", "extractor"))
	if err != nil {
		return nil, err
	}

	rules, err := a.repo.ListEnabledFilterRules(context.Background())
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.FromConfig(cfg.Pipeline, a.repo, rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build ingest pipeline: %w", err)
	}
	a.processor = processor.New(ext, pipe, a.repo, a.metrics)

	a.supervisor = supervisor.New(a.newSession, a.metrics, a.logger.WithField("component", "supervisor"))

	if cfg.Server.Enabled {
		h := handler.NewHandlers(a.db, a.supervisor, a.repo, a.registry)
		a.server = &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router.SetupRouter(h, a.logger.WithField("component", "http")),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	return a, nil
}

func (a *App) newSession(provider *model.Provider, settings *model.IMAPSettings) supervisor.Runner {
	w := a.cfg.Worker
	opts := mailbox.Options{
		PollInterval:  w.PollInterval,
		IdleKeepalive: w.IdleKeepalive,
		Backoff: backoff.Config{
			Min:    w.BackoffMin,
			Max:    w.BackoffMax,
			Factor: w.BackoffFactor,
			Jitter: w.BackoffJitter,
		},
	}
	return mailbox.NewSession(provider, settings, a.dialer, a.repo, a.processor, a.metrics, opts,
		a.logger.WithField("component", "session"))
}

func buildExtractor(cfg config.ExtractorConfig, m *metrics.Metrics, logger *logrus.Entry) (extractor.Extractor, error) {
	var inner extractor.Extractor
	if cfg.Fake {
		inner = extractor.NewFake()
		logger.Info("Using fake extractor")
	} else {
		remote, err := extractor.NewHTTP(extractor.HTTPOptions{URL: cfg.URL, APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("failed to create extractor: %w", err)
		}
		inner = remote
		logger.WithField("url", cfg.URL).Info("Using HTTP extractor")
	}

	onFailure := func(in extractor.Input, err error) {
		m.Inc(metrics.CounterExtractionFailures, in.ProviderID, in.Mailbox)
	}
	return extractor.NewSafe(inner, cfg.Timeout, onFailure, logger), nil
}

func alertThresholds(cfg config.AlertsConfig) map[string]metrics.Threshold {
	out := make(map[string]metrics.Threshold, len(cfg.Thresholds))
	for name, t := range cfg.Thresholds {
		out[name] = metrics.Threshold{Warn: t.Warn, Error: t.Error}
	}
	return out
}

// Supervisor exposes the session supervisor
func (a *App) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// Start launches the sessions, the alert monitor and the ops HTTP server
func (a *App) Start(ctx context.Context) error {
	providers, err := a.repo.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	if err := a.supervisor.Start(ctx, providers, a.cfg.Worker.MaxConcurrency); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	if a.cfg.Alerts.Window > 0 {
		if err := a.alerts.Start(); err != nil {
			a.supervisor.Stop()
			return fmt.Errorf("failed to start alert monitor: %w", err)
		}
	}

	if a.server != nil {
		go func() {
			a.logger.Infof("Starting HTTP server on port %s", a.cfg.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Errorf("HTTP server error: %v", err)
			}
		}()
	}

	return nil
}

// Shutdown stops every session, waits for them and closes the server
func (a *App) Shutdown(ctx context.Context) error {
	a.supervisor.Stop()
	a.supervisor.Wait()
	a.alerts.Stop()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

// Run initializes and starts the worker, blocking until ctx is cancelled
// or SIGINT/SIGTERM arrives
func Run(ctx context.Context, cfg *config.Config) error {
	logger := ConfigureLogging(cfg.Log)
	logger.Info("Starting calendar ingest worker")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	a, err := New(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down worker...")
	case <-ctx.Done():
		logger.Info("Shutting down worker...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Shutdown error: %v", err)
		return err
	}

	logger.Info("Worker stopped gracefully")
	return nil
}
