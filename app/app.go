package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"

	"github.com/tailhook/tailhook/internal/cache"
	"github.com/tailhook/tailhook/internal/config"
	"github.com/tailhook/tailhook/internal/db"
	"github.com/tailhook/tailhook/internal/endpoints"
	"github.com/tailhook/tailhook/internal/handlers"
	"github.com/tailhook/tailhook/internal/logging"
	"github.com/tailhook/tailhook/internal/notify"
	"github.com/tailhook/tailhook/internal/observability"
	"github.com/tailhook/tailhook/internal/secrets"
)

// Version is set at build time.
var Version = "dev"

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Handlers      *handlers.Handlers

	logFile     io.Closer
	flushSentry func()
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg}

	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a.Logger = logger
	a.logFile = logFile

	flush, err := observability.Init(observability.SentryConfig{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          Version,
		TracesSampleRate: cfg.SentryTracesSampleRate,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.flushSentry = flush

	var opener endpoints.SecretOpener
	if cfg.SecretsKey != "" {
		sealer, err := secrets.NewSealer(cfg.SecretsKey)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize secrets sealer: %w", err)
		}
		opener = sealer
	}

	registry, err := endpoints.Load(cfg.WebhookSecret, cfg.EndpointsFile, opener)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load webhook endpoints: %w", err)
	}
	logger.Info("webhook endpoints loaded", "endpoints", registry.Names())

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}
	a.CacheProvider = cacheProvider

	var archive handlers.EventArchiver
	var pinger handlers.Pinger
	if cfg.DatabaseURL != "" {
		startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer startupCancel()

		database, eventStore, err := db.Connect(startupCtx, db.Options{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DatabaseMaxConns,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.DB = database
		pinger = database
		archive = eventStore
	}

	var notifier handlers.EventNotifier
	if cfg.NotificationsEnabled() {
		sender := notify.NewResendSender(cfg.NotifyEmailAPIKey, cfg.NotifyEmailFrom, observability.NewHTTPClient(10*time.Second))
		n, err := notify.NewNotifier(sender, cfg.NotifyEmailTo, cfg.NotifyEventTypes)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize notifier: %w", err)
		}
		notifier = n
	}

	router := handlers.NewTailscaleEventRouter(archive, notifier, cacheProvider, logger.With("component", "tailscale_router"))

	h, err := handlers.New(handlers.Dependencies{
		Config:        cfg,
		Registry:      registry,
		CacheProvider: cacheProvider,
		Router:        router,
		DB:            pinger,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}
	a.Handlers = h

	return a, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.CacheProvider != nil {
		if err := a.CacheProvider.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("failed to close cache provider", "error", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.flushSentry != nil {
		a.flushSentry()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// newLogger builds the console handler and, when LOG_FILE is set, fans out
// to a JSON copy in that file. Both sinks are tagged with the request id and
// endpoint carried by the logging context.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	console := consoleHandler(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	if strings.TrimSpace(cfg.LogFile) == "" {
		return slog.New(logging.MultiHandler(console)), nil, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: cfg.LogLevel})
	return slog.New(logging.MultiHandler(console, file)), f, nil
}

func consoleHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return tint.NewHandler(w, &tint.Options{Level: level})
	}
}
