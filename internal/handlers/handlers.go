package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tailhook/tailhook/internal/cache"
	"github.com/tailhook/tailhook/internal/config"
	"github.com/tailhook/tailhook/internal/endpoints"
	"github.com/tailhook/tailhook/internal/logging"
	"github.com/tailhook/tailhook/internal/tailscale"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MB

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers provides HTTP request handlers for Tailscale webhook deliveries.
type Handlers struct {
	config        *config.Config
	registry      *endpoints.Registry
	verifier      *tailscale.Verifier
	cacheProvider cache.Provider
	router        *TailscaleEventRouter
	db            Pinger
	logger        *slog.Logger
}

type Dependencies struct {
	Config        *config.Config
	Registry      *endpoints.Registry
	Verifier      *tailscale.Verifier
	CacheProvider cache.Provider
	Router        *TailscaleEventRouter
	// DB is optional; when set it is checked by Health.
	DB     Pinger
	Logger *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("handlers dependencies: registry is required")
	}
	if deps.CacheProvider == nil {
		return nil, fmt.Errorf("handlers dependencies: cacheProvider is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("handlers dependencies: router is required")
	}

	verifier := deps.Verifier
	if verifier == nil {
		verifier = tailscale.NewVerifier()
	}

	return &Handlers{
		config:        deps.Config,
		registry:      deps.Registry,
		verifier:      verifier,
		cacheProvider: deps.CacheProvider,
		router:        deps.Router,
		db:            deps.DB,
		logger:        logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			logger.Error("database health check failed", "error", err)
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	}); err != nil {
		logger.Error("failed to encode health response", "error", err)
	}
}

func (h *Handlers) NotFound(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}
