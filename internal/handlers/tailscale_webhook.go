package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tailhook/tailhook/internal/cache"
	"github.com/tailhook/tailhook/internal/endpoints"
	"github.com/tailhook/tailhook/internal/logging"
	"github.com/tailhook/tailhook/internal/observability"
	"github.com/tailhook/tailhook/internal/tailscale"
)

func (h *Handlers) TailscaleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	name := mux.Vars(r)["endpoint"]
	if name == "" {
		name = endpoints.DefaultName
	}
	endpoint, ok := h.registry.Lookup(name)
	if !ok {
		logger.WarnContext(ctx, "webhook for unknown endpoint", "endpoint", name)
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
		return
	}
	ctx = logging.WithEndpoint(ctx, endpoint.Name)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	result, err := h.verifier.Validate(r, endpoint.Secret)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.WarnContext(ctx, "tailscale webhook body too large", "limit", tooLarge.Limit)
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.ErrorContext(ctx, "failed to read tailscale webhook body", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}

	observability.RecordValidation(ctx, endpoint.Name, result.Reason)
	if !result.OK {
		logger.WarnContext(ctx, "rejected tailscale webhook",
			"reason", observability.RejectionReason(result.Reason),
			"error", result.Reason,
			"body_bytes", len(result.Body),
		)
		http.Error(w, "Invalid webhook", http.StatusUnauthorized)
		return
	}

	events, err := tailscale.ParsePayload(result.Body)
	if err != nil {
		logger.ErrorContext(ctx, "failed to parse tailscale webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	signature := strings.ToLower(tailscale.SplitHeader(r.Header.Get(tailscale.SignatureHeader))["v1"])
	cacheKey := cache.DeliveryKey(endpoint.Name, signature)

	claimed, err := h.cacheProvider.SetIfAbsent(ctx, cacheKey, cache.StateProcessing, cache.ClaimTTL)
	if err != nil {
		logger.WarnContext(ctx, "failed to claim webhook delivery", "error", err)
		claimed = true
	}
	if !claimed {
		state, _ := h.cacheProvider.Get(ctx, cacheKey)
		if state == cache.StateProcessing {
			logger.InfoContext(ctx, "webhook delivery already in progress", "signed_at", result.Timestamp)
			http.Error(w, "Delivery in progress", http.StatusConflict)
			return
		}
		logger.InfoContext(ctx, "webhook already processed", "signed_at", result.Timestamp)
		w.WriteHeader(http.StatusOK)
		return
	}

	processErr := h.router.Handle(ctx, Delivery{
		Key:       cacheKey,
		Endpoint:  endpoint,
		RequestID: logging.RequestIDFromContext(ctx),
		SignedAt:  result.Timestamp,
		Events:    events,
	})
	if processErr != nil {
		logger.ErrorContext(ctx, "failed to process tailscale webhook", "error", processErr, "events", len(events))
		if err := h.cacheProvider.Delete(ctx, cacheKey); err != nil {
			logger.ErrorContext(ctx, "failed to release webhook delivery claim", "error", err)
		}
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	if err := h.cacheProvider.Set(ctx, cacheKey, cache.StateProcessed, cache.DeliveryTTL); err != nil {
		logger.ErrorContext(ctx, "failed to mark webhook as processed in cache", "error", err)
	}

	w.WriteHeader(http.StatusOK)
}
