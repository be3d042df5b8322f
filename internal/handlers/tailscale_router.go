package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/tailhook/tailhook/internal/cache"
	"github.com/tailhook/tailhook/internal/db"
	"github.com/tailhook/tailhook/internal/endpoints"
	"github.com/tailhook/tailhook/internal/logging"
	"github.com/tailhook/tailhook/internal/observability"
	"github.com/tailhook/tailhook/internal/tailscale"
)

// Delivery is one verified webhook request. Key identifies it across retries.
type Delivery struct {
	Key       string
	Endpoint  endpoints.Endpoint
	RequestID string
	SignedAt  time.Time
	Events    []tailscale.Payload
}

type EventArchiver interface {
	Insert(ctx context.Context, event db.ArchivedEvent) error
}

type EventNotifier interface {
	Notify(ctx context.Context, endpoint string, event tailscale.Payload) (bool, error)
}

// TailscaleEventRouter applies the side effects of each event. A delivery that
// fails part way is retried by the sender as a whole, so every side effect is
// keyed by delivery and event index: archive rows get a stable id and sent
// notifications are recorded in marks.
type TailscaleEventRouter struct {
	archive  EventArchiver
	notifier EventNotifier
	marks    cache.Provider
	logger   *slog.Logger
}

// NewTailscaleEventRouter builds a router. archive, notifier and marks may be nil.
func NewTailscaleEventRouter(archive EventArchiver, notifier EventNotifier, marks cache.Provider, logger *slog.Logger) *TailscaleEventRouter {
	return &TailscaleEventRouter{
		archive:  archive,
		notifier: notifier,
		marks:    marks,
		logger:   logger,
	}
}

func (r *TailscaleEventRouter) Handle(ctx context.Context, delivery Delivery) error {
	span := sentry.StartSpan(
		ctx,
		"handler.tailscale_router.handle",
		sentry.WithOpName("handler.tailscale_router"),
		sentry.WithDescription("TailscaleEventRouter.Handle"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(
		attribute.String("webhook.provider", "tailscale"),
		attribute.String("webhook.endpoint", delivery.Endpoint.Name),
	)

	logger := logging.FromContext(ctx, r.logger)

	for i, event := range delivery.Events {
		meter.Count("webhook.router.received", 1, sentry.WithAttributes(attribute.String("webhook.event_type", event.Type)))

		if err := r.handleEvent(ctx, logger, delivery, i, event); err != nil {
			meter.Count("webhook.router.failed", 1, sentry.WithAttributes(attribute.String("webhook.event_type", event.Type)))
			span.Status = sentry.SpanStatusInternalError
			return fmt.Errorf("event %d (%s): %w", i, event.Type, err)
		}
		meter.Count("webhook.router.processed", 1, sentry.WithAttributes(attribute.String("webhook.event_type", event.Type)))
	}

	span.Status = sentry.SpanStatusOK
	return nil
}

func (r *TailscaleEventRouter) handleEvent(ctx context.Context, logger *slog.Logger, delivery Delivery, index int, event tailscale.Payload) error {
	attrs := []any{
		"type", event.Type,
		"tailnet", event.Tailnet,
		"event_time", event.Timestamp,
	}
	switch data := event.Data.(type) {
	case *tailscale.NodeExpiration:
		attrs = append(attrs, "node_id", data.NodeID, "device", data.DeviceName, "expiration", data.Expiration)
	case *tailscale.NodeEvent:
		attrs = append(attrs, "node_id", data.NodeID, "device", data.DeviceName, "actor", data.Actor)
	case *tailscale.PolicyUpdate:
		attrs = append(attrs, "actor", data.Actor)
	case *tailscale.UserRole:
		attrs = append(attrs, "user", data.User, "actor", data.Actor, "old_roles", data.OldRoles, "new_roles", data.NewRoles)
	case nil:
	default:
		logger.DebugContext(ctx, "unhandled tailscale event type", "type", event.Type)
	}
	logger.InfoContext(ctx, "tailscale event received", attrs...)

	if r.archive != nil {
		archived := db.ArchivedEvent{
			Endpoint:  delivery.Endpoint.Name,
			RequestID: delivery.RequestID,
			Type:      event.Type,
			Tailnet:   event.Tailnet,
			Message:   event.Message,
			EventTime: event.Timestamp,
			SignedAt:  delivery.SignedAt,
			Data:      event.Data,
		}
		if delivery.Key != "" {
			archived.ID = db.EventID(delivery.Key, index)
		}
		if err := r.archive.Insert(ctx, archived); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	if r.notifier != nil && notifyEnabled(delivery.Endpoint) {
		if err := r.notify(ctx, logger, delivery, index, event); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}

	return nil
}

// notify sends at most one notification per event across retries of a delivery.
func (r *TailscaleEventRouter) notify(ctx context.Context, logger *slog.Logger, delivery Delivery, index int, event tailscale.Payload) error {
	var markKey string
	if r.marks != nil && delivery.Key != "" {
		markKey = cache.NotifiedKey(delivery.Key, index)
		seen, err := cache.Seen(ctx, r.marks, markKey)
		if err != nil {
			logger.WarnContext(ctx, "failed to check notification mark", "error", err)
		}
		if seen {
			logger.DebugContext(ctx, "notification already sent", "type", event.Type, "index", index)
			return nil
		}
	}

	sent, err := r.notifier.Notify(ctx, delivery.Endpoint.Name, event)
	if err != nil {
		return err
	}
	if !sent {
		return nil
	}
	logger.InfoContext(ctx, "notification sent", "type", event.Type)

	if markKey != "" {
		if err := r.marks.Set(ctx, markKey, cache.StateProcessed, cache.DeliveryTTL); err != nil {
			logger.WarnContext(ctx, "failed to record notification mark", "error", err)
		}
	}
	return nil
}

func notifyEnabled(e endpoints.Endpoint) bool {
	return e.Notify == nil || *e.Notify
}
