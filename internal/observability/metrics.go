// Package observability wires Sentry tracing and metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/tailhook/tailhook/internal/tailscale"
)

type meterContextKey struct{}

type SentryConfig struct {
	DSN              string
	Environment      string
	Release          string
	TracesSampleRate float64
}

// Init configures the global Sentry client. It returns a flush function and
// is a no-op when no DSN is configured.
func Init(cfg SentryConfig) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// WithMeter returns a context carrying the provided meter.
func WithMeter(ctx context.Context, meter sentry.Meter) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if meter == nil {
		meter = sentry.NewMeter(ctx)
	}
	return context.WithValue(ctx, meterContextKey{}, meter.WithCtx(ctx))
}

// MeterFromContext returns the request-scoped meter from context or a new one.
func MeterFromContext(ctx context.Context) sentry.Meter {
	if ctx == nil {
		ctx = context.Background()
	}
	if meter, ok := ctx.Value(meterContextKey{}).(sentry.Meter); ok && meter != nil {
		return meter.WithCtx(ctx)
	}
	return sentry.NewMeter(ctx).WithCtx(ctx)
}

// RecordValidation counts a signature verdict, tagged with the rejection reason.
func RecordValidation(ctx context.Context, endpoint string, reason error) {
	meter := MeterFromContext(ctx)
	if reason == nil {
		meter.Count("webhook.validation.accepted", 1, sentry.WithAttributes(attribute.String("webhook.endpoint", endpoint)))
		return
	}
	meter.Count("webhook.validation.rejected", 1, sentry.WithAttributes(
		attribute.String("webhook.endpoint", endpoint),
		attribute.String("reason", RejectionReason(reason)),
	))
}

// RejectionReason maps a validation error to a low-cardinality label.
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tailscale.ErrMissingSignatureHeader):
		return "missing_header"
	case errors.Is(err, tailscale.ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, tailscale.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, tailscale.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, tailscale.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, tailscale.ErrEmptySecret):
		return "empty_secret"
	case errors.Is(err, tailscale.ErrMalformedHexSignature):
		return "malformed_signature"
	case errors.Is(err, tailscale.ErrSignatureMismatch):
		return "signature_mismatch"
	default:
		return "other"
	}
}
