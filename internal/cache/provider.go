// Package cache records accepted webhook deliveries so replays inside the
// freshness window are acknowledged without being processed twice.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DeliveryTTL covers the freshness window on both sides of a timestamp.
	DeliveryTTL = 10 * time.Minute

	// ClaimTTL bounds how long an in-flight delivery blocks its duplicates if
	// the process dies before releasing the claim.
	ClaimTTL = time.Minute
)

// Delivery states stored under a DeliveryKey.
const (
	StateProcessing = "processing"
	StateProcessed  = "processed"
)

var ErrNotFound = errors.New("key not found")

// Provider stores short-lived string values by key.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key is missing and reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider(defaultMemoryCacheSize)
	case "redis":
		return NewRedisProvider(cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

// DeliveryKey identifies one signed delivery. A replay carries the same
// timestamp and body, so it carries the same v1 signature.
func DeliveryKey(endpoint, signature string) string {
	return fmt.Sprintf("webhook:tailscale:%s:%s", endpoint, signature)
}

// NotifiedKey marks the notification for the event at index within a delivery.
func NotifiedKey(deliveryKey string, index int) string {
	return fmt.Sprintf("%s:notified:%d", deliveryKey, index)
}

// Seen reports whether key is present. Lookup failures other than a miss are returned.
func Seen(ctx context.Context, p Provider, key string) (bool, error) {
	_, err := p.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
