// Package db archives accepted webhook events in Postgres.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "tailhook"

// Options configures the archive connection pool.
type Options struct {
	URL string
	// MaxConns caps the pool; zero keeps the pgx default.
	MaxConns int32
}

// Connect opens the archive pool, traces its queries and makes sure the
// events table exists before the first delivery arrives.
func Connect(ctx context.Context, opts Options) (*pgxpool.Pool, *EventStore, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("context is required")
	}

	config, err := poolConfig(opts)
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewEventStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, store, nil
}

func poolConfig(opts Options) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		config.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	config.ConnConfig.Tracer = newQueryTracer()
	return config, nil
}
