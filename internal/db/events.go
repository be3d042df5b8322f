package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS tailscale_events (
	id           UUID PRIMARY KEY,
	endpoint     TEXT NOT NULL,
	request_id   TEXT NOT NULL DEFAULT '',
	event_type   TEXT NOT NULL,
	tailnet      TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	event_time   TEXT NOT NULL DEFAULT '',
	signed_at    TIMESTAMPTZ NOT NULL,
	data         JSONB,
	received_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tailscale_events_type_idx ON tailscale_events (event_type, received_at DESC);
`

const insertEvent = `
INSERT INTO tailscale_events (id, endpoint, request_id, event_type, tailnet, message, event_time, signed_at, data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

// eventNamespace seeds EventID so that a redelivered event maps to the row it
// was archived under the first time.
var eventNamespace = uuid.MustParse("6f3a8e2c-1b7d-5c4e-9a0f-3d2b1c4e5f60")

// EventID derives a stable archive id for the event at index within a delivery.
func EventID(deliveryKey string, index int) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s:%d", deliveryKey, index)))
}

// Execer is the subset of pgxpool.Pool used by EventStore.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type ArchivedEvent struct {
	ID        uuid.UUID
	Endpoint  string
	RequestID string
	Type      string
	Tailnet   string
	Message   string
	EventTime string
	SignedAt  time.Time
	Data      any
}

type EventStore struct {
	db Execer
}

func NewEventStore(db Execer) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &EventStore{db: db}, nil
}

func (s *EventStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createEventsTable); err != nil {
		return fmt.Errorf("failed to create tailscale_events table: %w", err)
	}
	return nil
}

// Insert archives event. Inserting an id that already exists is a no-op, which
// keeps retried deliveries from duplicating rows.
func (s *EventStore) Insert(ctx context.Context, event ArchivedEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	var data []byte
	if event.Data != nil {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = encoded
	}

	_, err := s.db.Exec(ctx, insertEvent,
		event.ID,
		event.Endpoint,
		event.RequestID,
		event.Type,
		event.Tailnet,
		event.Message,
		event.EventTime,
		event.SignedAt,
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", event.Type, err)
	}
	return nil
}
