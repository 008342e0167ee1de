package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rivergate/internal/gateway"
)

const chatEventsSchema = `
CREATE TABLE IF NOT EXISTS chat_events (
    channel_id  TEXT        NOT NULL,
    sequence    BIGINT      NOT NULL,
    event_type  TEXT        NOT NULL,
    sender_id   TEXT        NOT NULL DEFAULT '',
    sender_name TEXT        NOT NULL DEFAULT '',
    body        TEXT        NOT NULL DEFAULT '',
    emitted_at  TIMESTAMPTZ NOT NULL,
    archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (channel_id, sequence, event_type)
);
CREATE INDEX IF NOT EXISTS chat_events_channel_emitted_idx
    ON chat_events (channel_id, emitted_at);
`

// PostgresStore persists fan-out events into Postgres for later retrieval.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the archive database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse archive dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the chat_events table when it does not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, chatEventsSchema); err != nil {
		return fmt.Errorf("ensure chat_events schema: %w", err)
	}
	return nil
}

// ArchiveEvent inserts a single event. Redelivered events are ignored because
// the primary key already covers the channel sequence.
func (s *PostgresStore) ArchiveEvent(ctx context.Context, evt gateway.Event) error {
	if evt.ChannelID == "" {
		return errors.New("event missing channel id")
	}
	var senderID, senderName, body string
	if evt.Message != nil {
		senderID = evt.Message.SenderID
		senderName = evt.Message.SenderName
		body = evt.Message.Body
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO chat_events (channel_id, sequence, event_type, sender_id, sender_name, body, emitted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (channel_id, sequence, event_type) DO NOTHING`,
		evt.ChannelID, int64(evt.Sequence), string(evt.Type), senderID, senderName, body, evt.EmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("archive event: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool, waiting no longer than the context allows.
func (s *PostgresStore) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ EventStore = (*PostgresStore)(nil)

// withTimeout bounds a single archive call; a non-positive duration leaves
// the parent deadline in place.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
