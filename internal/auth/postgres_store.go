package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTokenStore persists bearer tokens to a Postgres table so multiple
// gateway replicas can verify the same credentials.
type PostgresTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresTokenStore opens a Postgres-backed token store using the
// provided DSN and creates the backing table when it does not exist yet, so a
// fresh database is usable immediately.
func NewPostgresTokenStore(dsn string) (*PostgresTokenStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres token dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres token config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres token pool: %w", err)
	}
	store := &PostgresTokenStore{pool: pool}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure token schema: %w", err)
	}
	return store, nil
}

// EnsureSchema creates the backing table when it does not exist yet.
func (s *PostgresTokenStore) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS gateway_tokens (
	token_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	secret_digest TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)
`)
	return err
}

// Close releases the Postgres connection pool resources.
func (s *PostgresTokenStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Save stores or updates the token record.
func (s *PostgresTokenStore) Save(record TokenRecord) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO gateway_tokens (token_id, user_id, display_name, secret_digest, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (token_id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	display_name = EXCLUDED.display_name,
	secret_digest = EXCLUDED.secret_digest,
	expires_at = EXCLUDED.expires_at
`, record.TokenID, record.UserID, record.DisplayName, record.SecretDigest, record.ExpiresAt.UTC())
	return err
}

// Get fetches the token record for the provided id.
func (s *PostgresTokenStore) Get(tokenID string) (TokenRecord, bool, error) {
	if s.pool == nil {
		return TokenRecord{}, false, fmt.Errorf("postgres token pool not configured")
	}
	row := s.pool.QueryRow(context.Background(), `
SELECT user_id, display_name, secret_digest, expires_at
FROM gateway_tokens
WHERE token_id = $1
`, tokenID)
	record := TokenRecord{TokenID: tokenID}
	if err := row.Scan(&record.UserID, &record.DisplayName, &record.SecretDigest, &record.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, err
	}
	return record, true, nil
}

// Delete removes the token record.
func (s *PostgresTokenStore) Delete(tokenID string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM gateway_tokens WHERE token_id = $1`, tokenID)
	return err
}

// PurgeExpired deletes expired tokens from the table.
func (s *PostgresTokenStore) PurgeExpired(now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM gateway_tokens WHERE expires_at <= $1`, now.UTC())
	return err
}

// Ping verifies the Postgres pool is reachable.
func (s *PostgresTokenStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	return s.pool.Ping(ctx)
}
