package auth_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rivergate/internal/auth"
)

// Exercises the store against a database that has never seen the gateway
// schema: opening the store must create `gateway_tokens` so the first
// Save/Get succeed.
func TestPostgresTokenStoreFreshDatabase(t *testing.T) {
	dsn := os.Getenv("RIVERGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RIVERGATE_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS gateway_tokens`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	store, err := auth.NewPostgresTokenStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresTokenStore: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = store.Close(closeCtx)
	})

	raw, record, err := auth.Issue(store, "user-1", "Casey", time.Hour)
	if err != nil {
		t.Fatalf("Issue on fresh database: %v", err)
	}

	got, found, err := store.Get(record.TokenID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || got.UserID != "user-1" {
		t.Fatalf("unexpected record %+v (found=%v)", got, found)
	}

	verifier := auth.NewVerifier(store)
	principal, err := verifier.Verify(raw, time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if principal.UserID != "user-1" {
		t.Fatalf("unexpected principal %+v", principal)
	}

	if err := store.PurgeExpired(time.Now().Add(2 * time.Hour)); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, found, err := store.Get(record.TokenID); err != nil || found {
		t.Fatalf("expected purged token, found=%v err=%v", found, err)
	}
}
