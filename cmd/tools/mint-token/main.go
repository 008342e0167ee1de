// Command mint-token creates an access token for a user in the token store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"rivergate/internal/auth"
)

func main() {
	var (
		postgresDSN string
		userID      string
		displayName string
		ttl         time.Duration
	)

	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string for the token store")
	flag.StringVar(&userID, "user", "", "User ID the token authenticates as")
	flag.StringVar(&displayName, "name", "", "Display name attached to the token")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if strings.TrimSpace(postgresDSN) == "" {
		postgresDSN = strings.TrimSpace(os.Getenv("RIVERGATE_TOKEN_POSTGRES_DSN"))
	}
	if strings.TrimSpace(postgresDSN) == "" {
		fatalf("--postgres-dsn or RIVERGATE_TOKEN_POSTGRES_DSN is required")
	}
	if strings.TrimSpace(userID) == "" {
		fatalf("--user is required")
	}
	if ttl <= 0 {
		fatalf("--ttl must be positive")
	}

	store, err := auth.NewPostgresTokenStore(postgresDSN)
	if err != nil {
		fatalf("open token store: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}()

	raw, record, err := auth.Issue(store, strings.TrimSpace(userID), strings.TrimSpace(displayName), ttl)
	if err != nil {
		fatalf("issue token: %v", err)
	}

	fmt.Printf("Token for %s expires %s.\n", record.UserID, record.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Println(raw)
	fmt.Println("The secret is not stored; this is the only time it will be shown.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
