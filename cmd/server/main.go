// Command server starts the session gateway HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"rivergate/internal/archive"
	"rivergate/internal/auth"
	"rivergate/internal/gateway"
	"rivergate/internal/ingest"
	"rivergate/internal/observability/logging"
	"rivergate/internal/observability/metrics"
	"rivergate/internal/server"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")

	tokenStoreDriver := flag.String("token-store", "", "token store driver (memory or postgres)")
	tokenPostgresDSN := flag.String("token-postgres-dsn", "", "Postgres DSN for the token store")
	tokenGrace := flag.Duration("token-validity-grace", 0, "grace period accepted past token expiry")
	tokenPurgeInterval := flag.Duration("token-purge-interval", 15*time.Minute, "interval between expired token sweeps")

	maxMessageLength := flag.Int("max-message-length", 0, "maximum chat message length in runes")
	rateWindow := flag.Duration("rate-limit-window", 0, "sliding window for per-sender chat throttling")
	rateMax := flag.Int("rate-limit-max-messages", 0, "messages allowed per sender inside the window")
	queueCapacity := flag.Int("outbound-queue-capacity", 0, "bounded outbound queue size per subscriber")
	replaySize := flag.Int("replay-buffer-size", 0, "recent events replayed to joining subscribers")
	idleTTL := flag.Duration("idle-channel-ttl", 15*time.Minute, "idle time before offline empty channels are reaped")
	heartbeat := flag.Duration("heartbeat-interval", 30*time.Second, "interval between ping frames, 0 disables")
	allowedOrigins := flag.String("allowed-origins", "", "comma separated browser origins allowed to connect")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")

	webhookToken := flag.String("ingest-webhook-token", "", "shared secret for the ingest webhook")

	queueDriver := flag.String("queue-driver", "", "event queue driver (memory or redis)")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for queue transport")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for queue transport")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the event queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the event queue")
	redisStream := flag.String("queue-redis-stream", "", "Redis stream key for queue events")
	redisGroup := flag.String("queue-redis-group", "", "Redis consumer group for queue events")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the event queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the event queue")
	redisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification")

	archiveDSN := flag.String("archive-postgres-dsn", "", "Postgres DSN for the event archive, empty disables archiving")

	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RIVERGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("RIVERGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("RIVERGATE_ADDR"), ":8080")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenStore, tokenCloser, err := configureTokenStore(
		firstNonEmpty(*tokenStoreDriver, os.Getenv("RIVERGATE_TOKEN_STORE")),
		firstNonEmpty(*tokenPostgresDSN, os.Getenv("RIVERGATE_TOKEN_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
	)
	if err != nil {
		logger.Error("failed to configure token store", "error", err)
		os.Exit(1)
	}

	verifier := auth.NewVerifier(tokenStore,
		auth.WithGrace(resolveDuration(*tokenGrace, "RIVERGATE_TOKEN_VALIDITY_GRACE", 0)))

	queueCfg := gateway.RedisQueueConfig{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("RIVERGATE_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("RIVERGATE_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("RIVERGATE_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("RIVERGATE_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*redisStream, os.Getenv("RIVERGATE_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*redisGroup, os.Getenv("RIVERGATE_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("RIVERGATE_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*redisPoolSize, "RIVERGATE_QUEUE_REDIS_POOL_SIZE"),
		TLS: gateway.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("RIVERGATE_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("RIVERGATE_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("RIVERGATE_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("RIVERGATE_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "RIVERGATE_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureQueue(firstNonEmpty(*queueDriver, os.Getenv("RIVERGATE_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	registry := gateway.NewRegistry(gateway.RegistryConfig{
		QueueCapacity: resolveInt(*queueCapacity, "RIVERGATE_OUTBOUND_QUEUE_CAPACITY"),
		ReplaySize:    resolveInt(*replaySize, "RIVERGATE_REPLAY_BUFFER_SIZE"),
		IdleTTL:       resolveDuration(*idleTTL, "RIVERGATE_IDLE_CHANNEL_TTL", 15*time.Minute),
		Queue:         queue,
		Logger:        logging.WithComponent(logger, "registry"),
		Metrics:       recorder,
	})
	relay := gateway.NewRelay(gateway.RelayConfig{
		Registry:         registry,
		MaxMessageLength: resolveInt(*maxMessageLength, "RIVERGATE_MAX_MESSAGE_LENGTH"),
		RateLimitWindow:  resolveDuration(*rateWindow, "RIVERGATE_RATE_LIMIT_WINDOW", 0),
		RateLimitMax:     resolveInt(*rateMax, "RIVERGATE_RATE_LIMIT_MAX_MESSAGES"),
		Logger:           logging.WithComponent(logger, "relay"),
		Metrics:          recorder,
	})
	controller := gateway.NewController(registry, logging.WithComponent(logger, "lifecycle"))
	gw := gateway.New(gateway.Config{
		Registry:          registry,
		Relay:             relay,
		Verifier:          verifier,
		Logger:            logging.WithComponent(logger, "gateway"),
		Metrics:           recorder,
		HeartbeatInterval: resolveDuration(*heartbeat, "RIVERGATE_HEARTBEAT_INTERVAL", 30*time.Second),
	})

	var webhook *ingest.Webhook
	if token := firstNonEmpty(*webhookToken, os.Getenv("RIVERGATE_INGEST_WEBHOOK_TOKEN")); token != "" {
		webhook, err = ingest.NewWebhook(ingest.WebhookConfig{
			Token:      token,
			Controller: controller,
			Logger:     logging.WithComponent(logger, "ingest"),
		})
		if err != nil {
			logger.Error("failed to configure ingest webhook", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("ingest webhook disabled: no shared token configured")
	}

	readyChecks := []server.ReadyCheck{}
	if pinger, ok := tokenStore.(interface{ Ping(context.Context) error }); ok {
		readyChecks = append(readyChecks, server.ReadyCheck{Name: "token-store", Check: pinger.Ping})
	}

	var archiveStore *archive.PostgresStore
	if dsn := firstNonEmpty(*archiveDSN, os.Getenv("RIVERGATE_ARCHIVE_POSTGRES_DSN")); dsn != "" {
		archiveStore, err = archive.NewPostgresStore(rootCtx, dsn)
		if err != nil {
			logger.Error("failed to open event archive", "error", err)
			os.Exit(1)
		}
		readyChecks = append(readyChecks, server.ReadyCheck{Name: "archive", Check: archiveStore.Ping})
	}

	srv, err := server.New(server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("RIVERGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RIVERGATE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "RIVERGATE_RATE_GLOBAL_RPS"),
			GlobalBurst: resolveInt(*globalBurst, "RIVERGATE_RATE_GLOBAL_BURST"),
		},
		Logger:         logger,
		Metrics:        recorder,
		Gateway:        http.HandlerFunc(gw.HandleConnection),
		IngestWebhook:  webhookHandler(webhook),
		AllowedOrigins: splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("RIVERGATE_ALLOWED_ORIGINS"))),
		ReadyChecks:    readyChecks,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(rootCtx)
	group.Go(func() error {
		logger.Info("gateway listening", "addr", listenAddr)
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		return registry.Run(groupCtx)
	})
	group.Go(func() error {
		runTokenPurger(groupCtx, logging.WithComponent(logger, "token-purger"), verifier,
			resolveDuration(*tokenPurgeInterval, "RIVERGATE_TOKEN_PURGE_INTERVAL", 15*time.Minute))
		return nil
	})
	if archiveStore != nil {
		worker := archive.NewWorker(archiveStore, queue, logging.WithComponent(logger, "archive"))
		group.Go(func() error {
			worker.Run(groupCtx)
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close event queue", "error", err)
		}
	}
	if archiveStore != nil {
		if err := archiveStore.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close event archive", "error", err)
		}
	}
	if tokenCloser != nil {
		if err := tokenCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close token store", "error", err)
		}
	}

	logger.Info("server stopped")
}

func configureTokenStore(driver, dsn string) (auth.TokenStore, func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return auth.NewMemoryTokenStore(), nil, nil
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, nil, fmt.Errorf("postgres token store selected without DSN")
		}
		store, err := auth.NewPostgresTokenStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported token store driver %q", driver)
	}
}

func configureQueue(driver string, cfg gateway.RedisQueueConfig, logger *slog.Logger) (gateway.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		cfg.Logger = logging.WithComponent(logger, "queue")
		return gateway.NewRedisQueue(cfg)
	case "", "memory":
		return gateway.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func webhookHandler(webhook *ingest.Webhook) http.Handler {
	if webhook == nil {
		return nil
	}
	return webhook
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
