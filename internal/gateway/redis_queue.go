package gateway

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams queue implementation. At
// least one address is required; Stream and Group default to the gateway's
// conventional names.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	MasterName   string
	PoolSize     int
	Buffer       int
	BlockTimeout time.Duration
	Logger       *slog.Logger
	TLS          RedisTLSConfig
}

// NewRedisQueue initialises a queue backed by Redis Streams so gateway
// replicas can share one archive stream. The caller is responsible for
// ensuring the Redis instance is reachable.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "rivergate:events"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "archive-workers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	tlsConfig, err := buildRedisTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      addrs,
		MasterName: strings.TrimSpace(cfg.MasterName),
		Username:   strings.TrimSpace(cfg.Username),
		Password:   cfg.Password,
		TLSConfig:  tlsConfig,
		PoolSize:   cfg.PoolSize,
		MaxRetries: 2,
	})
	queue := &redisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       cfg.Logger,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

type redisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *redisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (q *redisQueue) Subscribe() QueueSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisQueueSubscription{
		queue:    q,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan Event, q.buffer),
	}
	go sub.run(ctx)
	return sub
}

// Close releases the underlying Redis client. Active subscriptions should be
// closed first.
func (q *redisQueue) Close() error {
	return q.client.Close()
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil {
		if isBusyGroup(err) {
			q.groupReady.Store(true)
			return nil
		}
		return err
	}
	q.groupReady.Store(true)
	return nil
}

type redisQueueSubscription struct {
	queue    *redisQueue
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan Event
}

func (s *redisQueueSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisQueueSubscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.ch)
	})
}

func (s *redisQueueSubscription) run(ctx context.Context) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.queue.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.queue.logger.Warn("redis queue group ensure failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		entries, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.queue.logger.Warn("redis queue read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, entry := range entries {
			var event Event
			if err := json.Unmarshal(entry.payload, &event); err != nil {
				s.queue.logger.Error("redis queue decode failed", "error", err)
				s.ack(ctx, entry.id)
				continue
			}
			select {
			case s.ch <- event:
				s.ack(ctx, entry.id)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *redisQueueSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

type redisStreamEntry struct {
	id      string
	payload []byte
}

func (s *redisQueueSubscription) read(ctx context.Context) ([]redisStreamEntry, error) {
	streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.queue.group,
		Consumer: s.consumer,
		Streams:  []string{s.queue.stream, ">"},
		Count:    32,
		Block:    s.queue.blockTimeout,
	}).Result()
	if err != nil {
		// A block timeout with nothing to read surfaces as redis.Nil.
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entries []redisStreamEntry
	for _, stream := range streams {
		for _, message := range stream.Messages {
			payload := redisPayload(message.Values)
			if message.ID == "" || len(payload) == 0 {
				continue
			}
			entries = append(entries, redisStreamEntry{id: message.ID, payload: payload})
		}
	}
	return entries, nil
}

func redisPayload(values map[string]interface{}) []byte {
	for key, value := range values {
		if !strings.EqualFold(key, "payload") {
			continue
		}
		switch v := value.(type) {
		case string:
			return []byte(v)
		case []byte:
			return v
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return "consumer-" + hex.EncodeToString(buf)
}

func buildRedisTLS(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
