package gateway

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"rivergate/internal/models"
	"rivergate/internal/observability/metrics"
)

const (
	defaultMaxMessageLength = 500
	defaultRateLimitWindow  = 10 * time.Second
	defaultRateLimitMax     = 10
)

// RelayConfig tunes the chat relay.
type RelayConfig struct {
	Registry *Registry
	// MaxMessageLength bounds the body length in runes after normalization.
	MaxMessageLength int
	// RateLimitWindow and RateLimitMax bound how many messages one sender
	// may publish to one channel inside a sliding window. A zero
	// RateLimitMax disables the quota.
	RateLimitWindow time.Duration
	RateLimitMax    int
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// Relay accepts inbound chat messages, validates them, and hands accepted
// messages to the registry for sequencing and fan-out. Rejected messages are
// never assigned a sequence number and are delivered to nobody.
type Relay struct {
	registry  *Registry
	maxLength int
	window    time.Duration
	maxBurst  int
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	mu      sync.Mutex
	windows map[senderKey]*senderWindow
}

type senderKey struct {
	channelID string
	senderID  string
}

type senderWindow struct {
	sent     []time.Time
	lastSeen time.Time
}

// NewRelay initialises a relay over the provided registry.
func NewRelay(cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	maxLength := cfg.MaxMessageLength
	if maxLength <= 0 {
		maxLength = defaultMaxMessageLength
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &Relay{
		registry:  cfg.Registry,
		maxLength: maxLength,
		window:    window,
		maxBurst:  cfg.RateLimitMax,
		logger:    logger,
		metrics:   recorder,
		now:       time.Now,
		windows:   make(map[senderKey]*senderWindow),
	}
}

// Publish validates and relays one chat message from the authenticated
// sender. On acceptance the constructed message is returned to the caller as
// delivery confirmation; the sender's own copy flows through the same ordered
// fan-out as everyone else's, so every subscriber sees one total order.
func (r *Relay) Publish(channelID string, sender models.Principal, body string) (ChatMessage, error) {
	if channelID == "" {
		return ChatMessage{}, ErrChannelRequired
	}
	trimmed := strings.TrimSpace(norm.NFC.String(body))
	if trimmed == "" {
		r.metrics.RelayRejected("empty")
		return ChatMessage{}, ErrMessageEmpty
	}
	if len([]rune(trimmed)) > r.maxLength {
		r.metrics.RelayRejected("too_long")
		return ChatMessage{}, ErrMessageTooLong
	}
	if !r.allow(channelID, sender.UserID) {
		r.metrics.RelayRejected("rate_limited")
		return ChatMessage{}, ErrRateLimited
	}
	return r.registry.AppendChat(channelID, sender, trimmed), nil
}

// allow applies the per-(channel, sender) sliding-window quota. The quota
// must be checked before sequencing so a rejected message never consumes a
// sequence number.
func (r *Relay) allow(channelID, senderID string) bool {
	if r.maxBurst <= 0 {
		return true
	}
	now := r.now()
	cutoff := now.Add(-r.window)
	key := senderKey{channelID: channelID, senderID: senderID}

	r.mu.Lock()
	defer r.mu.Unlock()
	window, ok := r.windows[key]
	if !ok {
		window = &senderWindow{}
		r.windows[key] = window
	}
	kept := window.sent[:0]
	for _, at := range window.sent {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	window.sent = kept
	window.lastSeen = now
	r.cleanupLocked(now)
	if len(window.sent) >= r.maxBurst {
		return false
	}
	window.sent = append(window.sent, now)
	return true
}

func (r *Relay) cleanupLocked(now time.Time) {
	if len(r.windows) == 0 {
		return
	}
	cutoff := now.Add(-2 * r.window)
	for key, window := range r.windows {
		if window.lastSeen.Before(cutoff) {
			delete(r.windows, key)
		}
	}
}
