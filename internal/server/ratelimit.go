package server

import (
	"sync"
	"time"
)

// RateLimitConfig throttles the total request rate across all HTTP endpoints.
// Per-sender chat throttling happens inside the gateway relay; this limiter
// only guards handshake and webhook traffic.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
}

type rateLimiter struct {
	global *tokenBucket
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.GlobalRPS <= 0 {
		return nil
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = int(cfg.GlobalRPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &rateLimiter{global: newTokenBucket(cfg.GlobalRPS, burst)}
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
