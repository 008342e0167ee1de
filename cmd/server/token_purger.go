package main

import (
	"context"
	"log/slog"
	"time"
)

type tokenPurger interface {
	PurgeExpired() error
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// runTokenPurger sweeps expired access tokens until the context is cancelled.
func runTokenPurger(ctx context.Context, logger *slog.Logger, tokens tokenPurger, interval time.Duration) {
	runTokenPurgerWithTicker(ctx, logger, tokens, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func runTokenPurgerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	tokens tokenPurger,
	interval time.Duration,
	newTicker tickerFactory,
) {
	if tokens == nil || interval <= 0 {
		return
	}
	ticker := newTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := tokens.PurgeExpired(); err != nil && logger != nil {
				logger.Error("failed to purge expired tokens", "error", err)
			}
		}
	}
}
