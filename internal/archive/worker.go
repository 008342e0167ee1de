package archive

import (
	"context"
	"log/slog"
	"time"

	"rivergate/internal/gateway"
)

// EventStore persists events drained from the gateway queue.
type EventStore interface {
	ArchiveEvent(ctx context.Context, evt gateway.Event) error
}

const defaultArchiveTimeout = 5 * time.Second

// Worker consumes queue events and writes them to the archive store.
type Worker struct {
	queue   gateway.Queue
	store   EventStore
	logger  *slog.Logger
	timeout time.Duration
}

// NewWorker prepares a worker that persists events delivered via the queue.
func NewWorker(store EventStore, queue gateway.Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, store: store, logger: logger, timeout: defaultArchiveTimeout}
}

// Run blocks until the context is cancelled, archiving events as they arrive.
func (w *Worker) Run(ctx context.Context) {
	if w.queue == nil || w.store == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			callCtx, cancel := withTimeout(ctx, w.timeout)
			err := w.store.ArchiveEvent(callCtx, evt)
			cancel()
			if err != nil {
				w.logger.Error("failed to archive event",
					"channel_id", evt.ChannelID,
					"sequence", evt.Sequence,
					"type", evt.Type,
					"error", err)
			}
		}
	}
}
