package gateway

import (
	"context"
	"errors"
	"sync"
)

// Queue carries every accepted event to out-of-process consumers such as the
// archive worker. The in-memory implementation supports single-process
// deployments and the fakes used in tests.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() QueueSubscription
}

// QueueSubscription is an active consumer stream over the queue.
type QueueSubscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memoryQueueSubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memoryQueueSubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so a stalled consumer cannot
			// back up the live path.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() QueueSubscription {
	sub := &memoryQueueSubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memoryQueueSubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Event
}

func (s *memoryQueueSubscription) Events() <-chan Event {
	return s.ch
}

func (s *memoryQueueSubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
