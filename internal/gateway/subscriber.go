package gateway

import (
	"context"
	"sync"
)

// subscriber is one channel membership's bounded outbound queue. The registry
// enqueues events without blocking; the connection handler drains them in
// order. When the queue is full, lifecycle events displace the oldest
// undelivered lifecycle event, while a chat message that cannot be queued
// marks the subscriber for eviction so delivery to the rest of the channel is
// never stalled.
type subscriber struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	notify   chan struct{}
	closed   bool
	evicted  bool
}

func newSubscriber(capacity int) *subscriber {
	if capacity <= 0 {
		capacity = 64
	}
	return &subscriber{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues the event. It never blocks. The returned error reports the
// applied backpressure policy: errLifecycleDropped when a lifecycle event was
// discarded to make room (or could not fit at all), errSubscriberEvicted when
// a chat message found the queue full.
func (s *subscriber) push(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriberClosed
	}
	if len(s.events) < s.capacity {
		s.events = append(s.events, event)
		s.signalLocked()
		return nil
	}
	if event.Lifecycle() {
		for i := range s.events {
			if s.events[i].Lifecycle() {
				s.events = append(s.events[:i], s.events[i+1:]...)
				s.events = append(s.events, event)
				s.signalLocked()
				return errLifecycleDropped
			}
		}
		// Queue entirely held by chat messages; the newer lifecycle
		// event loses.
		return errLifecycleDropped
	}
	s.evicted = true
	return errSubscriberEvicted
}

// next blocks until an event is available, the queue closes, or the context
// is cancelled. After an eviction it drains nothing further and reports
// errSubscriberEvicted so the connection handler can close the transport.
func (s *subscriber) next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			return Event{}, errSubscriberEvicted
		}
		if len(s.events) > 0 {
			event := s.events[0]
			s.events = s.events[1:]
			s.mu.Unlock()
			return event, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, errSubscriberClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.signalLocked()
	s.mu.Unlock()
}

func (s *subscriber) evict() {
	s.mu.Lock()
	s.evicted = true
	s.closed = true
	s.signalLocked()
	s.mu.Unlock()
}

func (s *subscriber) signalLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Subscription represents one connection's membership in a channel. Closing
// it releases the membership; a double close (for example a racing transport
// close and an explicit leave) is a no-op.
type Subscription struct {
	registry  *Registry
	channelID string
	sub       *subscriber
}

// Next returns the next event in assignment order. It blocks until an event
// arrives, the subscription closes, or the context is cancelled.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	return s.sub.next(ctx)
}

// Evicted reports whether the registry force-closed this subscription as a
// slow consumer.
func (s *Subscription) Evicted() bool {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.evicted
}

// Close removes the subscription from its channel. Idempotent.
func (s *Subscription) Close() {
	s.registry.unsubscribe(s.channelID, s.sub)
}
