package gateway

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueFanOut(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue(8)
	first := queue.Subscribe()
	second := queue.Subscribe()
	defer first.Close()
	defer second.Close()

	if err := queue.Publish(context.Background(), chatEvent(1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, sub := range []QueueSubscription{first, second} {
		select {
		case event := <-sub.Events():
			if event.Sequence != 1 {
				t.Fatalf("unexpected sequence %d", event.Sequence)
			}
		case <-time.After(time.Second):
			t.Fatal("expected event delivery")
		}
	}
}

func TestMemoryQueueRejectsUntypedEvents(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for event without type")
	}
}

func TestMemoryQueueDropsWhenConsumerStalls(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue(1)
	stalled := queue.Subscribe()
	defer stalled.Close()

	// The second publish finds the buffer full and must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Publish(context.Background(), chatEvent(1))
		_ = queue.Publish(context.Background(), chatEvent(2))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled consumer")
	}

	select {
	case event := <-stalled.Events():
		if event.Sequence != 1 {
			t.Fatalf("expected first event retained, got %d", event.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("expected buffered event")
	}
}

func TestMemoryQueueCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed event stream")
	}

	// Publishing after a consumer leaves still succeeds.
	if err := queue.Publish(context.Background(), chatEvent(1)); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
}
