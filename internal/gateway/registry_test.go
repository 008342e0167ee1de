package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"rivergate/internal/models"
	"rivergate/internal/observability/metrics"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Metrics = metrics.New()
	return NewRegistry(cfg)
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return event
}

func expectViewerCount(t *testing.T, sub *Subscription, want int) Event {
	t.Helper()
	event := nextEvent(t, sub)
	if event.Type != EventTypeViewerCount {
		t.Fatalf("expected viewer_count, got %s", event.Type)
	}
	if event.ViewerCount == nil || *event.ViewerCount != want {
		t.Fatalf("expected viewer count %d, got %v", want, event.ViewerCount)
	}
	return event
}

func TestSubscribeTracksViewerCount(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{})
	first, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	expectViewerCount(t, first, 1)

	second, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	expectViewerCount(t, first, 2)
	expectViewerCount(t, second, 2)

	snapshot, ok := registry.Snapshot("room")
	if !ok {
		t.Fatal("expected channel snapshot")
	}
	if snapshot.ViewerCount != 2 {
		t.Fatalf("expected viewer count 2, got %d", snapshot.ViewerCount)
	}

	second.Close()
	expectViewerCount(t, first, 1)
}

func TestSubscribeRequiresChannel(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{})
	if _, err := registry.Subscribe(""); !errors.Is(err, ErrChannelRequired) {
		t.Fatalf("expected ErrChannelRequired, got %v", err)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{})
	watcher, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	leaver, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	expectViewerCount(t, watcher, 1)
	expectViewerCount(t, watcher, 2)

	leaver.Close()
	leaver.Close()

	expectViewerCount(t, watcher, 1)

	snapshot, _ := registry.Snapshot("room")
	if snapshot.ViewerCount != 1 {
		t.Fatalf("expected viewer count 1 after double close, got %d", snapshot.ViewerCount)
	}

	// No second decrement event was emitted.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if event, err := watcher.Next(ctx); err == nil {
		t.Fatalf("unexpected extra event %v", event)
	}
}

func TestAppendChatSequencesAreStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{QueueCapacity: 1024})
	sub, err := registry.Subscribe("busy")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sender := models.Principal{UserID: "writer", DisplayName: "writer"}
			for i := 0; i < perWriter; i++ {
				registry.AppendChat("busy", sender, "message")
			}
		}(w)
	}
	wg.Wait()

	var last uint64
	chatSeen := 0
	total := 0
	for chatSeen < writers*perWriter {
		event := nextEvent(t, sub)
		total++
		if event.Sequence <= last {
			t.Fatalf("sequence went backwards: %d after %d", event.Sequence, last)
		}
		last = event.Sequence
		if event.Type == EventTypeChat {
			chatSeen++
			if event.Message == nil {
				t.Fatal("chat event without message payload")
			}
		}
		if total > writers*perWriter+8 {
			t.Fatal("received more events than expected")
		}
	}
}

func TestSetStateIdempotent(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{})
	startedAt := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)

	if registry.SetState("room", false, startedAt) {
		t.Fatal("offline transition on a fresh channel should be a no-op")
	}
	if !registry.SetState("room", true, startedAt) {
		t.Fatal("expected live transition to report a change")
	}
	if registry.SetState("room", true, startedAt.Add(time.Minute)) {
		t.Fatal("duplicate live transition should be a no-op")
	}

	snapshot, _ := registry.Snapshot("room")
	if !snapshot.Live {
		t.Fatal("expected channel to be live")
	}
	if !snapshot.StartedAt.Equal(startedAt) {
		t.Fatalf("expected startedAt %v, got %v", startedAt, snapshot.StartedAt)
	}

	if !registry.SetState("room", false, startedAt.Add(time.Hour)) {
		t.Fatal("expected offline transition to report a change")
	}
	snapshot, _ = registry.Snapshot("room")
	if snapshot.Live || !snapshot.StartedAt.IsZero() {
		t.Fatalf("expected offline channel with cleared start time, got %+v", snapshot)
	}
}

func TestSetStateEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{})
	sub, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	expectViewerCount(t, sub, 1)

	startedAt := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	registry.SetState("room", true, startedAt)
	event := nextEvent(t, sub)
	if event.Type != EventTypeChannelLive {
		t.Fatalf("expected channel_live, got %s", event.Type)
	}
	if event.StartedAt == nil || !event.StartedAt.Equal(startedAt) {
		t.Fatalf("expected startedAt %v, got %v", startedAt, event.StartedAt)
	}

	registry.SetState("room", false, startedAt.Add(time.Hour))
	event = nextEvent(t, sub)
	if event.Type != EventTypeChannelOffline {
		t.Fatalf("expected channel_offline, got %s", event.Type)
	}

	// Going offline never disconnects subscribers.
	snapshot, _ := registry.Snapshot("room")
	if snapshot.ViewerCount != 1 {
		t.Fatalf("expected subscriber to remain after offline, got %d viewers", snapshot.ViewerCount)
	}
}

func TestReplayDeliveredBeforeLiveEvents(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{ReplaySize: 4})
	sender := models.Principal{UserID: "author", DisplayName: "Author"}
	for i := 0; i < 6; i++ {
		registry.AppendChat("room", sender, "message")
	}

	sub, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The last four chat events replay in order, then the join's own
	// viewer-count event arrives.
	for want := uint64(3); want <= 6; want++ {
		event := nextEvent(t, sub)
		if event.Type != EventTypeChat || event.Sequence != want {
			t.Fatalf("expected replayed chat %d, got %s %d", want, event.Type, event.Sequence)
		}
	}
	expectViewerCount(t, sub, 1)
}

func TestSlowConsumerEviction(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{QueueCapacity: 2})
	victim, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	healthy, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Drain the healthy consumer up to date; the victim drains nothing, so
	// its queue holds both join viewer-count events and is full.
	expectViewerCount(t, healthy, 2)

	registry.AppendChat("room", models.Principal{UserID: "author"}, "overflow")

	if _, err := victim.Next(context.Background()); !errors.Is(err, errSubscriberEvicted) {
		t.Fatalf("expected eviction, got %v", err)
	}
	if !victim.Evicted() {
		t.Fatal("expected Evicted to report true")
	}

	event := nextEvent(t, healthy)
	if event.Type != EventTypeChat {
		t.Fatalf("expected chat for healthy consumer, got %s", event.Type)
	}
	expectViewerCount(t, healthy, 1)

	snapshot, _ := registry.Snapshot("room")
	if snapshot.ViewerCount != 1 {
		t.Fatalf("expected viewer count 1 after eviction, got %d", snapshot.ViewerCount)
	}

	// The evicted subscription's own close is a late no-op.
	victim.Close()
	snapshot, _ = registry.Snapshot("room")
	if snapshot.ViewerCount != 1 {
		t.Fatalf("late close changed viewer count to %d", snapshot.ViewerCount)
	}
}

func TestLifecycleEventsNeverEvict(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{QueueCapacity: 2})
	sub, err := registry.Subscribe("room")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Queue now holds the join viewer-count; fill the remaining slot.
	registry.AppendChat("room", models.Principal{UserID: "author"}, "one")

	// Full queue plus a lifecycle event: the oldest queued lifecycle event
	// is displaced and the subscriber stays.
	registry.SetState("room", true, time.Now())

	snapshot, _ := registry.Snapshot("room")
	if snapshot.ViewerCount != 1 {
		t.Fatalf("expected subscriber to survive, got %d viewers", snapshot.ViewerCount)
	}

	event := nextEvent(t, sub)
	if event.Type != EventTypeChat {
		t.Fatalf("expected retained chat first, got %s", event.Type)
	}
	event = nextEvent(t, sub)
	if event.Type != EventTypeChannelLive {
		t.Fatalf("expected channel_live, got %s", event.Type)
	}
}

func TestRunPublishesAcceptedEvents(t *testing.T) {
	t.Parallel()

	queue := NewMemoryQueue(32)
	registry := newTestRegistry(t, RegistryConfig{Queue: queue})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Run(ctx)

	queueSub := queue.Subscribe()
	defer queueSub.Close()

	message := registry.AppendChat("room", models.Principal{UserID: "author"}, "persist me")

	select {
	case event := <-queueSub.Events():
		if event.Type != EventTypeChat || event.Sequence != message.Sequence {
			t.Fatalf("unexpected queue event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event on the queue")
	}
}

func TestReapRemovesIdleOfflineChannels(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, RegistryConfig{IdleTTL: time.Minute})
	registry.Ensure("idle")
	registry.SetState("live", true, time.Now())
	occupied, err := registry.Subscribe("occupied")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer occupied.Close()

	reaped := registry.Reap(time.Now().Add(2 * time.Minute))
	if reaped != 1 {
		t.Fatalf("expected exactly one channel reaped, got %d", reaped)
	}
	if _, ok := registry.Snapshot("idle"); ok {
		t.Fatal("expected idle channel to be gone")
	}
	if _, ok := registry.Snapshot("live"); !ok {
		t.Fatal("live channel must never be reaped")
	}
	if _, ok := registry.Snapshot("occupied"); !ok {
		t.Fatal("occupied channel must never be reaped")
	}
}
