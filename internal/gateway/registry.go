package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rivergate/internal/models"
	"rivergate/internal/observability/metrics"
)

// RegistryConfig tunes the channel registry.
type RegistryConfig struct {
	// QueueCapacity bounds each subscriber's outbound queue.
	QueueCapacity int
	// ReplaySize bounds the per-channel recent-history ring delivered
	// best-effort to joining subscribers. Zero disables replay.
	ReplaySize int
	// IdleTTL controls when offline channels with no subscribers are
	// reaped. Zero disables reaping.
	IdleTTL time.Duration
	// Queue receives every accepted event for out-of-process consumers.
	Queue   Queue
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Registry owns all channel state: lifecycle, viewer population, sequence
// counters, and the subscriber sets events fan out to. Channels are created
// lazily on first touch and all mutations for one channel serialize on that
// channel's lock, so one busy channel never stalls the others.
type Registry struct {
	queueCapacity int
	replaySize    int
	idleTTL       time.Duration
	queue         Queue
	logger        *slog.Logger
	metrics       *metrics.Recorder

	mu       sync.RWMutex
	channels map[string]*channel

	publishCh chan Event
	now       func() time.Time
}

type channel struct {
	id string

	mu           sync.Mutex
	live         bool
	startedAt    time.Time
	lastSequence uint64
	subscribers  map[*subscriber]struct{}
	replay       []Event
	lastActivity time.Time
}

// NewRegistry initialises a registry using the provided configuration.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}
	return &Registry{
		queueCapacity: capacity,
		replaySize:    cfg.ReplaySize,
		idleTTL:       cfg.IdleTTL,
		queue:         cfg.Queue,
		logger:        logger,
		metrics:       recorder,
		channels:      make(map[string]*channel),
		publishCh:     make(chan Event, 256),
		now:           time.Now,
	}
}

// Ensure returns a snapshot of the channel, creating an offline record when
// the channel has never been referenced before.
func (r *Registry) Ensure(channelID string) models.Channel {
	ch := r.ensure(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.snapshotLocked()
}

// Snapshot returns the channel state without creating it.
func (r *Registry) Snapshot(channelID string) (models.Channel, bool) {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return models.Channel{}, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.snapshotLocked(), true
}

// Subscribe adds a connection to the channel's subscriber set, replays the
// bounded recent history to it, and emits a viewer-count event through the
// shared ordered stream.
func (r *Registry) Subscribe(channelID string) (*Subscription, error) {
	if channelID == "" {
		return nil, ErrChannelRequired
	}
	ch := r.ensure(channelID)
	sub := newSubscriber(r.queueCapacity)

	ch.mu.Lock()
	// History first so the joiner observes replayed events before anything
	// emitted from its own join. Replay is best-effort, never a guarantee.
	for _, event := range ch.replay {
		_ = sub.push(event)
	}
	ch.subscribers[sub] = struct{}{}
	ch.lastActivity = r.now()
	r.emitViewerCountLocked(ch)
	ch.mu.Unlock()

	r.metrics.SubscriberJoined()
	return &Subscription{registry: r, channelID: channelID, sub: sub}, nil
}

// unsubscribe removes the subscriber when it is still a member. Racing calls
// (explicit leave, transport close, slow-consumer eviction) collapse into one
// removal, so the viewer count is decremented exactly once and never goes
// negative.
func (r *Registry) unsubscribe(channelID string, sub *subscriber) {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	if _, member := ch.subscribers[sub]; !member {
		ch.mu.Unlock()
		return
	}
	delete(ch.subscribers, sub)
	sub.close()
	ch.lastActivity = r.now()
	r.emitViewerCountLocked(ch)
	ch.mu.Unlock()
	r.metrics.SubscriberLeft()
}

// NextSequence atomically increments and returns the channel's sequence
// counter. Sequence numbers are never reused, even when a later fan-out
// partially fails.
func (r *Registry) NextSequence(channelID string) uint64 {
	ch := r.ensure(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.nextSequenceLocked()
}

// SetState transitions the channel between live and offline. Repeated signals
// in the same direction are accepted as no-ops; flaky upstream broadcast
// sources may deliver duplicates. The returned bool reports whether the state
// actually changed and an event was emitted.
func (r *Registry) SetState(channelID string, live bool, at time.Time) bool {
	ch := r.ensure(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.live == live {
		return false
	}
	ch.live = live
	event := Event{ChannelID: channelID, EmittedAt: r.now().UTC()}
	if live {
		ch.startedAt = at.UTC()
		started := ch.startedAt
		event.Type = EventTypeChannelLive
		event.StartedAt = &started
	} else {
		ch.startedAt = time.Time{}
		event.Type = EventTypeChannelOffline
	}
	event.Sequence = ch.nextSequenceLocked()
	ch.lastActivity = r.now()
	r.broadcastLocked(ch, event)
	return true
}

// AppendChat assigns the next sequence to the message and fans it out to
// every current subscriber, the sender's own connection included. Delivery
// and sequencing are decoupled: a full subscriber queue affects that one
// subscriber, never the assigned number.
func (r *Registry) AppendChat(channelID string, sender models.Principal, body string) ChatMessage {
	ch := r.ensure(channelID)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	message := ChatMessage{
		ChannelID:  channelID,
		Sequence:   ch.nextSequenceLocked(),
		SenderID:   sender.UserID,
		SenderName: sender.DisplayName,
		Body:       body,
		SentAt:     r.now().UTC(),
	}
	event := Event{
		Type:      EventTypeChat,
		ChannelID: channelID,
		Sequence:  message.Sequence,
		Message:   &message,
		EmittedAt: message.SentAt,
	}
	ch.lastActivity = r.now()
	r.broadcastLocked(ch, event)
	return message
}

// Run drains accepted events to the configured queue and periodically reaps
// idle channels. It returns when the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	var reap <-chan time.Time
	if r.idleTTL > 0 {
		ticker := time.NewTicker(r.idleTTL / 2)
		defer ticker.Stop()
		reap = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-r.publishCh:
			if r.queue == nil {
				continue
			}
			if err := r.queue.Publish(ctx, event); err != nil && ctx.Err() == nil {
				r.logger.Warn("failed to publish gateway event", "type", event.Type, "channel", event.ChannelID, "error", err)
			}
		case <-reap:
			r.Reap(r.now())
		}
	}
}

// Reap removes channels that are offline, empty, and idle past the configured
// TTL. Live channels and channels with subscribers are never touched.
func (r *Registry) Reap(now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	reaped := 0
	r.mu.Lock()
	for id, ch := range r.channels {
		ch.mu.Lock()
		idle := !ch.live && len(ch.subscribers) == 0 && now.Sub(ch.lastActivity) >= r.idleTTL
		ch.mu.Unlock()
		if idle {
			delete(r.channels, id)
			reaped++
		}
	}
	r.mu.Unlock()
	if reaped > 0 {
		r.logger.Info("reaped idle channels", "count", reaped)
	}
	return reaped
}

func (r *Registry) ensure(channelID string) *channel {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if ok {
		return ch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok = r.channels[channelID]; ok {
		return ch
	}
	ch = &channel{
		id:           channelID,
		subscribers:  make(map[*subscriber]struct{}),
		lastActivity: r.now(),
	}
	r.channels[channelID] = ch
	return ch
}

// broadcastLocked enqueues the event on every subscriber, applies the
// backpressure policy, and forwards the event to the queue drain. Caller
// holds ch.mu, which is what makes assignment order and enqueue order agree
// for every subscriber present at emission time.
func (r *Registry) broadcastLocked(ch *channel, event Event) {
	r.appendReplayLocked(ch, event)

	var evicted []*subscriber
	for sub := range ch.subscribers {
		switch err := sub.push(event); err {
		case nil, errSubscriberClosed:
		case errLifecycleDropped:
			r.metrics.LifecycleDropped()
		case errSubscriberEvicted:
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		delete(ch.subscribers, sub)
		sub.evict()
		r.metrics.SubscriberEvicted()
		r.logger.Warn("evicted slow consumer", "channel", ch.id, "viewers", len(ch.subscribers))
	}
	if len(evicted) > 0 {
		// The population changed; announce it. A full queue cannot make
		// this recurse: viewer-count events fall under the lifecycle
		// drop policy, never the eviction policy.
		r.emitViewerCountLocked(ch)
	}

	r.metrics.ObserveEvent(string(event.Type))
	select {
	case r.publishCh <- event:
	default:
		if r.queue != nil {
			r.logger.Warn("gateway event queue backlog full, dropping publish", "type", event.Type, "channel", event.ChannelID)
		}
	}
}

func (r *Registry) emitViewerCountLocked(ch *channel) {
	count := len(ch.subscribers)
	event := Event{
		Type:        EventTypeViewerCount,
		ChannelID:   ch.id,
		Sequence:    ch.nextSequenceLocked(),
		ViewerCount: &count,
		EmittedAt:   r.now().UTC(),
	}
	r.broadcastLocked(ch, event)
}

func (r *Registry) appendReplayLocked(ch *channel, event Event) {
	if r.replaySize <= 0 {
		return
	}
	ch.replay = append(ch.replay, event)
	if len(ch.replay) > r.replaySize {
		ch.replay = append(ch.replay[:0:0], ch.replay[len(ch.replay)-r.replaySize:]...)
	}
}

func (ch *channel) nextSequenceLocked() uint64 {
	ch.lastSequence++
	return ch.lastSequence
}

func (ch *channel) snapshotLocked() models.Channel {
	return models.Channel{
		ID:           ch.id,
		Live:         ch.live,
		StartedAt:    ch.startedAt,
		ViewerCount:  len(ch.subscribers),
		LastSequence: ch.lastSequence,
	}
}
