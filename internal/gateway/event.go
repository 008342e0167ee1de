package gateway

import "time"

// EventType enumerates the events flowing through a channel's ordered stream.
// Chat messages and lifecycle events share one per-channel sequence space so
// ordering between them is deterministic and replayable.
type EventType string

const (
	// EventTypeChat represents a chat message authored by a subscriber.
	EventTypeChat EventType = "chat"
	// EventTypeChannelLive signals the channel transitioned to live.
	EventTypeChannelLive EventType = "channel_live"
	// EventTypeChannelOffline signals the channel transitioned to offline.
	EventTypeChannelOffline EventType = "channel_offline"
	// EventTypeViewerCount reports a change in the subscriber population.
	EventTypeViewerCount EventType = "viewer_count"
)

// ChatMessage transports one accepted chat message. Sequence numbers are
// assigned exactly once, at relay time, under the channel's single writer.
type ChatMessage struct {
	ChannelID  string    `json:"channelId"`
	Sequence   uint64    `json:"sequence"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sentAt"`
}

// Event is the wire representation fanned out to subscribers and forwarded to
// the persistence queue. Exactly one of the variant fields is populated,
// matching Type.
type Event struct {
	Type        EventType    `json:"type"`
	ChannelID   string       `json:"channelId"`
	Sequence    uint64       `json:"sequence"`
	Message     *ChatMessage `json:"message,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	ViewerCount *int         `json:"viewerCount,omitempty"`
	EmittedAt   time.Time    `json:"emittedAt"`
}

// Lifecycle reports whether the event is a lifecycle notification rather than
// a chat message. Lifecycle events may be dropped under backpressure; chat
// messages never are.
func (e Event) Lifecycle() bool {
	return e.Type != EventTypeChat
}
