package gateway

import "errors"

// Relay errors are recoverable: they are reported back to the originating
// connection only and never affect other subscribers or sequence integrity.
var (
	// ErrMessageEmpty rejects a chat message whose body is empty after trimming.
	ErrMessageEmpty = errors.New("message body is empty")
	// ErrMessageTooLong rejects a chat message above the configured maximum length.
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	// ErrRateLimited rejects a message because the sender exceeded the
	// sliding-window quota for that channel.
	ErrRateLimited = errors.New("message rate limit exceeded")
)

// Connection protocol errors.
var (
	// ErrChannelRequired rejects a subscribe request without a channel id.
	ErrChannelRequired = errors.New("channel id is required")
	// ErrAlreadySubscribed rejects a second subscribe on the same connection.
	ErrAlreadySubscribed = errors.New("connection already subscribed")
	// ErrNotSubscribed rejects a chat message sent before subscribing.
	ErrNotSubscribed = errors.New("subscribe to a channel first")
)

// Subscriber queue errors, internal to the fan-out path.
var (
	errSubscriberClosed  = errors.New("subscriber queue closed")
	errSubscriberEvicted = errors.New("subscriber evicted as slow consumer")
	errLifecycleDropped  = errors.New("lifecycle event dropped")
)

// Reason maps a relay or protocol error onto the stable wire code included in
// error frames.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMessageEmpty):
		return "empty"
	case errors.Is(err, ErrMessageTooLong):
		return "too_long"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrChannelRequired):
		return "channel_required"
	case errors.Is(err, ErrAlreadySubscribed):
		return "already_subscribed"
	case errors.Is(err, ErrNotSubscribed):
		return "not_subscribed"
	default:
		return "internal"
	}
}
