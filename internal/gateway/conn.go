package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"rivergate/internal/auth"
	"rivergate/internal/models"
	"rivergate/internal/observability/metrics"
)

// TokenVerifier is the credential contract the gateway requires. Verification
// happens before a connection is ever registered; an unauthenticated
// connection never observes channel state.
type TokenVerifier interface {
	Verify(rawToken string, now time.Time) (models.Principal, error)
}

// Config configures a Gateway.
type Config struct {
	Registry *Registry
	Relay    *Relay
	Verifier TokenVerifier
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// HeartbeatInterval controls how often ping frames are sent to
	// connected clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway accepts authenticated WebSocket connections scoped to one broadcast
// channel each and pumps events between the transport and the registry.
type Gateway struct {
	registry          *Registry
	relay             *Relay
	verifier          TokenVerifier
	logger            *slog.Logger
	metrics           *metrics.Recorder
	heartbeatInterval time.Duration
}

// New initialises a gateway using the provided configuration.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Gateway{
		registry:          cfg.Registry,
		relay:             cfg.Relay,
		verifier:          cfg.Verifier,
		logger:            logger,
		metrics:           recorder,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// HandleConnection runs the handshake for one connection: the credential is
// verified before the upgrade, so a rejected client receives a plain 401 and
// is never registered anywhere.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	principal, err := g.verifier.Verify(auth.TokenFromRequest(r), time.Now())
	if err != nil {
		g.metrics.AuthFailure(auth.Reason(err))
		http.Error(w, fmt.Sprintf("unauthorized: %s", auth.Reason(err)), http.StatusUnauthorized)
		return
	}

	wsConn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The request context dies when this handler returns, which for a
	// hijacked connection is immediately. The connection's lifetime is
	// owned by close(): transport close, write failure, or eviction all
	// funnel there, and close cancels this context.
	ctx, cancel := context.WithCancel(context.Background())

	c := &conn{
		gateway:   g,
		transport: wsConn,
		principal: principal,
		cancel:    cancel,
	}
	g.metrics.ConnectionOpened()
	g.logger.Debug("connection authenticated", "user", principal.UserID)

	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

// conn owns one physical connection. Its lifecycle is Connecting →
// Authenticated → Subscribed → Closed, with a direct path to Closed from any
// state; close releases the subscription exactly once regardless of which
// edge triggered it.
type conn struct {
	gateway   *Gateway
	transport *Conn
	principal models.Principal
	cancel    context.CancelFunc

	mu           sync.Mutex
	subscription *Subscription

	closeOnce sync.Once
}

type inboundFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId,omitempty"`
	Body      string `json:"body,omitempty"`
}

type outboundFrame struct {
	Type    string          `json:"type"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Channel *models.Channel `json:"channel,omitempty"`
	Message *ChatMessage    `json:"message,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

func (c *conn) readLoop(ctx context.Context) {
	defer c.close()
	for {
		payload, err := c.transport.ReadMessage(ctx)
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.writeError("invalid_payload", "invalid payload")
			continue
		}
		switch frame.Type {
		case "subscribe":
			c.handleSubscribe(ctx, frame.ChannelID)
		case "message":
			c.handleMessage(frame.Body)
		default:
			c.writeError("unknown_command", fmt.Sprintf("unknown command %q", frame.Type))
		}
	}
}

// handleSubscribe binds the connection to its one channel and starts the
// write loop that drains the subscription in assignment order.
func (c *conn) handleSubscribe(ctx context.Context, channelID string) {
	c.mu.Lock()
	if c.subscription != nil {
		c.mu.Unlock()
		c.writeError(Reason(ErrAlreadySubscribed), ErrAlreadySubscribed.Error())
		return
	}
	c.mu.Unlock()

	subscription, err := c.gateway.registry.Subscribe(channelID)
	if err != nil {
		c.writeError(Reason(err), err.Error())
		return
	}

	c.mu.Lock()
	c.subscription = subscription
	c.mu.Unlock()

	snapshot, _ := c.gateway.registry.Snapshot(channelID)
	c.writeFrame(outboundFrame{Type: "subscribed", Channel: &snapshot})
	go c.writeLoop(ctx, subscription)
}

func (c *conn) handleMessage(body string) {
	c.mu.Lock()
	subscription := c.subscription
	c.mu.Unlock()
	if subscription == nil {
		c.writeError(Reason(ErrNotSubscribed), ErrNotSubscribed.Error())
		return
	}
	message, err := c.gateway.relay.Publish(subscription.channelID, c.principal, body)
	if err != nil {
		c.writeError(Reason(err), err.Error())
		return
	}
	// Delivery confirmation only. The authoritative copy arrives through
	// the fan-out below like every other subscriber's.
	c.writeFrame(outboundFrame{Type: "ack", Message: &message})
}

// writeLoop drains the subscription queue to the transport. Events are
// written strictly in the order received; the handler never reorders.
func (c *conn) writeLoop(ctx context.Context, subscription *Subscription) {
	defer c.close()
	for {
		event, err := subscription.Next(ctx)
		if err != nil {
			if err == errSubscriberEvicted {
				c.gateway.logger.Warn("closing slow consumer", "user", c.principal.UserID, "channel", subscription.channelID)
				_ = c.transport.WriteClose(ClosePolicyViolation, "outbound queue overflow")
			}
			return
		}
		if err := c.writeFrame(outboundFrame{Type: "event", Event: &event}); err != nil {
			return
		}
	}
}

func (c *conn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.transport.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) writeFrame(frame outboundFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.transport.WriteText(payload)
}

func (c *conn) writeError(code, message string) {
	_ = c.writeFrame(outboundFrame{Type: "error", Code: code, Error: message})
}

// close tears the connection down from any state and any cause. Subscription
// release is paired with acquisition and guaranteed on every exit path.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		subscription := c.subscription
		c.mu.Unlock()
		if subscription != nil {
			subscription.Close()
		}
		_ = c.transport.Close()
		c.gateway.metrics.ConnectionClosed()
	})
}
