package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rivergate/internal/auth"
	"rivergate/internal/gateway"
)

type testHarness struct {
	server   *httptest.Server
	registry *gateway.Registry
	tokens   map[string]string
}

func (h *testHarness) wsURL(user string) string {
	return strings.Replace(h.server.URL, "http", "ws", 1) + "/ws?access_token=" + h.tokens[user]
}

func newTestHarness(t *testing.T, users ...string) *testHarness {
	t.Helper()
	store := auth.NewMemoryTokenStore()
	tokens := make(map[string]string, len(users))
	for _, user := range users {
		raw, _, err := auth.Issue(store, user, user, time.Hour)
		if err != nil {
			t.Fatalf("Issue(%s): %v", user, err)
		}
		tokens[user] = raw
	}

	registry := gateway.NewRegistry(gateway.RegistryConfig{
		QueueCapacity: 64,
		ReplaySize:    16,
	})
	relay := gateway.NewRelay(gateway.RelayConfig{
		Registry:         registry,
		MaxMessageLength: 120,
		RateLimitWindow:  time.Minute,
		RateLimitMax:     50,
	})
	gw := gateway.New(gateway.Config{
		Registry: registry,
		Relay:    relay,
		Verifier: auth.NewVerifier(store),
	})

	server := httptest.NewServer(http.HandlerFunc(gw.HandleConnection))
	t.Cleanup(server.Close)
	return &testHarness{server: server, registry: registry, tokens: tokens}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	h := newTestHarness(t, "alice")

	badURL := strings.Replace(h.server.URL, "http", "ws", 1) + "/ws?access_token=bogus"
	if _, err := gateway.Dial(context.Background(), badURL, http.Header{}, nil); err == nil {
		t.Fatal("expected handshake rejection for invalid token")
	}
	if _, err := gateway.Dial(context.Background(), strings.Replace(h.server.URL, "http", "ws", 1)+"/ws", http.Header{}, nil); err == nil {
		t.Fatal("expected handshake rejection for missing token")
	}
}

func TestGatewaySubscribeDeliversSnapshotAndJoin(t *testing.T) {
	h := newTestHarness(t, "alice")

	conn := mustDial(t, h.wsURL("alice"))
	defer conn.Close()

	sendJSON(t, conn, map[string]string{"type": "subscribe", "channelId": "main"})
	subscribed := waitForType(t, conn, "subscribed")
	channel, ok := subscribed["channel"].(map[string]interface{})
	if !ok {
		t.Fatalf("malformed subscribed frame: %v", subscribed)
	}
	if channel["channelId"] != "main" {
		t.Fatalf("unexpected channel snapshot: %v", channel)
	}

	join := waitForEvent(t, conn, "viewer_count")
	if join["viewerCount"].(float64) != 1 {
		t.Fatalf("expected viewer count 1, got %v", join["viewerCount"])
	}
}

func TestGatewayFanOutPreservesOrder(t *testing.T) {
	h := newTestHarness(t, "alice", "bob")

	alice := mustDial(t, h.wsURL("alice"))
	defer alice.Close()
	bob := mustDial(t, h.wsURL("bob"))
	defer bob.Close()

	sendJSON(t, alice, map[string]string{"type": "subscribe", "channelId": "main"})
	waitForType(t, alice, "subscribed")
	waitForEvent(t, alice, "viewer_count")
	sendJSON(t, bob, map[string]string{"type": "subscribe", "channelId": "main"})
	waitForType(t, bob, "subscribed")
	// Both consumers observe bob's join before any chat that follows it.
	waitForEvent(t, alice, "viewer_count")
	waitForEvent(t, bob, "viewer_count")

	for _, body := range []string{"first", "second", "third"} {
		sendJSON(t, alice, map[string]string{"type": "message", "body": body})
		ack := waitForType(t, alice, "ack")
		message, ok := ack["message"].(map[string]interface{})
		if !ok || message["body"] != body {
			t.Fatalf("unexpected ack: %v", ack)
		}
	}

	var aliceSeqs, bobSeqs []float64
	for i := 0; i < 3; i++ {
		aliceSeqs = append(aliceSeqs, waitForEvent(t, alice, "chat")["sequence"].(float64))
		bobSeqs = append(bobSeqs, waitForEvent(t, bob, "chat")["sequence"].(float64))
	}
	for i := 1; i < len(aliceSeqs); i++ {
		if aliceSeqs[i] <= aliceSeqs[i-1] {
			t.Fatalf("sequence not increasing: %v", aliceSeqs)
		}
	}
	for i := range aliceSeqs {
		if aliceSeqs[i] != bobSeqs[i] {
			t.Fatalf("consumers diverged: %v vs %v", aliceSeqs, bobSeqs)
		}
	}
}

func TestGatewayReplayOnLateJoin(t *testing.T) {
	h := newTestHarness(t, "alice", "bob")

	alice := mustDial(t, h.wsURL("alice"))
	defer alice.Close()
	sendJSON(t, alice, map[string]string{"type": "subscribe", "channelId": "main"})
	waitForType(t, alice, "subscribed")
	waitForEvent(t, alice, "viewer_count")

	sendJSON(t, alice, map[string]string{"type": "message", "body": "before the join"})
	waitForType(t, alice, "ack")
	waitForEvent(t, alice, "chat")

	bob := mustDial(t, h.wsURL("bob"))
	defer bob.Close()
	sendJSON(t, bob, map[string]string{"type": "subscribe", "channelId": "main"})
	waitForType(t, bob, "subscribed")

	replayed := waitForEvent(t, bob, "chat")
	message, ok := replayed["message"].(map[string]interface{})
	if !ok || message["body"] != "before the join" {
		t.Fatalf("expected replayed chat before live events, got %v", replayed)
	}
	waitForEvent(t, bob, "viewer_count")
}

func TestGatewayConnectionOutlivesHandshakeRequest(t *testing.T) {
	h := newTestHarness(t, "alice", "bob")

	alice := mustDial(t, h.wsURL("alice"))
	defer alice.Close()
	sendJSON(t, alice, map[string]string{"type": "subscribe", "channelId": "main"})
	waitForType(t, alice, "subscribed")
	waitForEvent(t, alice, "viewer_count")

	// The upgrade handler has long since returned and its request context is
	// cancelled. An idle subscriber must keep receiving events published
	// afterwards.
	time.Sleep(400 * time.Millisecond)

	bob := mustDial(t, h.wsURL("bob"))
	defer bob.Close()
	sendJSON(t, bob, map[string]string{"type": "subscribe", "channelId": "main"})
	waitForType(t, bob, "subscribed")
	sendJSON(t, bob, map[string]string{"type": "message", "body": "still here"})
	waitForType(t, bob, "ack")

	event := waitForEvent(t, alice, "chat")
	message, ok := event["message"].(map[string]interface{})
	if !ok || message["body"] != "still here" {
		t.Fatalf("expected chat delivery after idle period, got %v", event)
	}
}

func TestGatewayErrorFrames(t *testing.T) {
	h := newTestHarness(t, "alice")

	conn := mustDial(t, h.wsURL("alice"))
	defer conn.Close()

	sendJSON(t, conn, map[string]string{"type": "message", "body": "too early"})
	expectErrorCode(t, conn, "not_subscribed")

	sendJSON(t, conn, map[string]string{"type": "subscribe"})
	expectErrorCode(t, conn, "channel_required")

	sendJSON(t, conn, map[string]string{"type": "subscribe", "channelId": "main"})
	waitForType(t, conn, "subscribed")
	sendJSON(t, conn, map[string]string{"type": "subscribe", "channelId": "other"})
	expectErrorCode(t, conn, "already_subscribed")

	sendJSON(t, conn, map[string]string{"type": "message", "body": "   "})
	expectErrorCode(t, conn, "empty")

	sendJSON(t, conn, map[string]string{"type": "shrug"})
	expectErrorCode(t, conn, "unknown_command")
}

func mustDial(t *testing.T, url string) *gateway.Conn {
	t.Helper()
	conn, err := gateway.Dial(context.Background(), url, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func sendJSON(t *testing.T, conn *gateway.Conn, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteText(data); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
}

func readJSON(t *testing.T, conn *gateway.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return payload
}

// pendingEvents buffers event frames that arrived while a helper was
// waiting for a different frame type. The ack and fan-out echoes are
// written by separate goroutines, so an echo can precede the ack on the
// wire; skipped event frames must be kept for later waitForEvent calls
// instead of discarded.
var pendingEvents = map[*gateway.Conn][]map[string]interface{}{}

func waitForType(t *testing.T, conn *gateway.Conn, expected string) map[string]interface{} {
	t.Helper()
	if expected == "event" {
		if queue := pendingEvents[conn]; len(queue) > 0 {
			pendingEvents[conn] = queue[1:]
			return queue[0]
		}
	}
	for i := 0; i < 8; i++ {
		message := readJSON(t, conn)
		if message["type"] == expected {
			return message
		}
		if message["type"] == "event" {
			pendingEvents[conn] = append(pendingEvents[conn], message)
		}
	}
	t.Fatalf("expected %s frame", expected)
	return nil
}

// waitForEvent reads event frames until one of the expected event type
// arrives and returns the embedded event payload. Event frames of other
// types are kept in arrival order for subsequent calls.
func waitForEvent(t *testing.T, conn *gateway.Conn, eventType string) map[string]interface{} {
	t.Helper()
	var skipped []map[string]interface{}
	defer func() {
		pendingEvents[conn] = append(skipped, pendingEvents[conn]...)
	}()
	for i := 0; i < 8; i++ {
		message := waitForType(t, conn, "event")
		event, ok := message["event"].(map[string]interface{})
		if !ok {
			t.Fatalf("malformed event frame: %v", message)
		}
		if event["type"] == eventType {
			return event
		}
		skipped = append(skipped, message)
	}
	t.Fatalf("expected %s event", eventType)
	return nil
}

func expectErrorCode(t *testing.T, conn *gateway.Conn, code string) {
	t.Helper()
	frame := waitForType(t, conn, "error")
	if frame["code"] != code {
		t.Fatalf("expected error code %s, got %v", code, frame["code"])
	}
}
