package gateway_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rivergate/internal/gateway"
)

func TestDialWS(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := gateway.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteText([]byte("hello")); err != nil {
			t.Errorf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := gateway.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	message, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(message) != "hello" {
		t.Fatalf("unexpected message %q", message)
	}
}

func TestDialWSS(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := gateway.Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteText([]byte("secure")); err != nil {
			t.Errorf("WriteText: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())

	tlsConfig := &tls.Config{RootCAs: pool}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wssURL := "wss" + strings.TrimPrefix(server.URL, "https")
	conn, err := gateway.Dial(ctx, wssURL, http.Header{}, tlsConfig)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	message, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(message) != "secure" {
		t.Fatalf("unexpected message %q", message)
	}
}

func TestAcceptRejectsPlainRequest(t *testing.T) {
	t.Parallel()

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := gateway.Accept(recorder, request); err == nil {
		t.Fatal("expected upgrade rejection for plain HTTP request")
	}
}

func TestConnAnswersPings(t *testing.T) {
	t.Parallel()

	handlerDone := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := gateway.Accept(w, r)
		if err != nil {
			handlerDone <- err
			return
		}
		defer conn.Close()
		if err := conn.Ping([]byte("keepalive")); err != nil {
			handlerDone <- err
			return
		}
		// The client answers with a pong while blocked in ReadMessage;
		// follow with a text frame so both sides can finish.
		handlerDone <- conn.WriteText([]byte("after-ping"))
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := gateway.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	message, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(message) != "after-ping" {
		t.Fatalf("unexpected message %q", message)
	}
	if err := <-handlerDone; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
