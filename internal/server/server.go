package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"rivergate/internal/observability/metrics"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// ReadyCheck probes a backing dependency for the readiness endpoint.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires the gateway handlers into the HTTP server.
type Config struct {
	Addr            string
	TLS             TLSConfig
	Security        SecurityConfig
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	Gateway         http.Handler
	IngestWebhook   http.Handler
	AllowedOrigins  []string
	ReadyChecks     []ReadyCheck
	Ready           chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Server hosts the WebSocket gateway plus its operational endpoints.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	tlsCertFile     string
	tlsKeyFile      string
	shutdownTimeout time.Duration
	ready           chan<- struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	originPolicy, err := newOriginPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", originMiddleware(originPolicy, cfg.Logger, cfg.Gateway))
	if cfg.IngestWebhook != nil {
		mux.Handle("/hooks/ingest", cfg.IngestWebhook)
	}
	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/readyz", readyHandler(cfg.ReadyChecks))
	mux.Handle("/metrics", recorder.Handler())

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = rateLimitMiddleware(rl, handlerChain)
	handlerChain = metricsMiddleware(recorder, handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	srv := &Server{
		httpServer:      httpServer,
		logger:          cfg.Logger,
		metrics:         recorder,
		tlsCertFile:     strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:      strings.TrimSpace(cfg.TLS.KeyFile),
		shutdownTimeout: timeout,
		ready:           cfg.Ready,
	}

	if (srv.tlsCertFile == "") != (srv.tlsKeyFile == "") {
		return nil, fmt.Errorf("both TLS cert file and key file must be provided")
	}
	if srv.tlsCertFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Run starts the server and blocks until it stops. When the context is
// cancelled, Run attempts a graceful shutdown bounded by ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	if s.tlsCertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.tlsCertFile, s.tlsKeyFile)
		if err != nil {
			ln.Close()
			return err
		}
		tlsCfg := s.httpServer.TLSConfig.Clone()
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		s.httpServer.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	if s.ready != nil {
		close(s.ready)
		s.ready = nil
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}

	return shutdownErr
}

// Shutdown stops the server without waiting for the run context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type readyStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

func readyHandler(checks []ReadyCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		statuses := make([]readyStatus, 0, len(checks))
		healthy := true
		for _, check := range checks {
			status := readyStatus{Component: check.Name, Status: "ok"}
			if err := check.Check(ctx); err != nil {
				status.Status = "error"
				status.Detail = err.Error()
				healthy = false
			}
			statuses = append(statuses, status)
		}

		w.Header().Set("Content-Type", "application/json")
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(statuses)
	})
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		loggerWithRequestContext(r.Context(), logger).Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", duration.Milliseconds(),
			"remote_ip", clientIP(r))
	})
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return metrics.HTTPMiddleware(recorder, next)
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
