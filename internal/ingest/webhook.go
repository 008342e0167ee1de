package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LifecycleController receives stream state transitions decoded from webhook
// notifications.
type LifecycleController interface {
	StreamStarted(channelID string, at time.Time) bool
	StreamStopped(channelID string, at time.Time) bool
}

const (
	actionPublish   = "publish"
	actionUnpublish = "unpublish"

	maxWebhookBody = 64 << 10
)

// WebhookConfig controls authentication and wiring for the ingest webhook.
type WebhookConfig struct {
	// Token is the shared secret media servers present as a bearer credential.
	// When empty the webhook rejects every request.
	Token      string
	Controller LifecycleController
	Logger     *slog.Logger
	Now        func() time.Time
}

// Webhook translates media-server notifications into lifecycle transitions.
type Webhook struct {
	token      string
	controller LifecycleController
	logger     *slog.Logger
	now        func() time.Time
}

type webhookRequest struct {
	Action    string `json:"action"`
	ChannelID string `json:"channelId"`
}

type webhookResponse struct {
	Changed bool `json:"changed"`
}

type webhookError struct {
	Error string `json:"error"`
}

// NewWebhook validates the configuration and returns the HTTP handler wrapper.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.Controller == nil {
		return nil, errors.New("controller is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Webhook{
		token:      cfg.Token,
		controller: cfg.Controller,
		logger:     logger,
		now:        now,
	}, nil
}

// ServeHTTP handles POST notifications carrying publish or unpublish actions.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeWebhookError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r) {
		writeWebhookError(w, http.StatusUnauthorized, "invalid webhook credentials")
		return
	}

	var req webhookRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeWebhookError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	channelID := strings.TrimSpace(req.ChannelID)
	if channelID == "" {
		writeWebhookError(w, http.StatusBadRequest, "channelId is required")
		return
	}

	at := h.now().UTC()
	var changed bool
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case actionPublish:
		changed = h.controller.StreamStarted(channelID, at)
	case actionUnpublish:
		changed = h.controller.StreamStopped(channelID, at)
	default:
		writeWebhookError(w, http.StatusBadRequest, "unsupported action")
		return
	}

	h.logger.Info("ingest webhook processed",
		"channel_id", channelID,
		"action", strings.ToLower(strings.TrimSpace(req.Action)),
		"changed", changed)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(webhookResponse{Changed: changed})
}

func (h *Webhook) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

func writeWebhookError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(webhookError{Error: message})
}
