package gateway

import (
	"log/slog"
	"strings"
	"time"

	"rivergate/internal/observability/metrics"
)

// Controller translates broadcast start/stop signals from the ingest system
// into channel state transitions. The registry handles idempotence and event
// emission; going offline never disconnects subscribers, so viewers stay in
// place for the next live transition.
type Controller struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewController constructs a lifecycle controller over the registry.
func NewController(registry *Registry, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{registry: registry, logger: logger, metrics: metrics.Default()}
}

// StreamStarted marks the channel live as of the given time. It reports
// whether the call changed channel state; repeated notifications for the
// same state are no-ops.
func (c *Controller) StreamStarted(channelID string, at time.Time) bool {
	if strings.TrimSpace(channelID) == "" {
		return false
	}
	if !c.registry.SetState(channelID, true, at) {
		return false
	}
	c.metrics.StreamStarted()
	c.logger.Info("channel went live", "channel", channelID)
	return true
}

// StreamStopped marks the channel offline.
func (c *Controller) StreamStopped(channelID string, at time.Time) bool {
	if strings.TrimSpace(channelID) == "" {
		return false
	}
	if !c.registry.SetState(channelID, false, at) {
		return false
	}
	c.metrics.StreamStopped()
	c.logger.Info("channel went offline", "channel", channelID)
	return true
}
