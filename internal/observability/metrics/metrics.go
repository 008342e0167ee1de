// Package metrics aggregates in-memory counters and gauges for the gateway
// and renders them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates metrics for HTTP requests, connection and subscription
// churn, event fan-out, relay rejections, and backpressure outcomes. Writers
// coordinate via a RWMutex while gauges use atomics so hot paths stay cheap.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	events          map[string]uint64
	relayRejected   map[string]uint64
	authFailures    map[string]uint64
	streamEvents    map[string]uint64

	connectionsOpened atomic.Uint64
	activeConnections atomic.Int64
	activeSubscribers atomic.Int64
	activeStreams     atomic.Int64
	evictions         atomic.Uint64
	lifecycleDropped  atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		events:          make(map[string]uint64),
		relayRejected:   make(map[string]uint64),
		authFailures:    make(map[string]uint64),
		streamEvents:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates totals for request count and cumulative duration
// by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveEvent counts one event fanned out on a channel stream, by type.
func (r *Recorder) ObserveEvent(eventType string) {
	r.mu.Lock()
	r.events[eventType]++
	r.mu.Unlock()
}

// RelayRejected counts one rejected chat message by reason.
func (r *Recorder) RelayRejected(reason string) {
	r.mu.Lock()
	r.relayRejected[reason]++
	r.mu.Unlock()
}

// AuthFailure counts one rejected connection handshake by reason.
func (r *Recorder) AuthFailure(reason string) {
	r.mu.Lock()
	r.authFailures[reason]++
	r.mu.Unlock()
}

// ConnectionOpened tracks an accepted, authenticated connection.
func (r *Recorder) ConnectionOpened() {
	r.connectionsOpened.Add(1)
	r.activeConnections.Add(1)
}

// ConnectionClosed decrements the active connection gauge.
func (r *Recorder) ConnectionClosed() {
	decrementGauge(&r.activeConnections)
}

// SubscriberJoined increments the active subscription gauge.
func (r *Recorder) SubscriberJoined() {
	r.activeSubscribers.Add(1)
}

// SubscriberLeft decrements the active subscription gauge.
func (r *Recorder) SubscriberLeft() {
	decrementGauge(&r.activeSubscribers)
}

// SubscriberEvicted counts a slow-consumer eviction. The membership is
// already gone by the time this is called, so the gauge drops too.
func (r *Recorder) SubscriberEvicted() {
	r.evictions.Add(1)
	decrementGauge(&r.activeSubscribers)
}

// LifecycleDropped counts a lifecycle event discarded under backpressure.
func (r *Recorder) LifecycleDropped() {
	r.lifecycleDropped.Add(1)
}

// StreamStarted records a live transition and raises the live-channel gauge.
func (r *Recorder) StreamStarted() {
	r.mu.Lock()
	r.streamEvents["start"]++
	r.mu.Unlock()
	r.activeStreams.Add(1)
}

// StreamStopped records an offline transition, guarding the gauge against
// racing duplicate signals.
func (r *Recorder) StreamStopped() {
	r.mu.Lock()
	r.streamEvents["stop"]++
	r.mu.Unlock()
	decrementGauge(&r.activeStreams)
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Handler exposes the recorder over HTTP in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics, sorting label sets for stable scrapes.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP rivergate_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE rivergate_http_requests_total counter")
	for _, label := range r.sortedRequestLabels() {
		fmt.Fprintf(w, "rivergate_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP rivergate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE rivergate_http_request_duration_seconds_sum counter")
	for _, label := range r.sortedRequestLabels() {
		fmt.Fprintf(w, "rivergate_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP rivergate_events_total Events fanned out on channel streams by type")
	fmt.Fprintln(w, "# TYPE rivergate_events_total counter")
	for _, key := range sortedKeys(r.events) {
		fmt.Fprintf(w, "rivergate_events_total{type=%q} %d\n", key, r.events[key])
	}

	fmt.Fprintln(w, "# HELP rivergate_relay_rejected_total Chat messages rejected by the relay by reason")
	fmt.Fprintln(w, "# TYPE rivergate_relay_rejected_total counter")
	for _, key := range sortedKeys(r.relayRejected) {
		fmt.Fprintf(w, "rivergate_relay_rejected_total{reason=%q} %d\n", key, r.relayRejected[key])
	}

	fmt.Fprintln(w, "# HELP rivergate_auth_failures_total Connection handshakes rejected by reason")
	fmt.Fprintln(w, "# TYPE rivergate_auth_failures_total counter")
	for _, key := range sortedKeys(r.authFailures) {
		fmt.Fprintf(w, "rivergate_auth_failures_total{reason=%q} %d\n", key, r.authFailures[key])
	}

	fmt.Fprintln(w, "# HELP rivergate_stream_lifecycle_total Broadcast lifecycle transitions by direction")
	fmt.Fprintln(w, "# TYPE rivergate_stream_lifecycle_total counter")
	for _, key := range sortedKeys(r.streamEvents) {
		fmt.Fprintf(w, "rivergate_stream_lifecycle_total{event=%q} %d\n", key, r.streamEvents[key])
	}

	fmt.Fprintln(w, "# HELP rivergate_connections_opened_total Authenticated connections accepted")
	fmt.Fprintln(w, "# TYPE rivergate_connections_opened_total counter")
	fmt.Fprintf(w, "rivergate_connections_opened_total %d\n", r.connectionsOpened.Load())

	fmt.Fprintln(w, "# HELP rivergate_slow_consumer_evictions_total Connections force-closed for outbound queue overflow")
	fmt.Fprintln(w, "# TYPE rivergate_slow_consumer_evictions_total counter")
	fmt.Fprintf(w, "rivergate_slow_consumer_evictions_total %d\n", r.evictions.Load())

	fmt.Fprintln(w, "# HELP rivergate_lifecycle_events_dropped_total Lifecycle events discarded under backpressure")
	fmt.Fprintln(w, "# TYPE rivergate_lifecycle_events_dropped_total counter")
	fmt.Fprintf(w, "rivergate_lifecycle_events_dropped_total %d\n", r.lifecycleDropped.Load())

	fmt.Fprintln(w, "# HELP rivergate_active_connections Current open connections")
	fmt.Fprintln(w, "# TYPE rivergate_active_connections gauge")
	fmt.Fprintf(w, "rivergate_active_connections %d\n", r.activeConnections.Load())

	fmt.Fprintln(w, "# HELP rivergate_active_subscribers Current channel subscriptions")
	fmt.Fprintln(w, "# TYPE rivergate_active_subscribers gauge")
	fmt.Fprintf(w, "rivergate_active_subscribers %d\n", r.activeSubscribers.Load())

	fmt.Fprintln(w, "# HELP rivergate_live_channels Channels currently live")
	fmt.Fprintln(w, "# TYPE rivergate_live_channels gauge")
	fmt.Fprintf(w, "rivergate_live_channels %d\n", r.activeStreams.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
