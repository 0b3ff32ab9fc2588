package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Broker metrics
	MessagesTotal *prometheus.CounterVec
	StaleDropped  prometheus.Counter
	SendFailures  *prometheus.CounterVec

	// Surface metrics
	SurfacesActive  prometheus.Gauge
	InstancesActive prometheus.Gauge
	Rebuilds        *prometheus.CounterVec
	RebuildDuration prometheus.Histogram

	// Capture metrics
	Captures        *prometheus.CounterVec
	CaptureDuration prometheus.Histogram
	CaptureTargets  prometheus.Gauge

	// Executor metrics
	ExecutorCalls    *prometheus.CounterVec
	ExecutorDuration prometheus.Histogram

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time
	snapshot  MetricsSnapshot
	mu        sync.RWMutex
}

// MetricsSnapshot holds current metric values for the JSON health API
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	TotalRebuilds   int64   `json:"total_rebuilds"`
	StaleDropped    int64   `json:"stale_dropped"`
	ActiveInstances int64   `json:"active_instances"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector on its own registry, so several
// collectors can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "preview_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "preview_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_broker_messages_total",
				Help: "Messages received from sandboxes",
			},
			[]string{"type", "outcome"},
		),
		StaleDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "preview_broker_stale_dropped_total",
				Help: "Messages dropped because their instance was superseded",
			},
		),
		SendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_broker_send_failures_total",
				Help: "Cross-context sends that failed and were swallowed",
			},
			[]string{"type"},
		),

		SurfacesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "preview_surfaces_active",
				Help: "Number of mounted preview surfaces",
			},
		),
		InstancesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "preview_instances_active",
				Help: "Number of live sandbox instances",
			},
		),
		Rebuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_rebuilds_total",
				Help: "Regeneration outcomes",
			},
			[]string{"trigger", "outcome"},
		),
		RebuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "preview_rebuild_duration_seconds",
				Help:    "Time to assemble and render a document",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		Captures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_captures_total",
				Help: "Ephemeral captures by outcome",
			},
			[]string{"outcome"},
		),
		CaptureDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "preview_capture_duration_seconds",
				Help:    "Ephemeral capture duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		CaptureTargets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "preview_capture_targets_active",
				Help: "Render targets currently held by the capture host",
			},
		),

		ExecutorCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_executor_calls_total",
				Help: "Backend execution calls",
			},
			[]string{"status"},
		),
		ExecutorDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "preview_executor_duration_seconds",
				Help:    "Backend execution call duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "preview_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "preview_uptime_seconds",
			Help: "Service uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry exposes the underlying registry for the /metrics handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordMessage records a message received from a sandbox
func (m *Metrics) RecordMessage(msgType, outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType, outcome).Inc()
}

// IncStaleDropped counts a message from a superseded instance
func (m *Metrics) IncStaleDropped() {
	if m == nil {
		return
	}
	m.StaleDropped.Inc()
	m.mu.Lock()
	m.snapshot.StaleDropped++
	m.mu.Unlock()
}

// RecordSendFailure counts a swallowed delivery failure
func (m *Metrics) RecordSendFailure(msgType string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(msgType).Inc()
}

// RecordRebuild records one regeneration
func (m *Metrics) RecordRebuild(trigger, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Rebuilds.WithLabelValues(trigger, outcome).Inc()
	m.RebuildDuration.Observe(duration.Seconds())
	m.mu.Lock()
	m.snapshot.TotalRebuilds++
	m.mu.Unlock()
}

// AddInstances adjusts the live instance gauge
func (m *Metrics) AddInstances(delta int) {
	if m == nil {
		return
	}
	m.InstancesActive.Add(float64(delta))
	m.mu.Lock()
	m.snapshot.ActiveInstances += int64(delta)
	m.mu.Unlock()
}

// SetSurfacesActive sets the number of mounted surfaces
func (m *Metrics) SetSurfacesActive(count int) {
	if m == nil {
		return
	}
	m.SurfacesActive.Set(float64(count))
}

// RecordCapture records one capture
func (m *Metrics) RecordCapture(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Captures.WithLabelValues(outcome).Inc()
	m.CaptureDuration.Observe(duration.Seconds())
}

// SetCaptureTargets sets the capture host's live target count
func (m *Metrics) SetCaptureTargets(count int) {
	if m == nil {
		return
	}
	m.CaptureTargets.Set(float64(count))
}

// RecordExecutorCall records a backend execution call
func (m *Metrics) RecordExecutorCall(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutorCalls.WithLabelValues(status).Inc()
	m.ExecutorDuration.Observe(duration.Seconds())
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// Snapshot returns current values for the JSON health API
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
