// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/session"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP API
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Calls
	CallsTotal   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	// Session internals
	ReconnectAttempts *prometheus.CounterVec
	ToolOutputsTotal  *prometheus.CounterVec
	Pending           prometheus.Gauge
	DroppedFrames     *prometheus.CounterVec
	EngineErrors      *prometheus.CounterVec

	// Approvals
	ApprovalDecisions *prometheus.CounterVec

	RateLimitHits *prometheus.CounterVec
}

var _ session.Recorder = (*Metrics)(nil)

// New registers every collector on a private registry. activeCalls, when
// non-nil, backs the active-calls gauge.
func New(namespace string, activeCalls func() int) *Metrics {
	if namespace == "" {
		namespace = "vai_bridge"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"route", "code", "method"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"route", "code", "method"},
		),
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of telephony calls by outcome",
			},
			[]string{"outcome"},
		),
		CallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Telephony call duration in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_reconnect_attempts_total",
				Help:      "Realtime reconnect attempts by outcome",
			},
			[]string{"outcome"},
		),
		ToolOutputsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_outputs_total",
				Help:      "Tool outputs submitted to the engine",
			},
			[]string{"path"},
		),
		Pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_actions",
				Help:      "High-risk actions awaiting dual confirmation",
			},
		),
		DroppedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_frames_total",
				Help:      "Frames dropped by the bridge",
			},
			[]string{"reason"},
		),
		EngineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Error events reported by the realtime engine",
			},
			[]string{"code"},
		),
		ApprovalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Approval decisions by outcome",
			},
			[]string{"decision"},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CallsTotal,
		m.CallDuration,
		m.ReconnectAttempts,
		m.ToolOutputsTotal,
		m.Pending,
		m.DroppedFrames,
		m.EngineErrors,
		m.ApprovalDecisions,
		m.RateLimitHits,
		collectors.NewGoCollector(),
	)
	if activeCalls != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calls_active",
				Help:      "Number of calls with a live session",
			},
			func() float64 { return float64(activeCalls()) },
		))
	}

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Instrument wraps an API route with request counters and latency. The
// wrapped writer keeps Flusher and Hijacker when the underlying one has them.
func (m *Metrics) Instrument(route string, h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	labels := prometheus.Labels{"route": route}
	h = promhttp.InstrumentHandlerDuration(m.RequestDuration.MustCurryWith(labels), h)
	return promhttp.InstrumentHandlerCounter(m.RequestsTotal.MustCurryWith(labels), h)
}

// RecordCallEnd records a finished call.
func (m *Metrics) RecordCallEnd(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(outcome).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

func (m *Metrics) ReconnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ToolOutputs(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ToolOutputsTotal.WithLabelValues(path).Add(float64(n))
}

func (m *Metrics) PendingActions(delta int) {
	if m == nil {
		return
	}
	m.Pending.Add(float64(delta))
}

func (m *Metrics) DroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) EngineError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.EngineErrors.WithLabelValues(code).Inc()
}
