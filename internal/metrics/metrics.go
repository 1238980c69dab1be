package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid: every record method is a no-op on it, so subsystems take the
// handle optionally without guarding each call site.
type Metrics struct {
	registry *prometheus.Registry

	// Tool server metrics
	HandshakesTotal   *prometheus.CounterVec
	HandshakeDuration *prometheus.HistogramVec
	SessionsActive    prometheus.Gauge

	// Tool invocation metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Provider metrics
	ProviderRequestsTotal  *prometheus.CounterVec
	ProviderRequestLatency *prometheus.HistogramVec
	ProviderRetriesTotal   *prometheus.CounterVec

	// Agent metrics
	TurnsTotal          *prometheus.CounterVec
	TurnDuration        *prometheus.HistogramVec
	TurnIterations      prometheus.Histogram
	ToolLoopAbortsTotal prometheus.Counter

	// Gateway metrics
	GatewayClientsActive prometheus.Gauge
	GatewayRequestsTotal *prometheus.CounterVec
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		HandshakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolserver_handshakes_total",
				Help: "Total number of tool server handshakes",
			},
			[]string{"server", "status"},
		),
		HandshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolserver_handshake_duration_seconds",
				Help:    "Duration of tool server handshakes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"server"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolserver_sessions_active",
				Help: "Number of tool server sessions currently ready",
			},
		),

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_calls_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_call_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Total number of completion requests per provider",
			},
			[]string{"provider", "status"},
		),
		ProviderRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Latency of completion requests in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		ProviderRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_retries_total",
				Help: "Total number of transient-failure retries per provider",
			},
			[]string{"provider"},
		),

		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_turns_total",
				Help: "Total number of handled chat turns",
			},
			[]string{"mode", "status"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		TurnIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_turn_iterations",
				Help:    "Completion cycles consumed per turn",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			},
		),
		ToolLoopAbortsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_tool_loop_aborts_total",
				Help: "Turns aborted by the iteration cap",
			},
		),

		GatewayClientsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_clients_active",
				Help: "Number of connected gateway clients",
			},
		),
		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of gateway RPC requests",
			},
			[]string{"method", "status"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.HandshakesTotal)
	m.registry.MustRegister(m.HandshakeDuration)
	m.registry.MustRegister(m.SessionsActive)

	m.registry.MustRegister(m.ToolCallsTotal)
	m.registry.MustRegister(m.ToolCallDuration)

	m.registry.MustRegister(m.ProviderRequestsTotal)
	m.registry.MustRegister(m.ProviderRequestLatency)
	m.registry.MustRegister(m.ProviderRetriesTotal)

	m.registry.MustRegister(m.TurnsTotal)
	m.registry.MustRegister(m.TurnDuration)
	m.registry.MustRegister(m.TurnIterations)
	m.registry.MustRegister(m.ToolLoopAbortsTotal)

	m.registry.MustRegister(m.GatewayClientsActive)
	m.registry.MustRegister(m.GatewayRequestsTotal)
}

// RecordHandshake counts one handshake attempt and its duration.
func (m *Metrics) RecordHandshake(server, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues(server, status).Inc()
	m.HandshakeDuration.WithLabelValues(server).Observe(elapsed.Seconds())
}

// SetSessionsActive records how many sessions are currently ready.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordToolCall counts one tool invocation and its duration.
func (m *Metrics) RecordToolCall(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordProviderRequest counts one completion request and its latency.
func (m *Metrics) RecordProviderRequest(provider, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, status).Inc()
	m.ProviderRequestLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordProviderRetry counts one transient-failure retry.
func (m *Metrics) RecordProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetriesTotal.WithLabelValues(provider).Inc()
}

// RecordTurn counts one handled turn with its duration and completion cycles.
func (m *Metrics) RecordTurn(mode, status string, iterations int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(mode, status).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	m.TurnIterations.Observe(float64(iterations))
}

// RecordToolLoopAbort counts one turn aborted by the iteration cap.
func (m *Metrics) RecordToolLoopAbort() {
	if m == nil {
		return
	}
	m.ToolLoopAbortsTotal.Inc()
}

// AddGatewayClients adjusts the connected-clients gauge.
func (m *Metrics) AddGatewayClients(delta int) {
	if m == nil {
		return
	}
	m.GatewayClientsActive.Add(float64(delta))
}

// RecordGatewayRequest counts one gateway RPC request.
func (m *Metrics) RecordGatewayRequest(method, status string) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(method, status).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
