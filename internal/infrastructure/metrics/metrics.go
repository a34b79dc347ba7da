// Package metrics wires a Prometheus registry exposing the handful of
// series this gateway needs: per-tier engine state, start/stop/timeout
// counters, and request latency. Grounded on 99souls-ariadne's
// engine/telemetry/metrics package, but kept deliberately
// simpler — a fixed set of vectors registered once at construction, no
// generic Provider interface, no cardinality tracking, no pluggable
// backend. This gateway only ever emits a bounded label set (tier,
// path, outcome), so a cardinality guard would have nothing to guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
)

// Metrics is the concrete Prometheus-backed implementation of the narrow
// Metrics interfaces required by enginemanager and requesthandler.
type Metrics struct {
	registry *prometheus.Registry

	engineRunning     *prometheus.GaugeVec
	currentContext    *prometheus.GaugeVec
	engineStarts      *prometheus.CounterVec
	engineStops       *prometheus.CounterVec
	readinessTimeouts *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// New builds a fresh registry and registers every series up front.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		engineRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_engine_running",
			Help: "1 if a tier currently has a running engine, else 0.",
		}, []string{"tier"}),
		currentContext: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_engine_current_context",
			Help: "Context window size of the currently running engine for a tier, 0 if none.",
		}, []string{"tier"}),
		engineStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_engine_starts_total",
			Help: "Number of times a tier has started an engine subprocess.",
		}, []string{"tier"}),
		engineStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_engine_stops_total",
			Help: "Number of times a tier has stopped an engine subprocess.",
		}, []string{"tier"}),
		readinessTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_engine_readiness_timeouts_total",
			Help: "Number of times a started engine failed to become healthy before its startup timeout.",
		}, []string{"tier"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of gateway requests by path and outcome.",
		}, []string{"path", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Gateway request latency, from acquiring request_lock to response completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "tier"}),
	}

	reg.MustRegister(
		m.engineRunning,
		m.currentContext,
		m.engineStarts,
		m.engineStops,
		m.readinessTimeouts,
		m.requestsTotal,
		m.requestDuration,
	)

	return m
}

// Handler exposes the registry over HTTP for a /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// --- enginemanager.Metrics ---

func (m *Metrics) SetEngineRunning(tier engine.Tier, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	m.engineRunning.WithLabelValues(string(tier)).Set(v)
}

func (m *Metrics) SetCurrentContext(tier engine.Tier, context int) {
	m.currentContext.WithLabelValues(string(tier)).Set(float64(context))
}

func (m *Metrics) IncEngineStart(tier engine.Tier) {
	m.engineStarts.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) IncEngineStop(tier engine.Tier) {
	m.engineStops.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) IncReadinessTimeout(tier engine.Tier) {
	m.readinessTimeouts.WithLabelValues(string(tier)).Inc()
}

// --- requesthandler observability ---

// ObserveRequest records one completed request's outcome and latency.
func (m *Metrics) ObserveRequest(path string, tier engine.Tier, outcome string, seconds float64) {
	m.requestsTotal.WithLabelValues(path, outcome).Inc()
	m.requestDuration.WithLabelValues(path, string(tier)).Observe(seconds)
}
