// Package metrics provides the Prometheus registry for the router core.
//
// All metrics live in a private registry (not the global default) so they do
// not interfere with host-level metrics when the core is embedded. The
// /metrics handler is exposed via Handler(). A nil *Registry is valid and
// turns every recording call into a no-op, which is how the
// performanceMonitoring feature flag is implemented.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// claudette_requests_total{backend,outcome}
	requestsTotal *prometheus.CounterVec

	// claudette_request_duration_seconds{backend}
	requestDuration *prometheus.HistogramVec

	// claudette_cache_hits_total / claudette_cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// claudette_circuit_breaker_state{backend} 0=closed 1=open 2=half-open
	breakerState *prometheus.GaugeVec

	// claudette_tokens_total{backend,direction}
	tokensTotal *prometheus.CounterVec

	// claudette_cost_eur_total{backend}
	costTotal *prometheus.CounterVec

	// claudette_storage_errors_total
	storageErrors prometheus.Counter

	// claudette_ratelimit_rejections_total
	rateLimitRejections prometheus.Counter

	handler fasthttp.RequestHandler
}

// New builds a populated registry with Go runtime collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudette_requests_total",
				Help: "Completed optimize calls by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "claudette_request_duration_seconds",
				Help:    "End-to-end optimize duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claudette_cache_hits_total",
			Help: "Responses served from the fingerprint cache",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claudette_cache_misses_total",
			Help: "Cache lookups that went to a backend",
		}),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "claudette_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudette_tokens_total",
				Help: "Token usage reported by backends",
			},
			[]string{"backend", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudette_cost_eur_total",
				Help: "Accumulated request cost in EUR",
			},
			[]string{"backend"},
		),

		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claudette_storage_errors_total",
			Help: "Ledger or cache persistence failures the core degraded around",
		}),

		rateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claudette_ratelimit_rejections_total",
			Help: "Requests rejected by the requests-per-minute limiter",
		}),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.cacheHits,
		r.cacheMisses,
		r.breakerState,
		r.tokensTotal,
		r.costTotal,
		r.storageErrors,
		r.rateLimitRejections,
	)

	r.handler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}

// RecordRequest counts one completed optimize call. outcome is "success" or
// the error kind label.
func (r *Registry) RecordRequest(backend, outcome string, durationSec float64) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(backend, outcome).Inc()
	r.requestDuration.WithLabelValues(backend).Observe(durationSec)
}

// CacheHit counts a lookup served from cache.
func (r *Registry) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Inc()
}

// CacheMiss counts a lookup that went upstream.
func (r *Registry) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheMisses.Inc()
}

// SetBreakerState publishes one backend's breaker state as a gauge.
func (r *Registry) SetBreakerState(backend string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(backend).Set(float64(state))
}

// AddUsage accumulates token and cost counters for one response.
func (r *Registry) AddUsage(backend string, tokensIn, tokensOut int, costEUR float64) {
	if r == nil {
		return
	}
	if tokensIn > 0 {
		r.tokensTotal.WithLabelValues(backend, "input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		r.tokensTotal.WithLabelValues(backend, "output").Add(float64(tokensOut))
	}
	if costEUR > 0 {
		r.costTotal.WithLabelValues(backend).Add(costEUR)
	}
}

// StorageError counts one persistence failure the core degraded around.
func (r *Registry) StorageError() {
	if r == nil {
		return
	}
	r.storageErrors.Inc()
}

// RateLimitRejection counts one request refused by the RPM limiter.
func (r *Registry) RateLimitRejection() {
	if r == nil {
		return
	}
	r.rateLimitRejections.Inc()
}

// Handler returns the fasthttp /metrics handler, or nil for a nil registry.
func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return nil
	}
	return r.handler
}

// PromRegistry exposes the underlying registry, mainly for tests.
func (r *Registry) PromRegistry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// BreakerStateValue maps a breaker state label to the gauge encoding.
func BreakerStateValue(label string) int {
	switch label {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}
