// Package metrics provides Prometheus instrumentation for the guard core.
// All metric collectors are registered via Init and exposed through
// Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BreakerState reports the current circuit breaker state per dependency
	// (0 = closed, 1 = open, 2 = half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guard_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	// BreakerCalls counts guarded calls by dependency and outcome
	// (success, failure, open, panic).
	BreakerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_breaker_calls_total",
			Help: "Total calls through the circuit breaker",
		},
		[]string{"dependency", "outcome"},
	)

	// RateLimitDenials counts admission denials by limiter and window.
	RateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_ratelimit_denials_total",
			Help: "Total rate limit denials",
		},
		[]string{"limiter", "window"},
	)

	// RateLimitAllowed counts admitted attempts by limiter.
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_ratelimit_allowed_total",
			Help: "Total rate limit admissions",
		},
		[]string{"limiter"},
	)

	// CleanupRemoved counts entries removed by the rate limiter's
	// background cleanup, per limiter.
	CleanupRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_ratelimit_cleanup_removed_total",
			Help: "Total expired rate limit entries removed by cleanup",
		},
		[]string{"limiter"},
	)

	// AdminAuthFailures counts rejected admin API requests by reason.
	AdminAuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_admin_auth_failures_total",
			Help: "Total rejected admin API requests",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		BreakerState,
		BreakerTransitions,
		BreakerCalls,
		RateLimitDenials,
		RateLimitAllowed,
		CleanupRemoved,
		AdminAuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
