// Package monitoring exposes Prometheus metrics for the gateway.
package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts handled API requests by route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_http_requests_total",
		Help: "API requests handled, by route and status code.",
	}, []string{"route", "status"})

	// HTTPDuration tracks end-to-end request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hydra_http_request_duration_seconds",
		Help:    "API request latency by route.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"route"})

	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_upstream_requests_total",
		Help: "Upstream calls by model and status class.",
	}, []string{"model", "status_class"})

	fallbackDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hydra_fallback_attempts",
		Help:    "Attempts consumed per request before success or exhaustion.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
	})

	rateLimitBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_rate_limit_blocks_total",
		Help: "Requests blocked locally before reaching upstream, by quota.",
	}, []string{"reason"})

	// ActiveCredentials is the current size of the active credential pool.
	ActiveCredentials = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hydra_active_credentials",
		Help: "Credentials currently eligible for routing.",
	})

	tokensCharged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_tokens_charged_total",
		Help: "Tokens charged against credential quotas, by model.",
	}, []string{"model"})
)

// RecordUpstream counts one upstream call. Status 0 means a transport error.
func RecordUpstream(model string, statusCode int) {
	class := "error"
	if statusCode > 0 {
		class = strconv.Itoa(statusCode/100) + "xx"
	}
	upstreamRequests.WithLabelValues(model, class).Inc()
}

// ObserveFallbackDepth records how many attempts one request consumed.
func ObserveFallbackDepth(attempts int) {
	fallbackDepth.Observe(float64(attempts))
}

// RecordRateLimitBlock counts a locally blocked attempt.
func RecordRateLimitBlock(reason string) {
	rateLimitBlocks.WithLabelValues(reason).Inc()
}

// RecordTokens accumulates charged tokens for a model.
func RecordTokens(model string, tokens int) {
	if tokens > 0 {
		tokensCharged.WithLabelValues(model).Add(float64(tokens))
	}
}
