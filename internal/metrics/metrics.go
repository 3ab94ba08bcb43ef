// Package metrics exposes Prometheus collectors for the resolver service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	resolutionsTotal      *prometheus.CounterVec
	extractionsTotal      *prometheus.CounterVec
	cacheLookupsTotal     *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	domainAbortsTotal     prometheus.Counter
	httpRequestsTotal     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsward_resolutions_total",
				Help: "Total URL resolutions, labeled by winning method.",
			},
			[]string{"method"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsward_extractions_total",
				Help: "Total content extractions, labeled by winning method.",
			},
			[]string{"method"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsward_cache_lookups_total",
				Help: "Cache lookups, labeled by table and outcome.",
			},
			[]string{"table", "outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsward_rate_limit_delay_seconds",
				Help:    "Delay introduced by the per-domain rate limiter.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"aggregator"},
		)

		domainAbortsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsward_domain_aborts_total",
				Help: "Domains abandoned by the fail-fast circuit breaker.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsward_http_requests_total",
				Help: "Outbound HTTP requests, labeled by status class.",
			},
			[]string{"status"},
		)
	})
}

// IncResolution records a completed resolution by method name.
func IncResolution(method string) {
	if resolutionsTotal != nil {
		resolutionsTotal.WithLabelValues(method).Inc()
	}
}

// IncExtraction records a completed extraction by method name.
func IncExtraction(method string) {
	if extractionsTotal != nil {
		extractionsTotal.WithLabelValues(method).Inc()
	}
}

// IncCacheLookup records a cache lookup outcome ("hit" or "miss") for a table.
func IncCacheLookup(table, outcome string) {
	if cacheLookupsTotal != nil {
		cacheLookupsTotal.WithLabelValues(table, outcome).Inc()
	}
}

// ObserveRateLimitDelay records time spent waiting on the rate limiter.
func ObserveRateLimitDelay(aggregator bool, d time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	label := "false"
	if aggregator {
		label = "true"
	}
	rateLimitDelaySeconds.WithLabelValues(label).Observe(d.Seconds())
}

// IncDomainAbort records a circuit breaker trip.
func IncDomainAbort() {
	if domainAbortsTotal != nil {
		domainAbortsTotal.Inc()
	}
}

// IncHTTPRequest records an outbound request by status class ("2xx", "4xx", ...).
func IncHTTPRequest(status string) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(status).Inc()
	}
}

// Serve starts a background HTTP listener exposing /metrics.
// Errors are logged, never fatal; the scrape endpoint is best effort.
func Serve(addr string, logger *zap.Logger) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("starting metrics listener", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
}
