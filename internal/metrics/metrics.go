// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Token exchange outcomes and cache lookup results.
const (
	TokenIssued = "issued"
	TokenFailed = "failed"

	LookupHit  = "hit"
	LookupMiss = "miss"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RoutesTotal      *prometheus.CounterVec
	ProxyFailures    prometheus.Counter
	TokenExchanges   *prometheus.CounterVec
	TokenExchangeDur prometheus.Histogram
	TokenLookups     *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esi_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esi_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "esi_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esi_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"target", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esi_proxy_upstream_responses_total",
			Help: "Total upstream responses by target, method and status code.",
		}, []string{"target", "method", "status_code"}),

		RoutesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esi_proxy_routes_total",
			Help: "Proxied requests by route family.",
		}, []string{"kind", "legacy"}),

		ProxyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "esi_proxy_failures_total",
			Help: "Proxied requests answered with 503 after a pipeline failure.",
		}),

		TokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esi_proxy_token_exchanges_total",
			Help: "Refresh-token exchanges against the SSO by outcome.",
		}, []string{"outcome"}),

		TokenExchangeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "esi_proxy_token_exchange_duration_seconds",
			Help:    "Refresh-token exchange and verification latency in seconds.",
			Buckets: defaultBuckets,
		}),

		TokenLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esi_proxy_token_cache_lookups_total",
			Help: "Token cache lookups by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RoutesTotal,
		m.ProxyFailures,
		m.TokenExchanges,
		m.TokenExchangeDur,
		m.TokenLookups,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the fixed routes given their own path label.
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics", "/hello", "/favicon.ico"}

// versionSegments are the first path segments of upstream routes.
var versionSegments = map[string]bool{
	"v1": true, "v2": true, "v3": true, "v4": true, "v5": true, "v6": true,
	"v7": true, "v8": true, "v9": true, "latest": true, "dev": true, "legacy": true,
}

// NormalizePath returns a bounded path label for Prometheus metrics: fixed
// routes by name, proxied routes by their version segment.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if seg = strings.ToLower(seg); versionSegments[seg] {
		return "/" + seg
	}
	return "other"
}
