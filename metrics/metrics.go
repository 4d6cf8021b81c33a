// Package metrics registers the gateway's Prometheus collectors:
//
//	#data_gateway_fetch_total{market,kind,source,outcome}
//	#data_gateway_fetch_latency_seconds{kind,source}
//	#data_gateway_cache_total{kind,result}
//	#data_gateway_rate_limited_total{path}
//	#data_gateway_sync_symbols_total{outcome}
//	#data_gateway_webhook_deliveries_total{status}
//	#data_gateway_request_log_dropped_total
//	#go_* and process_* system metrics
//
// They are served by the main router on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	fetchTotal        *prometheus.CounterVec
	fetchLatency      *prometheus.HistogramVec
	cacheTotal        *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	syncSymbols       *prometheus.CounterVec
	webhookDeliveries *prometheus.CounterVec
	logDropped        prometheus.Counter
)

// Init registers the collectors once. Safe to call from tests and main.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		fetchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "data_gateway_fetch_total",
				Help: "Upstream provider calls by outcome",
			},
			[]string{"market", "kind", "source", "outcome"},
		)
		fetchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "data_gateway_fetch_latency_seconds",
				Help:    "Upstream provider call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "source"},
		)
		cacheTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "data_gateway_cache_total",
				Help: "Cache lookups by result",
			},
			[]string{"kind", "result"},
		)
		rateLimited = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "data_gateway_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"path"},
		)
		syncSymbols = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "data_gateway_sync_symbols_total",
				Help: "Symbols processed by sync tasks",
			},
			[]string{"outcome"},
		)
		webhookDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "data_gateway_webhook_deliveries_total",
				Help: "Webhook delivery attempts by status",
			},
			[]string{"status"},
		)
		logDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "data_gateway_request_log_dropped_total",
			Help: "Request log entries dropped because the buffer was full",
		})

		registry.MustRegister(
			fetchTotal,
			fetchLatency,
			cacheTotal,
			rateLimited,
			syncSymbols,
			webhookDeliveries,
			logDropped,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler exposes the registry for scraping
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the gateway's registry, mostly for tests
func Registry() *prometheus.Registry {
	Init()
	return registry
}

// ObserveFetch records a single provider attempt
func ObserveFetch(market, kind, source, outcome string, seconds float64) {
	if fetchTotal == nil {
		return
	}
	fetchTotal.WithLabelValues(market, kind, source, outcome).Inc()
	fetchLatency.WithLabelValues(kind, source).Observe(seconds)
}

func CacheHit(kind string) {
	if cacheTotal != nil {
		cacheTotal.WithLabelValues(kind, "hit").Inc()
	}
}

func CacheMiss(kind string) {
	if cacheTotal != nil {
		cacheTotal.WithLabelValues(kind, "miss").Inc()
	}
}

func RateLimited(path string) {
	if rateLimited != nil {
		rateLimited.WithLabelValues(path).Inc()
	}
}

func SyncSymbol(outcome string) {
	if syncSymbols != nil {
		syncSymbols.WithLabelValues(outcome).Inc()
	}
}

func WebhookDelivery(status string) {
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(status).Inc()
	}
}

func RequestLogDropped() {
	if logDropped != nil {
		logDropped.Inc()
	}
}
