package main

import "github.com/prometheus/client_golang/prometheus"

var (
	statusCodes *prometheus.CounterVec

	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	quotaRejections prometheus.Counter
	breakerOpen     prometheus.Counter

	bufferedRequests prometheus.Counter
	flushedRequests  prometheus.Counter
	requeuedRequests prometheus.Counter

	warmerRefreshes *prometheus.CounterVec
)

func init() {
	statusCodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_codes",
			Help: "Distribution of webhook responses by status code",
		},
		[]string{"code"},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "endpoint_cache_hits",
			Help: "Number of admission requests served from the endpoint cache",
		})

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "endpoint_cache_misses",
			Help: "Number of admission requests that missed the endpoint cache and were accepted optimistically",
		})

	quotaRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_rejections",
			Help: "Number of requests rejected with quota_exceeded",
		})

	breakerOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections",
			Help: "Number of control-plane calls rejected by the shared circuit breaker",
		})

	bufferedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buffered_requests",
			Help: "Number of captured requests appended to the shared buffer",
		})

	flushedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flushed_requests",
			Help: "Number of buffered requests delivered via capture-batch",
		})

	requeuedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requeued_requests",
			Help: "Number of buffered requests requeued after a failed flush",
		})

	warmerRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_warmer_refreshes",
			Help: "Number of proactive cache refreshes triggered by the warmer",
		},
		[]string{"kind"},
	)

	prometheus.MustRegister(statusCodes, cacheHits, cacheMisses, quotaRejections,
		breakerOpen, bufferedRequests, flushedRequests, requeuedRequests, warmerRefreshes)
}
