// Package metrics provides Prometheus metrics for drivedav.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivedav_cache_lookups_total",
			Help: "Entry cache lookups by result (hit, miss, expired)",
		},
		[]string{"result"},
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivedav_cache_evictions_total",
			Help: "Entries evicted from the entry cache to make room",
		},
	)

	cacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivedav_cache_invalidations_total",
			Help: "Entries removed from the entry cache after mutations",
		},
	)

	apiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivedav_api_requests_total",
			Help: "Remote API requests by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	apiRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivedav_api_retries_total",
			Help: "Remote API retries by reason",
		},
		[]string{"reason"},
	)

	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivedav_token_refreshes_total",
			Help: "Access token refresh exchanges by outcome",
		},
		[]string{"outcome"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivedav_bytes_downloaded_total",
			Help: "Bytes fetched from remote download URLs",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivedav_bytes_uploaded_total",
			Help: "Bytes uploaded to remote upload URLs",
		},
	)
)

// CacheHit records a cache hit.
func CacheHit() { cacheLookups.WithLabelValues("hit").Inc() }

// CacheMiss records a cache miss.
func CacheMiss() { cacheLookups.WithLabelValues("miss").Inc() }

// CacheExpired records a lookup that found only a stale entry.
func CacheExpired() { cacheLookups.WithLabelValues("expired").Inc() }

// CacheEviction records a capacity eviction.
func CacheEviction() { cacheEvictions.Inc() }

// CacheInvalidation records n entries removed by invalidation.
func CacheInvalidation(n int) { cacheInvalidations.Add(float64(n)) }

// APIRequest records the final outcome of a remote API call.
func APIRequest(op, outcome string) { apiRequests.WithLabelValues(op, outcome).Inc() }

// APIRetry records one retry of a remote API call.
func APIRetry(reason string) { apiRetries.WithLabelValues(reason).Inc() }

// TokenRefresh records a refresh exchange outcome.
func TokenRefresh(ok bool) {
	if ok {
		tokenRefreshes.WithLabelValues("ok").Inc()
		return
	}

	tokenRefreshes.WithLabelValues("error").Inc()
}

// Downloaded records downloaded bytes.
func Downloaded(n int64) { bytesDownloaded.Add(float64(n)) }

// Uploaded records uploaded bytes.
func Uploaded(n int64) { bytesUploaded.Add(float64(n)) }

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
