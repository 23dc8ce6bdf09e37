// Package metrics exposes process-local Prometheus collectors for cache,
// upstream API, sync, reconciliation and NAV instrumentation. Updates are
// best-effort; recording a metric never returns an error to the caller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taovault_cache_hits_total",
		Help: "Cache hits by key namespace",
	}, []string{"namespace"})

	cacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taovault_cache_misses_total",
		Help: "Cache misses by key namespace",
	}, []string{"namespace"})

	apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taovault_api_requests_total",
		Help: "Upstream API requests by endpoint and result",
	}, []string{"endpoint", "result"})

	apiRateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taovault_api_rate_limited_total",
		Help: "Upstream API responses that reported a rate limit",
	})

	apiRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taovault_api_request_duration_seconds",
		Help:    "Upstream API request latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"endpoint"})

	syncRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taovault_sync_runs_total",
		Help: "Sync runs by tier and result",
	}, []string{"tier", "result"})

	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taovault_sync_duration_seconds",
		Help:    "Sync run duration by tier",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	}, []string{"tier"})

	syncErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taovault_sync_errors_total",
		Help: "Accumulated per-entity errors during sync runs",
	}, []string{"tier"})

	reconciliationRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taovault_reconciliation_runs_total",
		Help: "Reconciliation runs by result",
	}, []string{"result"})

	reconciliationDriftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taovault_reconciliation_drift_total",
		Help: "Reconciliation runs that detected drift",
	})

	navGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taovault_nav_tao",
		Help: "Portfolio NAV in TAO by wallet and pricing basis (mid or exec)",
	}, []string{"wallet", "basis"})

	openPositionsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taovault_open_positions",
		Help: "Open positions (non-zero alpha balance) by wallet",
	}, []string{"wallet"})

	lastSyncTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taovault_last_sync_timestamp_seconds",
		Help: "Unix time of the last successful sync by tier",
	}, []string{"tier"})

	backupRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taovault_backup_runs_total",
		Help: "Backup runs by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		cacheHitsTotal,
		cacheMissesTotal,
		apiRequestsTotal,
		apiRateLimitedTotal,
		apiRequestDuration,
		syncRunsTotal,
		syncDuration,
		syncErrorsTotal,
		reconciliationRunsTotal,
		reconciliationDriftTotal,
		navGauge,
		openPositionsGauge,
		lastSyncTimestamp,
		backupRunsTotal,
	)
}

// CacheHit records a cache hit for the given key namespace.
func CacheHit(namespace string) {
	cacheHitsTotal.WithLabelValues(namespace).Inc()
}

// CacheMiss records a cache miss for the given key namespace.
func CacheMiss(namespace string) {
	cacheMissesTotal.WithLabelValues(namespace).Inc()
}

// APIRequest records one upstream request outcome. Result is one of
// "ok", "rate_limited", "transport_error", "upstream_error", "decode_error".
func APIRequest(endpoint, result string) {
	apiRequestsTotal.WithLabelValues(endpoint, result).Inc()
}

// APIRateLimited records an upstream rate-limit response.
func APIRateLimited() {
	apiRateLimitedTotal.Inc()
}

// APIRequestDuration records the latency of one upstream request.
func APIRequestDuration(endpoint string, seconds float64) {
	apiRequestDuration.WithLabelValues(endpoint).Observe(seconds)
}

// SyncRun records a completed sync run. Result is "ok", "partial" or "failed".
func SyncRun(tier, result string, seconds float64) {
	syncRunsTotal.WithLabelValues(tier, result).Inc()
	syncDuration.WithLabelValues(tier).Observe(seconds)
}

// SyncErrors adds n accumulated per-entity errors for a tier.
func SyncErrors(tier string, n int) {
	if n > 0 {
		syncErrorsTotal.WithLabelValues(tier).Add(float64(n))
	}
}

// SyncSucceeded stamps the last-success gauge for a tier.
func SyncSucceeded(tier string, unixSeconds int64) {
	lastSyncTimestamp.WithLabelValues(tier).Set(float64(unixSeconds))
}

// ReconciliationRun records a reconciliation outcome and drift detection.
func ReconciliationRun(result string, drift bool) {
	reconciliationRunsTotal.WithLabelValues(result).Inc()
	if drift {
		reconciliationDriftTotal.Inc()
	}
}

// SetNAV updates the NAV gauge for a wallet. Basis is "mid" or "exec".
func SetNAV(wallet, basis string, tao float64) {
	navGauge.WithLabelValues(wallet, basis).Set(tao)
}

// SetOpenPositions updates the open-position count for a wallet.
func SetOpenPositions(wallet string, n int) {
	openPositionsGauge.WithLabelValues(wallet).Set(float64(n))
}

// BackupRun records a backup outcome ("ok" or "failed").
func BackupRun(result string) {
	backupRunsTotal.WithLabelValues(result).Inc()
}
