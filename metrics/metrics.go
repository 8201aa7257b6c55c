// Package metrics reproduces the service's full Prometheus surface:
// one counter/histogram/gauge per thing worth alerting or graphing on,
// registered against a private *prometheus.Registry so multiple Metrics
// instances never collide in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge, and histogram the decision
// engine and its collaborators report against.
type Metrics struct {
	registry *prometheus.Registry

	totalRequests       *prometheus.CounterVec
	overLimitRequests   *prometheus.CounterVec
	nearLimitRequests   *prometheus.CounterVec
	withinLimitRequests *prometheus.CounterVec
	shadowModeRequests  *prometheus.CounterVec

	localCacheHits   prometheus.Counter
	localCacheMisses prometheus.Counter

	storeOperations        *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	storeConnectionsActive *prometheus.GaugeVec

	configLoadSuccess prometheus.Counter
	configLoadError   prometheus.Counter

	requestDuration prometheus.Histogram
}

// New builds a Metrics instance with its own registry and registers
// every collector against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		totalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_total_requests",
			Help: "Total number of rate limit requests",
		}, []string{"domain", "descriptor"}),

		overLimitRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_over_limit_requests",
			Help: "Number of requests that exceeded rate limits",
		}, []string{"domain", "descriptor"}),

		nearLimitRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_near_limit_requests",
			Help: "Number of requests that are near the rate limit threshold",
		}, []string{"domain", "descriptor"}),

		withinLimitRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_within_limit_requests",
			Help: "Number of requests that are within rate limits",
		}, []string{"domain", "descriptor"}),

		shadowModeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_shadow_mode_requests",
			Help: "Number of requests processed in shadow mode",
		}, []string{"domain", "descriptor"}),

		localCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_local_cache_hits",
			Help: "Number of over-limit near-cache hits",
		}),

		localCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_local_cache_misses",
			Help: "Number of over-limit near-cache misses",
		}),

		storeOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_store_operations",
			Help: "Number of counter store operations by type and result",
		}, []string{"operation", "result"}),

		storeOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "ratelimit_store_operation_duration_seconds",
			Help: "Duration of counter store operations in seconds",
		}, []string{"operation"}),

		storeConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_store_connections_active",
			Help: "Number of active counter store connections",
		}, []string{"instance"}),

		configLoadSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_config_load_success",
			Help: "Number of successful configuration loads",
		}),

		configLoadError: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_config_load_error",
			Help: "Number of failed configuration loads",
		}),

		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "ratelimit_request_duration_seconds",
			Help: "Duration of rate limit requests in seconds",
		}),
	}
}

// Registry returns the registry every collector above is registered
// against, for mounting on a /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordTotalRequest(domain, descriptor string) {
	m.totalRequests.WithLabelValues(domain, descriptor).Inc()
}

func (m *Metrics) RecordOverLimitRequest(domain, descriptor string) {
	m.overLimitRequests.WithLabelValues(domain, descriptor).Inc()
}

func (m *Metrics) RecordNearLimitRequest(domain, descriptor string) {
	m.nearLimitRequests.WithLabelValues(domain, descriptor).Inc()
}

func (m *Metrics) RecordWithinLimitRequest(domain, descriptor string) {
	m.withinLimitRequests.WithLabelValues(domain, descriptor).Inc()
}

func (m *Metrics) RecordShadowModeRequest(domain, descriptor string) {
	m.shadowModeRequests.WithLabelValues(domain, descriptor).Inc()
}

func (m *Metrics) RecordLocalCacheHit() { m.localCacheHits.Inc() }

func (m *Metrics) RecordLocalCacheMiss() { m.localCacheMisses.Inc() }

func (m *Metrics) RecordStoreOperation(operation, result string) {
	m.storeOperations.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) RecordStoreOperationDuration(operation string, d time.Duration) {
	m.storeOperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) SetStoreConnectionsActive(instance string, count float64) {
	m.storeConnectionsActive.WithLabelValues(instance).Set(count)
}

func (m *Metrics) RecordConfigLoadSuccess() { m.configLoadSuccess.Inc() }

func (m *Metrics) RecordConfigLoadError() { m.configLoadError.Inc() }

func (m *Metrics) RecordRequestDuration(d time.Duration) {
	m.requestDuration.Observe(d.Seconds())
}

// StartRequestTimer returns a func that, when called, observes the
// elapsed time on the request duration histogram. Typical use:
//
//	stop := metrics.StartRequestTimer()
//	defer stop()
func (m *Metrics) StartRequestTimer() func() {
	start := time.Now()
	return func() {
		m.requestDuration.Observe(time.Since(start).Seconds())
	}
}
