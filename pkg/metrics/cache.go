package metrics

import (
	"github.com/marmos91/wbcache/pkg/backing/chunked"
	"github.com/marmos91/wbcache/pkg/cache"
)

// NewCacheMetrics creates a Prometheus-backed cache.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called) or the
// prometheus package was not linked in. A nil result passed to
// cache.WithMetrics disables collection.
//
// Example usage:
//
//	metrics.InitRegistry()
//	c, err := cache.New(cfg, cache.WithMetrics(metrics.NewCacheMetrics()))
func NewCacheMetrics() cache.Metrics {
	if !IsEnabled() || newPrometheusCacheMetrics == nil {
		return nil
	}
	return newPrometheusCacheMetrics()
}

// NewStoreMetrics creates a Prometheus-backed chunked.Metrics, or nil.
func NewStoreMetrics() chunked.Metrics {
	if !IsEnabled() || newPrometheusStoreMetrics == nil {
		return nil
	}
	return newPrometheusStoreMetrics()
}

// The constructors live in pkg/metrics/prometheus, which imports this
// package for the registry. Registration at init avoids the import cycle.
var (
	newPrometheusCacheMetrics func() cache.Metrics
	newPrometheusStoreMetrics func() chunked.Metrics
)

// RegisterCacheMetricsConstructor is called by pkg/metrics/prometheus.
func RegisterCacheMetricsConstructor(constructor func() cache.Metrics) {
	newPrometheusCacheMetrics = constructor
}

// RegisterStoreMetricsConstructor is called by pkg/metrics/prometheus.
func RegisterStoreMetricsConstructor(constructor func() chunked.Metrics) {
	newPrometheusStoreMetrics = constructor
}
