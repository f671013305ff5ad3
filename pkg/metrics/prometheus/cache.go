// Package prometheus implements the cache and store metrics interfaces on
// the registry owned by pkg/metrics. Importing it for side effects enables
// metrics.NewCacheMetrics and metrics.NewStoreMetrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/wbcache/pkg/backing/chunked"
	"github.com/marmos91/wbcache/pkg/cache"
	"github.com/marmos91/wbcache/pkg/metrics"
)

func init() {
	metrics.RegisterCacheMetricsConstructor(func() cache.Metrics { return NewCacheMetrics() })
	metrics.RegisterStoreMetricsConstructor(func() chunked.Metrics { return NewStoreMetrics() })
}

// cacheMetrics is the Prometheus implementation of cache.Metrics.
type cacheMetrics struct {
	submitOperations prometheus.Counter
	submitDuration   prometheus.Histogram
	submitBytes      prometheus.Histogram
	trackedBytes     *prometheus.CounterVec
	flushOperations  *prometheus.CounterVec
	flushDuration    prometheus.Histogram
	flushBytes       prometheus.Histogram
	backpressure     prometheus.Histogram
	allocatedBytes   prometheus.Gauge
	queueDepth       prometheus.Gauge
}

var sizeBuckets = []float64{
	512,      // 512B - metadata-sized writes
	4096,     // 4KB
	32768,    // 32KB
	131072,   // 128KB - typical FUSE write
	1048576,  // 1MB
	4194304,  // 4MB - default block size
	16777216, // 16MB
}

// NewCacheMetrics creates a Prometheus-backed cache.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCacheMetrics() *cacheMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &cacheMetrics{
		submitOperations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "wbcache_submit_operations_total",
				Help: "Total number of writes submitted to the cache",
			},
		),
		submitDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "wbcache_submit_duration_milliseconds",
				Help: "Duration of Submit calls in milliseconds, including backpressure waits",
				Buckets: []float64{
					0.01, // 10us - merge into a resident block
					0.1,  // 100us
					1,    // 1ms
					10,   // 10ms
					100,  // 100ms - waiting on the worker
					1000, // 1s
					5000, // 5s
				},
			},
		),
		submitBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wbcache_submit_bytes",
				Help:    "Distribution of bytes per Submit call",
				Buckets: sizeBuckets,
			},
		),
		trackedBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wbcache_tracked_bytes_total",
				Help: "Bytes newly tracked by blocks, by whether they merged into an existing block",
			},
			[]string{"kind"}, // "merge", "create"
		),
		flushOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wbcache_block_flushes_total",
				Help: "Total number of block flushes by status",
			},
			[]string{"status"}, // "success", "error"
		),
		flushDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "wbcache_block_flush_duration_milliseconds",
				Help: "Duration of block flushes in milliseconds",
				Buckets: []float64{
					1,     // 1ms - local filesystem
					10,    // 10ms
					50,    // 50ms
					100,   // 100ms - object store round trip
					500,   // 500ms
					1000,  // 1s
					5000,  // 5s
					30000, // 30s
				},
			},
		),
		flushBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wbcache_block_flush_bytes",
				Help:    "Distribution of tracked bytes per flushed block",
				Buckets: sizeBuckets,
			},
		),
		backpressure: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wbcache_backpressure_wait_milliseconds",
				Help:    "Time Submit spent waiting for a free block",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
			},
		),
		allocatedBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "wbcache_allocated_bytes",
				Help: "Bytes allocated to blocks",
			},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "wbcache_flush_queue_depth",
				Help: "Blocks waiting in the flush queue",
			},
		),
	}
}

func (m *cacheMetrics) ObserveSubmit(bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.submitOperations.Inc()
	m.submitDuration.Observe(duration.Seconds() * 1000)
	m.submitBytes.Observe(float64(bytes))
}

func (m *cacheMetrics) ObserveMerge(added int64, merged bool) {
	if m == nil || added <= 0 {
		return
	}
	kind := "create"
	if merged {
		kind = "merge"
	}
	m.trackedBytes.WithLabelValues(kind).Add(float64(added))
}

func (m *cacheMetrics) ObserveFlush(bytes int64, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.flushOperations.WithLabelValues(status).Inc()
	m.flushDuration.Observe(duration.Seconds() * 1000)
	if bytes > 0 {
		m.flushBytes.Observe(float64(bytes))
	}
}

func (m *cacheMetrics) ObserveBackpressure(duration time.Duration) {
	if m == nil {
		return
	}
	m.backpressure.Observe(duration.Seconds() * 1000)
}

func (m *cacheMetrics) RecordAllocated(bytes int64) {
	if m == nil {
		return
	}
	m.allocatedBytes.Set(float64(bytes))
}

func (m *cacheMetrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
