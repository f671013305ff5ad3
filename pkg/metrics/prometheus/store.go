package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/wbcache/pkg/metrics"
)

// storeMetrics is the Prometheus implementation of chunked.Metrics.
type storeMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

// NewStoreMetrics creates a Prometheus-backed chunked.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewStoreMetrics() *storeMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &storeMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wbcache_store_operations_total",
				Help: "Total number of object store operations by backend, operation and status",
			},
			[]string{"backend", "operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "wbcache_store_operation_duration_milliseconds",
				Help: "Duration of object store operations in milliseconds",
				Buckets: []float64{
					1,     // 1ms - memory and badger
					10,    // 10ms
					50,    // 50ms - small S3 objects
					100,   // 100ms
					500,   // 500ms
					1000,  // 1s - full chunks
					5000,  // 5s
					30000, // 30s
				},
			},
			[]string{"backend", "operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wbcache_store_bytes_total",
				Help: "Payload bytes moved to and from the object store",
			},
			[]string{"backend", "direction"}, // direction: "in", "out"
		),
	}
}

func (m *storeMetrics) ObserveOperation(backend, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(backend, op, status).Inc()
	m.operationDuration.WithLabelValues(backend, op).Observe(duration.Seconds() * 1000)
}

func (m *storeMetrics) RecordBytes(backend, direction string, bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(backend, direction).Add(float64(bytes))
}
