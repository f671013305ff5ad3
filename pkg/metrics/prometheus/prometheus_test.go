package prometheus_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/wbcache/pkg/metrics"
	_ "github.com/marmos91/wbcache/pkg/metrics/prometheus"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCacheMetrics(t *testing.T) {
	metrics.InitRegistry()

	m := metrics.NewCacheMetrics()
	require.NotNil(t, m)

	m.ObserveSubmit(4096, 2*time.Millisecond)
	m.ObserveMerge(100, true)
	m.ObserveMerge(50, false)
	m.ObserveMerge(0, true)
	m.ObserveFlush(4096, 20*time.Millisecond, nil)
	m.ObserveFlush(10, time.Millisecond, errors.New("boom"))
	m.ObserveBackpressure(5 * time.Millisecond)
	m.RecordAllocated(8 << 20)
	m.RecordQueueDepth(3)

	out := scrape(t)
	assert.Contains(t, out, "wbcache_submit_operations_total 1")
	assert.Contains(t, out, `wbcache_tracked_bytes_total{kind="merge"} 100`)
	assert.Contains(t, out, `wbcache_tracked_bytes_total{kind="create"} 50`)
	assert.Contains(t, out, `wbcache_block_flushes_total{status="success"} 1`)
	assert.Contains(t, out, `wbcache_block_flushes_total{status="error"} 1`)
	assert.Contains(t, out, "wbcache_allocated_bytes 8.388608e+06")
	assert.Contains(t, out, "wbcache_flush_queue_depth 3")
	assert.Contains(t, out, "wbcache_backpressure_wait_milliseconds_count 1")
}

func TestStoreMetrics(t *testing.T) {
	metrics.InitRegistry()

	m := metrics.NewStoreMetrics()
	require.NotNil(t, m)

	m.ObserveOperation("s3", "write", 30*time.Millisecond, nil)
	m.ObserveOperation("s3", "read", 10*time.Millisecond, errors.New("timeout"))
	m.RecordBytes("s3", "out", 1024)
	m.RecordBytes("s3", "in", 0)

	out := scrape(t)
	assert.Contains(t, out, `wbcache_store_operations_total{backend="s3",operation="write",status="success"} 1`)
	assert.Contains(t, out, `wbcache_store_operations_total{backend="s3",operation="read",status="error"} 1`)
	assert.Contains(t, out, `wbcache_store_bytes_total{backend="s3",direction="out"} 1024`)
	assert.NotContains(t, out, `direction="in"`)
}
