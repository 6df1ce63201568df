// pkg/metrics/metrics.go

package metrics

import (
	"time"

	"RasterVM/pkg/cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sizeBuckets = []float64{
	4096,    // 4KB - minimum page
	16384,   // 16KB
	65536,   // 64KB - typical tile
	262144,  // 256KB
	1048576, // 1MB
	4194304, // 4MB
}

var durationBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000}

// cacheMetrics is the Prometheus implementation of cache.Metrics.
type cacheMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.HistogramVec
	hits       prometheus.Counter
	evictions  *prometheus.CounterVec
}

// NewCacheMetrics registers the page cache collectors on reg.
func NewCacheMetrics(reg prometheus.Registerer) cache.Metrics {
	return &cacheMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rastervm_page_operations_total",
				Help: "Total number of page loads and flushes by status",
			},
			[]string{"op", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rastervm_page_operation_duration_milliseconds",
				Help:    "Duration of page loads and flushes in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"op"},
		),
		bytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rastervm_page_operation_bytes",
				Help:    "Distribution of bytes moved per page operation",
				Buckets: sizeBuckets,
			},
			[]string{"op"},
		),
		hits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "rastervm_page_hits_total",
				Help: "Total number of accesses served by a resident page",
			},
		),
		evictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rastervm_page_evictions_total",
				Help: "Total number of evicted pages by state before eviction",
			},
			[]string{"state"},
		),
	}
}

func (m *cacheMetrics) observe(op string, bytes int, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "fault"
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(float64(d.Microseconds()) / 1000)
	m.bytes.WithLabelValues(op).Observe(float64(bytes))
}

func (m *cacheMetrics) ObserveLoad(bytes int, d time.Duration, err error) {
	m.observe("load", bytes, d, err)
}

func (m *cacheMetrics) ObserveFlush(bytes int, d time.Duration, err error) {
	m.observe("flush", bytes, d, err)
}

func (m *cacheMetrics) ObserveHit() {
	m.hits.Inc()
}

func (m *cacheMetrics) ObserveEviction(dirty bool) {
	state := "clean"
	if dirty {
		state = "dirty"
	}
	m.evictions.WithLabelValues(state).Inc()
}
