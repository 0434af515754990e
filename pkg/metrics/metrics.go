// Package metrics exposes Prometheus counters for preprocessing runs. Batch
// jobs have no scrape endpoint, so the registry is written to a node-exporter
// textfile at the end of a run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// seriesTotal counts processed series by status ("ok" or "error")
	seriesTotal *prometheus.CounterVec

	// cacheLookups counts cache lookups by result ("hit", "miss" or "forced")
	cacheLookups *prometheus.CounterVec

	// seriesDuration tracks end-to-end processing time per series
	seriesDuration prometheus.Histogram

	// lungVoxels tracks the lung mask size per series
	lungVoxels prometheus.Histogram
}

// New creates a Metrics backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		seriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lungprep_series_total",
			Help: "Total processed series by status",
		}, []string{"status"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lungprep_cache_lookups_total",
			Help: "Total volume cache lookups by result",
		}, []string{"result"}),
		seriesDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lungprep_series_duration_seconds",
			Help:    "Series processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4min
		}),
		lungVoxels: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lungprep_lung_mask_voxels",
			Help:    "Number of voxels in the lung mask",
			Buckets: prometheus.ExponentialBuckets(1e4, 4, 8),
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveSeries records the outcome and duration of one series.
func (m *Metrics) ObserveSeries(err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.seriesTotal.WithLabelValues(status).Inc()
	m.seriesDuration.Observe(d.Seconds())
}

// CacheHit records a cache lookup that found a valid artifact.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheLookups.WithLabelValues("hit").Inc()
	}
}

// CacheMiss records a cache lookup that required recomputation. forced marks
// lookups bypassed by a force-recompute request.
func (m *Metrics) CacheMiss(forced bool) {
	if m == nil {
		return
	}
	if forced {
		m.cacheLookups.WithLabelValues("forced").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// ObserveLungVoxels records the size of a computed lung mask.
func (m *Metrics) ObserveLungVoxels(n int) {
	if m != nil {
		m.lungVoxels.Observe(float64(n))
	}
}

// WriteTextfile writes all collected metrics to path in the Prometheus text
// format. It is a no-op when path is empty.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
