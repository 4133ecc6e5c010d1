// Package metrics provides the Prometheus collectors of the Smeargle components.
//
// Every recording method is safe to call on a nil receiver so components can
// run without a registry.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GalleryMetrics tracks album index refreshes and album image list loads.
type GalleryMetrics struct {
	IndexSize       prometheus.Gauge
	Refreshes       prometheus.Counter
	RefreshErrors   prometheus.Counter
	RefreshDuration prometheus.Histogram
	AlbumCacheHits  prometheus.Counter
	AlbumCacheMiss  prometheus.Counter
	AlbumLoadErrors prometheus.Counter
	Invalidations   prometheus.Counter
}

// NewGalleryMetrics creates and registers gallery collectors.
func NewGalleryMetrics(registry prometheus.Registerer) (*GalleryMetrics, error) {
	m := &GalleryMetrics{
		IndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smeargle_album_index_size",
			Help: "Number of album names currently held by the index.",
		}),
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_album_index_refreshes_total",
			Help: "Total number of successful album index refreshes.",
		}),
		RefreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_album_index_refresh_errors_total",
			Help: "Total number of failed album index refreshes.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smeargle_album_index_refresh_duration_seconds",
			Help:    "Duration of album index refreshes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		AlbumCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_album_image_cache_hits_total",
			Help: "Total number of album image list cache hits.",
		}),
		AlbumCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_album_image_cache_misses_total",
			Help: "Total number of album image list loads from the gallery.",
		}),
		AlbumLoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_album_image_load_errors_total",
			Help: "Total number of failed album image list loads.",
		}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_album_image_cache_invalidations_total",
			Help: "Total number of whole album image cache invalidations.",
		}),
	}
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("register gallery metrics: %w", err)
		}
	}

	return m, nil
}

// ObserveRefresh records one refresh attempt.
func (m *GalleryMetrics) ObserveRefresh(duration time.Duration, indexSize int, err error) {
	if m == nil {
		return
	}
	m.RefreshDuration.Observe(duration.Seconds())
	if err != nil {
		m.RefreshErrors.Inc()
		return
	}
	m.Refreshes.Inc()
	m.IndexSize.Set(float64(indexSize))
}

// SetIndexSize records the index size outside of a refresh, for example after a warm start.
func (m *GalleryMetrics) SetIndexSize(size int) {
	if m == nil {
		return
	}
	m.IndexSize.Set(float64(size))
}

// IncrementAlbumCacheHits increases the album image list hit counter by one.
func (m *GalleryMetrics) IncrementAlbumCacheHits() {
	if m == nil {
		return
	}
	m.AlbumCacheHits.Inc()
}

// IncrementAlbumCacheMisses increases the album image list load counter by one.
func (m *GalleryMetrics) IncrementAlbumCacheMisses() {
	if m == nil {
		return
	}
	m.AlbumCacheMiss.Inc()
}

// IncrementAlbumLoadErrors increases the album image list load error counter by one.
func (m *GalleryMetrics) IncrementAlbumLoadErrors() {
	if m == nil {
		return
	}
	m.AlbumLoadErrors.Inc()
}

// IncrementInvalidations increases the invalidation counter by one.
func (m *GalleryMetrics) IncrementInvalidations() {
	if m == nil {
		return
	}
	m.Invalidations.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *GalleryMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.IndexSize
	ch <- m.Refreshes
	ch <- m.RefreshErrors
	ch <- m.RefreshDuration
	ch <- m.AlbumCacheHits
	ch <- m.AlbumCacheMiss
	ch <- m.AlbumLoadErrors
	ch <- m.Invalidations
}

// Describe implements the prometheus.Collector interface.
func (m *GalleryMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.IndexSize.Desc()
	ch <- m.Refreshes.Desc()
	ch <- m.RefreshErrors.Desc()
	ch <- m.RefreshDuration.Desc()
	ch <- m.AlbumCacheHits.Desc()
	ch <- m.AlbumCacheMiss.Desc()
	ch <- m.AlbumLoadErrors.Desc()
	ch <- m.Invalidations.Desc()
}
