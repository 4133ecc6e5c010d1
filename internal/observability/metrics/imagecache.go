package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ImageCacheMetrics tracks the on-disk image byte cache.
type ImageCacheMetrics struct {
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	Downloads        prometheus.Counter
	DownloadErrors   prometheus.Counter
	DownloadedBytes  prometheus.Counter
	DownloadDuration prometheus.Histogram
}

// NewImageCacheMetrics creates and registers image cache collectors.
func NewImageCacheMetrics(registry prometheus.Registerer) (*ImageCacheMetrics, error) {
	m := &ImageCacheMetrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_image_cache_hits_total",
			Help: "Total number of image requests served from disk.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_image_cache_misses_total",
			Help: "Total number of image requests that required a download.",
		}),
		Downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_image_downloads_total",
			Help: "Total number of completed image downloads.",
		}),
		DownloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_image_download_errors_total",
			Help: "Total number of failed image downloads.",
		}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smeargle_image_downloaded_bytes_total",
			Help: "Total number of bytes written to the image cache.",
		}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smeargle_image_download_duration_seconds",
			Help:    "Duration of image downloads in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("register image cache metrics: %w", err)
		}
	}

	return m, nil
}

// IncrementCacheHits increases the cache hit counter by one.
func (m *ImageCacheMetrics) IncrementCacheHits() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// IncrementCacheMisses increases the cache miss counter by one.
func (m *ImageCacheMetrics) IncrementCacheMisses() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// ObserveDownload records one download attempt.
func (m *ImageCacheMetrics) ObserveDownload(duration time.Duration, size int64, err error) {
	if m == nil {
		return
	}
	m.DownloadDuration.Observe(duration.Seconds())
	if err != nil {
		m.DownloadErrors.Inc()
		return
	}
	m.Downloads.Inc()
	m.DownloadedBytes.Add(float64(size))
}

// Collect implements the prometheus.Collector interface.
func (m *ImageCacheMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.CacheHits
	ch <- m.CacheMisses
	ch <- m.Downloads
	ch <- m.DownloadErrors
	ch <- m.DownloadedBytes
	ch <- m.DownloadDuration
}

// Describe implements the prometheus.Collector interface.
func (m *ImageCacheMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.CacheHits.Desc()
	ch <- m.CacheMisses.Desc()
	ch <- m.Downloads.Desc()
	ch <- m.DownloadErrors.Desc()
	ch <- m.DownloadedBytes.Desc()
	ch <- m.DownloadDuration.Desc()
}
