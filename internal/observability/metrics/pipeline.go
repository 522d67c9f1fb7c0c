// Package metrics provides custom Prometheus metrics for the image
// acquisition pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains all Prometheus metrics related to image acquisition.
type PipelineMetrics struct {
	ImageDownloads   prometheus.Counter
	DownloadErrors   prometheus.Counter
	Retries          prometheus.Counter
	Failures         prometheus.Counter
	DownloadDuration prometheus.Histogram
	registry         *prometheus.Registry
}

// NewPipelineMetrics creates a new instance of PipelineMetrics.
// It requires a Prometheus registry to register the metrics.
// It returns an error if metric registration fails.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for PipelineMetrics.
func (m *PipelineMetrics) initMetrics() {
	m.ImageDownloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_pipeline_downloads_total",
		Help: "Total number of successful image downloads.",
	})

	m.DownloadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_pipeline_download_errors_total",
		Help: "Total number of failed download attempts.",
	})

	m.Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_pipeline_retries_total",
		Help: "Total number of retried acquisition attempts.",
	})

	m.Failures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_pipeline_failures_total",
		Help: "Total number of entities that exhausted all attempts.",
	})

	m.DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_pipeline_download_duration_seconds",
		Help:    "Duration of image downloads in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
}

// IncrementImageDownloads increases the image download counter by one.
func (m *PipelineMetrics) IncrementImageDownloads() {
	m.ImageDownloads.Inc()
}

// IncrementDownloadErrors increases the download error counter by one.
func (m *PipelineMetrics) IncrementDownloadErrors() {
	m.DownloadErrors.Inc()
}

// IncrementRetries increases the retry counter by one.
func (m *PipelineMetrics) IncrementRetries() {
	m.Retries.Inc()
}

// IncrementFailures increases the exhausted-entity counter by one.
func (m *PipelineMetrics) IncrementFailures() {
	m.Failures.Inc()
}

// ObserveDownloadDuration records the duration of an image download operation.
// The duration should be provided in seconds.
func (m *PipelineMetrics) ObserveDownloadDuration(durationSeconds float64) {
	m.DownloadDuration.Observe(durationSeconds)
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ImageDownloads
	ch <- m.DownloadErrors
	ch <- m.Retries
	ch <- m.Failures
	ch <- m.DownloadDuration
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ImageDownloads.Desc()
	ch <- m.DownloadErrors.Desc()
	ch <- m.Retries.Desc()
	ch <- m.Failures.Desc()
	ch <- m.DownloadDuration.Desc()
}
