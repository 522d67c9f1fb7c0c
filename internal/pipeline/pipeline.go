// Package pipeline drives the batch image acquisition: for every input record
// it composes the fetcher and normalizer inside one shared retry loop,
// collects a ledger of failed entities and paces requests with a fixed
// inter-record delay.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tphakala/birdimage-go/internal/conf"
	"github.com/tphakala/birdimage-go/internal/errors"
	"github.com/tphakala/birdimage-go/internal/fetcher"
	"github.com/tphakala/birdimage-go/internal/imagenorm"
	"github.com/tphakala/birdimage-go/internal/observability/metrics"
)

// Record is one row of the input: a species and a candidate image URL.
type Record struct {
	ScientificName string
	ImageURL       string
}

// FailedAcquisition is the ledger entry for an entity that exhausted all
// attempts. Successes produce no ledger entry.
type FailedAcquisition struct {
	ScientificName string
	ImageURL       string
}

// Pipeline acquires and normalizes one image per input record, sequentially.
type Pipeline struct {
	fetcher    *fetcher.Fetcher
	normalizer *imagenorm.Normalizer
	settings   *conf.Settings
	metrics    *metrics.PipelineMetrics // nil disables instrumentation
	logger     *slog.Logger
}

// New creates a Pipeline with its own fetcher and normalizer built from the
// settings.
func New(settings *conf.Settings, m *metrics.PipelineMetrics, logger *slog.Logger) *Pipeline {
	f := fetcher.NewDefault(settings.Fetch, logger)
	n := imagenorm.New(settings.Export.Path, settings.Image, logger)
	return NewWithComponents(f, n, settings, m, logger)
}

// NewWithComponents creates a Pipeline from explicit collaborators. Tests use
// this to inject a fetcher with a mocked transport.
func NewWithComponents(f *fetcher.Fetcher, n *imagenorm.Normalizer, settings *conf.Settings, m *metrics.PipelineMetrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")

	// Per-request visibility without touching the fetch path itself.
	f.Client().SetAfterResponseHook(func(req *http.Request, resp *http.Response, err error) {
		if err != nil {
			logger.Debug("HTTP request failed", "url", req.URL.String(), "error", err)
			return
		}
		logger.Debug("HTTP request completed", "url", req.URL.String(), "status", resp.StatusCode)
	})

	return &Pipeline{
		fetcher:    f,
		normalizer: n,
		settings:   settings,
		metrics:    m,
		logger:     logger,
	}
}

// attempt performs one fetch-and-normalize cycle. A nil return means the
// image is on disk.
func (p *Pipeline) attempt(ctx context.Context, safeURL, name string) *StageError {
	start := time.Now()
	raw, err := p.fetcher.FetchOnce(ctx, safeURL)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncrementDownloadErrors()
		}
		return classify(err)
	}
	if p.metrics != nil {
		p.metrics.ObserveDownloadDuration(time.Since(start).Seconds())
		p.metrics.IncrementImageDownloads()
	}

	if _, err := p.normalizer.NormalizeAndStore(raw, name); err != nil {
		return classify(err)
	}
	return nil
}

// Acquire fetches, normalizes and stores the image for one record.
//
// The entity's output directory is created before the URL is even validated,
// so a failed acquisition still leaves the expected (empty) folder behind.
// That mirrors the layout consumers rely on: one directory per requested
// species, populated or not.
//
// Fetch and normalize failures share a single retry budget: a decode failure
// on attempt N consumes a retry exactly like a network failure, with the same
// fixed backoff in between. Only an invalid URL terminates without retrying.
func (p *Pipeline) Acquire(ctx context.Context, rec Record) error {
	outputPath := imagenorm.OutputPath(p.settings.Export.Path, rec.ScientificName)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return &StageError{
			Kind: FailureWrite,
			Err: errors.New(err).
				Component("pipeline").
				Category(errors.CategoryImageWrite).
				Context("species", rec.ScientificName).
				Build(),
		}
	}

	if err := fetcher.ValidateURL(rec.ImageURL); err != nil {
		return classify(err)
	}
	safeURL := fetcher.SanitizeURL(rec.ImageURL)

	logger := p.logger.With("species", rec.ScientificName, "url", safeURL)

	var lastErr *StageError
	maxRetries := p.settings.Fetch.MaxRetries
	for attempt := 0; attempt < maxRetries; attempt++ {
		stageErr := p.attempt(ctx, safeURL, rec.ScientificName)
		if stageErr == nil {
			logger.Info("Image acquired", "attempt", attempt+1, "path", outputPath)
			return nil
		}

		lastErr = stageErr
		logger.Warn("Acquisition attempt failed",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"failure_kind", stageErr.Kind,
			"error", stageErr.Err,
			"will_retry", attempt < maxRetries-1)

		if attempt < maxRetries-1 {
			if p.metrics != nil {
				p.metrics.IncrementRetries()
			}
			time.Sleep(p.settings.Fetch.RetryDelay)
		}
	}

	return lastErr
}

// Run processes the records strictly in input order and returns the ledger of
// failed acquisitions. A single entity's failure never aborts the batch. The
// fixed inter-record delay is applied after every record, success or failure,
// to throttle the aggregate request rate. Cancelling the context stops the
// batch between records.
func (p *Pipeline) Run(ctx context.Context, records []Record) []FailedAcquisition {
	if ctx == nil {
		ctx = context.Background()
	}

	var failed []FailedAcquisition
	for i := range records {
		select {
		case <-ctx.Done():
			p.logger.Warn("Batch cancelled", "processed", i, "total", len(records))
			return failed
		default:
		}

		rec := records[i]
		if err := p.Acquire(ctx, rec); err != nil {
			if p.metrics != nil {
				p.metrics.IncrementFailures()
			}
			p.logger.Warn("Acquisition failed, recorded in ledger",
				"species", rec.ScientificName,
				"url", rec.ImageURL,
				"error", err)
			failed = append(failed, FailedAcquisition{
				ScientificName: rec.ScientificName,
				ImageURL:       rec.ImageURL,
			})
		}

		// prevent throttling by the remote server
		time.Sleep(p.settings.Fetch.RecordDelay)
	}

	p.logger.Info("Batch complete",
		"records", len(records),
		"failed", len(failed))
	return failed
}
