package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdimage-go/internal/conf"
	"github.com/tphakala/birdimage-go/internal/errors"
	"github.com/tphakala/birdimage-go/internal/fetcher"
	"github.com/tphakala/birdimage-go/internal/imagenorm"
	"github.com/tphakala/birdimage-go/internal/observability/metrics"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	return &conf.Settings{
		Export: conf.ExportSettings{Path: t.TempDir()},
		Fetch: conf.FetchSettings{
			Timeout:     2 * time.Second,
			MaxRetries:  3,
			RetryDelay:  time.Millisecond,
			RecordDelay: time.Millisecond,
		},
		Image: conf.ImageSettings{Width: 256, Height: 256, Quality: 90},
	}
}

// newTestPipeline builds a pipeline whose HTTP transport is mocked.
func newTestPipeline(t *testing.T, settings *conf.Settings, m *metrics.PipelineMetrics) *Pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := fetcher.NewDefault(settings.Fetch, logger)
	httpmock.ActivateNonDefault(f.Client().StdClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	n := imagenorm.New(settings.Export.Path, settings.Image, logger)
	return NewWithComponents(f, n, settings, m, logger)
}

// testPNG renders a small valid PNG payload.
func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAcquire_Success(t *testing.T) {
	settings := testSettings(t)
	p := newTestPipeline(t, settings, nil)

	httpmock.RegisterResponder("GET", "https://example.com/merula.png",
		httpmock.NewBytesResponder(http.StatusOK, testPNG(t, 1024, 768)))

	err := p.Acquire(context.Background(), Record{ScientificName: "Turdus merula", ImageURL: "https://example.com/merula.png"})
	require.NoError(t, err)

	path := filepath.Join(settings.Export.Path, "Turdus_merula", "Turdus_merula.jpg")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	img, format, err := image.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
}

func TestAcquire_InvalidURL_NoRetryAndEmptyDirRemains(t *testing.T) {
	settings := testSettings(t)
	p := newTestPipeline(t, settings, nil)

	err := p.Acquire(context.Background(), Record{ScientificName: "Parus major", ImageURL: "ftp://x"})
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, FailureInvalidURL, stageErr.Kind)
	assert.False(t, stageErr.Retryable())
	assert.Equal(t, 0, httpmock.GetTotalCallCount(), "invalid URL must not hit the network")

	// The entity directory is created before validation, so the empty
	// folder remains even for a failed acquisition.
	info, statErr := os.Stat(filepath.Join(settings.Export.Path, "Parus_major"))
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())

	entries, readErr := os.ReadDir(filepath.Join(settings.Export.Path, "Parus_major"))
	require.NoError(t, readErr)
	assert.Empty(t, entries, "directory must stay empty when acquisition fails")
}

func TestAcquire_HTTPErrorConsumesFullBudget(t *testing.T) {
	settings := testSettings(t)
	p := newTestPipeline(t, settings, nil)

	httpmock.RegisterResponder("GET", "https://example.com/bird.jpg",
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	err := p.Acquire(context.Background(), Record{ScientificName: "Pica pica", ImageURL: "https://example.com/bird.jpg"})
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, FailureHTTPStatus, stageErr.Kind)
	assert.Equal(t, settings.Fetch.MaxRetries, httpmock.GetTotalCallCount())
}

func TestAcquire_DecodeFailureSharesRetryBudget(t *testing.T) {
	settings := testSettings(t)
	p := newTestPipeline(t, settings, nil)

	// 200 OK but the body is not an image: each decode failure must consume
	// an attempt from the same budget as network failures.
	httpmock.RegisterResponder("GET", "https://example.com/bird.jpg",
		httpmock.NewStringResponder(http.StatusOK, "<html>error page</html>"))

	err := p.Acquire(context.Background(), Record{ScientificName: "Corvus corax", ImageURL: "https://example.com/bird.jpg"})
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, FailureDecode, stageErr.Kind)
	assert.Equal(t, settings.Fetch.MaxRetries, httpmock.GetTotalCallCount(),
		"decode failures share the fetch retry budget")
}

func TestAcquire_RecoversWhenRetrySucceeds(t *testing.T) {
	settings := testSettings(t)
	p := newTestPipeline(t, settings, nil)

	attempts := 0
	payload := testPNG(t, 64, 64)
	httpmock.RegisterResponder("GET", "https://example.com/bird.png",
		func(req *http.Request) (*http.Response, error) {
			attempts++
			if attempts < 3 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
			}
			return httpmock.NewBytesResponse(http.StatusOK, payload), nil
		})

	err := p.Acquire(context.Background(), Record{ScientificName: "Sturnus vulgaris", ImageURL: "https://example.com/bird.png"})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	settings := testSettings(t)
	p := newTestPipeline(t, settings, nil)

	payload := testPNG(t, 320, 240)
	httpmock.RegisterResponder("GET", "https://example.com/one.png",
		httpmock.NewBytesResponder(http.StatusOK, payload))
	httpmock.RegisterResponder("GET", "https://example.com/three.png",
		httpmock.NewBytesResponder(http.StatusOK, payload))

	records := []Record{
		{ScientificName: "Turdus merula", ImageURL: "https://example.com/one.png"},
		{ScientificName: "Parus major", ImageURL: "ftp://x"},
		{ScientificName: "Pica pica", ImageURL: "https://example.com/three.png"},
	}

	failed := p.Run(context.Background(), records)

	require.Len(t, failed, 1, "exactly the invalid record goes to the ledger")
	assert.Equal(t, "Parus major", failed[0].ScientificName)
	assert.Equal(t, "ftp://x", failed[0].ImageURL)

	assert.FileExists(t, filepath.Join(settings.Export.Path, "Turdus_merula", "Turdus_merula.jpg"))
	assert.FileExists(t, filepath.Join(settings.Export.Path, "Pica_pica", "Pica_pica.jpg"))
	assert.NoFileExists(t, filepath.Join(settings.Export.Path, "Parus_major", "Parus_major.jpg"))
}

func TestRun_Idempotent(t *testing.T) {
	settings := testSettings(t)
	p := newTestPipeline(t, settings, nil)

	httpmock.RegisterResponder("GET", "https://example.com/merula.png",
		httpmock.NewBytesResponder(http.StatusOK, testPNG(t, 512, 384)))

	records := []Record{
		{ScientificName: "Turdus merula", ImageURL: "https://example.com/merula.png"},
		{ScientificName: "Parus major", ImageURL: ""},
	}

	failed1 := p.Run(context.Background(), records)
	path := filepath.Join(settings.Export.Path, "Turdus_merula", "Turdus_merula.jpg")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	failed2 := p.Run(context.Background(), records)
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, first, second, "re-runs must produce byte-identical files")
	assert.Equal(t, failed1, failed2, "the ledger must be identical for unchanged input")
}

func TestRun_ContextCancelled(t *testing.T) {
	settings := testSettings(t)
	p := newTestPipeline(t, settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	failed := p.Run(ctx, []Record{
		{ScientificName: "Turdus merula", ImageURL: "https://example.com/merula.png"},
	})

	assert.Empty(t, failed)
	assert.Equal(t, 0, httpmock.GetTotalCallCount(), "cancelled batch must not start new records")
}

func TestRun_MetricsRecorded(t *testing.T) {
	settings := testSettings(t)
	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(registry)
	require.NoError(t, err)

	p := newTestPipeline(t, settings, m)

	httpmock.RegisterResponder("GET", "https://example.com/ok.png",
		httpmock.NewBytesResponder(http.StatusOK, testPNG(t, 64, 64)))
	httpmock.RegisterResponder("GET", "https://example.com/bad.jpg",
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	p.Run(context.Background(), []Record{
		{ScientificName: "Turdus merula", ImageURL: "https://example.com/ok.png"},
		{ScientificName: "Pica pica", ImageURL: "https://example.com/bad.jpg"},
	})

	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ImageDownloads), 0.001)
	assert.InDelta(t, float64(settings.Fetch.MaxRetries), testutil.ToFloat64(m.DownloadErrors), 0.001)
	assert.InDelta(t, float64(settings.Fetch.MaxRetries-1), testutil.ToFloat64(m.Retries), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.Failures), 0.001)
}

func TestStageError(t *testing.T) {
	inner := errors.NewStd("socket closed")
	err := &StageError{Kind: FailureNetwork, Err: inner}

	assert.Equal(t, "network: socket closed", err.Error())
	assert.True(t, err.Retryable())
	assert.Same(t, inner, errors.Unwrap(err))
	assert.Equal(t, errors.CategoryNetwork, err.ErrorCategory())

	terminal := &StageError{Kind: FailureInvalidURL, Err: inner}
	assert.False(t, terminal.Retryable())
	assert.Equal(t, errors.CategoryValidation, terminal.ErrorCategory())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"invalid url", fetcher.ValidateURL("ftp://x"), FailureInvalidURL},
		{"http status", errors.New(errors.NewStd("HTTP 500")).Category(errors.CategoryHTTP).Build(), FailureHTTPStatus},
		{"decode", errors.New(errors.NewStd("bad payload")).Category(errors.CategoryImageDecode).Build(), FailureDecode},
		{"write", errors.New(errors.NewStd("disk full")).Category(errors.CategoryImageWrite).Build(), FailureWrite},
		{"anything else", errors.NewStd("weird"), FailureNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err).Kind)
		})
	}
}
