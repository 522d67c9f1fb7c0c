// Package imagenorm converts fetched image bytes into the pipeline's canonical
// on-disk form: opaque RGB, fixed resolution, JPEG at a fixed quality, stored
// under a deterministic per-species path.
package imagenorm

import (
	"bytes"
	"image"
	"image/draw"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"

	"github.com/tphakala/birdimage-go/internal/conf"
	"github.com/tphakala/birdimage-go/internal/errors"

	// The Accept header advertises image/webp, so content servers may
	// legitimately serve it. Registering the decoder keeps such payloads
	// from failing as corrupt.
	_ "golang.org/x/image/webp"
)

// SanitizeName replaces whitespace in a species name with underscores so it
// can serve as both directory and file name.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, name)
}

// OutputPath returns the deterministic storage path for a species:
// <baseDir>/<sanitized name>/<sanitized name>.jpg. The same name always
// yields the same path, so re-runs overwrite rather than duplicate.
func OutputPath(baseDir, name string) string {
	folder := SanitizeName(name)
	return filepath.Join(baseDir, folder, folder+".jpg")
}

// Normalizer decodes, normalizes and stores image payloads.
type Normalizer struct {
	baseDir string
	cfg     conf.ImageSettings
	logger  *slog.Logger
}

// New creates a Normalizer writing below baseDir.
func New(baseDir string, cfg conf.ImageSettings, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		baseDir: baseDir,
		cfg:     cfg,
		logger:  logger.With("component", "imagenorm"),
	}
}

// flattenRGB redraws the source into an NRGBA image and forces every pixel
// opaque, discarding alpha and palette information the way a three-channel
// conversion does. JPEG encoding then stores plain RGB.
func flattenRGB(src image.Image) *image.NRGBA {
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// NormalizeAndStore decodes raw bytes as an image, converts it to opaque RGB,
// resizes it to the configured target resolution (forced, aspect ratio is not
// preserved) and writes it as a JPEG to the deterministic output path,
// creating the parent directory as needed. It returns the written path.
func (n *Normalizer) NormalizeAndStore(raw []byte, name string) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", errors.New(err).
			Component("imagenorm").
			Category(errors.CategoryImageDecode).
			Context("species", name).
			Context("payload_bytes", len(raw)).
			Build()
	}

	normalized := imaging.Resize(flattenRGB(img), n.cfg.Width, n.cfg.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, normalized, imaging.JPEG, imaging.JPEGQuality(n.cfg.Quality)); err != nil {
		return "", errors.New(err).
			Component("imagenorm").
			Category(errors.CategoryImageWrite).
			Context("species", name).
			Context("operation", "encode").
			Build()
	}

	outputPath := OutputPath(n.baseDir, name)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", errors.New(err).
			Component("imagenorm").
			Category(errors.CategoryImageWrite).
			Context("species", name).
			Context("path", outputPath).
			Build()
	}

	if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
		return "", errors.New(err).
			Component("imagenorm").
			Category(errors.CategoryImageWrite).
			Context("species", name).
			Context("path", outputPath).
			Build()
	}

	n.logger.Debug("Image stored",
		"species", name,
		"path", outputPath,
		"size", buf.Len(),
		"width", n.cfg.Width,
		"height", n.cfg.Height)

	return outputPath, nil
}
