// Package source reads the tabular input that drives the acquisition batch.
package source

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/tphakala/birdimage-go/internal/errors"
	"github.com/tphakala/birdimage-go/internal/pipeline"
)

const (
	columnScientificName = "scientific_name"
	columnImageURL       = "image_url"
)

// ReadRecords parses the CSV file at path into pipeline records, preserving
// row order. The file must carry a header row naming the scientific_name and
// image_url columns; their position does not matter and extra columns are
// ignored. Cell values are trimmed, but otherwise passed through untouched so
// the pipeline sees exactly what the file said.
func ReadRecords(path string) ([]pipeline.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // tolerate ragged rows, columns are found by name

	header, err := reader.Read()
	if err != nil {
		return nil, errors.New(err).
			Component("source").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}

	nameIdx, urlIdx := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case columnScientificName:
			nameIdx = i
		case columnImageURL:
			urlIdx = i
		}
	}
	if nameIdx < 0 || urlIdx < 0 {
		return nil, errors.Newf("input file must contain %s and %s columns",
			columnScientificName, columnImageURL).
			Component("source").
			Category(errors.CategoryConfiguration).
			Context("path", path).
			Context("header", strings.Join(header, ",")).
			Build()
	}

	var records []pipeline.Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.New(err).
				Component("source").
				Category(errors.CategoryFileParsing).
				Context("path", path).
				Build()
		}

		rec := pipeline.Record{}
		if nameIdx < len(row) {
			rec.ScientificName = strings.TrimSpace(row[nameIdx])
		}
		if urlIdx < len(row) {
			rec.ImageURL = strings.TrimSpace(row[urlIdx])
		}
		records = append(records, rec)
	}

	return records, nil
}
