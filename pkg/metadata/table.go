// Package metadata reads the per-scan metadata table that drives a run and
// records run outcomes in a sqlite manifest.
package metadata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Canonical column names.
const (
	ColDatasetName           = "dataset_name"
	ColSeriesUID             = "series_uid"
	ColRawImagePath          = "raw_image_path"
	ColPreprocessedImagePath = "preprocessed_image_path"
	ColLungMaskPath          = "lung_mask_path"
)

// Row is one scan's metadata. Values read from CSV are strings; empty cells
// are omitted.
type Row map[string]any

// String returns the value of field as a string, or "" when absent.
func (r Row) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// TableOptions controls ReadTable.
type TableOptions struct {
	// DatasetName fills dataset_name where the column is absent or empty
	DatasetName string

	// Limit keeps only the first Limit rows when positive
	Limit int
}

// ReadTableFile reads a CSV metadata table from path.
func ReadTableFile(path string, opts TableOptions) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metadata CSV not found: %w", err)
	}
	defer f.Close()
	return ReadTable(f, opts)
}

// ReadTable reads a CSV metadata table with a header row. Every row gets a
// dataset_name: existing values are kept, missing ones take
// opts.DatasetName.
func ReadTable(r io.Reader, opts TableOptions) ([]Row, error) {
	if opts.DatasetName == "" {
		return nil, errors.New("dataset name is required")
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []Row
	for {
		if opts.Limit > 0 && len(rows) >= opts.Limit {
			break
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", len(rows)+1, err)
		}
		row := make(Row, len(header)+1)
		for i, col := range header {
			if i < len(rec) && rec[i] != "" {
				row[col] = rec[i]
			}
		}
		if row.String(ColDatasetName) == "" {
			row[ColDatasetName] = opts.DatasetName
		}
		rows = append(rows, row)
	}
	return rows, nil
}
