// Package loader reads raw CT volumes from disk. A Registry holds the
// available formats and picks one by inspecting the path.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"lungprep/internal/models"
)

// ErrUnsupportedSource is returned when no registered loader accepts a path.
var ErrUnsupportedSource = errors.New("unsupported CT source")

// Result is a loaded volume in HU with its voxel spacing and any
// format-specific metadata.
type Result struct {
	Volume   *models.Volume
	Spacing  models.Spacing
	Metadata map[string]any
}

// Loader reads one on-disk CT format.
type Loader interface {
	// Name identifies the format in logs and metadata
	Name() string

	// Accepts reports whether this loader handles path
	Accepts(path string, info fs.FileInfo) bool

	// Load reads the volume at path
	Load(ctx context.Context, path string) (*Result, error)
}

// Registry dispatches to the first loader that accepts a path.
type Registry struct {
	loaders []Loader
}

// NewRegistry creates a registry trying loaders in the given order.
func NewRegistry(loaders ...Loader) *Registry {
	return &Registry{loaders: loaders}
}

// DefaultRegistry returns a registry with the NIfTI, NPY and DICOM loaders.
func DefaultRegistry() *Registry {
	return NewRegistry(NIfTILoader{}, NPYLoader{}, DICOMLoader{})
}

// Loaders returns the registered loaders in dispatch order.
func (r *Registry) Loaders() []Loader {
	return append([]Loader(nil), r.loaders...)
}

// Load reads path with the first accepting loader. A missing path is
// reported as an fs.ErrNotExist error.
func (r *Registry) Load(ctx context.Context, path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("CT source not found: %w", err)
	}
	for _, l := range r.loaders {
		if !l.Accepts(path, info) {
			continue
		}
		res, err := l.Load(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("%s loader: %w", l.Name(), err)
		}
		if err := res.Volume.Validate(); err != nil {
			return nil, fmt.Errorf("%s loader: %w", l.Name(), err)
		}
		if err := res.Spacing.Validate(); err != nil {
			return nil, fmt.Errorf("%s loader: %w", l.Name(), err)
		}
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		if _, ok := res.Metadata["source_type"]; !ok {
			res.Metadata["source_type"] = l.Name()
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
}

// hasSuffixFold reports whether path ends with any of the suffixes, ignoring case.
func hasSuffixFold(path string, suffixes ...string) bool {
	lower := strings.ToLower(path)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
