// Package segmentation implements classical lung segmentation of CT volumes:
// HU thresholding, 3D connected components, size filtering, top-N component
// selection, morphological closing and slice-wise hole filling.
//
// Every step is deterministic. For a fixed volume and Config the returned
// mask is bit-identical across calls.
package segmentation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"lungprep/internal/models"
	"lungprep/pkg/npy"
)

// Config holds the segmentation parameters. It is passed by value and never
// modified once constructed.
type Config struct {
	// HUThreshold separates candidate lung/air (below) from soft tissue
	HUThreshold float64 `yaml:"hu_threshold" toml:"hu_threshold"`

	// MinComponentSize is the voxel count below which a component is discarded
	MinComponentSize int `yaml:"min_component_size" toml:"min_component_size"`

	// NumComponentsToKeep is how many of the largest components survive
	// (two lungs by default). Zero or less keeps every surviving component.
	NumComponentsToKeep int `yaml:"num_components_to_keep" toml:"num_components_to_keep"`

	// ClosingIterations is the number of dilation/erosion passes of the closing
	ClosingIterations int `yaml:"closing_iterations" toml:"closing_iterations"`

	// FillHoles enables 2D hole filling on each depth slice
	FillHoles bool `yaml:"fill_holes" toml:"fill_holes"`
}

// DefaultConfig returns the standard lung segmentation parameters.
func DefaultConfig() Config {
	return Config{
		HUThreshold:         -320,
		MinComponentSize:    10000,
		NumComponentsToKeep: 2,
		ClosingIterations:   2,
		FillHoles:           true,
	}
}

// SegmentLung returns a boolean lung mask with the same shape as volume.
//
// spacing is accepted for spacing-aware variants of the algorithm and is not
// currently consumed. A nil cfg selects DefaultConfig.
//
// A volume with nothing below the threshold, or whose components are all
// smaller than MinComponentSize, yields an all-false mask and no error. The
// only error is a volume whose extents do not describe a 3D array.
func SegmentLung(volume *models.Volume, spacing *models.Spacing, cfg *Config) (*models.Mask, error) {
	_ = spacing

	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}

	if err := volume.Validate(); err != nil {
		return nil, err
	}
	shape := volume.Shape()
	empty := models.NewMask(shape)

	// 1. Threshold
	fg := make([]bool, len(volume.Data))
	found := false
	for i, v := range volume.Data {
		if float64(v) < c.HUThreshold {
			fg[i] = true
			found = true
		}
	}
	if !found {
		return empty, nil
	}

	// 2. Connected components
	labels, n := labelComponents(fg, shape)
	if n == 0 {
		return empty, nil
	}
	sizes := componentSizes(labels, n)

	// 3. Size filter
	if c.MinComponentSize > 0 {
		for l := 1; l <= n; l++ {
			if sizes[l] < c.MinComponentSize {
				sizes[l] = 0
			}
		}
	}

	// 4. Keep the N largest surviving components
	keep := selectLargest(sizes, c.NumComponentsToKeep)
	if len(keep) == 0 {
		return empty, nil
	}
	selected := make([]bool, n+1)
	for _, l := range keep {
		selected[l] = true
	}
	lung := make([]bool, len(labels))
	for i, l := range labels {
		lung[i] = l != 0 && selected[l]
	}

	// 5. Morphological closing
	if c.ClosingIterations > 0 {
		lung = binaryClosing(lung, shape, c.ClosingIterations)
	}

	// 6. Slice-wise hole filling
	if c.FillHoles {
		lung = fillHolesSliceWise(lung, shape)
	}

	return &models.Mask{Data: lung, Depth: shape[0], Height: shape[1], Width: shape[2]}, nil
}

// selectLargest returns the labels of the n largest non-empty components.
// Equal sizes are broken in favour of the lower label, i.e. the component
// encountered first in raster order.
func selectLargest(sizes []int, n int) []int {
	var survivors []int
	for l := 1; l < len(sizes); l++ {
		if sizes[l] > 0 {
			survivors = append(survivors, l)
		}
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		return sizes[survivors[i]] > sizes[survivors[j]]
	})
	if n > 0 && len(survivors) > n {
		survivors = survivors[:n]
	}
	return survivors
}

// SegmentLungAndSave runs SegmentLung and, when cachePath is non-empty, writes
// the mask there as a uint8 (0/1) .npy array, creating parent directories as
// needed. The mask is returned either way.
func SegmentLungAndSave(volume *models.Volume, spacing *models.Spacing, cachePath string, cfg *Config) (*models.Mask, error) {
	mask, err := SegmentLung(volume, spacing, cfg)
	if err != nil {
		return nil, err
	}
	if cachePath == "" {
		return mask, nil
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create mask directory: %w", err)
	}
	shape := mask.Shape()
	arr := npy.Uint8([]int{shape[0], shape[1], shape[2]}, mask.Uint8())
	if err := npy.WriteFile(cachePath, arr); err != nil {
		return nil, fmt.Errorf("failed to save lung mask to %s: %w", cachePath, err)
	}
	return mask, nil
}

// LoadMask reads a mask written by SegmentLungAndSave.
func LoadMask(path string) (*models.Mask, error) {
	arr, err := npy.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(arr.Shape) != 3 {
		return nil, fmt.Errorf("%w, got shape %v in %s", models.ErrNotThreeDimensional, arr.Shape, path)
	}
	values, err := arr.Float32s()
	if err != nil {
		return nil, err
	}
	mask := models.NewMask(models.Shape{arr.Shape[0], arr.Shape[1], arr.Shape[2]})
	for i, v := range values {
		mask.Data[i] = v != 0
	}
	return mask, nil
}
