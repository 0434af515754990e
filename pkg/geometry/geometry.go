// Package geometry provides the spacing arithmetic used when regridding a
// volume onto a new voxel spacing.
package geometry

import (
	"fmt"
	"math"

	"lungprep/internal/models"
)

// ZoomFactors returns current[i] / target[i] for each axis.
// The target spacing must be strictly positive.
func ZoomFactors(current, target models.Spacing) ([3]float64, error) {
	if err := target.Validate(); err != nil {
		return [3]float64{}, fmt.Errorf("target spacing: %w", err)
	}
	if err := current.Validate(); err != nil {
		return [3]float64{}, fmt.Errorf("current spacing: %w", err)
	}
	return [3]float64{
		current[0] / target[0],
		current[1] / target[1],
		current[2] / target[2],
	}, nil
}

// OutputShape returns the extents produced by zooming shape by zoom.
// Each axis is round-half-to-even(in * zoom), never less than one voxel for a
// non-empty axis.
func OutputShape(shape models.Shape, zoom [3]float64) models.Shape {
	var out models.Shape
	for i := range shape {
		if shape[i] == 0 {
			continue
		}
		n := int(math.RoundToEven(float64(shape[i]) * zoom[i]))
		if n < 1 {
			n = 1
		}
		out[i] = n
	}
	return out
}

// PhysicalExtent returns shape * spacing in mm along each axis.
func PhysicalExtent(shape models.Shape, spacing models.Spacing) [3]float64 {
	return [3]float64{
		float64(shape[0]) * spacing[0],
		float64(shape[1]) * spacing[1],
		float64(shape[2]) * spacing[2],
	}
}

// EffectiveSpacing is the spacing a resampled volume actually has once its
// extents were rounded: in*spacing / out per axis.
func EffectiveSpacing(in models.Shape, spacing models.Spacing, out models.Shape) models.Spacing {
	ext := PhysicalExtent(in, spacing)
	var s models.Spacing
	for i := range s {
		if out[i] > 0 {
			s[i] = ext[i] / float64(out[i])
		}
	}
	return s
}
