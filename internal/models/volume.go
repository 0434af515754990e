// Package models holds the data model shared by the segmentation, normalization
// and caching packages: intensity volumes, boolean masks and voxel spacing.
package models

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotThreeDimensional is returned when data does not describe exactly three axes.
	ErrNotThreeDimensional = errors.New("expected 3D volume")

	// ErrNonPositiveSpacing is returned when a spacing component is zero, negative or NaN.
	ErrNonPositiveSpacing = errors.New("spacing must be positive")
)

// Shape is the extent of a volume along (depth, height, width).
type Shape [3]int

// Len returns the number of voxels described by the shape.
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s[0], s[1], s[2])
}

// Spacing is the physical distance in mm between adjacent voxels along
// (depth, height, width). It is aligned axis-for-axis with Shape.
type Spacing [3]float64

// Validate returns ErrNonPositiveSpacing if any component is not strictly positive.
func (s Spacing) Validate() error {
	for _, v := range s {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w, got %v", ErrNonPositiveSpacing, [3]float64(s))
		}
	}
	return nil
}

// Slice returns the spacing as a []float64, the form stored in JSON metadata.
func (s Spacing) Slice() []float64 {
	return []float64{s[0], s[1], s[2]}
}

// Volume represents a 3D intensity volume, usually in Hounsfield Units.
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major (depth, height, width) order
	Data []float32

	// Depth, Height and Width are the extents of the volume in voxels
	Depth, Height, Width int
}

// NewVolume allocates a zero-filled volume of the given extents.
func NewVolume(depth, height, width int) *Volume {
	return &Volume{
		Data:   make([]float32, depth*height*width),
		Depth:  depth,
		Height: height,
		Width:  width,
	}
}

// VolumeFromShape wraps data with an arbitrary-rank shape, failing unless the
// shape has exactly three axes. This is the check performed at the load boundary.
func VolumeFromShape(shape []int, data []float32) (*Volume, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w, got shape %v", ErrNotThreeDimensional, shape)
	}
	v := &Volume{Data: data, Depth: shape[0], Height: shape[1], Width: shape[2]}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Shape returns the (depth, height, width) extents.
func (v *Volume) Shape() Shape {
	return Shape{v.Depth, v.Height, v.Width}
}

// Validate checks that the extents are non-negative and match the data length.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("%w, got nil volume", ErrNotThreeDimensional)
	}
	if v.Depth < 0 || v.Height < 0 || v.Width < 0 {
		return fmt.Errorf("%w, got shape %s", ErrNotThreeDimensional, v.Shape())
	}
	if len(v.Data) != v.Shape().Len() {
		return fmt.Errorf("%w, shape %s does not match %d voxels",
			ErrNotThreeDimensional, v.Shape(), len(v.Data))
	}
	return nil
}

// Index returns the flat offset of voxel (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return z*v.Height*v.Width + y*v.Width + x
}

// At returns the value of voxel (z, y, x).
func (v *Volume) At(z, y, x int) float32 {
	return v.Data[v.Index(z, y, x)]
}

// Set assigns the value of voxel (z, y, x).
func (v *Volume) Set(z, y, x int, value float32) {
	v.Data[v.Index(z, y, x)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float32, len(v.Data))
	copy(data, v.Data)
	return &Volume{Data: data, Depth: v.Depth, Height: v.Height, Width: v.Width}
}

// Mask is a boolean volume aligned 1:1 with the volume it was derived from.
type Mask struct {
	Data []bool

	Depth, Height, Width int
}

// NewMask allocates an all-false mask with the given shape.
func NewMask(shape Shape) *Mask {
	return &Mask{
		Data:   make([]bool, shape.Len()),
		Depth:  shape[0],
		Height: shape[1],
		Width:  shape[2],
	}
}

// Shape returns the (depth, height, width) extents.
func (m *Mask) Shape() Shape {
	return Shape{m.Depth, m.Height, m.Width}
}

// Index returns the flat offset of voxel (z, y, x).
func (m *Mask) Index(z, y, x int) int {
	return z*m.Height*m.Width + y*m.Width + x
}

// At reports whether voxel (z, y, x) is set.
func (m *Mask) At(z, y, x int) bool {
	return m.Data[m.Index(z, y, x)]
}

// Count returns the number of true voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}

// Uint8 encodes the mask as 0/1 bytes for compact storage.
func (m *Mask) Uint8() []uint8 {
	out := make([]uint8, len(m.Data))
	for i, b := range m.Data {
		if b {
			out[i] = 1
		}
	}
	return out
}

// Apply returns a copy of v where every voxel outside the mask is set to fill.
func (m *Mask) Apply(v *Volume, fill float32) (*Volume, error) {
	if m.Shape() != v.Shape() {
		return nil, fmt.Errorf("mask shape %s does not match volume shape %s", m.Shape(), v.Shape())
	}
	out := v.Clone()
	for i, keep := range m.Data {
		if !keep {
			out.Data[i] = fill
		}
	}
	return out, nil
}
