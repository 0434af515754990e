package models

import (
	"errors"
	"testing"
)

func TestVolumeFromShapeRejectsWrongRank(t *testing.T) {
	shapes := [][]int{
		{4, 4},
		{2, 2, 2, 2},
		{},
	}

	for _, shape := range shapes {
		n := 1
		for _, s := range shape {
			n *= s
		}
		_, err := VolumeFromShape(shape, make([]float32, n))
		if !errors.Is(err, ErrNotThreeDimensional) {
			t.Errorf("Expected ErrNotThreeDimensional for shape %v, got %v", shape, err)
		}
	}
}

func TestVolumeFromShapeLengthMismatch(t *testing.T) {
	_, err := VolumeFromShape([]int{2, 2, 2}, make([]float32, 7))
	if !errors.Is(err, ErrNotThreeDimensional) {
		t.Errorf("Expected ErrNotThreeDimensional, got %v", err)
	}
}

func TestVolumeIndexing(t *testing.T) {
	v := NewVolume(2, 3, 4)
	v.Set(1, 2, 3, 42)

	if got := v.Data[len(v.Data)-1]; got != 42 {
		t.Errorf("Expected last voxel to be 42, got %f", got)
	}
	if got := v.At(1, 2, 3); got != 42 {
		t.Errorf("Expected At(1,2,3) = 42, got %f", got)
	}
}

func TestSpacingValidate(t *testing.T) {
	if err := (Spacing{1, 0.5, 0.5}).Validate(); err != nil {
		t.Errorf("Expected valid spacing, got %v", err)
	}
	if err := (Spacing{1, 0, 0.5}).Validate(); !errors.Is(err, ErrNonPositiveSpacing) {
		t.Errorf("Expected ErrNonPositiveSpacing, got %v", err)
	}
}

func TestMaskApply(t *testing.T) {
	v := NewVolume(1, 2, 2)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	m := NewMask(v.Shape())
	m.Data[0] = true
	m.Data[3] = true

	out, err := m.Apply(v, -1024)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	expected := []float32{0, -1024, -1024, 3}
	for i := range expected {
		if out.Data[i] != expected[i] {
			t.Errorf("Voxel %d: expected %f, got %f", i, expected[i], out.Data[i])
		}
	}
	if v.Data[1] != 1 {
		t.Error("Apply must not modify the source volume")
	}
	if m.Count() != 2 {
		t.Errorf("Expected mask count 2, got %d", m.Count())
	}
}
