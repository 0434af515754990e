package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"lungprep/internal/models"
	"lungprep/pkg/npy"
)

// NPYLoader reads a raw (z, y, x) .npy array. Spacing comes from an optional
// "<file>.json" sidecar holding {"spacing": [z, y, x]}; without one the
// volume is assumed to be 1 mm isotropic.
type NPYLoader struct{}

func (NPYLoader) Name() string { return "npy" }

func (NPYLoader) Accepts(path string, info fs.FileInfo) bool {
	return !info.IsDir() && hasSuffixFold(path, ".npy")
}

type npySidecar struct {
	Spacing  []float64      `json:"spacing"`
	Metadata map[string]any `json:"metadata"`
}

func (NPYLoader) Load(ctx context.Context, path string) (*Result, error) {
	arr, err := npy.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := arr.Float32s()
	if err != nil {
		return nil, err
	}
	volume, err := models.VolumeFromShape(arr.Shape, data)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Volume:   volume,
		Spacing:  models.Spacing{1, 1, 1},
		Metadata: map[string]any{"source_type": "npy"},
	}

	sidecar, err := readSidecar(path + ".json")
	if err != nil {
		return nil, err
	}
	if sidecar == nil {
		res.Metadata["spacing_assumed"] = true
		return res, nil
	}
	if len(sidecar.Spacing) != 3 {
		return nil, fmt.Errorf("sidecar spacing must have 3 values, got %d", len(sidecar.Spacing))
	}
	res.Spacing = models.Spacing{sidecar.Spacing[0], sidecar.Spacing[1], sidecar.Spacing[2]}
	for k, v := range sidecar.Metadata {
		res.Metadata[k] = v
	}
	return res, nil
}

func readSidecar(path string) (*npySidecar, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sc npySidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("parsing sidecar %s: %w", path, err)
	}
	return &sc, nil
}
