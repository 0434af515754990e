// Package normalize implements CT intensity normalization and resampling:
// HU clamping, optional Gaussian denoising, spacing-aware resampling and
// non-destructive metadata stamping.
package normalize

import (
	"encoding/json"
	"fmt"

	"lungprep/internal/models"
)

// Options controls NormalizeAndResample. The zero value is not useful; start
// from DefaultOptions.
type Options struct {
	// TargetSpacing is the output voxel spacing in mm (depth, height, width)
	TargetSpacing models.Spacing `yaml:"target_spacing" toml:"target_spacing"`

	// HUWindow is the [min, max] HU range every voxel is clamped to
	HUWindow [2]float64 `yaml:"hu_window" toml:"hu_window"`

	// ApplyDenoising enables Gaussian smoothing after clamping
	ApplyDenoising bool `yaml:"apply_denoising" toml:"apply_denoising"`

	// DenoiseSigma is the Gaussian standard deviation in voxels
	DenoiseSigma float64 `yaml:"denoise_sigma" toml:"denoise_sigma"`

	// InterpolationOrder is the spline order used for resampling (0, 1 or 3)
	InterpolationOrder int `yaml:"interpolation_order" toml:"interpolation_order"`
}

// DefaultOptions returns 1 mm isotropic output, a (-1000, 400) lung window,
// no denoising and linear interpolation.
func DefaultOptions() Options {
	return Options{
		TargetSpacing:      models.Spacing{1, 1, 1},
		HUWindow:           [2]float64{-1000, 400},
		ApplyDenoising:     false,
		DenoiseSigma:       0.75,
		InterpolationOrder: 1,
	}
}

// Validate checks the options before any voxel is touched.
func (o Options) Validate() error {
	if err := o.TargetSpacing.Validate(); err != nil {
		return fmt.Errorf("target spacing: %w", err)
	}
	if o.HUWindow[0] > o.HUWindow[1] {
		return fmt.Errorf("hu window min %.1f exceeds max %.1f", o.HUWindow[0], o.HUWindow[1])
	}
	if o.DenoiseSigma < 0 {
		return fmt.Errorf("denoise sigma must be non-negative, got %f", o.DenoiseSigma)
	}
	if !orderSupported(o.InterpolationOrder) {
		return fmt.Errorf("unsupported interpolation order %d (supported: %v)", o.InterpolationOrder, SupportedOrders)
	}
	return nil
}

// Metadata is an opaque JSON-serializable mapping carried with a volume.
type Metadata map[string]any

// Clone returns a copy of m. Nested maps are copied too so that updates to
// the clone never reach the caller's instance.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Metadata(t).Clone())
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Normalized returns m after a JSON encode/decode round trip: numbers become
// float64, tuples become []any. Cached metadata compares equal to this form.
func (m Metadata) Normalized() (Metadata, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out Metadata
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Metadata{}
	}
	return out, nil
}

// CTVolume bundles a processed volume with its spacing and metadata.
// Metadata["spacing_mm"] always mirrors Spacing.
type CTVolume struct {
	Volume   *models.Volume
	Spacing  models.Spacing
	Metadata Metadata
}

// ClampHU returns a copy of volume with every voxel clipped to [huMin, huMax].
func ClampHU(volume *models.Volume, huMin, huMax float64) *models.Volume {
	out := volume.Clone()
	lo, hi := float32(huMin), float32(huMax)
	for i, v := range out.Data {
		if v < lo {
			out.Data[i] = lo
		} else if v > hi {
			out.Data[i] = hi
		}
	}
	return out
}

// MaybeDenoise applies an isotropic Gaussian filter of sigma voxels when
// enabled. When disabled the volume is returned unchanged.
func MaybeDenoise(volume *models.Volume, enabled bool, sigma float64) *models.Volume {
	if !enabled || sigma <= 0 {
		return volume
	}
	data := gaussianFilter(volume.Data, [3]int(volume.Shape()), sigma)
	return &models.Volume{Data: data, Depth: volume.Depth, Height: volume.Height, Width: volume.Width}
}

// NormalizeAndResample runs the full pipeline on one volume, strictly in this
// order: clamp to the HU window, optional denoising, resampling to the target
// spacing, metadata stamping. The caller's volume and metadata are not
// modified.
func NormalizeAndResample(volume *models.Volume, spacing models.Spacing, metadata Metadata, opts Options) (*CTVolume, error) {
	if err := volume.Validate(); err != nil {
		return nil, err
	}
	if err := spacing.Validate(); err != nil {
		return nil, fmt.Errorf("input spacing: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	huMin, huMax := opts.HUWindow[0], opts.HUWindow[1]

	// 1. Clamp
	v := ClampHU(volume, huMin, huMax)

	// 2. Optional denoising
	v = MaybeDenoise(v, opts.ApplyDenoising, opts.DenoiseSigma)

	// 3. Resample
	v, err := ResampleToSpacing(v, spacing, opts.TargetSpacing, opts.InterpolationOrder)
	if err != nil {
		return nil, fmt.Errorf("resampling: %w", err)
	}
	// Cubic splines overshoot near edges; keep the output inside the window.
	if opts.InterpolationOrder > 1 {
		clampInPlace(v, huMin, huMax)
	}

	// 4. Metadata
	return &CTVolume{
		Volume:   v,
		Spacing:  opts.TargetSpacing,
		Metadata: stampMetadata(metadata, opts),
	}, nil
}

func clampInPlace(v *models.Volume, huMin, huMax float64) {
	lo, hi := float32(huMin), float32(huMax)
	for i, x := range v.Data {
		if x < lo {
			v.Data[i] = lo
		} else if x > hi {
			v.Data[i] = hi
		}
	}
}

// stampMetadata copies metadata, sets spacing_mm and records the parameters
// under preprocessing.normalize_resample. Existing keys are preserved.
func stampMetadata(metadata Metadata, opts Options) Metadata {
	meta := Metadata{}
	if metadata != nil {
		meta = metadata.Clone()
	}
	meta["spacing_mm"] = opts.TargetSpacing.Slice()

	preprocessing := map[string]any{}
	switch existing := meta["preprocessing"].(type) {
	case map[string]any:
		preprocessing = existing
	case Metadata:
		preprocessing = existing
	}
	preprocessing["normalize_resample"] = map[string]any{
		"hu_window":           []float64{opts.HUWindow[0], opts.HUWindow[1]},
		"apply_denoising":     opts.ApplyDenoising,
		"denoise_sigma":       opts.DenoiseSigma,
		"target_spacing_mm":   opts.TargetSpacing.Slice(),
		"interpolation_order": opts.InterpolationOrder,
	}
	meta["preprocessing"] = preprocessing
	return meta
}
