package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"lungprep/internal/models"
)

// DICOMLoader reads a directory of single-frame DICOM slices as one series.
type DICOMLoader struct{}

func (DICOMLoader) Name() string { return "dicom" }

func (DICOMLoader) Accepts(path string, info fs.FileInfo) bool {
	return info.IsDir()
}

type dicomSlice struct {
	ds       dicom.Dataset
	z        float64
	instance int
}

// Load parses every readable file in dir, keeps CT slices when any exist,
// orders them by ImagePositionPatient z then InstanceNumber and stacks them
// into HU using RescaleSlope/RescaleIntercept.
func (DICOMLoader) Load(ctx context.Context, dir string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var slices []dicomSlice
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ds, err := dicom.ParseFile(filepath.Join(dir, e.Name()), nil)
		if err != nil {
			// not DICOM
			continue
		}
		s := dicomSlice{ds: ds}
		if ipp := floatValues(ds, tag.ImagePositionPatient); len(ipp) >= 3 {
			s.z = ipp[2]
		}
		s.instance, _ = intValue(ds, tag.InstanceNumber)
		slices = append(slices, s)
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no readable DICOM datasets in %s", dir)
	}

	var ct []dicomSlice
	for _, s := range slices {
		if firstString(s.ds, tag.Modality) == "CT" {
			ct = append(ct, s)
		}
	}
	if len(ct) > 0 {
		slices = ct
	}

	sort.SliceStable(slices, func(i, j int) bool {
		if slices[i].z != slices[j].z {
			return slices[i].z < slices[j].z
		}
		return slices[i].instance < slices[j].instance
	})

	first := slices[0].ds
	rows, ok := intValue(first, tag.Rows)
	if !ok {
		return nil, fmt.Errorf("first slice has no Rows")
	}
	cols, ok := intValue(first, tag.Columns)
	if !ok {
		return nil, fmt.Errorf("first slice has no Columns")
	}

	volume := models.NewVolume(len(slices), rows, cols)
	plane := rows * cols
	for i, s := range slices {
		px, err := slicePixels(s.ds, rows, cols)
		if err != nil {
			return nil, fmt.Errorf("slice %d (instance %d): %w", i, s.instance, err)
		}
		copy(volume.Data[i*plane:(i+1)*plane], px)
	}

	sliceThickness := 1.0
	if v := floatValues(first, tag.SliceThickness); len(v) > 0 {
		sliceThickness = v[0]
	}
	ySpacing, xSpacing := 1.0, 1.0
	if v := floatValues(first, tag.PixelSpacing); len(v) >= 2 {
		ySpacing, xSpacing = v[0], v[1]
	}

	return &Result{
		Volume:  volume,
		Spacing: models.Spacing{sliceThickness, ySpacing, xSpacing},
		Metadata: map[string]any{
			"source_type":       "dicom",
			"SeriesInstanceUID": firstString(first, tag.SeriesInstanceUID),
			"StudyInstanceUID":  firstString(first, tag.StudyInstanceUID),
			"PatientID":         firstString(first, tag.PatientID),
			"Modality":          firstString(first, tag.Modality),
			"Manufacturer":      firstString(first, tag.Manufacturer),
			"SliceThickness":    sliceThickness,
			"PixelSpacing":      []float64{ySpacing, xSpacing},
			"NumSlices":         len(slices),
			"Rows":              rows,
			"Cols":              cols,
		},
	}, nil
}

// slicePixels decodes the first native frame of ds into HU.
func slicePixels(ds dicom.Dataset, rows, cols int) ([]float32, error) {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %w", err)
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, fmt.Errorf("no pixel frames")
	}
	f := info.Frames[0]
	if f.Encapsulated {
		return nil, fmt.Errorf("compressed transfer syntaxes are not supported")
	}

	signed := false
	if v, ok := intValue(ds, tag.PixelRepresentation); ok && v == 1 {
		signed = true
	}

	var px []float32
	switch nf := f.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		px = samples(nf.RawData, func(v uint8) float32 {
			if signed {
				return float32(int8(v))
			}
			return float32(v)
		})
	case *frame.NativeFrame[uint16]:
		px = samples(nf.RawData, func(v uint16) float32 {
			if signed {
				return float32(int16(v))
			}
			return float32(v)
		})
	case *frame.NativeFrame[uint32]:
		px = samples(nf.RawData, func(v uint32) float32 {
			if signed {
				return float32(int32(v))
			}
			return float32(v)
		})
	default:
		return nil, fmt.Errorf("unsupported native frame type %T", f.NativeData)
	}
	if len(px) != rows*cols {
		return nil, fmt.Errorf("inconsistent slice shape: expected %dx%d, got %d pixels", rows, cols, len(px))
	}

	slope, intercept := 1.0, 0.0
	if v := floatValues(ds, tag.RescaleSlope); len(v) > 0 && v[0] != 0 {
		slope = v[0]
	}
	if v := floatValues(ds, tag.RescaleIntercept); len(v) > 0 {
		intercept = v[0]
	}
	if slope != 1 || intercept != 0 {
		for i := range px {
			px[i] = float32(float64(px[i])*slope + intercept)
		}
	}
	return px, nil
}

func samples[T uint8 | uint16 | uint32](raw []T, conv func(T) float32) []float32 {
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = conv(v)
	}
	return out
}

func stringValues(ds dicom.Dataset, t tag.Tag) []string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return nil
	}
	v, _ := el.Value.GetValue().([]string)
	return v
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	if v := stringValues(ds, t); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// floatValues parses a DS/FD element into floats, skipping unparsable entries.
func floatValues(ds dicom.Dataset, t tag.Tag) []float64 {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []float64:
		return v
	case []string:
		out := make([]float64, 0, len(v))
		for _, s := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}

// intValue reads an US/IS element.
func intValue(ds dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return 0, false
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], true
		}
	case int:
		return v, true
	case []string:
		if len(v) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(v[0]))
			return n, err == nil
		}
	}
	return 0, false
}
