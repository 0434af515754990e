package loader

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"

	"lungprep/internal/models"
)

// nifti1Header is the 348-byte NIfTI-1 header.
type nifti1Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

const niftiHeaderSize = 348

// NIfTI-1 datatype codes.
const (
	niftiUint8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiFloat64 = 64
	niftiInt8    = 256
	niftiUint16  = 512
	niftiUint32  = 768
)

// NIfTILoader reads single-file NIfTI-1 volumes (.nii, .nii.gz).
type NIfTILoader struct{}

func (NIfTILoader) Name() string { return "nifti" }

func (NIfTILoader) Accepts(path string, info fs.FileInfo) bool {
	return !info.IsDir() && hasSuffixFold(path, ".nii", ".nii.gz")
}

// Load reads the image, applies scl_slope/scl_inter and returns it indexed
// (z, y, x) with spacing taken from pixdim.
func (NIfTILoader) Load(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readNIfTI(r)
}

func readNIfTI(r io.Reader) (*Result, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == niftiHeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == niftiHeaderSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a NIfTI-1 file")
	}

	var hdr nifti1Header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("unsupported NIfTI magic %q (only single-file n+1 is supported)", hdr.Magic[:3])
	}

	rank := int(hdr.Dim[0])
	if rank < 1 || rank > 7 {
		return nil, fmt.Errorf("invalid NIfTI rank %d", rank)
	}
	// a trailing singleton time axis is still a 3D volume
	for rank > 3 && hdr.Dim[rank] == 1 {
		rank--
	}
	if rank != 3 {
		shape := make([]int, 0, 7)
		for i := 1; i <= int(hdr.Dim[0]); i++ {
			shape = append(shape, int(hdr.Dim[i]))
		}
		return nil, fmt.Errorf("%w, got NIfTI shape %v", models.ErrNotThreeDimensional, shape)
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("%w, got NIfTI dims %v", models.ErrNotThreeDimensional, hdr.Dim[1:4])
	}

	skip := int64(hdr.VoxOffset) - niftiHeaderSize
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skipping to voxel data: %w", err)
		}
	}

	n := nx * ny * nz
	data, err := readNIfTIVoxels(r, order, hdr.Datatype, n)
	if err != nil {
		return nil, err
	}

	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope, inter := hdr.SclSlope, hdr.SclInter
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	// NIfTI stores x fastest, so the flat buffer is already (z, y, x) row-major.
	volume := &models.Volume{Data: data, Depth: nz, Height: ny, Width: nx}
	spacing := models.Spacing{
		math.Abs(float64(hdr.Pixdim[3])),
		math.Abs(float64(hdr.Pixdim[2])),
		math.Abs(float64(hdr.Pixdim[1])),
	}

	return &Result{
		Volume:  volume,
		Spacing: spacing,
		Metadata: map[string]any{
			"source_type": "nifti",
			"zooms":       []float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])},
			"nifti_sform": [][]float64{
				float32s(hdr.SrowX[:]), float32s(hdr.SrowY[:]), float32s(hdr.SrowZ[:]),
			},
		},
	}, nil
}

func readNIfTIVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float32, error) {
	out := make([]float32, n)
	var err error
	switch datatype {
	case niftiUint8:
		err = readAs[uint8](r, order, out)
	case niftiInt8:
		err = readAs[int8](r, order, out)
	case niftiInt16:
		err = readAs[int16](r, order, out)
	case niftiUint16:
		err = readAs[uint16](r, order, out)
	case niftiInt32:
		err = readAs[int32](r, order, out)
	case niftiUint32:
		err = readAs[uint32](r, order, out)
	case niftiFloat32:
		err = binary.Read(r, order, out)
	case niftiFloat64:
		err = readAs[float64](r, order, out)
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
	if err != nil {
		return nil, fmt.Errorf("reading voxel data: %w", err)
	}
	return out, nil
}

func readAs[T uint8 | int8 | int16 | uint16 | int32 | uint32 | float64](r io.Reader, order binary.ByteOrder, out []float32) error {
	buf := make([]T, len(out))
	if err := binary.Read(r, order, buf); err != nil {
		return err
	}
	for i, v := range buf {
		out[i] = float32(v)
	}
	return nil
}

func float32s(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
