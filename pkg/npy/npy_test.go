package npy

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// TestHeaderAlignment verifies the preamble plus header is 64-byte aligned
func TestHeaderAlignment(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, Float32([]int{2, 3, 4}, make([]float32, 24))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	b := buf.Bytes()
	headerLen := int(b[8]) | int(b[9])<<8
	if (10+headerLen)%64 != 0 {
		t.Errorf("Expected 64-byte aligned header, got total %d", 10+headerLen)
	}
	if b[10+headerLen-1] != '\n' {
		t.Error("Header must end with a newline")
	}
	if len(b) != 10+headerLen+24*4 {
		t.Errorf("Unexpected stream length %d", len(b))
	}
}

func TestFloat32Volume(t *testing.T) {
	data := make([]float32, 2*3*4)
	for i := range data {
		data[i] = float32(i) * 0.5
	}

	var buf bytes.Buffer
	if err := Write(&buf, Float32([]int{2, 3, 4}, data)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	arr, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if arr.Descr != "<f4" {
		t.Errorf("Expected descr <f4, got %s", arr.Descr)
	}
	if len(arr.Shape) != 3 || arr.Shape[0] != 2 || arr.Shape[1] != 3 || arr.Shape[2] != 4 {
		t.Errorf("Expected shape [2 3 4], got %v", arr.Shape)
	}
	got, err := arr.Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("Element %d: expected %f, got %f", i, data[i], got[i])
		}
	}
}

func TestOneDimensionalShape(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, Float64([]int{3}, []float64{2.5, 0.8, 0.8})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("'shape': (3,)")) {
		t.Errorf("Expected python 1-tuple shape in header, got %q", buf.String()[:80])
	}

	arr, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	spacing, err := arr.Float64s()
	if err != nil {
		t.Fatalf("Float64s failed: %v", err)
	}
	if spacing[0] != 2.5 || spacing[1] != 0.8 || spacing[2] != 0.8 {
		t.Errorf("Unexpected spacing %v", spacing)
	}
}

func TestUnicodeScalar(t *testing.T) {
	s := `{"dataset_name": "nlst", "note": "µm"}`

	var buf bytes.Buffer
	if err := Write(&buf, Unicode(s)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	arr, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(arr.Shape) != 0 {
		t.Errorf("Expected 0-d shape, got %v", arr.Shape)
	}
	got, err := arr.Text()
	if err != nil {
		t.Fatalf("String failed: %v", err)
	}
	if got != s {
		t.Errorf("Expected %q, got %q", s, got)
	}
}

func TestFortranOrder(t *testing.T) {
	// 2x3 array [[0 1 2] [3 4 5]] stored column-major
	arr := &Array{
		Descr:        "<f4",
		Shape:        []int{2, 3},
		FortranOrder: true,
		Data:         []float32{0, 3, 1, 4, 2, 5},
	}
	got, err := arr.Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	for i, v := range got {
		if v != float32(i) {
			t.Errorf("Element %d: expected %d, got %f", i, i, v)
		}
	}
}

func TestArchiveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "vol.npz")

	arrays := map[string]*Array{
		"data":          Float32([]int{1, 2, 2}, []float32{-1000, 0, 1.25, 400}),
		"spacing":       Float64([]int{3}, []float64{1, 1, 1}),
		"metadata_json": Unicode(`{"a": 1}`),
	}
	if err := WriteArchiveFile(path, arrays); err != nil {
		t.Fatalf("WriteArchiveFile failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the archive in the directory, found %d entries", len(entries))
	}

	got, err := ReadArchiveFile(path)
	if err != nil {
		t.Fatalf("ReadArchiveFile failed: %v", err)
	}
	for _, name := range []string{"data", "spacing", "metadata_json"} {
		if _, ok := got[name]; !ok {
			t.Errorf("Archive is missing %q", name)
		}
	}
	meta, _ := got["metadata_json"].Text()
	if meta != `{"a": 1}` {
		t.Errorf("Unexpected metadata %q", meta)
	}
}

func TestUint8Mask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.npy")
	if err := WriteFile(path, Uint8([]int{1, 1, 3}, []uint8{0, 1, 1})); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	arr, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if arr.Descr != "|u1" {
		t.Errorf("Expected descr |u1, got %s", arr.Descr)
	}
	data := arr.Data.([]uint8)
	if data[0] != 0 || data[1] != 1 || data[2] != 1 {
		t.Errorf("Unexpected mask data %v", data)
	}
}
