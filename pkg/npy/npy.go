// Package npy reads and writes NumPy .npy arrays and .npz archives, the on-disk
// formats of lung masks and cached normalized volumes.
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var magic = []byte("\x93NUMPY")

// headerAlign is the alignment numpy uses for the preamble plus header.
const headerAlign = 64

// ErrUnsupportedDtype is returned for dtypes this package does not decode.
var ErrUnsupportedDtype = errors.New("unsupported npy dtype")

// Array is a decoded .npy array. Data holds one of []float32, []float64,
// []uint8, []int8, []int16, []uint16, []int32, []uint32, []int64, []bool or
// string (for 0-d unicode arrays).
type Array struct {
	Descr        string
	Shape        []int
	FortranOrder bool
	Data         any
}

// Float32 wraps data as a C-ordered little-endian float32 array.
func Float32(shape []int, data []float32) *Array {
	return &Array{Descr: "<f4", Shape: shape, Data: data}
}

// Float64 wraps data as a C-ordered little-endian float64 array.
func Float64(shape []int, data []float64) *Array {
	return &Array{Descr: "<f8", Shape: shape, Data: data}
}

// Uint8 wraps data as a C-ordered uint8 array.
func Uint8(shape []int, data []uint8) *Array {
	return &Array{Descr: "|u1", Shape: shape, Data: data}
}

// Unicode wraps s as a 0-d numpy unicode scalar, the form np.asarray(str) takes.
func Unicode(s string) *Array {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		n = 1
	}
	return &Array{Descr: fmt.Sprintf("<U%d", n), Shape: []int{}, Data: s}
}

// Len returns the number of elements implied by the shape.
func (a *Array) Len() int {
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

// Float32s returns the array data converted to float32 in C order.
func (a *Array) Float32s() ([]float32, error) {
	var out []float32
	switch d := a.Data.(type) {
	case []float32:
		out = make([]float32, len(d))
		copy(out, d)
	case []float64:
		out = convert(d)
	case []uint8:
		out = convert(d)
	case []int8:
		out = convert(d)
	case []int16:
		out = convert(d)
	case []uint16:
		out = convert(d)
	case []int32:
		out = convert(d)
	case []uint32:
		out = convert(d)
	case []int64:
		out = convert(d)
	case []bool:
		out = make([]float32, len(d))
		for i, b := range d {
			if b {
				out[i] = 1
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s is not numeric", ErrUnsupportedDtype, a.Descr)
	}
	if a.FortranOrder && len(a.Shape) > 1 {
		out = fortranToC(out, a.Shape)
	}
	return out, nil
}

// Float64s returns the array data converted to float64 in C order.
func (a *Array) Float64s() ([]float64, error) {
	if d, ok := a.Data.([]float64); ok {
		out := make([]float64, len(d))
		copy(out, d)
		if a.FortranOrder && len(a.Shape) > 1 {
			out = fortranToC(out, a.Shape)
		}
		return out, nil
	}
	f, err := a.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out, nil
}

// Text returns the value of a 0-d unicode array.
func (a *Array) Text() (string, error) {
	s, ok := a.Data.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a unicode scalar", ErrUnsupportedDtype, a.Descr)
	}
	return s, nil
}

type number interface {
	~float64 | ~uint8 | ~int8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64
}

func convert[T number](in []T) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// fortranToC reorders column-major data into row-major order.
func fortranToC[T any](in []T, shape []int) []T {
	out := make([]T, len(in))
	n := len(shape)
	idx := make([]int, n)
	for c := range out {
		// idx is the C-order multi-index of c; compute its Fortran offset.
		f, stride := 0, 1
		for k := 0; k < n; k++ {
			f += idx[k] * stride
			stride *= shape[k]
		}
		out[c] = in[f]
		for k := n - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return out
}

// Write encodes a as a version 1.0 .npy stream.
func Write(w io.Writer, a *Array) error {
	if a.FortranOrder {
		return fmt.Errorf("writing fortran-ordered arrays is not supported")
	}
	if s, ok := a.Data.(string); ok {
		return writeUnicode(w, a.Descr, s)
	}
	if n := dataLen(a.Data); n != a.Len() {
		return fmt.Errorf("shape %v needs %d elements, have %d", a.Shape, a.Len(), n)
	}
	if err := writeHeader(w, a.Descr, a.Shape); err != nil {
		return err
	}
	return binary.Write(w, byteOrder(a.Descr), a.Data)
}

func writeUnicode(w io.Writer, descr, s string) error {
	width, err := strconv.Atoi(descr[2:])
	if err != nil || descr[1] != 'U' {
		return fmt.Errorf("%w: %s", ErrUnsupportedDtype, descr)
	}
	if err := writeHeader(w, descr, nil); err != nil {
		return err
	}
	runes := make([]uint32, width)
	i := 0
	for _, r := range s {
		if i >= width {
			break
		}
		runes[i] = uint32(r)
		i++
	}
	return binary.Write(w, binary.LittleEndian, runes)
}

func writeHeader(w io.Writer, descr string, shape []int) error {
	dims := make([]string, len(shape))
	for i, s := range shape {
		dims[i] = strconv.Itoa(s)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)

	// magic(6) + version(2) + header length(2)
	preamble := len(magic) + 4
	total := preamble + len(header) + 1
	if rem := total % headerAlign; rem != 0 {
		header += strings.Repeat(" ", headerAlign-rem)
	}
	header += "\n"
	if len(header) > 0xffff {
		return fmt.Errorf("npy header too long: %d bytes", len(header))
	}

	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	_, err := w.Write(buf.Bytes())
	return err
}

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// Read decodes a .npy stream.
func Read(r io.Reader) (*Array, error) {
	br := bufio.NewReader(r)
	pre := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, fmt.Errorf("reading npy preamble: %w", err)
	}
	if !bytes.Equal(pre[:len(magic)], magic) {
		return nil, fmt.Errorf("not an npy stream")
	}

	var headerLen int
	switch major := pre[len(magic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("unsupported npy version %d", major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("reading npy header: %w", err)
	}
	a, err := parseHeader(string(header))
	if err != nil {
		return nil, err
	}
	if err := readData(br, a); err != nil {
		return nil, err
	}
	return a, nil
}

func parseHeader(h string) (*Array, error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("npy header has no descr: %q", h)
	}
	a := &Array{Descr: m[1]}
	if f := fortranRe.FindStringSubmatch(h); f != nil {
		a.FortranOrder = f[1] == "True"
	}
	s := shapeRe.FindStringSubmatch(h)
	if s == nil {
		return nil, fmt.Errorf("npy header has no shape: %q", h)
	}
	a.Shape = []int{}
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "L"))
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad npy shape %q: %w", s[1], err)
		}
		a.Shape = append(a.Shape, n)
	}
	return a, nil
}

func readData(r io.Reader, a *Array) error {
	if len(a.Descr) < 3 {
		return fmt.Errorf("%w: %s", ErrUnsupportedDtype, a.Descr)
	}
	n := a.Len()
	order := byteOrder(a.Descr)
	kind := a.Descr[1:]

	if kind[0] == 'U' {
		width, err := strconv.Atoi(kind[1:])
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedDtype, a.Descr)
		}
		runes := make([]uint32, width*n)
		if err := binary.Read(r, order, runes); err != nil {
			return fmt.Errorf("reading unicode data: %w", err)
		}
		var sb strings.Builder
		for _, c := range runes {
			if c == 0 {
				break
			}
			sb.WriteRune(rune(c))
		}
		a.Data = sb.String()
		return nil
	}

	var data any
	switch kind {
	case "f4":
		data = make([]float32, n)
	case "f8":
		data = make([]float64, n)
	case "u1":
		data = make([]uint8, n)
	case "i1":
		data = make([]int8, n)
	case "i2":
		data = make([]int16, n)
	case "u2":
		data = make([]uint16, n)
	case "i4":
		data = make([]int32, n)
	case "u4":
		data = make([]uint32, n)
	case "i8":
		data = make([]int64, n)
	case "b1":
		data = make([]bool, n)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDtype, a.Descr)
	}
	if err := binary.Read(r, order, data); err != nil {
		return fmt.Errorf("reading %s data: %w", a.Descr, err)
	}
	a.Data = data
	return nil
}

func byteOrder(descr string) binary.ByteOrder {
	if strings.HasPrefix(descr, ">") {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func dataLen(data any) int {
	switch d := data.(type) {
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	case []uint8:
		return len(d)
	case []int8:
		return len(d)
	case []int16:
		return len(d)
	case []uint16:
		return len(d)
	case []int32:
		return len(d)
	case []uint32:
		return len(d)
	case []int64:
		return len(d)
	case []bool:
		return len(d)
	}
	return -1
}

// ReadFile decodes the .npy file at path.
func ReadFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// WriteFile writes a to path atomically: readers see either the previous file
// or the complete new one.
func WriteFile(path string, a *Array) error {
	return writeAtomic(path, func(w io.Writer) error {
		return Write(w, a)
	})
}

// writeAtomic writes through a temp file in the destination directory and
// renames it over path once fully flushed.
func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
