package npy

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ArchiveWriter builds a compressed .npz archive, the layout np.savez_compressed produces.
type ArchiveWriter struct {
	zw *zip.Writer
}

// NewArchiveWriter starts an archive on w. Close must be called to finish it.
func NewArchiveWriter(w io.Writer) *ArchiveWriter {
	return &ArchiveWriter{zw: zip.NewWriter(w)}
}

// Add stores a under name; the ".npy" suffix is appended.
func (a *ArchiveWriter) Add(name string, arr *Array) error {
	fw, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:   name + ".npy",
		Method: zip.Deflate,
	})
	if err != nil {
		return fmt.Errorf("adding %s to archive: %w", name, err)
	}
	if err := Write(fw, arr); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Close writes the zip central directory.
func (a *ArchiveWriter) Close() error {
	return a.zw.Close()
}

// WriteArchiveFile atomically writes the named arrays to path as an .npz archive.
// Entries are written in name order so identical inputs produce identical files.
func WriteArchiveFile(path string, arrays map[string]*Array) error {
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	return writeAtomic(path, func(w io.Writer) error {
		aw := NewArchiveWriter(w)
		for _, name := range names {
			if err := aw.Add(name, arrays[name]); err != nil {
				return err
			}
		}
		return aw.Close()
	})
}

// ReadArchiveFile decodes every array in the .npz archive at path, keyed by
// entry name without the ".npy" suffix.
func ReadArchiveFile(path string) (map[string]*Array, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out := make(map[string]*Array, len(zr.File))
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		arr, err := Read(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.Name, err)
		}
		out[strings.TrimSuffix(f.Name, ".npy")] = arr
	}
	return out, nil
}
