// Package cache persists normalized volumes as .npz archives keyed by a
// string, and serves them back without recomputation.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"lungprep/internal/models"
	"lungprep/pkg/normalize"
	"lungprep/pkg/npy"
)

// ErrNotCached is returned by LoadVolume when no archive exists at the path.
var ErrNotCached = errors.New("no cached volume")

// Archive entry names.
const (
	entryData     = "data"
	entrySpacing  = "spacing"
	entryMetadata = "metadata_json"
)

const fileSuffix = "_normalized_resampled.npz"

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

// PathForKey derives the archive path for key inside cacheDir. Path
// separators and parent references in the key are replaced so the result is
// always a direct child of cacheDir.
func PathForKey(cacheDir, key string) string {
	safe := keyReplacer.Replace(key)
	if safe == "" || safe == "." {
		safe = "_"
	}
	return filepath.Join(cacheDir, safe+fileSuffix)
}

// SaveVolume writes ct to path as a compressed archive holding the float32
// volume, the float64 spacing and the JSON-encoded metadata. The file is
// replaced atomically.
func SaveVolume(path string, ct *normalize.CTVolume) error {
	if err := ct.Volume.Validate(); err != nil {
		return err
	}
	meta := ct.Metadata
	if meta == nil {
		meta = normalize.Metadata{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	shape := ct.Volume.Shape()
	return npy.WriteArchiveFile(path, map[string]*npy.Array{
		entryData:     npy.Float32(shape[:], ct.Volume.Data),
		entrySpacing:  npy.Float64([]int{3}, ct.Spacing.Slice()),
		entryMetadata: npy.Unicode(string(metaJSON)),
	})
}

// LoadVolume reads an archive written by SaveVolume. Archives with float32
// spacing are accepted too. Metadata comes back in its JSON-decoded form.
func LoadVolume(path string) (*normalize.CTVolume, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNotCached, path)
		}
		return nil, err
	}

	arrays, err := npy.ReadArchiveFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	for _, name := range []string{entryData, entrySpacing, entryMetadata} {
		if arrays[name] == nil {
			return nil, fmt.Errorf("archive %s has no %q entry", path, name)
		}
	}

	data, err := arrays[entryData].Float32s()
	if err != nil {
		return nil, fmt.Errorf("decoding data: %w", err)
	}
	volume, err := models.VolumeFromShape(arrays[entryData].Shape, data)
	if err != nil {
		return nil, err
	}

	sp, err := arrays[entrySpacing].Float64s()
	if err != nil {
		return nil, fmt.Errorf("decoding spacing: %w", err)
	}
	if len(sp) != 3 {
		return nil, fmt.Errorf("expected 3 spacing values, got %d", len(sp))
	}

	metaJSON, err := arrays[entryMetadata].Text()
	if err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	meta := normalize.Metadata{}
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	return &normalize.CTVolume{
		Volume:   volume,
		Spacing:  models.Spacing{sp[0], sp[1], sp[2]},
		Metadata: meta,
	}, nil
}
