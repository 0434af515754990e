package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lungprep/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Preprocess.Segmentation.HUThreshold != -320 {
		t.Errorf("Expected hu_threshold -320, got %f", cfg.Preprocess.Segmentation.HUThreshold)
	}
	if cfg.Preprocess.Normalization.TargetSpacing != (models.Spacing{1, 1, 1}) {
		t.Errorf("Expected 1mm target spacing, got %v", cfg.Preprocess.Normalization.TargetSpacing)
	}
	if cfg.Preprocess.InputPathField != "raw_image_path" || cfg.Preprocess.SeriesUIDField != "series_uid" {
		t.Errorf("Unexpected field names: %q %q", cfg.Preprocess.InputPathField, cfg.Preprocess.SeriesUIDField)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestLoadConfigMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Preprocess.Normalization.InterpolationOrder != 1 {
		t.Errorf("Expected default config, got %+v", cfg)
	}
}

const sampleYAML = `
dataset:
  name: nlst
  metadata_csv: meta/nlst.csv
  limit: 20
paths:
  data_root: /data
  output_root: out
preprocess:
  segmentation:
    hu_threshold: -400
    num_components_to_keep: 1
  normalization:
    target_spacing: [1.5, 0.8, 0.8]
    hu_window: [-1100, 300]
    interpolation_order: 3
  cache:
    force_recompute: true
dask:
  n_workers: 2
`

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preprocess.yml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Dataset.Name != "nlst" || cfg.Dataset.Limit != 20 {
		t.Errorf("Unexpected dataset section: %+v", cfg.Dataset)
	}
	if cfg.Dataset.MetadataCSV != filepath.Join(dir, "meta/nlst.csv") {
		t.Errorf("Expected metadata_csv relative to config dir, got %q", cfg.Dataset.MetadataCSV)
	}
	if cfg.Paths.DataRoot != "/data" {
		t.Errorf("Expected absolute data_root to be kept, got %q", cfg.Paths.DataRoot)
	}
	if cfg.Paths.OutputRoot != filepath.Join(dir, "out") {
		t.Errorf("Expected output_root relative to config dir, got %q", cfg.Paths.OutputRoot)
	}

	seg := cfg.Preprocess.Segmentation
	if seg.HUThreshold != -400 || seg.NumComponentsToKeep != 1 {
		t.Errorf("Unexpected segmentation overrides: %+v", seg)
	}
	// unspecified keys keep their defaults
	if seg.MinComponentSize != 10000 || seg.ClosingIterations != 2 || !seg.FillHoles {
		t.Errorf("Expected untouched segmentation defaults, got %+v", seg)
	}

	norm := cfg.Preprocess.Normalization
	if norm.TargetSpacing != (models.Spacing{1.5, 0.8, 0.8}) || norm.HUWindow != [2]float64{-1100, 300} || norm.InterpolationOrder != 3 {
		t.Errorf("Unexpected normalization: %+v", norm)
	}
	if norm.DenoiseSigma != 0.75 {
		t.Errorf("Expected default denoise_sigma, got %f", norm.DenoiseSigma)
	}
	if !cfg.Preprocess.Cache.ForceRecompute || cfg.Dask.NWorkers != 2 {
		t.Errorf("Unexpected cache/dask: %+v %+v", cfg.Preprocess.Cache, cfg.Dask)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config: %v", err)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	const doc = `
[dataset]
name = "lidc"

[preprocess.normalization]
target_spacing = [2.0, 1.0, 1.0]
apply_denoising = true

[dask]
n_workers = 3
`
	path := filepath.Join(t.TempDir(), "preprocess.toml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Dataset.Name != "lidc" || cfg.Dask.NWorkers != 3 {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	norm := cfg.Preprocess.Normalization
	if norm.TargetSpacing != (models.Spacing{2, 1, 1}) || !norm.ApplyDenoising {
		t.Errorf("Unexpected normalization: %+v", norm)
	}
	if norm.HUWindow != [2]float64{-1000, 400} {
		t.Errorf("Expected default hu_window, got %v", norm.HUWindow)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("dataset: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero spacing", func(c *Config) { c.Preprocess.Normalization.TargetSpacing = models.Spacing{1, 0, 1} }, "target_spacing"},
		{"inverted window", func(c *Config) { c.Preprocess.Normalization.HUWindow = [2]float64{400, -1000} }, "hu_window"},
		{"bad order", func(c *Config) { c.Preprocess.Normalization.InterpolationOrder = 2 }, "interpolation_order"},
		{"no workers", func(c *Config) { c.Dask.NWorkers = 0 }, "n_workers"},
		{"no path field", func(c *Config) { c.Preprocess.InputPathField = "" }, "input_path_field"},
		{"negative sigma", func(c *Config) { c.Preprocess.Normalization.DenoiseSigma = -1 }, "denoise_sigma"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	for _, name := range []string{"cfg.yml", "cfg.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Dataset.Name = "copdgene"
			cfg.Paths.DataRoot = "/srv/data"
			cfg.Preprocess.Segmentation.FillHoles = false

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			got, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig failed: %v", err)
			}
			if got.Dataset.Name != "copdgene" || got.Paths.DataRoot != "/srv/data" || got.Preprocess.Segmentation.FillHoles {
				t.Errorf("Round trip lost values: %+v", got)
			}
			if got.Preprocess.Normalization != cfg.Preprocess.Normalization {
				t.Errorf("Expected normalization %+v, got %+v", cfg.Preprocess.Normalization, got.Preprocess.Normalization)
			}
		})
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"hu_threshold", "target_spacing", "n_workers", "force_recompute"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Expected %s in default config file", key)
		}
	}
}
