// Package config provides configuration loading and management for lungprep.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"lungprep/pkg/normalize"
	"lungprep/pkg/segmentation"
)

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Dataset selects the metadata table to process
	Dataset struct {
		// Name is the dataset identifier; it fills dataset_name where rows lack one
		Name string `yaml:"name" toml:"name"`

		// MetadataCSV is the path to the per-scan metadata table
		MetadataCSV string `yaml:"metadata_csv" toml:"metadata_csv"`

		// Limit keeps only the first N rows when positive
		Limit int `yaml:"limit" toml:"limit"`
	} `yaml:"dataset" toml:"dataset"`

	// Paths locates inputs and outputs
	Paths struct {
		// DataRoot is the base directory for raw image paths
		DataRoot string `yaml:"data_root" toml:"data_root"`

		// OutputRoot is the base directory for masks and cached volumes
		OutputRoot string `yaml:"output_root" toml:"output_root"`
	} `yaml:"paths" toml:"paths"`

	// Preprocess holds the per-series processing parameters
	Preprocess struct {
		// InputPathField is the row field holding the raw image path
		InputPathField string `yaml:"input_path_field" toml:"input_path_field"`

		// SeriesUIDField is the row field holding the series identifier
		SeriesUIDField string `yaml:"series_uid_field" toml:"series_uid_field"`

		Segmentation segmentation.Config `yaml:"segmentation" toml:"segmentation"`

		Normalization normalize.Options `yaml:"normalization" toml:"normalization"`

		Cache struct {
			// ForceRecompute ignores existing cache entries
			ForceRecompute bool `yaml:"force_recompute" toml:"force_recompute"`

			// ManifestPath is the sqlite run manifest; empty disables it
			ManifestPath string `yaml:"manifest_path" toml:"manifest_path"`
		} `yaml:"cache" toml:"cache"`
	} `yaml:"preprocess" toml:"preprocess"`

	// Dask sizes the worker pool. The section name is kept for compatibility
	// with existing pipeline configs.
	Dask struct {
		// NWorkers is the number of series processed concurrently
		NWorkers int `yaml:"n_workers" toml:"n_workers"`

		// ThreadsPerWorker is accepted for compatibility; array work inside a
		// series already uses every core
		ThreadsPerWorker int `yaml:"threads_per_worker" toml:"threads_per_worker"`
	} `yaml:"dask" toml:"dask"`

	Logging struct {
		// Debug switches to the human-readable development logger
		Debug bool `yaml:"debug" toml:"debug"`
	} `yaml:"logging" toml:"logging"`

	Metrics struct {
		// Textfile is where run counters are written; empty disables it
		Textfile string `yaml:"textfile" toml:"textfile"`
	} `yaml:"metrics" toml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Paths.DataRoot = "data"
	cfg.Paths.OutputRoot = "data/cache/preprocess"

	cfg.Preprocess.InputPathField = "raw_image_path"
	cfg.Preprocess.SeriesUIDField = "series_uid"
	cfg.Preprocess.Segmentation = segmentation.DefaultConfig()
	cfg.Preprocess.Normalization = normalize.DefaultOptions()

	// Use a handful of workers by default; each series is itself parallel
	cfg.Dask.NWorkers = min(4, runtime.NumCPU())
	cfg.Dask.ThreadsPerWorker = 1

	return cfg
}

// LoadConfig loads configuration from a YAML or TOML file (chosen by the
// .toml extension). If the file doesn't exist, it returns the default
// configuration. Relative paths in the file are resolved against its directory.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	cfg.resolvePaths(filepath.Dir(configPath))
	return cfg, nil
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.Dataset.MetadataCSV,
		&c.Paths.DataRoot,
		&c.Paths.OutputRoot,
		&c.Preprocess.Cache.ManifestPath,
		&c.Metrics.Textfile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate checks the configuration before any work starts
func (c *Config) Validate() error {
	var errs []error
	if c.Preprocess.InputPathField == "" {
		errs = append(errs, errors.New("preprocess.input_path_field must be set"))
	}
	if c.Preprocess.SeriesUIDField == "" {
		errs = append(errs, errors.New("preprocess.series_uid_field must be set"))
	}
	norm := c.Preprocess.Normalization
	if err := norm.TargetSpacing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("preprocess.normalization.target_spacing: %w", err))
	}
	if norm.HUWindow[0] >= norm.HUWindow[1] {
		errs = append(errs, fmt.Errorf("preprocess.normalization.hu_window: min %.1f must be below max %.1f",
			norm.HUWindow[0], norm.HUWindow[1]))
	}
	if norm.DenoiseSigma < 0 {
		errs = append(errs, fmt.Errorf("preprocess.normalization.denoise_sigma must be non-negative, got %f", norm.DenoiseSigma))
	}
	if !validOrder(norm.InterpolationOrder) {
		errs = append(errs, fmt.Errorf("preprocess.normalization.interpolation_order: unsupported order %d (supported: %v)",
			norm.InterpolationOrder, normalize.SupportedOrders))
	}
	if c.Preprocess.Segmentation.ClosingIterations < 0 {
		errs = append(errs, errors.New("preprocess.segmentation.closing_iterations must be non-negative"))
	}
	if c.Dask.NWorkers < 1 {
		errs = append(errs, fmt.Errorf("dask.n_workers must be at least 1, got %d", c.Dask.NWorkers))
	}
	return errors.Join(errs...)
}

func validOrder(order int) bool {
	for _, o := range normalize.SupportedOrders {
		if o == order {
			return true
		}
	}
	return false
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
