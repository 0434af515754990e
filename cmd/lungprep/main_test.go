package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"lungprep/pkg/cache"
	"lungprep/pkg/config"
	"lungprep/pkg/metadata"
	"lungprep/pkg/npy"
)

// executeCommand runs cmd with args and returns its captured cobra output.
func executeCommand(ctx context.Context, cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

// withConfigPath points the global --config value at path for one test.
func withConfigPath(t *testing.T, path string) {
	t.Helper()
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preprocess.toml")

	if _, err := executeCommand(context.Background(), newInitConfigCmd(), path); err != nil {
		t.Fatalf("init-config failed: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load written config: %v", err)
	}
	if cfg.Preprocess.Segmentation.HUThreshold != -320 {
		t.Errorf("Expected default hu_threshold -320, got %v", cfg.Preprocess.Segmentation.HUThreshold)
	}

	// A second run must refuse to overwrite.
	if _, err := executeCommand(context.Background(), newInitConfigCmd(), path); err == nil {
		t.Error("Expected error when config already exists")
	}
	if _, err := executeCommand(context.Background(), newInitConfigCmd(), "--force", path); err != nil {
		t.Errorf("Expected --force to overwrite, got %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	dataRoot := filepath.Join(dir, "raw")
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		t.Fatal(err)
	}

	// Soft tissue only: no lung is found, so the whole volume is masked to air.
	const n = 8
	data := make([]float32, n*n*n)
	for i := range data {
		data[i] = 100
	}
	if err := npy.WriteFile(filepath.Join(dataRoot, "scan.npy"), npy.Float32([]int{n, n, n}, data)); err != nil {
		t.Fatal(err)
	}

	csv := "series_uid,raw_image_path\n1.2.3,scan.npy\n"
	if err := os.WriteFile(filepath.Join(dir, "metadata.csv"), []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}

	cfgYAML := `dataset:
  name: nlst
  metadata_csv: metadata.csv
paths:
  data_root: raw
  output_root: out
preprocess:
  cache:
    manifest_path: out/manifest.db
dask:
  n_workers: 2
metrics:
  textfile: out/lungprep.prom
`
	cfgPath := filepath.Join(dir, "preprocess.yml")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0644); err != nil {
		t.Fatal(err)
	}
	withConfigPath(t, cfgPath)

	if _, err := executeCommand(context.Background(), newRunCmd(), "--run-id", "test-run"); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	volPath := cache.PathForKey(filepath.Join(dir, "out", "nlst", "volumes"), "nlst__1.2.3")
	ct, err := cache.LoadVolume(volPath)
	if err != nil {
		t.Fatalf("Expected cached volume at %s: %v", volPath, err)
	}
	if got := ct.Volume.Shape(); got[0] != n || got[1] != n || got[2] != n {
		t.Errorf("Expected shape %dx%dx%d, got %s", n, n, n, got)
	}
	for i, v := range ct.Volume.Data {
		if v != -1000 {
			t.Fatalf("Expected masked voxel %d clamped to -1000, got %v", i, v)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "out", "nlst", "lung_masks", "nlst__1.2.3_lungmask.npy")); err != nil {
		t.Errorf("Expected lung mask on disk: %v", err)
	}

	prom, err := os.ReadFile(filepath.Join(dir, "out", "lungprep.prom"))
	if err != nil {
		t.Fatalf("Expected metrics textfile: %v", err)
	}
	if !strings.Contains(string(prom), "lungprep_series_total") {
		t.Error("Expected lungprep_series_total in metrics textfile")
	}

	manifest, err := metadata.OpenManifest(filepath.Join(dir, "out", "manifest.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer manifest.Close()
	records, err := manifest.ListRun(context.Background(), "test-run")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 manifest record, got %d", len(records))
	}
	if records[0].Status != metadata.StatusOK || records[0].CachePath != volPath {
		t.Errorf("Unexpected manifest record: %+v", records[0])
	}
}
