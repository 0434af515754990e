package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// scrape writes m to a textfile and returns its contents
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lungprep.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read textfile: %v", err)
	}
	return string(data)
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveSeries(nil, time.Second)
	m.ObserveSeries(nil, 2*time.Second)
	m.ObserveSeries(errors.New("boom"), time.Second)
	m.CacheHit()
	m.CacheMiss(false)
	m.CacheMiss(true)

	out := scrape(t, m)
	for _, line := range []string{
		`lungprep_series_total{status="ok"} 2`,
		`lungprep_series_total{status="error"} 1`,
		`lungprep_cache_lookups_total{result="hit"} 1`,
		`lungprep_cache_lookups_total{result="miss"} 1`,
		`lungprep_cache_lookups_total{result="forced"} 1`,
		`lungprep_series_duration_seconds_count 3`,
	} {
		if !strings.Contains(out, line) {
			t.Errorf("Expected %q in output:\n%s", line, out)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveSeries(nil, time.Second)
	m.CacheHit()
	m.CacheMiss(true)
	m.ObserveLungVoxels(10)
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveSeries(nil, time.Second)
	m.ObserveLungVoxels(50000)

	out := scrape(t, m)
	for _, name := range []string{"lungprep_series_total", "lungprep_lung_mask_voxels", "lungprep_series_duration_seconds"} {
		if !strings.Contains(out, name) {
			t.Errorf("Expected %s in textfile output", name)
		}
	}
}
