package cache

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"lungprep/internal/models"
	"lungprep/pkg/metrics"
	"lungprep/pkg/normalize"
)

// countingLoader returns a RawLoader producing a small synthetic volume and
// the counter it increments on every call
func countingLoader() (RawLoader, *int32) {
	var calls int32
	return func() (*models.Volume, models.Spacing, normalize.Metadata, error) {
		atomic.AddInt32(&calls, 1)
		v := models.NewVolume(4, 6, 6)
		for i := range v.Data {
			v.Data[i] = float32(-900 + i)
		}
		return v, models.Spacing{2, 1, 1}, normalize.Metadata{"series_uid": "1.2.3"}, nil
	}, &calls
}

func TestPathForKey(t *testing.T) {
	dir := "/cache"
	tests := []struct {
		key  string
		want string
	}{
		{"lidc__1.2.3", "/cache/lidc__1.2.3_normalized_resampled.npz"},
		{"a/b", "/cache/a_b_normalized_resampled.npz"},
		{"../../etc/passwd", "/cache/____etc_passwd_normalized_resampled.npz"},
		{`win\path`, "/cache/win_path_normalized_resampled.npz"},
		{"", "/cache/__normalized_resampled.npz"},
	}
	for _, tt := range tests {
		got := PathForKey(dir, tt.key)
		if got != tt.want {
			t.Errorf("PathForKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
		if filepath.Dir(got) != dir {
			t.Errorf("PathForKey(%q) escapes the cache dir: %q", tt.key, got)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	v := models.NewVolume(3, 4, 5)
	for i := range v.Data {
		v.Data[i] = float32(i)*0.37 - 1000.125
	}
	ct := &normalize.CTVolume{
		Volume:  v,
		Spacing: models.Spacing{1, 0.7, 0.7},
		Metadata: normalize.Metadata{
			"spacing_mm": []float64{1, 0.7, 0.7},
			"preprocessing": map[string]any{
				"normalize_resample": map[string]any{"interpolation_order": 1},
			},
			"note": "ünïcode",
		},
	}

	path := filepath.Join(t.TempDir(), "nested", "x.npz")
	if err := SaveVolume(path, ct); err != nil {
		t.Fatalf("SaveVolume failed: %v", err)
	}
	got, err := LoadVolume(path)
	if err != nil {
		t.Fatalf("LoadVolume failed: %v", err)
	}

	if got.Volume.Shape() != v.Shape() {
		t.Errorf("Expected shape %s, got %s", v.Shape(), got.Volume.Shape())
	}
	if !reflect.DeepEqual(got.Volume.Data, v.Data) {
		t.Error("Volume data did not round-trip exactly")
	}
	if got.Spacing != ct.Spacing {
		t.Errorf("Expected spacing %v, got %v", ct.Spacing, got.Spacing)
	}
	want, err := ct.Metadata.Normalized()
	if err != nil {
		t.Fatalf("Normalized failed: %v", err)
	}
	if !reflect.DeepEqual(got.Metadata, want) {
		t.Errorf("Expected metadata %v, got %v", want, got.Metadata)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := LoadVolume(filepath.Join(t.TempDir(), "absent.npz"))
	if !errors.Is(err, ErrNotCached) {
		t.Errorf("Expected ErrNotCached, got %v", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.npz")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadVolume(path)
	if err == nil || errors.Is(err, ErrNotCached) {
		t.Errorf("Expected a read error, got %v", err)
	}
}

// TestCacheHitSuppressesLoad checks the raw loader runs once across two calls,
// and again when recomputation is forced
func TestCacheHitSuppressesLoad(t *testing.T) {
	dir := t.TempDir()
	load, calls := countingLoader()
	opts := normalize.DefaultOptions()

	first, path, err := NormalizeAndResampleWithCache("lidc__1.2.3", load, dir, false, opts)
	if err != nil {
		t.Fatalf("First call failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected cache file at %s: %v", path, err)
	}

	second, path2, err := NormalizeAndResampleWithCache("lidc__1.2.3", load, dir, false, opts)
	if err != nil {
		t.Fatalf("Second call failed: %v", err)
	}
	if path2 != path {
		t.Errorf("Expected same path, got %s and %s", path, path2)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("Expected loader to run once, ran %d times", got)
	}
	if !reflect.DeepEqual(first.Volume.Data, second.Volume.Data) {
		t.Error("Cached volume differs from the computed one")
	}
	if second.Spacing != opts.TargetSpacing {
		t.Errorf("Expected spacing %v, got %v", opts.TargetSpacing, second.Spacing)
	}

	if _, _, err := NormalizeAndResampleWithCache("lidc__1.2.3", load, dir, true, opts); err != nil {
		t.Fatalf("Forced call failed: %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("Expected loader to run twice after force, ran %d times", got)
	}
}

func TestLoaderErrorPropagates(t *testing.T) {
	boom := errors.New("disk on fire")
	load := func() (*models.Volume, models.Spacing, normalize.Metadata, error) {
		return nil, models.Spacing{}, nil, boom
	}
	store := NewStore(t.TempDir())
	_, path, err := store.NormalizeAndResample("k", load, false, normalize.DefaultOptions())
	if !errors.Is(err, boom) {
		t.Errorf("Expected loader error, got %v", err)
	}
	if store.Exists("k") {
		t.Errorf("Expected no archive at %s after a failed build", path)
	}
}

func TestConcurrentSameKeyBuildsOnce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	load := func() (*models.Volume, models.Spacing, normalize.Metadata, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return models.NewVolume(2, 2, 2), models.Spacing{1, 1, 1}, nil, nil
	}

	m := metrics.New()
	store := NewStore(t.TempDir(), WithLogger(zap.NewNop()), WithMetrics(m))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.NormalizeAndResample("same", load, false, normalize.DefaultOptions())
			errs <- err
		}()
	}
	// let the first build start before unblocking it
	for atomic.LoadInt32(&calls) == 0 {
		runtime.Gosched()
	}
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	// late arrivals may hit the finished archive; none may rebuild
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected one build, got %d", got)
	}
	if !store.Exists("same") {
		t.Error("Expected archive to exist")
	}
	entries, _ := os.ReadDir(store.Dir())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("Temporary file left behind: %s", e.Name())
		}
	}
}