package cache

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"lungprep/internal/models"
	"lungprep/pkg/logging"
	"lungprep/pkg/metrics"
	"lungprep/pkg/normalize"
)

// RawLoader produces the unnormalized input for a cache miss. It is only
// called when the archive is absent or recomputation is forced.
type RawLoader func() (*models.Volume, models.Spacing, normalize.Metadata, error)

// Store serves normalized volumes from a cache directory. Concurrent builds
// of the same key within one process share a single computation.
type Store struct {
	dir     string
	logger  *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for hit/miss events.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics records cache lookups in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store rooted at dir. The directory is created on the
// first write.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the archive path for key.
func (s *Store) Path(key string) string {
	return PathForKey(s.dir, key)
}

// NormalizeAndResample returns the cached volume for key, or loads the raw
// volume, normalizes it with opts and persists the result. The returned
// volume may be shared with concurrent callers of the same key and must not
// be modified.
func (s *Store) NormalizeAndResample(key string, loadRaw RawLoader, forceRecompute bool, opts normalize.Options) (*normalize.CTVolume, string, error) {
	path := s.Path(key)

	v, err, _ := s.group.Do(path, func() (any, error) {
		return s.getOrBuild(key, path, loadRaw, forceRecompute, opts)
	})
	if err != nil {
		return nil, path, err
	}
	return v.(*normalize.CTVolume), path, nil
}

func (s *Store) getOrBuild(key, path string, loadRaw RawLoader, forceRecompute bool, opts normalize.Options) (*normalize.CTVolume, error) {
	if !forceRecompute {
		ct, err := LoadVolume(path)
		if err == nil {
			s.metrics.CacheHit()
			s.logger.Debug("cache hit", zap.String("cache_key", key), zap.String("cache_path", path))
			return ct, nil
		}
		if !errors.Is(err, ErrNotCached) {
			return nil, err
		}
	}
	s.metrics.CacheMiss(forceRecompute)
	s.logger.Debug("cache miss",
		zap.String("cache_key", key),
		zap.String("cache_path", path),
		zap.Bool("forced", forceRecompute))

	volume, spacing, meta, err := loadRaw()
	if err != nil {
		return nil, fmt.Errorf("loading raw volume for %s: %w", key, err)
	}

	ct, err := normalize.NormalizeAndResample(volume, spacing, meta, opts)
	if err != nil {
		return nil, fmt.Errorf("normalizing %s: %w", key, err)
	}

	if err := SaveVolume(path, ct); err != nil {
		return nil, fmt.Errorf("saving %s: %w", path, err)
	}
	return ct, nil
}

// Exists reports whether an archive for key is present.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// NormalizeAndResampleWithCache is the one-shot form of Store.NormalizeAndResample
// for a single cache directory.
func NormalizeAndResampleWithCache(key string, loadRaw RawLoader, cacheDir string, forceRecompute bool, opts normalize.Options) (*normalize.CTVolume, string, error) {
	return NewStore(cacheDir).NormalizeAndResample(key, loadRaw, forceRecompute, opts)
}
