// Package pipeline processes one CT series end to end: load, segment the
// lungs, mask, normalize, resample and cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"lungprep/internal/models"
	"lungprep/pkg/cache"
	"lungprep/pkg/config"
	"lungprep/pkg/loader"
	"lungprep/pkg/logging"
	"lungprep/pkg/metadata"
	"lungprep/pkg/metrics"
	"lungprep/pkg/normalize"
	"lungprep/pkg/segmentation"
)

// ErrMissingField is returned when a metadata row lacks a required field.
var ErrMissingField = errors.New("metadata row is missing a required field")

// AirHU is written to every voxel outside the lung mask.
const AirHU = -1024.0

// unknownDataset names rows that carry no dataset_name.
const unknownDataset = "UNKNOWN"

// Params holds the per-series processing parameters
type Params struct {
	// DataRoot is prepended to relative raw image paths
	DataRoot string

	// OutputRoot receives <dataset>/lung_masks and <dataset>/volumes
	OutputRoot string

	// InputPathField and SeriesUIDField name the row fields to read
	InputPathField string
	SeriesUIDField string

	Segmentation   segmentation.Config
	Normalization  normalize.Options
	ForceRecompute bool
}

// ParamsFromConfig extracts the processing parameters from cfg.
func ParamsFromConfig(cfg *config.Config) *Params {
	return &Params{
		DataRoot:       cfg.Paths.DataRoot,
		OutputRoot:     cfg.Paths.OutputRoot,
		InputPathField: cfg.Preprocess.InputPathField,
		SeriesUIDField: cfg.Preprocess.SeriesUIDField,
		Segmentation:   cfg.Preprocess.Segmentation,
		Normalization:  cfg.Preprocess.Normalization,
		ForceRecompute: cfg.Preprocess.Cache.ForceRecompute,
	}
}

// Result describes the artifacts of one processed series.
type Result struct {
	Dataset   string
	SeriesUID string
	CacheKey  string
	CachePath string
	MaskPath  string
	Shape     models.Shape
}

// Processor runs ProcessSeries. It is safe for concurrent use.
type Processor struct {
	params  *Params
	loaders *loader.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	stores map[string]*cache.Store
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithMetrics records per-series metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLoaders replaces the default loader registry.
func WithLoaders(r *loader.Registry) Option {
	return func(p *Processor) { p.loaders = r }
}

// NewProcessor creates a processor for params.
func NewProcessor(params *Params, opts ...Option) *Processor {
	p := &Processor{
		params:  params,
		loaders: loader.DefaultRegistry(),
		stores:  make(map[string]*cache.Store),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger)
	return p
}

// store returns the shared cache store for dir so that concurrent builds of
// one key collapse into a single computation.
func (p *Processor) store(dir string) *cache.Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stores[dir]
	if !ok {
		s = cache.NewStore(dir, cache.WithLogger(p.logger), cache.WithMetrics(p.metrics))
		p.stores[dir] = s
	}
	return s
}

// seriesPaths are the derived locations for one row.
type seriesPaths struct {
	dataset   string
	seriesUID string
	rawPath   string
	cacheKey  string
	volumeDir string
	maskPath  string
}

func (p *Processor) pathsFor(row metadata.Row) (*seriesPaths, error) {
	dataset := row.String(metadata.ColDatasetName)
	if dataset == "" {
		dataset = unknownDataset
	}
	seriesUID := row.String(p.params.SeriesUIDField)
	if seriesUID == "" {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, p.params.SeriesUIDField)
	}
	rawRel := row.String(p.params.InputPathField)
	if rawRel == "" {
		return nil, fmt.Errorf("%w: row for series_uid=%q has no %q field",
			ErrMissingField, seriesUID, p.params.InputPathField)
	}

	rawPath := rawRel
	if !filepath.IsAbs(rawPath) {
		rawPath = filepath.Join(p.params.DataRoot, rawRel)
	}
	rawPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, err
	}

	key := BuildCacheKey(dataset, seriesUID)
	datasetRoot := filepath.Join(p.params.OutputRoot, dataset)
	return &seriesPaths{
		dataset:   dataset,
		seriesUID: seriesUID,
		rawPath:   rawPath,
		cacheKey:  key,
		volumeDir: filepath.Join(datasetRoot, "volumes"),
		maskPath:  filepath.Join(datasetRoot, "lung_masks", key+"_lungmask.npy"),
	}, nil
}

// BuildCacheKey returns the cache key of a series, "<dataset>__<series_uid>".
func BuildCacheKey(dataset, seriesUID string) string {
	return dataset + "__" + seriesUID
}

// ProcessSeries preprocesses the series described by row and returns the
// location of its cached normalized volume. Raw loading, segmentation and
// masking only run when the cache has no entry for the series (or
// recomputation is forced).
func (p *Processor) ProcessSeries(ctx context.Context, row metadata.Row) (*Result, error) {
	paths, err := p.pathsFor(row)
	if err != nil {
		return nil, err
	}
	log := p.logger.With(zap.String("dataset", paths.dataset), zap.String("series_uid", paths.seriesUID))
	log.Info("Preprocessing series")

	loadRaw := func() (*models.Volume, models.Spacing, normalize.Metadata, error) {
		start := time.Now()
		raw, err := p.loaders.Load(ctx, paths.rawPath)
		if err != nil {
			return nil, models.Spacing{}, nil, err
		}

		mask, err := segmentation.SegmentLungAndSave(raw.Volume, &raw.Spacing, paths.maskPath, &p.params.Segmentation)
		if err != nil {
			return nil, models.Spacing{}, nil, fmt.Errorf("segmenting lungs: %w", err)
		}
		lungVoxels := mask.Count()
		p.metrics.ObserveLungVoxels(lungVoxels)
		if lungVoxels == 0 {
			log.Warn("Lung mask is empty", zap.String("mask_path", paths.maskPath))
		}

		masked, err := mask.Apply(raw.Volume, AirHU)
		if err != nil {
			return nil, models.Spacing{}, nil, err
		}

		meta := normalize.Metadata(row.Clone())
		setDefault(meta, "source_path", paths.rawPath)
		setDefault(meta, metadata.ColDatasetName, paths.dataset)
		setDefault(meta, metadata.ColLungMaskPath, paths.maskPath)

		log.Debug("Loaded and masked raw volume",
			zap.String("source_path", paths.rawPath),
			zap.Stringer("shape", raw.Volume.Shape()),
			zap.Int("lung_voxels", lungVoxels),
			zap.Duration("elapsed", time.Since(start)))
		return masked, raw.Spacing, meta, nil
	}

	ct, cachePath, err := p.store(paths.volumeDir).NormalizeAndResample(
		paths.cacheKey, loadRaw, p.params.ForceRecompute, p.params.Normalization)
	if err != nil {
		return nil, err
	}

	log.Info("Finished preprocessing series",
		zap.String("cache_path", cachePath),
		zap.Stringer("shape", ct.Volume.Shape()))

	return &Result{
		Dataset:   paths.dataset,
		SeriesUID: paths.seriesUID,
		CacheKey:  paths.cacheKey,
		CachePath: cachePath,
		MaskPath:  paths.maskPath,
		Shape:     ct.Volume.Shape(),
	}, nil
}

func setDefault(m normalize.Metadata, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
