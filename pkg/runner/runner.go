// Package runner builds one task per metadata row and executes the tasks on
// a bounded worker pool.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lungprep/pkg/logging"
	"lungprep/pkg/metadata"
	"lungprep/pkg/metrics"
	"lungprep/pkg/pipeline"
)

// SeriesProcessor processes one metadata row. *pipeline.Processor
// implements it.
type SeriesProcessor interface {
	ProcessSeries(ctx context.Context, row metadata.Row) (*pipeline.Result, error)
}

// Recorder persists task outcomes. *metadata.Manifest implements it.
type Recorder interface {
	Record(ctx context.Context, rec metadata.Record) error
}

// Task is one independent unit of work: a single series.
type Task struct {
	Index     int
	Row       metadata.Row
	Dataset   string
	SeriesUID string
}

// BuildTasks creates one task per row. Each task gets its own copy of the row.
func BuildTasks(rows []metadata.Row, seriesUIDField string) []Task {
	tasks := make([]Task, len(rows))
	for i, row := range rows {
		tasks[i] = Task{
			Index:     i,
			Row:       row.Clone(),
			Dataset:   row.String(metadata.ColDatasetName),
			SeriesUID: row.String(seriesUIDField),
		}
	}
	return tasks
}

// TaskResult is the outcome of one task. Skipped tasks never started because
// an earlier failure stopped the run.
type TaskResult struct {
	Task     Task
	Result   *pipeline.Result
	Err      error
	Skipped  bool
	Duration time.Duration
}

// Summary counts task outcomes.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

// Summarize counts the outcomes in results.
func Summarize(results []TaskResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Err != nil:
			s.Failed++
		default:
			s.Succeeded++
		}
	}
	return s
}

// Runner executes tasks concurrently.
type Runner struct {
	proc            SeriesProcessor
	workers         int
	continueOnError bool
	progress        io.Writer
	logger          *zap.Logger
	metrics         *metrics.Metrics
	recorder        Recorder
	runID           string
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers sets the number of tasks run at once. Values below 1 mean 1.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithContinueOnError keeps running remaining tasks after a failure instead
// of stopping at the first one.
func WithContinueOnError(enabled bool) Option {
	return func(r *Runner) { r.continueOnError = enabled }
}

// WithProgress writes a percentage progress line to w.
func WithProgress(w io.Writer) Option {
	return func(r *Runner) { r.progress = w }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics records task outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithRecorder stores every finished task in rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// New creates a runner for proc.
func New(proc SeriesProcessor, opts ...Option) *Runner {
	r := &Runner{proc: proc, workers: 1}
	for _, opt := range opts {
		opt(r)
	}
	if r.workers < 1 {
		r.workers = 1
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	r.logger = logging.OrNop(r.logger).With(zap.String("run_id", r.runID))
	return r
}

// RunID identifies this run in logs and the manifest.
func (r *Runner) RunID() string {
	return r.runID
}

// Execute runs every task and returns one result per task in task order.
// Completion order is unconstrained. By default the first failure cancels the
// run: tasks not yet started are marked Skipped and the error is returned.
// With WithContinueOnError all tasks run and a combined error reports the
// failures.
func (r *Runner) Execute(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	results := make([]TaskResult, len(tasks))
	for i, t := range tasks {
		results[i] = TaskResult{Task: t, Skipped: true}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	runCtx := gctx
	if r.continueOnError {
		runCtx = ctx
	}

	var mu sync.Mutex
	completed := 0
	r.reportProgress(0, len(tasks))

	r.logger.Info("Executing tasks", zap.Int("n_tasks", len(tasks)), zap.Int("n_workers", r.workers))

	for i, task := range tasks {
		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			res := r.runTask(runCtx, task)
			results[i] = res

			mu.Lock()
			completed++
			r.reportProgress(completed, len(tasks))
			mu.Unlock()

			if res.Err != nil && !r.continueOnError {
				return res.Err
			}
			return nil
		})
	}
	err := g.Wait()
	if r.progress != nil {
		fmt.Fprintln(r.progress)
	}

	summary := Summarize(results)
	r.logger.Info("Finished tasks",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))

	if err != nil {
		return results, err
	}
	if summary.Failed > 0 {
		var errs []error
		for _, res := range results {
			if res.Err != nil {
				errs = append(errs, res.Err)
			}
		}
		return results, fmt.Errorf("%d of %d series failed: %w", summary.Failed, summary.Total, errors.Join(errs...))
	}
	if ctx.Err() != nil && summary.Skipped > 0 {
		return results, ctx.Err()
	}
	return results, nil
}

func (r *Runner) runTask(ctx context.Context, task Task) TaskResult {
	start := time.Now()
	res, err := r.proc.ProcessSeries(ctx, task.Row)
	elapsed := time.Since(start)
	if err != nil {
		err = fmt.Errorf("series %s/%s: %w", task.Dataset, task.SeriesUID, err)
		r.logger.Error("Series failed",
			zap.String("dataset", task.Dataset),
			zap.String("series_uid", task.SeriesUID),
			zap.Error(err))
	}
	r.metrics.ObserveSeries(err, elapsed)
	r.record(ctx, task, res, err, elapsed)
	return TaskResult{Task: task, Result: res, Err: err, Duration: elapsed}
}

func (r *Runner) record(ctx context.Context, task Task, res *pipeline.Result, taskErr error, elapsed time.Duration) {
	if r.recorder == nil {
		return
	}
	rec := metadata.Record{
		RunID:      r.runID,
		Dataset:    task.Dataset,
		SeriesUID:  task.SeriesUID,
		Status:     metadata.StatusOK,
		DurationMS: elapsed.Milliseconds(),
	}
	if res != nil {
		rec.CachePath = res.CachePath
		rec.MaskPath = res.MaskPath
	}
	if taskErr != nil {
		rec.Status = metadata.StatusError
		rec.Error = taskErr.Error()
	}
	// the record must land even when the run is being cancelled
	if err := r.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("Failed to record task outcome", zap.String("series_uid", task.SeriesUID), zap.Error(err))
	}
}

func (r *Runner) reportProgress(done, total int) {
	if r.progress == nil || total == 0 {
		return
	}
	pct := float64(done) / float64(total) * 100
	fmt.Fprintf(r.progress, "\rProcessing series: %.1f%% complete", pct)
}
