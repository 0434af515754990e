package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lungprep/pkg/metadata"
	"lungprep/pkg/metrics"
	"lungprep/pkg/pipeline"
	"lungprep/pkg/runner"
)

func newRunCmd() *cobra.Command {
	var (
		limit           int
		workers         int
		force           bool
		continueOnError bool
		runID           string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Preprocess every series in the dataset's metadata table",
		Args:  cobra.NoArgs,
		Long: `Preprocess every series listed in dataset.metadata_csv.

Each row becomes an independent task: load the raw CT, segment and save the
lung mask, mask non-lung voxels to air, then normalize, resample and cache.
Tasks run on a pool of dask.n_workers workers.

Examples:
  lungprep run -c config/preprocess_nlst.yml
  lungprep run -c config/preprocess_nlst.yml --limit 20 --workers 8
  lungprep run -c config/preprocess_nlst.yml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("limit") {
				cfg.Dataset.Limit = limit
			}
			if cmd.Flags().Changed("workers") {
				cfg.Dask.NWorkers = workers
			}
			if force {
				cfg.Preprocess.Cache.ForceRecompute = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Dataset.Name == "" {
				return errors.New("config must define dataset.name")
			}
			if cfg.Dataset.MetadataCSV == "" {
				return errors.New("config must define dataset.metadata_csv")
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("Loading metadata table", zap.String("path", cfg.Dataset.MetadataCSV))
			rows, err := metadata.ReadTableFile(cfg.Dataset.MetadataCSV, metadata.TableOptions{
				DatasetName: cfg.Dataset.Name,
				Limit:       cfg.Dataset.Limit,
			})
			if err != nil {
				return err
			}
			logger.Info("Loaded metadata table", zap.Int("n_rows", len(rows)))

			m := metrics.New()
			proc := pipeline.NewProcessor(pipeline.ParamsFromConfig(cfg),
				pipeline.WithLogger(logger),
				pipeline.WithMetrics(m))

			opts := []runner.Option{
				runner.WithWorkers(cfg.Dask.NWorkers),
				runner.WithContinueOnError(continueOnError),
				runner.WithProgress(os.Stderr),
				runner.WithLogger(logger),
				runner.WithMetrics(m),
			}
			if runID != "" {
				opts = append(opts, runner.WithRunID(runID))
			}
			if cfg.Preprocess.Cache.ManifestPath != "" {
				manifest, err := metadata.OpenManifest(cfg.Preprocess.Cache.ManifestPath)
				if err != nil {
					return err
				}
				defer manifest.Close()
				opts = append(opts, runner.WithRecorder(manifest))
			}
			r := runner.New(proc, opts...)

			fmt.Println("================================")
			fmt.Printf("lungprep run %s\n", r.RunID())
			fmt.Printf("dataset: %s  series: %d  workers: %d\n", cfg.Dataset.Name, len(rows), cfg.Dask.NWorkers)
			fmt.Println("================================")

			start := time.Now()
			results, runErr := r.Execute(ctx, runner.BuildTasks(rows, cfg.Preprocess.SeriesUIDField))
			summary := runner.Summarize(results)

			fmt.Printf("\nProcessed %d series in %.2f seconds: %d succeeded, %d failed, %d skipped\n",
				summary.Total, time.Since(start).Seconds(), summary.Succeeded, summary.Failed, summary.Skipped)
			for _, res := range results {
				if res.Result != nil {
					fmt.Println(res.Result.CachePath)
				}
			}

			if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
				logger.Warn("Failed to write metrics textfile", zap.Error(err))
			}
			return runErr
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Process only the first N rows (overrides dataset.limit)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of series processed concurrently (overrides dask.n_workers)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Recompute cached volumes")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Keep processing after a series fails")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier recorded in the manifest (default: random UUID)")

	return cmd
}
