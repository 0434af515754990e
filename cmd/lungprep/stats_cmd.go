package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lungprep/pkg/cache"
	"lungprep/pkg/normalize"
)

func newStatsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats <cached.npz>",
		Short: "Print intensity statistics of a cached volume",
		Args:  cobra.ExactArgs(1),
		Long: `Print min, max, mean, std and 1st/99th percentiles of a cached volume.

No thresholds are applied; the numbers are for sanity-checking a run.

Examples:
  lungprep stats data/cache/preprocess/nlst/volumes/nlst__1.2.3_normalized_resampled.npz
  lungprep stats --json volume.npz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := cache.LoadVolume(args[0])
			if err != nil {
				return err
			}
			stats := normalize.HistogramSanityCheck(ct.Volume)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"shape":      ct.Volume.Shape(),
					"spacing_mm": ct.Spacing,
					"stats":      stats,
				})
			}

			fmt.Printf("Shape:   %s\n", ct.Volume.Shape())
			fmt.Printf("Spacing: %v mm\n", [3]float64(ct.Spacing))
			fmt.Printf("Min:     %.2f\n", stats.Min)
			fmt.Printf("Max:     %.2f\n", stats.Max)
			fmt.Printf("Mean:    %.2f\n", stats.Mean)
			fmt.Printf("Std:     %.2f\n", stats.Std)
			fmt.Printf("P01:     %.2f\n", stats.P01)
			fmt.Printf("P99:     %.2f\n", stats.P99)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
