package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"lungprep/pkg/loader"
	"lungprep/pkg/segmentation"
)

func newSegmentCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "segment <ct-source>",
		Short: "Segment the lungs of a single CT and save the mask",
		Args:  cobra.ExactArgs(1),
		Long: `Segment the lungs of one CT volume and write the mask as a 0/1 uint8 .npy.

The source may be a NIfTI file (.nii, .nii.gz), a .npy array or a directory
of DICOM slices. Segmentation parameters come from preprocess.segmentation.

Examples:
  lungprep segment data/nlst/100012/ -o masks/100012_lungmask.npy
  lungprep segment scan.nii.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			src := args[0]
			if output == "" {
				base := strings.TrimSuffix(filepath.Base(filepath.Clean(src)), ".gz")
				base = strings.TrimSuffix(base, filepath.Ext(base))
				output = base + "_lungmask.npy"
			}

			res, err := loader.DefaultRegistry().Load(cmd.Context(), src)
			if err != nil {
				return err
			}
			mask, err := segmentation.SegmentLungAndSave(res.Volume, &res.Spacing, output, &cfg.Preprocess.Segmentation)
			if err != nil {
				return err
			}

			fmt.Printf("Volume shape: %s, spacing: %v mm\n", res.Volume.Shape(), [3]float64(res.Spacing))
			fmt.Printf("Lung voxels: %d (%.1f%%)\n", mask.Count(),
				100*float64(mask.Count())/float64(max(1, len(mask.Data))))
			fmt.Printf("Mask saved to: %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Mask output path (default: <source>_lungmask.npy)")
	return cmd
}
