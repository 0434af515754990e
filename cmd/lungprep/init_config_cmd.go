package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lungprep/pkg/config"
)

func newInitConfigCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a config file with default values",
		Args:  cobra.MaximumNArgs(1),
		Long: `Write a config file with every option at its default value.

The format follows the extension: .toml for TOML, anything else for YAML.

Examples:
  lungprep init-config
  lungprep init-config config/preprocess_lidc.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&overwrite, "force", "f", false, "Overwrite an existing file")
	return cmd
}
