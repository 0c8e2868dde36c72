package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/rvsim/timing/core"
)

// configCmd writes a config file to start editing from.
var configCmd = &cobra.Command{
	Use:   "config [file]",
	Short: "Write the default system config",
	Long: `Config writes the default system configuration as YAML, or the
configuration given by --config after validating it. Fields left out
of a config file keep their default values.`,

	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		path := "rvsim.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if err := core.SaveConfig(&config, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
