package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"

	"github.com/sarchlab/rvsim/timing/core"
)

var (
	verbosity  int
	configPath string
)

// rootCmd is the base command when rvsim is called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "rvsim",
	Short: "Cycle-level RISC-V processor simulator",
	Long: `Rvsim simulates an in-order RV64IM core with a decoupled front end,
a configurable branch predictor and a non-blocking cache hierarchy. It
runs bare-metal ELF or raw images that end by writing the test finisher.`,

	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "log verbosity")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "system config YAML file")
}

// newLogger writes structured log lines to stderr.
func newLogger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(os.Stderr, args)
	}, funcr.Options{Verbosity: verbosity})
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig() (core.Config, error) {
	if configPath == "" {
		return core.DefaultConfig(), nil
	}

	config, err := core.LoadConfig(configPath)
	if err != nil {
		return core.Config{}, err
	}
	return *config, nil
}
