package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/rvsim/benchmarks"
)

var benchFlags struct {
	format   string
	core     bool
	parallel int
}

// benchCmd runs the built-in microbenchmarks.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the timing microbenchmarks",
	Long: `Bench runs each built-in microbenchmark on its own simulated system
and reports cycles, CPI, stalls, cache and branch statistics. It fails
if any benchmark exits with an unexpected code.`,

	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		hc := benchmarks.DefaultConfig()
		hc.System = config
		if hc.System.MaxTicks == 0 {
			hc.System.MaxTicks = benchmarks.DefaultConfig().System.MaxTicks
		}
		if benchFlags.parallel > 0 {
			hc.Parallel = benchFlags.parallel
		}
		hc.Output = cmd.OutOrStdout()
		hc.Logger = newLogger()

		h := benchmarks.NewHarness(hc)
		if benchFlags.core {
			h.AddBenchmarks(benchmarks.GetCoreBenchmarks())
		} else {
			h.AddBenchmarks(benchmarks.GetMicrobenchmarks())
		}

		results, err := h.RunAll()
		if err != nil {
			return err
		}

		switch benchFlags.format {
		case "text":
			h.PrintResults(results)
		case "csv":
			h.PrintCSV(results)
		case "json":
			if err := h.PrintJSON(results); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown format %q", benchFlags.format)
		}

		if s := benchmarks.Summarize(results); s.Passed != s.TotalBenchmarks {
			return fmt.Errorf("%d of %d benchmarks failed", s.TotalBenchmarks-s.Passed, s.TotalBenchmarks)
		}
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringVarP(&benchFlags.format, "format", "f", "text", "output format: text, csv or json")
	f.BoolVar(&benchFlags.core, "core", false, "run only the core subset")
	f.IntVarP(&benchFlags.parallel, "parallel", "j", 0, "benchmarks simulated at once (default: CPUs)")

	rootCmd.AddCommand(benchCmd)
}
