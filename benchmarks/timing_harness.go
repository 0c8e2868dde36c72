// Package benchmarks provides timing benchmark infrastructure for rvsim
// calibration.
package benchmarks

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/loader"
	"github.com/sarchlab/rvsim/timing/core"
)

// BenchmarkResult holds the timing results for a single benchmark run.
type BenchmarkResult struct {
	// Name identifies the benchmark
	Name string `json:"name"`

	// Description explains what the benchmark measures
	Description string `json:"description"`

	// SimulatedCycles is the total cycle count from the timing simulator
	SimulatedCycles uint64 `json:"simulated_cycles"`

	// InstructionsRetired is the number of completed instructions
	InstructionsRetired uint64 `json:"instructions_retired"`

	// CPI is cycles per instruction
	CPI float64 `json:"cpi"`

	// ExecStalls is stalls due to multi-cycle execution
	ExecStalls uint64 `json:"exec_stalls"`

	// MemStalls is stalls due to memory latency
	MemStalls uint64 `json:"mem_stalls"`

	// LoadUseStalls is the number of cycles decode waited for load data
	LoadUseStalls uint64 `json:"load_use_stalls"`

	// FetchStalls is the number of cycles fetch issued nothing
	FetchStalls uint64 `json:"fetch_stalls"`

	// BranchRedirects and FrontRedirects count pipeline flushes
	BranchRedirects uint64 `json:"branch_redirects"`
	FrontRedirects  uint64 `json:"front_redirects"`

	// ICacheHits/Misses
	ICacheHits   uint64 `json:"icache_hits"`
	ICacheMisses uint64 `json:"icache_misses"`

	// DCacheHits/Misses
	DCacheHits   uint64 `json:"dcache_hits"`
	DCacheMisses uint64 `json:"dcache_misses"`

	// Branch predictor stats
	BranchPredictions     uint64  `json:"branch_predictions,omitempty"`
	BranchMispredictions  uint64  `json:"branch_mispredictions,omitempty"`
	BranchAccuracyPercent float64 `json:"branch_accuracy_percent,omitempty"`

	// ExitCode is the program's exit code
	ExitCode int64 `json:"exit_code"`

	// Passed reports whether the exit code matched the expected one
	Passed bool `json:"passed"`

	// WallTime is the actual time taken to run the simulation
	WallTime time.Duration `json:"wall_time_ns"`
}

// Benchmark defines a single benchmark program.
type Benchmark struct {
	// Name identifies the benchmark
	Name string

	// Description explains what the benchmark measures
	Description string

	// Program is the RV64 machine code, placed at the start of RAM
	Program []uint32

	// ExpectedExit is the expected exit code (for validation)
	ExpectedExit int64
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// System is the simulated system every benchmark runs on
	System core.Config

	// Parallel bounds the benchmarks simulated at once
	Parallel int

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	// Logger receives simulator logs
	Logger logr.Logger
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	system := core.DefaultConfig()
	system.MaxTicks = 1_000_000

	return HarnessConfig{
		System:   system,
		Parallel: runtime.NumCPU(),
		Output:   os.Stdout,
		Logger:   logr.Discard(),
	}
}

// Harness runs timing benchmarks and reports results.
type Harness struct {
	config     HarnessConfig
	benchmarks []Benchmark
}

// NewHarness creates a new benchmark harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Parallel < 1 {
		config.Parallel = 1
	}
	return &Harness{
		config:     config,
		benchmarks: []Benchmark{},
	}
}

// AddBenchmark adds a benchmark to the harness.
func (h *Harness) AddBenchmark(b Benchmark) {
	h.benchmarks = append(h.benchmarks, b)
}

// AddBenchmarks adds multiple benchmarks to the harness.
func (h *Harness) AddBenchmarks(benchmarks []Benchmark) {
	h.benchmarks = append(h.benchmarks, benchmarks...)
}

// RunAll executes all benchmarks and returns results in the order they
// were added. Each benchmark gets its own system, so they run in parallel.
func (h *Harness) RunAll() ([]BenchmarkResult, error) {
	results := make([]BenchmarkResult, len(h.benchmarks))

	var g errgroup.Group
	g.SetLimit(h.config.Parallel)
	for i, bench := range h.benchmarks {
		g.Go(func() error {
			r, err := h.runBenchmark(bench)
			if err != nil {
				return fmt.Errorf("benchmark %s: %w", bench.Name, err)
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// LoadableProgram places the benchmark code at the start of RAM.
func (b Benchmark) LoadableProgram() *loader.Program {
	data := BuildProgram(b.Program...)
	return &loader.Program{
		EntryPoint: emu.DefaultRAMBase,
		Segments: []loader.Segment{{
			VirtAddr: emu.DefaultRAMBase,
			PhysAddr: emu.DefaultRAMBase,
			Data:     data,
			MemSize:  uint64(len(data)),
			Flags:    loader.SegmentFlagRead | loader.SegmentFlagExecute,
		}},
	}
}

// runBenchmark executes a single benchmark.
func (h *Harness) runBenchmark(bench Benchmark) (BenchmarkResult, error) {
	c, err := core.New(h.config.Logger.WithValues("benchmark", bench.Name),
		h.config.System, bench.LoadableProgram())
	if err != nil {
		return BenchmarkResult{}, err
	}
	defer func() { _ = c.Close() }()

	start := time.Now()
	run, err := c.Run()
	wallTime := time.Since(start)
	if err != nil {
		return BenchmarkResult{}, err
	}
	if run.Reason != core.StopExit {
		return BenchmarkResult{}, fmt.Errorf("stopped by %v after %d ticks", run.Reason, run.Ticks)
	}

	stats := c.Pipeline().Stats()
	result := BenchmarkResult{
		Name:                bench.Name,
		Description:         bench.Description,
		SimulatedCycles:     stats.Cycles,
		InstructionsRetired: stats.Instructions,
		CPI:                 stats.CPI(),
		ExecStalls:          stats.ExecStalls,
		MemStalls:           stats.MemStalls,
		LoadUseStalls:       stats.LoadUseStalls,
		FetchStalls:         stats.FetchStalls,
		BranchRedirects:     stats.BranchRedirects,
		FrontRedirects:      stats.FrontRedirects,
		ExitCode:            run.ExitCode,
		Passed:              run.ExitCode == bench.ExpectedExit,
		WallTime:            wallTime,
	}

	icStats := c.Caches().ICache().Stats()
	result.ICacheHits = icStats.Hits
	result.ICacheMisses = icStats.Misses
	dcStats := c.Caches().DCache().Stats()
	result.DCacheHits = dcStats.Hits
	result.DCacheMisses = dcStats.Misses

	bpStats := c.Predictor().Stats()
	result.BranchPredictions = bpStats.Cond + bpStats.Indirect + bpStats.Call + bpStats.Return
	result.BranchMispredictions = bpStats.CondMiss + bpStats.IndirectMiss + bpStats.CallMiss + bpStats.ReturnMiss
	if result.BranchPredictions > 0 {
		correct := result.BranchPredictions - result.BranchMispredictions
		result.BranchAccuracyPercent = 100 * float64(correct) / float64(result.BranchPredictions)
	}

	return result, nil
}

// PrintResults outputs benchmark results in a human-readable format.
func (h *Harness) PrintResults(results []BenchmarkResult) {
	w := h.config.Output
	_, _ = fmt.Fprintln(w, "=== rvsim Timing Benchmark Results ===")
	_, _ = fmt.Fprintln(w, "")

	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}

		_, _ = fmt.Fprintf(w, "Benchmark: %s [%s]\n", r.Name, status)
		_, _ = fmt.Fprintf(w, "  Description: %s\n", r.Description)
		_, _ = fmt.Fprintf(w, "  Exit Code: %d\n", r.ExitCode)
		_, _ = fmt.Fprintln(w, "  --- Timing ---")
		_, _ = fmt.Fprintf(w, "  Simulated Cycles:     %d\n", r.SimulatedCycles)
		_, _ = fmt.Fprintf(w, "  Instructions Retired: %d\n", r.InstructionsRetired)
		_, _ = fmt.Fprintf(w, "  CPI:                  %.3f\n", r.CPI)
		_, _ = fmt.Fprintf(w, "  Exec Stalls:          %d\n", r.ExecStalls)
		_, _ = fmt.Fprintf(w, "  Mem Stalls:           %d\n", r.MemStalls)
		_, _ = fmt.Fprintf(w, "  Load-Use Stalls:      %d\n", r.LoadUseStalls)
		_, _ = fmt.Fprintf(w, "  Fetch Stalls:         %d\n", r.FetchStalls)
		_, _ = fmt.Fprintf(w, "  Branch Redirects:     %d\n", r.BranchRedirects)
		if r.FrontRedirects > 0 {
			_, _ = fmt.Fprintf(w, "  Front Redirects:      %d\n", r.FrontRedirects)
		}

		_, _ = fmt.Fprintln(w, "  --- I-Cache ---")
		_, _ = fmt.Fprintf(w, "  Hits:   %d\n", r.ICacheHits)
		_, _ = fmt.Fprintf(w, "  Misses: %d\n", r.ICacheMisses)

		if r.DCacheHits > 0 || r.DCacheMisses > 0 {
			_, _ = fmt.Fprintln(w, "  --- D-Cache ---")
			_, _ = fmt.Fprintf(w, "  Hits:   %d\n", r.DCacheHits)
			_, _ = fmt.Fprintf(w, "  Misses: %d\n", r.DCacheMisses)
		}

		if r.BranchPredictions > 0 {
			_, _ = fmt.Fprintln(w, "  --- Branch Predictor ---")
			_, _ = fmt.Fprintf(w, "  Branches:        %d\n", r.BranchPredictions)
			_, _ = fmt.Fprintf(w, "  Mispredictions:  %d\n", r.BranchMispredictions)
			_, _ = fmt.Fprintf(w, "  Accuracy:        %.1f%%\n", r.BranchAccuracyPercent)
		}

		_, _ = fmt.Fprintf(w, "  Wall Time: %v\n", r.WallTime)
		_, _ = fmt.Fprintln(w, "")
	}
}

// PrintCSV outputs benchmark results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []BenchmarkResult) {
	_, _ = fmt.Fprintln(h.config.Output,
		"name,cycles,instructions,cpi,exec_stalls,mem_stalls,load_use_stalls,branch_redirects,icache_hits,icache_misses,dcache_hits,dcache_misses,exit_code")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%d,%d,%.3f,%d,%d,%d,%d,%d,%d,%d,%d,%d\n",
			r.Name,
			r.SimulatedCycles,
			r.InstructionsRetired,
			r.CPI,
			r.ExecStalls,
			r.MemStalls,
			r.LoadUseStalls,
			r.BranchRedirects,
			r.ICacheHits,
			r.ICacheMisses,
			r.DCacheHits,
			r.DCacheMisses,
			r.ExitCode,
		)
	}
}

// BuildProgram assembles instruction words into a byte slice.
func BuildProgram(instrs ...uint32) []byte {
	program := make([]byte, 4*len(instrs))
	for i, inst := range instrs {
		binary.LittleEndian.PutUint32(program[4*i:], inst)
	}
	return program
}

// BenchmarkReport is the complete output format for benchmark results.
type BenchmarkReport struct {
	// Metadata about the benchmark run
	Metadata ReportMetadata `json:"metadata"`

	// Results is the list of individual benchmark results
	Results []BenchmarkResult `json:"results"`

	// Summary contains aggregate statistics
	Summary ReportSummary `json:"summary"`
}

// ReportMetadata contains information about the benchmark run.
type ReportMetadata struct {
	// Timestamp when the benchmark was run
	Timestamp string `json:"timestamp"`

	// ConfigVersion is the system config format version
	ConfigVersion string `json:"config_version"`

	// FrequencyMHz is the simulated core clock
	FrequencyMHz float64 `json:"frequency_mhz"`
}

// ReportSummary contains aggregate statistics across all benchmarks.
type ReportSummary struct {
	// TotalBenchmarks is the number of benchmarks run
	TotalBenchmarks int `json:"total_benchmarks"`

	// Passed is the number of benchmarks whose exit code matched
	Passed int `json:"passed"`

	// TotalCycles is the sum of all simulated cycles
	TotalCycles uint64 `json:"total_cycles"`

	// TotalInstructions is the sum of all instructions retired
	TotalInstructions uint64 `json:"total_instructions"`

	// AverageCPI is the average cycles per instruction
	AverageCPI float64 `json:"average_cpi"`

	// TotalWallTime is the total wall clock time for all benchmarks
	TotalWallTime time.Duration `json:"total_wall_time_ns"`
}

// Summarize aggregates results.
func Summarize(results []BenchmarkResult) ReportSummary {
	s := ReportSummary{TotalBenchmarks: len(results)}
	for _, r := range results {
		s.TotalCycles += r.SimulatedCycles
		s.TotalInstructions += r.InstructionsRetired
		s.TotalWallTime += r.WallTime
		if r.Passed {
			s.Passed++
		}
	}

	if s.TotalInstructions > 0 {
		s.AverageCPI = float64(s.TotalCycles) / float64(s.TotalInstructions)
	}
	return s
}

// PrintJSON outputs benchmark results in JSON format for automated comparison.
func (h *Harness) PrintJSON(results []BenchmarkResult) error {
	report := BenchmarkReport{
		Metadata: ReportMetadata{
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			ConfigVersion: h.config.System.Version,
			FrequencyMHz:  h.config.System.FrequencyMHz,
		},
		Results: results,
		Summary: Summarize(results),
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
