package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/loader"
	"github.com/sarchlab/rvsim/timing/core"
	"github.com/sarchlab/rvsim/timing/sim"
)

// CPU models selectable with --cpu.
const (
	cpuPipeline = "pipeline"
	cpuAtomic   = "atomic"
)

var runFlags struct {
	cpu        string
	maxTicks   uint64
	maxInsts   uint64
	crosscheck bool
	trace      bool
	traceFile  string
	stats      bool
	cpuProfile string
	memProfile string
}

// runCmd simulates one program.
var runCmd = &cobra.Command{
	Use:   "run <program>",
	Short: "Simulate a program",
	Long: `Run loads an ELF file, or a raw image placed at the RAM base, and
simulates it until it writes the test finisher, reaches a limit or hits
a fatal error. The exit status is the program's exit code.

With --cpu atomic the program runs on the functional emulator, one
instruction per tick, and only the instruction count is reported.`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := runProgram(cmd, args[0])
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(int(code & 0xff))
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.cpu, "cpu", cpuPipeline, "CPU model: pipeline or atomic")
	f.Uint64Var(&runFlags.maxTicks, "max-ticks", 0, "stop after this many ticks")
	f.Uint64Var(&runFlags.maxInsts, "max-insts", 0, "stop after this many retired instructions")
	f.BoolVar(&runFlags.crosscheck, "crosscheck", false, "compare every retirement against the reference interpreter")
	f.BoolVar(&runFlags.trace, "trace", false, "write a gzip retirement trace")
	f.StringVar(&runFlags.traceFile, "trace-file", "", "trace path (default <run id>.trace.gz)")
	f.BoolVar(&runFlags.stats, "stats", false, "print every statistic at the end")
	f.StringVar(&runFlags.cpuProfile, "cpuprofile", "", "write a CPU profile of the simulator to file")
	f.StringVar(&runFlags.memProfile, "memprofile", "", "write a heap profile of the simulator to file")

	rootCmd.AddCommand(runCmd)
}

func runProgram(cmd *cobra.Command, path string) (int64, error) {
	log := newLogger()

	switch runFlags.cpu {
	case cpuPipeline, cpuAtomic:
	default:
		return 0, fmt.Errorf("unknown CPU model %q", runFlags.cpu)
	}

	config, err := loadConfig()
	if err != nil {
		return 0, err
	}
	if cmd.Flags().Changed("max-ticks") {
		config.MaxTicks = runFlags.maxTicks
	}
	if cmd.Flags().Changed("max-insts") {
		config.MaxInstructions = runFlags.maxInsts
	}
	if runFlags.crosscheck {
		config.Crosscheck = true
	}

	prog, err := loader.LoadFile(path, config.RAMBase)
	if err != nil {
		return 0, err
	}

	if runFlags.cpu == cpuAtomic {
		return runAtomic(cmd, path, config, prog)
	}

	opts := []core.Option{core.WithConsole(cmd.OutOrStdout())}

	// The run id names the default trace file, and it is only known once
	// the core exists, so the file is opened lazily on first write.
	var trace *lazyFile
	if runFlags.trace || runFlags.traceFile != "" {
		trace = &lazyFile{path: runFlags.traceFile}
		opts = append(opts, core.WithTrace(trace))
	}

	stopProfile, err := startCPUProfile(runFlags.cpuProfile)
	if err != nil {
		return 0, err
	}

	c, err := core.New(log, config, prog, opts...)
	if err != nil {
		stopProfile()
		return 0, err
	}
	if trace != nil {
		trace.setDefault(c.RunID() + ".trace.gz")
	}

	result, runErr := c.Run()
	stopProfile()

	if err := writeHeapProfile(runFlags.memProfile); err != nil {
		log.Error(err, "failed to write heap profile")
	}

	if err := c.Close(); err != nil {
		log.Error(err, "failed to flush trace")
	}
	if trace != nil {
		if err := trace.Close(); err != nil {
			log.Error(err, "failed to close trace")
		}
	}

	out := cmd.OutOrStdout()
	if runFlags.stats {
		if err := c.DumpStats(out, language.English); err != nil {
			return 0, err
		}
	}
	printResult(out, path, c, result)

	if runErr != nil {
		var fatal *sim.FatalError
		if errors.As(runErr, &fatal) && fatal.Dump != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), fatal.Dump)
		}
		return 0, runErr
	}

	return result.ExitCode, nil
}

// runAtomic runs prog on the functional emulator. Devices tick once per
// instruction, and the tick limit applies when no instruction limit is set.
func runAtomic(cmd *cobra.Command, path string, config core.Config, prog *loader.Program) (int64, error) {
	if err := config.Validate(); err != nil {
		return 0, err
	}

	out := cmd.OutOrStdout()
	platform := emu.NewPlatform(config.RAMBase, config.RAMSize, out, nil)
	if err := prog.LoadIntoMemory(platform.Memory); err != nil {
		return 0, fmt.Errorf("failed to load program: %w", err)
	}

	limit := config.MaxInstructions
	if limit == 0 {
		limit = config.MaxTicks
	}

	e := emu.NewEmulator(platform.Memory,
		emu.WithEntry(config.StartAddress(prog.EntryPoint)),
		emu.WithMaxInstructions(limit),
		emu.WithDeviceTicks())
	platform.IRQ.SetSink(e.Arch().IRQListener)

	stop := core.StopExit
	code, err := e.Run()
	switch {
	case errors.Is(err, emu.ErrMaxInstructions):
		stop, code = core.StopMaxInstructions, 0
	case err != nil:
		return 0, err
	}

	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "Program: %s\n", path)
	fmt.Fprintf(out, "CPU: %s\n", cpuAtomic)
	fmt.Fprintf(out, "Stop: %s\n", stop)
	fmt.Fprintf(out, "Exit code: %d\n", code)
	fmt.Fprintf(out, "Total Instructions: %d\n", e.InstructionCount())

	return code, nil
}

func printResult(w io.Writer, path string, c *core.Core, r core.Result) {
	stats := c.Pipeline().Stats()

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Program: %s\n", path)
	fmt.Fprintf(w, "Run: %s\n", r.RunID)
	fmt.Fprintf(w, "Stop: %s\n", r.Reason)
	fmt.Fprintf(w, "Exit code: %d\n", r.ExitCode)
	fmt.Fprintf(w, "Total Instructions: %d\n", r.Instructions)
	fmt.Fprintf(w, "Total Cycles: %d\n", r.Ticks)
	fmt.Fprintf(w, "CPI: %.2f\n", r.CPI())
	fmt.Fprintf(w, "Simulated time: %.3g s\n", r.Seconds)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Pipeline Events:\n")
	fmt.Fprintf(w, "  Fetch stalls:     %d\n", stats.FetchStalls)
	fmt.Fprintf(w, "  Load-use stalls:  %d\n", stats.LoadUseStalls)
	fmt.Fprintf(w, "  Branch redirects: %d\n", stats.BranchRedirects)
	fmt.Fprintf(w, "  Front redirects:  %d\n", stats.FrontRedirects)
}

func startCPUProfile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to start CPU profile: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()
		_ = f.Close()
	}, nil
}

func writeHeapProfile(path string) error {
	if path == "" {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return pprof.WriteHeapProfile(f)
}

// lazyFile creates its file on the first write. Writes come from the
// trace goroutine.
type lazyFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func (l *lazyFile) setDefault(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		l.path = path
	}
}

func (l *lazyFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		f, err := os.Create(l.path)
		if err != nil {
			return 0, fmt.Errorf("failed to create trace file: %w", err)
		}
		l.f = f
	}
	return l.f.Write(p)
}

func (l *lazyFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}
