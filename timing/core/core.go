// Package core provides the cycle-accurate CPU core model.
// It builds the whole system from a Config and drives it one tick at a time.
package core

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/xid"
	"golang.org/x/text/language"

	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/loader"
	"github.com/sarchlab/rvsim/timing/cache"
	"github.com/sarchlab/rvsim/timing/latency"
	"github.com/sarchlab/rvsim/timing/pipeline"
	"github.com/sarchlab/rvsim/timing/pred"
	"github.com/sarchlab/rvsim/timing/sim"
)

// ErrCrosscheck is the fatal error kind raised when a retired instruction
// differs from the reference interpreter.
var ErrCrosscheck = errors.New("reference crosscheck mismatch")

// StopReason tells why Run returned.
type StopReason uint8

// Stop reasons.
const (
	StopNone StopReason = iota
	StopExit
	StopMaxTicks
	StopMaxInstructions
)

var stopNames = [...]string{"none", "exit", "max_ticks", "max_instructions"}

func (r StopReason) String() string {
	return stopNames[r]
}

// Result summarizes a run.
type Result struct {
	RunID        string
	Reason       StopReason
	ExitCode     int64
	Ticks        uint64
	Instructions uint64
	// Seconds is the simulated time at the configured frequency.
	Seconds float64
}

// CPI returns the cycles per instruction.
func (r Result) CPI() float64 {
	if r.Instructions == 0 {
		return 0
	}
	return float64(r.Ticks) / float64(r.Instructions)
}

const traceBuffer = 4096

// maxTrapsPerRetire bounds how many traps the reference may take while
// catching up with one retired instruction.
const maxTrapsPerRetire = 8

// Option configures a Core.
type Option func(*Core)

// WithConsole sends UART output to w.
func WithConsole(w io.Writer) Option {
	return func(c *Core) {
		c.console = w
	}
}

// WithTrace writes the compressed retirement trace to w.
func WithTrace(w io.Writer) Option {
	return func(c *Core) {
		c.traceOut = w
	}
}

// WithRetireHook runs f for every retired instruction.
func WithRetireHook(f func(*pipeline.Inst)) Option {
	return func(c *Core) {
		c.hooks = append(c.hooks, f)
	}
}

// Core is one simulated hart with its cache hierarchy, predictor and
// devices. The per-tick order is: memory and caches root first, then the
// pipeline, then the clock.
type Core struct {
	config Config
	ctx    *sim.Context
	runID  xid.ID

	console  io.Writer
	traceOut io.Writer
	trace    *sim.TraceSink
	hooks    []func(*pipeline.Inst)

	platform  *emu.Platform
	arch      *emu.RiscvArch
	caches    *cache.Manager
	predictor *pred.Predictor
	pipeline  *pipeline.Pipeline

	ref *emu.Emulator

	// exitIssued is the issue count that includes the finisher store, zero
	// until software exits.
	exitIssued uint64
}

// New builds a system running prog.
func New(log logr.Logger, config Config, prog *loader.Program, opts ...Option) (*Core, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		config:  config,
		runID:   xid.New(),
		console: io.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ctx = sim.NewContext(log.WithValues("run", c.runID.String()))

	c.platform = emu.NewPlatform(config.RAMBase, config.RAMSize, c.console, nil)
	if err := prog.LoadIntoMemory(c.platform.Memory); err != nil {
		return nil, fmt.Errorf("failed to load program: %w", err)
	}

	start := config.StartAddress(prog.EntryPoint)

	c.arch = emu.NewRiscvArch(c.platform.Memory,
		emu.WithStartPC(start),
		emu.WithCounters(c.ctx.Tick, c.instret))
	c.platform.IRQ.SetSink(c.arch.IRQListener)
	c.ctx.SetDumper(c.arch.DumpState)

	var err error
	c.caches, err = cache.NewManager(c.ctx, config.Caches, c.platform.Memory)
	if err != nil {
		return nil, err
	}

	c.predictor, err = pred.New(c.ctx, config.Predictor)
	if err != nil {
		return nil, err
	}

	if err := c.buildPipeline(); err != nil {
		return nil, err
	}

	if config.Crosscheck {
		if err := c.startReference(start); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	reg := c.ctx.Stats()
	reg.RegisterFunc("sim.ticks", "ticks simulated", c.ctx.Tick)
	c.pipeline.RegisterStats(reg)
	c.predictor.RegisterStats(reg)
	c.caches.RegisterStats(reg)

	return c, nil
}

func (c *Core) buildPipeline() error {
	opts := []pipeline.PipelineOption{
		pipeline.WithLatencyTable(latency.NewTableWithConfig(&c.config.Latency)),
	}
	if c.traceOut != nil {
		c.trace = sim.NewTraceSink(c.traceOut, traceBuffer)
		opts = append(opts, pipeline.WithTraceSink(c.trace))
	}

	p, err := pipeline.New(c.ctx, c.config.Pipeline, c.arch,
		c.caches.ICache(), c.caches.DCache(), c.predictor, opts...)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	c.pipeline = p

	for _, h := range c.hooks {
		p.AddRetireHook(h)
	}

	return nil
}

func (c *Core) instret() uint64 {
	if c.pipeline == nil {
		return 0
	}
	return c.pipeline.Retired()
}

// RunID returns the unique id of this run.
func (c *Core) RunID() string {
	return c.runID.String()
}

// Config returns the system configuration.
func (c *Core) Config() Config {
	return c.config
}

// Context returns the simulation context.
func (c *Core) Context() *sim.Context {
	return c.ctx
}

// Arch returns the architectural backend.
func (c *Core) Arch() *emu.RiscvArch {
	return c.arch
}

// Platform returns the memory and devices.
func (c *Core) Platform() *emu.Platform {
	return c.platform
}

// Caches returns the cache hierarchy.
func (c *Core) Caches() *cache.Manager {
	return c.caches
}

// Predictor returns the branch predictor.
func (c *Core) Predictor() *pred.Predictor {
	return c.predictor
}

// Pipeline returns the pipeline.
func (c *Core) Pipeline() *pipeline.Pipeline {
	return c.pipeline
}

// Step simulates one tick.
func (c *Core) Step() {
	if c.ctx.Failed() {
		return
	}

	c.caches.Tick()
	c.pipeline.Tick()
	c.ctx.Advance()
}

// Run ticks until software exits, a limit is reached, or a fatal error is
// latched.
func (c *Core) Run() (Result, error) {
	log := c.ctx.Logger()
	log.V(1).Info("run started", "pc", c.arch.StartPC())

	for {
		if reason := c.stopReason(); reason != StopNone {
			r := c.result(reason)
			log.Info("run finished", "reason", reason.String(),
				"ticks", r.Ticks, "instructions", r.Instructions, "exit_code", r.ExitCode)
			return r, nil
		}

		c.Step()

		if err := c.ctx.Err(); err != nil {
			return c.result(StopNone), err
		}
	}
}

// stopReason ends the run once software has exited and every instruction up
// to the finisher store has retired. The store commits at issue, so the
// count of issued instructions at that tick marks it.
func (c *Core) stopReason() StopReason {
	if exited, _ := c.platform.Finisher.Exited(); exited {
		if c.exitIssued == 0 {
			c.exitIssued = c.pipeline.Issued()
		}
		if c.pipeline.Retired() >= c.exitIssued {
			return StopExit
		}
	}
	if c.config.MaxTicks > 0 && c.ctx.Tick() >= c.config.MaxTicks {
		return StopMaxTicks
	}
	if c.config.MaxInstructions > 0 && c.pipeline.Retired() >= c.config.MaxInstructions {
		return StopMaxInstructions
	}
	return StopNone
}

func (c *Core) result(reason StopReason) Result {
	_, code := c.platform.Finisher.Exited()
	return Result{
		RunID:        c.RunID(),
		Reason:       reason,
		ExitCode:     code,
		Ticks:        c.ctx.Tick(),
		Instructions: c.pipeline.Retired(),
		Seconds:      c.config.Seconds(c.ctx.Tick()),
	}
}

// DumpStats writes every registered statistic.
func (c *Core) DumpStats(w io.Writer, tag language.Tag) error {
	return c.ctx.Stats().Dump(w, tag)
}

// Close flushes the trace.
func (c *Core) Close() error {
	if c.trace == nil {
		return nil
	}
	sink := c.trace
	c.trace = nil
	return sink.Close()
}

// startReference gives the reference interpreter its own copy of the loaded
// memory and fresh devices.
func (c *Core) startReference(start uint64) error {
	mem, err := c.platform.Memory.Clone()
	if err != nil {
		return fmt.Errorf("failed to start reference: %w", err)
	}
	mem.AddDevice(emu.NewUART(emu.DefaultUARTBase, io.Discard))
	mem.AddDevice(emu.NewCLINT(emu.DefaultCLINTBase, emu.NewIRQController(nil)))
	mem.AddDevice(emu.NewFinisher(emu.DefaultFinisherBase))

	c.ref = emu.NewEmulator(mem, emu.WithEntry(start))
	c.pipeline.AddRetireHook(c.crosscheck)
	return nil
}

// retirement is what the crosscheck compares for one instruction.
type retirement struct {
	PC   uint64
	Inst uint32
	Dst  []insts.DstWrite
}

func retirementOf(pc uint64, info *insts.DecodeInfo) retirement {
	return retirement{
		PC:   pc,
		Inst: info.Inst,
		Dst:  append([]insts.DstWrite(nil), info.Dst[:info.NumDst]...),
	}
}

func (c *Core) crosscheck(inst *pipeline.Inst) {
	if c.ctx.Failed() {
		return
	}

	for traps := 0; ; traps++ {
		if traps > maxTrapsPerRetire {
			c.ctx.Fatalf(ErrCrosscheck, "reference trapped %d times before retiring %#x", traps, inst.PC)
			return
		}

		pc := c.ref.PC()
		res := c.ref.Step()
		if res.Err != nil {
			c.ctx.Fatalf(ErrCrosscheck, "reference stopped at %#x: %v", pc, res.Err)
			return
		}
		if res.Trapped {
			continue
		}

		want := retirementOf(pc, c.ref.LastInfo())
		got := retirementOf(inst.PC, &inst.Info)
		if diff := cmp.Diff(want, got); diff != "" {
			c.ctx.Fatalf(ErrCrosscheck, "instruction %d differs from reference (-want +got):\n%s",
				c.pipeline.Retired(), diff)
		}
		return
	}
}
