package pipeline

import (
	"fmt"

	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/cache"
	"github.com/sarchlab/rvsim/timing/latency"
	"github.com/sarchlab/rvsim/timing/pred"
	"github.com/sarchlab/rvsim/timing/sim"
)

// Arch is the architectural backend. It decodes instructions into
// DecodeInfo descriptors and commits them in program order.
type Arch interface {
	StartPC() uint64
	TranslateAddr(vaddr uint64, ft insts.FetchType) (paddr, exc uint64)
	// Decode fills info for the instruction at vaddr and returns its size.
	Decode(vaddr, paddr uint64, info *insts.DecodeInfo) int
	// HandleException turns info into a trap for exception exc raised by
	// the fetch of the instruction at addr.
	HandleException(exc, addr uint64, info *insts.DecodeInfo)
	// UpdateEnv commits the last decoded instruction and returns the next PC.
	UpdateEnv() uint64
	ExceptionValid(exc uint64) bool
	ExceptionNone() uint64
	NeedFlush(info *insts.DecodeInfo) bool
}

// CachePort is the pipeline's view of an L1 cache.
type CachePort interface {
	Lookup(callbackID int, req *cache.Request) bool
	AddCallback(cb cache.Callback) int
	Flush(addr uint64, asid uint32)
	Redirect()
}

// BranchPredictor supplies next-PC predictions and learns from outcomes.
type BranchPredictor interface {
	Predict(pc uint64, info *insts.DecodeInfo, stall bool) (pred.Prediction, bool)
	Update(o pred.Outcome, metaIdx int)
	Redirect(o pred.Outcome, metaIdx int)
	Commit(metaIdx int)
}

// Config holds pipeline parameters.
type Config struct {
	// FetchRingSize bounds the fetched instructions waiting for decode.
	FetchRingSize int `yaml:"fetch_ring_size" json:"fetch_ring_size"`
	// MemQueueSize is the number of data-cache request slots.
	MemQueueSize int `yaml:"mem_queue_size" json:"mem_queue_size"`
	// WatchdogTicks is how long writeback may stay idle, or decode may wait
	// for a redirect, before the run is declared stuck.
	WatchdogTicks uint64 `yaml:"watchdog_ticks" json:"watchdog_ticks"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{FetchRingSize: 8, MemQueueSize: 8, WatchdogTicks: 5000}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FetchRingSize < 1 || c.FetchRingSize > 1<<16 {
		return fmt.Errorf("fetch ring size must be in [1, 65536], got %d", c.FetchRingSize)
	}
	if c.MemQueueSize < 2 || c.MemQueueSize > 1<<16 {
		return fmt.Errorf("mem queue size must be in [2, 65536], got %d", c.MemQueueSize)
	}
	if c.WatchdogTicks == 0 {
		return fmt.Errorf("watchdog ticks must be > 0")
	}
	return nil
}

// Statistics holds pipeline performance statistics.
type Statistics struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Instructions is the number of instructions retired.
	Instructions uint64
	// Exceptions and Interrupts count traps taken at writeback.
	Exceptions uint64
	Interrupts uint64
	// FrontRedirects, BranchRedirects and ExceptionRedirects count the
	// three redirect kinds.
	FrontRedirects     uint64
	BranchRedirects    uint64
	ExceptionRedirects uint64
	// FetchStalls counts cycles in which fetch issued nothing.
	FetchStalls uint64
	// LoadUseStalls counts cycles decode held an instruction for load data.
	LoadUseStalls uint64
	// ExecStalls counts extra cycles of multi-cycle operations.
	ExecStalls uint64
	// MemStalls counts cycles spent waiting for the data cache.
	MemStalls uint64
}

// CPI returns the cycles per instruction.
func (s Statistics) CPI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Instructions)
}

// PipelineOption is a functional option for configuring the Pipeline.
type PipelineOption func(*Pipeline)

// WithLatencyTable sets a custom latency table for instruction timing.
func WithLatencyTable(table *latency.Table) PipelineOption {
	return func(p *Pipeline) {
		p.latencyTable = table
	}
}

// WithTraceSink records every retired instruction into sink.
func WithTraceSink(sink *sim.TraceSink) PipelineOption {
	return func(p *Pipeline) {
		p.trace = sink
	}
}

// Pipeline is a single-issue, in-order, five stage pipeline:
// Fetch (IF) -> Decode (ID) -> Execute (EX) -> Memory (MEM) -> Writeback (WB).
// Architectural state is committed in ID through Arch.UpdateEnv; later
// stages model timing only.
type Pipeline struct {
	ctx    *sim.Context
	config Config

	arch      Arch
	icache    CachePort
	dcache    CachePort
	icacheCB  int
	dcacheCB  int
	predictor BranchPredictor

	latencyTable *latency.Table
	hazardUnit   *HazardUnit
	pool         instPool
	trace        *sim.TraceSink
	hooks        []func(*Inst)

	// pc is the architectural next PC, predPC the next fetch address.
	pc     uint64
	predPC uint64

	fetch fetchRing

	id           *Inst
	waitRedirect bool
	waitTick     uint64

	exe      *Inst
	exeEnd   bool
	exeStall uint64

	mem     *Inst
	memReqs []cache.Request
	memBusy []bool
	memEnd  []bool
	memNext int

	wb      *Inst
	wbTick  uint64
	issued  uint64
	retired uint64
	stats   Statistics
}

// New creates a pipeline fetching from arch.StartPC().
func New(
	ctx *sim.Context,
	config Config,
	arch Arch,
	icache, dcache CachePort,
	predictor BranchPredictor,
	opts ...PipelineOption,
) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		ctx:          ctx,
		config:       config,
		arch:         arch,
		icache:       icache,
		dcache:       dcache,
		predictor:    predictor,
		latencyTable: latency.NewTable(),
		hazardUnit:   NewHazardUnit(),
		pc:           arch.StartPC(),
		predPC:       arch.StartPC(),
		fetch:        newFetchRing(config.FetchRingSize),
		memReqs:      make([]cache.Request, config.MemQueueSize),
		memBusy:      make([]bool, config.MemQueueSize),
		memEnd:       make([]bool, config.MemQueueSize),
		wbTick:       ctx.Tick(),
	}

	for _, opt := range opts {
		opt(p)
	}

	for i := range p.memReqs {
		p.memReqs[i].IDs[0] = uint16(i)
	}

	p.icacheCB = icache.AddCallback(p.fetchDone)
	p.dcacheCB = dcache.AddCallback(p.memDone)

	return p, nil
}

// PC returns the architectural next PC.
func (p *Pipeline) PC() uint64 {
	return p.pc
}

// Retired returns the number of retired instructions.
func (p *Pipeline) Retired() uint64 {
	return p.retired
}

// Issued returns the number of instructions committed at issue without an
// exception. Each of them retires, in order.
func (p *Pipeline) Issued() uint64 {
	return p.issued
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Statistics {
	return p.stats
}

// AddRetireHook registers f to run for every retired instruction, in
// program order. The Inst is recycled after the hooks return.
func (p *Pipeline) AddRetireHook(f func(*Inst)) {
	p.hooks = append(p.hooks, f)
}

// Idle reports whether no instruction is in flight past fetch.
func (p *Pipeline) Idle() bool {
	return p.id == nil && p.exe == nil && p.mem == nil && p.wb == nil
}

// Tick executes one pipeline cycle.
//
// Stages are evaluated in reverse order (WB -> MEM -> EX -> ID -> IF) so an
// instruction advances at most one stage per cycle and every stage sees the
// space freed by the stage after it.
//
// Redirects:
//   - front: ID found a non-branch that fetch predicted taken, or one whose
//     commit changes the fetch environment; fetch restarts behind it.
//   - branch: EX resolved a mispredicted control transfer.
//   - exception: WB reached a trap; everything younger is discarded.
func (p *Pipeline) Tick() {
	if p.ctx.Failed() {
		return
	}

	p.stats.Cycles++

	p.writeback()
	p.memory()
	p.execute()
	p.decode()
	p.fetchStage()

	p.checkWatchdog()
}

func (p *Pipeline) checkWatchdog() {
	now := p.ctx.Tick()
	if now-p.wbTick > p.config.WatchdogTicks {
		p.ctx.Fatalf(sim.ErrWatchdog, "writeback idle for %d ticks (pc %#x)", now-p.wbTick, p.pc)
		return
	}
	if p.waitRedirect && now-p.waitTick > p.config.WatchdogTicks {
		p.ctx.Fatalf(sim.ErrWatchdog, "decode waited %d ticks for a redirect (pc %#x)", now-p.waitTick, p.pc)
	}
}

// RegisterStats publishes the counters into reg.
func (p *Pipeline) RegisterStats(reg *sim.Registry) {
	s := &p.stats
	reg.RegisterFunc("cpu.cycles", "simulated cycles", func() uint64 { return s.Cycles })
	reg.RegisterFunc("cpu.inst_count", "total number of instructions", func() uint64 { return s.Instructions })
	reg.RegisterRatio("cpu.ipc", "instructions per cycle",
		func() uint64 { return s.Instructions }, func() uint64 { return s.Cycles })
	reg.RegisterFunc("cpu.exceptions", "exceptions taken", func() uint64 { return s.Exceptions })
	reg.RegisterFunc("cpu.interrupts", "interrupts taken", func() uint64 { return s.Interrupts })
	reg.RegisterFunc("cpu.front_redirects", "fetch redirects from decode", func() uint64 { return s.FrontRedirects })
	reg.RegisterFunc("cpu.branch_redirects", "branch mispredict redirects", func() uint64 { return s.BranchRedirects })
	reg.RegisterFunc("cpu.exception_redirects", "trap redirects", func() uint64 { return s.ExceptionRedirects })
	reg.RegisterFunc("cpu.fetch_stalls", "cycles fetch issued nothing", func() uint64 { return s.FetchStalls })
	reg.RegisterFunc("cpu.load_use_stalls", "cycles decode waited for load data", func() uint64 { return s.LoadUseStalls })
	reg.RegisterFunc("cpu.exec_stalls", "extra multi-cycle execute cycles", func() uint64 { return s.ExecStalls })
	reg.RegisterFunc("cpu.mem_stalls", "cycles waiting for the data cache", func() uint64 { return s.MemStalls })
}
