package pipeline_test

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/cache"
	"github.com/sarchlab/rvsim/timing/latency"
	"github.com/sarchlab/rvsim/timing/pipeline"
	"github.com/sarchlab/rvsim/timing/pred"
	"github.com/sarchlab/rvsim/timing/sim"
)

var _ = Describe("Pipeline", func() {
	var (
		ctx    *sim.Context
		arch   *fakeArch
		icache *fakeCache
		dcache *fakeCache
		config pipeline.Config
		opts   []pipeline.PipelineOption
		p      *pipeline.Pipeline

		retired    []uint64
		retireTick map[uint64]uint64
		results    map[uint64]pipeline.Result
	)

	BeforeEach(func() {
		ctx = sim.NewContext(GinkgoLogr)
		arch = newFakeArch()
		icache = &fakeCache{ctx: ctx, delay: 1}
		dcache = &fakeCache{ctx: ctx, delay: 1}
		config = pipeline.DefaultConfig()
		opts = nil

		retired = nil
		retireTick = map[uint64]uint64{}
		results = map[uint64]pipeline.Result{}
	})

	JustBeforeEach(func() {
		bp, err := pred.New(ctx, pred.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())

		p, err = pipeline.New(ctx, config, arch, icache, dcache, bp, opts...)
		Expect(err).NotTo(HaveOccurred())

		p.AddRetireHook(func(inst *pipeline.Inst) {
			retired = append(retired, inst.PC)
			if _, seen := retireTick[inst.PC]; !seen {
				retireTick[inst.PC] = ctx.Tick()
			}
		})
	})

	// tick models one cycle in the system order: caches, then the pipeline.
	tick := func() {
		ctx.Advance()
		icache.Tick()
		dcache.Tick()
		p.Tick()
	}

	run := func(n int) {
		for range n {
			tick()
			if ctx.Failed() {
				return
			}
		}
	}

	// recordResults keeps the result of each redirecting instruction.
	recordResults := func() {
		p.AddRetireHook(func(inst *pipeline.Inst) {
			results[inst.PC] = inst.Result
		})
	}

	Describe("straight-line code", func() {
		It("should retire one instruction per cycle after filling", func() {
			run(20)

			Expect(ctx.Err()).NotTo(HaveOccurred())
			Expect(retired).To(HaveLen(15))
			Expect(retired[0]).To(Equal(uint64(startPC)))
			Expect(retired[14]).To(Equal(uint64(startPC + 14*4)))
			Expect(retireTick[startPC]).To(Equal(uint64(6)))
			Expect(p.Retired()).To(Equal(uint64(15)))
			Expect(p.Issued()).To(BeNumerically(">", p.Retired()))
		})

		It("should publish its counters", func() {
			run(20)

			reg := sim.NewRegistry()
			p.RegisterStats(reg)
			v, ok := reg.Value("cpu.inst_count")
			Expect(ok).To(BeTrue())
			Expect(v).To(BeNumerically("==", 15))
			Expect(p.Stats().CPI()).To(BeNumerically("~", 20.0/15.0, 1e-9))
		})
	})

	Describe("branch redirect", func() {
		BeforeEach(func() {
			arch.prog[0x1008] = op{typ: insts.TypeDirect, taken: true, target: 0x2000}
		})

		It("should resume at the target and drop the wrong path", func() {
			recordResults()
			run(30)

			Expect(ctx.Err()).NotTo(HaveOccurred())
			Expect(retired[:5]).To(Equal([]uint64{0x1000, 0x1004, 0x1008, 0x2000, 0x2004}))
			Expect(arch.committed).NotTo(ContainElement(uint64(0x100c)))
			Expect(p.Stats().BranchRedirects).To(Equal(uint64(1)))
			Expect(results[0x1008]).To(Equal(pipeline.ResultPredFail))
			Expect(icache.redirects).To(Equal(1))
		})
	})

	Describe("a loop", func() {
		BeforeEach(func() {
			arch.prog[0x100c] = op{typ: insts.TypeDirect, taken: true, target: startPC}
		})

		It("should only mispredict the first backward jump", func() {
			run(80)

			Expect(ctx.Err()).NotTo(HaveOccurred())
			Expect(len(retired)).To(BeNumerically(">", 40))
			Expect(p.Stats().BranchRedirects).To(Equal(uint64(1)))
		})
	})

	Describe("front redirect", func() {
		It("should refetch behind an instruction that changes the fetch environment", func() {
			arch.prog[0x1008] = op{flush: true}
			recordResults()
			run(20)

			Expect(ctx.Err()).NotTo(HaveOccurred())
			Expect(retired[:6]).To(Equal([]uint64{0x1000, 0x1004, 0x1008, 0x100c, 0x1010, 0x1014}))
			Expect(p.Stats().FrontRedirects).To(Equal(uint64(1)))
			Expect(results[0x1008]).To(Equal(pipeline.ResultFrontRedirect))
		})

		It("should redirect a non-branch that fetch predicted taken", func() {
			arch.prog[0x1000] = op{typ: insts.TypeDirect, taken: true, target: 0x1010}
			arch.prog[0x1010] = op{typ: insts.TypeDirect, taken: true, target: 0x1000}
			for len(retired) < 8 && !ctx.Failed() {
				tick()
			}

			arch.prog[0x1000] = op{}
			run(40)

			Expect(ctx.Err()).NotTo(HaveOccurred())
			Expect(p.Stats().FrontRedirects).To(BeNumerically(">=", 1))
			Expect(retired).To(ContainElement(uint64(0x1004)))
		})
	})

	Describe("exception redirect", func() {
		It("should trap a faulting load without retiring it", func() {
			arch.prog[0x1000] = op{typ: insts.TypeStore}
			arch.prog[0x1004] = op{typ: insts.TypeLoad, rd: 5, exc: excLoadFault}
			run(40)

			Expect(ctx.Err()).NotTo(HaveOccurred())
			Expect(arch.traps).To(Equal([]uint64{0x1004}))
			Expect(retired[:3]).To(Equal([]uint64{0x1000, trapVector, trapVector + 4}))
			Expect(retired).NotTo(ContainElement(uint64(0x1004)))
			Expect(arch.committed).NotTo(ContainElement(uint64(0x1008)))
			Expect(p.Retired()).To(Equal(uint64(len(retired))))

			s := p.Stats()
			Expect(s.Exceptions).To(Equal(uint64(1)))
			Expect(s.ExceptionRedirects).To(Equal(uint64(1)))
			Expect(dcache.redirects).To(Equal(1))
			Expect(dcache.reqs).To(HaveLen(1))
			Expect(dcache.pending).To(BeEmpty())
		})

		It("should take interrupts reported by decode", func() {
			arch.prog[0x1008] = op{exc: machineTimerI | insts.InterruptBit}
			run(30)

			Expect(arch.traps).To(Equal([]uint64{0x1008}))
			Expect(p.Stats().Interrupts).To(Equal(uint64(1)))
			Expect(retired).To(ContainElement(uint64(trapVector)))
		})

		It("should defer a fetch fault to decode", func() {
			arch.faults[0x1008] = 12
			run(30)

			Expect(arch.traps).To(Equal([]uint64{0x1008}))
			Expect(p.Stats().Exceptions).To(Equal(uint64(1)))
			Expect(retired[:3]).To(Equal([]uint64{0x1000, 0x1004, trapVector}))
			for _, r := range icache.reqs {
				Expect(r.Addr).NotTo(Equal(uint64(0x1008)))
			}
		})
	})

	Describe("execute", func() {
		It("should hold multi-cycle operations in EX", func() {
			arch.prog[0x1000] = op{typ: insts.TypeMult}
			run(20)

			Expect(retireTick[0x1000]).To(Equal(uint64(8)))
			Expect(p.Stats().ExecStalls).To(Equal(uint64(2)))
		})

		Context("with a zero multiply latency", func() {
			BeforeEach(func() {
				timing := latency.DefaultTimingConfig()
				timing.MultiplyLatency = 0
				opts = append(opts, pipeline.WithLatencyTable(latency.NewTableWithConfig(timing)))
			})

			It("should complete in the first cycle", func() {
				arch.prog[0x1000] = op{typ: insts.TypeMult}
				run(20)

				Expect(retireTick[0x1000]).To(Equal(uint64(6)))
				Expect(p.Stats().ExecStalls).To(BeZero())
			})
		})

		It("should stall a consumer until the load data returns", func() {
			dcache.delay = 10
			arch.prog[0x1000] = op{typ: insts.TypeLoad, rd: 5}
			arch.prog[0x1004] = op{rs1: 5}
			run(30)

			Expect(ctx.Err()).NotTo(HaveOccurred())
			Expect(p.Stats().LoadUseStalls).To(Equal(uint64(10)))
			Expect(retired[:2]).To(Equal([]uint64{0x1000, 0x1004}))
		})

		It("should send reads and writes with the right snoop opcode", func() {
			arch.prog[0x1000] = op{typ: insts.TypeLoad, rd: 5}
			arch.prog[0x1004] = op{typ: insts.TypeAMO, rd: 6}
			arch.prog[0x1008] = op{typ: insts.TypeSC, rd: 7, scFail: true}
			run(20)

			Expect(dcache.reqs).To(HaveLen(2))
			Expect(dcache.reqs[0].Op).To(Equal(cache.ReadShared))
			Expect(dcache.reqs[1].Op).To(Equal(cache.WriteBack))
			Expect(dcache.reqs[0].Addr).To(Equal(uint64(dataAddr)))
			Expect(retired[:3]).To(Equal([]uint64{0x1000, 0x1004, 0x1008}))
		})

		It("should flush the caches on fences", func() {
			arch.prog[0x1000] = op{typ: insts.TypeFence}
			arch.prog[0x1004] = op{typ: insts.TypeIFence, flush: true}
			run(20)

			Expect(dcache.flushes).To(Equal(1))
			Expect(icache.flushes).To(Equal(1))
			Expect(p.Stats().FrontRedirects).To(Equal(uint64(1)))
		})
	})

	Describe("watchdog", func() {
		BeforeEach(func() {
			config.WatchdogTicks = 50
			icache.never = true
		})

		It("should stop a run whose instruction cache never answers", func() {
			run(100)

			Expect(errors.Is(ctx.Err(), sim.ErrWatchdog)).To(BeTrue())
			Expect(ctx.Tick()).To(Equal(uint64(51)))
			Expect(retired).To(BeEmpty())
		})
	})

	Describe("protocol checks", func() {
		It("should reject a data completion for an idle slot", func() {
			dcache.cb([4]uint16{3}, cache.Tagv{})
			Expect(errors.Is(ctx.Err(), sim.ErrProtocol)).To(BeTrue())
		})

		It("should reject an unexpected instruction completion", func() {
			icache.cb([4]uint16{0}, cache.Tagv{})
			Expect(errors.Is(ctx.Err(), sim.ErrProtocol)).To(BeTrue())
		})
	})

	Describe("trace", func() {
		var (
			buf  bytes.Buffer
			sink *sim.TraceSink
		)

		BeforeEach(func() {
			buf.Reset()
			sink = sim.NewTraceSink(&buf, 16)
			opts = append(opts, pipeline.WithTraceSink(sink))
		})

		It("should record every retired instruction", func() {
			run(20)
			Expect(sink.Close()).To(Succeed())

			zr, err := gzip.NewReader(&buf)
			Expect(err).NotTo(HaveOccurred())
			data, err := io.ReadAll(zr)
			Expect(err).NotTo(HaveOccurred())

			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			Expect(lines).To(HaveLen(1 + len(retired)))
			Expect(lines[1]).To(HavePrefix("1\t0x1000\t0x1000\tint\t1\t1\t1\t1\t1"))
		})
	})

	It("should reject an invalid configuration", func() {
		bad := pipeline.DefaultConfig()
		bad.WatchdogTicks = 0
		bp, err := pred.New(ctx, pred.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())

		_, err = pipeline.New(ctx, bad, arch, icache, dcache, bp)
		Expect(err).To(MatchError(ContainSubstring("watchdog")))
	})
})
