package core_test

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/text/language"

	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/loader"
	"github.com/sarchlab/rvsim/timing/cache"
	"github.com/sarchlab/rvsim/timing/core"
	"github.com/sarchlab/rvsim/timing/pipeline"
	"github.com/sarchlab/rvsim/timing/pred"
)

const (
	base       = emu.DefaultRAMBase
	memLatency = 20
)

func program(words ...uint32) *loader.Program {
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	return &loader.Program{
		EntryPoint: base,
		Segments: []loader.Segment{{
			VirtAddr: base,
			PhysAddr: base,
			Data:     data,
			MemSize:  uint64(len(data)),
			Flags:    loader.SegmentFlagRead | loader.SegmentFlagExecute,
		}},
	}
}

// testConfig has split L1s straight over a 20-tick memory.
func testConfig() core.Config {
	config := core.DefaultConfig()
	config.RAMSize = 1 << 20
	config.Caches = cache.HierarchyConfig{
		L1I:    cache.DefaultL1IConfig(),
		L1D:    cache.DefaultL1DConfig(),
		Memory: cache.MemoryConfig{Latency: memLatency, QueueSize: 4},
	}
	return config
}

func straightLine(n int) []uint32 {
	words := make([]uint32, 0, n+1)
	for i := 0; i < n; i++ {
		words = append(words, insts.ADDI(1, 1, 1))
	}
	return append(words, insts.JAL(0, 0))
}

var _ = Describe("Core", func() {
	var (
		config  core.Config
		words   []uint32
		opts    []core.Option
		retired []uint64
		c       *core.Core
	)

	BeforeEach(func() {
		config = testConfig()
		words = straightLine(17)
		retired = nil
		opts = []core.Option{core.WithRetireHook(func(inst *pipeline.Inst) {
			retired = append(retired, inst.PC-base)
		})}
	})

	JustBeforeEach(func() {
		var err error
		c, err = core.New(GinkgoLogr, config, program(words...), opts...)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			Expect(c.Close()).To(Succeed())
		})
	})

	step := func(n int) {
		for i := 0; i < n; i++ {
			c.Step()
		}
	}

	Context("straight-line code from a cold instruction cache", func() {
		It("should retire one instruction per tick once the first line arrives", func() {
			// The first line fills at tick 1+L and its first instruction
			// retires four ticks later; each following hit adds one.
			first := 5 + memLatency

			step(first)
			Expect(c.Pipeline().Retired()).To(BeZero())

			for k := 1; k <= 16; k++ {
				step(1)
				Expect(c.Pipeline().Retired()).To(Equal(uint64(k)), "after tick %d", first+k-1)
			}
		})

		It("should stall for the second line", func() {
			step(5 + memLatency + 16)
			Expect(c.Pipeline().Retired()).To(Equal(uint64(16)))

			// Instruction 16 starts a new line: looked up at tick 16+L,
			// filled at tick 17+2L, retired four ticks later.
			step(20)
			Expect(c.Pipeline().Retired()).To(Equal(uint64(16)))
			step(1)
			Expect(c.Pipeline().Retired()).To(Equal(uint64(17)))
			Expect(c.Arch().State().Reg(1)).To(Equal(uint64(17)))
		})

		It("should count instruction cache misses", func() {
			step(5 + memLatency)
			Expect(c.Caches().ICache().Stats().Misses).To(Equal(uint64(1)))

			step(16)
			stats := c.Caches().ICache().Stats()
			Expect(stats.Misses).To(Equal(uint64(2)))
			Expect(stats.Hits).To(Equal(uint64(15)))
		})
	})

	Context("a loop whose branch is mispredicted both ways", func() {
		BeforeEach(func() {
			config.Crosscheck = true
			words = []uint32{
				insts.ADDI(2, 0, 2), // 0x00
				insts.ADDI(1, 1, 1), // 0x04
				insts.NOP(),         // 0x08
				insts.BLT(1, 2, -8), // 0x0c
				insts.NOP(),         // 0x10
				insts.JAL(0, 0),     // 0x14
			}
		})

		It("should redirect once per misprediction and learn the real outcomes", func() {
			step(600)
			Expect(c.Context().Err()).NotTo(HaveOccurred())

			Expect(len(retired)).To(BeNumerically(">", 12))
			Expect(retired[:9]).To(Equal([]uint64{0x0, 0x4, 0x8, 0xc, 0x4, 0x8, 0xc, 0x10, 0x14}))
			for _, pc := range retired[9:] {
				Expect(pc).To(Equal(uint64(0x14)))
			}

			// Two BLT mispredictions and the cold JAL.
			Expect(c.Pipeline().Stats().BranchRedirects).To(Equal(uint64(3)))

			stats := c.Predictor().Stats()
			Expect(stats.Cond).To(Equal(uint64(2)))
			Expect(stats.CondMiss).To(Equal(uint64(2)))

			ghr := c.Predictor().History().Get(pred.HistoryGHR).(*pred.GHR)
			Expect(ghr.Value(2)).To(Equal(uint64(0b10)))

			// The BLT indexes the table at 3 with empty history and at 3^1
			// after its taken outcome; each counter moved toward the real
			// direction.
			gshare := c.Predictor().Component("gshare").(*pred.GShare)
			Expect(gshare.Counter(3)).To(Equal(int8(1)))
			Expect(gshare.Counter(2)).To(Equal(int8(-1)))

			Expect(c.Arch().State().Reg(1)).To(Equal(uint64(2)))
		})
	})

	Context("with an instruction limit", func() {
		BeforeEach(func() {
			config.MaxInstructions = 5
		})

		It("should stop after the limit", func() {
			r, err := c.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Reason).To(Equal(core.StopMaxInstructions))
			Expect(r.Instructions).To(Equal(uint64(5)))
			Expect(r.RunID).To(Equal(c.RunID()))
			Expect(r.CPI()).To(BeNumerically(">", 1))
		})
	})

	Context("with a tick limit", func() {
		BeforeEach(func() {
			config.MaxTicks = 10
		})

		It("should stop at the limit", func() {
			r, err := c.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Reason).To(Equal(core.StopMaxTicks))
			Expect(r.Ticks).To(Equal(uint64(10)))
			Expect(r.Instructions).To(BeZero())
			Expect(r.Seconds).To(BeNumerically("~", 10e-9, 1e-12))
		})
	})

	Context("when software writes the test finisher", func() {
		BeforeEach(func() {
			words = []uint32{
				insts.LUI(5, int64(emu.DefaultFinisherBase)),
				insts.LUI(6, 0x73000),
				insts.ADDI(6, 6, 0x333),
				insts.SD(6, 5, 0),
				insts.JAL(0, 0),
			}
		})

		It("should stop with the exit code", func() {
			r, err := c.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Reason).To(Equal(core.StopExit))
			Expect(r.ExitCode).To(Equal(int64(7)))
			Expect(r.Instructions).To(Equal(uint64(4)))
		})
	})

	Context("when software exits behind a cache miss", func() {
		BeforeEach(func() {
			words = nil
			for i := 0; i < 10; i++ {
				words = append(words, insts.ADDI(1, 1, 1))
			}
			words = append(words,
				insts.LUI(5, int64(emu.DefaultFinisherBase)),
				insts.LUI(6, 0x5000),
				insts.ADDI(6, 6, 0x555),
				insts.SD(6, 5, 0),
				insts.JAL(0, 0),
			)
		})

		DescribeTable("should retire through the finisher store whatever the caches",
			func(line, sets int) {
				tiny := cache.Config{Sets: sets, Ways: 1, LineSize: line, Delay: 1}
				tiny.Name = "l1i"
				config.Caches.L1I = tiny
				tiny.Name = "l1d"
				config.Caches.L1D = tiny
				config.Crosscheck = true

				c, err := core.New(GinkgoLogr, config, program(words...))
				Expect(err).NotTo(HaveOccurred())
				defer func() { _ = c.Close() }()

				r, err := c.Run()
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Reason).To(Equal(core.StopExit))
				Expect(r.ExitCode).To(BeZero())
				Expect(r.Instructions).To(Equal(uint64(14)))
			},
			Entry("one 8-byte line", 8, 1),
			Entry("sixteen 64-byte lines", 64, 16),
		)
	})

	Context("with the crosscheck enabled", func() {
		BeforeEach(func() {
			config.Crosscheck = true
			config.MaxTicks = 500
		})

		It("should agree with the reference on straight-line code", func() {
			r, err := c.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Instructions).To(BeNumerically(">", 17))
		})

		It("should stop at the first difference", func() {
			Expect(c.Platform().Memory.LoadWords(base+4, insts.ADDI(3, 0, 9))).To(Succeed())

			_, err := c.Run()
			Expect(errors.Is(err, core.ErrCrosscheck)).To(BeTrue())
			Expect(c.Pipeline().Retired()).To(Equal(uint64(2)))
		})
	})

	Context("reporting", func() {
		var trace bytes.Buffer

		BeforeEach(func() {
			trace.Reset()
			config.MaxInstructions = 5
			opts = append(opts, core.WithTrace(&trace))
		})

		It("should trace every retired instruction", func() {
			_, err := c.Run()
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Close()).To(Succeed())

			zr, err := gzip.NewReader(&trace)
			Expect(err).NotTo(HaveOccurred())
			data, err := io.ReadAll(zr)
			Expect(err).NotTo(HaveOccurred())

			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			Expect(lines).To(HaveLen(6))
			Expect(lines[1]).To(HavePrefix("0\t0x80000000\t0x80000000\tint\t"))
		})

		It("should dump the statistics of every component", func() {
			_, err := c.Run()
			Expect(err).NotTo(HaveOccurred())

			var out bytes.Buffer
			Expect(c.DumpStats(&out, language.English)).To(Succeed())
			Expect(out.String()).To(ContainSubstring("cpu.inst_count"))
			Expect(out.String()).To(ContainSubstring("bp.cond_miss_rate"))
			Expect(out.String()).To(ContainSubstring("l1i.misses"))
			Expect(out.String()).To(ContainSubstring("memory.reads"))

			v, ok := c.Context().Stats().Value("cpu.inst_count")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(5.0))
		})
	})
})

var _ = Describe("Config", func() {
	It("should validate the defaults", func() {
		config := core.DefaultConfig()
		Expect(config.Validate()).To(Succeed())
		Expect(float64(config.Freq())).To(Equal(1e9))
	})

	It("should reject an unsupported version", func() {
		config := core.DefaultConfig()
		config.Version = "2.0.0"
		Expect(config.Validate()).To(MatchError(ContainSubstring("not supported")))

		config.Version = "one"
		Expect(config.Validate()).To(MatchError(ContainSubstring("invalid config version")))
	})

	It("should reject a bad component config", func() {
		config := core.DefaultConfig()
		config.Predictor.BTB.Entries = 100
		Expect(config.Validate()).To(MatchError(ContainSubstring("invalid predictor config")))
	})

	It("should refuse to build from a bad config", func() {
		config := core.DefaultConfig()
		config.Pipeline.FetchRingSize = 0
		_, err := core.New(GinkgoLogr, config, program(insts.NOP()))
		Expect(err).To(HaveOccurred())
	})

	It("should round-trip through YAML", func() {
		path := filepath.Join(GinkgoT().TempDir(), "system.yaml")
		config := core.DefaultConfig()
		config.MaxTicks = 1234
		config.Crosscheck = true

		Expect(core.SaveConfig(&config, path)).To(Succeed())
		loaded, err := core.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(*loaded).To(Equal(config))
	})

	It("should keep defaults for missing fields", func() {
		path := filepath.Join(GinkgoT().TempDir(), "partial.yaml")
		doc := "version: 1.2.0\nmax_ticks: 100\npipeline:\n  watchdog_ticks: 77\n"
		Expect(os.WriteFile(path, []byte(doc), 0644)).To(Succeed())

		loaded, err := core.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.MaxTicks).To(Equal(uint64(100)))
		Expect(loaded.Pipeline.WatchdogTicks).To(Equal(uint64(77)))
		Expect(loaded.Pipeline.FetchRingSize).To(Equal(pipeline.DefaultConfig().FetchRingSize))
		Expect(loaded.Predictor).To(Equal(pred.DefaultConfig()))
	})

	It("should fail on a missing file", func() {
		_, err := core.LoadConfig(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(MatchError(ContainSubstring("failed to read config file")))
	})
})
