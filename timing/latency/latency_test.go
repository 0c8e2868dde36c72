package latency_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/latency"
)

var _ = Describe("Latency", func() {
	var table *latency.Table

	BeforeEach(func() {
		table = latency.NewTable()
	})

	DescribeTable("default extra cycles per class",
		func(typ insts.InstType, want uint64) {
			Expect(table.Extra(typ)).To(Equal(want))
			Expect(table.IsMultiCycle(typ)).To(Equal(want > 0))
		},
		Entry("int", insts.TypeInt, uint64(0)),
		Entry("cond", insts.TypeCond, uint64(0)),
		Entry("load", insts.TypeLoad, uint64(0)),
		Entry("mult", insts.TypeMult, uint64(2)),
		Entry("div", insts.TypeDiv, uint64(20)),
		Entry("fadd", insts.TypeFAdd, uint64(3)),
		Entry("fmul", insts.TypeFMul, uint64(3)),
		Entry("fma", insts.TypeFMA, uint64(4)),
		Entry("fdiv", insts.TypeFDiv, uint64(12)),
		Entry("fsqrt", insts.TypeFSqrt, uint64(16)),
		Entry("fmisc complex", insts.TypeFMiscComplex, uint64(2)),
		Entry("fmisc simple", insts.TypeFMiscSimple, uint64(0)),
	)

	It("should treat out-of-range classes as single cycle", func() {
		Expect(table.Extra(insts.NumTypes + 1)).To(BeZero())
	})

	Describe("Custom Configuration", func() {
		It("should use custom config values", func() {
			config := latency.DefaultTimingConfig()
			config.MultiplyLatency = 0
			config.DivideLatency = 7

			custom := latency.NewTableWithConfig(config)
			Expect(custom.Extra(insts.TypeMult)).To(BeZero())
			Expect(custom.Extra(insts.TypeDiv)).To(Equal(uint64(7)))
			Expect(custom.Config()).To(BeIdenticalTo(config))
		})
	})
})

var _ = Describe("TimingConfig", func() {
	Describe("Default Config", func() {
		It("should create valid default config", func() {
			Expect(latency.DefaultTimingConfig().Validate()).To(Succeed())
		})
	})

	Describe("Validation", func() {
		It("should reject an absurd divide latency", func() {
			config := latency.DefaultTimingConfig()
			config.DivideLatency = 100000
			Expect(config.Validate()).To(MatchError(ContainSubstring("divide_latency")))
		})

		It("should accept zero latencies", func() {
			config := latency.DefaultTimingConfig()
			config.FSqrtLatency = 0
			Expect(config.Validate()).To(Succeed())
		})
	})

	Describe("Clone", func() {
		It("should create independent copy", func() {
			original := latency.DefaultTimingConfig()
			clone := original.Clone()
			clone.MultiplyLatency = 100

			Expect(original.MultiplyLatency).To(Equal(uint64(2)))
			Expect(clone.MultiplyLatency).To(Equal(uint64(100)))
		})
	})

	Describe("File Operations", func() {
		var tempDir string

		BeforeEach(func() {
			tempDir = GinkgoT().TempDir()
		})

		It("should save and load config", func() {
			original := latency.DefaultTimingConfig()
			original.FMALatency = 5
			original.DivideLatency = 10

			path := filepath.Join(tempDir, "timing.json")
			Expect(original.SaveConfig(path)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(original))
		})

		It("should keep defaults for missing fields", func() {
			path := filepath.Join(tempDir, "partial.json")
			Expect(os.WriteFile(path, []byte(`{"fdiv_latency": 30}`), 0644)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.FDivLatency).To(Equal(uint64(30)))
			Expect(loaded.MultiplyLatency).To(Equal(uint64(2)))
		})

		It("should return error for non-existent file", func() {
			_, err := latency.LoadConfig("/nonexistent/path/timing.json")
			Expect(err).To(HaveOccurred())
		})

		It("should return error for invalid JSON", func() {
			path := filepath.Join(tempDir, "invalid.json")
			Expect(os.WriteFile(path, []byte("not valid json"), 0644)).To(Succeed())

			_, err := latency.LoadConfig(path)
			Expect(err).To(HaveOccurred())
		})

		It("should reject an out-of-range value", func() {
			path := filepath.Join(tempDir, "bad.json")
			Expect(os.WriteFile(path, []byte(`{"fsqrt_latency": 5000}`), 0644)).To(Succeed())

			_, err := latency.LoadConfig(path)
			Expect(err).To(MatchError(ContainSubstring("fsqrt_latency")))
		})
	})
})
