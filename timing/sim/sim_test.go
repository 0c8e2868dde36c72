package sim_test

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/text/language"

	"github.com/sarchlab/rvsim/timing/sim"
)

var _ = Describe("Context", func() {
	var ctx *sim.Context

	BeforeEach(func() {
		ctx = sim.NewContext(GinkgoLogr)
	})

	It("should advance the tick", func() {
		Expect(ctx.Tick()).To(BeZero())
		ctx.Advance()
		ctx.Advance()
		Expect(ctx.Tick()).To(Equal(uint64(2)))
	})

	It("should latch only the first fatal error", func() {
		ctx.SetDumper(func() string { return "x1=0" })
		ctx.Advance()

		ctx.Fatalf(sim.ErrWatchdog, "stuck for %d ticks", 10)
		ctx.Fatalf(sim.ErrProtocol, "late")

		Expect(ctx.Failed()).To(BeTrue())
		err := ctx.Err()
		Expect(errors.Is(err, sim.ErrWatchdog)).To(BeTrue())
		Expect(errors.Is(err, sim.ErrProtocol)).To(BeFalse())

		var fatal *sim.FatalError
		Expect(errors.As(err, &fatal)).To(BeTrue())
		Expect(fatal.Tick).To(Equal(uint64(1)))
		Expect(fatal.Dump).To(Equal("x1=0"))
		Expect(fatal.Error()).To(ContainSubstring("stuck for 10 ticks"))
	})

	It("should report no error before a fatal condition", func() {
		Expect(ctx.Err()).NotTo(HaveOccurred())
	})
})

var _ = Describe("Registry", func() {
	It("should read counters and ratios", func() {
		r := sim.NewRegistry()
		insts := r.Counter("insts", "retired instructions")
		cycles := r.Counter("cycles", "ticks")
		r.RegisterRatio("ipc", "instructions per cycle", insts.Value, cycles.Value)

		v, _ := r.Value("ipc")
		Expect(v).To(BeZero())

		insts.Add(3)
		cycles.Add(4)

		v, ok := r.Value("ipc")
		Expect(ok).To(BeTrue())
		Expect(v).To(BeNumerically("~", 0.75, 1e-9))
		Expect(r.Names()).To(Equal([]string{"cycles", "insts", "ipc"}))
	})

	It("should dump values with grouped digits", func() {
		r := sim.NewRegistry()
		r.Counter("cycles", "ticks").Add(1234567)

		var buf bytes.Buffer
		Expect(r.Dump(&buf, language.English)).To(Succeed())

		Expect(buf.String()).To(ContainSubstring("1,234,567"))
		Expect(buf.String()).To(ContainSubstring("# ticks"))
	})
})

var _ = Describe("TraceSink", func() {
	It("should write compressed tab-separated records", func() {
		var buf bytes.Buffer
		sink := sim.NewTraceSink(&buf, 4)

		for i := 0; i < 10; i++ {
			sink.Record(sim.TraceRecord{
				Tick: uint64(i), PC: 0x80000000 + uint64(4*i), Type: "int",
				Latency: [sim.NumStages]uint64{1, 1, 1, 0, 1},
			})
		}
		Expect(sink.Close()).To(Succeed())

		zr, err := gzip.NewReader(&buf)
		Expect(err).NotTo(HaveOccurred())
		data, err := io.ReadAll(zr)
		Expect(err).NotTo(HaveOccurred())

		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		Expect(lines).To(HaveLen(11))
		Expect(lines[0]).To(HavePrefix("tick\tpc"))
		Expect(lines[1]).To(Equal("0\t0x80000000\t0x0\tint\t1\t1\t1\t0\t1"))
	})
})
