package emu_test

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/insts"
)

// exitProgram sums 1..n into a0, prints "ok" and writes the finisher.
func exitProgram(n int64, pass bool) []uint32 {
	code := int64(0x5555)
	if !pass {
		code = 7<<16 | 0x3333
	}

	return []uint32{
		insts.ADDI(10, 0, 0),
		insts.ADDI(11, 0, int64(n)),
		insts.Encode(insts.OpADD, 10, 10, 11, 0),
		insts.ADDI(11, 11, -1),
		insts.BNE(11, 0, -8),
		insts.LUI(5, int64(emu.DefaultUARTBase)),
		insts.ADDI(6, 0, 'o'),
		insts.Encode(insts.OpSB, 0, 5, 6, 0),
		insts.ADDI(6, 0, 'k'),
		insts.Encode(insts.OpSB, 0, 5, 6, 0),
		insts.LUI(5, int64(emu.DefaultFinisherBase)),
		insts.LUI(6, code&^0xfff),
		insts.ADDI(6, 6, code&0xfff),
		insts.Encode(insts.OpSW, 0, 5, 6, 0),
		insts.JAL(0, 0),
	}
}

var _ = Describe("Emulator", func() {
	var (
		platform *emu.Platform
		out      *bytes.Buffer
	)

	BeforeEach(func() {
		out = &bytes.Buffer{}
		platform = emu.NewPlatform(base, 1<<20, out, nil)
	})

	It("should run a program to a passing exit", func() {
		Expect(platform.Memory.LoadWords(base, exitProgram(10, true)...)).To(Succeed())
		e := emu.NewEmulator(platform.Memory)

		code, err := e.Run()

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(BeZero())
		Expect(e.State().Reg(10)).To(Equal(uint64(55)))
		Expect(out.String()).To(Equal("ok"))
		Expect(e.InstructionCount()).To(Equal(uint64(2 + 3*10 + 9)))
	})

	It("should report a failing exit code", func() {
		Expect(platform.Memory.LoadWords(base, exitProgram(1, false)...)).To(Succeed())
		e := emu.NewEmulator(platform.Memory)

		code, err := e.Run()

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(7)))
	})

	It("should stop at the instruction limit", func() {
		Expect(platform.Memory.LoadWords(base, insts.JAL(0, 0))).To(Succeed())
		e := emu.NewEmulator(platform.Memory, emu.WithMaxInstructions(5))

		_, err := e.Run()

		Expect(errors.Is(err, emu.ErrMaxInstructions)).To(BeTrue())
		Expect(e.InstructionCount()).To(Equal(uint64(5)))
		Expect(e.PC()).To(Equal(base))
	})

	Context("with device ticks", func() {
		var e *emu.Emulator

		start := func(opts ...emu.EmulatorOption) {
			nops := make([]uint32, 16)
			for i := range nops {
				nops[i] = insts.NOP()
			}
			Expect(platform.Memory.LoadWords(base, nops...)).To(Succeed())
			Expect(platform.Memory.LoadWords(base+0x200, nops...)).To(Succeed())

			e = emu.NewEmulator(platform.Memory, opts...)
			platform.IRQ.SetSink(e.Arch().IRQListener)

			s := e.State()
			s.W[emu.StateMTVec] = base + 0x200
			s.W[emu.StateMIE] = emu.MipMTIP
			s.W[emu.StateMStatus] = emu.MStatusMIE
			platform.CLINT.Write(emu.DefaultCLINTBase+0x4000, 8, 3)
		}

		firstTrap := func() int {
			for i := range 10 {
				if e.Step().Trapped {
					return i
				}
			}
			return -1
		}

		It("should run the timer one tick per instruction", func() {
			start(emu.WithDeviceTicks())

			Expect(firstTrap()).To(Equal(3))
			Expect(e.InstructionCount()).To(Equal(uint64(3)))
			Expect(e.State().W[emu.StateMCause]).To(Equal(insts.InterruptBit | emu.IRQMTimer))
			Expect(e.PC()).To(Equal(base + 0x200))
		})

		It("should leave the timer stopped otherwise", func() {
			start()

			Expect(firstTrap()).To(Equal(-1))
			Expect(platform.CLINT.Read(emu.DefaultCLINTBase+0xbff8, 8)).To(BeZero())
		})
	})

	It("should not count a trap as retired", func() {
		Expect(platform.Memory.LoadWords(base, insts.ECALL())).To(Succeed())
		e := emu.NewEmulator(platform.Memory)

		result := e.Step()

		Expect(result.Trapped).To(BeTrue())
		Expect(e.InstructionCount()).To(BeZero())
	})
})
