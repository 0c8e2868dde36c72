package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvsim/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	Describe("Integer immediate", func() {
		// ADDI X1, X1, 42 -> 0x02a08093
		It("should decode ADDI X1, X1, 42", func() {
			inst := decoder.Decode(0x02a08093)

			Expect(inst.Op).To(Equal(insts.OpADDI))
			Expect(inst.Format).To(Equal(insts.FormatI))
			Expect(inst.Rd).To(Equal(uint8(1)))
			Expect(inst.Rs1).To(Equal(uint8(1)))
			Expect(inst.Imm).To(Equal(int64(42)))
		})

		// addi x2, x0, -1 -> 0xfff00113
		It("should sign-extend negative immediates", func() {
			inst := decoder.Decode(0xfff00113)

			Expect(inst.Op).To(Equal(insts.OpADDI))
			Expect(inst.Imm).To(Equal(int64(-1)))
		})

		// SRAI X5, X5, 63 -> 0x43f2d293
		It("should decode 6-bit shift amounts", func() {
			inst := decoder.Decode(0x43f2d293)

			Expect(inst.Op).To(Equal(insts.OpSRAI))
			Expect(inst.Imm).To(Equal(int64(63)))
		})
	})

	Describe("Control transfer", func() {
		// JAL X1, -8 -> 0xff9ff0ef
		It("should decode a backward JAL", func() {
			inst := decoder.Decode(0xff9ff0ef)

			Expect(inst.Op).To(Equal(insts.OpJAL))
			Expect(inst.Rd).To(Equal(uint8(1)))
			Expect(inst.Imm).To(Equal(int64(-8)))
		})

		// BEQ X1, X2, 16 -> 0x00208863
		It("should decode BEQ", func() {
			inst := decoder.Decode(0x00208863)

			Expect(inst.Op).To(Equal(insts.OpBEQ))
			Expect(inst.Rs1).To(Equal(uint8(1)))
			Expect(inst.Rs2).To(Equal(uint8(2)))
			Expect(inst.Imm).To(Equal(int64(16)))
		})

		// jalr x0, 0(x1) -> 0x00008067 (ret)
		It("should decode RET as JALR", func() {
			inst := decoder.Decode(0x00008067)

			Expect(inst.Op).To(Equal(insts.OpJALR))
			Expect(inst.Rd).To(Equal(uint8(0)))
			Expect(inst.Rs1).To(Equal(uint8(1)))
		})
	})

	Describe("System", func() {
		It("should prefer exact encodings", func() {
			Expect(decoder.Decode(0x00000073).Op).To(Equal(insts.OpECALL))
			Expect(decoder.Decode(0x30200073).Op).To(Equal(insts.OpMRET))
			Expect(decoder.Decode(0x12000073).Op).To(Equal(insts.OpSFENCEVMA))
		})

		// csrrw x0, mtvec(0x305), x5 -> 0x30529073
		It("should carry the CSR number in Imm", func() {
			inst := decoder.Decode(0x30529073)

			Expect(inst.Op).To(Equal(insts.OpCSRRW))
			Expect(inst.Imm).To(Equal(int64(0x305)))
			Expect(inst.Rs1).To(Equal(uint8(5)))
		})
	})

	Describe("Atomics", func() {
		It("should separate LR from SC", func() {
			lr := insts.Encode(insts.OpLRD, 3, 4, 0, 0)
			sc := insts.Encode(insts.OpSCD, 3, 4, 5, 0)

			Expect(decoder.Decode(lr).Op).To(Equal(insts.OpLRD))
			Expect(decoder.Decode(sc).Op).To(Equal(insts.OpSCD))
		})
	})

	It("should reject compressed and unknown words", func() {
		Expect(decoder.Decode(0x4501).Valid()).To(BeFalse())
		Expect(decoder.Decode(0x00000000).Valid()).To(BeFalse())
		Expect(decoder.Decode(0xffffffff).Valid()).To(BeFalse())
	})

	It("should decode what Encode produces", func() {
		words := map[insts.Op]uint32{
			insts.OpBLT:  insts.BLT(1, 2, -12),
			insts.OpJAL:  insts.JAL(1, 2048),
			insts.OpSD:   insts.SD(5, 2, -16),
			insts.OpLUI:  insts.LUI(7, 0x12345000),
			insts.OpJALR: insts.JALR(1, 6, 8),
		}

		for op, w := range words {
			Expect(decoder.Decode(w).Op).To(Equal(op))
		}

		Expect(decoder.Decode(insts.BLT(1, 2, -12)).Imm).To(Equal(int64(-12)))
		Expect(decoder.Decode(insts.JAL(1, 2048)).Imm).To(Equal(int64(2048)))
		Expect(decoder.Decode(insts.SD(5, 2, -16)).Imm).To(Equal(int64(-16)))
		Expect(decoder.Decode(insts.LUI(7, 0x12345000)).Imm).To(Equal(int64(0x12345000)))
	})
})

var _ = Describe("InstType", func() {
	It("should keep branch and memory classes contiguous", func() {
		Expect(insts.TypeInt.IsBranch()).To(BeFalse())
		Expect(insts.TypeCond.IsBranch()).To(BeTrue())
		Expect(insts.TypePopPush.IsBranch()).To(BeTrue())
		Expect(insts.TypeCond.IsJump()).To(BeFalse())
		Expect(insts.TypeLoad.IsMem()).To(BeTrue())
		Expect(insts.TypeAMO.IsMem()).To(BeTrue())
		Expect(insts.TypeMult.IsMem()).To(BeFalse())
		Expect(insts.TypePopPush.String()).To(Equal("pop_push"))
	})
})

var _ = Describe("DecodeInfo", func() {
	It("should refuse a fourth destination", func() {
		info := &insts.DecodeInfo{}
		info.AddDst(1, ^uint64(0), 1)
		info.AddDst(2, ^uint64(0), 2)
		info.AddDst(3, ^uint64(0), 3)

		Expect(func() { info.AddDst(4, ^uint64(0), 4) }).To(Panic())
	})

	It("should never report x0 as a source", func() {
		info := &insts.DecodeInfo{SrcReg: [3]uint8{0, 5, 0}}

		Expect(info.Reads(0)).To(BeFalse())
		Expect(info.Reads(5)).To(BeTrue())
	})
})
