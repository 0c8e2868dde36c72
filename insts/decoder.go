package insts

// Major opcodes (bits 6:0).
const (
	opcLoad     = 0x03
	opcMiscMem  = 0x0f
	opcOpImm    = 0x13
	opcAUIPC    = 0x17
	opcOpImm32  = 0x1b
	opcStore    = 0x23
	opcAMO      = 0x2f
	opcOp       = 0x33
	opcLUI      = 0x37
	opcOp32     = 0x3b
	opcBranch   = 0x63
	opcJALR     = 0x67
	opcJAL      = 0x6f
	opcSystem   = 0x73
	maskOpcode  = 0x0000007f
	maskFunct3  = 0x0000707f
	maskFunct7  = 0xfe00707f
	maskShift64 = 0xfc00707f
	maskAMO     = 0xf800707f
	maskLR      = 0xf9f0707f
	maskExact   = 0xffffffff
)

// pattern is one row of the decode table: a word w decodes to op when
// w&mask == match.
type pattern struct {
	name   string
	mask   uint32
	match  uint32
	op     Op
	format Format
}

func f3(opc, funct3 uint32) uint32 {
	return opc | funct3<<12
}

func f7(opc, funct3, funct7 uint32) uint32 {
	return opc | funct3<<12 | funct7<<25
}

func amo(funct3, funct5 uint32) uint32 {
	return opcAMO | funct3<<12 | funct5<<27
}

var patterns = []pattern{
	{"lui", maskOpcode, opcLUI, OpLUI, FormatU},
	{"auipc", maskOpcode, opcAUIPC, OpAUIPC, FormatU},
	{"jal", maskOpcode, opcJAL, OpJAL, FormatJ},
	{"jalr", maskFunct3, f3(opcJALR, 0), OpJALR, FormatI},

	{"beq", maskFunct3, f3(opcBranch, 0), OpBEQ, FormatB},
	{"bne", maskFunct3, f3(opcBranch, 1), OpBNE, FormatB},
	{"blt", maskFunct3, f3(opcBranch, 4), OpBLT, FormatB},
	{"bge", maskFunct3, f3(opcBranch, 5), OpBGE, FormatB},
	{"bltu", maskFunct3, f3(opcBranch, 6), OpBLTU, FormatB},
	{"bgeu", maskFunct3, f3(opcBranch, 7), OpBGEU, FormatB},

	{"lb", maskFunct3, f3(opcLoad, 0), OpLB, FormatI},
	{"lh", maskFunct3, f3(opcLoad, 1), OpLH, FormatI},
	{"lw", maskFunct3, f3(opcLoad, 2), OpLW, FormatI},
	{"ld", maskFunct3, f3(opcLoad, 3), OpLD, FormatI},
	{"lbu", maskFunct3, f3(opcLoad, 4), OpLBU, FormatI},
	{"lhu", maskFunct3, f3(opcLoad, 5), OpLHU, FormatI},
	{"lwu", maskFunct3, f3(opcLoad, 6), OpLWU, FormatI},
	{"sb", maskFunct3, f3(opcStore, 0), OpSB, FormatS},
	{"sh", maskFunct3, f3(opcStore, 1), OpSH, FormatS},
	{"sw", maskFunct3, f3(opcStore, 2), OpSW, FormatS},
	{"sd", maskFunct3, f3(opcStore, 3), OpSD, FormatS},

	{"addi", maskFunct3, f3(opcOpImm, 0), OpADDI, FormatI},
	{"slti", maskFunct3, f3(opcOpImm, 2), OpSLTI, FormatI},
	{"sltiu", maskFunct3, f3(opcOpImm, 3), OpSLTIU, FormatI},
	{"xori", maskFunct3, f3(opcOpImm, 4), OpXORI, FormatI},
	{"ori", maskFunct3, f3(opcOpImm, 6), OpORI, FormatI},
	{"andi", maskFunct3, f3(opcOpImm, 7), OpANDI, FormatI},
	{"slli", maskShift64, f3(opcOpImm, 1), OpSLLI, FormatShift},
	{"srli", maskShift64, f3(opcOpImm, 5), OpSRLI, FormatShift},
	{"srai", maskShift64, f3(opcOpImm, 5) | 0x40000000, OpSRAI, FormatShift},

	{"add", maskFunct7, f7(opcOp, 0, 0x00), OpADD, FormatR},
	{"sub", maskFunct7, f7(opcOp, 0, 0x20), OpSUB, FormatR},
	{"sll", maskFunct7, f7(opcOp, 1, 0x00), OpSLL, FormatR},
	{"slt", maskFunct7, f7(opcOp, 2, 0x00), OpSLT, FormatR},
	{"sltu", maskFunct7, f7(opcOp, 3, 0x00), OpSLTU, FormatR},
	{"xor", maskFunct7, f7(opcOp, 4, 0x00), OpXOR, FormatR},
	{"srl", maskFunct7, f7(opcOp, 5, 0x00), OpSRL, FormatR},
	{"sra", maskFunct7, f7(opcOp, 5, 0x20), OpSRA, FormatR},
	{"or", maskFunct7, f7(opcOp, 6, 0x00), OpOR, FormatR},
	{"and", maskFunct7, f7(opcOp, 7, 0x00), OpAND, FormatR},

	{"addiw", maskFunct3, f3(opcOpImm32, 0), OpADDIW, FormatI},
	{"slliw", maskFunct7, f7(opcOpImm32, 1, 0x00), OpSLLIW, FormatShift},
	{"srliw", maskFunct7, f7(opcOpImm32, 5, 0x00), OpSRLIW, FormatShift},
	{"sraiw", maskFunct7, f7(opcOpImm32, 5, 0x20), OpSRAIW, FormatShift},
	{"addw", maskFunct7, f7(opcOp32, 0, 0x00), OpADDW, FormatR},
	{"subw", maskFunct7, f7(opcOp32, 0, 0x20), OpSUBW, FormatR},
	{"sllw", maskFunct7, f7(opcOp32, 1, 0x00), OpSLLW, FormatR},
	{"srlw", maskFunct7, f7(opcOp32, 5, 0x00), OpSRLW, FormatR},
	{"sraw", maskFunct7, f7(opcOp32, 5, 0x20), OpSRAW, FormatR},

	{"mul", maskFunct7, f7(opcOp, 0, 0x01), OpMUL, FormatR},
	{"mulh", maskFunct7, f7(opcOp, 1, 0x01), OpMULH, FormatR},
	{"mulhsu", maskFunct7, f7(opcOp, 2, 0x01), OpMULHSU, FormatR},
	{"mulhu", maskFunct7, f7(opcOp, 3, 0x01), OpMULHU, FormatR},
	{"div", maskFunct7, f7(opcOp, 4, 0x01), OpDIV, FormatR},
	{"divu", maskFunct7, f7(opcOp, 5, 0x01), OpDIVU, FormatR},
	{"rem", maskFunct7, f7(opcOp, 6, 0x01), OpREM, FormatR},
	{"remu", maskFunct7, f7(opcOp, 7, 0x01), OpREMU, FormatR},
	{"mulw", maskFunct7, f7(opcOp32, 0, 0x01), OpMULW, FormatR},
	{"divw", maskFunct7, f7(opcOp32, 4, 0x01), OpDIVW, FormatR},
	{"divuw", maskFunct7, f7(opcOp32, 5, 0x01), OpDIVUW, FormatR},
	{"remw", maskFunct7, f7(opcOp32, 6, 0x01), OpREMW, FormatR},
	{"remuw", maskFunct7, f7(opcOp32, 7, 0x01), OpREMUW, FormatR},

	{"fence", maskFunct3, f3(opcMiscMem, 0), OpFENCE, FormatSys},
	{"fence.i", maskFunct3, f3(opcMiscMem, 1), OpFENCEI, FormatSys},
	{"ecall", maskExact, 0x00000073, OpECALL, FormatSys},
	{"ebreak", maskExact, 0x00100073, OpEBREAK, FormatSys},
	{"sret", maskExact, 0x10200073, OpSRET, FormatSys},
	{"mret", maskExact, 0x30200073, OpMRET, FormatSys},
	{"wfi", maskExact, 0x10500073, OpWFI, FormatSys},
	{"sfence.vma", 0xfe007fff, 0x12000073, OpSFENCEVMA, FormatR},
	{"csrrw", maskFunct3, f3(opcSystem, 1), OpCSRRW, FormatCSR},
	{"csrrs", maskFunct3, f3(opcSystem, 2), OpCSRRS, FormatCSR},
	{"csrrc", maskFunct3, f3(opcSystem, 3), OpCSRRC, FormatCSR},
	{"csrrwi", maskFunct3, f3(opcSystem, 5), OpCSRRWI, FormatCSR},
	{"csrrsi", maskFunct3, f3(opcSystem, 6), OpCSRRSI, FormatCSR},
	{"csrrci", maskFunct3, f3(opcSystem, 7), OpCSRRCI, FormatCSR},

	{"lr.w", maskLR, amo(2, 0x02), OpLRW, FormatAMO},
	{"sc.w", maskAMO, amo(2, 0x03), OpSCW, FormatAMO},
	{"amoswap.w", maskAMO, amo(2, 0x01), OpAMOSWAPW, FormatAMO},
	{"amoadd.w", maskAMO, amo(2, 0x00), OpAMOADDW, FormatAMO},
	{"amoxor.w", maskAMO, amo(2, 0x04), OpAMOXORW, FormatAMO},
	{"amoand.w", maskAMO, amo(2, 0x0c), OpAMOANDW, FormatAMO},
	{"amoor.w", maskAMO, amo(2, 0x08), OpAMOORW, FormatAMO},
	{"amomin.w", maskAMO, amo(2, 0x10), OpAMOMINW, FormatAMO},
	{"amomax.w", maskAMO, amo(2, 0x14), OpAMOMAXW, FormatAMO},
	{"amominu.w", maskAMO, amo(2, 0x18), OpAMOMINUW, FormatAMO},
	{"amomaxu.w", maskAMO, amo(2, 0x1c), OpAMOMAXUW, FormatAMO},
	{"lr.d", maskLR, amo(3, 0x02), OpLRD, FormatAMO},
	{"sc.d", maskAMO, amo(3, 0x03), OpSCD, FormatAMO},
	{"amoswap.d", maskAMO, amo(3, 0x01), OpAMOSWAPD, FormatAMO},
	{"amoadd.d", maskAMO, amo(3, 0x00), OpAMOADDD, FormatAMO},
	{"amoxor.d", maskAMO, amo(3, 0x04), OpAMOXORD, FormatAMO},
	{"amoand.d", maskAMO, amo(3, 0x0c), OpAMOANDD, FormatAMO},
	{"amoor.d", maskAMO, amo(3, 0x08), OpAMOORD, FormatAMO},
	{"amomin.d", maskAMO, amo(3, 0x10), OpAMOMIND, FormatAMO},
	{"amomax.d", maskAMO, amo(3, 0x14), OpAMOMAXD, FormatAMO},
	{"amominu.d", maskAMO, amo(3, 0x18), OpAMOMINUD, FormatAMO},
	{"amomaxu.d", maskAMO, amo(3, 0x1c), OpAMOMAXUD, FormatAMO},
}

// table indexes patterns by major opcode. Within a bucket, more specific
// masks come first so exact encodings win over generic ones.
type table struct {
	byOpcode [128][]*pattern
	byOp     [numOps]*pattern
}

var decodeTable = buildTable()

func buildTable() *table {
	t := &table{}
	for i := range patterns {
		p := &patterns[i]
		opc := p.match & maskOpcode
		t.byOpcode[opc] = append(t.byOpcode[opc], p)
		t.byOp[p.op] = p
	}

	for opc := range t.byOpcode {
		bucket := t.byOpcode[opc]
		for i := 1; i < len(bucket); i++ {
			for j := i; j > 0 && popcount(bucket[j].mask) > popcount(bucket[j-1].mask); j-- {
				bucket[j], bucket[j-1] = bucket[j-1], bucket[j]
			}
		}
	}

	return t
}

func popcount(x uint32) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// String returns the assembler mnemonic of the opcode.
func (op Op) String() string {
	if op < numOps && decodeTable.byOp[op] != nil {
		return decodeTable.byOp[op].name
	}
	return "unknown"
}

// Decoder decodes RV64 machine code.
type Decoder struct{}

// NewDecoder creates a new RV64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a 32-bit instruction word. Compressed encodings (low two
// bits not 11) and unknown words decode to OpUnknown.
func (d *Decoder) Decode(word uint32) *Instruction {
	inst := &Instruction{Raw: word}
	if word&3 != 3 {
		return inst
	}

	for _, p := range decodeTable.byOpcode[word&maskOpcode] {
		if word&p.mask == p.match {
			inst.Op = p.op
			inst.Format = p.format
			break
		}
	}

	if inst.Op == OpUnknown {
		return inst
	}

	inst.Rd = uint8((word >> 7) & 0x1f)
	inst.Rs1 = uint8((word >> 15) & 0x1f)
	inst.Rs2 = uint8((word >> 20) & 0x1f)
	inst.Imm = immediate(inst.Format, word)

	return inst
}

func immediate(format Format, w uint32) int64 {
	switch format {
	case FormatI:
		return int64(int32(w) >> 20)
	case FormatShift:
		return int64((w >> 20) & 0x3f)
	case FormatCSR:
		return int64(w >> 20)
	case FormatS:
		return int64((int32(w)>>25)<<5) | int64((w>>7)&0x1f)
	case FormatB:
		imm := int64(int32(w)>>31) << 12
		imm |= int64((w>>7)&1) << 11
		imm |= int64((w>>25)&0x3f) << 5
		imm |= int64((w>>8)&0xf) << 1
		return imm
	case FormatU:
		return int64(int32(w & 0xfffff000))
	case FormatJ:
		imm := int64(int32(w)>>31) << 20
		imm |= int64((w>>12)&0xff) << 12
		imm |= int64((w>>20)&1) << 11
		imm |= int64((w>>21)&0x3ff) << 1
		return imm
	default:
		return 0
	}
}
