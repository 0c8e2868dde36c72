package insts

// Encode assembles an instruction word. Fields that the opcode's format does
// not use are ignored; for shifts imm is the shift amount and for CSR
// instructions imm is the CSR number (rs1 holds the zimm for the I forms).
func Encode(op Op, rd, rs1, rs2 uint8, imm int64) uint32 {
	p := decodeTable.byOp[op]
	if p == nil {
		return 0
	}

	w := p.match
	d := uint32(rd&0x1f) << 7
	s1 := uint32(rs1&0x1f) << 15
	s2 := uint32(rs2&0x1f) << 20
	u := uint32(imm)

	switch p.format {
	case FormatR, FormatAMO:
		w |= d | s1 | s2
	case FormatI:
		w |= d | s1 | (u&0xfff)<<20
	case FormatShift:
		w |= d | s1 | (u&0x3f)<<20
	case FormatCSR:
		w |= d | s1 | (u&0xfff)<<20
	case FormatS:
		w |= s1 | s2 | (u&0x1f)<<7 | ((u>>5)&0x7f)<<25
	case FormatB:
		w |= s1 | s2
		w |= ((u >> 11) & 1) << 7
		w |= ((u >> 1) & 0xf) << 8
		w |= ((u >> 5) & 0x3f) << 25
		w |= ((u >> 12) & 1) << 31
	case FormatU:
		w |= d | u&0xfffff000
	case FormatJ:
		w |= d
		w |= ((u >> 12) & 0xff) << 12
		w |= ((u >> 11) & 1) << 20
		w |= ((u >> 1) & 0x3ff) << 21
		w |= ((u >> 20) & 1) << 31
	}

	return w
}

// NOP returns the canonical no-op (ADDI x0, x0, 0).
func NOP() uint32 {
	return Encode(OpADDI, 0, 0, 0, 0)
}

// ADDI encodes ADDI rd, rs1, imm.
func ADDI(rd, rs1 uint8, imm int64) uint32 {
	return Encode(OpADDI, rd, rs1, 0, imm)
}

// ADD encodes ADD rd, rs1, rs2.
func ADD(rd, rs1, rs2 uint8) uint32 {
	return Encode(OpADD, rd, rs1, rs2, 0)
}

// LD encodes LD rd, imm(rs1).
func LD(rd, rs1 uint8, imm int64) uint32 {
	return Encode(OpLD, rd, rs1, 0, imm)
}

// SD encodes SD rs2, imm(rs1).
func SD(rs2, rs1 uint8, imm int64) uint32 {
	return Encode(OpSD, 0, rs1, rs2, imm)
}

// BLT encodes BLT rs1, rs2, offset.
func BLT(rs1, rs2 uint8, offset int64) uint32 {
	return Encode(OpBLT, 0, rs1, rs2, offset)
}

// BNE encodes BNE rs1, rs2, offset.
func BNE(rs1, rs2 uint8, offset int64) uint32 {
	return Encode(OpBNE, 0, rs1, rs2, offset)
}

// JAL encodes JAL rd, offset.
func JAL(rd uint8, offset int64) uint32 {
	return Encode(OpJAL, rd, 0, 0, offset)
}

// JALR encodes JALR rd, imm(rs1).
func JALR(rd, rs1 uint8, imm int64) uint32 {
	return Encode(OpJALR, rd, rs1, 0, imm)
}

// LUI encodes LUI rd, imm (imm is the full 32-bit value, low 12 bits dropped).
func LUI(rd uint8, imm int64) uint32 {
	return Encode(OpLUI, rd, 0, 0, imm)
}

// CSRRW encodes CSRRW rd, csr, rs1.
func CSRRW(rd uint8, csr uint16, rs1 uint8) uint32 {
	return Encode(OpCSRRW, rd, rs1, 0, int64(csr))
}

// CSRRS encodes CSRRS rd, csr, rs1.
func CSRRS(rd uint8, csr uint16, rs1 uint8) uint32 {
	return Encode(OpCSRRS, rd, rs1, 0, int64(csr))
}

// ECALL encodes ECALL.
func ECALL() uint32 {
	return Encode(OpECALL, 0, 0, 0, 0)
}

// MRET encodes MRET.
func MRET() uint32 {
	return Encode(OpMRET, 0, 0, 0, 0)
}
