package emu

import "github.com/sarchlab/rvsim/insts"

// Exception causes.
const (
	ExcInstMisaligned   uint64 = 0
	ExcInstAccessFault  uint64 = 1
	ExcIllegalInst      uint64 = 2
	ExcBreakpoint       uint64 = 3
	ExcLoadMisaligned   uint64 = 4
	ExcLoadAccessFault  uint64 = 5
	ExcStoreMisaligned  uint64 = 6
	ExcStoreAccessFault uint64 = 7
	ExcEcallU           uint64 = 8
	ExcEcallS           uint64 = 9
	ExcEcallM           uint64 = 11
	ExcInstPageFault    uint64 = 12
	ExcLoadPageFault    uint64 = 13
	ExcStorePageFault   uint64 = 15

	// ExcNone marks a DecodeInfo without a pending trap.
	ExcNone uint64 = 0xff
)

// Interrupt causes, combined with insts.InterruptBit in exception codes.
const (
	IRQSSoft  uint64 = 1
	IRQMSoft  uint64 = 3
	IRQSTimer uint64 = 5
	IRQMTimer uint64 = 7
	IRQSExt   uint64 = 9
	IRQMExt   uint64 = 11
)

// mip/mie bits.
const (
	MipSSIP uint64 = 1 << IRQSSoft
	MipMSIP uint64 = 1 << IRQMSoft
	MipSTIP uint64 = 1 << IRQSTimer
	MipMTIP uint64 = 1 << IRQMTimer
	MipSEIP uint64 = 1 << IRQSExt
	MipMEIP uint64 = 1 << IRQMExt

	// deviceIRQs are driven by IRQListener, never by CSR writes.
	deviceIRQs = MipMSIP | MipMTIP | MipMEIP
	sModeIRQs  = MipSSIP | MipSTIP | MipSEIP
	allIRQs    = sModeIRQs | deviceIRQs
)

// mstatus fields.
const (
	MStatusSIE  uint64 = 1 << 1
	MStatusMIE  uint64 = 1 << 3
	MStatusSPIE uint64 = 1 << 5
	MStatusMPIE uint64 = 1 << 7
	MStatusSPP  uint64 = 1 << 8
	MStatusMPP  uint64 = 3 << 11
	MStatusMPRV uint64 = 1 << 17
	MStatusSUM  uint64 = 1 << 18
	MStatusMXR  uint64 = 1 << 19

	mstatusMPPShift = 11
	mstatusSPPShift = 8

	// mstatusUXL fixes UXL and SXL to 64 bits.
	mstatusUXL uint64 = 2<<32 | 2<<34

	mstatusWritable = MStatusSIE | MStatusMIE | MStatusSPIE | MStatusMPIE |
		MStatusSPP | MStatusMPP | MStatusMPRV | MStatusSUM | MStatusMXR
	sstatusMask = MStatusSIE | MStatusSPIE | MStatusSPP | MStatusSUM |
		MStatusMXR | mstatusUXL&(3<<32)
)

// CSR numbers.
const (
	CSRSStatus    uint16 = 0x100
	CSRSIE        uint16 = 0x104
	CSRSTVec      uint16 = 0x105
	CSRSCounterEn uint16 = 0x106
	CSRSScratch   uint16 = 0x140
	CSRSEPC       uint16 = 0x141
	CSRSCause     uint16 = 0x142
	CSRSTVal      uint16 = 0x143
	CSRSIP        uint16 = 0x144
	CSRSATP       uint16 = 0x180
	CSRMStatus    uint16 = 0x300
	CSRMISA       uint16 = 0x301
	CSRMEDeleg    uint16 = 0x302
	CSRMIDeleg    uint16 = 0x303
	CSRMIE        uint16 = 0x304
	CSRMTVec      uint16 = 0x305
	CSRMCounterEn uint16 = 0x306
	CSRMScratch   uint16 = 0x340
	CSRMEPC       uint16 = 0x341
	CSRMCause     uint16 = 0x342
	CSRMTVal      uint16 = 0x343
	CSRMIP        uint16 = 0x344
	CSRPMPCfg0    uint16 = 0x3a0
	CSRPMPAddr0   uint16 = 0x3b0
	CSRMCycle     uint16 = 0xb00
	CSRMInstret   uint16 = 0xb02
	CSRCycle      uint16 = 0xc00
	CSRTime       uint16 = 0xc01
	CSRInstret    uint16 = 0xc02
	CSRMVendorID  uint16 = 0xf11
	CSRMArchID    uint16 = 0xf12
	CSRMImpID     uint16 = 0xf13
	CSRMHartID    uint16 = 0xf14
)

// misa for RV64IMASU.
const misaValue uint64 = 2<<62 | 1<<0 | 1<<8 | 1<<12 | 1<<18 | 1<<20

const satpModeSv39 uint64 = 8

// csrDef maps a CSR onto a state word. A CSR without a state word is
// computed by read and drops writes.
type csrDef struct {
	idx       uint16
	hasWord   bool
	readMask  uint64
	writeMask uint64
	flush     bool
	read      func(a *RiscvArch) uint64
}

func word(idx uint16, writeMask uint64) csrDef {
	return csrDef{idx: idx, hasWord: true, readMask: ^uint64(0), writeMask: writeMask}
}

func computed(read func(a *RiscvArch) uint64) csrDef {
	return csrDef{read: read}
}

func constant(v uint64) csrDef {
	return computed(func(*RiscvArch) uint64 { return v })
}

var csrTable = map[uint16]csrDef{
	CSRSStatus: {idx: StateMStatus, hasWord: true, readMask: sstatusMask,
		writeMask: sstatusMask & mstatusWritable, flush: true},
	CSRSIE: {idx: StateMIE, hasWord: true, readMask: sModeIRQs, writeMask: sModeIRQs},
	CSRSIP: {idx: StateMIP, hasWord: true, readMask: sModeIRQs, writeMask: MipSSIP},
	CSRSTVec:      word(StateSTVec, ^uint64(2)),
	CSRSCounterEn: word(StateSCounterEn, 0x7),
	CSRSScratch:   word(StateSScratch, ^uint64(0)),
	CSRSEPC:       word(StateSEPC, ^uint64(3)),
	CSRSCause:     word(StateSCause, ^uint64(0)),
	CSRSTVal:      word(StateSTVal, ^uint64(0)),
	CSRSATP:       {idx: StateSATP, hasWord: true, readMask: ^uint64(0), writeMask: ^uint64(0), flush: true},
	CSRMStatus: {idx: StateMStatus, hasWord: true, readMask: ^uint64(0),
		writeMask: mstatusWritable, flush: true},
	CSRMISA:       constant(misaValue),
	CSRMEDeleg:    word(StateMEDeleg, 0xb3ff),
	CSRMIDeleg:    word(StateMIDeleg, sModeIRQs),
	CSRMIE:        word(StateMIE, allIRQs),
	CSRMTVec:      word(StateMTVec, ^uint64(2)),
	CSRMCounterEn: word(StateMCounterEn, 0x7),
	CSRMScratch:   word(StateMScratch, ^uint64(0)),
	CSRMEPC:       word(StateMEPC, ^uint64(3)),
	CSRMCause:     word(StateMCause, ^uint64(0)),
	CSRMTVal:      word(StateMTVal, ^uint64(0)),
	CSRMIP:        word(StateMIP, sModeIRQs),
	CSRPMPCfg0:    constant(0),
	CSRPMPAddr0:   constant(0),
	CSRMCycle:     computed(func(a *RiscvArch) uint64 { return a.cycles() }),
	CSRMInstret:   computed(func(a *RiscvArch) uint64 { return a.instret() }),
	CSRCycle:      computed(func(a *RiscvArch) uint64 { return a.cycles() }),
	CSRTime:       computed(func(a *RiscvArch) uint64 { return a.cycles() }),
	CSRInstret:    computed(func(a *RiscvArch) uint64 { return a.instret() }),
	CSRMVendorID:  constant(0),
	CSRMArchID:    constant(0),
	CSRMImpID:     constant(0),
	CSRMHartID:    constant(0),
}

// csrAccess checks privilege and read-only constraints.
func (a *RiscvArch) csrAccess(csr uint16, write bool) (csrDef, bool) {
	def, ok := csrTable[csr]
	if !ok {
		return def, false
	}

	minPriv := uint64(csr>>8) & 3
	if a.state.Priv() < minPriv {
		return def, false
	}

	readOnly := csr>>10 == 3
	if write && readOnly {
		return def, false
	}

	return def, true
}

func (a *RiscvArch) csrRead(def csrDef) uint64 {
	if !def.hasWord {
		return def.read(a)
	}

	v := a.state.W[def.idx] & def.readMask
	if def.idx == StateMStatus {
		v |= mstatusUXL & def.readMask
	}
	return v
}

// execCSR implements the six Zicsr instructions as at most two state writes.
func execCSR(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	csr := uint16(in.Imm)
	info.Type = insts.TypeCSRWrite

	var src uint64
	switch in.Op {
	case insts.OpCSRRWI, insts.OpCSRRSI, insts.OpCSRRCI:
		src = uint64(in.Rs1)
	default:
		src = a.state.Reg(in.Rs1)
		info.SrcReg[0] = in.Rs1
	}

	write := true
	switch in.Op {
	case insts.OpCSRRS, insts.OpCSRRC, insts.OpCSRRSI, insts.OpCSRRCI:
		write = in.Rs1 != 0
	}

	def, ok := a.csrAccess(csr, write)
	if !ok {
		a.raise(info, ExcIllegalInst, uint64(in.Raw))
		return
	}

	old := a.csrRead(def)

	var val uint64
	switch in.Op {
	case insts.OpCSRRW, insts.OpCSRRWI:
		val = src
	case insts.OpCSRRS, insts.OpCSRRSI:
		val = old | src
	default:
		val = old &^ src
	}

	a.setRd(info, in.Rd, old)

	if !write || !def.hasWord {
		return
	}

	mask := def.writeMask
	if def.idx == StateSATP && val>>60 != 0 && val>>60 != satpModeSv39 {
		mask = 0
	}
	if def.idx == StateMStatus && (val&MStatusMPP)>>mstatusMPPShift == 2 {
		mask &^= MStatusMPP
	}

	info.AddDst(def.idx, mask, val)
	info.Flush = info.Flush || def.flush
}
