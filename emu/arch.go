package emu

import (
	"github.com/sarchlab/rvsim/insts"
)

// DefaultStartPC is the reset vector.
const DefaultStartPC = DefaultRAMBase

// RiscvArch is the RV64 backend consumed by the timing pipeline. Decode
// computes an instruction's effects into a DecodeInfo without touching the
// architectural state; UpdateEnv commits the most recently decoded (or
// excepted) DecodeInfo and returns the next PC.
type RiscvArch struct {
	state   ArchState
	mem     *Memory
	decoder *insts.Decoder
	startPC uint64

	pc   uint64
	info *insts.DecodeInfo

	cycleSource   func() uint64
	instretSource func() uint64
}

// ArchOption configures a RiscvArch.
type ArchOption func(*RiscvArch)

// WithStartPC sets the reset PC.
func WithStartPC(pc uint64) ArchOption {
	return func(a *RiscvArch) {
		a.startPC = pc
	}
}

// WithCounters sets the sources for the cycle/time and instret CSRs.
func WithCounters(cycles, instret func() uint64) ArchOption {
	return func(a *RiscvArch) {
		a.cycleSource = cycles
		a.instretSource = instret
	}
}

// NewRiscvArch creates a hart in M-mode operating on mem.
func NewRiscvArch(mem *Memory, opts ...ArchOption) *RiscvArch {
	a := &RiscvArch{
		mem:     mem,
		decoder: insts.NewDecoder(),
		startPC: DefaultStartPC,
	}
	a.state.W[StatePriv] = PrivM

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// State exposes the architectural state.
func (a *RiscvArch) State() *ArchState {
	return &a.state
}

// Memory returns the physical memory.
func (a *RiscvArch) Memory() *Memory {
	return a.mem
}

// StartPC returns the reset PC.
func (a *RiscvArch) StartPC() uint64 {
	return a.startPC
}

// SetCounters replaces the cycle and instret sources.
func (a *RiscvArch) SetCounters(cycles, instret func() uint64) {
	a.cycleSource = cycles
	a.instretSource = instret
}

func (a *RiscvArch) cycles() uint64 {
	if a.cycleSource == nil {
		return 0
	}
	return a.cycleSource()
}

func (a *RiscvArch) instret() uint64 {
	if a.instretSource == nil {
		return 0
	}
	return a.instretSource()
}

// ExceptionNone returns the code meaning "no trap".
func (a *RiscvArch) ExceptionNone() uint64 {
	return ExcNone
}

// ExceptionValid reports whether code is a trap that must be taken.
func (a *RiscvArch) ExceptionValid(code uint64) bool {
	return code != ExcNone
}

// NeedFlush reports whether committing info invalidates already fetched
// instructions (translation, privilege or instruction memory changed).
func (a *RiscvArch) NeedFlush(info *insts.DecodeInfo) bool {
	return info.Flush
}

// IRQListener receives the device interrupt lines and mirrors them into mip.
func (a *RiscvArch) IRQListener(bitmap uint64) {
	mip := &a.state.W[StateMIP]
	*mip = (*mip &^ deviceIRQs) | (bitmap & deviceIRQs)
}

// TranslateAddr translates vaddr for the given access type. Instruction
// fetches are also checked for alignment and for landing in RAM, so a fetch
// fault is known before the instruction cache is consulted.
func (a *RiscvArch) TranslateAddr(vaddr uint64, ft insts.FetchType) (uint64, uint64) {
	if ft == insts.IFetch && vaddr&3 != 0 {
		return 0, ExcInstMisaligned
	}

	paddr := vaddr
	if a.translationOn(ft) {
		var exc uint64
		paddr, exc = a.walk(vaddr, ft)
		if exc != ExcNone {
			return 0, exc
		}
	}
	paddr &= PhysAddrMask

	if ft == insts.IFetch && !a.mem.InRAM(paddr, 4) {
		return 0, ExcInstAccessFault
	}

	return paddr, ExcNone
}

// HandleException prepares info to take trap exc at address addr, the
// virtual address of the instruction whose fetch faulted.
func (a *RiscvArch) HandleException(exc, addr uint64, info *insts.DecodeInfo) {
	info.Reset(ExcNone)
	info.Exception = exc
	info.ExcData = addr
	info.InstSize = 4
	a.pc = addr
	a.info = info
}

// Decode decodes the instruction at vaddr (physical address paddr) into
// info and returns its size in bytes. Pending enabled interrupts are
// reported instead of the instruction.
func (a *RiscvArch) Decode(vaddr, paddr uint64, info *insts.DecodeInfo) int {
	info.Reset(ExcNone)
	info.InstSize = 4
	a.pc = vaddr
	a.info = info

	if cause, ok := a.pendingInterrupt(); ok {
		info.Exception = cause | insts.InterruptBit
		return 4
	}

	if a.mem.IsMMIO(paddr) {
		a.raise(info, ExcInstAccessFault, vaddr)
		return 4
	}

	word, err := a.mem.PaddrRead(paddr, 4)
	if err != nil {
		a.raise(info, ExcInstAccessFault, vaddr)
		return 4
	}
	info.Inst = uint32(word)

	in := a.decoder.Decode(info.Inst)
	h, ok := handlers[in.Op]
	if !ok {
		a.raise(info, ExcIllegalInst, word)
		return 4
	}

	h(a, in, info)
	return 4
}

// UpdateEnv commits the current DecodeInfo and returns the next PC.
func (a *RiscvArch) UpdateEnv() uint64 {
	info := a.info
	if info.Exception != ExcNone {
		return a.trap(info.Exception, info.ExcData)
	}

	for i := 0; i < info.NumDst; i++ {
		d := info.Dst[i]
		w := &a.state.W[d.Idx]
		*w = (*w &^ d.Mask) | (d.Data & d.Mask)
	}
	a.state.W[StateGPR] = 0

	switch info.Type {
	case insts.TypeStore, insts.TypeAMO:
		_ = a.mem.PaddrWrite(info.MemPaddr, int(info.MemSize), info.StoreData)
	case insts.TypeSC:
		if !info.SCFailed {
			_ = a.mem.PaddrWrite(info.MemPaddr, int(info.MemSize), info.StoreData)
		}
	case insts.TypeMRet:
		return a.mret()
	case insts.TypeSRet:
		return a.sret()
	}

	if info.Type.IsJump() || (info.Type == insts.TypeCond && info.BranchTaken) {
		return info.BranchTarget
	}

	return a.pc + uint64(info.InstSize)
}

// DumpState formats the architectural state for fatal diagnostics.
func (a *RiscvArch) DumpState() string {
	return a.state.Dump()
}

func (a *RiscvArch) raise(info *insts.DecodeInfo, exc, tval uint64) {
	info.Exception = exc
	info.ExcData = tval
	info.NumDst = 0
	info.Flush = false
	info.Type = insts.TypeInt
}

func (a *RiscvArch) setRd(info *insts.DecodeInfo, rd uint8, v uint64) {
	info.DstReg = rd
	if rd != 0 {
		info.AddDst(StateGPR+uint16(rd), ^uint64(0), v)
	}
}

// pendingInterrupt returns the highest-priority enabled pending interrupt.
func (a *RiscvArch) pendingInterrupt() (uint64, bool) {
	s := &a.state
	pending := s.W[StateMIP] & s.W[StateMIE]
	if pending == 0 {
		return 0, false
	}

	priv := s.Priv()
	mstatus := s.W[StateMStatus]
	mEnabled := priv < PrivM || mstatus&MStatusMIE != 0
	sEnabled := priv < PrivS || (priv == PrivS && mstatus&MStatusSIE != 0)

	mPending := pending &^ s.W[StateMIDeleg]
	sPending := pending & s.W[StateMIDeleg]

	var enabled uint64
	if mEnabled {
		enabled |= mPending
	}
	if sEnabled {
		enabled |= sPending
	}

	for _, irq := range []uint64{IRQMExt, IRQMSoft, IRQMTimer, IRQSExt, IRQSSoft, IRQSTimer} {
		if enabled&(1<<irq) != 0 {
			return irq, true
		}
	}

	return 0, false
}

// trap enters the handler for cause at privilege M, or S when delegated.
func (a *RiscvArch) trap(cause, tval uint64) uint64 {
	s := &a.state
	irq := cause&insts.InterruptBit != 0
	code := cause &^ insts.InterruptBit
	priv := s.Priv()

	deleg := s.W[StateMEDeleg]
	if irq {
		deleg = s.W[StateMIDeleg]
	}
	toS := priv <= PrivS && deleg&(1<<code) != 0

	mstatus := s.W[StateMStatus]
	var tvec uint64
	if toS {
		s.W[StateSEPC] = a.pc
		s.W[StateSCause] = cause
		s.W[StateSTVal] = tval
		mstatus &^= MStatusSPIE | MStatusSPP
		if mstatus&MStatusSIE != 0 {
			mstatus |= MStatusSPIE
		}
		mstatus |= (priv & 1) << mstatusSPPShift
		mstatus &^= MStatusSIE
		s.W[StatePriv] = PrivS
		tvec = s.W[StateSTVec]
	} else {
		s.W[StateMEPC] = a.pc
		s.W[StateMCause] = cause
		s.W[StateMTVal] = tval
		mstatus &^= MStatusMPIE | MStatusMPP
		if mstatus&MStatusMIE != 0 {
			mstatus |= MStatusMPIE
		}
		mstatus |= priv << mstatusMPPShift
		mstatus &^= MStatusMIE
		s.W[StatePriv] = PrivM
		tvec = s.W[StateMTVec]
	}
	s.W[StateMStatus] = mstatus
	s.W[StateResValid] = 0

	if irq && tvec&3 == 1 {
		return (tvec &^ 3) + 4*code
	}
	return tvec &^ 3
}

func (a *RiscvArch) mret() uint64 {
	s := &a.state
	mstatus := s.W[StateMStatus]
	prev := (mstatus & MStatusMPP) >> mstatusMPPShift

	mstatus &^= MStatusMIE
	if mstatus&MStatusMPIE != 0 {
		mstatus |= MStatusMIE
	}
	mstatus |= MStatusMPIE
	mstatus &^= MStatusMPP
	if prev != PrivM {
		mstatus &^= MStatusMPRV
	}

	s.W[StateMStatus] = mstatus
	s.W[StatePriv] = prev
	return s.W[StateMEPC]
}

func (a *RiscvArch) sret() uint64 {
	s := &a.state
	mstatus := s.W[StateMStatus]
	prev := (mstatus & MStatusSPP) >> mstatusSPPShift

	mstatus &^= MStatusSIE
	if mstatus&MStatusSPIE != 0 {
		mstatus |= MStatusSIE
	}
	mstatus |= MStatusSPIE
	mstatus &^= MStatusSPP | MStatusMPRV

	s.W[StateMStatus] = mstatus
	s.W[StatePriv] = prev
	return s.W[StateSEPC]
}
