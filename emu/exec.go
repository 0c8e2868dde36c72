package emu

import (
	"math/bits"

	"github.com/sarchlab/rvsim/insts"
)

// handler computes the effects of one decoded instruction into info. It
// reads the architectural state but never modifies it.
type handler func(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo)

var handlers map[insts.Op]handler

func init() {
	handlers = map[insts.Op]handler{
		insts.OpLUI:   execLUI,
		insts.OpAUIPC: execAUIPC,
		insts.OpJAL:   execJAL,
		insts.OpJALR:  execJALR,

		insts.OpFENCE:     execFence,
		insts.OpFENCEI:    execFenceI,
		insts.OpSFENCEVMA: execSFenceVMA,
		insts.OpECALL:     execECall,
		insts.OpEBREAK:    execEBreak,
		insts.OpMRET:      execMRet,
		insts.OpSRET:      execSRet,
		insts.OpWFI:       execWFI,

		insts.OpLRW: execLR,
		insts.OpLRD: execLR,
		insts.OpSCW: execSC,
		insts.OpSCD: execSC,
	}

	for op := range aluOps {
		handlers[op] = execALU
	}
	for op := range branchOps {
		handlers[op] = execBranch
	}
	for op, m := range loadOps {
		handlers[op] = loadHandler(m)
	}
	for op, size := range storeOps {
		handlers[op] = storeHandler(size)
	}
	for op := range amoOps {
		handlers[op] = execAMO
	}
	for _, op := range []insts.Op{
		insts.OpCSRRW, insts.OpCSRRS, insts.OpCSRRC,
		insts.OpCSRRWI, insts.OpCSRRSI, insts.OpCSRRCI,
	} {
		handlers[op] = execCSR
	}
}

type aluFunc func(x, y uint64) uint64

func sext32(v uint64) uint64 {
	return uint64(int64(int32(uint32(v))))
}

func word32(f aluFunc) aluFunc {
	return func(x, y uint64) uint64 { return sext32(f(x, y)) }
}

func div(x, y uint64) uint64 {
	switch {
	case y == 0:
		return ^uint64(0)
	case int64(x) == -1<<63 && int64(y) == -1:
		return x
	}
	return uint64(int64(x) / int64(y))
}

func divu(x, y uint64) uint64 {
	if y == 0 {
		return ^uint64(0)
	}
	return x / y
}

func rem(x, y uint64) uint64 {
	switch {
	case y == 0:
		return x
	case int64(x) == -1<<63 && int64(y) == -1:
		return 0
	}
	return uint64(int64(x) % int64(y))
}

func remu(x, y uint64) uint64 {
	if y == 0 {
		return x
	}
	return x % y
}

func mulh(x, y uint64) uint64 {
	hi, _ := bits.Mul64(x, y)
	if int64(x) < 0 {
		hi -= y
	}
	if int64(y) < 0 {
		hi -= x
	}
	return hi
}

func mulhsu(x, y uint64) uint64 {
	hi, _ := bits.Mul64(x, y)
	if int64(x) < 0 {
		hi -= y
	}
	return hi
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

type aluOp struct {
	f   aluFunc
	imm bool
	cls insts.InstType
}

var aluOps = map[insts.Op]aluOp{
	insts.OpADDI:  {f: func(x, y uint64) uint64 { return x + y }, imm: true},
	insts.OpSLTI:  {f: func(x, y uint64) uint64 { return b2u(int64(x) < int64(y)) }, imm: true},
	insts.OpSLTIU: {f: func(x, y uint64) uint64 { return b2u(x < y) }, imm: true},
	insts.OpXORI:  {f: func(x, y uint64) uint64 { return x ^ y }, imm: true},
	insts.OpORI:   {f: func(x, y uint64) uint64 { return x | y }, imm: true},
	insts.OpANDI:  {f: func(x, y uint64) uint64 { return x & y }, imm: true},
	insts.OpSLLI:  {f: func(x, y uint64) uint64 { return x << (y & 63) }, imm: true},
	insts.OpSRLI:  {f: func(x, y uint64) uint64 { return x >> (y & 63) }, imm: true},
	insts.OpSRAI:  {f: func(x, y uint64) uint64 { return uint64(int64(x) >> (y & 63)) }, imm: true},

	insts.OpADD:  {f: func(x, y uint64) uint64 { return x + y }},
	insts.OpSUB:  {f: func(x, y uint64) uint64 { return x - y }},
	insts.OpSLL:  {f: func(x, y uint64) uint64 { return x << (y & 63) }},
	insts.OpSLT:  {f: func(x, y uint64) uint64 { return b2u(int64(x) < int64(y)) }},
	insts.OpSLTU: {f: func(x, y uint64) uint64 { return b2u(x < y) }},
	insts.OpXOR:  {f: func(x, y uint64) uint64 { return x ^ y }},
	insts.OpSRL:  {f: func(x, y uint64) uint64 { return x >> (y & 63) }},
	insts.OpSRA:  {f: func(x, y uint64) uint64 { return uint64(int64(x) >> (y & 63)) }},
	insts.OpOR:   {f: func(x, y uint64) uint64 { return x | y }},
	insts.OpAND:  {f: func(x, y uint64) uint64 { return x & y }},

	insts.OpADDIW: {f: word32(func(x, y uint64) uint64 { return x + y }), imm: true},
	insts.OpSLLIW: {f: word32(func(x, y uint64) uint64 { return x << (y & 31) }), imm: true},
	insts.OpSRLIW: {f: word32(func(x, y uint64) uint64 { return uint64(uint32(x) >> (y & 31)) }), imm: true},
	insts.OpSRAIW: {f: word32(func(x, y uint64) uint64 { return uint64(int32(x) >> (y & 31)) }), imm: true},
	insts.OpADDW:  {f: word32(func(x, y uint64) uint64 { return x + y })},
	insts.OpSUBW:  {f: word32(func(x, y uint64) uint64 { return x - y })},
	insts.OpSLLW:  {f: word32(func(x, y uint64) uint64 { return x << (y & 31) })},
	insts.OpSRLW:  {f: word32(func(x, y uint64) uint64 { return uint64(uint32(x) >> (y & 31)) })},
	insts.OpSRAW:  {f: word32(func(x, y uint64) uint64 { return uint64(int32(x) >> (y & 31)) })},

	insts.OpMUL:    {f: func(x, y uint64) uint64 { return x * y }, cls: insts.TypeMult},
	insts.OpMULH:   {f: mulh, cls: insts.TypeMult},
	insts.OpMULHSU: {f: mulhsu, cls: insts.TypeMult},
	insts.OpMULHU: {f: func(x, y uint64) uint64 {
		hi, _ := bits.Mul64(x, y)
		return hi
	}, cls: insts.TypeMult},
	insts.OpMULW: {f: word32(func(x, y uint64) uint64 { return x * y }), cls: insts.TypeMult},

	insts.OpDIV:  {f: div, cls: insts.TypeDiv},
	insts.OpDIVU: {f: divu, cls: insts.TypeDiv},
	insts.OpREM:  {f: rem, cls: insts.TypeDiv},
	insts.OpREMU: {f: remu, cls: insts.TypeDiv},
	insts.OpDIVW: {f: func(x, y uint64) uint64 {
		return sext32(div(sext32(x), sext32(y)))
	}, cls: insts.TypeDiv},
	insts.OpDIVUW: {f: func(x, y uint64) uint64 {
		return sext32(divu(uint64(uint32(x)), uint64(uint32(y))))
	}, cls: insts.TypeDiv},
	insts.OpREMW: {f: func(x, y uint64) uint64 {
		return sext32(rem(sext32(x), sext32(y)))
	}, cls: insts.TypeDiv},
	insts.OpREMUW: {f: func(x, y uint64) uint64 {
		return sext32(remu(uint64(uint32(x)), uint64(uint32(y))))
	}, cls: insts.TypeDiv},
}

func execALU(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	op := aluOps[in.Op]
	info.Type = op.cls

	x := a.state.Reg(in.Rs1)
	info.SrcReg[0] = in.Rs1

	y := uint64(in.Imm)
	if !op.imm {
		y = a.state.Reg(in.Rs2)
		info.SrcReg[1] = in.Rs2
	}

	a.setRd(info, in.Rd, op.f(x, y))
}

func execLUI(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	a.setRd(info, in.Rd, uint64(in.Imm))
}

func execAUIPC(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	a.setRd(info, in.Rd, a.pc+uint64(in.Imm))
}

func isLink(r uint8) bool {
	return r == 1 || r == 5
}

// jumpType classifies a jump by its link registers following the
// return-address-stack hints of the base ISA.
func jumpType(rd, rs1 uint8, direct bool) insts.InstType {
	if direct {
		if isLink(rd) {
			return insts.TypePush
		}
		return insts.TypeDirect
	}

	switch {
	case isLink(rd) && isLink(rs1) && rd != rs1:
		return insts.TypePopPush
	case isLink(rd):
		return insts.TypeIndPush
	case isLink(rs1):
		return insts.TypePop
	case rd != 0:
		return insts.TypeIndCall
	}
	return insts.TypeIndirect
}

func execJAL(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	target := a.pc + uint64(in.Imm)
	if target&3 != 0 {
		a.raise(info, ExcInstMisaligned, target)
		return
	}

	info.Type = jumpType(in.Rd, 0, true)
	info.BranchTaken = true
	info.BranchTarget = target
	a.setRd(info, in.Rd, a.pc+uint64(info.InstSize))
}

func execJALR(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	info.SrcReg[0] = in.Rs1
	target := (a.state.Reg(in.Rs1) + uint64(in.Imm)) &^ 1
	if target&3 != 0 {
		a.raise(info, ExcInstMisaligned, target)
		return
	}

	info.Type = jumpType(in.Rd, in.Rs1, false)
	info.BranchTaken = true
	info.BranchTarget = target
	a.setRd(info, in.Rd, a.pc+uint64(info.InstSize))
}

var branchOps = map[insts.Op]func(x, y uint64) bool{
	insts.OpBEQ:  func(x, y uint64) bool { return x == y },
	insts.OpBNE:  func(x, y uint64) bool { return x != y },
	insts.OpBLT:  func(x, y uint64) bool { return int64(x) < int64(y) },
	insts.OpBGE:  func(x, y uint64) bool { return int64(x) >= int64(y) },
	insts.OpBLTU: func(x, y uint64) bool { return x < y },
	insts.OpBGEU: func(x, y uint64) bool { return x >= y },
}

// execBranch always records the taken target so predictor training sees it
// even when the branch falls through.
func execBranch(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	info.SrcReg[0] = in.Rs1
	info.SrcReg[1] = in.Rs2

	target := a.pc + uint64(in.Imm)
	taken := branchOps[in.Op](a.state.Reg(in.Rs1), a.state.Reg(in.Rs2))
	if taken && target&3 != 0 {
		a.raise(info, ExcInstMisaligned, target)
		return
	}

	info.Type = insts.TypeCond
	info.BranchTaken = taken
	info.BranchTarget = target
}

// dataAccess translates and checks a data access. It raises and returns
// false on fault.
func (a *RiscvArch) dataAccess(
	info *insts.DecodeInfo,
	vaddr uint64,
	size int,
	ft insts.FetchType,
	misalignedCause uint64,
) (uint64, bool) {
	info.ExcData = vaddr
	if vaddr&uint64(size-1) != 0 {
		a.raise(info, misalignedCause, vaddr)
		return 0, false
	}

	paddr, exc := a.TranslateAddr(vaddr, ft)
	if exc != ExcNone {
		a.raise(info, exc, vaddr)
		return 0, false
	}

	if !a.mem.Accessible(paddr, size) {
		a.raise(info, accessFault(ft), vaddr)
		return 0, false
	}

	info.MemPaddr = paddr
	info.MemSize = uint8(size)
	return paddr, true
}

type loadMode struct {
	size   int
	signed bool
}

var loadOps = map[insts.Op]loadMode{
	insts.OpLB:  {1, true},
	insts.OpLH:  {2, true},
	insts.OpLW:  {4, true},
	insts.OpLD:  {8, false},
	insts.OpLBU: {1, false},
	insts.OpLHU: {2, false},
	insts.OpLWU: {4, false},
}

func extend(v uint64, size int, signed bool) uint64 {
	if size == 8 {
		return v
	}
	shift := uint(64 - 8*size)
	if signed {
		return uint64(int64(v<<shift) >> shift)
	}
	return v << shift >> shift
}

func loadHandler(m loadMode) handler {
	return func(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
		info.SrcReg[0] = in.Rs1
		vaddr := a.state.Reg(in.Rs1) + uint64(in.Imm)

		paddr, ok := a.dataAccess(info, vaddr, m.size, insts.LFetch, ExcLoadMisaligned)
		if !ok {
			return
		}

		v, err := a.mem.PaddrRead(paddr, m.size)
		if err != nil {
			a.raise(info, ExcLoadAccessFault, vaddr)
			return
		}

		info.Type = insts.TypeLoad
		a.setRd(info, in.Rd, extend(v, m.size, m.signed))
	}
}

var storeOps = map[insts.Op]int{
	insts.OpSB: 1,
	insts.OpSH: 2,
	insts.OpSW: 4,
	insts.OpSD: 8,
}

func storeHandler(size int) handler {
	return func(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
		info.SrcReg[0] = in.Rs1
		info.SrcReg[1] = in.Rs2
		vaddr := a.state.Reg(in.Rs1) + uint64(in.Imm)

		if _, ok := a.dataAccess(info, vaddr, size, insts.SFetch, ExcStoreMisaligned); !ok {
			return
		}

		info.Type = insts.TypeStore
		info.StoreData = a.state.Reg(in.Rs2)
		a.invalidateReservation(info, info.MemPaddr)
	}
}

// invalidateReservation drops the LR reservation when a store hits its
// doubleword.
func (a *RiscvArch) invalidateReservation(info *insts.DecodeInfo, paddr uint64) {
	if a.state.W[StateResValid] != 0 && a.state.W[StateResAddr]&^7 == paddr&^7 {
		info.AddDst(StateResValid, ^uint64(0), 0)
	}
}

func amoSize(op insts.Op) int {
	switch op {
	case insts.OpLRW, insts.OpSCW, insts.OpAMOSWAPW, insts.OpAMOADDW,
		insts.OpAMOXORW, insts.OpAMOANDW, insts.OpAMOORW, insts.OpAMOMINW,
		insts.OpAMOMAXW, insts.OpAMOMINUW, insts.OpAMOMAXUW:
		return 4
	}
	return 8
}

func execLR(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	info.SrcReg[0] = in.Rs1
	size := amoSize(in.Op)
	vaddr := a.state.Reg(in.Rs1)

	paddr, ok := a.dataAccess(info, vaddr, size, insts.LFetch, ExcLoadMisaligned)
	if !ok {
		return
	}
	if !a.mem.InRAM(paddr, size) {
		a.raise(info, ExcLoadAccessFault, vaddr)
		return
	}

	v, _ := a.mem.PaddrRead(paddr, size)
	info.Type = insts.TypeLR
	a.setRd(info, in.Rd, extend(v, size, true))
	info.AddDst(StateResAddr, ^uint64(0), paddr)
	info.AddDst(StateResValid, ^uint64(0), 1)
}

func execSC(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	info.SrcReg[0] = in.Rs1
	info.SrcReg[1] = in.Rs2
	size := amoSize(in.Op)
	vaddr := a.state.Reg(in.Rs1)

	paddr, ok := a.dataAccess(info, vaddr, size, insts.SFetch, ExcStoreMisaligned)
	if !ok {
		return
	}
	if !a.mem.InRAM(paddr, size) {
		a.raise(info, ExcStoreAccessFault, vaddr)
		return
	}

	info.Type = insts.TypeSC
	info.StoreData = a.state.Reg(in.Rs2)
	info.SCFailed = a.state.W[StateResValid] == 0 || a.state.W[StateResAddr] != paddr
	a.setRd(info, in.Rd, b2u(info.SCFailed))
	info.AddDst(StateResValid, ^uint64(0), 0)
}

var amoOps = map[insts.Op]aluFunc{
	insts.OpAMOSWAPW: func(_, y uint64) uint64 { return y },
	insts.OpAMOADDW:  func(x, y uint64) uint64 { return x + y },
	insts.OpAMOXORW:  func(x, y uint64) uint64 { return x ^ y },
	insts.OpAMOANDW:  func(x, y uint64) uint64 { return x & y },
	insts.OpAMOORW:   func(x, y uint64) uint64 { return x | y },
	insts.OpAMOMINW:  func(x, y uint64) uint64 { return pick(int32(x) < int32(y), x, y) },
	insts.OpAMOMAXW:  func(x, y uint64) uint64 { return pick(int32(x) > int32(y), x, y) },
	insts.OpAMOMINUW: func(x, y uint64) uint64 { return pick(uint32(x) < uint32(y), x, y) },
	insts.OpAMOMAXUW: func(x, y uint64) uint64 { return pick(uint32(x) > uint32(y), x, y) },
	insts.OpAMOSWAPD: func(_, y uint64) uint64 { return y },
	insts.OpAMOADDD:  func(x, y uint64) uint64 { return x + y },
	insts.OpAMOXORD:  func(x, y uint64) uint64 { return x ^ y },
	insts.OpAMOANDD:  func(x, y uint64) uint64 { return x & y },
	insts.OpAMOORD:   func(x, y uint64) uint64 { return x | y },
	insts.OpAMOMIND:  func(x, y uint64) uint64 { return pick(int64(x) < int64(y), x, y) },
	insts.OpAMOMAXD:  func(x, y uint64) uint64 { return pick(int64(x) > int64(y), x, y) },
	insts.OpAMOMINUD: func(x, y uint64) uint64 { return pick(x < y, x, y) },
	insts.OpAMOMAXUD: func(x, y uint64) uint64 { return pick(x > y, x, y) },
}

func pick(c bool, x, y uint64) uint64 {
	if c {
		return x
	}
	return y
}

func execAMO(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	info.SrcReg[0] = in.Rs1
	info.SrcReg[1] = in.Rs2
	size := amoSize(in.Op)
	vaddr := a.state.Reg(in.Rs1)

	paddr, ok := a.dataAccess(info, vaddr, size, insts.SFetch, ExcStoreMisaligned)
	if !ok {
		return
	}
	if !a.mem.InRAM(paddr, size) {
		a.raise(info, ExcStoreAccessFault, vaddr)
		return
	}

	old, _ := a.mem.PaddrRead(paddr, size)
	old = extend(old, size, true)

	info.Type = insts.TypeAMO
	info.StoreData = amoOps[in.Op](old, a.state.Reg(in.Rs2))
	a.setRd(info, in.Rd, old)
	a.invalidateReservation(info, paddr)
}

func execFence(_ *RiscvArch, _ *insts.Instruction, info *insts.DecodeInfo) {
	info.Type = insts.TypeFence
}

func execFenceI(_ *RiscvArch, _ *insts.Instruction, info *insts.DecodeInfo) {
	info.Type = insts.TypeIFence
	info.Flush = true
}

func execSFenceVMA(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	if a.state.Priv() < PrivS {
		a.raise(info, ExcIllegalInst, uint64(in.Raw))
		return
	}
	info.Type = insts.TypeSFence
	info.Flush = true
}

func execECall(a *RiscvArch, _ *insts.Instruction, info *insts.DecodeInfo) {
	switch a.state.Priv() {
	case PrivU:
		a.raise(info, ExcEcallU, 0)
	case PrivS:
		a.raise(info, ExcEcallS, 0)
	default:
		a.raise(info, ExcEcallM, 0)
	}
}

func execEBreak(a *RiscvArch, _ *insts.Instruction, info *insts.DecodeInfo) {
	a.raise(info, ExcBreakpoint, a.pc)
}

func execMRet(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	if a.state.Priv() < PrivM {
		a.raise(info, ExcIllegalInst, uint64(in.Raw))
		return
	}
	info.Type = insts.TypeMRet
	info.Flush = true
}

func execSRet(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	if a.state.Priv() < PrivS {
		a.raise(info, ExcIllegalInst, uint64(in.Raw))
		return
	}
	info.Type = insts.TypeSRet
	info.Flush = true
}

// execWFI retires as a nop; the next pending interrupt is taken at decode.
func execWFI(a *RiscvArch, in *insts.Instruction, info *insts.DecodeInfo) {
	if a.state.Priv() == PrivU {
		a.raise(info, ExcIllegalInst, uint64(in.Raw))
	}
}
