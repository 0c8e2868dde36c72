package emu

import "github.com/sarchlab/rvsim/insts"

// Sv39 page-table entries are handled as plain words through these
// accessors.
const (
	pageShift = 12
	vpnBits   = 9
	vpnMask   = 1<<vpnBits - 1
	pteSize   = 8
	sv39Level = 3

	pteV uint64 = 1 << 0
	pteR uint64 = 1 << 1
	pteW uint64 = 1 << 2
	pteX uint64 = 1 << 3
	pteU uint64 = 1 << 4
	pteA uint64 = 1 << 6
	pteD uint64 = 1 << 7

	ptePPNShift    = 10
	ptePPNMask     = 1<<44 - 1
	pteReservedTop = 54
)

func pteValid(pte uint64) bool      { return pte&pteV != 0 }
func pteReadable(pte uint64) bool   { return pte&pteR != 0 }
func pteWritable(pte uint64) bool   { return pte&pteW != 0 }
func pteExecutable(pte uint64) bool { return pte&pteX != 0 }
func pteUser(pte uint64) bool       { return pte&pteU != 0 }
func pteAccessed(pte uint64) bool   { return pte&pteA != 0 }
func pteDirty(pte uint64) bool      { return pte&pteD != 0 }
func ptePPN(pte uint64) uint64      { return (pte >> ptePPNShift) & ptePPNMask }
func pteReserved(pte uint64) bool   { return pte>>pteReservedTop != 0 }
func pteLeaf(pte uint64) bool       { return pte&(pteR|pteX) != 0 }

// MakePTE builds a page-table entry pointing at physical page number ppn.
func MakePTE(ppn uint64, r, w, x, u bool) uint64 {
	pte := ppn<<ptePPNShift | pteV | pteA | pteD
	if r {
		pte |= pteR
	}
	if w {
		pte |= pteW
	}
	if x {
		pte |= pteX
	}
	if u {
		pte |= pteU
	}
	return pte
}

func vpn(vaddr uint64, level int) uint64 {
	return (vaddr >> (pageShift + vpnBits*level)) & vpnMask
}

func pageFault(ft insts.FetchType) uint64 {
	switch ft {
	case insts.IFetch:
		return ExcInstPageFault
	case insts.LFetch:
		return ExcLoadPageFault
	default:
		return ExcStorePageFault
	}
}

func accessFault(ft insts.FetchType) uint64 {
	switch ft {
	case insts.IFetch:
		return ExcInstAccessFault
	case insts.LFetch:
		return ExcLoadAccessFault
	default:
		return ExcStoreAccessFault
	}
}

// effectivePriv is the privilege used for translation and permission checks.
func (a *RiscvArch) effectivePriv(ft insts.FetchType) uint64 {
	mstatus := a.state.W[StateMStatus]
	if ft != insts.IFetch && mstatus&MStatusMPRV != 0 {
		return (mstatus & MStatusMPP) >> mstatusMPPShift
	}
	return a.state.Priv()
}

func (a *RiscvArch) translationOn(ft insts.FetchType) bool {
	return a.state.W[StateSATP]>>60 == satpModeSv39 && a.effectivePriv(ft) != PrivM
}

// walk translates vaddr through the Sv39 tables and returns the physical
// address or a fault cause.
func (a *RiscvArch) walk(vaddr uint64, ft insts.FetchType) (uint64, uint64) {
	if uint64(int64(vaddr<<25)>>25) != vaddr {
		return 0, pageFault(ft)
	}

	table := (a.state.W[StateSATP] & ptePPNMask) << pageShift
	level := sv39Level - 1
	var pte uint64
	for ; level >= 0; level-- {
		addr := table + vpn(vaddr, level)*pteSize
		if a.mem.IsMMIO(addr) {
			return 0, accessFault(ft)
		}

		v, err := a.mem.PaddrRead(addr, pteSize)
		if err != nil {
			return 0, accessFault(ft)
		}
		pte = v

		if !pteValid(pte) || (!pteReadable(pte) && pteWritable(pte)) || pteReserved(pte) {
			return 0, pageFault(ft)
		}
		if pteLeaf(pte) {
			break
		}
		if level == 0 {
			return 0, pageFault(ft)
		}
		table = ptePPN(pte) << pageShift
	}

	if !a.permitted(pte, ft) {
		return 0, pageFault(ft)
	}

	offsetBits := uint(pageShift + vpnBits*level)
	pageMask := uint64(1)<<offsetBits - 1
	base := ptePPN(pte) << pageShift
	if base&pageMask != 0 {
		return 0, pageFault(ft)
	}

	return base | vaddr&pageMask, ExcNone
}

// permitted applies the leaf permission rules. Accessed and dirty bits are
// not updated by hardware; a clear bit faults.
func (a *RiscvArch) permitted(pte uint64, ft insts.FetchType) bool {
	priv := a.effectivePriv(ft)
	mstatus := a.state.W[StateMStatus]

	if pteUser(pte) {
		if priv == PrivS && (ft == insts.IFetch || mstatus&MStatusSUM == 0) {
			return false
		}
	} else if priv == PrivU {
		return false
	}

	if !pteAccessed(pte) {
		return false
	}

	switch ft {
	case insts.IFetch:
		return pteExecutable(pte)
	case insts.LFetch:
		return pteReadable(pte) || (mstatus&MStatusMXR != 0 && pteExecutable(pte))
	default:
		return pteWritable(pte) && pteDirty(pte)
	}
}
