// Package emu provides the functional RV64 backend: architectural state,
// physical memory with memory-mapped devices, Sv39 address translation, the
// RiscvArch decode/commit contract used by the timing pipeline, and a
// functional reference Emulator.
package emu

import (
	"fmt"
	"strings"
)

// Privilege modes.
const (
	PrivU uint64 = 0
	PrivS uint64 = 1
	PrivM uint64 = 3
)

// Architectural state word indices. DecodeInfo destination writes address the
// state by these indices; x0 through x31 occupy 0 through 31.
const StateGPR uint16 = 0

// Privileged state word indices.
const (
	StatePriv uint16 = 32 + iota
	StateMStatus
	StateMEDeleg
	StateMIDeleg
	StateMIE
	StateMIP
	StateMTVec
	StateMScratch
	StateMEPC
	StateMCause
	StateMTVal
	StateMCounterEn
	StateSTVec
	StateSScratch
	StateSEPC
	StateSCause
	StateSTVal
	StateSCounterEn
	StateSATP
	StateResAddr
	StateResValid

	// NumStateWords is the size of the architectural state.
	NumStateWords
)

// ArchState holds every architectural register of one hart as plain words.
type ArchState struct {
	W [NumStateWords]uint64
}

// Reg reads general-purpose register r. x0 always reads as zero.
func (s *ArchState) Reg(r uint8) uint64 {
	if r == 0 {
		return 0
	}
	return s.W[StateGPR+uint16(r)]
}

// SetReg writes general-purpose register r. Writes to x0 are dropped.
func (s *ArchState) SetReg(r uint8, v uint64) {
	if r == 0 {
		return
	}
	s.W[StateGPR+uint16(r)] = v
}

// Priv returns the current privilege mode.
func (s *ArchState) Priv() uint64 {
	return s.W[StatePriv]
}

// GPRs returns a copy of the general-purpose registers.
func (s *ArchState) GPRs() [32]uint64 {
	var r [32]uint64
	copy(r[:], s.W[StateGPR:StateGPR+32])
	r[0] = 0
	return r
}

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Dump formats the register state for diagnostics.
func (s *ArchState) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "priv=%d mstatus=%#x mepc=%#x mcause=%#x mtval=%#x satp=%#x\n",
		s.Priv(), s.W[StateMStatus], s.W[StateMEPC], s.W[StateMCause],
		s.W[StateMTVal], s.W[StateSATP])
	for i := 0; i < 32; i++ {
		fmt.Fprintf(&b, "%4s=%#018x", abiNames[i], s.Reg(uint8(i)))
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}
