package insts

// InterruptBit marks an exception code as an asynchronous interrupt.
const InterruptBit uint64 = 1 << 63

// MaxDst is the number of architectural-state writes one instruction may carry.
const MaxDst = 3

// DstWrite describes one masked write into the architectural state words.
// A zero mask makes the write a no-op.
type DstWrite struct {
	Idx  uint16
	Mask uint64
	Data uint64
}

// DecodeInfo is the architectural-effect descriptor of one instruction. It is
// filled by the Arch backend at decode time, read by the timing pipeline, and
// replayed by the backend to commit the instruction.
type DecodeInfo struct {
	Dst    [MaxDst]DstWrite
	NumDst int

	SrcReg [3]uint8
	DstReg uint8

	Exception uint64
	// ExcData is the memory virtual address for memory classes, and the trap
	// value for exceptions.
	ExcData uint64

	Inst     uint32
	InstSize uint8
	Type     InstType

	// MemPaddr and MemSize describe the data access of memory classes.
	MemPaddr  uint64
	MemSize   uint8
	StoreData uint64
	// SCFailed is set when a store-conditional lost its reservation and
	// completes without touching memory.
	SCFailed bool

	BranchTaken  bool
	BranchTarget uint64

	// Flush requests a front-of-pipeline flush after commit, for example
	// when a CSR write changes address translation.
	Flush bool
}

// Reset clears the descriptor for reuse, keeping the given exception code as
// the "none" value.
func (d *DecodeInfo) Reset(none uint64) {
	*d = DecodeInfo{Exception: none}
}

// AddDst appends a masked state write. The decoder never needs more than
// MaxDst writes; exceeding it is a decode table bug.
func (d *DecodeInfo) AddDst(idx uint16, mask, data uint64) {
	if d.NumDst >= MaxDst {
		panic("insts: too many destination writes")
	}

	d.Dst[d.NumDst] = DstWrite{Idx: idx, Mask: mask, Data: data}
	d.NumDst++
}

// Reads reports whether the instruction reads register r (x0 never counts).
func (d *DecodeInfo) Reads(r uint8) bool {
	if r == 0 {
		return false
	}

	for _, s := range d.SrcReg {
		if s == r {
			return true
		}
	}

	return false
}
