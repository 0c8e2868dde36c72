package pred

import "encoding/binary"

// RAS is a circular return address stack. Calls push pc+size, returns pop.
// Only the top pointer is checkpointed, so a deep wrong path may corrupt
// entries.
type RAS struct {
	stack []uint64
	top   uint32
	delay int
}

// NewRAS creates a stack of depth entries; depth must be a power of two.
func NewRAS(cfg RASConfig) *RAS {
	return &RAS{stack: make([]uint64, cfg.Depth), delay: cfg.Delay}
}

// Name returns "ras".
func (r *RAS) Name() string { return "ras" }

// Delay returns the lookup delay.
func (r *RAS) Delay() int { return r.delay }

// MetaSize returns 4, the size of the saved top pointer.
func (r *RAS) MetaSize() int { return 4 }

func (r *RAS) mask() uint32 {
	return uint32(len(r.stack)) - 1
}

// Predict saves the top pointer and supplies the return target.
func (r *RAS) Predict(_ uint64, s *BranchStream, meta []byte) {
	binary.LittleEndian.PutUint32(meta, r.top)
	if s.Type.IsReturn() {
		s.RASTarget = r.stack[(r.top-1)&r.mask()]
		s.RASValid = true
	}
}

// Advance applies the speculative pop and push of an issued prediction.
func (r *RAS) Advance(pc uint64, s *BranchStream, _ []byte) {
	r.apply(pc, s.Size, s.Type.IsReturn(), s.Type.IsCall())
}

// Redirect restores the top pointer and applies the real outcome.
func (r *RAS) Redirect(o Outcome, meta []byte) {
	r.top = binary.LittleEndian.Uint32(meta)
	r.apply(o.PC, o.Size, o.Type.IsReturn(), o.Type.IsCall())
}

func (r *RAS) apply(pc uint64, size uint8, pop, push bool) {
	if pop {
		r.top--
	}
	if push {
		r.stack[r.top&r.mask()] = pc + uint64(size)
		r.top++
	}
}

// Top returns the current return target.
func (r *RAS) Top() uint64 {
	return r.stack[(r.top-1)&r.mask()]
}
