package pred

import (
	"encoding/binary"

	"github.com/sarchlab/rvsim/insts"
)

// GShare predicts conditional branch direction from a table of signed
// saturating counters indexed by the PC xor global history.
type GShare struct {
	ghr      *GHR
	counters []int8
	histBits int
	maxCtr   int8
	minCtr   int8
	delay    int
}

// NewGShare creates a GShare reading history from ghr.
func NewGShare(cfg GShareConfig, ghr *GHR) *GShare {
	return &GShare{
		ghr:      ghr,
		counters: make([]int8, cfg.Entries),
		histBits: cfg.HistoryBits,
		maxCtr:   int8(1<<(cfg.CounterBits-1) - 1),
		minCtr:   int8(-(1 << (cfg.CounterBits - 1))),
		delay:    cfg.Delay,
	}
}

// Name returns "gshare".
func (g *GShare) Name() string { return "gshare" }

// Delay returns the lookup delay.
func (g *GShare) Delay() int { return g.delay }

// MetaSize returns 4, the size of the saved table index.
func (g *GShare) MetaSize() int { return 4 }

func (g *GShare) index(pc uint64) uint32 {
	return uint32(((pc >> 2) ^ g.ghr.Value(g.histBits)) & (uint64(len(g.counters)) - 1))
}

// Predict records the table index and sets the direction of conditional
// branches.
func (g *GShare) Predict(pc uint64, s *BranchStream, meta []byte) {
	idx := g.index(pc)
	binary.LittleEndian.PutUint32(meta, idx)

	if s.Type == insts.TypeCond {
		s.Taken = g.counters[idx] >= 0
	}
}

// Update trains the counter used for the prediction.
func (g *GShare) Update(o Outcome, meta []byte) {
	if o.Type != insts.TypeCond {
		return
	}

	idx := binary.LittleEndian.Uint32(meta)
	c := &g.counters[idx]
	switch {
	case o.Taken && *c < g.maxCtr:
		*c++
	case !o.Taken && *c > g.minCtr:
		*c--
	}
}

// Counter returns the counter at a table index.
func (g *GShare) Counter(idx uint32) int8 {
	return g.counters[idx]
}
