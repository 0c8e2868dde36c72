package pred

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/rvsim/insts"
)

// HistoryKind identifies a history implementation in the HistoryManager.
type HistoryKind int

// History kinds.
const (
	HistoryGHR HistoryKind = iota
)

// History is speculative branch history shared by predictor components.
type History interface {
	Kind() HistoryKind
	MetaSize() int
	// Snapshot saves the current position into meta.
	Snapshot(meta []byte)
	// Update advances history speculatively.
	Update(taken bool, pc uint64, typ insts.InstType)
	// Rewind restores the snapshot in meta, then applies the real outcome.
	Rewind(meta []byte, taken bool, pc uint64, typ insts.InstType)
}

// HistoryManager owns the histories and lays out their snapshots in one
// meta blob.
type HistoryManager struct {
	histories []History
	offsets   []int
	byKind    map[HistoryKind]History
	size      int
}

// NewHistoryManager registers histories. Kinds must be unique.
func NewHistoryManager(histories ...History) *HistoryManager {
	m := &HistoryManager{byKind: make(map[HistoryKind]History)}
	for _, h := range histories {
		if _, dup := m.byKind[h.Kind()]; dup {
			panic(fmt.Sprintf("pred: duplicate history kind %d", h.Kind()))
		}
		m.byKind[h.Kind()] = h
		m.histories = append(m.histories, h)
		m.offsets = append(m.offsets, m.size)
		m.size += h.MetaSize()
	}
	return m
}

// Get returns the history of the given kind, or nil.
func (m *HistoryManager) Get(kind HistoryKind) History {
	return m.byKind[kind]
}

// MetaSize is the snapshot size in bytes.
func (m *HistoryManager) MetaSize() int {
	return m.size
}

// Snapshot saves every history into meta.
func (m *HistoryManager) Snapshot(meta []byte) {
	for i, h := range m.histories {
		h.Snapshot(m.slice(meta, i))
	}
}

// Update advances every history speculatively, or rewinds them to the
// snapshot in meta and applies the real outcome.
func (m *HistoryManager) Update(speculative, taken bool, pc uint64, typ insts.InstType, meta []byte) {
	for i, h := range m.histories {
		if speculative {
			h.Update(taken, pc, typ)
		} else {
			h.Rewind(m.slice(meta, i), taken, pc, typ)
		}
	}
}

func (m *HistoryManager) slice(meta []byte, i int) []byte {
	return meta[m.offsets[i] : m.offsets[i]+m.histories[i].MetaSize()]
}

// ghrSlack is the number of pushes a snapshot survives. It bounds the
// number of in-flight predictions.
const ghrSlack = 256

// GHR is the global history register: a circular buffer of conditional
// branch outcomes and a monotonically increasing push index, so a snapshot
// is just the index.
type GHR struct {
	buf    []bool
	length int
	idx    uint64
}

// NewGHR creates a history of length outcomes.
func NewGHR(length int) *GHR {
	return &GHR{buf: make([]bool, length+ghrSlack), length: length}
}

// Kind returns HistoryGHR.
func (g *GHR) Kind() HistoryKind {
	return HistoryGHR
}

// Length returns the number of outcomes kept.
func (g *GHR) Length() int {
	return g.length
}

// MetaSize returns 8, the size of the saved index.
func (g *GHR) MetaSize() int {
	return 8
}

// Snapshot saves the push index.
func (g *GHR) Snapshot(meta []byte) {
	binary.LittleEndian.PutUint64(meta, g.idx)
}

func (g *GHR) push(taken bool) {
	g.buf[g.idx%uint64(len(g.buf))] = taken
	g.idx++
}

// Update pushes the outcome of conditional branches.
func (g *GHR) Update(taken bool, _ uint64, typ insts.InstType) {
	if typ == insts.TypeCond {
		g.push(taken)
	}
}

// Rewind drops every push made after the snapshot and pushes the real
// outcome of a conditional branch.
func (g *GHR) Rewind(meta []byte, taken bool, pc uint64, typ insts.InstType) {
	g.idx = binary.LittleEndian.Uint64(meta)
	g.Update(taken, pc, typ)
}

// Value returns the newest n outcomes (n <= 64), newest in bit 0.
func (g *GHR) Value(n int) uint64 {
	n = min(n, g.length, 64)

	var v uint64
	for i := 0; i < n && uint64(i) < g.idx; i++ {
		if g.buf[(g.idx-1-uint64(i))%uint64(len(g.buf))] {
			v |= 1 << i
		}
	}
	return v
}

// Count returns the number of outcomes ever pushed, net of rewinds.
func (g *GHR) Count() uint64 {
	return g.idx
}
