package pred

import "github.com/sarchlab/rvsim/insts"

type btbEntry struct {
	valid  bool
	tag    uint64
	typ    insts.InstType
	target uint64
	size   uint8
}

// BTB is a direct-mapped branch target buffer with partial tags. It supplies
// the class, target and size of branches it has seen taken or resolved.
type BTB struct {
	entries []btbEntry
	idxBits uint
	tagMask uint64
	delay   int
}

// NewBTB creates a BTB. entries must be a power of two.
func NewBTB(cfg BTBConfig) *BTB {
	return &BTB{
		entries: make([]btbEntry, cfg.Entries),
		idxBits: log2(cfg.Entries),
		tagMask: 1<<cfg.TagBits - 1,
		delay:   cfg.Delay,
	}
}

// Name returns "btb".
func (b *BTB) Name() string { return "btb" }

// Delay returns the lookup delay.
func (b *BTB) Delay() int { return b.delay }

// MetaSize returns 0; the BTB is trained from the outcome alone.
func (b *BTB) MetaSize() int { return 0 }

func (b *BTB) index(pc uint64) uint64 {
	return (pc >> 2) & (uint64(len(b.entries)) - 1)
}

func (b *BTB) tag(pc uint64) uint64 {
	return (pc >> (2 + b.idxBits)) & b.tagMask
}

// Predict fills in the class and target of a BTB hit. Conditional branches
// default to taken; a later direction predictor may override that.
func (b *BTB) Predict(pc uint64, s *BranchStream, _ []byte) {
	e := &b.entries[b.index(pc)]
	if !e.valid || e.tag != b.tag(pc) {
		return
	}

	s.BTBHit = true
	s.Type = e.typ
	s.Target = e.target
	s.Size = e.size
	s.Taken = true
}

// Update installs or refreshes the entry of a branch.
func (b *BTB) Update(o Outcome, _ []byte) {
	if !o.Type.IsBranch() {
		return
	}

	b.entries[b.index(o.PC)] = btbEntry{
		valid:  true,
		tag:    b.tag(o.PC),
		typ:    o.Type,
		target: o.Target,
		size:   o.Size,
	}
}

// Lookup returns the stored class and target for pc, for inspection.
func (b *BTB) Lookup(pc uint64) (insts.InstType, uint64, bool) {
	e := &b.entries[b.index(pc)]
	if !e.valid || e.tag != b.tag(pc) {
		return insts.TypeInt, 0, false
	}
	return e.typ, e.target, true
}

func log2(n int) uint {
	var b uint
	for 1<<b < n {
		b++
	}
	return b
}
