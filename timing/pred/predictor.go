package pred

import (
	"fmt"
	"slices"

	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/sim"
)

// NoMeta is the meta index of an instruction fetched without a prediction.
const NoMeta = -1

// Prediction is what fetch receives for one instruction.
type Prediction struct {
	PC      uint64
	NextPC  uint64
	Taken   bool
	Size    uint8
	Type    insts.InstType
	MetaIdx int
}

// MetaInfo is the per-prediction record kept until the instruction retires
// or is squashed.
type MetaInfo struct {
	bp      [][]byte
	history []byte

	PC        uint64
	PredAddr  uint64
	PredTaken bool
	PredSize  uint8
	PredType  insts.InstType

	stream BranchStream
}

// Statistics counts predictions and mispredictions per branch class.
type Statistics struct {
	Predictions  uint64
	Bubbles      uint64
	RingFull     uint64
	Redirects    uint64
	Cond         uint64
	CondMiss     uint64
	Indirect     uint64
	IndirectMiss uint64
	Call         uint64
	CallMiss     uint64
	Return       uint64
	ReturnMiss   uint64
}

// member is a component capability with its position in the component list.
type member[T any] struct {
	idx int
	bp  T
}

type layer struct {
	delay int
	bps   []int
}

// Predictor runs the BP components layer by layer and keeps the MetaInfo
// ring. Slots between tail and head are in flight, oldest at tail.
type Predictor struct {
	ctx *sim.Context

	bps         []BP
	updaters    []member[Updater]
	redirectors []member[Redirector]
	speculators []member[Speculator]
	layers      []layer
	history     *HistoryManager

	ring  []MetaInfo
	head  int
	tail  int
	count int

	held   bool
	bubble int
	pred   Prediction

	stats Statistics
}

// New builds the default BTB, GShare and RAS stack from config.
func New(ctx *sim.Context, config Config) (*Predictor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ghr := NewGHR(config.GHRLength)
	return NewWithComponents(ctx, config.RetireSize, NewHistoryManager(ghr),
		NewBTB(config.BTB),
		NewGShare(config.GShare, ghr),
		NewRAS(config.RAS),
	), nil
}

// NewWithComponents builds a predictor from arbitrary components.
// Components with equal delay form one layer and run in the given order.
func NewWithComponents(ctx *sim.Context, retireSize int, history *HistoryManager, bps ...BP) *Predictor {
	p := &Predictor{
		ctx:     ctx,
		bps:     bps,
		history: history,
		ring:    make([]MetaInfo, retireSize),
	}

	for i, bp := range bps {
		if u, ok := bp.(Updater); ok {
			p.updaters = append(p.updaters, member[Updater]{i, u})
		}
		if r, ok := bp.(Redirector); ok {
			p.redirectors = append(p.redirectors, member[Redirector]{i, r})
		}
		if s, ok := bp.(Speculator); ok {
			p.speculators = append(p.speculators, member[Speculator]{i, s})
		}
		p.addToLayer(bp.Delay(), i)
	}
	slices.SortStableFunc(p.layers, func(a, b layer) int { return a.delay - b.delay })

	for i := range p.ring {
		m := &p.ring[i]
		m.history = make([]byte, history.MetaSize())
		m.bp = make([][]byte, len(bps))
		for j, bp := range bps {
			m.bp[j] = make([]byte, bp.MetaSize())
		}
	}

	return p
}

func (p *Predictor) addToLayer(delay, idx int) {
	for i := range p.layers {
		if p.layers[i].delay == delay {
			p.layers[i].bps = append(p.layers[i].bps, idx)
			return
		}
	}
	p.layers = append(p.layers, layer{delay: delay, bps: []int{idx}})
}

// Stats returns the counters.
func (p *Predictor) Stats() Statistics {
	return p.stats
}

// History returns the history manager.
func (p *Predictor) History() *HistoryManager {
	return p.history
}

// Component returns the component with the given name, or nil.
func (p *Predictor) Component(name string) BP {
	for _, bp := range p.bps {
		if bp.Name() == name {
			return bp
		}
	}
	return nil
}

// InFlight returns the number of issued predictions not yet committed.
func (p *Predictor) InFlight() int {
	return p.count
}

// Meta returns the record of an in-flight slot.
func (p *Predictor) Meta(idx int) *MetaInfo {
	return &p.ring[idx]
}

// Predict predicts the instruction at pc. info seeds the stream when the
// instruction is already decoded. The second result is false when no
// prediction is issued this tick: a bubble is draining, the ring is full,
// or the caller stalls. A computed prediction is held across stalls.
func (p *Predictor) Predict(pc uint64, info *insts.DecodeInfo, stall bool) (Prediction, bool) {
	if p.bubble > 0 {
		p.bubble--
		p.stats.Bubbles++
		if p.bubble > 0 {
			return Prediction{MetaIdx: NoMeta}, false
		}
	}

	if p.held && p.pred.PC != pc {
		p.held = false
	}

	if !p.held {
		if p.count == len(p.ring) {
			p.stats.RingFull++
			return Prediction{MetaIdx: NoMeta}, false
		}

		p.compute(pc, info)
		if p.bubble > 0 {
			return Prediction{MetaIdx: NoMeta}, false
		}
	}

	if stall {
		return Prediction{MetaIdx: NoMeta}, false
	}

	return p.issue(), true
}

func (p *Predictor) compute(pc uint64, info *insts.DecodeInfo) {
	m := &p.ring[p.head]
	s := BranchStream{Type: insts.TypeInt, Size: 4}
	if info != nil {
		s.Type = info.Type
		s.Size = info.InstSize
		s.Taken = info.BranchTaken
		s.Target = info.BranchTarget
	}

	p.history.Snapshot(m.history)

	next := pc + uint64(s.Size)
	for _, l := range p.layers {
		for _, i := range l.bps {
			p.bps[i].Predict(pc, &s, m.bp[i])
		}

		target := resolve(pc, &s)
		if target != next {
			p.bubble = l.delay
		}
		next = target
	}

	m.PC = pc
	m.PredAddr = next
	m.PredTaken = next != pc+uint64(s.Size)
	m.PredSize = s.Size
	m.PredType = s.Type
	m.stream = s

	p.held = true
	p.pred = Prediction{
		PC:      pc,
		NextPC:  next,
		Taken:   m.PredTaken,
		Size:    s.Size,
		Type:    s.Type,
		MetaIdx: p.head,
	}
}

func resolve(pc uint64, s *BranchStream) uint64 {
	switch {
	case s.Type == insts.TypeCond:
		if s.Taken {
			return s.Target
		}
	case s.Type.IsDirect():
		return s.Target
	case s.Type.IsIndirect():
		if s.IndirectValid {
			return s.IndirectTarget
		}
		return s.Target
	case s.Type.IsReturn():
		if s.RASValid {
			return s.RASTarget
		}
		return s.Target
	}
	return pc + uint64(s.Size)
}

// issue hands out the held prediction and applies its speculative state
// changes.
func (p *Predictor) issue() Prediction {
	m := &p.ring[p.head]
	p.history.Update(true, m.PredTaken, m.PC, m.PredType, m.history)
	for _, s := range p.speculators {
		s.bp.Advance(m.PC, &m.stream, m.bp[s.idx])
	}

	pred := p.pred
	p.held = false
	p.head = (p.head + 1) % len(p.ring)
	p.count++
	p.stats.Predictions++
	return pred
}

func (p *Predictor) inFlight(idx int) bool {
	if idx < 0 || idx >= len(p.ring) {
		return false
	}
	return (idx-p.tail+len(p.ring))%len(p.ring) < p.count
}

func (p *Predictor) check(op string, idx int) bool {
	if !p.inFlight(idx) {
		p.ctx.Fatalf(sim.ErrProtocol, "predictor: %s on slot %d not in flight (tail %d, count %d)",
			op, idx, p.tail, p.count)
		return false
	}
	return true
}

// Update trains every component with the resolved outcome of the
// instruction in slot metaIdx.
func (p *Predictor) Update(o Outcome, metaIdx int) {
	if !p.check("update", metaIdx) {
		return
	}

	m := &p.ring[metaIdx]
	for _, u := range p.updaters {
		u.bp.Update(o, m.bp[u.idx])
	}

	miss := m.PredAddr != o.NextPC()
	switch {
	case o.Type == insts.TypeCond:
		count(&p.stats.Cond, &p.stats.CondMiss, miss)
	case o.Type.IsReturn():
		count(&p.stats.Return, &p.stats.ReturnMiss, miss)
	case o.Type.IsCall():
		count(&p.stats.Call, &p.stats.CallMiss, miss)
	case o.Type.IsIndirect():
		count(&p.stats.Indirect, &p.stats.IndirectMiss, miss)
	}
}

func count(total, misses *uint64, miss bool) {
	*total++
	if miss {
		*misses++
	}
}

// Redirect restores speculative state to just after the instruction in slot
// metaIdx, using its real outcome, and drops every younger prediction.
func (p *Predictor) Redirect(o Outcome, metaIdx int) {
	if !p.check("redirect", metaIdx) {
		return
	}

	m := &p.ring[metaIdx]
	p.history.Update(false, o.Taken, o.PC, o.Type, m.history)
	for _, r := range p.redirectors {
		r.bp.Redirect(o, m.bp[r.idx])
	}

	p.bubble = 0
	p.held = false
	p.head = (metaIdx + 1) % len(p.ring)
	p.count = (p.head-p.tail+len(p.ring))%len(p.ring)
	if p.count == 0 {
		p.count = len(p.ring)
	}
	p.stats.Redirects++
}

// Commit releases the oldest slot. Slots retire in order.
func (p *Predictor) Commit(metaIdx int) {
	if p.count == 0 || metaIdx != p.tail {
		p.ctx.Fatalf(sim.ErrProtocol, "predictor: commit of slot %d, expected %d (count %d)",
			metaIdx, p.tail, p.count)
		return
	}

	p.tail = (p.tail + 1) % len(p.ring)
	p.count--
}

// Reset drops the held prediction, the bubble and every in-flight slot.
func (p *Predictor) Reset() {
	p.held = false
	p.bubble = 0
	p.head, p.tail, p.count = 0, 0, 0
}

// RegisterStats publishes the counters into reg.
func (p *Predictor) RegisterStats(reg *sim.Registry) {
	reg.RegisterFunc("bp.predictions", "predictions issued", func() uint64 { return p.stats.Predictions })
	reg.RegisterFunc("bp.bubbles", "fetch bubbles from slow predictor layers", func() uint64 { return p.stats.Bubbles })
	reg.RegisterFunc("bp.redirects", "predictor redirects", func() uint64 { return p.stats.Redirects })
	for _, c := range []struct {
		name        string
		total, miss *uint64
	}{
		{"cond", &p.stats.Cond, &p.stats.CondMiss},
		{"indirect", &p.stats.Indirect, &p.stats.IndirectMiss},
		{"call", &p.stats.Call, &p.stats.CallMiss},
		{"return", &p.stats.Return, &p.stats.ReturnMiss},
	} {
		reg.RegisterFunc("bp."+c.name, fmt.Sprintf("%s branches resolved", c.name),
			func() uint64 { return *c.total })
		reg.RegisterRatio("bp."+c.name+"_miss_rate", fmt.Sprintf("%s branch mispredictions per branch", c.name),
			func() uint64 { return *c.miss }, func() uint64 { return *c.total })
	}
}
