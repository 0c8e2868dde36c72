package pipeline

import (
	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/cache"
	"github.com/sarchlab/rvsim/timing/sim"
)

// fetchSlot pairs an instruction-cache request with the instruction it
// fetches.
type fetchSlot struct {
	req      cache.Request
	inst     *Inst
	accepted bool
	done     bool
}

// fetchRing holds fetched instructions in program order, oldest at head.
type fetchRing struct {
	slots []fetchSlot
	head  int
	count int
	// pending is the slot still waiting for the instruction cache to
	// accept its request, or -1.
	pending int
}

func newFetchRing(size int) fetchRing {
	r := fetchRing{slots: make([]fetchSlot, size), pending: -1}
	for i := range r.slots {
		r.slots[i].req = cache.Request{Size: 4, Op: cache.ReadShared, IDs: [4]uint16{uint16(i)}}
	}
	return r
}

func (r *fetchRing) full() bool {
	return r.count == len(r.slots)
}

func (r *fetchRing) at(i int) *fetchSlot {
	return &r.slots[(r.head+i)%len(r.slots)]
}

func (r *fetchRing) push(inst *Inst) int {
	idx := (r.head + r.count) % len(r.slots)
	s := &r.slots[idx]
	s.inst = inst
	s.accepted = false
	s.done = false
	r.count++
	return idx
}

func (r *fetchRing) pop() *Inst {
	s := &r.slots[r.head]
	inst := s.inst
	s.inst = nil
	r.head = (r.head + 1) % len(r.slots)
	r.count--
	return inst
}

// fetchStage offers the pending request to the instruction cache, or
// starts fetching the next predicted instruction.
func (p *Pipeline) fetchStage() {
	r := &p.fetch
	if r.pending < 0 {
		p.startFetch()
	}

	if r.pending >= 0 {
		s := &r.slots[r.pending]
		if p.icache.Lookup(p.icacheCB, &s.req) {
			s.accepted = true
			r.pending = -1
		}
	}
}

func (p *Pipeline) startFetch() {
	r := &p.fetch
	stall := r.full()

	pr, ok := p.predictor.Predict(p.predPC, nil, stall)
	if !ok {
		p.stats.FetchStalls++
		return
	}

	inst := p.pool.get()
	inst.PC = p.predPC
	inst.NextPC = pr.NextPC
	inst.PredTaken = pr.Taken
	inst.PredSize = pr.Size
	inst.MetaIdx = pr.MetaIdx
	inst.FetchExc = p.arch.ExceptionNone()
	inst.Info.Exception = p.arch.ExceptionNone()
	inst.Enter[sim.StageFetch] = p.ctx.Tick()
	p.predPC = pr.NextPC

	idx := r.push(inst)
	s := &r.slots[idx]

	paddr, exc := p.arch.TranslateAddr(inst.PC, insts.IFetch)
	if p.arch.ExceptionValid(exc) {
		inst.FetchExc = exc
		s.done = true
		return
	}

	inst.Paddr = paddr
	s.req.Addr = paddr
	r.pending = idx
}

// fetchDone is the instruction-cache callback. Completions arrive in
// request order.
func (p *Pipeline) fetchDone(ids [4]uint16, _ cache.Tagv) {
	r := &p.fetch
	for i := 0; i < r.count; i++ {
		s := r.at(i)
		if !s.accepted || s.done {
			continue
		}

		if s.req.IDs[0] != ids[0] {
			p.ctx.Fatalf(sim.ErrProtocol, "icache completion for slot %d, oldest outstanding is %d",
				ids[0], s.req.IDs[0])
			return
		}
		s.done = true
		return
	}

	p.ctx.Fatalf(sim.ErrProtocol, "icache completion for slot %d with nothing outstanding", ids[0])
}

// flushFetch discards every fetched instruction.
func (p *Pipeline) flushFetch() {
	r := &p.fetch
	for r.count > 0 {
		p.pool.put(r.pop())
	}
	r.head = 0
	r.pending = -1
}
