package pipeline

import (
	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/cache"
	"github.com/sarchlab/rvsim/timing/sim"
)

// writeback retires the instruction in WB, or takes its trap.
func (p *Pipeline) writeback() {
	inst := p.wb
	if inst == nil {
		return
	}
	p.wb = nil
	p.wbTick = p.ctx.Tick()

	if p.arch.ExceptionValid(inst.Info.Exception) {
		if inst.Info.Exception&insts.InterruptBit != 0 {
			inst.Result = ResultInterrupt
			p.stats.Interrupts++
		} else {
			inst.Result = ResultException
			p.stats.Exceptions++
		}
		p.exceptionRedirect(inst)
		p.pool.put(inst)
		return
	}

	p.predictor.Commit(inst.MetaIdx)
	p.retired++
	p.stats.Instructions++

	for _, h := range p.hooks {
		h(inst)
	}
	p.record(inst)
	p.pool.put(inst)
}

func (p *Pipeline) record(inst *Inst) {
	if p.trace == nil {
		return
	}

	rec := sim.TraceRecord{
		Tick:  inst.Enter[sim.StageFetch],
		PC:    inst.PC,
		Paddr: inst.Paddr,
		Type:  inst.Info.Type.String(),
	}
	for s := sim.StageFetch; s < sim.StageWriteback; s++ {
		rec.Latency[s] = inst.Enter[s+1] - inst.Enter[s]
	}
	rec.Latency[sim.StageWriteback] = p.ctx.Tick() - inst.Enter[sim.StageWriteback]
	p.trace.Record(rec)
}

// memory waits for the data access of memory classes.
func (p *Pipeline) memory() {
	inst := p.mem
	if inst == nil {
		return
	}

	if !p.arch.ExceptionValid(inst.Info.Exception) && inst.Info.Type.IsMem() {
		if !p.memEnd[inst.MemID] {
			p.stats.MemStalls++
			return
		}
		p.memEnd[inst.MemID] = false
		p.memBusy[inst.MemID] = false
	}

	inst.Enter[sim.StageWriteback] = p.ctx.Tick()
	p.wb = inst
	p.mem = nil
}

// memDone is the data-cache callback.
func (p *Pipeline) memDone(ids [4]uint16, _ cache.Tagv) {
	id := int(ids[0])
	if id >= len(p.memBusy) || !p.memBusy[id] || p.memEnd[id] {
		p.ctx.Fatalf(sim.ErrProtocol, "dcache completion for idle slot %d", id)
		return
	}
	p.memEnd[id] = true
}

// execute runs the instruction in EX: multi-cycle latency, branch
// resolution, data-cache requests and cache maintenance.
func (p *Pipeline) execute() {
	inst := p.exe
	if inst == nil {
		return
	}

	switch {
	case p.exeStall > 0:
		p.exeStall--
		p.stats.ExecStalls++
		if p.exeStall == 0 {
			p.exeEnd = true
		}
	case !p.exeEnd:
		p.exeEnd = p.start(inst)
	}

	if p.exeEnd && p.mem == nil {
		inst.Enter[sim.StageMemory] = p.ctx.Tick()
		p.mem = inst
		p.exe = nil
		p.exeEnd = false
	}
}

// start performs the first execute cycle and reports whether the
// instruction is done with EX.
func (p *Pipeline) start(inst *Inst) bool {
	info := &inst.Info
	if p.arch.ExceptionValid(info.Exception) {
		return true
	}

	switch t := info.Type; {
	case t.IsBranch():
		p.resolveBranch(inst)
		return true
	case t == insts.TypeLoad || t == insts.TypeLR:
		return p.issueMem(inst, cache.ReadShared)
	case t == insts.TypeSC && info.SCFailed:
		id, ok := p.allocMem()
		if !ok {
			return false
		}
		p.claimMem(inst, id)
		p.memEnd[id] = true
		return true
	case t == insts.TypeStore || t == insts.TypeSC || t == insts.TypeAMO:
		return p.issueMem(inst, cache.WriteBack)
	case t == insts.TypeFence || t == insts.TypeSFence:
		p.dcache.Flush(0, 0)
		return true
	case t == insts.TypeIFence:
		p.icache.Flush(0, 0)
		return true
	}

	if extra := p.latencyTable.Extra(info.Type); extra > 0 {
		p.exeStall = extra
		return false
	}
	return true
}

// resolveBranch trains the predictor and redirects a misprediction.
func (p *Pipeline) resolveBranch(inst *Inst) {
	o := inst.Outcome()
	wrong := inst.NextPC != inst.RealTarget
	if inst.Info.Type == insts.TypeCond && inst.PredTaken != inst.Info.BranchTaken {
		wrong = true
	}

	p.predictor.Update(o, inst.MetaIdx)
	if wrong {
		inst.Result = ResultPredFail
		p.branchRedirect(inst)
	}
}

func (p *Pipeline) allocMem() (int, bool) {
	id := p.memNext
	if p.memBusy[id] {
		return 0, false
	}
	return id, true
}

func (p *Pipeline) issueMem(inst *Inst, op cache.Op) bool {
	id, ok := p.allocMem()
	if !ok {
		p.stats.MemStalls++
		return false
	}

	req := &p.memReqs[id]
	req.Addr = inst.Info.MemPaddr
	req.Size = int(inst.Info.MemSize)
	req.Op = op
	if !p.dcache.Lookup(p.dcacheCB, req) {
		p.stats.MemStalls++
		return false
	}

	p.claimMem(inst, id)
	return true
}

func (p *Pipeline) claimMem(inst *Inst, id int) {
	p.memBusy[id] = true
	p.memNext = (id + 1) % len(p.memReqs)
	inst.MemID = id
}

// decode issues the instruction in ID to EX, then takes the next fetched
// instruction into ID.
func (p *Pipeline) decode() {
	if p.id != nil && p.exe == nil {
		p.issue()
	}

	if p.id == nil && !p.waitRedirect {
		p.fill()
	}
}

// fill moves the oldest fetched instruction into ID and decodes it.
func (p *Pipeline) fill() {
	r := &p.fetch
	if r.count == 0 || !r.at(0).done {
		return
	}

	inst := r.pop()
	if inst.PC != p.pc {
		p.ctx.Fatalf(sim.ErrInconsistent, "decode pc %#x differs from architectural pc %#x without a redirect",
			inst.PC, p.pc)
		p.pool.put(inst)
		return
	}

	inst.Enter[sim.StageDecode] = p.ctx.Tick()
	if p.arch.ExceptionValid(inst.FetchExc) {
		p.arch.HandleException(inst.FetchExc, inst.PC, &inst.Info)
		inst.RealSize = inst.PredSize
	} else {
		inst.RealSize = uint8(p.arch.Decode(inst.PC, inst.Paddr, &inst.Info))
	}
	p.id = inst
}

// issue commits the instruction in ID and sends it to EX. Any difference
// between the committed next PC and the fetch prediction either waits for a
// later redirect or redirects fetch right away.
func (p *Pipeline) issue() {
	inst := p.id
	info := &inst.Info

	if p.mem != nil && p.hazardUnit.DetectLoadUse(p.mem, p.memEnd[p.mem.MemID], info) {
		p.stats.LoadUseStalls++
		return
	}

	inst.RealTarget = p.arch.UpdateEnv()
	p.pc = inst.RealTarget

	if !p.arch.ExceptionValid(info.Exception) {
		p.issued++
	}

	switch {
	case p.arch.ExceptionValid(info.Exception):
		p.startWait()
	case info.Type.IsBranch():
		wrong := inst.NextPC != inst.RealTarget
		if info.Type == insts.TypeCond && inst.PredTaken != info.BranchTaken {
			wrong = true
		}
		if wrong {
			p.startWait()
		}
	case p.arch.NeedFlush(info) || inst.NextPC != inst.RealTarget:
		inst.Result = ResultFrontRedirect
		p.frontRedirect(inst)
	}

	inst.Enter[sim.StageExecute] = p.ctx.Tick()
	p.exe = inst
	p.id = nil
}

func (p *Pipeline) startWait() {
	p.waitRedirect = true
	p.waitTick = p.ctx.Tick()
}
