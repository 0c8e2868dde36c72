package pipeline

import (
	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/pred"
)

// frontRedirect restarts fetch behind inst, which stays in the pipeline.
// It clears the fetch ring, the instruction-cache request and the
// predictor's speculative state younger than inst.
func (p *Pipeline) frontRedirect(inst *Inst) {
	p.stats.FrontRedirects++
	p.ctx.Logger().V(1).Info("front redirect", "pc", inst.PC, "target", inst.RealTarget)

	p.predictor.Redirect(inst.Outcome(), inst.MetaIdx)
	p.restartFetch(inst.RealTarget)
}

// branchRedirect is a front redirect that also empties ID.
func (p *Pipeline) branchRedirect(inst *Inst) {
	p.stats.BranchRedirects++
	p.ctx.Logger().V(1).Info("branch redirect", "pc", inst.PC, "target", inst.RealTarget)

	p.predictor.Redirect(inst.Outcome(), inst.MetaIdx)
	p.clearDecode()
	p.restartFetch(inst.RealTarget)
}

// exceptionRedirect discards everything younger than inst, which leaves the
// pipeline without retiring, and restarts fetch at the trap target.
func (p *Pipeline) exceptionRedirect(inst *Inst) {
	p.stats.ExceptionRedirects++
	p.ctx.Logger().V(1).Info("exception redirect",
		"pc", inst.PC, "cause", inst.Info.Exception, "target", inst.RealTarget)

	p.predictor.Redirect(pred.Outcome{PC: inst.PC, Size: inst.RealSize, Type: insts.TypeInt}, inst.MetaIdx)
	p.predictor.Commit(inst.MetaIdx)

	if p.exe != nil {
		p.pool.put(p.exe)
		p.exe = nil
	}
	p.exeEnd = false
	p.exeStall = 0

	if p.mem != nil {
		p.pool.put(p.mem)
		p.mem = nil
	}
	for i := range p.memBusy {
		p.memBusy[i] = false
		p.memEnd[i] = false
	}
	p.memNext = 0
	p.dcache.Redirect()

	p.clearDecode()
	p.restartFetch(inst.RealTarget)
}

func (p *Pipeline) clearDecode() {
	if p.id != nil {
		p.pool.put(p.id)
		p.id = nil
	}
	p.waitRedirect = false
}

func (p *Pipeline) restartFetch(pc uint64) {
	p.flushFetch()
	p.icache.Redirect()
	p.predPC = pc
}
