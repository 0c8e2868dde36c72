package pipeline_test

import (
	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/cache"
	"github.com/sarchlab/rvsim/timing/sim"
)

const (
	excNone       = 0xff
	excLoadFault  = 13
	startPC       = 0x1000
	trapVector    = 0x3000
	dataAddr      = 0x8000
	machineTimerI = 7
)

// op describes one instruction of a fake program. Addresses without an op
// are plain integer instructions.
type op struct {
	typ    insts.InstType
	taken  bool
	target uint64
	exc    uint64
	rd     uint8
	rs1    uint8
	flush  bool
	scFail bool
}

// fakeArch runs a program described by ops instead of real RISC-V code.
type fakeArch struct {
	prog      map[uint64]op
	faults    map[uint64]uint64
	pc        uint64
	info      *insts.DecodeInfo
	committed []uint64
	traps     []uint64
}

func newFakeArch() *fakeArch {
	return &fakeArch{prog: map[uint64]op{}, faults: map[uint64]uint64{}}
}

func (a *fakeArch) StartPC() uint64 { return startPC }

func (a *fakeArch) TranslateAddr(vaddr uint64, ft insts.FetchType) (uint64, uint64) {
	if exc, ok := a.faults[vaddr]; ok && ft == insts.IFetch {
		return 0, exc
	}
	return vaddr, excNone
}

func (a *fakeArch) Decode(vaddr, _ uint64, info *insts.DecodeInfo) int {
	info.Reset(excNone)
	a.pc = vaddr
	a.info = info

	o := a.prog[vaddr]
	info.InstSize = 4
	info.Type = o.typ
	info.BranchTaken = o.taken
	info.BranchTarget = o.target
	info.DstReg = o.rd
	info.SrcReg[0] = o.rs1
	info.Flush = o.flush
	info.SCFailed = o.scFail
	if o.exc != 0 {
		info.Exception = o.exc
	}
	if o.typ.IsMem() {
		info.MemPaddr = dataAddr
		info.MemSize = 8
	}
	return 4
}

func (a *fakeArch) HandleException(exc, addr uint64, info *insts.DecodeInfo) {
	info.Reset(excNone)
	info.Exception = exc
	info.InstSize = 4
	a.pc = addr
	a.info = info
}

func (a *fakeArch) UpdateEnv() uint64 {
	if a.info.Exception != excNone {
		a.traps = append(a.traps, a.pc)
		return trapVector
	}

	a.committed = append(a.committed, a.pc)
	if a.info.Type.IsJump() || (a.info.Type == insts.TypeCond && a.info.BranchTaken) {
		return a.info.BranchTarget
	}
	return a.pc + 4
}

func (a *fakeArch) ExceptionValid(exc uint64) bool { return exc != excNone }

func (a *fakeArch) ExceptionNone() uint64 { return excNone }

func (a *fakeArch) NeedFlush(info *insts.DecodeInfo) bool { return info.Flush }

type pendingReq struct {
	ids [4]uint16
	due uint64
}

// fakeCache answers every request after a fixed delay, or never.
type fakeCache struct {
	ctx       *sim.Context
	cb        cache.Callback
	delay     uint64
	never     bool
	pending   []pendingReq
	reqs      []cache.Request
	redirects int
	flushes   int
}

func (c *fakeCache) Lookup(_ int, req *cache.Request) bool {
	c.reqs = append(c.reqs, *req)
	c.pending = append(c.pending, pendingReq{ids: req.IDs, due: c.ctx.Tick() + c.delay})
	return true
}

func (c *fakeCache) AddCallback(cb cache.Callback) int {
	c.cb = cb
	return 0
}

func (c *fakeCache) Flush(uint64, uint32) { c.flushes++ }

func (c *fakeCache) Redirect() {
	c.redirects++
	c.pending = nil
}

func (c *fakeCache) Tick() {
	if c.never {
		return
	}
	for len(c.pending) > 0 && c.pending[0].due <= c.ctx.Tick() {
		r := c.pending[0]
		c.pending = c.pending[1:]
		c.cb(r.ids, cache.Tagv{Valid: true})
	}
}
