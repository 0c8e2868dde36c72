package pipeline

import (
	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/pred"
	"github.com/sarchlab/rvsim/timing/sim"
)

// Result classifies how an instruction left the pipeline.
type Result uint8

// Instruction results.
const (
	ResultNormal Result = iota
	// ResultPredFail marks a branch whose prediction was wrong.
	ResultPredFail
	// ResultFrontRedirect marks a non-branch that redirected fetch from
	// decode, either because fetch had predicted it taken or because its
	// commit changed the fetch environment.
	ResultFrontRedirect
	ResultException
	ResultInterrupt
)

var resultNames = [...]string{"normal", "pred_fail", "front_redirect", "exception", "interrupt"}

func (r Result) String() string {
	if int(r) >= len(resultNames) {
		return "unknown"
	}
	return resultNames[r]
}

// Inst is one in-flight instruction. It is owned by exactly one stage at a
// time and handed between stages by pointer.
type Inst struct {
	// PC is the fetch address.
	PC uint64
	// NextPC, PredTaken and PredSize are what the predictor said at fetch.
	NextPC    uint64
	PredTaken bool
	PredSize  uint8
	MetaIdx   int

	Paddr    uint64
	FetchExc uint64

	Info insts.DecodeInfo

	RealSize   uint8
	RealTarget uint64

	MemID  int
	Result Result

	// Enter holds the tick the instruction entered each stage.
	Enter [sim.NumStages]uint64
}

// Outcome returns the resolved control flow in predictor terms.
func (i *Inst) Outcome() pred.Outcome {
	return pred.Outcome{
		Taken:  i.Info.BranchTaken || i.Info.Type.IsJump(),
		PC:     i.PC,
		Size:   i.RealSize,
		Target: i.Info.BranchTarget,
		Type:   i.Info.Type,
	}
}

// instPool recycles Inst records.
type instPool struct {
	free []*Inst
}

func (p *instPool) get() *Inst {
	if n := len(p.free); n > 0 {
		inst := p.free[n-1]
		p.free = p.free[:n-1]
		return inst
	}
	return &Inst{}
}

func (p *instPool) put(inst *Inst) {
	*inst = Inst{}
	p.free = append(p.free, inst)
}
