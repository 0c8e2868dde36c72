// Package pred models the branch predictor: a set of predictor components
// (BTB, GShare, RAS) grouped by lookup delay, the global history they share,
// and the ring of per-instruction prediction records used to train and
// roll back that state.
package pred

import "github.com/sarchlab/rvsim/insts"

// BranchStream is the scratch state of one prediction. Each component reads
// what earlier (faster) components produced and refines it.
type BranchStream struct {
	Type  insts.InstType
	Taken bool
	Size  uint8

	// Target is the BTB target.
	Target uint64
	BTBHit bool

	IndirectTarget uint64
	IndirectValid  bool

	RASTarget uint64
	RASValid  bool
}

// Outcome is the resolved behaviour of one instruction.
type Outcome struct {
	Taken bool
	PC    uint64
	Size  uint8
	// Target is the taken target; conditional branches report it even when
	// they fall through.
	Target uint64
	Type   insts.InstType
}

// NextPC returns the architecturally correct next PC.
func (o Outcome) NextPC() uint64 {
	if o.Taken {
		return o.Target
	}
	return o.PC + uint64(o.Size)
}

// BP is one predictor component. Predict must not change the component's
// state: a computed prediction may be dropped before it is issued.
type BP interface {
	Name() string
	Delay() int
	MetaSize() int
	Predict(pc uint64, s *BranchStream, meta []byte)
}

// Updater is implemented by components that learn from resolved outcomes.
type Updater interface {
	Update(o Outcome, meta []byte)
}

// Redirector is implemented by components with pointer state that must be
// restored on a misprediction.
type Redirector interface {
	Redirect(o Outcome, meta []byte)
}

// Speculator is implemented by components whose state advances when a
// prediction is issued.
type Speculator interface {
	Advance(pc uint64, s *BranchStream, meta []byte)
}
