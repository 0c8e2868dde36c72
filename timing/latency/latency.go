// Package latency provides the execute-stage latency of each instruction
// class for the cycle-level pipeline.
package latency

import "github.com/sarchlab/rvsim/insts"

// Table provides instruction latency lookups.
type Table struct {
	config  *TimingConfig
	byClass [insts.NumTypes]uint64
}

// NewTable creates a new latency table with default timing values.
func NewTable() *Table {
	return NewTableWithConfig(DefaultTimingConfig())
}

// NewTableWithConfig creates a new latency table with custom timing configuration.
func NewTableWithConfig(config *TimingConfig) *Table {
	t := &Table{config: config}
	t.byClass[insts.TypeMult] = config.MultiplyLatency
	t.byClass[insts.TypeDiv] = config.DivideLatency
	t.byClass[insts.TypeFAdd] = config.FAddLatency
	t.byClass[insts.TypeFMul] = config.FMulLatency
	t.byClass[insts.TypeFMA] = config.FMALatency
	t.byClass[insts.TypeFDiv] = config.FDivLatency
	t.byClass[insts.TypeFSqrt] = config.FSqrtLatency
	t.byClass[insts.TypeFMiscComplex] = config.FMiscComplexLatency
	return t
}

// Extra returns the execute cycles a class needs after its first one.
func (t *Table) Extra(typ insts.InstType) uint64 {
	if typ >= insts.NumTypes {
		return 0
	}
	return t.byClass[typ]
}

// IsMultiCycle reports whether the class can occupy execute for more than
// one cycle.
func (t *Table) IsMultiCycle(typ insts.InstType) bool {
	return t.Extra(typ) > 0
}

// Config returns the current timing configuration.
func (t *Table) Config() *TimingConfig {
	return t.config
}
