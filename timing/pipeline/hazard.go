package pipeline

import "github.com/sarchlab/rvsim/insts"

// HazardUnit detects load-use hazards. Register values are produced
// functionally at issue, so only the timing of load data matters: a
// consumer may not issue while the load producing one of its sources is
// still waiting for the data cache.
type HazardUnit struct{}

// NewHazardUnit creates a new hazard detection unit.
func NewHazardUnit() *HazardUnit {
	return &HazardUnit{}
}

// producesLoadData reports whether the class writes a register from memory.
func producesLoadData(t insts.InstType) bool {
	return t == insts.TypeLoad || t == insts.TypeLR || t == insts.TypeAMO
}

// DetectLoadUse reports whether consumer must wait for producer. dataReady
// is true once the producer's data access has completed.
func (h *HazardUnit) DetectLoadUse(producer *Inst, dataReady bool, consumer *insts.DecodeInfo) bool {
	if producer == nil || dataReady {
		return false
	}
	if !producesLoadData(producer.Info.Type) {
		return false
	}
	return consumer.Reads(producer.Info.DstReg)
}
