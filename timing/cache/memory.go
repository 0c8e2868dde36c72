package cache

import (
	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/timing/sim"
)

type pendingReq struct {
	callbackID int
	ids        [4]uint16
	ready      uint64
}

// devicePort holds the idle request pool of one memory-mapped device.
type devicePort struct {
	dev     emu.Device
	free    []int
	reqs    []emu.DeviceRequest
	pending []pendingReq
}

// devicePoolSize is the number of requests one device may hold in flight.
const devicePoolSize = 1

// Memory is the root of the hierarchy. DRAM requests complete after a fixed
// latency; device requests complete when the device answers. Both draw from
// bounded idle pools, and an empty pool refuses the lookup.
type Memory struct {
	ctx     *sim.Context
	config  MemoryConfig
	backing *emu.Memory

	callbacks []Callback

	dram     []pendingReq
	dramFree []int
	inflight []int

	devices []*devicePort

	stats MemoryStatistics
}

// MemoryStatistics counts root memory traffic.
type MemoryStatistics struct {
	Reads          uint64
	Writes         uint64
	DeviceAccesses uint64
	Refused        uint64
}

// NewMemory creates the root memory over backing. Every device mapped in
// backing gets its own idle pool.
func NewMemory(ctx *sim.Context, config MemoryConfig, backing *emu.Memory) *Memory {
	m := &Memory{
		ctx:     ctx,
		config:  config,
		backing: backing,
		dram:    make([]pendingReq, config.QueueSize),
	}

	for i := config.QueueSize - 1; i >= 0; i-- {
		m.dramFree = append(m.dramFree, i)
	}

	for _, d := range backing.Devices() {
		p := &devicePort{
			dev:     d,
			reqs:    make([]emu.DeviceRequest, devicePoolSize),
			pending: make([]pendingReq, devicePoolSize),
		}
		for i := devicePoolSize - 1; i >= 0; i-- {
			p.free = append(p.free, i)
		}
		m.devices = append(m.devices, p)
	}

	return m
}

// Backing returns the functional physical memory.
func (m *Memory) Backing() *emu.Memory {
	return m.backing
}

// Stats returns memory statistics.
func (m *Memory) Stats() MemoryStatistics {
	return m.stats
}

// IsMMIO reports whether addr is owned by a device.
func (m *Memory) IsMMIO(addr uint64) bool {
	return m.backing.IsMMIO(addr)
}

// PaddrRead reads physical memory. Device and out-of-range addresses are
// reported as errors.
func (m *Memory) PaddrRead(addr uint64, size int) (uint64, error) {
	return m.backing.PaddrRead(addr, size)
}

// PaddrWrite writes physical memory.
func (m *Memory) PaddrWrite(addr uint64, size int, val uint64) error {
	return m.backing.PaddrWrite(addr, size, val)
}

// AddCallback registers a completion callback and returns its id.
func (m *Memory) AddCallback(cb Callback) int {
	m.callbacks = append(m.callbacks, cb)
	return len(m.callbacks) - 1
}

// Busy reports whether any request is in flight.
func (m *Memory) Busy() bool {
	if len(m.inflight) > 0 {
		return true
	}
	for _, p := range m.devices {
		if len(p.free) < devicePoolSize {
			return true
		}
	}
	return false
}

// Lookup routes a request to the owning device or to DRAM.
func (m *Memory) Lookup(callbackID int, req *Request) bool {
	if callbackID < 0 || callbackID >= len(m.callbacks) {
		m.ctx.Fatalf(sim.ErrProtocol, "memory: lookup with unknown callback id %d", callbackID)
		return false
	}

	addr := req.Addr & emu.PhysAddrMask
	for _, p := range m.devices {
		if p.dev.InRange(addr) {
			return m.deviceLookup(p, callbackID, addr, req)
		}
	}

	if len(m.dramFree) == 0 {
		m.stats.Refused++
		return false
	}

	slot := m.dramFree[len(m.dramFree)-1]
	m.dramFree = m.dramFree[:len(m.dramFree)-1]
	m.dram[slot] = pendingReq{
		callbackID: callbackID,
		ids:        req.IDs,
		ready:      m.ctx.Tick() + uint64(m.config.Latency),
	}
	m.inflight = append(m.inflight, slot)
	m.count(req)

	return true
}

func (m *Memory) count(req *Request) {
	if req.Op.IsWrite() {
		m.stats.Writes++
	} else {
		m.stats.Reads++
	}
}

func (m *Memory) deviceLookup(p *devicePort, callbackID int, addr uint64, req *Request) bool {
	if len(p.free) == 0 {
		m.stats.Refused++
		return false
	}

	slot := p.free[len(p.free)-1]
	dr := &p.reqs[slot]
	*dr = emu.DeviceRequest{Addr: addr, Size: req.Size, Write: req.Op.IsWrite(), ID: slot}
	if !p.dev.AddRequest(dr) {
		m.stats.Refused++
		return false
	}

	p.free = p.free[:len(p.free)-1]
	p.pending[slot] = pendingReq{callbackID: callbackID, ids: req.IDs}
	m.stats.DeviceAccesses++
	m.count(req)

	return true
}

// Tick completes due DRAM requests in issue order, then ticks every device
// and collects its answer.
func (m *Memory) Tick() {
	now := m.ctx.Tick()
	result := Tagv{Valid: true, Shared: true}

	for len(m.inflight) > 0 {
		slot := m.inflight[0]
		p := m.dram[slot]
		if p.ready > now {
			break
		}

		m.inflight = m.inflight[1:]
		m.dramFree = append(m.dramFree, slot)
		m.callbacks[p.callbackID](p.ids, result)
	}

	for _, port := range m.devices {
		port.dev.Tick()

		resp := port.dev.CheckResponse()
		if resp == nil {
			continue
		}

		p := port.pending[resp.ID]
		port.free = append(port.free, resp.ID)
		m.callbacks[p.callbackID](p.ids, result)
	}
}
