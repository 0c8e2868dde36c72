package emu

import (
	"io"
)

// DeviceRequest is one timed access to a memory-mapped device.
type DeviceRequest struct {
	Addr  uint64
	Size  int
	Write bool
	// ID is the requester's pool slot, returned untouched on completion.
	ID int
}

// Device is a memory-mapped device. Read and Write are the functional
// accesses performed at commit; AddRequest and CheckResponse model the access
// latency seen by the cache hierarchy.
type Device interface {
	Name() string
	InRange(addr uint64) bool
	Read(addr uint64, size int) uint64
	Write(addr uint64, size int, val uint64)
	Tick()
	AddRequest(req *DeviceRequest) bool
	CheckResponse() *DeviceRequest
}

// IRQSink receives the interrupt-pending bitmap whenever a device changes
// an interrupt line.
type IRQSink func(bitmap uint64)

// IRQController collects device interrupt lines into one mip-style bitmap.
type IRQController struct {
	bitmap uint64
	sink   IRQSink
}

// NewIRQController creates a controller forwarding to sink.
func NewIRQController(sink IRQSink) *IRQController {
	return &IRQController{sink: sink}
}

// SetIRQ raises or lowers interrupt line irq.
func (c *IRQController) SetIRQ(irq uint64, level bool) {
	old := c.bitmap
	if level {
		c.bitmap |= 1 << irq
	} else {
		c.bitmap &^= 1 << irq
	}

	if c.bitmap != old && c.sink != nil {
		c.sink(c.bitmap)
	}
}

// SetSink replaces the interrupt receiver and forwards the current lines.
func (c *IRQController) SetSink(sink IRQSink) {
	c.sink = sink
	if sink != nil {
		sink(c.bitmap)
	}
}

// Bitmap returns the current interrupt lines.
func (c *IRQController) Bitmap() uint64 {
	return c.bitmap
}

// singleSlot implements the one-request timing queue every simple device uses.
type singleSlot struct {
	req *DeviceRequest
}

func (s *singleSlot) AddRequest(req *DeviceRequest) bool {
	if s.req != nil {
		return false
	}
	s.req = req
	return true
}

func (s *singleSlot) CheckResponse() *DeviceRequest {
	req := s.req
	s.req = nil
	return req
}

// UART register offsets, following the 16550 layout.
const (
	uartTHR = 0
	uartLSR = 5

	uartLSRIdle = 0x60
	uartSpan    = 0x1000
)

// UART is a transmit-only serial port. Bytes written to the transmit
// register go to the output writer.
type UART struct {
	singleSlot
	base uint64
	out  io.Writer
}

// NewUART creates a UART at base writing to out.
func NewUART(base uint64, out io.Writer) *UART {
	return &UART{base: base, out: out}
}

// Name returns "uart".
func (u *UART) Name() string { return "uart" }

// InRange reports whether addr is a UART register.
func (u *UART) InRange(addr uint64) bool {
	return addr >= u.base && addr < u.base+uartSpan
}

// Read returns the line status register as always idle; other registers
// read as zero.
func (u *UART) Read(addr uint64, _ int) uint64 {
	if addr-u.base == uartLSR {
		return uartLSRIdle
	}
	return 0
}

// Write transmits a byte when the transmit register is written.
func (u *UART) Write(addr uint64, _ int, val uint64) {
	if addr-u.base == uartTHR && u.out != nil {
		_, _ = u.out.Write([]byte{byte(val)})
	}
}

// Tick does nothing; the UART has no internal timing.
func (u *UART) Tick() {}

// CLINT register offsets.
const (
	clintMSIP     = 0x0000
	clintMTimeCmp = 0x4000
	clintMTime    = 0xbff8
	clintSpan     = 0x10000
)

// CLINT is the core-local interruptor: a software interrupt register and a
// timer compared against mtimecmp every tick.
type CLINT struct {
	singleSlot
	base     uint64
	irq      *IRQController
	msip     uint64
	mtime    uint64
	mtimecmp uint64
}

// NewCLINT creates a CLINT at base raising interrupts on irq.
func NewCLINT(base uint64, irq *IRQController) *CLINT {
	return &CLINT{base: base, irq: irq, mtimecmp: ^uint64(0)}
}

// Name returns "clint".
func (c *CLINT) Name() string { return "clint" }

// InRange reports whether addr is a CLINT register.
func (c *CLINT) InRange(addr uint64) bool {
	return addr >= c.base && addr < c.base+clintSpan
}

// Read returns a CLINT register.
func (c *CLINT) Read(addr uint64, _ int) uint64 {
	switch addr - c.base {
	case clintMSIP:
		return c.msip
	case clintMTimeCmp:
		return c.mtimecmp
	case clintMTime:
		return c.mtime
	}
	return 0
}

// Write updates a CLINT register.
func (c *CLINT) Write(addr uint64, _ int, val uint64) {
	switch addr - c.base {
	case clintMSIP:
		c.msip = val & 1
		c.irq.SetIRQ(IRQMSoft, c.msip != 0)
	case clintMTimeCmp:
		c.mtimecmp = val
		c.updateTimer()
	case clintMTime:
		c.mtime = val
		c.updateTimer()
	}
}

// Tick advances mtime by one.
func (c *CLINT) Tick() {
	c.mtime++
	c.updateTimer()
}

func (c *CLINT) updateTimer() {
	c.irq.SetIRQ(IRQMTimer, c.mtime >= c.mtimecmp)
}

// Test finisher commands.
const (
	finisherPass = 0x5555
	finisherFail = 0x3333
	finisherSpan = 0x1000
)

// Finisher ends the simulation when software writes a pass or fail command.
type Finisher struct {
	singleSlot
	base     uint64
	exited   bool
	exitCode int64
}

// NewFinisher creates a test finisher at base.
func NewFinisher(base uint64) *Finisher {
	return &Finisher{base: base}
}

// Name returns "finisher".
func (f *Finisher) Name() string { return "finisher" }

// InRange reports whether addr is the finisher register.
func (f *Finisher) InRange(addr uint64) bool {
	return addr >= f.base && addr < f.base+finisherSpan
}

// Read returns zero.
func (f *Finisher) Read(uint64, int) uint64 { return 0 }

// Write latches an exit request.
func (f *Finisher) Write(_ uint64, _ int, val uint64) {
	switch val & 0xffff {
	case finisherPass:
		f.exited, f.exitCode = true, 0
	case finisherFail:
		f.exited, f.exitCode = true, int64(val>>16)
	}
}

// Tick does nothing.
func (f *Finisher) Tick() {}

// Exited reports whether software requested an exit, and its code.
func (f *Finisher) Exited() (bool, int64) {
	return f.exited, f.exitCode
}

// Default device bases, following the common virt platform layout.
const (
	DefaultFinisherBase uint64 = 0x00100000
	DefaultCLINTBase    uint64 = 0x02000000
	DefaultUARTBase     uint64 = 0x10000000
)

// Platform is a physical memory populated with the default devices.
type Platform struct {
	Memory   *Memory
	IRQ      *IRQController
	UART     *UART
	CLINT    *CLINT
	Finisher *Finisher
}

// NewPlatform builds RAM plus UART, CLINT and finisher. Interrupt lines are
// routed to sink, which is usually a RiscvArch's IRQListener.
func NewPlatform(ramBase, ramSize uint64, out io.Writer, sink IRQSink) *Platform {
	p := &Platform{
		Memory: NewMemory(ramBase, ramSize),
		IRQ:    NewIRQController(sink),
	}
	p.UART = NewUART(DefaultUARTBase, out)
	p.CLINT = NewCLINT(DefaultCLINTBase, p.IRQ)
	p.Finisher = NewFinisher(DefaultFinisherBase)

	p.Memory.AddDevice(p.UART)
	p.Memory.AddDevice(p.CLINT)
	p.Memory.AddDevice(p.Finisher)
	return p
}
