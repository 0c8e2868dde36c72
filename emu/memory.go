package emu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sarchlab/akita/v4/mem/mem"
)

// Physical memory map defaults.
const (
	DefaultRAMBase uint64 = 0x80000000
	DefaultRAMSize uint64 = 0x40000000

	// PhysAddrMask limits physical addresses to 40 bits.
	PhysAddrMask uint64 = 1<<40 - 1
)

// ErrAccessFault is returned for physical accesses outside RAM and devices.
var ErrAccessFault = errors.New("physical access fault")

// Memory is the physical address space: a RAM region backed by akita
// storage plus memory-mapped devices.
type Memory struct {
	ramBase uint64
	ramSize uint64
	storage *mem.Storage
	devices []Device

	// written records which cloneChunk-sized RAM chunks were ever stored to.
	written map[uint64]struct{}
}

const cloneChunk = 1 << 16

// NewMemory creates a physical memory with RAM at [base, base+size).
func NewMemory(base, size uint64) *Memory {
	return &Memory{
		ramBase: base,
		ramSize: size,
		storage: mem.NewStorage(size),
		written: make(map[uint64]struct{}),
	}
}

// NewDefaultMemory creates a memory with the default RAM window.
func NewDefaultMemory() *Memory {
	return NewMemory(DefaultRAMBase, DefaultRAMSize)
}

// RAMBase returns the first RAM address.
func (m *Memory) RAMBase() uint64 {
	return m.ramBase
}

// AddDevice maps a device into the physical address space.
func (m *Memory) AddDevice(d Device) {
	m.devices = append(m.devices, d)
}

// Devices returns the mapped devices in registration order.
func (m *Memory) Devices() []Device {
	return m.devices
}

// DeviceAt returns the device owning paddr, or nil.
func (m *Memory) DeviceAt(paddr uint64) Device {
	paddr &= PhysAddrMask
	for _, d := range m.devices {
		if d.InRange(paddr) {
			return d
		}
	}
	return nil
}

// IsMMIO reports whether paddr belongs to a device.
func (m *Memory) IsMMIO(paddr uint64) bool {
	return m.DeviceAt(paddr) != nil
}

// InRAM reports whether [paddr, paddr+size) lies inside RAM.
func (m *Memory) InRAM(paddr uint64, size int) bool {
	paddr &= PhysAddrMask
	return paddr >= m.ramBase && paddr+uint64(size) <= m.ramBase+m.ramSize
}

// Accessible reports whether a physical access of size bytes would succeed.
func (m *Memory) Accessible(paddr uint64, size int) bool {
	return m.InRAM(paddr, size) || m.IsMMIO(paddr)
}

// PaddrRead reads size bytes (1, 2, 4 or 8) as a little-endian value.
func (m *Memory) PaddrRead(paddr uint64, size int) (uint64, error) {
	paddr &= PhysAddrMask
	if d := m.DeviceAt(paddr); d != nil {
		return d.Read(paddr, size), nil
	}

	if !m.InRAM(paddr, size) {
		return 0, fmt.Errorf("%w: read %d bytes at %#x", ErrAccessFault, size, paddr)
	}

	data, err := m.storage.Read(paddr-m.ramBase, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAccessFault, err)
	}

	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// PaddrWrite writes the low size bytes of val.
func (m *Memory) PaddrWrite(paddr uint64, size int, val uint64) error {
	paddr &= PhysAddrMask
	if d := m.DeviceAt(paddr); d != nil {
		d.Write(paddr, size, val)
		return nil
	}

	if !m.InRAM(paddr, size) {
		return fmt.Errorf("%w: write %d bytes at %#x", ErrAccessFault, size, paddr)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	m.markWritten(paddr-m.ramBase, size)
	if err := m.storage.Write(paddr-m.ramBase, buf[:size]); err != nil {
		return fmt.Errorf("%w: %v", ErrAccessFault, err)
	}
	return nil
}

// LoadBytes copies raw bytes into RAM.
func (m *Memory) LoadBytes(paddr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !m.InRAM(paddr, len(data)) {
		return fmt.Errorf("%w: load %d bytes at %#x", ErrAccessFault, len(data), paddr)
	}
	off := (paddr & PhysAddrMask) - m.ramBase
	m.markWritten(off, len(data))
	return m.storage.Write(off, data)
}

func (m *Memory) markWritten(off uint64, size int) {
	for c := off / cloneChunk; c <= (off+uint64(size)-1)/cloneChunk; c++ {
		m.written[c] = struct{}{}
	}
}

// LoadWords stores 32-bit words (for example instructions) from paddr on.
func (m *Memory) LoadWords(paddr uint64, words ...uint32) error {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return m.LoadBytes(paddr, buf)
}

// Read64 reads a doubleword, returning zero on fault.
func (m *Memory) Read64(paddr uint64) uint64 {
	v, _ := m.PaddrRead(paddr, 8)
	return v
}

// Write64 writes a doubleword, ignoring faults.
func (m *Memory) Write64(paddr, val uint64) {
	_ = m.PaddrWrite(paddr, 8, val)
}

// Clone returns a RAM copy sharing no state, without devices. Used to give a
// reference interpreter its own memory image.
func (m *Memory) Clone() (*Memory, error) {
	c := NewMemory(m.ramBase, m.ramSize)
	for chunk := range m.written {
		off := chunk * cloneChunk
		size := min(uint64(cloneChunk), m.ramSize-off)
		data, err := m.storage.Read(off, size)
		if err != nil {
			return nil, fmt.Errorf("failed to clone memory: %w", err)
		}
		if err := c.storage.Write(off, data); err != nil {
			return nil, fmt.Errorf("failed to clone memory: %w", err)
		}
		c.written[chunk] = struct{}{}
	}
	return c, nil
}
