// Package loader provides program loading for bare-metal RV64 executables,
// either as ELF files or as raw binary images.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/rvsim/emu"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Segment represents a loadable segment.
type Segment struct {
	// VirtAddr is the address the program was linked at.
	VirtAddr uint64
	// PhysAddr is where the segment is placed in physical memory.
	PhysAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Program represents a loaded program ready for execution.
type Program struct {
	// EntryPoint is the address where execution should begin.
	EntryPoint uint64
	// Segments contains all loadable segments.
	Segments []Segment
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// LoadFile loads path as an ELF file if it carries the ELF magic, or as a
// raw image placed at rawBase otherwise.
func LoadFile(path string, rawBase uint64) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open program: %w", err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, len(elfMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read program: %w", err)
	}

	if n == len(elfMagic) && bytes.Equal(head, elfMagic) {
		return Load(path)
	}

	return LoadRaw(path, rawBase)
}

// LoadRaw reads a flat binary image that starts executing at its first byte.
func LoadRaw(path string, base uint64) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("raw image %s is empty", path)
	}

	return &Program{
		EntryPoint: base,
		Segments: []Segment{{
			VirtAddr: base,
			PhysAddr: base,
			Data:     data,
			MemSize:  uint64(len(data)),
			Flags:    SegmentFlagRead | SegmentFlagWrite | SegmentFlagExecute,
		}},
	}, nil
}

// Load parses an RV64 ELF binary and returns a Program struct ready for
// loading into physical memory.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch {
	case f.Class != elf.ELFCLASS64:
		return nil, fmt.Errorf("not a 64-bit ELF file")
	case f.Data != elf.ELFDATA2LSB:
		return nil, fmt.Errorf("not a little-endian ELF file")
	case f.Machine != elf.EM_RISCV:
		return nil, fmt.Errorf("not a RISC-V ELF file (machine type: %v)", f.Machine)
	}

	prog := &Program{EntryPoint: f.Entry}
	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		seg, err := readSegment(phdr)
		if err != nil {
			return nil, err
		}
		prog.Segments = append(prog.Segments, seg)
	}

	if len(prog.Segments) == 0 {
		return nil, fmt.Errorf("no loadable segments in %s", path)
	}

	return prog, nil
}

var segmentFlags = []struct {
	elf  elf.ProgFlag
	flag SegmentFlags
}{
	{elf.PF_X, SegmentFlagExecute},
	{elf.PF_W, SegmentFlagWrite},
	{elf.PF_R, SegmentFlagRead},
}

func readSegment(phdr *elf.Prog) (Segment, error) {
	seg := Segment{
		VirtAddr: phdr.Vaddr,
		PhysAddr: phdr.Paddr,
		Data:     make([]byte, phdr.Filesz),
		MemSize:  phdr.Memsz,
	}

	if _, err := io.ReadFull(phdr.Open(), seg.Data); err != nil {
		return Segment{}, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
	}

	for _, f := range segmentFlags {
		if phdr.Flags&f.elf != 0 {
			seg.Flags |= f.flag
		}
	}

	return seg, nil
}

// LoadIntoMemory copies every segment to its physical address and zero
// fills the BSS part.
func (p *Program) LoadIntoMemory(memory *emu.Memory) error {
	for _, seg := range p.Segments {
		if err := memory.LoadBytes(seg.PhysAddr, seg.Data); err != nil {
			return fmt.Errorf("failed to load segment at 0x%x: %w", seg.PhysAddr, err)
		}

		if seg.MemSize > uint64(len(seg.Data)) {
			bss := make([]byte, seg.MemSize-uint64(len(seg.Data)))
			if err := memory.LoadBytes(seg.PhysAddr+uint64(len(seg.Data)), bss); err != nil {
				return fmt.Errorf("failed to clear bss at 0x%x: %w", seg.PhysAddr, err)
			}
		}
	}

	return nil
}
