package emu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/rvsim/insts"
)

// ErrMaxInstructions is returned once the instruction limit is reached.
var ErrMaxInstructions = errors.New("max instructions reached")

// StepResult represents the result of executing a single instruction.
type StepResult struct {
	// Exited is true if the program wrote the finisher device.
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Trapped is true if the instruction took an exception or interrupt
	// instead of retiring.
	Trapped bool

	// Err is set if an error occurred during execution.
	Err error
}

// Emulator executes RV64 instructions functionally, one per step, through
// the same RiscvArch contract the timing pipeline uses.
type Emulator struct {
	arch     *RiscvArch
	memory   *Memory
	finisher *Finisher
	info     insts.DecodeInfo

	pc               uint64
	instructionCount uint64
	maxInstructions  uint64 // 0 means no limit
	tickDevices      bool
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithEntry sets the first PC.
func WithEntry(pc uint64) EmulatorOption {
	return func(e *Emulator) {
		e.pc = pc
	}
}

// WithMaxInstructions sets the maximum number of instructions to execute.
// A value of 0 means no limit.
func WithMaxInstructions(max uint64) EmulatorOption {
	return func(e *Emulator) {
		e.maxInstructions = max
	}
}

// WithDeviceTicks ticks every device once per step, so the CLINT timer runs
// at one tick per instruction.
func WithDeviceTicks() EmulatorOption {
	return func(e *Emulator) {
		e.tickDevices = true
	}
}

// NewEmulator creates an emulator over memory. The first Finisher device
// mapped in memory, if any, ends the run.
func NewEmulator(memory *Memory, opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		memory: memory,
		pc:     DefaultStartPC,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.arch = NewRiscvArch(memory,
		WithStartPC(e.pc),
		WithCounters(e.InstructionCount, e.InstructionCount))

	for _, d := range memory.Devices() {
		if f, ok := d.(*Finisher); ok {
			e.finisher = f
			break
		}
	}

	return e
}

// Arch returns the backend driven by the emulator.
func (e *Emulator) Arch() *RiscvArch {
	return e.arch
}

// State returns the architectural state.
func (e *Emulator) State() *ArchState {
	return e.arch.State()
}

// Memory returns the emulator's memory.
func (e *Emulator) Memory() *Memory {
	return e.memory
}

// PC returns the address of the next instruction.
func (e *Emulator) PC() uint64 {
	return e.pc
}

// InstructionCount returns the number of retired instructions.
func (e *Emulator) InstructionCount() uint64 {
	return e.instructionCount
}

// LastInfo returns the descriptor of the most recent step.
func (e *Emulator) LastInfo() *insts.DecodeInfo {
	return &e.info
}

// Step executes a single instruction or takes a single trap.
func (e *Emulator) Step() StepResult {
	if e.maxInstructions > 0 && e.instructionCount >= e.maxInstructions {
		return StepResult{Err: fmt.Errorf("%w at pc %#x", ErrMaxInstructions, e.pc)}
	}

	paddr, exc := e.arch.TranslateAddr(e.pc, insts.IFetch)
	if e.arch.ExceptionValid(exc) {
		e.arch.HandleException(exc, e.pc, &e.info)
	} else {
		e.arch.Decode(e.pc, paddr, &e.info)
	}

	trapped := e.arch.ExceptionValid(e.info.Exception)
	e.pc = e.arch.UpdateEnv()
	if !trapped {
		e.instructionCount++
	}

	if e.tickDevices {
		for _, d := range e.memory.Devices() {
			d.Tick()
		}
	}

	result := StepResult{Trapped: trapped}
	if e.finisher != nil {
		result.Exited, result.ExitCode = e.finisher.Exited()
	}
	return result
}

// Run executes until the program exits, an error occurs, or the
// instruction limit is reached, and returns the exit code.
func (e *Emulator) Run() (int64, error) {
	for {
		result := e.Step()
		if result.Err != nil {
			return -1, result.Err
		}
		if result.Exited {
			return result.ExitCode, nil
		}
	}
}
