package benchmarks

import (
	"github.com/sarchlab/rvsim/emu"
	"github.com/sarchlab/rvsim/insts"
)

// Register numbers used by the programs.
const (
	zero = 0
	ra   = 1
	t0   = 5
	t1   = 6
	t2   = 7
	a0   = 10
	a1   = 11
	a2   = 12
	a3   = 13
	a4   = 14
)

// GetMicrobenchmarks returns the standard set of microbenchmarks. Each
// benchmark targets one pipeline characteristic and exits with a0.
func GetMicrobenchmarks() []Benchmark {
	return []Benchmark{
		arithmeticSequential(),
		dependencyChain(),
		memorySequential(),
		functionCalls(),
		branchTaken(),
		loopSimulation(),
		multiplyChain(),
		mixedOperations(),
	}
}

// GetCoreBenchmarks returns a minimal set for quick validation: a loop,
// a load/store loop and branch-heavy code.
func GetCoreBenchmarks() []Benchmark {
	return []Benchmark{
		loopSimulation(),
		mixedOperations(),
		branchTaken(),
	}
}

// exitWith appends the sequence writing a0 to the test finisher as the
// exit code, followed by a self loop.
func exitWith(words ...uint32) []uint32 {
	return append(words,
		insts.Encode(insts.OpSLLI, t1, a0, 0, 16),
		insts.LUI(t2, 0x3000),
		insts.ADDI(t2, t2, 0x333),
		insts.Encode(insts.OpOR, t1, t1, t2, 0),
		insts.LUI(t0, int64(emu.DefaultFinisherBase)),
		insts.SD(t1, t0, 0),
		insts.JAL(zero, 0),
	)
}

// exitLen is the number of words exitWith appends.
const exitLen = 7

// dataPointer sets rd to an address 64KB past the current instruction.
func dataPointer(rd uint8) uint32 {
	return insts.Encode(insts.OpAUIPC, rd, 0, 0, 0x10000)
}

// 1. Arithmetic Sequential - ALU throughput with independent operations
func arithmeticSequential() Benchmark {
	var words []uint32
	for i := 0; i < 4; i++ {
		for _, rd := range []uint8{a0, a1, a2, a3, a4} {
			words = append(words, insts.ADDI(rd, rd, 1))
		}
	}

	return Benchmark{
		Name:         "arithmetic_sequential",
		Description:  "20 independent ADDI operations - measures ALU throughput",
		Program:      exitWith(words...),
		ExpectedExit: 4,
	}
}

// 2. Dependency Chain - back-to-back RAW dependencies
func dependencyChain() Benchmark {
	words := make([]uint32, 0, 20)
	for i := 0; i < 20; i++ {
		words = append(words, insts.ADDI(a0, a0, 1))
	}

	return Benchmark{
		Name:         "dependency_chain",
		Description:  "20 dependent ADDIs (a0 = a0 + 1) - measures bypass latency",
		Program:      exitWith(words...),
		ExpectedExit: 20,
	}
}

// 3. Memory Sequential - store/load pairs, each load feeding the next store
func memorySequential() Benchmark {
	words := []uint32{
		dataPointer(t0),
		insts.ADDI(a0, zero, 42),
	}
	for i := int64(0); i < 10; i++ {
		words = append(words,
			insts.SD(a0, t0, 8*i),
			insts.LD(a0, t0, 8*i),
		)
	}

	return Benchmark{
		Name:         "memory_sequential",
		Description:  "10 store/load pairs to sequential addresses - measures load-use and data cache latency",
		Program:      exitWith(words...),
		ExpectedExit: 42,
	}
}

// 4. Function Calls - JAL/JALR pairs through the return address stack
func functionCalls() Benchmark {
	const calls = 5
	// The callee follows the calls and the exit sequence.
	callee := calls + exitLen

	var words []uint32
	for i := 0; i < calls; i++ {
		words = append(words, insts.JAL(ra, int64(4*(callee-i))))
	}
	words = exitWith(words...)
	words = append(words,
		insts.ADDI(a0, a0, 1),
		insts.JALR(zero, ra, 0),
	)

	return Benchmark{
		Name:         "function_calls",
		Description:  "5 calls and returns - measures call overhead and return prediction",
		Program:      words,
		ExpectedExit: calls,
	}
}

// 5. Branch Taken - forward unconditional jumps
func branchTaken() Benchmark {
	var words []uint32
	for i := 0; i < 5; i++ {
		words = append(words,
			insts.JAL(zero, 8),
			insts.ADDI(a1, a1, 99), // skipped
			insts.ADDI(a0, a0, 1),
		)
	}

	return Benchmark{
		Name:         "branch_taken",
		Description:  "5 forward jumps over one instruction - measures taken-branch overhead",
		Program:      exitWith(words...),
		ExpectedExit: 5,
	}
}

// 6. Loop - a counted loop closed by a conditional branch
func loopSimulation() Benchmark {
	return Benchmark{
		Name:        "loop",
		Description: "10-iteration counted loop - measures conditional branch prediction",
		Program: exitWith(
			insts.ADDI(t0, zero, 10),
			insts.ADDI(a0, a0, 1),
			insts.ADDI(t1, t1, 1),
			insts.BLT(t1, t0, -8),
		),
		ExpectedExit: 10,
	}
}

// 7. Multiply Chain - dependent multi-cycle operations
func multiplyChain() Benchmark {
	words := []uint32{
		insts.ADDI(a0, zero, 1),
		insts.ADDI(t0, zero, 3),
	}
	for i := 0; i < 5; i++ {
		words = append(words, insts.Encode(insts.OpMUL, a0, a0, t0, 0))
	}

	return Benchmark{
		Name:         "multiply_chain",
		Description:  "5 dependent MULs - measures multi-cycle execute latency",
		Program:      exitWith(words...),
		ExpectedExit: 243,
	}
}

// 8. Mixed Operations - loads, stores, ALU and a loop branch
func mixedOperations() Benchmark {
	return Benchmark{
		Name:        "mixed_operations",
		Description: "store, dependent load, ALU and loop branch - realistic workload mix",
		Program: exitWith(
			dataPointer(t2),
			insts.ADDI(t0, zero, 4),
			insts.SD(a0, t2, 0),
			insts.LD(a2, t2, 0),
			insts.ADDI(a0, a2, 1),
			insts.ADDI(t1, t1, 1),
			insts.BLT(t1, t0, -16),
		),
		ExpectedExit: 4,
	}
}
