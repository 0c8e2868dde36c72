// Package insts provides RV64 instruction definitions and decoding.
//
// This package implements decoding of RV64IMA machine code (plus Zicsr and
// the privileged instructions) into structured instruction representations,
// and the DecodeInfo descriptor that carries an instruction's architectural
// effects from the Arch backend through the timing pipeline.
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst := decoder.Decode(0x02a08093) // ADDI X1, X1, 42
//	fmt.Printf("Op: %v, Rd: %d, Rs1: %d, Imm: %d\n", inst.Op, inst.Rd, inst.Rs1, inst.Imm)
package insts

// InstType classifies an instruction for the timing model. The order matters:
// branch classes are contiguous (TypeCond through TypePopPush) and so are the
// memory classes (TypeLoad through TypeAMO).
type InstType uint8

// Instruction classes.
const (
	TypeInt InstType = iota
	TypeCond
	TypeDirect
	TypePush
	TypeIndirect
	TypeIndCall
	TypeIndPush
	TypePop
	TypePopPush
	TypeLoad
	TypeStore
	TypeLR
	TypeSC
	TypeAMO
	TypeMult
	TypeDiv
	TypeCSRWrite
	TypeSRet
	TypeMRet
	TypeFence
	TypeIFence
	TypeSFence
	TypeFMiscSimple
	TypeFMiscComplex
	TypeFAdd
	TypeFMul
	TypeFMA
	TypeFDiv
	TypeFSqrt

	// NumTypes is the number of instruction classes.
	NumTypes
)

var typeNames = [NumTypes]string{
	"int", "cond", "direct", "push", "indirect", "ind_call", "ind_push",
	"pop", "pop_push", "load", "store", "lr", "sc", "amo", "mult", "div",
	"csrwr", "sret", "mret", "fence", "ifence", "sfence", "fmisc_simple",
	"fmisc_complex", "fadd", "fmul", "fma", "fdiv", "fsqrt",
}

// String returns the lower-case class name.
func (t InstType) String() string {
	if t >= NumTypes {
		return "unknown"
	}
	return typeNames[t]
}

// IsBranch reports whether the class is any control-transfer instruction.
func (t InstType) IsBranch() bool {
	return t >= TypeCond && t <= TypePopPush
}

// IsJump reports whether the class is an unconditional control transfer.
func (t InstType) IsJump() bool {
	return t >= TypeDirect && t <= TypePopPush
}

// IsDirect reports whether the jump target is encoded in the instruction.
func (t InstType) IsDirect() bool {
	return t == TypeDirect || t == TypePush
}

// IsIndirect reports whether the jump target comes from a register and is
// not a return.
func (t InstType) IsIndirect() bool {
	return t >= TypeIndirect && t <= TypeIndPush
}

// IsCall reports whether the class pushes a return address.
func (t InstType) IsCall() bool {
	return t == TypePush || t == TypeIndCall || t == TypeIndPush
}

// IsReturn reports whether the class pops a return address.
func (t InstType) IsReturn() bool {
	return t == TypePop || t == TypePopPush
}

// IsMem reports whether the class accesses data memory.
func (t InstType) IsMem() bool {
	return t >= TypeLoad && t <= TypeAMO
}

// FetchType tells address translation which permission to check.
type FetchType uint8

// Fetch types.
const (
	IFetch FetchType = iota
	LFetch
	SFetch
)

// Op represents an RV64 opcode.
type Op uint16

// RV64 opcodes.
const (
	OpUnknown Op = iota
	OpLUI
	OpAUIPC
	OpJAL
	OpJALR
	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU
	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU
	OpSB
	OpSH
	OpSW
	OpSD
	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI
	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND
	OpADDIW
	OpSLLIW
	OpSRLIW
	OpSRAIW
	OpADDW
	OpSUBW
	OpSLLW
	OpSRLW
	OpSRAW
	OpMUL
	OpMULH
	OpMULHSU
	OpMULHU
	OpDIV
	OpDIVU
	OpREM
	OpREMU
	OpMULW
	OpDIVW
	OpDIVUW
	OpREMW
	OpREMUW
	OpFENCE
	OpFENCEI
	OpECALL
	OpEBREAK
	OpSRET
	OpMRET
	OpWFI
	OpSFENCEVMA
	OpCSRRW
	OpCSRRS
	OpCSRRC
	OpCSRRWI
	OpCSRRSI
	OpCSRRCI
	OpLRW
	OpSCW
	OpAMOSWAPW
	OpAMOADDW
	OpAMOXORW
	OpAMOANDW
	OpAMOORW
	OpAMOMINW
	OpAMOMAXW
	OpAMOMINUW
	OpAMOMAXUW
	OpLRD
	OpSCD
	OpAMOSWAPD
	OpAMOADDD
	OpAMOXORD
	OpAMOANDD
	OpAMOORD
	OpAMOMIND
	OpAMOMAXD
	OpAMOMINUD
	OpAMOMAXUD

	numOps
)

// Format represents an instruction encoding format.
type Format uint8

// Instruction formats.
const (
	FormatUnknown Format = iota
	FormatR           // register-register
	FormatI           // 12-bit immediate
	FormatShift       // I-type with 6-bit shift amount
	FormatS           // store
	FormatB           // conditional branch
	FormatU           // upper immediate
	FormatJ           // jump
	FormatCSR         // CSR access, Imm holds the CSR number
	FormatAMO         // atomic memory operation
	FormatSys         // fixed encodings without operands
)

// Instruction represents a decoded RV64 instruction.
type Instruction struct {
	Op     Op
	Format Format
	Raw    uint32

	Rd  uint8
	Rs1 uint8
	Rs2 uint8

	// Imm is the sign-extended immediate. For shifts it holds the shift
	// amount and for CSR instructions the CSR number.
	Imm int64
}

// Size returns the instruction length in bytes.
func (i *Instruction) Size() int {
	return 4
}

// Valid reports whether the word decoded to a known instruction.
func (i *Instruction) Valid() bool {
	return i.Op != OpUnknown
}
