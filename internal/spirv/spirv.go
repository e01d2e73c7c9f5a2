// Package spirv models shader modules at the instruction level and
// serializes them to the binary word stream consumed by device drivers.
// Only the subset of the instruction set the kernel converter emits is
// covered; the encoding itself follows the standard layout (one header,
// then instructions of (wordcount<<16 | opcode) followed by operand words).
package spirv

import "fmt"

// Word is the 32-bit unit of the binary encoding.
type Word = uint32

// Header constants.
const (
	Magic     Word = 0x07230203
	Version10 Word = 0x00010000
	Version13 Word = 0x00010300
	// Generator is the registered tool id word; zero is "unknown tool".
	Generator Word = 0
)

// Capability enumerates the device capabilities the converter cares about.
type Capability Word

const (
	CapabilityMatrix       Capability = 0
	CapabilityShader       Capability = 1
	CapabilityKernel       Capability = 6
	CapabilityAddresses    Capability = 4
	CapabilityInt64        Capability = 11
	CapabilityFloat64      Capability = 10
	CapabilityFloat16      Capability = 9
	CapabilityGroups       Capability = 18
	CapabilityAtomicStorag Capability = 21
)

func (c Capability) String() string {
	switch c {
	case CapabilityShader:
		return "Shader"
	case CapabilityKernel:
		return "Kernel"
	case CapabilityAddresses:
		return "Addresses"
	case CapabilityInt64:
		return "Int64"
	case CapabilityFloat64:
		return "Float64"
	case CapabilityFloat16:
		return "Float16"
	default:
		return fmt.Sprintf("Capability(%d)", Word(c))
	}
}

// TargetEnv describes what the device the shaders compile against supports.
type TargetEnv struct {
	Version      Word
	Capabilities map[Capability]bool
}

// NewTargetEnv builds an env with the given capabilities enabled.
func NewTargetEnv(version Word, caps ...Capability) TargetEnv {
	set := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return TargetEnv{Version: version, Capabilities: set}
}

// DefaultEnv is a compute-capable device without 64-bit floats.
func DefaultEnv() TargetEnv {
	return NewTargetEnv(Version13,
		CapabilityKernel, CapabilityAddresses, CapabilityInt64)
}

// Has reports whether the env carries the capability.
func (e TargetEnv) Has(c Capability) bool {
	return e.Capabilities[c]
}

// Opcode is an instruction opcode. Values are the registered ones.
type Opcode uint16

const (
	OpNop                   Opcode = 0
	OpUndef                 Opcode = 1
	OpName                  Opcode = 5
	OpExtInstImport         Opcode = 11
	OpExtInst               Opcode = 12
	OpMemoryModel           Opcode = 14
	OpEntryPoint            Opcode = 15
	OpExecutionMode         Opcode = 16
	OpCapability            Opcode = 17
	OpTypeVoid              Opcode = 19
	OpTypeBool              Opcode = 20
	OpTypeInt               Opcode = 21
	OpTypeFloat             Opcode = 22
	OpTypeVector            Opcode = 23
	OpTypePointer           Opcode = 32
	OpTypeFunction          Opcode = 33
	OpConstantTrue          Opcode = 41
	OpConstantFalse         Opcode = 42
	OpConstant              Opcode = 43
	OpFunction              Opcode = 54
	OpFunctionParameter     Opcode = 55
	OpFunctionEnd           Opcode = 56
	OpVariable              Opcode = 59
	OpLoad                  Opcode = 61
	OpStore                 Opcode = 62
	OpAccessChain           Opcode = 65
	OpInBoundsAccessChain   Opcode = 66
	OpDecorate              Opcode = 71
	OpCompositeExtract      Opcode = 81
	OpConvertFToU           Opcode = 109
	OpConvertFToS           Opcode = 110
	OpConvertSToF           Opcode = 111
	OpConvertUToF           Opcode = 112
	OpUConvert              Opcode = 113
	OpSConvert              Opcode = 114
	OpFConvert              Opcode = 115
	OpBitcast               Opcode = 124
	OpSNegate               Opcode = 126
	OpFNegate               Opcode = 127
	OpIAdd                  Opcode = 128
	OpFAdd                  Opcode = 129
	OpISub                  Opcode = 130
	OpFSub                  Opcode = 131
	OpIMul                  Opcode = 132
	OpFMul                  Opcode = 133
	OpUDiv                  Opcode = 134
	OpSDiv                  Opcode = 135
	OpFDiv                  Opcode = 136
	OpUMod                  Opcode = 137
	OpSRem                  Opcode = 138
	OpSMod                  Opcode = 139
	OpFRem                  Opcode = 140
	OpFMod                  Opcode = 141
	OpLogicalNot            Opcode = 168
	OpSelect                Opcode = 169
	OpIEqual                Opcode = 170
	OpINotEqual             Opcode = 171
	OpUGreaterThan          Opcode = 172
	OpSGreaterThan          Opcode = 173
	OpUGreaterThanEqual     Opcode = 174
	OpSGreaterThanEqual     Opcode = 175
	OpULessThan             Opcode = 176
	OpSLessThan             Opcode = 177
	OpULessThanEqual        Opcode = 178
	OpSLessThanEqual        Opcode = 179
	OpFOrdEqual             Opcode = 180
	OpFOrdNotEqual          Opcode = 182
	OpFOrdLessThan          Opcode = 184
	OpFOrdGreaterThan       Opcode = 186
	OpFOrdLessThanEqual     Opcode = 188
	OpFOrdGreaterThanEqual  Opcode = 190
	OpShiftRightLogical     Opcode = 194
	OpShiftRightArithmetic  Opcode = 195
	OpShiftLeftLogical      Opcode = 196
	OpBitwiseOr             Opcode = 197
	OpBitwiseXor            Opcode = 198
	OpBitwiseAnd            Opcode = 199
	OpControlBarrier        Opcode = 224
	OpPhi                   Opcode = 245
	OpLoopMerge             Opcode = 246
	OpSelectionMerge        Opcode = 247
	OpLabel                 Opcode = 248
	OpBranch                Opcode = 249
	OpBranchConditional     Opcode = 250
	OpReturn                Opcode = 253
	OpUnreachable           Opcode = 255
)

// Storage classes.
const (
	StorageUniformConstant Word = 0
	StorageInput           Word = 1
	StorageUniform         Word = 2
	StorageWorkgroup       Word = 4
	StorageCrossWorkgroup  Word = 5
	StorageFunction        Word = 7
	StorageStorageBuffer   Word = 12
)

// Builtin decorations.
const (
	DecorationBuiltIn Word = 11

	BuiltInWorkgroupID        Word = 26
	BuiltInWorkgroupSize      Word = 25
	BuiltInLocalInvocationID  Word = 27
	BuiltInGlobalInvocationID Word = 28
	BuiltInNumWorkgroups      Word = 24
)

// Execution and memory model words.
const (
	AddressingPhysical64 Word = 2
	AddressingLogical    Word = 0
	MemoryOpenCL         Word = 3
	MemoryGLSL450        Word = 1
	ExecutionModelKernel Word = 6
	ExecutionModelGLCmp  Word = 5
	ScopeWorkgroup       Word = 2
	SemanticsAcqRel      Word = 0x8 | 0x100
)

// Instruction is one encoded instruction: opcode plus operand words. The
// word count prefix is computed at serialization time.
type Instruction struct {
	Op    Opcode
	Words []Word
}

// ID is a result id inside one module. Zero is never a valid id.
type ID = Word
