package ir

import "fmt"

// Dialect groups operation kinds by the lowering layer they belong to.
type Dialect uint8

const (
	DialectInvalid Dialect = iota
	// DialectPlier holds abstract, untyped frontend operations.
	DialectPlier
	// DialectArith holds integer/float arithmetic and casts.
	DialectArith
	// DialectMath holds transcendental helpers.
	DialectMath
	// DialectComplex holds complex-number operations.
	DialectComplex
	// DialectSCF holds structured control flow with regions.
	DialectSCF
	// DialectMemRef holds buffer operations.
	DialectMemRef
	// DialectFunc holds call operations.
	DialectFunc
	// DialectGPU holds device operations.
	DialectGPU
	// DialectUtil holds glue operations used between layers.
	DialectUtil
)

func (d Dialect) String() string {
	switch d {
	case DialectPlier:
		return "plier"
	case DialectArith:
		return "arith"
	case DialectMath:
		return "math"
	case DialectComplex:
		return "complex"
	case DialectSCF:
		return "scf"
	case DialectMemRef:
		return "memref"
	case DialectFunc:
		return "func"
	case DialectGPU:
		return "gpu"
	case DialectUtil:
		return "util"
	default:
		return fmt.Sprintf("Dialect(%d)", d)
	}
}

// OpKind enumerates every operation the pipeline can produce. The set is
// closed: passes match on kinds, there is no open registration.
type OpKind uint8

const (
	OpInvalid OpKind = iota

	// Plier dialect: abstract operations produced from the frontend IR.

	// OpPlierArg reads a function argument by position (attr "index").
	OpPlierArg
	// OpPlierConst materializes a literal (attr "value").
	OpPlierConst
	// OpPlierGlobal resolves a global name (attr "name").
	OpPlierGlobal
	// OpPlierBinOp applies a source-level binary operator (attr "name").
	OpPlierBinOp
	// OpPlierInplaceBinOp applies an augmented-assignment operator.
	OpPlierInplaceBinOp
	// OpPlierUnaryOp applies a source-level unary operator (attr "name").
	OpPlierUnaryOp
	// OpPlierCast converts a value to the result type.
	OpPlierCast
	// OpPlierCall calls a resolved or named function (attr "name").
	OpPlierCall
	// OpPlierBuildTuple packs operands into a tuple.
	OpPlierBuildTuple
	// OpPlierGetItem indexes into a tuple or buffer.
	OpPlierGetItem
	// OpPlierGetIter fetches an iterator from an iterable.
	OpPlierGetIter
	// OpPlierIterNext advances an iterator, yielding a (value, valid) pair.
	OpPlierIterNext
	// OpPlierPairFirst projects the first element of a pair.
	OpPlierPairFirst
	// OpPlierPairSecond projects the second element of a pair.
	OpPlierPairSecond
	// OpPlierGetAttr reads a named attribute of a value (attr "name").
	OpPlierGetAttr
	// OpPlierSetItem stores into a buffer: operands [target, index, value].
	OpPlierSetItem
	// OpPlierUndef produces an undefined value of the result type.
	OpPlierUndef

	// Arith dialect.

	OpArithConstant
	OpArithAddI
	OpArithSubI
	OpArithMulI
	OpArithDivSI
	OpArithDivUI
	OpArithCeilDivSI
	OpArithRemSI
	OpArithRemUI
	OpArithAndI
	OpArithOrI
	OpArithXOrI
	OpArithShLI
	OpArithShRSI
	OpArithShRUI
	OpArithCmpI
	OpArithAddF
	OpArithSubF
	OpArithMulF
	OpArithDivF
	OpArithRemF
	OpArithNegF
	OpArithCmpF
	OpArithSelect
	OpArithExtSI
	OpArithExtUI
	OpArithTruncI
	OpArithExtF
	OpArithTruncF
	OpArithFPToSI
	OpArithFPToUI
	OpArithSIToFP
	OpArithUIToFP
	OpArithIndexCast
	OpArithIndexCastUI
	OpArithBitcast

	// Math dialect.

	OpMathPowF
	OpMathFloor

	// Complex dialect.

	OpComplexCreate
	OpComplexRe
	OpComplexIm
	OpComplexAdd
	OpComplexSub
	OpComplexMul
	OpComplexDiv
	OpComplexPow
	OpComplexEq
	OpComplexNeq

	// SCF dialect: structured control flow carrying regions.

	// OpSCFFor is a counted loop. Regions: body (params: induction var then
	// iter args). Operands: lb, ub, step, then initial iter args.
	OpSCFFor
	// OpSCFWhile is a general loop. Regions: before (ends in scf.condition),
	// after (ends in scf.yield).
	OpSCFWhile
	// OpSCFIf is a conditional. Regions: then, and optionally else.
	OpSCFIf
	// OpSCFParallel is a parallel loop nest. Operands: lbs, ubs, steps
	// (attr "index" holds the dimension count).
	OpSCFParallel
	// OpSCFYield terminates a region, forwarding operands to the parent op.
	OpSCFYield
	// OpSCFCondition terminates a while-before region. Operands: cond, then
	// values forwarded to the after region.
	OpSCFCondition
	// OpSCFReduce folds a value into a parallel loop reduction. Region: the
	// combiner with two params.
	OpSCFReduce

	// MemRef dialect.

	OpMemRefAlloc
	OpMemRefDealloc
	OpMemRefLoad
	OpMemRefStore
	OpMemRefDim
	OpMemRefCopy
	OpMemRefCast
	// OpMemRefReinterpretCast reviews a buffer with a new shape/layout
	// (attrs "shape", "strides", "offset"; dynamic entries take operands).
	OpMemRefReinterpretCast

	// Func dialect.

	OpFuncCall

	// GPU dialect.

	OpGPUAlloc
	OpGPUDealloc
	OpGPUMemcpy
	// OpGPULaunchFunc launches a kernel. Operands: grid x/y/z, block x/y/z,
	// then kernel arguments (attrs "gpu_module", "kernel").
	OpGPULaunchFunc
	// OpGPUSuggestBlockSize queries the device for a block size fitting the
	// given global sizes. Results: one index per dimension.
	OpGPUSuggestBlockSize
	OpGPUBlockID
	OpGPUThreadID
	OpGPUGridDim
	OpGPUBlockDim
	OpGPUBarrier

	// Util dialect.

	// OpUtilSignCast attaches or strips integer signedness without changing
	// bits.
	OpUtilSignCast
	// OpUtilUndef produces an undefined value of the result type.
	OpUtilUndef
	// OpUtilMemRefBitcast reviews a buffer's element type without moving
	// data. Used when rewriting f64 storage for devices without f64.
	OpUtilMemRefBitcast
	// OpUtilEnvRegion pins an execution environment around its single
	// region (attr "env").
	OpUtilEnvRegion
	// OpUtilRetain extends a buffer's lifetime across a region boundary.
	OpUtilRetain

	opKindCount
)

var opDialects = [opKindCount]Dialect{
	OpInvalid: DialectInvalid,

	OpPlierArg:          DialectPlier,
	OpPlierConst:        DialectPlier,
	OpPlierGlobal:       DialectPlier,
	OpPlierBinOp:        DialectPlier,
	OpPlierInplaceBinOp: DialectPlier,
	OpPlierUnaryOp:      DialectPlier,
	OpPlierCast:         DialectPlier,
	OpPlierCall:         DialectPlier,
	OpPlierBuildTuple:   DialectPlier,
	OpPlierGetItem:      DialectPlier,
	OpPlierGetIter:      DialectPlier,
	OpPlierIterNext:     DialectPlier,
	OpPlierPairFirst:    DialectPlier,
	OpPlierPairSecond:   DialectPlier,
	OpPlierGetAttr:      DialectPlier,
	OpPlierSetItem:      DialectPlier,
	OpPlierUndef:        DialectPlier,

	OpArithConstant:    DialectArith,
	OpArithAddI:        DialectArith,
	OpArithSubI:        DialectArith,
	OpArithMulI:        DialectArith,
	OpArithDivSI:       DialectArith,
	OpArithDivUI:       DialectArith,
	OpArithCeilDivSI:   DialectArith,
	OpArithRemSI:       DialectArith,
	OpArithRemUI:       DialectArith,
	OpArithAndI:        DialectArith,
	OpArithOrI:         DialectArith,
	OpArithXOrI:        DialectArith,
	OpArithShLI:        DialectArith,
	OpArithShRSI:       DialectArith,
	OpArithShRUI:       DialectArith,
	OpArithCmpI:        DialectArith,
	OpArithAddF:        DialectArith,
	OpArithSubF:        DialectArith,
	OpArithMulF:        DialectArith,
	OpArithDivF:        DialectArith,
	OpArithRemF:        DialectArith,
	OpArithNegF:        DialectArith,
	OpArithCmpF:        DialectArith,
	OpArithSelect:      DialectArith,
	OpArithExtSI:       DialectArith,
	OpArithExtUI:       DialectArith,
	OpArithTruncI:      DialectArith,
	OpArithExtF:        DialectArith,
	OpArithTruncF:      DialectArith,
	OpArithFPToSI:      DialectArith,
	OpArithFPToUI:      DialectArith,
	OpArithSIToFP:      DialectArith,
	OpArithUIToFP:      DialectArith,
	OpArithIndexCast:   DialectArith,
	OpArithIndexCastUI: DialectArith,
	OpArithBitcast:     DialectArith,

	OpMathPowF:  DialectMath,
	OpMathFloor: DialectMath,

	OpComplexCreate: DialectComplex,
	OpComplexRe:     DialectComplex,
	OpComplexIm:     DialectComplex,
	OpComplexAdd:    DialectComplex,
	OpComplexSub:    DialectComplex,
	OpComplexMul:    DialectComplex,
	OpComplexDiv:    DialectComplex,
	OpComplexPow:    DialectComplex,
	OpComplexEq:     DialectComplex,
	OpComplexNeq:    DialectComplex,

	OpSCFFor:       DialectSCF,
	OpSCFWhile:     DialectSCF,
	OpSCFIf:        DialectSCF,
	OpSCFParallel:  DialectSCF,
	OpSCFYield:     DialectSCF,
	OpSCFCondition: DialectSCF,
	OpSCFReduce:    DialectSCF,

	OpMemRefAlloc:           DialectMemRef,
	OpMemRefDealloc:         DialectMemRef,
	OpMemRefLoad:            DialectMemRef,
	OpMemRefStore:           DialectMemRef,
	OpMemRefDim:             DialectMemRef,
	OpMemRefCopy:            DialectMemRef,
	OpMemRefCast:            DialectMemRef,
	OpMemRefReinterpretCast: DialectMemRef,

	OpFuncCall: DialectFunc,

	OpGPUAlloc:            DialectGPU,
	OpGPUDealloc:          DialectGPU,
	OpGPUMemcpy:           DialectGPU,
	OpGPULaunchFunc:       DialectGPU,
	OpGPUSuggestBlockSize: DialectGPU,
	OpGPUBlockID:          DialectGPU,
	OpGPUThreadID:         DialectGPU,
	OpGPUGridDim:          DialectGPU,
	OpGPUBlockDim:         DialectGPU,
	OpGPUBarrier:          DialectGPU,

	OpUtilSignCast:      DialectUtil,
	OpUtilUndef:         DialectUtil,
	OpUtilMemRefBitcast: DialectUtil,
	OpUtilEnvRegion:     DialectUtil,
	OpUtilRetain:        DialectUtil,
}

// DialectOf returns the dialect a kind belongs to.
func DialectOf(k OpKind) Dialect {
	if k >= opKindCount {
		return DialectInvalid
	}
	return opDialects[k]
}

var opNames = [opKindCount]string{
	OpInvalid: "invalid",

	OpPlierArg:          "plier.arg",
	OpPlierConst:        "plier.const",
	OpPlierGlobal:       "plier.global",
	OpPlierBinOp:        "plier.binop",
	OpPlierInplaceBinOp: "plier.inplace_binop",
	OpPlierUnaryOp:      "plier.unary",
	OpPlierCast:         "plier.cast",
	OpPlierCall:         "plier.call",
	OpPlierBuildTuple:   "plier.build_tuple",
	OpPlierGetItem:      "plier.getitem",
	OpPlierGetIter:      "plier.getiter",
	OpPlierIterNext:     "plier.iternext",
	OpPlierPairFirst:    "plier.pair_first",
	OpPlierPairSecond:   "plier.pair_second",
	OpPlierGetAttr:      "plier.getattr",
	OpPlierSetItem:      "plier.setitem",
	OpPlierUndef:        "plier.undef",

	OpArithConstant:    "arith.constant",
	OpArithAddI:        "arith.addi",
	OpArithSubI:        "arith.subi",
	OpArithMulI:        "arith.muli",
	OpArithDivSI:       "arith.divsi",
	OpArithDivUI:       "arith.divui",
	OpArithCeilDivSI:   "arith.ceildivsi",
	OpArithRemSI:       "arith.remsi",
	OpArithRemUI:       "arith.remui",
	OpArithAndI:        "arith.andi",
	OpArithOrI:         "arith.ori",
	OpArithXOrI:        "arith.xori",
	OpArithShLI:        "arith.shli",
	OpArithShRSI:       "arith.shrsi",
	OpArithShRUI:       "arith.shrui",
	OpArithCmpI:        "arith.cmpi",
	OpArithAddF:        "arith.addf",
	OpArithSubF:        "arith.subf",
	OpArithMulF:        "arith.mulf",
	OpArithDivF:        "arith.divf",
	OpArithRemF:        "arith.remf",
	OpArithNegF:        "arith.negf",
	OpArithCmpF:        "arith.cmpf",
	OpArithSelect:      "arith.select",
	OpArithExtSI:       "arith.extsi",
	OpArithExtUI:       "arith.extui",
	OpArithTruncI:      "arith.trunci",
	OpArithExtF:        "arith.extf",
	OpArithTruncF:      "arith.truncf",
	OpArithFPToSI:      "arith.fptosi",
	OpArithFPToUI:      "arith.fptoui",
	OpArithSIToFP:      "arith.sitofp",
	OpArithUIToFP:      "arith.uitofp",
	OpArithIndexCast:   "arith.index_cast",
	OpArithIndexCastUI: "arith.index_castui",
	OpArithBitcast:     "arith.bitcast",

	OpMathPowF:  "math.powf",
	OpMathFloor: "math.floor",

	OpComplexCreate: "complex.create",
	OpComplexRe:     "complex.re",
	OpComplexIm:     "complex.im",
	OpComplexAdd:    "complex.add",
	OpComplexSub:    "complex.sub",
	OpComplexMul:    "complex.mul",
	OpComplexDiv:    "complex.div",
	OpComplexPow:    "complex.pow",
	OpComplexEq:     "complex.eq",
	OpComplexNeq:    "complex.neq",

	OpSCFFor:       "scf.for",
	OpSCFWhile:     "scf.while",
	OpSCFIf:        "scf.if",
	OpSCFParallel:  "scf.parallel",
	OpSCFYield:     "scf.yield",
	OpSCFCondition: "scf.condition",
	OpSCFReduce:    "scf.reduce",

	OpMemRefAlloc:           "memref.alloc",
	OpMemRefDealloc:         "memref.dealloc",
	OpMemRefLoad:            "memref.load",
	OpMemRefStore:           "memref.store",
	OpMemRefDim:             "memref.dim",
	OpMemRefCopy:            "memref.copy",
	OpMemRefCast:            "memref.cast",
	OpMemRefReinterpretCast: "memref.reinterpret_cast",

	OpFuncCall: "func.call",

	OpGPUAlloc:            "gpu.alloc",
	OpGPUDealloc:          "gpu.dealloc",
	OpGPUMemcpy:           "gpu.memcpy",
	OpGPULaunchFunc:       "gpu.launch_func",
	OpGPUSuggestBlockSize: "gpu.suggest_block_size",
	OpGPUBlockID:          "gpu.block_id",
	OpGPUThreadID:         "gpu.thread_id",
	OpGPUGridDim:          "gpu.grid_dim",
	OpGPUBlockDim:         "gpu.block_dim",
	OpGPUBarrier:          "gpu.barrier",

	OpUtilSignCast:      "util.sign_cast",
	OpUtilUndef:         "util.undef",
	OpUtilMemRefBitcast: "util.memref_bitcast",
	OpUtilEnvRegion:     "util.env_region",
	OpUtilRetain:        "util.retain",
}

func (k OpKind) String() string {
	if k >= opKindCount {
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
	return opNames[k]
}

// CmpIPredicate enumerates integer comparison predicates.
type CmpIPredicate uint8

const (
	CmpIEq CmpIPredicate = iota
	CmpINe
	CmpISlt
	CmpISle
	CmpISgt
	CmpISge
	CmpIUlt
	CmpIUle
	CmpIUgt
	CmpIUge
)

func (p CmpIPredicate) String() string {
	switch p {
	case CmpIEq:
		return "eq"
	case CmpINe:
		return "ne"
	case CmpISlt:
		return "slt"
	case CmpISle:
		return "sle"
	case CmpISgt:
		return "sgt"
	case CmpISge:
		return "sge"
	case CmpIUlt:
		return "ult"
	case CmpIUle:
		return "ule"
	case CmpIUgt:
		return "ugt"
	case CmpIUge:
		return "uge"
	default:
		return fmt.Sprintf("CmpIPredicate(%d)", p)
	}
}

// CmpFPredicate enumerates ordered float comparison predicates.
type CmpFPredicate uint8

const (
	CmpFOeq CmpFPredicate = iota
	CmpFOne
	CmpFOlt
	CmpFOle
	CmpFOgt
	CmpFOge
)

func (p CmpFPredicate) String() string {
	switch p {
	case CmpFOeq:
		return "oeq"
	case CmpFOne:
		return "one"
	case CmpFOlt:
		return "olt"
	case CmpFOle:
		return "ole"
	case CmpFOgt:
		return "ogt"
	case CmpFOge:
		return "oge"
	default:
		return fmt.Sprintf("CmpFPredicate(%d)", p)
	}
}

// GPUDim selects a launch dimension for id/dim queries (attr "index").
type GPUDim uint8

const (
	GPUDimX GPUDim = iota
	GPUDimY
	GPUDimZ
)

func (d GPUDim) String() string {
	switch d {
	case GPUDimX:
		return "x"
	case GPUDimY:
		return "y"
	case GPUDimZ:
		return "z"
	default:
		return fmt.Sprintf("GPUDim(%d)", d)
	}
}
