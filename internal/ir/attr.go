package ir

import (
	"fmt"
	"strconv"

	"numir/internal/types"
)

// AttrKind distinguishes attribute payload kinds.
type AttrKind uint8

const (
	// AttrUnit is a presence-only flag attribute.
	AttrUnit AttrKind = iota
	// AttrInt is a signed integer attribute.
	AttrInt
	// AttrFloat is a floating-point attribute.
	AttrFloat
	// AttrBool is a boolean attribute.
	AttrBool
	// AttrString is a string attribute.
	AttrString
	// AttrType references an interned type.
	AttrType
	// AttrIntSlice is a list of integers (shapes, strides, mappings).
	AttrIntSlice
	// AttrWords is a list of 32-bit words (serialized shader binaries).
	AttrWords
)

// Attr is an attribute value.
type Attr struct {
	Kind AttrKind

	Int    int64
	Float  float64
	Bool   bool
	Str    string
	Type   types.TypeID
	Ints   []int64
	Words  []uint32
}

// NamedAttr pairs an attribute with its name.
type NamedAttr struct {
	Name string
	Attr Attr
}

// Attribute names used across passes.
const (
	AttrNameValue     = "value"
	AttrNamePredicate = "predicate"
	AttrNameIndex     = "index"
	AttrNameCallee    = "callee"
	AttrNameName      = "name"
	AttrNameKernel    = "kernel"
	AttrNameGPUModule = "gpu_module"
	AttrNameBinary    = "spirv_binary"
	AttrNameShape     = "shape"
	AttrNameStrides   = "strides"
	AttrNameOffset    = "offset"
	AttrNameMapping   = "mapping"
	AttrNameEnv       = "env"

	// Function attributes stamped from the compilation context.
	AttrNameFastMath       = "fastmath"
	AttrNameForceInline    = "force_inline"
	AttrNameOptLevel       = "opt_level"
	AttrNameMaxConcurrency = "max_concurrency"
)

// IntAttr builds an integer attribute.
func IntAttr(v int64) Attr { return Attr{Kind: AttrInt, Int: v} }

// FloatAttr builds a float attribute.
func FloatAttr(v float64) Attr { return Attr{Kind: AttrFloat, Float: v} }

// BoolAttr builds a boolean attribute.
func BoolAttr(v bool) Attr { return Attr{Kind: AttrBool, Bool: v} }

// StringAttr builds a string attribute.
func StringAttr(v string) Attr { return Attr{Kind: AttrString, Str: v} }

// TypeAttr builds a type attribute.
func TypeAttr(v types.TypeID) Attr { return Attr{Kind: AttrType, Type: v} }

// IntsAttr builds an integer-list attribute.
func IntsAttr(v []int64) Attr { return Attr{Kind: AttrIntSlice, Ints: v} }

// WordsAttr builds a word-list attribute.
func WordsAttr(v []uint32) Attr { return Attr{Kind: AttrWords, Words: v} }

// UnitAttr builds a presence-only attribute.
func UnitAttr() Attr { return Attr{Kind: AttrUnit} }

func (a Attr) String() string {
	switch a.Kind {
	case AttrUnit:
		return "unit"
	case AttrInt:
		return strconv.FormatInt(a.Int, 10)
	case AttrFloat:
		return strconv.FormatFloat(a.Float, 'g', -1, 64)
	case AttrBool:
		return strconv.FormatBool(a.Bool)
	case AttrString:
		return strconv.Quote(a.Str)
	case AttrType:
		return fmt.Sprintf("type(%d)", a.Type)
	case AttrIntSlice:
		return fmt.Sprintf("%v", a.Ints)
	case AttrWords:
		return fmt.Sprintf("words[%d]", len(a.Words))
	default:
		return fmt.Sprintf("Attr(%d)", a.Kind)
	}
}
