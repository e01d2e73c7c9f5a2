package types

import "fmt"

// TypeID uniquely identifies a type inside the interner.
type TypeID uint32

// NoTypeID marks the absence of a type.
const NoTypeID TypeID = 0

// Kind enumerates all supported kinds of types.
type Kind uint8

const (
	KindInvalid Kind = iota
	// KindNone is the unit/None type.
	KindNone
	// KindInteger covers all integer types, including i1 used as bool.
	KindInteger
	// KindFloat covers f16/f32/f64.
	KindFloat
	// KindIndex is the platform-sized index type.
	KindIndex
	// KindComplex is a complex number over a float element type.
	KindComplex
	// KindTuple is a fixed heterogeneous aggregate.
	KindTuple
	// KindMemRef is a shaped buffer view with layout.
	KindMemRef
	// KindFunc is a function signature.
	KindFunc
	// KindPython is an abstract, unresolved source-level type carrying only
	// its name. Everything entering the pipeline starts as one of these.
	KindPython
	// KindOmitted is an omitted default argument carrying its literal value.
	KindOmitted
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNone:
		return "none"
	case KindInteger:
		return "int"
	case KindFloat:
		return "float"
	case KindIndex:
		return "index"
	case KindComplex:
		return "complex"
	case KindTuple:
		return "tuple"
	case KindMemRef:
		return "memref"
	case KindFunc:
		return "func"
	case KindPython:
		return "python"
	case KindOmitted:
		return "omitted"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Signedness distinguishes the three integer flavors. Arithmetic ops only
// accept signless integers; sign is attached and stripped via explicit
// sign_cast operations during lowering.
type Signedness uint8

const (
	Signless Signedness = iota
	Signed
	Unsigned
)

func (s Signedness) String() string {
	switch s {
	case Signed:
		return "si"
	case Unsigned:
		return "ui"
	default:
		return "i"
	}
}

// Width captures the precision of integers/floats in bits.
type Width uint8

const (
	Width1  Width = 1
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

// DynamicDim marks a dynamically sized memref dimension.
const DynamicDim int64 = -1

// Type is a compact descriptor for any supported type.
type Type struct {
	Kind Kind
	Elem TypeID // complex element, memref element

	Width Width      // integers and floats
	Sign  Signedness // integers

	Name string // python types
}

// Descriptor helpers ---------------------------------------------------------

// MakeInt describes an integer of the given width and signedness.
func MakeInt(width Width, sign Signedness) Type {
	return Type{Kind: KindInteger, Width: width, Sign: sign}
}

// MakeSignless describes a signless integer of the given width.
func MakeSignless(width Width) Type {
	return Type{Kind: KindInteger, Width: width, Sign: Signless}
}

// MakeFloat describes a floating-point type.
func MakeFloat(width Width) Type {
	return Type{Kind: KindFloat, Width: width}
}

// MakeComplex describes a complex type over a float element.
func MakeComplex(elem TypeID) Type {
	return Type{Kind: KindComplex, Elem: elem}
}

// MakePython describes an abstract source-level type by name.
func MakePython(name string) Type {
	return Type{Kind: KindPython, Name: name}
}
