package types

import (
	"fmt"
	"strings"

	"fortio.org/safecast"
)

// Builtins stores TypeIDs for the types every pipeline stage needs.
type Builtins struct {
	Invalid    TypeID
	None       TypeID
	I1         TypeID
	I32        TypeID
	I64        TypeID
	SI64       TypeID
	UI64       TypeID
	F16        TypeID
	F32        TypeID
	F64        TypeID
	Index      TypeID
	Complex64  TypeID // complex over f32
	Complex128 TypeID // complex over f64
}

// MemRefInfo describes a shaped buffer view. A layout with nil Strides is
// the identity (row-major, zero offset) layout.
type MemRefInfo struct {
	Shape   []int64
	Elem    TypeID
	Strides []int64 // per-dim strides, DynamicDim for unknown
	Offset  int64   // DynamicDim for unknown
	Space   MemorySpace
}

// MemorySpace tags where a buffer lives.
type MemorySpace uint8

const (
	SpaceHost MemorySpace = iota
	SpaceDevice
	SpaceShared
)

// IdentityLayout reports whether the memref uses the default row-major
// layout with zero offset.
func (m MemRefInfo) IdentityLayout() bool {
	return m.Strides == nil && m.Offset == 0
}

// Rank returns the number of dimensions.
func (m MemRefInfo) Rank() int { return len(m.Shape) }

// TupleInfo lists tuple element types.
type TupleInfo struct {
	Elems []TypeID
}

// FuncInfo describes a function signature.
type FuncInfo struct {
	Params  []TypeID
	Results []TypeID
}

// OmittedInfo carries the default literal of an omitted argument: the type
// the literal would have and its bit pattern (integer or float payload).
type OmittedInfo struct {
	Literal TypeID
	IsFloat bool
	Int     int64
	Float   float64
}

type typeKey struct {
	kind Kind
	elem TypeID
	w    Width
	s    Signedness
	name string
	side uint32
}

// Interner provides stable TypeIDs by hashing structural descriptors.
type Interner struct {
	types    []Type
	index    map[typeKey]TypeID
	builtins Builtins

	memrefs  []MemRefInfo
	tuples   []TupleInfo
	funcs    []FuncInfo
	omitted  []OmittedInfo
	sideOf   map[TypeID]uint32
	memKeys  map[string]TypeID
	tupKeys  map[string]TypeID
	funcKeys map[string]TypeID
	omitKeys map[string]TypeID
}

// NewInterner constructs an interner seeded with built-in numeric types.
func NewInterner() *Interner {
	in := &Interner{
		index:    make(map[typeKey]TypeID, 64),
		sideOf:   make(map[TypeID]uint32),
		memKeys:  make(map[string]TypeID),
		tupKeys:  make(map[string]TypeID),
		funcKeys: make(map[string]TypeID),
		omitKeys: make(map[string]TypeID),
	}
	// Reserve index 0 in side tables as an invalid sentinel.
	in.memrefs = append(in.memrefs, MemRefInfo{})
	in.tuples = append(in.tuples, TupleInfo{})
	in.funcs = append(in.funcs, FuncInfo{})
	in.omitted = append(in.omitted, OmittedInfo{})

	in.builtins.Invalid = in.internRaw(Type{Kind: KindInvalid})
	in.builtins.None = in.Intern(Type{Kind: KindNone})
	in.builtins.I1 = in.Intern(MakeSignless(Width1))
	in.builtins.I32 = in.Intern(MakeSignless(Width32))
	in.builtins.I64 = in.Intern(MakeSignless(Width64))
	in.builtins.SI64 = in.Intern(MakeInt(Width64, Signed))
	in.builtins.UI64 = in.Intern(MakeInt(Width64, Unsigned))
	in.builtins.F16 = in.Intern(MakeFloat(Width16))
	in.builtins.F32 = in.Intern(MakeFloat(Width32))
	in.builtins.F64 = in.Intern(MakeFloat(Width64))
	in.builtins.Index = in.Intern(Type{Kind: KindIndex})
	in.builtins.Complex64 = in.Intern(MakeComplex(in.builtins.F32))
	in.builtins.Complex128 = in.Intern(MakeComplex(in.builtins.F64))
	return in
}

// Builtins returns TypeIDs for the seeded types.
func (in *Interner) Builtins() Builtins { return in.builtins }

func (in *Interner) internRaw(t Type) TypeID {
	lenTypes, err := safecast.Conv[uint32](len(in.types))
	if err != nil {
		panic(fmt.Sprintf("type interner overflow: %v", err))
	}
	id := TypeID(lenTypes)
	in.types = append(in.types, t)
	return id
}

// Intern returns a stable TypeID for a descriptor without side tables.
func (in *Interner) Intern(t Type) TypeID {
	key := typeKey{kind: t.Kind, elem: t.Elem, w: t.Width, s: t.Sign, name: t.Name}
	if id, ok := in.index[key]; ok {
		return id
	}
	id := in.internRaw(t)
	in.index[key] = id
	return id
}

// Lookup returns the descriptor for id.
func (in *Interner) Lookup(id TypeID) (Type, bool) {
	if int(id) >= len(in.types) {
		return Type{}, false
	}
	return in.types[id], true
}

// Kind returns the kind of id, KindInvalid if unknown.
func (in *Interner) Kind(id TypeID) Kind {
	t, ok := in.Lookup(id)
	if !ok {
		return KindInvalid
	}
	return t.Kind
}

func sideIndex(in *Interner, n int) uint32 {
	idx, err := safecast.Conv[uint32](n)
	if err != nil {
		panic(fmt.Sprintf("type interner overflow: %v", err))
	}
	return idx
}

// InternMemRef interns a memref type described by info.
func (in *Interner) InternMemRef(info MemRefInfo) TypeID {
	key := fmt.Sprintf("%v|%d|%v|%d|%d", info.Shape, info.Elem, info.Strides, info.Offset, info.Space)
	if id, ok := in.memKeys[key]; ok {
		return id
	}
	side := sideIndex(in, len(in.memrefs))
	in.memrefs = append(in.memrefs, info)
	id := in.internRaw(Type{Kind: KindMemRef, Elem: info.Elem})
	in.sideOf[id] = side
	in.memKeys[key] = id
	return id
}

// MemRefInfo returns the memref descriptor for id.
func (in *Interner) MemRefInfo(id TypeID) (MemRefInfo, bool) {
	if in.Kind(id) != KindMemRef {
		return MemRefInfo{}, false
	}
	return in.memrefs[in.sideOf[id]], true
}

// InternTuple interns a tuple type.
func (in *Interner) InternTuple(elems []TypeID) TypeID {
	key := fmt.Sprintf("%v", elems)
	if id, ok := in.tupKeys[key]; ok {
		return id
	}
	side := sideIndex(in, len(in.tuples))
	in.tuples = append(in.tuples, TupleInfo{Elems: append([]TypeID(nil), elems...)})
	id := in.internRaw(Type{Kind: KindTuple})
	in.sideOf[id] = side
	in.tupKeys[key] = id
	return id
}

// TupleInfo returns tuple element types for id.
func (in *Interner) TupleInfo(id TypeID) (TupleInfo, bool) {
	if in.Kind(id) != KindTuple {
		return TupleInfo{}, false
	}
	return in.tuples[in.sideOf[id]], true
}

// InternFunc interns a function signature.
func (in *Interner) InternFunc(params, results []TypeID) TypeID {
	key := fmt.Sprintf("%v->%v", params, results)
	if id, ok := in.funcKeys[key]; ok {
		return id
	}
	side := sideIndex(in, len(in.funcs))
	in.funcs = append(in.funcs, FuncInfo{
		Params:  append([]TypeID(nil), params...),
		Results: append([]TypeID(nil), results...),
	})
	id := in.internRaw(Type{Kind: KindFunc})
	in.sideOf[id] = side
	in.funcKeys[key] = id
	return id
}

// FuncInfo returns the signature for id.
func (in *Interner) FuncInfo(id TypeID) (FuncInfo, bool) {
	if in.Kind(id) != KindFunc {
		return FuncInfo{}, false
	}
	return in.funcs[in.sideOf[id]], true
}

// InternOmitted interns an omitted-argument type carrying a default literal.
func (in *Interner) InternOmitted(info OmittedInfo) TypeID {
	key := fmt.Sprintf("%d|%v|%d|%g", info.Literal, info.IsFloat, info.Int, info.Float)
	if id, ok := in.omitKeys[key]; ok {
		return id
	}
	side := sideIndex(in, len(in.omitted))
	in.omitted = append(in.omitted, info)
	id := in.internRaw(Type{Kind: KindOmitted})
	in.sideOf[id] = side
	in.omitKeys[key] = id
	return id
}

// OmittedInfo returns the default literal descriptor for id.
func (in *Interner) OmittedInfo(id TypeID) (OmittedInfo, bool) {
	if in.Kind(id) != KindOmitted {
		return OmittedInfo{}, false
	}
	return in.omitted[in.sideOf[id]], true
}

// String renders a type for dumps and error messages.
func (in *Interner) String(id TypeID) string {
	t, ok := in.Lookup(id)
	if !ok {
		return fmt.Sprintf("?%d", id)
	}
	switch t.Kind {
	case KindInteger:
		return fmt.Sprintf("%s%d", t.Sign, t.Width)
	case KindFloat:
		return fmt.Sprintf("f%d", t.Width)
	case KindIndex:
		return "index"
	case KindNone:
		return "none"
	case KindComplex:
		return fmt.Sprintf("complex<%s>", in.String(t.Elem))
	case KindPython:
		return fmt.Sprintf("py<%s>", t.Name)
	case KindTuple:
		info, _ := in.TupleInfo(id)
		parts := make([]string, len(info.Elems))
		for i, e := range info.Elems {
			parts[i] = in.String(e)
		}
		return "tuple<" + strings.Join(parts, ", ") + ">"
	case KindMemRef:
		info, _ := in.MemRefInfo(id)
		var sb strings.Builder
		sb.WriteString("memref<")
		for _, d := range info.Shape {
			if d == DynamicDim {
				sb.WriteString("?x")
			} else {
				fmt.Fprintf(&sb, "%dx", d)
			}
		}
		sb.WriteString(in.String(info.Elem))
		if !info.IdentityLayout() {
			fmt.Fprintf(&sb, ", strided<%v, offset: %d>", info.Strides, info.Offset)
		}
		if info.Space != SpaceHost {
			fmt.Fprintf(&sb, ", space %d", info.Space)
		}
		sb.WriteString(">")
		return sb.String()
	case KindFunc:
		info, _ := in.FuncInfo(id)
		params := make([]string, len(info.Params))
		for i, p := range info.Params {
			params[i] = in.String(p)
		}
		results := make([]string, len(info.Results))
		for i, r := range info.Results {
			results[i] = in.String(r)
		}
		return "(" + strings.Join(params, ", ") + ") -> (" + strings.Join(results, ", ") + ")"
	case KindOmitted:
		return "omitted"
	default:
		return t.Kind.String()
	}
}
