package ir

import (
	"fmt"

	"fortio.org/safecast"

	"numir/internal/types"
)

// ValueInfo records per-value metadata. Values are created once and typed
// for their whole lifetime; passes that change a value's type create a new
// value and rewrite uses.
type ValueInfo struct {
	Type types.TypeID
	Loc  Location
}

// Func is a function: a value table plus a body region. The entry block's
// params are the function arguments.
type Func struct {
	ID   FuncID
	Name string
	// Type is the interned function signature.
	Type types.TypeID

	Values []ValueInfo
	Body   Region
	Attrs  []NamedAttr

	// Decl marks an external declaration without a body.
	Decl bool
}

// NewValue allocates a value of the given type.
func (f *Func) NewValue(t types.TypeID) ValueID {
	n, err := safecast.Conv[int32](len(f.Values))
	if err != nil {
		panic(fmt.Sprintf("ir: value table overflow: %v", err))
	}
	f.Values = append(f.Values, ValueInfo{Type: t})
	return ValueID(n)
}

// ValueType returns the type of v, NoTypeID if v is out of range.
func (f *Func) ValueType(v ValueID) types.TypeID {
	if v < 0 || int(v) >= len(f.Values) {
		return types.NoTypeID
	}
	return f.Values[v].Type
}

// SetValueType retypes v in place.
func (f *Func) SetValueType(v ValueID, t types.TypeID) {
	if v >= 0 && int(v) < len(f.Values) {
		f.Values[v].Type = t
	}
}

// Entry returns the function's entry block, nil for declarations.
func (f *Func) Entry() *Block {
	return f.Body.Entry()
}

// Attr returns the named function attribute, false if absent.
func (f *Func) Attr(name string) (Attr, bool) {
	for i := range f.Attrs {
		if f.Attrs[i].Name == name {
			return f.Attrs[i].Attr, true
		}
	}
	return Attr{}, false
}

// SetAttr adds or replaces a function attribute.
func (f *Func) SetAttr(name string, a Attr) {
	for i := range f.Attrs {
		if f.Attrs[i].Name == name {
			f.Attrs[i].Attr = a
			return
		}
	}
	f.Attrs = append(f.Attrs, NamedAttr{Name: name, Attr: a})
}

// IsKernel reports whether the function is a device kernel.
func (f *Func) IsKernel() bool {
	_, ok := f.Attr(AttrNameKernel)
	return ok
}
