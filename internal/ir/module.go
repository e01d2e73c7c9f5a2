package ir

import "numir/internal/types"

// Module is a compilation unit: a set of functions plus module attributes
// (serialized shader binaries land here).
type Module struct {
	Name  string
	Types *types.Interner

	Funcs      []*Func
	FuncByName map[string]FuncID

	Attrs []NamedAttr
}

// NewModule constructs an empty module sharing the given type interner.
func NewModule(name string, in *types.Interner) *Module {
	return &Module{
		Name:       name,
		Types:      in,
		FuncByName: make(map[string]FuncID),
	}
}

// AddFunc registers a function and assigns its ID.
func (m *Module) AddFunc(f *Func) FuncID {
	id := FuncID(len(m.Funcs))
	f.ID = id
	m.Funcs = append(m.Funcs, f)
	m.FuncByName[f.Name] = id
	return id
}

// Func returns the function with the given ID, nil if out of range.
func (m *Module) Func(id FuncID) *Func {
	if id < 0 || int(id) >= len(m.Funcs) {
		return nil
	}
	return m.Funcs[id]
}

// Lookup returns the function with the given name.
func (m *Module) Lookup(name string) *Func {
	id, ok := m.FuncByName[name]
	if !ok {
		return nil
	}
	return m.Funcs[id]
}

// Attr returns the named module attribute, false if absent.
func (m *Module) Attr(name string) (Attr, bool) {
	for i := range m.Attrs {
		if m.Attrs[i].Name == name {
			return m.Attrs[i].Attr, true
		}
	}
	return Attr{}, false
}

// SetAttr adds or replaces a module attribute.
func (m *Module) SetAttr(name string, a Attr) {
	for i := range m.Attrs {
		if m.Attrs[i].Name == name {
			m.Attrs[i].Attr = a
			return
		}
	}
	m.Attrs = append(m.Attrs, NamedAttr{Name: name, Attr: a})
}
