package ir

// Op is a single operation. Operands and results are function-scoped SSA
// values; structured ops carry nested regions.
type Op struct {
	Kind     OpKind
	Operands []ValueID
	Results  []ValueID
	Attrs    []NamedAttr
	Regions  []Region
	Loc      Location
}

// Region is a list of blocks owned by a structured op. Block IDs and
// terminator targets are local to the region; values are function-scoped.
type Region struct {
	Blocks []*Block
}

// Entry returns the region's entry block, nil if the region is empty.
func (r *Region) Entry() *Block {
	if r == nil || len(r.Blocks) == 0 {
		return nil
	}
	return r.Blocks[0]
}

// Block returns the block with the given region-local ID.
func (r *Region) Block(id BlockID) *Block {
	if id < 0 || int(id) >= len(r.Blocks) {
		return nil
	}
	return r.Blocks[id]
}

// Attr returns the named attribute, false if absent.
func (o *Op) Attr(name string) (Attr, bool) {
	for i := range o.Attrs {
		if o.Attrs[i].Name == name {
			return o.Attrs[i].Attr, true
		}
	}
	return Attr{}, false
}

// IntAttrOr returns the named integer attribute or def.
func (o *Op) IntAttrOr(name string, def int64) int64 {
	if a, ok := o.Attr(name); ok && a.Kind == AttrInt {
		return a.Int
	}
	return def
}

// StringAttrOr returns the named string attribute or def.
func (o *Op) StringAttrOr(name, def string) string {
	if a, ok := o.Attr(name); ok && a.Kind == AttrString {
		return a.Str
	}
	return def
}

// HasAttr reports whether the named attribute is present.
func (o *Op) HasAttr(name string) bool {
	_, ok := o.Attr(name)
	return ok
}

// SetAttr adds or replaces the named attribute.
func (o *Op) SetAttr(name string, a Attr) {
	for i := range o.Attrs {
		if o.Attrs[i].Name == name {
			o.Attrs[i].Attr = a
			return
		}
	}
	o.Attrs = append(o.Attrs, NamedAttr{Name: name, Attr: a})
}

// Result returns the single result of the op. Panics if the op does not
// produce exactly one result.
func (o *Op) Result() ValueID {
	if len(o.Results) != 1 {
		panic("ir: op " + o.Kind.String() + " does not have exactly one result")
	}
	return o.Results[0]
}
