// Package typeconv maps abstract frontend types onto concrete numeric types
// through an ordered rule registry.
package typeconv

import "numir/internal/types"

// Rule attempts to convert one type. Returning ok=false passes the type to
// the next rule.
type Rule func(in *types.Interner, t types.TypeID) (types.TypeID, bool)

// Registry is an ordered list of conversion rules. Rules added later take
// priority, so callers can override the defaults without removing them.
type Registry struct {
	rules []Rule
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a rule with priority over all existing rules.
func (r *Registry) Add(rule Rule) {
	r.rules = append(r.rules, rule)
}

// Convert resolves t through the registry, newest rule first. A rule that
// returns the input type unchanged marks it as already legal. Returns
// ok=false when no rule applies.
func (r *Registry) Convert(in *types.Interner, t types.TypeID) (types.TypeID, bool) {
	for i := len(r.rules) - 1; i >= 0; i-- {
		if res, ok := r.rules[i](in, t); ok {
			return res, true
		}
	}
	return types.NoTypeID, false
}

// ConvertAll resolves a slice of types, failing if any element fails.
func (r *Registry) ConvertAll(in *types.Interner, ts []types.TypeID) ([]types.TypeID, bool) {
	out := make([]types.TypeID, len(ts))
	for i, t := range ts {
		res, ok := r.Convert(in, t)
		if !ok {
			return nil, false
		}
		out[i] = res
	}
	return out, true
}

// IsLegal reports whether t converts to itself.
func (r *Registry) IsLegal(in *types.Interner, t types.TypeID) bool {
	res, ok := r.Convert(in, t)
	return ok && res == t
}

// NewDefaultRegistry builds the standard rule stack: concrete numeric types
// pass through, python names resolve to their numeric counterparts, tuples
// convert elementwise.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add(identityRule)
	r.Add(PythonNameRule)
	// The tuple rule resolves elements through r itself, so overrides added
	// later apply inside tuples too.
	r.Add(TupleRule(r))
	return r
}

// identityRule accepts types that are already concrete.
func identityRule(in *types.Interner, t types.TypeID) (types.TypeID, bool) {
	switch in.Kind(t) {
	case types.KindInteger, types.KindFloat, types.KindIndex, types.KindComplex,
		types.KindNone, types.KindMemRef, types.KindFunc:
		return t, true
	}
	return types.NoTypeID, false
}

// TupleRule converts tuple types elementwise through reg. Fails when any
// element has no conversion, so partially convertible tuples stay illegal.
func TupleRule(reg *Registry) Rule {
	return func(in *types.Interner, t types.TypeID) (types.TypeID, bool) {
		info, ok := in.TupleInfo(t)
		if !ok {
			return types.NoTypeID, false
		}
		elems := make([]types.TypeID, len(info.Elems))
		changed := false
		for i, e := range info.Elems {
			res, ok := reg.Convert(in, e)
			if !ok {
				return types.NoTypeID, false
			}
			if res != e {
				changed = true
			}
			elems[i] = res
		}
		if !changed {
			return t, true
		}
		return in.InternTuple(elems), true
	}
}
