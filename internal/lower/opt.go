package lower

import (
	"fmt"

	"numir/internal/ir"
)

// inlineBudget bounds how many calls one function absorbs, so chains of
// force_inline callees terminate even when they call each other.
const inlineBudget = 64

// OptimizeFunc applies the attribute-gated rewrites that run after
// conversion: fastmath strength reduction and inlining of callees marked
// force_inline. Functions compiled at opt level zero are left alone.
func OptimizeFunc(ctx *Context) error {
	if funcOptLevel(ctx.Fn) == 0 {
		return nil
	}
	var pats []Pattern
	if _, ok := ctx.Fn.Attr(ir.AttrNameFastMath); ok {
		pats = append(pats, powSquarePattern())
	}
	pats = append(pats, inlinePattern())
	_, err := applyGreedy(ctx, pats)
	return err
}

// funcOptLevel reads the opt_level attribute; unstamped functions optimize.
func funcOptLevel(f *ir.Func) int {
	if a, ok := f.Attr(ir.AttrNameOptLevel); ok && a.Kind == ir.AttrInt {
		return int(a.Int)
	}
	return 1
}

// powSquarePattern rewrites math.powf(x, 2.0) into x*x.
func powSquarePattern() Pattern {
	return Pattern{
		Name:  "fastmath-pow-square",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpMathPowF },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			exp := findDef(ctx.Fn, op.Operands[1])
			if exp == nil || exp.Kind != ir.OpArithConstant {
				return nil, false, nil
			}
			a, ok := exp.Attr(ir.AttrNameValue)
			if !ok || a.Kind != ir.AttrFloat || a.Float != 2 {
				return nil, false, nil
			}
			t := ctx.Fn.ValueType(op.Result())
			x := op.Operands[0]
			return []ir.ValueID{b.Op1(ir.OpArithMulF, t, x, x)}, true, nil
		},
	}
}

// inlinePattern splices the body of a force_inline callee in place of the
// call. Only single-block bodies ending in a return are inlined; the budget
// keeps mutually recursive callees from rewriting forever.
func inlinePattern() Pattern {
	budget := inlineBudget
	return Pattern{
		Name: "force-inline",
		Match: func(ctx *Context, op *ir.Op) bool {
			return budget > 0 && op.Kind == ir.OpFuncCall && inlinableCallee(ctx, op) != nil
		},
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			callee := inlinableCallee(ctx, op)
			if callee == nil {
				return nil, false, nil
			}
			budget--
			return inlineBody(ctx, b, op, callee)
		},
	}
}

func inlinableCallee(ctx *Context, op *ir.Op) *ir.Func {
	f := ctx.Module.Lookup(op.StringAttrOr(ir.AttrNameCallee, ""))
	if f == nil || f.Decl || f == ctx.Fn {
		return nil
	}
	if _, ok := f.Attr(ir.AttrNameForceInline); !ok {
		return nil
	}
	if len(f.Body.Blocks) != 1 || f.Body.Blocks[0].Term.Kind != ir.TermReturn {
		return nil
	}
	return f
}

// inlineBody clones the callee's entry block into the scratch block,
// renumbering every callee value into the caller's value space.
func inlineBody(ctx *Context, b *ir.Builder, call *ir.Op, callee *ir.Func) ([]ir.ValueID, bool, error) {
	entry := callee.Entry()
	if len(entry.Params) != len(call.Operands) {
		return nil, false, fmt.Errorf("inline %s: %d arguments for %d parameters",
			callee.Name, len(call.Operands), len(entry.Params))
	}
	ret := entry.Term.Return.Values
	if len(ret) != len(call.Results) {
		return nil, false, fmt.Errorf("inline %s: %d returned values for %d results",
			callee.Name, len(ret), len(call.Results))
	}

	vmap := make(map[ir.ValueID]ir.ValueID, len(entry.Params))
	for i, p := range entry.Params {
		vmap[p] = call.Operands[i]
	}
	mapv := func(v ir.ValueID) ir.ValueID {
		if nv, ok := vmap[v]; ok {
			return nv
		}
		nv := ctx.Fn.NewValue(callee.ValueType(v))
		vmap[v] = nv
		return nv
	}
	for i := range entry.Ops {
		b.Emit(cloneOp(&entry.Ops[i], mapv))
	}
	repl := make([]ir.ValueID, len(ret))
	for i, v := range ret {
		repl[i] = mapv(v)
	}
	return repl, true, nil
}

func cloneValues(vs []ir.ValueID, mapv func(ir.ValueID) ir.ValueID) []ir.ValueID {
	if vs == nil {
		return nil
	}
	out := make([]ir.ValueID, len(vs))
	for i, v := range vs {
		out[i] = mapv(v)
	}
	return out
}

func cloneOp(op *ir.Op, mapv func(ir.ValueID) ir.ValueID) ir.Op {
	out := ir.Op{
		Kind:     op.Kind,
		Operands: cloneValues(op.Operands, mapv),
		Results:  cloneValues(op.Results, mapv),
		Attrs:    append([]ir.NamedAttr(nil), op.Attrs...),
		Loc:      op.Loc,
	}
	if len(op.Regions) > 0 {
		out.Regions = make([]ir.Region, len(op.Regions))
		for i := range op.Regions {
			out.Regions[i] = cloneRegion(&op.Regions[i], mapv)
		}
	}
	return out
}

func cloneRegion(r *ir.Region, mapv func(ir.ValueID) ir.ValueID) ir.Region {
	out := ir.Region{Blocks: make([]*ir.Block, len(r.Blocks))}
	for i, blk := range r.Blocks {
		nb := &ir.Block{
			ID:     blk.ID,
			Params: cloneValues(blk.Params, mapv),
			Term:   blk.Term,
		}
		switch nb.Term.Kind {
		case ir.TermBr:
			nb.Term.Br.Args = cloneValues(blk.Term.Br.Args, mapv)
		case ir.TermCondBr:
			nb.Term.CondBr.Cond = mapv(blk.Term.CondBr.Cond)
			nb.Term.CondBr.TrueArgs = cloneValues(blk.Term.CondBr.TrueArgs, mapv)
			nb.Term.CondBr.FalseArgs = cloneValues(blk.Term.CondBr.FalseArgs, mapv)
		case ir.TermReturn:
			nb.Term.Return.Values = cloneValues(blk.Term.Return.Values, mapv)
		}
		nb.Ops = make([]ir.Op, len(blk.Ops))
		for j := range blk.Ops {
			nb.Ops[j] = cloneOp(&blk.Ops[j], mapv)
		}
		out.Blocks[i] = nb
	}
	return out
}
