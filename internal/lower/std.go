package lower

import (
	"fmt"
	"math"

	"numir/internal/cast"
	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// ConvertToStd resolves abstract types through the registry and lowers the
// remaining abstract ops to arithmetic. Full conversion: any surviving
// abstract op is an error.
func ConvertToStd(ctx *Context) error {
	if err := convertSignature(ctx); err != nil {
		return err
	}
	retypeValues(ctx)

	patterns := []Pattern{
		argPattern(),
		constPattern(),
		globalPattern(),
		castPattern(),
		tupleGetItemPattern(),
		memrefGetItemPattern(),
		setItemPattern(),
		binOpPattern(),
		unaryOpPattern(),
		callPattern(),
	}
	if _, err := applyGreedy(ctx, patterns); err != nil {
		return err
	}
	for dcePass(ctx) {
	}
	legal := DialectLegal(
		ir.DialectArith, ir.DialectMath, ir.DialectComplex, ir.DialectSCF,
		ir.DialectMemRef, ir.DialectFunc, ir.DialectGPU, ir.DialectUtil,
	)
	// A pending structuring rerun legitimately leaves abstract loop ops
	// behind, so the full check waits for the next round.
	return runConversion(ctx, nil, legal, !ctx.RerunSCF)
}

// convertSignature rewrites the function type through the registry.
func convertSignature(ctx *Context) error {
	in := ctx.Types
	info, ok := in.FuncInfo(ctx.Fn.Type)
	if !ok {
		return fmt.Errorf("function %s: missing signature", ctx.Fn.Name)
	}
	params, ok := ctx.Registry.ConvertAll(in, info.Params)
	if !ok {
		return fmt.Errorf("function %s: parameter type has no conversion", ctx.Fn.Name)
	}
	results, ok := ctx.Registry.ConvertAll(in, info.Results)
	if !ok {
		return fmt.Errorf("function %s: result type has no conversion", ctx.Fn.Name)
	}
	ctx.Fn.Type = in.InternFunc(params, results)
	return nil
}

// retypeValues converts every value's type that the registry can resolve.
// Types with no rule stay abstract; they must end up dead.
func retypeValues(ctx *Context) {
	in := ctx.Types
	for i := range ctx.Fn.Values {
		t := ctx.Fn.Values[i].Type
		if res, ok := ctx.Registry.Convert(in, t); ok && res != t {
			ctx.Fn.Values[i].Type = res
		}
	}
}

// pureKinds lists ops safe to drop when unused. Abstract calls qualify only
// for known builtin callees, handled separately.
func isPure(ctx *Context, op *ir.Op) bool {
	switch ir.DialectOf(op.Kind) {
	case ir.DialectArith, ir.DialectMath, ir.DialectComplex:
		return true
	}
	switch op.Kind {
	case ir.OpPlierArg, ir.OpPlierConst, ir.OpPlierGlobal, ir.OpPlierCast,
		ir.OpPlierBuildTuple, ir.OpPlierGetItem, ir.OpPlierGetIter,
		ir.OpPlierGetAttr, ir.OpPlierUndef,
		ir.OpUtilSignCast, ir.OpUtilUndef:
		return true
	case ir.OpPlierCall:
		callee := findDef(ctx.Fn, op.Operands[0])
		if callee == nil || callee.Kind != ir.OpPlierGlobal {
			return false
		}
		switch callee.StringAttrOr(ir.AttrNameName, "") {
		case "range", "prange", "slice", "len", "bool", "int", "float", "abs":
			return true
		}
	}
	return false
}

// dcePass removes one sweep of dead pure ops. Returns whether it changed
// anything.
func dcePass(ctx *Context) bool {
	used := make(map[ir.ValueID]bool)
	ir.WalkOps(ctx.Fn, func(blk *ir.Block, op *ir.Op) bool {
		for _, o := range op.Operands {
			used[o] = true
		}
		return true
	})
	markTermUses(&ctx.Fn.Body, used)

	changed := false
	var prune func(r *ir.Region)
	prune = func(r *ir.Region) {
		for _, blk := range r.Blocks {
			kept := blk.Ops[:0]
			for i := range blk.Ops {
				op := blk.Ops[i]
				for j := range op.Regions {
					prune(&op.Regions[j])
				}
				dead := isPure(ctx, &op) && len(op.Results) > 0
				if dead {
					for _, res := range op.Results {
						if used[res] {
							dead = false
							break
						}
					}
				}
				if dead {
					changed = true
					continue
				}
				kept = append(kept, op)
			}
			blk.Ops = kept
		}
	}
	prune(&ctx.Fn.Body)
	return changed
}

func markTermUses(r *ir.Region, used map[ir.ValueID]bool) {
	for _, blk := range r.Blocks {
		for _, v := range termUses(&blk.Term) {
			used[v] = true
		}
		for i := range blk.Ops {
			for j := range blk.Ops[i].Regions {
				markTermUses(&blk.Ops[i].Regions[j], used)
			}
		}
	}
}

// findDef locates the defining op of v anywhere in the function.
func findDef(f *ir.Func, v ir.ValueID) *ir.Op {
	var def *ir.Op
	ir.WalkOps(f, func(_ *ir.Block, op *ir.Op) bool {
		for _, res := range op.Results {
			if res == v {
				def = op
				return false
			}
		}
		return true
	})
	return def
}

// argPattern forwards plier.arg to the entry block parameter, casting when
// the resolved type differs.
func argPattern() Pattern {
	return Pattern{
		Name:  "plier.arg",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierArg },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			idx := op.IntAttrOr(ir.AttrNameIndex, -1)
			entry := ctx.Fn.Entry()
			if idx < 0 || int(idx) >= len(entry.Params) {
				return nil, false, fmt.Errorf("argument index %d out of range", idx)
			}
			v := entry.Params[idx]
			want := ctx.Fn.ValueType(op.Result())
			if ctx.Fn.ValueType(v) != want {
				r, err := cast.Cast(b, v, want)
				if err != nil {
					return nil, false, err
				}
				return []ir.ValueID{r}, true, nil
			}
			return []ir.ValueID{v}, true, nil
		},
	}
}

// constPattern materializes literals at their resolved types. Integer
// constants are built signless and sign-cast to honor the signedness rules.
func constPattern() Pattern {
	return Pattern{
		Name:  "plier.const",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierConst },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			in := ctx.Types
			t := ctx.Fn.ValueType(op.Result())
			tt, ok := in.Lookup(t)
			if !ok {
				return nil, false, nil
			}
			switch tt.Kind {
			case types.KindInteger:
				a, _ := op.Attr(ir.AttrNameValue)
				if tt.Sign == types.Signless {
					return []ir.ValueID{b.ConstInt(t, a.Int)}, true, nil
				}
				bare := in.Intern(types.MakeSignless(tt.Width))
				v := b.ConstInt(bare, a.Int)
				return []ir.ValueID{b.SignCast(t, v)}, true, nil
			case types.KindIndex:
				a, _ := op.Attr(ir.AttrNameValue)
				return []ir.ValueID{b.ConstInt(t, a.Int)}, true, nil
			case types.KindFloat:
				a, _ := op.Attr(ir.AttrNameValue)
				f := a.Float
				if a.Kind == ir.AttrInt {
					f = float64(a.Int)
				}
				return []ir.ValueID{b.ConstFloat(t, f)}, true, nil
			case types.KindComplex:
				re, _ := op.Attr(ir.AttrNameValue)
				im, _ := op.Attr("imag")
				rv := b.ConstFloat(tt.Elem, re.Float)
				iv := b.ConstFloat(tt.Elem, im.Float)
				return []ir.ValueID{b.Op1(ir.OpComplexCreate, t, rv, iv)}, true, nil
			case types.KindNone:
				return []ir.ValueID{b.Op1(ir.OpUtilUndef, t)}, true, nil
			}
			return nil, false, nil
		},
	}
}

// castPattern lowers plier.cast between resolved types.
func castPattern() Pattern {
	return Pattern{
		Name:  "plier.cast",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierCast },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			src := ctx.Fn.ValueType(op.Operands[0])
			dst := ctx.Fn.ValueType(op.Result())
			if !concrete(ctx, src) || !concrete(ctx, dst) {
				return nil, false, nil
			}
			if src == dst {
				return []ir.ValueID{op.Operands[0]}, true, nil
			}
			if !cast.CanCast(ctx.Types, src, dst) {
				diag.Errorf(ctx.Reporter, diag.ConvUnsupportedCast, ctx.Fn.Name, op.Loc.Line,
					"cannot cast %s to %s", ctx.Types.String(src), ctx.Types.String(dst))
				return nil, false, fmt.Errorf("cannot cast %s to %s",
					ctx.Types.String(src), ctx.Types.String(dst))
			}
			r, err := cast.Cast(b, op.Operands[0], dst)
			if err != nil {
				return nil, false, err
			}
			return []ir.ValueID{r}, true, nil
		},
	}
}

// concrete reports whether t has left the abstract dialect.
func concrete(ctx *Context, t types.TypeID) bool {
	return ctx.Types.Kind(t) != types.KindPython
}

// tupleGetItemPattern folds getitem with a constant index on a build_tuple
// straight to the element.
func tupleGetItemPattern() Pattern {
	return Pattern{
		Name:  "plier.getitem(tuple)",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierGetItem },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			tup := findDef(ctx.Fn, op.Operands[0])
			if tup == nil || tup.Kind != ir.OpPlierBuildTuple {
				return nil, false, nil
			}
			idxOp := findDef(ctx.Fn, op.Operands[1])
			if idxOp == nil {
				return nil, false, nil
			}
			var idx int64
			switch idxOp.Kind {
			case ir.OpPlierConst, ir.OpArithConstant:
				a, ok := idxOp.Attr(ir.AttrNameValue)
				if !ok || a.Kind != ir.AttrInt {
					return nil, false, nil
				}
				idx = a.Int
			default:
				return nil, false, nil
			}
			if idx < 0 || int(idx) >= len(tup.Operands) {
				return nil, false, fmt.Errorf("tuple index %d out of range", idx)
			}
			elem := tup.Operands[idx]
			want := ctx.Fn.ValueType(op.Result())
			if ctx.Fn.ValueType(elem) != want && concrete(ctx, want) {
				r, err := cast.Cast(b, elem, want)
				if err != nil {
					return nil, false, err
				}
				return []ir.ValueID{r}, true, nil
			}
			return []ir.ValueID{elem}, true, nil
		},
	}
}

// subscriptIndices resolves a buffer subscript to index values, one per
// dimension. Multi-dimensional subscripts arrive as build_tuple values.
// ok=false means the subscript is not resolvable yet.
func subscriptIndices(ctx *Context, b *ir.Builder, info types.MemRefInfo, sub ir.ValueID) ([]ir.ValueID, bool, error) {
	in := ctx.Types
	idxT := in.Builtins().Index
	subT := ctx.Fn.ValueType(sub)
	if tinfo, isTuple := in.TupleInfo(subT); isTuple {
		tup := findDef(ctx.Fn, sub)
		if tup == nil || tup.Kind != ir.OpPlierBuildTuple {
			return nil, false, nil
		}
		if len(tinfo.Elems) != info.Rank() {
			return nil, false, fmt.Errorf("subscript rank %d for rank-%d buffer",
				len(tinfo.Elems), info.Rank())
		}
		indices := make([]ir.ValueID, 0, len(tup.Operands))
		for _, o := range tup.Operands {
			v, err := cast.Cast(b, o, idxT)
			if err != nil {
				return nil, false, err
			}
			indices = append(indices, v)
		}
		return indices, true, nil
	}
	if info.Rank() != 1 {
		return nil, false, fmt.Errorf("scalar subscript for rank-%d buffer", info.Rank())
	}
	v, err := cast.Cast(b, sub, idxT)
	if err != nil {
		return nil, false, err
	}
	return []ir.ValueID{v}, true, nil
}

// memrefGetItemPattern lowers getitem on a buffer to memref.load with an
// index-cast subscript.
func memrefGetItemPattern() Pattern {
	return Pattern{
		Name:  "plier.getitem(memref)",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierGetItem },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			in := ctx.Types
			mrT := ctx.Fn.ValueType(op.Operands[0])
			info, ok := in.MemRefInfo(mrT)
			if !ok {
				return nil, false, nil
			}
			indices, ok, err := subscriptIndices(ctx, b, info, op.Operands[1])
			if err != nil || !ok {
				return nil, ok, err
			}
			operands := append([]ir.ValueID{op.Operands[0]}, indices...)
			loaded := b.Op1(ir.OpMemRefLoad, info.Elem, operands...)
			want := ctx.Fn.ValueType(op.Result())
			if want != info.Elem && concrete(ctx, want) {
				r, err := cast.Cast(b, loaded, want)
				if err != nil {
					return nil, false, err
				}
				return []ir.ValueID{r}, true, nil
			}
			return []ir.ValueID{loaded}, true, nil
		},
	}
}

// setItemPattern lowers setitem on a buffer to memref.store. The stored
// value is cast to the element type.
func setItemPattern() Pattern {
	return Pattern{
		Name:  "plier.setitem",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierSetItem },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			in := ctx.Types
			mrT := ctx.Fn.ValueType(op.Operands[0])
			info, ok := in.MemRefInfo(mrT)
			if !ok {
				diag.Errorf(ctx.Reporter, diag.LowerBadOperandType, ctx.Fn.Name, op.Loc.Line,
					"setitem on %s", in.String(mrT))
				return nil, false, fmt.Errorf("setitem on %s", in.String(mrT))
			}
			indices, ok, err := subscriptIndices(ctx, b, info, op.Operands[1])
			if err != nil || !ok {
				return nil, ok, err
			}
			value := op.Operands[2]
			if ctx.Fn.ValueType(value) != info.Elem {
				value, err = cast.Cast(b, value, info.Elem)
				if err != nil {
					return nil, false, err
				}
			}
			b.Op0(ir.OpMemRefStore, append([]ir.ValueID{value, op.Operands[0]}, indices...)...)
			return nil, true, nil
		},
	}
}

// globalConsts maps the recognized module-level constants.
var globalConsts = map[string]float64{
	"math.pi": math.Pi,
	"math.e":  math.E,
}

// globalPattern materializes known global constants. Unknown globals stay
// put: callees are consumed by call lowering, anything else is caught by the
// final legality check.
func globalPattern() Pattern {
	return Pattern{
		Name:  "plier.global",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierGlobal },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			val, ok := globalConsts[op.StringAttrOr(ir.AttrNameName, "")]
			if !ok {
				return nil, false, nil
			}
			in := ctx.Types
			res := b.ConstFloat(in.Builtins().F64, val)
			want := ctx.Fn.ValueType(op.Result())
			if want != in.Builtins().F64 && concrete(ctx, want) {
				r, err := cast.Cast(b, res, want)
				if err != nil {
					return nil, false, err
				}
				res = r
			}
			return []ir.ValueID{res}, true, nil
		},
	}
}
