package lower

import (
	"fmt"
	"strings"

	"numir/internal/cast"
	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// callPattern resolves abstract calls. Known builtins lower inline; anything
// else becomes a func.call against a declaration synthesized on demand.
func callPattern() Pattern {
	return Pattern{
		Name:  "plier.call",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierCall },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			callee := findDef(ctx.Fn, op.Operands[0])
			if callee == nil || callee.Kind != ir.OpPlierGlobal {
				diag.Errorf(ctx.Reporter, diag.LowerUnresolvedCall, ctx.Fn.Name, op.Loc.Line,
					"indirect call target")
				return nil, false, fmt.Errorf("indirect call target")
			}
			name := callee.StringAttrOr(ir.AttrNameName, "")
			args := op.Operands[1:]

			switch name {
			case "range", "prange", "slice":
				// A live range or slice call means loop structure only became
				// visible after type resolution. Leave it for a rerun.
				ctx.RerunSCF = true
				return nil, false, nil
			case "bool", "int", "float":
				return lowerConvCall(ctx, b, op, name, args)
			case "abs":
				return lowerAbsCall(ctx, b, op, args)
			case "len":
				return lowerLenCall(ctx, b, op, args)
			}
			return lowerExternCall(ctx, b, op, name, args)
		},
	}
}

// lowerConvCall handles bool/int/float conversions as casts to the call's
// resolved result type.
func lowerConvCall(ctx *Context, b *ir.Builder, op *ir.Op, name string, args []ir.ValueID) ([]ir.ValueID, bool, error) {
	if len(args) != 1 {
		return nil, false, fmt.Errorf("%s() takes one argument, got %d", name, len(args))
	}
	src := ctx.Fn.ValueType(args[0])
	dst := ctx.Fn.ValueType(op.Result())
	if !concrete(ctx, src) || !concrete(ctx, dst) {
		return nil, false, nil
	}
	if !cast.CanCast(ctx.Types, src, dst) {
		diag.Errorf(ctx.Reporter, diag.ConvUnsupportedCast, ctx.Fn.Name, op.Loc.Line,
			"%s(): cannot convert %s to %s", name, ctx.Types.String(src), ctx.Types.String(dst))
		return nil, false, fmt.Errorf("%s(): cannot convert %s to %s",
			name, ctx.Types.String(src), ctx.Types.String(dst))
	}
	r, err := cast.Cast(b, args[0], dst)
	if err != nil {
		return nil, false, err
	}
	return []ir.ValueID{r}, true, nil
}

// lowerAbsCall selects between the value and its negation.
func lowerAbsCall(ctx *Context, b *ir.Builder, op *ir.Op, args []ir.ValueID) ([]ir.ValueID, bool, error) {
	if len(args) != 1 {
		return nil, false, fmt.Errorf("abs() takes one argument, got %d", len(args))
	}
	in := ctx.Types
	v := args[0]
	vT := ctx.Fn.ValueType(v)
	if !concrete(ctx, vT) {
		return nil, false, nil
	}
	var res ir.ValueID
	switch in.Kind(vT) {
	case types.KindInteger, types.KindIndex:
		zero, bare := bareZero(b, vT)
		bv := v
		if bare != vT {
			bv = b.SignCast(bare, v)
		}
		neg := b.Op1(ir.OpArithSubI, bare, zero, bv)
		isNeg := b.CmpI(ir.CmpISlt, bv, zero)
		res = reSign(b, b.Select(isNeg, neg, bv), vT)
	case types.KindFloat:
		zero := b.ConstFloat(vT, 0)
		neg := b.Op1(ir.OpArithNegF, vT, v)
		isNeg := b.CmpF(ir.CmpFOlt, v, zero)
		res = b.Select(isNeg, neg, v)
	default:
		diag.Errorf(ctx.Reporter, diag.LowerBadOperandType, ctx.Fn.Name, op.Loc.Line,
			"abs() on %s", in.String(vT))
		return nil, false, fmt.Errorf("abs() on %s", in.String(vT))
	}
	want := ctx.Fn.ValueType(op.Result())
	if ctx.Fn.ValueType(res) != want && concrete(ctx, want) {
		r, err := cast.Cast(b, res, want)
		if err != nil {
			return nil, false, err
		}
		res = r
	}
	return []ir.ValueID{res}, true, nil
}

// lowerLenCall turns len(buffer) into memref.dim along the leading axis.
func lowerLenCall(ctx *Context, b *ir.Builder, op *ir.Op, args []ir.ValueID) ([]ir.ValueID, bool, error) {
	if len(args) != 1 {
		return nil, false, fmt.Errorf("len() takes one argument, got %d", len(args))
	}
	in := ctx.Types
	vT := ctx.Fn.ValueType(args[0])
	if !concrete(ctx, vT) {
		return nil, false, nil
	}
	if _, ok := in.MemRefInfo(vT); !ok {
		diag.Errorf(ctx.Reporter, diag.LowerBadOperandType, ctx.Fn.Name, op.Loc.Line,
			"len() on %s", in.String(vT))
		return nil, false, fmt.Errorf("len() on %s", in.String(vT))
	}
	axis := b.ConstIndex(0)
	d := b.Op1(ir.OpMemRefDim, in.Builtins().Index, args[0], axis)
	want := ctx.Fn.ValueType(op.Result())
	if want != in.Builtins().Index && concrete(ctx, want) {
		r, err := cast.Cast(b, d, want)
		if err != nil {
			return nil, false, err
		}
		return []ir.ValueID{r}, true, nil
	}
	return []ir.ValueID{d}, true, nil
}

// lowerExternCall emits func.call against a declaration looked up by mangled
// name, synthesizing the declaration on first use. Argument and result
// mismatches get implicit casts.
func lowerExternCall(ctx *Context, b *ir.Builder, op *ir.Op, name string, args []ir.ValueID) ([]ir.ValueID, bool, error) {
	in := ctx.Types
	argTs := make([]types.TypeID, len(args))
	for i, a := range args {
		argTs[i] = ctx.Fn.ValueType(a)
		if !concrete(ctx, argTs[i]) {
			return nil, false, nil
		}
	}
	resT := ctx.Fn.ValueType(op.Result())
	if !concrete(ctx, resT) {
		diag.Errorf(ctx.Reporter, diag.LowerUnresolvedCall, ctx.Fn.Name, op.Loc.Line,
			"call to %q has unresolved result type", name)
		return nil, false, fmt.Errorf("call to %q has unresolved result type", name)
	}

	mangled := mangleName(in, name, argTs)
	decl := ctx.Module.Lookup(mangled)
	if decl == nil {
		decl = &ir.Func{
			Name: mangled,
			Type: in.InternFunc(argTs, []types.TypeID{resT}),
			Decl: true,
		}
		ctx.Module.AddFunc(decl)
	}
	info, ok := in.FuncInfo(decl.Type)
	if !ok || len(info.Params) != len(args) {
		diag.Errorf(ctx.Reporter, diag.LowerUnresolvedCall, ctx.Fn.Name, op.Loc.Line,
			"call to %q: arity mismatch", name)
		return nil, false, fmt.Errorf("call to %q: arity mismatch", name)
	}

	callArgs := make([]ir.ValueID, len(args))
	for i, a := range args {
		if argTs[i] != info.Params[i] {
			v, err := cast.Cast(b, a, info.Params[i])
			if err != nil {
				return nil, false, err
			}
			callArgs[i] = v
			continue
		}
		callArgs[i] = a
	}
	declRes := resT
	if len(info.Results) == 1 {
		declRes = info.Results[0]
	}
	res := b.Op1(ir.OpFuncCall, declRes, callArgs...)
	b.Last().SetAttr(ir.AttrNameCallee, ir.StringAttr(mangled))
	if declRes != resT {
		r, err := cast.Cast(b, res, resT)
		if err != nil {
			return nil, false, err
		}
		res = r
	}
	return []ir.ValueID{res}, true, nil
}

// mangleName keys declarations by callee name and argument types so the
// same source name can bind different overloads.
func mangleName(in *types.Interner, name string, argTs []types.TypeID) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('(')
	for i, t := range argTs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(in.String(t))
	}
	sb.WriteByte(')')
	return sb.String()
}
