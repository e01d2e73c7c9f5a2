package lower

import (
	"fmt"

	"numir/internal/cast"
	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// category buckets the coerced operand type for table dispatch.
type category uint8

const (
	catInt category = iota
	catFloat
	catComplex
)

func categoryOf(in *types.Interner, t types.TypeID) (category, bool) {
	switch in.Kind(t) {
	case types.KindInteger, types.KindIndex:
		return catInt, true
	case types.KindFloat:
		return catFloat, true
	case types.KindComplex:
		return catComplex, true
	}
	return 0, false
}

// binHandler produces the result of one operator at one category. A nil
// entry means the (operator, category) pair is invalid and fails lowering.
type binHandler func(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error)

type binRow struct {
	i binHandler
	f binHandler
	c binHandler
}

// binTable mirrors the source-level operator set: arithmetic, bitwise,
// shifts, and the six comparisons, each with per-category columns.
var binTable map[string]binRow

func init() {
	binTable = map[string]binRow{
		"+":  {i: intAdd, f: floatArith(ir.OpArithAddF), c: complexArith(ir.OpComplexAdd)},
		"-":  {i: intSub, f: floatArith(ir.OpArithSubF), c: complexArith(ir.OpComplexSub)},
		"*":  {i: intMul, f: floatArith(ir.OpArithMulF), c: complexArith(ir.OpComplexMul)},
		"**": {i: intPow, f: floatPow, c: complexArith(ir.OpComplexPow)},
		"/":  {i: intTrueDiv, f: floatArith(ir.OpArithDivF), c: complexArith(ir.OpComplexDiv)},
		"//": {i: intFloorDiv, f: floatFloorDiv},
		"%":  {i: intMod, f: floatMod},
		"&":  {i: intBitwise(ir.OpArithAndI)},
		"|":  {i: intBitwise(ir.OpArithOrI)},
		"^":  {i: intBitwise(ir.OpArithXOrI)},
		">>": {i: intShiftRight},
		"<<": {i: intBitwise(ir.OpArithShLI)},

		"==": {i: intCmp(ir.CmpIEq, ir.CmpIEq), f: floatCmp(ir.CmpFOeq), c: complexCmp(ir.OpComplexEq)},
		"!=": {i: intCmp(ir.CmpINe, ir.CmpINe), f: floatCmp(ir.CmpFOne), c: complexCmp(ir.OpComplexNeq)},
		"<":  {i: intCmp(ir.CmpISlt, ir.CmpIUlt), f: floatCmp(ir.CmpFOlt)},
		"<=": {i: intCmp(ir.CmpISle, ir.CmpIUle), f: floatCmp(ir.CmpFOle)},
		">":  {i: intCmp(ir.CmpISgt, ir.CmpIUgt), f: floatCmp(ir.CmpFOgt)},
		">=": {i: intCmp(ir.CmpISge, ir.CmpIUge), f: floatCmp(ir.CmpFOge)},
	}
}

func isComparison(name string) bool {
	switch name {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

// binOpPattern lowers abstract binary operators: coerce both operands to a
// common type, strip signedness, apply the table row, reattach signedness.
func binOpPattern() Pattern {
	return Pattern{
		Name: "plier.binop",
		Match: func(_ *Context, op *ir.Op) bool {
			return op.Kind == ir.OpPlierBinOp || op.Kind == ir.OpPlierInplaceBinOp
		},
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			in := ctx.Types
			lhsT := ctx.Fn.ValueType(op.Operands[0])
			rhsT := ctx.Fn.ValueType(op.Operands[1])
			if !concrete(ctx, lhsT) || !concrete(ctx, rhsT) {
				return nil, false, nil
			}
			name := op.StringAttrOr(ir.AttrNameName, "")
			row, ok := binTable[name]
			if !ok {
				diag.Errorf(ctx.Reporter, diag.LowerUnsupportedOp, ctx.Fn.Name, op.Loc.Line,
					"unsupported binary operator %q", name)
				return nil, false, fmt.Errorf("unsupported binary operator %q", name)
			}
			opT, err := cast.Coerce(in, lhsT, rhsT)
			if err != nil {
				diag.Errorf(ctx.Reporter, diag.LowerBadOperandType, ctx.Fn.Name, op.Loc.Line,
					"operator %q: %v", name, err)
				return nil, false, err
			}
			catg, ok := categoryOf(in, opT)
			if !ok {
				return nil, false, fmt.Errorf("operator %q on %s", name, in.String(opT))
			}
			var h binHandler
			switch catg {
			case catInt:
				h = row.i
			case catFloat:
				h = row.f
			case catComplex:
				h = row.c
			}
			if h == nil {
				diag.Errorf(ctx.Reporter, diag.LowerUnsupportedOp, ctx.Fn.Name, op.Loc.Line,
					"operator %q not defined for %s", name, in.String(opT))
				return nil, false, fmt.Errorf("operator %q not defined for %s", name, in.String(opT))
			}

			lhs, err := cast.Cast(b, op.Operands[0], opT)
			if err != nil {
				return nil, false, err
			}
			rhs, err := cast.Cast(b, op.Operands[1], opT)
			if err != nil {
				return nil, false, err
			}
			res, err := h(b, lhs, rhs, opT)
			if err != nil {
				return nil, false, err
			}
			want := ctx.Fn.ValueType(op.Result())
			if ctx.Fn.ValueType(res) != want && concrete(ctx, want) {
				res, err = cast.Cast(b, res, want)
				if err != nil {
					return nil, false, err
				}
			}
			return []ir.ValueID{res}, true, nil
		},
	}
}

// stripSigns moves both operands to the signless form arithmetic works on.
// Index values pass through.
func stripSigns(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (l, r ir.ValueID, bare types.TypeID, sign types.Signedness) {
	tt, _ := b.Types.Lookup(opT)
	if tt.Kind != types.KindInteger || tt.Sign == types.Signless {
		return lhs, rhs, opT, tt.Sign
	}
	bare = b.Types.Intern(types.MakeSignless(tt.Width))
	return b.SignCast(bare, lhs), b.SignCast(bare, rhs), bare, tt.Sign
}

// reSign reattaches the coerced type's signedness to a bare result.
func reSign(b *ir.Builder, v ir.ValueID, opT types.TypeID) ir.ValueID {
	tt, _ := b.Types.Lookup(opT)
	if tt.Kind != types.KindInteger || tt.Sign == types.Signless {
		return v
	}
	return b.SignCast(opT, v)
}

func intArith(kind ir.OpKind) binHandler {
	return func(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
		l, r, bare, _ := stripSigns(b, lhs, rhs, opT)
		return reSign(b, b.Op1(kind, bare, l, r), opT), nil
	}
}

var (
	intAdd = intArith(ir.OpArithAddI)
	intSub = intArith(ir.OpArithSubI)
	intMul = intArith(ir.OpArithMulI)
)

func intBitwise(kind ir.OpKind) binHandler {
	return intArith(kind)
}

func intShiftRight(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
	l, r, bare, sign := stripSigns(b, lhs, rhs, opT)
	kind := ir.OpArithShRSI
	if sign == types.Unsigned {
		kind = ir.OpArithShRUI
	}
	return reSign(b, b.Op1(kind, bare, l, r), opT), nil
}

// intTrueDiv implements source-level "/": always float division.
func intTrueDiv(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
	f64 := b.Types.Builtins().F64
	l, err := cast.Cast(b, lhs, f64)
	if err != nil {
		return ir.NoValueID, err
	}
	r, err := cast.Cast(b, rhs, f64)
	if err != nil {
		return ir.NoValueID, err
	}
	return b.Op1(ir.OpArithDivF, f64, l, r), nil
}

// pyIntMod emits ((a rem b) + b) rem b on bare values, which matches the
// source language's sign-of-divisor remainder.
func pyIntMod(b *ir.Builder, l, r ir.ValueID, bare types.TypeID, sign types.Signedness) ir.ValueID {
	if sign == types.Unsigned {
		return b.Op1(ir.OpArithRemUI, bare, l, r)
	}
	rem := b.Op1(ir.OpArithRemSI, bare, l, r)
	sum := b.Op1(ir.OpArithAddI, bare, rem, r)
	return b.Op1(ir.OpArithRemSI, bare, sum, r)
}

func intMod(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
	l, r, bare, sign := stripSigns(b, lhs, rhs, opT)
	return reSign(b, pyIntMod(b, l, r, bare, sign), opT), nil
}

// intFloorDiv subtracts the floor-mod first so the quotient rounds toward
// negative infinity.
func intFloorDiv(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
	l, r, bare, sign := stripSigns(b, lhs, rhs, opT)
	if sign == types.Unsigned {
		return reSign(b, b.Op1(ir.OpArithDivUI, bare, l, r), opT), nil
	}
	m := pyIntMod(b, l, r, bare, sign)
	num := b.Op1(ir.OpArithSubI, bare, l, m)
	return reSign(b, b.Op1(ir.OpArithDivSI, bare, num, r), opT), nil
}

// intPow routes through f64 powf and truncates back.
func intPow(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
	f64 := b.Types.Builtins().F64
	l, err := cast.Cast(b, lhs, f64)
	if err != nil {
		return ir.NoValueID, err
	}
	r, err := cast.Cast(b, rhs, f64)
	if err != nil {
		return ir.NoValueID, err
	}
	p := b.Op1(ir.OpMathPowF, f64, l, r)
	return cast.Cast(b, p, opT)
}

func intCmp(signedPred, unsignedPred ir.CmpIPredicate) binHandler {
	return func(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
		l, r, _, sign := stripSigns(b, lhs, rhs, opT)
		pred := signedPred
		if sign == types.Unsigned {
			pred = unsignedPred
		}
		return b.CmpI(pred, l, r), nil
	}
}

func floatArith(kind ir.OpKind) binHandler {
	return func(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
		return b.Op1(kind, opT, lhs, rhs), nil
	}
}

func floatPow(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
	return b.Op1(ir.OpMathPowF, opT, lhs, rhs), nil
}

// floatFloorDiv divides and floors.
func floatFloorDiv(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
	d := b.Op1(ir.OpArithDivF, opT, lhs, rhs)
	return b.Op1(ir.OpMathFloor, opT, d), nil
}

// floatMod emits ((a remf b) + b) remf b for divisor-signed remainders.
func floatMod(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
	rem := b.Op1(ir.OpArithRemF, opT, lhs, rhs)
	sum := b.Op1(ir.OpArithAddF, opT, rem, rhs)
	return b.Op1(ir.OpArithRemF, opT, sum, rhs), nil
}

func floatCmp(pred ir.CmpFPredicate) binHandler {
	return func(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
		return b.CmpF(pred, lhs, rhs), nil
	}
}

func complexArith(kind ir.OpKind) binHandler {
	return func(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
		return b.Op1(kind, opT, lhs, rhs), nil
	}
}

func complexCmp(kind ir.OpKind) binHandler {
	return func(b *ir.Builder, lhs, rhs ir.ValueID, opT types.TypeID) (ir.ValueID, error) {
		return b.Op1(kind, b.Types.Builtins().I1, lhs, rhs), nil
	}
}

// unaryOpPattern lowers abstract unary operators.
func unaryOpPattern() Pattern {
	return Pattern{
		Name:  "plier.unary",
		Match: func(_ *Context, op *ir.Op) bool { return op.Kind == ir.OpPlierUnaryOp },
		Apply: func(ctx *Context, b *ir.Builder, op *ir.Op) ([]ir.ValueID, bool, error) {
			in := ctx.Types
			vT := ctx.Fn.ValueType(op.Operands[0])
			if !concrete(ctx, vT) {
				return nil, false, nil
			}
			name := op.StringAttrOr(ir.AttrNameName, "")
			v := op.Operands[0]
			catg, ok := categoryOf(in, vT)
			if !ok {
				return nil, false, fmt.Errorf("unary %q on %s", name, in.String(vT))
			}

			var res ir.ValueID
			var err error
			switch name {
			case "+":
				res = v
			case "-":
				switch catg {
				case catInt:
					zero, bare := bareZero(b, vT)
					bv := v
					if bare != vT {
						bv = b.SignCast(bare, v)
					}
					res = reSign(b, b.Op1(ir.OpArithSubI, bare, zero, bv), vT)
				case catFloat:
					res = b.Op1(ir.OpArithNegF, vT, v)
				case catComplex:
					tt, _ := in.Lookup(vT)
					zr := b.ConstFloat(tt.Elem, 0)
					zi := b.ConstFloat(tt.Elem, 0)
					zc := b.Op1(ir.OpComplexCreate, vT, zr, zi)
					res = b.Op1(ir.OpComplexSub, vT, zc, v)
				}
			case "not":
				switch catg {
				case catInt:
					zero, bare := bareZero(b, vT)
					bv := v
					if bare != vT {
						bv = b.SignCast(bare, v)
					}
					res = b.CmpI(ir.CmpIEq, bv, zero)
				case catFloat:
					zero := b.ConstFloat(vT, 0)
					res = b.CmpF(ir.CmpFOeq, v, zero)
				default:
					err = fmt.Errorf("unary %q on %s", name, in.String(vT))
				}
			case "~":
				if catg != catInt {
					err = fmt.Errorf("unary %q on %s", name, in.String(vT))
					break
				}
				// Inverting a bool follows integer semantics: extend first.
				if tt, _ := in.Lookup(vT); tt.Kind == types.KindInteger && tt.Width == 1 {
					ext, cerr := cast.Cast(b, v, in.Builtins().SI64)
					if cerr != nil {
						return nil, false, cerr
					}
					v, vT = ext, in.Builtins().SI64
				}
				ones, bare := bareConst(b, vT, -1)
				bv := v
				if bare != vT {
					bv = b.SignCast(bare, v)
				}
				res = reSign(b, b.Op1(ir.OpArithXOrI, bare, bv, ones), vT)
			default:
				err = fmt.Errorf("unsupported unary operator %q", name)
			}
			if err != nil {
				diag.Errorf(ctx.Reporter, diag.LowerUnsupportedOp, ctx.Fn.Name, op.Loc.Line, "%v", err)
				return nil, false, err
			}

			want := ctx.Fn.ValueType(op.Result())
			if ctx.Fn.ValueType(res) != want && concrete(ctx, want) {
				res, err = cast.Cast(b, res, want)
				if err != nil {
					return nil, false, err
				}
			}
			return []ir.ValueID{res}, true, nil
		},
	}
}

func bareZero(b *ir.Builder, t types.TypeID) (ir.ValueID, types.TypeID) {
	return bareConst(b, t, 0)
}

// bareConst builds an integer constant at the signless version of t.
func bareConst(b *ir.Builder, t types.TypeID, v int64) (ir.ValueID, types.TypeID) {
	tt, _ := b.Types.Lookup(t)
	bare := t
	if tt.Kind == types.KindInteger && tt.Sign != types.Signless {
		bare = b.Types.Intern(types.MakeSignless(tt.Width))
	}
	return b.ConstInt(bare, v), bare
}
