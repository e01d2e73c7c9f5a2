// Package cast builds numeric conversions between concrete types. A handler
// table keyed by (source kind, destination kind) selects the op sequence;
// arithmetic ops only see signless integers, so signed and unsigned values
// pass through explicit sign_cast ops at the boundaries.
package cast

import (
	"errors"
	"fmt"

	"numir/internal/ir"
	"numir/internal/types"
)

// ErrUnsupported marks a cast with no handler.
var ErrUnsupported = errors.New("unsupported cast")

type selector struct {
	src types.Kind
	dst types.Kind
}

type handler func(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error)

var handlers map[selector]handler

func init() {
	handlers = map[selector]handler{
		{types.KindInteger, types.KindInteger}: intToInt,
		{types.KindInteger, types.KindFloat}:   intToFloat,
		{types.KindFloat, types.KindInteger}:   floatToInt,
		{types.KindIndex, types.KindInteger}:   indexToInt,
		{types.KindInteger, types.KindIndex}:   intToIndex,
		{types.KindFloat, types.KindFloat}:     floatToFloat,
		{types.KindIndex, types.KindFloat}:     indexToFloat,
		{types.KindFloat, types.KindIndex}:     floatToIndex,
		{types.KindInteger, types.KindComplex}: intToComplex,
		{types.KindFloat, types.KindComplex}:   floatToComplex,
	}
}

// CanCast reports whether a value of type src can be cast to dst.
func CanCast(in *types.Interner, src, dst types.TypeID) bool {
	if src == dst {
		return true
	}
	_, ok := handlers[selector{in.Kind(src), in.Kind(dst)}]
	return ok
}

// Cast emits ops converting v to dst, returning the converted value. The
// identity cast returns v unchanged.
func Cast(b *ir.Builder, v ir.ValueID, dst types.TypeID) (ir.ValueID, error) {
	src := b.Fn.ValueType(v)
	if src == dst {
		return v, nil
	}
	in := b.Types
	h, ok := handlers[selector{in.Kind(src), in.Kind(dst)}]
	if !ok {
		return ir.NoValueID, fmt.Errorf("%w: %s to %s", ErrUnsupported, in.String(src), in.String(dst))
	}
	return h(b, v, src, dst)
}

// signless strips signedness from an integer value, returning it unchanged
// if it already is signless.
func signless(b *ir.Builder, v ir.ValueID, t types.TypeID) (ir.ValueID, types.TypeID, types.Signedness) {
	tt, _ := b.Types.Lookup(t)
	if tt.Kind != types.KindInteger || tt.Sign == types.Signless {
		return v, t, types.Signless
	}
	bare := b.Types.Intern(types.MakeSignless(tt.Width))
	return b.SignCast(bare, v), bare, tt.Sign
}

// attachSign gives a signless value the destination's signedness.
func attachSign(b *ir.Builder, v ir.ValueID, dst types.TypeID) ir.ValueID {
	tt, _ := b.Types.Lookup(dst)
	if tt.Kind != types.KindInteger || tt.Sign == types.Signless {
		return v
	}
	return b.SignCast(dst, v)
}

func intToInt(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	in := b.Types
	srcT, _ := in.Lookup(src)
	dstT, _ := in.Lookup(dst)

	bare, bareT, srcSign := signless(b, v, src)

	switch {
	case dstT.Width == 1 && srcT.Width != 1:
		// Narrowing to i1 is a zero test, not a truncation.
		zero := b.ConstInt(bareT, 0)
		bare = b.CmpI(ir.CmpINe, bare, zero)
	case dstT.Width < srcT.Width:
		bare = b.Op1(ir.OpArithTruncI, in.Intern(types.MakeSignless(dstT.Width)), bare)
	case dstT.Width > srcT.Width:
		wide := in.Intern(types.MakeSignless(dstT.Width))
		if srcSign == types.Unsigned || srcT.Width == 1 {
			bare = b.Op1(ir.OpArithExtUI, wide, bare)
		} else {
			bare = b.Op1(ir.OpArithExtSI, wide, bare)
		}
	}
	return attachSign(b, bare, dst), nil
}

func intToFloat(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	srcT, _ := b.Types.Lookup(src)
	bare, _, srcSign := signless(b, v, src)
	// i1 converts as 0/1 regardless of nominal signedness.
	if srcSign == types.Unsigned || srcT.Width == 1 {
		return b.Op1(ir.OpArithUIToFP, dst, bare), nil
	}
	return b.Op1(ir.OpArithSIToFP, dst, bare), nil
}

func floatToInt(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	in := b.Types
	dstT, _ := in.Lookup(dst)
	if dstT.Width == 1 {
		// Truthiness, not truncation.
		zero := b.ConstFloat(src, 0)
		return attachSign(b, b.CmpF(ir.CmpFOne, v, zero), dst), nil
	}
	bare := in.Intern(types.MakeSignless(dstT.Width))
	var r ir.ValueID
	if dstT.Sign == types.Unsigned {
		r = b.Op1(ir.OpArithFPToUI, bare, v)
	} else {
		r = b.Op1(ir.OpArithFPToSI, bare, v)
	}
	return attachSign(b, r, dst), nil
}

func indexToInt(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	in := b.Types
	dstT, _ := in.Lookup(dst)
	bare := in.Intern(types.MakeSignless(dstT.Width))
	var r ir.ValueID
	if dstT.Sign == types.Unsigned {
		r = b.Op1(ir.OpArithIndexCastUI, bare, v)
	} else {
		r = b.Op1(ir.OpArithIndexCast, bare, v)
	}
	return attachSign(b, r, dst), nil
}

func intToIndex(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	bare, _, srcSign := signless(b, v, src)
	if srcSign == types.Unsigned {
		return b.Op1(ir.OpArithIndexCastUI, dst, bare), nil
	}
	return b.Op1(ir.OpArithIndexCast, dst, bare), nil
}

func floatToFloat(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	in := b.Types
	srcT, _ := in.Lookup(src)
	dstT, _ := in.Lookup(dst)
	if dstT.Width > srcT.Width {
		return b.Op1(ir.OpArithExtF, dst, v), nil
	}
	return b.Op1(ir.OpArithTruncF, dst, v), nil
}

func indexToFloat(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	in := b.Types
	i64 := in.Builtins().I64
	r := b.Op1(ir.OpArithIndexCast, i64, v)
	return b.Op1(ir.OpArithSIToFP, dst, r), nil
}

func floatToIndex(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	in := b.Types
	i64 := in.Builtins().I64
	r := b.Op1(ir.OpArithFPToSI, i64, v)
	return b.Op1(ir.OpArithIndexCast, dst, r), nil
}

func intToComplex(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	in := b.Types
	dstT, _ := in.Lookup(dst)
	re, err := intToFloat(b, v, src, dstT.Elem)
	if err != nil {
		return ir.NoValueID, err
	}
	im := b.ConstFloat(dstT.Elem, 0)
	return b.Op1(ir.OpComplexCreate, dst, re, im), nil
}

func floatToComplex(b *ir.Builder, v ir.ValueID, src, dst types.TypeID) (ir.ValueID, error) {
	in := b.Types
	dstT, _ := in.Lookup(dst)
	re := v
	if src != dstT.Elem {
		var err error
		re, err = floatToFloat(b, v, src, dstT.Elem)
		if err != nil {
			return ir.NoValueID, err
		}
	}
	im := b.ConstFloat(dstT.Elem, 0)
	return b.Op1(ir.OpComplexCreate, dst, re, im), nil
}
