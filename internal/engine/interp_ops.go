package engine

import (
	"fmt"
	"math"
	"math/cmplx"

	"numir/internal/ir"
	"numir/internal/types"
)

func (ip *interp) intBinop(fr *frame, op *ir.Op) error {
	a, b := fr.geti(op.Operands[0]), fr.geti(op.Operands[1])
	var r int64
	switch op.Kind {
	case ir.OpArithAddI:
		r = a + b
	case ir.OpArithSubI:
		r = a - b
	case ir.OpArithMulI:
		r = a * b
	case ir.OpArithDivSI:
		if b == 0 {
			return fmt.Errorf("integer division by zero")
		}
		r = a / b
	case ir.OpArithDivUI:
		if b == 0 {
			return fmt.Errorf("integer division by zero")
		}
		r = int64(uint64(a) / uint64(b))
	case ir.OpArithCeilDivSI:
		if b == 0 {
			return fmt.Errorf("integer division by zero")
		}
		r = a / b
		if (a%b != 0) && ((a < 0) == (b < 0)) {
			r++
		}
	case ir.OpArithRemSI:
		if b == 0 {
			return fmt.Errorf("integer division by zero")
		}
		r = a % b
	case ir.OpArithRemUI:
		if b == 0 {
			return fmt.Errorf("integer division by zero")
		}
		r = int64(uint64(a) % uint64(b))
	case ir.OpArithAndI:
		r = a & b
	case ir.OpArithOrI:
		r = a | b
	case ir.OpArithXOrI:
		r = a ^ b
	case ir.OpArithShLI:
		r = a << uint64(b)
	case ir.OpArithShRSI:
		r = a >> uint64(b)
	case ir.OpArithShRUI:
		r = int64(uint64(a) >> uint64(b))
	}
	// Narrow results wrap to their declared width.
	t := fr.fn.ValueType(op.Result())
	if t == ip.prog.types.Builtins().I1 {
		fr.set(op.Result(), r != 0)
		return nil
	}
	if w := ip.width(t); w < 64 {
		r = signExtend(uint64(r), w)
	}
	fr.set(op.Result(), r)
	return nil
}

func (ip *interp) floatBinop(fr *frame, op *ir.Op) error {
	a, b := fr.getf(op.Operands[0]), fr.getf(op.Operands[1])
	var r float64
	switch op.Kind {
	case ir.OpArithAddF:
		r = a + b
	case ir.OpArithSubF:
		r = a - b
	case ir.OpArithMulF:
		r = a * b
	case ir.OpArithDivF:
		r = a / b
	case ir.OpArithRemF:
		r = math.Mod(a, b)
	}
	fr.set(op.Result(), ip.roundFloat(fr.fn.ValueType(op.Result()), r))
	return nil
}

func (ip *interp) cmpI(fr *frame, op *ir.Op) error {
	pred := ir.CmpIPredicate(op.IntAttrOr(ir.AttrNamePredicate, 0))
	a, b := fr.geti(op.Operands[0]), fr.geti(op.Operands[1])
	ua, ub := uint64(a), uint64(b)
	var r bool
	switch pred {
	case ir.CmpIEq:
		r = a == b
	case ir.CmpINe:
		r = a != b
	case ir.CmpISlt:
		r = a < b
	case ir.CmpISle:
		r = a <= b
	case ir.CmpISgt:
		r = a > b
	case ir.CmpISge:
		r = a >= b
	case ir.CmpIUlt:
		r = ua < ub
	case ir.CmpIUle:
		r = ua <= ub
	case ir.CmpIUgt:
		r = ua > ub
	case ir.CmpIUge:
		r = ua >= ub
	default:
		return fmt.Errorf("unknown integer predicate %d", pred)
	}
	fr.set(op.Result(), r)
	return nil
}

func (ip *interp) cmpF(fr *frame, op *ir.Op) error {
	pred := ir.CmpFPredicate(op.IntAttrOr(ir.AttrNamePredicate, 0))
	a, b := fr.getf(op.Operands[0]), fr.getf(op.Operands[1])
	ordered := !math.IsNaN(a) && !math.IsNaN(b)
	var r bool
	switch pred {
	case ir.CmpFOeq:
		r = ordered && a == b
	case ir.CmpFOne:
		r = ordered && a != b
	case ir.CmpFOlt:
		r = ordered && a < b
	case ir.CmpFOle:
		r = ordered && a <= b
	case ir.CmpFOgt:
		r = ordered && a > b
	case ir.CmpFOge:
		r = ordered && a >= b
	default:
		return fmt.Errorf("unknown float predicate %d", pred)
	}
	fr.set(op.Result(), r)
	return nil
}

// bitcast reinterprets the operand's bit pattern in the result type.
// Only same-width scalar casts survive lowering.
func (ip *interp) bitcast(fr *frame, op *ir.Op) error {
	in := ip.prog.types
	src, _ := in.Lookup(fr.fn.ValueType(op.Operands[0]))
	dst, _ := in.Lookup(fr.fn.ValueType(op.Result()))

	if src.Kind == dst.Kind {
		fr.set(op.Result(), fr.get(op.Operands[0]))
		return nil
	}
	var bits uint64
	if src.Kind == types.KindFloat {
		f := fr.getf(op.Operands[0])
		if src.Width == types.Width32 {
			bits = uint64(math.Float32bits(float32(f)))
		} else {
			bits = math.Float64bits(f)
		}
	} else {
		bits = uint64(fr.geti(op.Operands[0]))
	}
	if dst.Kind == types.KindFloat {
		if dst.Width == types.Width32 {
			fr.set(op.Result(), float64(math.Float32frombits(uint32(bits))))
		} else {
			fr.set(op.Result(), math.Float64frombits(bits))
		}
		return nil
	}
	fr.set(op.Result(), signExtend(bits, uint(dst.Width)))
	return nil
}

func (ip *interp) mathOp(fr *frame, op *ir.Op) error {
	t := fr.fn.ValueType(op.Result())
	switch op.Kind {
	case ir.OpMathPowF:
		fr.set(op.Result(), ip.roundFloat(t, math.Pow(fr.getf(op.Operands[0]), fr.getf(op.Operands[1]))))
	case ir.OpMathFloor:
		fr.set(op.Result(), ip.roundFloat(t, math.Floor(fr.getf(op.Operands[0]))))
	}
	return nil
}

func (fr *frame) getc(v ir.ValueID) complex128 {
	switch x := fr.values[v].(type) {
	case complex128:
		return x
	case float64:
		return complex(x, 0)
	case int64:
		return complex(float64(x), 0)
	default:
		return 0
	}
}

func (ip *interp) complexOp(fr *frame, op *ir.Op) error {
	switch op.Kind {
	case ir.OpComplexCreate:
		fr.set(op.Result(), complex(fr.getf(op.Operands[0]), fr.getf(op.Operands[1])))
	case ir.OpComplexRe:
		fr.set(op.Result(), real(fr.getc(op.Operands[0])))
	case ir.OpComplexIm:
		fr.set(op.Result(), imag(fr.getc(op.Operands[0])))
	case ir.OpComplexAdd:
		fr.set(op.Result(), fr.getc(op.Operands[0])+fr.getc(op.Operands[1]))
	case ir.OpComplexSub:
		fr.set(op.Result(), fr.getc(op.Operands[0])-fr.getc(op.Operands[1]))
	case ir.OpComplexMul:
		fr.set(op.Result(), fr.getc(op.Operands[0])*fr.getc(op.Operands[1]))
	case ir.OpComplexDiv:
		fr.set(op.Result(), fr.getc(op.Operands[0])/fr.getc(op.Operands[1]))
	case ir.OpComplexPow:
		fr.set(op.Result(), cmplx.Pow(fr.getc(op.Operands[0]), fr.getc(op.Operands[1])))
	case ir.OpComplexEq:
		fr.set(op.Result(), fr.getc(op.Operands[0]) == fr.getc(op.Operands[1]))
	case ir.OpComplexNeq:
		fr.set(op.Result(), fr.getc(op.Operands[0]) != fr.getc(op.Operands[1]))
	}
	return nil
}
