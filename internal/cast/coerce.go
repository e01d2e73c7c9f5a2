package cast

import (
	"fmt"

	"numir/internal/types"
)

// mantissaBits is the integer width a float can represent exactly.
func mantissaBits(w types.Width) int {
	switch w {
	case types.Width16:
		return 11
	case types.Width32:
		return 24
	default:
		return 53
	}
}

// floatFor returns the narrowest float width whose mantissa holds an integer
// of the given width, capped at f64.
func floatFor(intWidth types.Width) types.Width {
	bits := int(intWidth)
	switch {
	case bits <= 11:
		return types.Width16
	case bits <= 24:
		return types.Width32
	default:
		return types.Width64
	}
}

func rank(k types.Kind) int {
	switch k {
	case types.KindComplex:
		return 3
	case types.KindFloat:
		return 2
	case types.KindInteger, types.KindIndex:
		return 1
	default:
		return 0
	}
}

// Coerce computes the common type two operands promote to before a binary
// operation: complex beats float beats integer, and mixed widths pick a
// result wide enough to hold both.
func Coerce(in *types.Interner, a, b types.TypeID) (types.TypeID, error) {
	if a == b {
		return a, nil
	}
	ak, bk := in.Kind(a), in.Kind(b)
	if rank(ak) == 0 || rank(bk) == 0 {
		return types.NoTypeID, fmt.Errorf("%w: cannot coerce %s and %s",
			ErrUnsupported, in.String(a), in.String(b))
	}
	if rank(bk) > rank(ak) {
		a, b = b, a
		ak, bk = bk, ak
	}

	switch ak {
	case types.KindComplex:
		at, _ := in.Lookup(a)
		elemB := floatElem(in, b)
		elem, err := Coerce(in, at.Elem, elemB)
		if err != nil {
			return types.NoTypeID, err
		}
		return in.Intern(types.MakeComplex(elem)), nil

	case types.KindFloat:
		at, _ := in.Lookup(a)
		var need types.Width
		if bk == types.KindFloat {
			bt, _ := in.Lookup(b)
			need = bt.Width
		} else {
			need = floatFor(intWidth(in, b))
		}
		if int(need) > int(at.Width) {
			return in.Intern(types.MakeFloat(need)), nil
		}
		// A float wide enough for the integer keeps its width.
		if bk != types.KindFloat && int(intWidth(in, b)) > mantissaBits(at.Width) {
			return in.Intern(types.MakeFloat(floatFor(intWidth(in, b)))), nil
		}
		return a, nil

	default:
		return coerceInts(in, a, b)
	}
}

// floatElem maps a non-complex operand to the float element width it would
// promote to inside a complex result.
func floatElem(in *types.Interner, t types.TypeID) types.TypeID {
	tt, _ := in.Lookup(t)
	switch tt.Kind {
	case types.KindFloat:
		return t
	default:
		return in.Intern(types.MakeFloat(floatFor(intWidth(in, t))))
	}
}

// intWidth treats index as a 64-bit integer.
func intWidth(in *types.Interner, t types.TypeID) types.Width {
	tt, _ := in.Lookup(t)
	if tt.Kind == types.KindIndex {
		return types.Width64
	}
	return tt.Width
}

func coerceInts(in *types.Interner, a, b types.TypeID) (types.TypeID, error) {
	// Index mixed with an integer coerces through si64.
	if in.Kind(a) == types.KindIndex {
		a = in.Builtins().SI64
	}
	if in.Kind(b) == types.KindIndex {
		b = in.Builtins().SI64
	}
	if a == b {
		return a, nil
	}
	at, _ := in.Lookup(a)
	bt, _ := in.Lookup(b)

	w := at.Width
	if bt.Width > w {
		w = bt.Width
	}
	sign := types.Signless
	switch {
	case at.Sign == types.Signed || bt.Sign == types.Signed:
		sign = types.Signed
	case at.Sign == types.Unsigned || bt.Sign == types.Unsigned:
		sign = types.Unsigned
	}
	return in.Intern(types.MakeInt(w, sign)), nil
}
