package typeconv

import (
	"strconv"
	"strings"

	"numir/internal/types"
)

// PythonNameRule resolves abstract python type names to concrete types:
//
//	bool, none
//	int8/int16/int32/int64, uint8/.../uint64 (int is an alias for int64)
//	float16/float32/float64
//	complex64/complex128
//	array(<elem>, <N>d, C) for C-contiguous buffers
//
// Unknown names fail the rule.
func PythonNameRule(in *types.Interner, t types.TypeID) (types.TypeID, bool) {
	tt, ok := in.Lookup(t)
	if !ok || tt.Kind != types.KindPython {
		return types.NoTypeID, false
	}
	return resolveName(in, tt.Name)
}

func resolveName(in *types.Interner, name string) (types.TypeID, bool) {
	b := in.Builtins()
	switch name {
	case "bool":
		return b.I1, true
	case "none":
		return b.None, true
	case "int", "int64", "intp":
		return b.SI64, true
	case "uint", "uint64", "uintp":
		return b.UI64, true
	case "float16":
		return b.F16, true
	case "float32":
		return b.F32, true
	case "float", "float64":
		return b.F64, true
	case "complex64":
		return b.Complex64, true
	case "complex128":
		return b.Complex128, true
	}
	if w, sign, ok := intName(name); ok {
		return in.Intern(types.MakeInt(w, sign)), true
	}
	if elem, rank, ok := arrayName(name); ok {
		elemID, resolved := resolveName(in, elem)
		if !resolved {
			return types.NoTypeID, false
		}
		shape := make([]int64, rank)
		for i := range shape {
			shape[i] = types.DynamicDim
		}
		return in.InternMemRef(types.MemRefInfo{Shape: shape, Elem: elemID}), true
	}
	return types.NoTypeID, false
}

func intName(name string) (types.Width, types.Signedness, bool) {
	sign := types.Signed
	rest, ok := strings.CutPrefix(name, "int")
	if !ok {
		rest, ok = strings.CutPrefix(name, "uint")
		if !ok {
			return 0, 0, false
		}
		sign = types.Unsigned
	}
	switch rest {
	case "8":
		return types.Width8, sign, true
	case "16":
		return types.Width16, sign, true
	case "32":
		return types.Width32, sign, true
	case "64":
		return types.Width64, sign, true
	}
	return 0, 0, false
}

// arrayName parses "array(<elem>, <N>d, C)".
func arrayName(name string) (elem string, rank int, ok bool) {
	body, found := strings.CutPrefix(name, "array(")
	if !found || !strings.HasSuffix(body, ")") {
		return "", 0, false
	}
	body = strings.TrimSuffix(body, ")")
	parts := strings.Split(body, ",")
	if len(parts) != 3 {
		return "", 0, false
	}
	elem = strings.TrimSpace(parts[0])
	dims := strings.TrimSpace(parts[1])
	layout := strings.TrimSpace(parts[2])
	if layout != "C" || !strings.HasSuffix(dims, "d") {
		return "", 0, false
	}
	rank, err := strconv.Atoi(strings.TrimSuffix(dims, "d"))
	if err != nil || rank < 1 {
		return "", 0, false
	}
	return elem, rank, true
}
