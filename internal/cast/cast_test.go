package cast

import (
	"testing"

	"numir/internal/ir"
	"numir/internal/types"
)

func newTestBuilder(in *types.Interner) (*ir.Builder, *ir.Block) {
	sig := in.InternFunc(nil, nil)
	f := &ir.Func{Name: "test", Type: sig}
	b := ir.NewBuilder(f, in)
	entry := b.NewBlock(&f.Body)
	b.SetBlock(entry)
	return b, entry
}

func castValue(t *testing.T, b *ir.Builder, src, dst types.TypeID) ir.ValueID {
	t.Helper()
	v := b.Fn.NewValue(src)
	r, err := Cast(b, v, dst)
	if err != nil {
		t.Fatalf("Cast(%s -> %s): %v", b.Types.String(src), b.Types.String(dst), err)
	}
	return r
}

func opKinds(blk *ir.Block) []ir.OpKind {
	kinds := make([]ir.OpKind, len(blk.Ops))
	for i := range blk.Ops {
		kinds[i] = blk.Ops[i].Kind
	}
	return kinds
}

func TestIdentityCast(t *testing.T) {
	in := types.NewInterner()
	b, blk := newTestBuilder(in)
	v := b.Fn.NewValue(in.Builtins().I64)
	r, err := Cast(b, v, in.Builtins().I64)
	if err != nil {
		t.Fatal(err)
	}
	if r != v {
		t.Fatal("identity cast should return the input value")
	}
	if len(blk.Ops) != 0 {
		t.Fatal("identity cast should emit nothing")
	}
}

func TestIntWiden(t *testing.T) {
	in := types.NewInterner()
	bs := in.Builtins()
	b, blk := newTestBuilder(in)

	si32 := in.Intern(types.MakeInt(types.Width32, types.Signed))
	r := castValue(t, b, si32, bs.SI64)

	// sign strip, extsi, sign attach
	want := []ir.OpKind{ir.OpUtilSignCast, ir.OpArithExtSI, ir.OpUtilSignCast}
	got := opKinds(blk)
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ops = %v, want %v", got, want)
		}
	}
	if b.Fn.ValueType(r) != bs.SI64 {
		t.Fatalf("result type = %s", in.String(b.Fn.ValueType(r)))
	}
}

func TestUnsignedWidenUsesExtUI(t *testing.T) {
	in := types.NewInterner()
	b, blk := newTestBuilder(in)

	ui32 := in.Intern(types.MakeInt(types.Width32, types.Unsigned))
	ui64 := in.Builtins().UI64
	castValue(t, b, ui32, ui64)

	found := false
	for _, k := range opKinds(blk) {
		if k == ir.OpArithExtUI {
			found = true
		}
		if k == ir.OpArithExtSI {
			t.Fatal("unsigned widen must not sign-extend")
		}
	}
	if !found {
		t.Fatalf("no extui emitted: %v", opKinds(blk))
	}
}

func TestNarrowToI1IsZeroTest(t *testing.T) {
	in := types.NewInterner()
	bs := in.Builtins()
	b, blk := newTestBuilder(in)

	r := castValue(t, b, bs.I64, bs.I1)

	var sawCmp bool
	for _, k := range opKinds(blk) {
		if k == ir.OpArithTruncI {
			t.Fatal("i64 -> i1 must not truncate")
		}
		if k == ir.OpArithCmpI {
			sawCmp = true
		}
	}
	if !sawCmp {
		t.Fatalf("expected cmpi, got %v", opKinds(blk))
	}
	if b.Fn.ValueType(r) != bs.I1 {
		t.Fatalf("result type = %s", in.String(b.Fn.ValueType(r)))
	}
}

func TestIntFloatCasts(t *testing.T) {
	in := types.NewInterner()
	bs := in.Builtins()

	tests := []struct {
		name string
		src  types.TypeID
		dst  types.TypeID
		kind ir.OpKind
	}{
		{"si64_to_f64", bs.SI64, bs.F64, ir.OpArithSIToFP},
		{"ui64_to_f64", bs.UI64, bs.F64, ir.OpArithUIToFP},
		{"f64_to_si64", bs.F64, bs.SI64, ir.OpArithFPToSI},
		{"f64_to_ui64", bs.F64, bs.UI64, ir.OpArithFPToUI},
		{"f32_to_f64", bs.F32, bs.F64, ir.OpArithExtF},
		{"f64_to_f32", bs.F64, bs.F32, ir.OpArithTruncF},
		{"index_to_f64", bs.Index, bs.F64, ir.OpArithSIToFP},
		{"f64_to_index", bs.F64, bs.Index, ir.OpArithFPToSI},
		{"index_to_si64", bs.Index, bs.SI64, ir.OpArithIndexCast},
		{"si64_to_index", bs.SI64, bs.Index, ir.OpArithIndexCast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, blk := newTestBuilder(in)
			r := castValue(t, b, tt.src, tt.dst)
			found := false
			for _, k := range opKinds(blk) {
				if k == tt.kind {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s in %v", tt.kind, opKinds(blk))
			}
			if b.Fn.ValueType(r) != tt.dst {
				t.Fatalf("result type = %s, want %s",
					in.String(b.Fn.ValueType(r)), in.String(tt.dst))
			}
		})
	}
}

func TestToComplex(t *testing.T) {
	in := types.NewInterner()
	bs := in.Builtins()
	b, blk := newTestBuilder(in)

	r := castValue(t, b, bs.F64, bs.Complex128)
	last := blk.Ops[len(blk.Ops)-1]
	if last.Kind != ir.OpComplexCreate {
		t.Fatalf("last op = %s", last.Kind)
	}
	if b.Fn.ValueType(r) != bs.Complex128 {
		t.Fatalf("result type = %s", in.String(b.Fn.ValueType(r)))
	}

	b2, blk2 := newTestBuilder(in)
	castValue(t, b2, bs.SI64, bs.Complex128)
	last = blk2.Ops[len(blk2.Ops)-1]
	if last.Kind != ir.OpComplexCreate {
		t.Fatalf("last op = %s", last.Kind)
	}
}

func TestComplexToScalarUnsupported(t *testing.T) {
	in := types.NewInterner()
	bs := in.Builtins()
	b, _ := newTestBuilder(in)

	v := b.Fn.NewValue(bs.Complex128)
	if _, err := Cast(b, v, bs.F64); err == nil {
		t.Fatal("complex -> float should be unsupported")
	}
	if CanCast(in, bs.Complex128, bs.F64) {
		t.Fatal("CanCast disagrees with Cast")
	}
}

// Every pair CanCast accepts must cast without error.
func TestCanCastMatchesCast(t *testing.T) {
	in := types.NewInterner()
	bs := in.Builtins()

	all := []types.TypeID{
		bs.I1, bs.I64, bs.SI64, bs.UI64,
		in.Intern(types.MakeInt(types.Width8, types.Signed)),
		in.Intern(types.MakeInt(types.Width16, types.Unsigned)),
		bs.F16, bs.F32, bs.F64, bs.Index,
		bs.Complex64, bs.Complex128, bs.None,
	}
	for _, src := range all {
		for _, dst := range all {
			b, _ := newTestBuilder(in)
			v := b.Fn.NewValue(src)
			_, err := Cast(b, v, dst)
			can := CanCast(in, src, dst)
			if can && err != nil {
				t.Errorf("CanCast(%s, %s) but Cast failed: %v",
					in.String(src), in.String(dst), err)
			}
			if !can && err == nil {
				t.Errorf("!CanCast(%s, %s) but Cast succeeded",
					in.String(src), in.String(dst))
			}
		}
	}
}

func TestCoerce(t *testing.T) {
	in := types.NewInterner()
	bs := in.Builtins()
	si32 := in.Intern(types.MakeInt(types.Width32, types.Signed))

	tests := []struct {
		name string
		a, b types.TypeID
		want string
	}{
		{"same", bs.F64, bs.F64, "f64"},
		{"int_float", bs.SI64, bs.F32, "f64"},
		{"small_int_float", si32, bs.F64, "f64"},
		{"float_float", bs.F32, bs.F64, "f64"},
		{"int_int", si32, bs.SI64, "si64"},
		{"int_complex", bs.SI64, bs.Complex128, "complex<f64>"},
		{"float_complex", bs.F32, bs.Complex64, "complex<f32>"},
		{"index_int", bs.Index, bs.SI64, "si64"},
		{"i1_int", bs.I1, bs.SI64, "si64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(in, tt.a, tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if in.String(got) != tt.want {
				t.Fatalf("Coerce(%s, %s) = %s, want %s",
					in.String(tt.a), in.String(tt.b), in.String(got), tt.want)
			}
			// Coercion is symmetric.
			rev, err := Coerce(in, tt.b, tt.a)
			if err != nil {
				t.Fatal(err)
			}
			if rev != got {
				t.Fatalf("Coerce not symmetric: %s vs %s", in.String(got), in.String(rev))
			}
		})
	}
}

func TestCoerceSmallIntPicksNarrowFloat(t *testing.T) {
	in := types.NewInterner()
	si8 := in.Intern(types.MakeInt(types.Width8, types.Signed))
	got, err := Coerce(in, si8, in.Builtins().F16)
	if err != nil {
		t.Fatal(err)
	}
	// An 8-bit int fits in f16's 11 mantissa bits.
	if in.String(got) != "f16" {
		t.Fatalf("Coerce(si8, f16) = %s", in.String(got))
	}
}

func TestCoerceRejectsNonNumeric(t *testing.T) {
	in := types.NewInterner()
	if _, err := Coerce(in, in.Builtins().None, in.Builtins().F64); err == nil {
		t.Fatal("expected error coercing none")
	}
}
