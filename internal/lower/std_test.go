package lower

import (
	"errors"
	"testing"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// buildStdFn constructs a single-block function whose arguments arrive as
// abstract arg ops, with emit producing the returned value.
func buildStdFn(t *testing.T, in *types.Interner, name string, params []string, result string,
	emit func(env *testEnv, args []ir.ValueID) ir.ValueID) *testEnv {
	t.Helper()
	paramTs := make([]types.TypeID, len(params))
	for i, p := range params {
		paramTs[i] = py(in, p)
	}
	env := newTestEnv(t, in, name, paramTs, []types.TypeID{py(in, result)})
	entry := env.b.NewBlock(&env.fn.Body, paramTs...)
	env.b.SetBlock(entry)
	args := make([]ir.ValueID, len(params))
	for i := range params {
		args[i] = env.b.Op1(ir.OpPlierArg, paramTs[i])
		env.b.Last().SetAttr(ir.AttrNameIndex, ir.IntAttr(int64(i)))
	}
	ret := emit(env, args)
	entry.Term = ir.Terminator{Kind: ir.TermReturn, Return: ir.ReturnTerm{Values: []ir.ValueID{ret}}}
	return env
}

func emitBinOp(env *testEnv, name string, resT types.TypeID, lhs, rhs ir.ValueID) ir.ValueID {
	v := env.b.Op1(ir.OpPlierBinOp, resT, lhs, rhs)
	env.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr(name))
	return v
}

func emitUnaryOp(env *testEnv, name string, resT types.TypeID, v ir.ValueID) ir.ValueID {
	r := env.b.Op1(ir.OpPlierUnaryOp, resT, v)
	env.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr(name))
	return r
}

func emitGlobal(env *testEnv, name string) ir.ValueID {
	g := env.b.Op1(ir.OpPlierGlobal, py(env.in, "func"))
	env.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr(name))
	return g
}

func TestConvertToStdAdd(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "add", []string{"int64", "int64"}, "int64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			return emitBinOp(env, "+", py(in, "int64"), args[0], args[1])
		})
	if err := ConvertToStd(env.ctx); err != nil {
		t.Fatalf("ConvertToStd: %v", err)
	}
	for _, k := range []ir.OpKind{ir.OpPlierArg, ir.OpPlierBinOp} {
		if countKind(env.fn, k) != 0 {
			t.Fatalf("abstract op %s survived conversion", k)
		}
	}
	if countKind(env.fn, ir.OpArithAddI) != 1 {
		t.Fatal("no arith.addi emitted")
	}
	info, ok := in.FuncInfo(env.fn.Type)
	if !ok {
		t.Fatal("signature lost")
	}
	if info.Params[0] != in.Builtins().SI64 || info.Results[0] != in.Builtins().SI64 {
		t.Fatalf("signature not converted: %s", in.String(env.fn.Type))
	}
	if err := ir.ValidateFunc(in, env.fn); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBinOpLowering(t *testing.T) {
	cases := []struct {
		op       string
		lhs, rhs string
		res      string
		want     []ir.OpKind
		absent   []ir.OpKind
	}{
		{op: "+", lhs: "float64", rhs: "float64", res: "float64", want: []ir.OpKind{ir.OpArithAddF}},
		{op: "-", lhs: "int64", rhs: "int64", res: "int64", want: []ir.OpKind{ir.OpArithSubI}},
		{op: "/", lhs: "int64", rhs: "int64", res: "float64",
			want:   []ir.OpKind{ir.OpArithDivF, ir.OpArithSIToFP},
			absent: []ir.OpKind{ir.OpArithDivSI}},
		{op: "//", lhs: "int64", rhs: "int64", res: "int64",
			want: []ir.OpKind{ir.OpArithDivSI, ir.OpArithRemSI}},
		{op: "//", lhs: "uint64", rhs: "uint64", res: "uint64",
			want:   []ir.OpKind{ir.OpArithDivUI},
			absent: []ir.OpKind{ir.OpArithRemUI}},
		{op: "//", lhs: "float64", rhs: "float64", res: "float64",
			want: []ir.OpKind{ir.OpArithDivF, ir.OpMathFloor}},
		{op: "%", lhs: "float64", rhs: "float64", res: "float64",
			want: []ir.OpKind{ir.OpArithRemF, ir.OpArithAddF}},
		{op: "%", lhs: "int64", rhs: "int64", res: "int64",
			want: []ir.OpKind{ir.OpArithRemSI, ir.OpArithAddI}},
		{op: "**", lhs: "int64", rhs: "int64", res: "int64",
			want: []ir.OpKind{ir.OpMathPowF, ir.OpArithFPToSI}},
		{op: "**", lhs: "float64", rhs: "float64", res: "float64",
			want: []ir.OpKind{ir.OpMathPowF}},
		{op: "&", lhs: "int64", rhs: "int64", res: "int64", want: []ir.OpKind{ir.OpArithAndI}},
		{op: "<<", lhs: "int64", rhs: "int64", res: "int64", want: []ir.OpKind{ir.OpArithShLI}},
		{op: ">>", lhs: "uint64", rhs: "uint64", res: "uint64", want: []ir.OpKind{ir.OpArithShRUI}},
		{op: ">>", lhs: "int64", rhs: "int64", res: "int64", want: []ir.OpKind{ir.OpArithShRSI}},
		{op: "+", lhs: "int64", rhs: "float64", res: "float64",
			want: []ir.OpKind{ir.OpArithAddF, ir.OpArithSIToFP}},
		{op: "*", lhs: "complex128", rhs: "complex128", res: "complex128",
			want: []ir.OpKind{ir.OpComplexMul}},
		{op: "==", lhs: "complex128", rhs: "complex128", res: "bool",
			want: []ir.OpKind{ir.OpComplexEq}},
	}
	for _, tc := range cases {
		t.Run(tc.op+"_"+tc.lhs+"_"+tc.rhs, func(t *testing.T) {
			in := types.NewInterner()
			env := buildStdFn(t, in, "f", []string{tc.lhs, tc.rhs}, tc.res,
				func(env *testEnv, args []ir.ValueID) ir.ValueID {
					return emitBinOp(env, tc.op, py(in, tc.res), args[0], args[1])
				})
			if err := ConvertToStd(env.ctx); err != nil {
				t.Fatalf("ConvertToStd: %v", err)
			}
			for _, k := range tc.want {
				if countKind(env.fn, k) == 0 {
					t.Errorf("expected %s in lowered body", k)
				}
			}
			for _, k := range tc.absent {
				if countKind(env.fn, k) != 0 {
					t.Errorf("unexpected %s in lowered body", k)
				}
			}
			if err := ir.ValidateFunc(in, env.fn); err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func TestCmpPredicateBySignedness(t *testing.T) {
	cases := []struct {
		operand string
		want    ir.CmpIPredicate
	}{
		{operand: "int64", want: ir.CmpISlt},
		{operand: "uint64", want: ir.CmpIUlt},
	}
	for _, tc := range cases {
		t.Run(tc.operand, func(t *testing.T) {
			in := types.NewInterner()
			env := buildStdFn(t, in, "less", []string{tc.operand, tc.operand}, "bool",
				func(env *testEnv, args []ir.ValueID) ir.ValueID {
					return emitBinOp(env, "<", py(in, "bool"), args[0], args[1])
				})
			if err := ConvertToStd(env.ctx); err != nil {
				t.Fatalf("ConvertToStd: %v", err)
			}
			cmp := firstKind(env.fn, ir.OpArithCmpI)
			if cmp == nil {
				t.Fatal("no arith.cmpi emitted")
			}
			if got := ir.CmpIPredicate(cmp.IntAttrOr(ir.AttrNamePredicate, -1)); got != tc.want {
				t.Fatalf("predicate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBinOpInvalidOperator(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "bad", []string{"float64", "float64"}, "float64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			return emitBinOp(env, "&", py(in, "float64"), args[0], args[1])
		})
	if err := ConvertToStd(env.ctx); err == nil {
		t.Fatal("expected error for & on floats")
	}
	if !env.bag.HasErrors() {
		t.Fatal("no diagnostic reported")
	}
}

func TestUnaryOpLowering(t *testing.T) {
	cases := []struct {
		op      string
		operand string
		res     string
		want    ir.OpKind
	}{
		{op: "-", operand: "float64", res: "float64", want: ir.OpArithNegF},
		{op: "-", operand: "int64", res: "int64", want: ir.OpArithSubI},
		{op: "not", operand: "int64", res: "bool", want: ir.OpArithCmpI},
		{op: "~", operand: "int64", res: "int64", want: ir.OpArithXOrI},
	}
	for _, tc := range cases {
		t.Run(tc.op+"_"+tc.operand, func(t *testing.T) {
			in := types.NewInterner()
			env := buildStdFn(t, in, "u", []string{tc.operand}, tc.res,
				func(env *testEnv, args []ir.ValueID) ir.ValueID {
					return emitUnaryOp(env, tc.op, py(in, tc.res), args[0])
				})
			if err := ConvertToStd(env.ctx); err != nil {
				t.Fatalf("ConvertToStd: %v", err)
			}
			if countKind(env.fn, tc.want) == 0 {
				t.Fatalf("expected %s in lowered body", tc.want)
			}
			if err := ir.ValidateFunc(in, env.fn); err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func TestCallLen(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "length", []string{"array(float64, 1d, C)"}, "int64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			g := emitGlobal(env, "len")
			return env.b.Op1(ir.OpPlierCall, py(in, "int64"), g, args[0])
		})
	if err := ConvertToStd(env.ctx); err != nil {
		t.Fatalf("ConvertToStd: %v", err)
	}
	if countKind(env.fn, ir.OpMemRefDim) != 1 {
		t.Fatal("len() did not lower to memref.dim")
	}
	if err := ir.ValidateFunc(in, env.fn); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestCallBoolIsZeroTest(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "truthy", []string{"int64"}, "bool",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			g := emitGlobal(env, "bool")
			return env.b.Op1(ir.OpPlierCall, py(in, "bool"), g, args[0])
		})
	if err := ConvertToStd(env.ctx); err != nil {
		t.Fatalf("ConvertToStd: %v", err)
	}
	cmp := firstKind(env.fn, ir.OpArithCmpI)
	if cmp == nil {
		t.Fatal("bool() did not lower to a zero test")
	}
	if got := ir.CmpIPredicate(cmp.IntAttrOr(ir.AttrNamePredicate, -1)); got != ir.CmpINe {
		t.Fatalf("predicate = %v, want ne", got)
	}
}

func TestCallAbsFloat(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "mag", []string{"float64"}, "float64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			g := emitGlobal(env, "abs")
			return env.b.Op1(ir.OpPlierCall, py(in, "float64"), g, args[0])
		})
	if err := ConvertToStd(env.ctx); err != nil {
		t.Fatalf("ConvertToStd: %v", err)
	}
	for _, k := range []ir.OpKind{ir.OpArithNegF, ir.OpArithCmpF, ir.OpArithSelect} {
		if countKind(env.fn, k) == 0 {
			t.Fatalf("abs() lowering is missing %s", k)
		}
	}
}

func TestCallExternalSynthesizesDecl(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "caller", []string{"int64"}, "float64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			g := emitGlobal(env, "foo")
			return env.b.Op1(ir.OpPlierCall, py(in, "float64"), g, args[0])
		})
	if err := ConvertToStd(env.ctx); err != nil {
		t.Fatalf("ConvertToStd: %v", err)
	}
	call := firstKind(env.fn, ir.OpFuncCall)
	if call == nil {
		t.Fatal("no func.call emitted")
	}
	mangled := call.StringAttrOr(ir.AttrNameCallee, "")
	if mangled != "foo(si64)" {
		t.Fatalf("callee = %q, want foo(si64)", mangled)
	}
	decl := env.mod.Lookup(mangled)
	if decl == nil || !decl.Decl {
		t.Fatal("declaration was not synthesized")
	}
	info, ok := in.FuncInfo(decl.Type)
	if !ok || len(info.Params) != 1 || info.Params[0] != in.Builtins().SI64 {
		t.Fatal("declaration has wrong signature")
	}
}

func TestCallRangeSetsRerun(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "late", []string{"int64"}, "int64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			g := emitGlobal(env, "range")
			env.b.Op1(ir.OpPlierCall, py(in, "range_state"), g, args[0])
			return args[0]
		})
	if err := ConvertToStd(env.ctx); err != nil {
		t.Fatalf("ConvertToStd: %v", err)
	}
	if !env.ctx.RerunSCF {
		t.Fatal("leftover range call did not request a structuring rerun")
	}
	if countKind(env.fn, ir.OpPlierCall) != 0 {
		t.Fatal("dead range call survived cleanup")
	}
}

func TestUnsupportedCastFails(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "narrow", []string{"complex128"}, "int64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			return env.b.Op1(ir.OpPlierCast, py(in, "int64"), args[0])
		})
	err := ConvertToStd(env.ctx)
	if err == nil {
		t.Fatal("expected unsupported cast error")
	}
	found := false
	for _, d := range env.bag.Items() {
		if d.Code == diag.ConvUnsupportedCast {
			found = true
		}
	}
	if !found {
		t.Fatalf("diagnostic %s not reported: %v", diag.ConvUnsupportedCast, err)
	}
}

func TestIllegalLeftoverFails(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "attr", []string{"int64"}, "int64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			// getattr has no lowering and its result feeds the return, so it
			// cannot be swept as dead.
			v := env.b.Op1(ir.OpPlierGetAttr, py(in, "int64"), args[0])
			env.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr("ndim"))
			return v
		})
	err := ConvertToStd(env.ctx)
	if !errors.Is(err, ErrIllegalOps) {
		t.Fatalf("err = %v, want ErrIllegalOps", err)
	}
}

func TestSetItemLowersToStore(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "store", []string{"array(float64, 1d, C)", "int64", "float64"}, "int64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			env.b.Op0(ir.OpPlierSetItem, args[0], args[1], args[2])
			return args[1]
		})
	if err := ConvertToStd(env.ctx); err != nil {
		t.Fatalf("ConvertToStd: %v", err)
	}
	store := firstKind(env.fn, ir.OpMemRefStore)
	if store == nil {
		t.Fatal("setitem did not lower to memref.store")
	}
	if got := env.fn.ValueType(store.Operands[len(store.Operands)-1]); got != in.Builtins().Index {
		t.Fatalf("subscript type = %s, want index", in.String(got))
	}
	if err := ir.ValidateFunc(in, env.fn); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestGlobalMathConstant(t *testing.T) {
	in := types.NewInterner()
	env := buildStdFn(t, in, "pi", []string{"float64"}, "float64",
		func(env *testEnv, args []ir.ValueID) ir.ValueID {
			g := env.b.Op1(ir.OpPlierGlobal, py(in, "float64"))
			env.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr("math.pi"))
			return g
		})
	if err := ConvertToStd(env.ctx); err != nil {
		t.Fatalf("ConvertToStd: %v", err)
	}
	c := firstKind(env.fn, ir.OpArithConstant)
	if c == nil {
		t.Fatal("math.pi did not materialize a constant")
	}
	a, ok := c.Attr(ir.AttrNameValue)
	if !ok || a.Float < 3.14 || a.Float > 3.15 {
		t.Fatalf("constant value = %v, want pi", a.Float)
	}
}
