package plier

import (
	"strings"
	"testing"

	"numir/internal/ir"
	"numir/internal/types"
)

// sumDesc builds:
//
//	def sum(n):
//	    s = 0
//	    i = 0
//	    while i < n:
//	        s = s + i
//	        i = i + 1
//	    return s
//
// in pre-lowered form with explicit phis.
func sumDesc() FuncDesc {
	return FuncDesc{
		Name: "sum",
		Args: []ArgDesc{{Name: "n", Type: "int64"}},
		TypeMap: map[string]string{
			"n": "int64", "s0": "int64", "i0": "int64",
			"s1": "int64", "i1": "int64",
			"s2": "int64", "i2": "int64",
			"cond": "bool",
		},
		ResultType: "int64",
		Blocks: []BlockDesc{
			{
				Label: 0,
				Insts: []InstDesc{
					{Target: "n", Expr: ExprDesc{Kind: ExprArg, ArgIndex: 0}},
					{Target: "s0", Expr: ExprDesc{Kind: ExprConst, Const: ConstDesc{Kind: ConstInt, Int: 0}}},
					{Target: "i0", Expr: ExprDesc{Kind: ExprConst, Const: ConstDesc{Kind: ConstInt, Int: 0}}},
				},
				Term: TermDesc{Kind: TermJump, Target: 10},
			},
			{
				Label: 10,
				Insts: []InstDesc{
					{Target: "s1", Expr: ExprDesc{Kind: ExprPhi, Incoming: []PhiIncoming{
						{Block: 0, Var: "s0"}, {Block: 20, Var: "s2"},
					}}},
					{Target: "i1", Expr: ExprDesc{Kind: ExprPhi, Incoming: []PhiIncoming{
						{Block: 0, Var: "i0"}, {Block: 20, Var: "i2"},
					}}},
					{Target: "cond", Expr: ExprDesc{Kind: ExprBinOp, Name: "<", Operands: []string{"i1", "n"}}},
				},
				Term: TermDesc{Kind: TermBranch, Var: "cond", True: 20, False: 30},
			},
			{
				Label: 20,
				Insts: []InstDesc{
					{Target: "s2", Expr: ExprDesc{Kind: ExprBinOp, Name: "+", Operands: []string{"s1", "i1"}}},
					{Target: "i2", Expr: ExprDesc{Kind: ExprBinOp, Name: "+", Operands: []string{"i1", "n"}}},
				},
				Term: TermDesc{Kind: TermJump, Target: 10},
			},
			{
				Label: 30,
				Term:  TermDesc{Kind: TermReturn, Var: "s1"},
			},
		},
	}
}

func TestLowerSum(t *testing.T) {
	in := types.NewInterner()
	fd := sumDesc()
	f, err := LowerFunc(in, &fd)
	if err != nil {
		t.Fatal(err)
	}
	if err := ir.ValidateFunc(in, f); err != nil {
		t.Fatalf("imported function does not validate: %v", err)
	}

	// Entry + 4 labeled blocks.
	if len(f.Body.Blocks) != 5 {
		t.Fatalf("block count = %d", len(f.Body.Blocks))
	}

	// The loop header has two phi-derived params.
	header := f.Body.Blocks[2]
	if len(header.Params) != 2 {
		t.Fatalf("header params = %d", len(header.Params))
	}

	// Both edges into the header carry two args.
	preheader := f.Body.Blocks[1]
	if preheader.Term.Kind != ir.TermBr || len(preheader.Term.Br.Args) != 2 {
		t.Fatalf("preheader edge args = %v", preheader.Term.Br.Args)
	}
	latch := f.Body.Blocks[3]
	if latch.Term.Kind != ir.TermBr || len(latch.Term.Br.Args) != 2 {
		t.Fatalf("latch edge args = %v", latch.Term.Br.Args)
	}

	// Everything is still abstract.
	ir.WalkOps(f, func(_ *ir.Block, op *ir.Op) bool {
		if ir.DialectOf(op.Kind) != ir.DialectPlier {
			t.Fatalf("unexpected non-abstract op %s", op.Kind)
		}
		return true
	})
}

func TestLowerTypesAreAbstract(t *testing.T) {
	in := types.NewInterner()
	fd := sumDesc()
	f, err := LowerFunc(in, &fd)
	if err != nil {
		t.Fatal(err)
	}
	for i, vi := range f.Values {
		if in.Kind(vi.Type) != types.KindPython {
			t.Fatalf("v%d has non-abstract type %s", i, in.String(vi.Type))
		}
	}
}

func TestUseBeforeDef(t *testing.T) {
	in := types.NewInterner()
	fd := FuncDesc{
		Name:       "bad",
		TypeMap:    map[string]string{"x": "int64", "y": "int64"},
		ResultType: "int64",
		Blocks: []BlockDesc{{
			Label: 0,
			Insts: []InstDesc{
				{Target: "y", Expr: ExprDesc{Kind: ExprBinOp, Name: "+", Operands: []string{"x", "x"}}},
			},
			Term: TermDesc{Kind: TermReturn, Var: "y"},
		}},
	}
	_, err := LowerFunc(in, &fd)
	if err == nil || !strings.Contains(err.Error(), "used before definition") {
		t.Fatalf("expected use-before-def error, got: %v", err)
	}
}

func TestMissingTypeMapEntry(t *testing.T) {
	in := types.NewInterner()
	fd := FuncDesc{
		Name:       "bad",
		TypeMap:    map[string]string{},
		ResultType: "int64",
		Blocks: []BlockDesc{{
			Label: 0,
			Insts: []InstDesc{
				{Target: "x", Expr: ExprDesc{Kind: ExprConst, Const: ConstDesc{Kind: ConstInt, Int: 1}}},
			},
			Term: TermDesc{Kind: TermReturn, Var: "x"},
		}},
	}
	_, err := LowerFunc(in, &fd)
	if err == nil || !strings.Contains(err.Error(), "no inferred type") {
		t.Fatalf("expected missing type error, got: %v", err)
	}
}

func TestMissingPhiIncoming(t *testing.T) {
	in := types.NewInterner()
	fd := sumDesc()
	// Drop the back-edge incoming value from the first phi.
	fd.Blocks[1].Insts[0].Expr.Incoming = fd.Blocks[1].Insts[0].Expr.Incoming[:1]
	_, err := LowerFunc(in, &fd)
	if err == nil || !strings.Contains(err.Error(), "no incoming value") {
		t.Fatalf("expected phi incoming error, got: %v", err)
	}
}

func TestLowerModuleDuplicate(t *testing.T) {
	in := types.NewInterner()
	fd1 := sumDesc()
	fd2 := sumDesc()
	_, err := LowerModule(in, "m", []FuncDesc{fd1, fd2})
	if err == nil || !strings.Contains(err.Error(), "duplicate name") {
		t.Fatalf("expected duplicate error, got: %v", err)
	}
}
