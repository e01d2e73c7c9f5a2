package plier

import (
	"errors"
	"fmt"

	"numir/internal/ir"
	"numir/internal/types"
)

// LowerModule imports a set of function descriptions into a fresh module of
// abstract ops. All variables keep their frontend types; nothing is resolved
// to numeric types yet.
func LowerModule(in *types.Interner, name string, funcs []FuncDesc) (*ir.Module, error) {
	m := ir.NewModule(name, in)
	var errs []error
	seen := make(map[string]bool)
	for i := range funcs {
		fd := &funcs[i]
		if seen[fd.Name] {
			errs = append(errs, fmt.Errorf("function %s: duplicate name", fd.Name))
			continue
		}
		seen[fd.Name] = true
		f, err := LowerFunc(in, fd)
		if err != nil {
			errs = append(errs, fmt.Errorf("function %s: %w", fd.Name, err))
			continue
		}
		m.AddFunc(f)
	}
	return m, errors.Join(errs...)
}

// LowerFunc imports a single function description.
func LowerFunc(in *types.Interner, fd *FuncDesc) (*ir.Func, error) {
	lw := &lowerer{
		in:      in,
		desc:    fd,
		blocks:  make(map[int]*ir.Block),
		vars:    make(map[string]ir.ValueID),
		phis:    make(map[int][]phiInfo),
		argVals: make([]ir.ValueID, len(fd.Args)),
	}
	return lw.run()
}

// phiInfo tracks one phi-derived block parameter and the variable feeding it
// from each predecessor label.
type phiInfo struct {
	incoming map[int]string
}

type lowerer struct {
	in   *types.Interner
	desc *FuncDesc

	f *ir.Func
	b *ir.Builder

	blocks  map[int]*ir.Block
	vars    map[string]ir.ValueID
	phis    map[int][]phiInfo
	argVals []ir.ValueID
}

func (lw *lowerer) run() (*ir.Func, error) {
	fd := lw.desc
	if len(fd.Blocks) == 0 {
		return nil, fmt.Errorf("no blocks")
	}

	params := make([]types.TypeID, len(fd.Args))
	for i, a := range fd.Args {
		params[i] = lw.in.Intern(types.MakePython(a.Type))
	}
	result := lw.in.Intern(types.MakePython(fd.ResultType))
	sig := lw.in.InternFunc(params, []types.TypeID{result})

	lw.f = &ir.Func{Name: fd.Name, Type: sig}
	lw.b = ir.NewBuilder(lw.f, lw.in)

	// Entry block carries the function arguments and jumps to the first
	// labeled block.
	entry := lw.b.NewBlock(&lw.f.Body, params...)
	copy(lw.argVals, entry.Params)

	// First pass: create blocks and turn phi nodes into block parameters so
	// forward references resolve.
	for i := range fd.Blocks {
		bd := &fd.Blocks[i]
		if _, dup := lw.blocks[bd.Label]; dup {
			return nil, fmt.Errorf("duplicate block label %d", bd.Label)
		}
		blk := lw.b.NewBlock(&lw.f.Body)
		lw.blocks[bd.Label] = blk
		for j := range bd.Insts {
			inst := &bd.Insts[j]
			if inst.Expr.Kind != ExprPhi {
				continue
			}
			t, err := lw.typeOf(inst.Target)
			if err != nil {
				return nil, err
			}
			p := lw.f.NewValue(t)
			blk.Params = append(blk.Params, p)
			lw.vars[inst.Target] = p
			info := phiInfo{incoming: make(map[int]string, len(inst.Expr.Incoming))}
			for _, inc := range inst.Expr.Incoming {
				info.incoming[inc.Block] = inc.Var
			}
			lw.phis[bd.Label] = append(lw.phis[bd.Label], info)
		}
	}

	if len(lw.phis[fd.Blocks[0].Label]) > 0 {
		return nil, fmt.Errorf("first block %d has phi nodes", fd.Blocks[0].Label)
	}
	entry.Term = ir.Terminator{Kind: ir.TermBr, Br: ir.BrTerm{Target: lw.blocks[fd.Blocks[0].Label].ID}}

	// Second pass: lower instructions and terminators.
	for i := range fd.Blocks {
		bd := &fd.Blocks[i]
		lw.b.SetBlock(lw.blocks[bd.Label])
		lw.b.SetLoc(ir.Location{Line: bd.Line})
		for j := range bd.Insts {
			if err := lw.lowerInst(&bd.Insts[j]); err != nil {
				return nil, fmt.Errorf("block %d: %w", bd.Label, err)
			}
		}
		if err := lw.lowerTerm(bd); err != nil {
			return nil, fmt.Errorf("block %d: %w", bd.Label, err)
		}
	}

	// Deferred phi fixup: now that every variable is bound, fill in branch
	// arguments on edges into blocks with phi parameters.
	if err := lw.fixupPhis(); err != nil {
		return nil, err
	}
	return lw.f, nil
}

func (lw *lowerer) typeOf(name string) (types.TypeID, error) {
	pyName, ok := lw.desc.TypeMap[name]
	if !ok {
		return types.NoTypeID, fmt.Errorf("variable %s: no inferred type", name)
	}
	return lw.in.Intern(types.MakePython(pyName)), nil
}

func (lw *lowerer) use(name string) (ir.ValueID, error) {
	v, ok := lw.vars[name]
	if !ok {
		return ir.NoValueID, fmt.Errorf("variable %s: used before definition", name)
	}
	return v, nil
}

func (lw *lowerer) useAll(names []string) ([]ir.ValueID, error) {
	out := make([]ir.ValueID, len(names))
	for i, n := range names {
		v, err := lw.use(n)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (lw *lowerer) lowerInst(inst *InstDesc) error {
	if inst.Expr.Kind == ExprPhi {
		// Already a block parameter.
		return nil
	}
	if inst.Expr.Kind == ExprDel {
		return nil
	}
	if inst.Expr.Kind == ExprSetItem {
		ops, err := lw.useAll(inst.Expr.Operands)
		if err != nil {
			return err
		}
		if len(ops) != 3 {
			return fmt.Errorf("setitem: expected 3 operands, got %d", len(ops))
		}
		lw.b.SetLoc(ir.Location{Line: inst.Line})
		lw.b.Op0(ir.OpPlierSetItem, ops...)
		return nil
	}
	t, err := lw.typeOf(inst.Target)
	if err != nil {
		return err
	}
	lw.b.SetLoc(ir.Location{Line: inst.Line})

	var v ir.ValueID
	e := &inst.Expr
	switch e.Kind {
	case ExprArg:
		if e.ArgIndex < 0 || e.ArgIndex >= len(lw.argVals) {
			return fmt.Errorf("argument index %d out of range", e.ArgIndex)
		}
		v = lw.b.Op1(ir.OpPlierArg, t)
		lw.b.Last().SetAttr(ir.AttrNameIndex, ir.IntAttr(int64(e.ArgIndex)))

	case ExprConst:
		v = lw.b.Op1(ir.OpPlierConst, t)
		op := lw.b.Last()
		switch e.Const.Kind {
		case ConstInt:
			op.SetAttr(ir.AttrNameValue, ir.IntAttr(e.Const.Int))
		case ConstFloat:
			op.SetAttr(ir.AttrNameValue, ir.FloatAttr(e.Const.Float))
		case ConstComplex:
			op.SetAttr(ir.AttrNameValue, ir.FloatAttr(e.Const.Float))
			op.SetAttr("imag", ir.FloatAttr(e.Const.Imag))
		case ConstNone:
		}

	case ExprGlobal:
		v = lw.b.Op1(ir.OpPlierGlobal, t)
		lw.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr(e.Name))

	case ExprBinOp, ExprInplaceBinOp:
		ops, err := lw.useAll(e.Operands)
		if err != nil {
			return err
		}
		if len(ops) != 2 {
			return fmt.Errorf("binary operator %q: expected 2 operands, got %d", e.Name, len(ops))
		}
		kind := ir.OpPlierBinOp
		if e.Kind == ExprInplaceBinOp {
			kind = ir.OpPlierInplaceBinOp
		}
		v = lw.b.Op1(kind, t, ops...)
		lw.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr(e.Name))

	case ExprUnaryOp:
		ops, err := lw.useAll(e.Operands)
		if err != nil {
			return err
		}
		if len(ops) != 1 {
			return fmt.Errorf("unary operator %q: expected 1 operand, got %d", e.Name, len(ops))
		}
		v = lw.b.Op1(ir.OpPlierUnaryOp, t, ops...)
		lw.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr(e.Name))

	case ExprCall:
		if len(e.Operands) == 0 {
			return fmt.Errorf("call without callee")
		}
		ops, err := lw.useAll(e.Operands)
		if err != nil {
			return err
		}
		v = lw.b.Op1(ir.OpPlierCall, t, ops...)
		if e.Name != "" {
			lw.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr(e.Name))
		}

	case ExprCast:
		ops, err := lw.useAll(e.Operands)
		if err != nil {
			return err
		}
		if len(ops) != 1 {
			return fmt.Errorf("cast: expected 1 operand, got %d", len(ops))
		}
		v = lw.b.Op1(ir.OpPlierCast, t, ops...)

	case ExprBuildTuple:
		ops, err := lw.useAll(e.Operands)
		if err != nil {
			return err
		}
		v = lw.b.Op1(ir.OpPlierBuildTuple, t, ops...)

	case ExprGetItem:
		ops, err := lw.useAll(e.Operands)
		if err != nil {
			return err
		}
		if len(ops) != 2 {
			return fmt.Errorf("getitem: expected 2 operands, got %d", len(ops))
		}
		v = lw.b.Op1(ir.OpPlierGetItem, t, ops...)

	case ExprGetIter, ExprIterNext, ExprPairFirst, ExprPairSecond:
		ops, err := lw.useAll(e.Operands)
		if err != nil {
			return err
		}
		if len(ops) != 1 {
			return fmt.Errorf("iterator op: expected 1 operand, got %d", len(ops))
		}
		kind := map[ExprKind]ir.OpKind{
			ExprGetIter:    ir.OpPlierGetIter,
			ExprIterNext:   ir.OpPlierIterNext,
			ExprPairFirst:  ir.OpPlierPairFirst,
			ExprPairSecond: ir.OpPlierPairSecond,
		}[e.Kind]
		v = lw.b.Op1(kind, t, ops...)

	case ExprGetAttr:
		ops, err := lw.useAll(e.Operands)
		if err != nil {
			return err
		}
		if len(ops) != 1 {
			return fmt.Errorf("getattr: expected 1 operand, got %d", len(ops))
		}
		v = lw.b.Op1(ir.OpPlierGetAttr, t, ops...)
		lw.b.Last().SetAttr(ir.AttrNameName, ir.StringAttr(e.Name))

	default:
		return fmt.Errorf("unsupported expression kind %d", e.Kind)
	}

	lw.vars[inst.Target] = v
	return nil
}

func (lw *lowerer) lowerTerm(bd *BlockDesc) error {
	blk := lw.blocks[bd.Label]
	switch bd.Term.Kind {
	case TermJump:
		target, ok := lw.blocks[bd.Term.Target]
		if !ok {
			return fmt.Errorf("jump to unknown block %d", bd.Term.Target)
		}
		blk.Term = ir.Terminator{Kind: ir.TermBr, Br: ir.BrTerm{Target: target.ID}}

	case TermBranch:
		cond, err := lw.use(bd.Term.Var)
		if err != nil {
			return err
		}
		t, ok := lw.blocks[bd.Term.True]
		if !ok {
			return fmt.Errorf("branch to unknown block %d", bd.Term.True)
		}
		f, ok := lw.blocks[bd.Term.False]
		if !ok {
			return fmt.Errorf("branch to unknown block %d", bd.Term.False)
		}
		blk.Term = ir.Terminator{Kind: ir.TermCondBr, CondBr: ir.CondBrTerm{
			Cond: cond, True: t.ID, False: f.ID,
		}}

	case TermReturn:
		v, err := lw.use(bd.Term.Var)
		if err != nil {
			return err
		}
		blk.Term = ir.Terminator{Kind: ir.TermReturn, Return: ir.ReturnTerm{Values: []ir.ValueID{v}}}

	default:
		return fmt.Errorf("unsupported terminator kind %d", bd.Term.Kind)
	}
	return nil
}

// fixupPhis fills branch arguments on every edge into a block with phi
// parameters. Runs after all blocks are lowered so back edges resolve.
func (lw *lowerer) fixupPhis() error {
	var errs []error
	for label, infos := range lw.phis {
		target := lw.blocks[label]
		for predLabel, pred := range lw.blocks {
			args, used, err := lw.phiArgs(label, infos, predLabel)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !used {
				continue
			}
			switch pred.Term.Kind {
			case ir.TermBr:
				if pred.Term.Br.Target == target.ID {
					pred.Term.Br.Args = args
				}
			case ir.TermCondBr:
				if pred.Term.CondBr.True == target.ID {
					pred.Term.CondBr.TrueArgs = args
				}
				if pred.Term.CondBr.False == target.ID {
					pred.Term.CondBr.FalseArgs = args
				}
			}
		}
	}
	return errors.Join(errs...)
}

// phiArgs resolves the argument list for the edge predLabel -> label.
// used=false when the predecessor has no edge into the target.
func (lw *lowerer) phiArgs(label int, infos []phiInfo, predLabel int) ([]ir.ValueID, bool, error) {
	pred := lw.blocks[predLabel]
	target := lw.blocks[label]
	hasEdge := false
	switch pred.Term.Kind {
	case ir.TermBr:
		hasEdge = pred.Term.Br.Target == target.ID
	case ir.TermCondBr:
		hasEdge = pred.Term.CondBr.True == target.ID || pred.Term.CondBr.False == target.ID
	}
	if !hasEdge {
		return nil, false, nil
	}
	args := make([]ir.ValueID, len(infos))
	for i, info := range infos {
		name, ok := info.incoming[predLabel]
		if !ok {
			return nil, false, fmt.Errorf("block %d: phi %d has no incoming value from block %d",
				label, i, predLabel)
		}
		v, err := lw.use(name)
		if err != nil {
			return nil, false, err
		}
		args[i] = v
	}
	return args, true, nil
}
