package gpu

import (
	"fmt"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// TileParallelLoops outlines mapped scf.parallel loops in f into device
// kernels and replaces each loop with a block size query plus a launch.
//
// A loop is tileable when every dimension is grid-mapped (at most three),
// bounds start at a constant zero with unit step, and the body carries no
// reductions or nested parallel loops. Loops that do not fit stay behind as
// host loops; a warning names the reason.
func TileParallelLoops(ctx *Context, f *ir.Func) error {
	t := &tiler{ctx: ctx, host: f}
	return t.region(&f.Body)
}

type tiler struct {
	ctx  *Context
	host *ir.Func
}

func (t *tiler) region(r *ir.Region) error {
	for _, blk := range r.Blocks {
		for i := 0; i < len(blk.Ops); i++ {
			op := &blk.Ops[i]
			if op.Kind != ir.OpSCFParallel {
				for j := range op.Regions {
					if err := t.region(&op.Regions[j]); err != nil {
						return err
					}
				}
				continue
			}
			tiled, inserted, err := t.tile(blk, i)
			if err != nil {
				return err
			}
			if !tiled {
				// Left on the host. Inner structured ops may still hold
				// tileable loops.
				for j := range blk.Ops[i].Regions {
					if err := t.region(&blk.Ops[i].Regions[j]); err != nil {
						return err
					}
				}
				continue
			}
			i += inserted - 1
		}
	}
	return nil
}

// tile rewrites blk.Ops[i] if it is a tileable parallel loop. It reports
// whether the rewrite happened and how many ops replaced the loop.
func (t *tiler) tile(blk *ir.Block, i int) (bool, int, error) {
	op := &blk.Ops[i]
	f := t.host

	skip := func(reason string) (bool, int, error) {
		diag.Warnf(t.ctx.Reporter, diag.GPUBadLoopStructure, f.Name, op.Loc.Line,
			"parallel loop stays on the host: %s", reason)
		return false, 0, nil
	}

	dims := int(op.IntAttrOr(ir.AttrNameIndex, 0))
	grid, ok := mappedDims(op)
	if !ok || grid != dims {
		return skip("loop dimensions are not fully grid-mapped")
	}
	if len(op.Operands) != 3*dims || len(op.Results) != 0 {
		return skip("loop carries reduction results")
	}
	lbs := op.Operands[:dims]
	ubs := op.Operands[dims : 2*dims]
	steps := op.Operands[2*dims:]
	for d := 0; d < dims; d++ {
		if v, ok := constInt(f, lbs[d]); !ok || v != 0 {
			return skip("lower bound is not a constant zero")
		}
		if v, ok := constInt(f, steps[d]); !ok || v != 1 {
			return skip("step is not a constant one")
		}
	}
	body := op.Regions[0].Entry()
	if body == nil || len(op.Regions[0].Blocks) != 1 {
		return skip("loop body is not a single block")
	}
	if len(body.Params) != dims {
		return skip("loop body params do not match the dimension count")
	}
	bad := false
	walkOpsIn(&op.Regions[0], func(inner *ir.Op) bool {
		if inner.Kind == ir.OpSCFReduce || inner.Kind == ir.OpSCFParallel {
			bad = true
			return false
		}
		return true
	})
	if bad {
		return skip("loop body reduces or nests another parallel loop")
	}

	kernel, args, err := t.outline(op, ubs)
	if err != nil {
		return false, 0, err
	}

	// Host side: query a block size, derive the grid, launch.
	idx := t.ctx.Types.Builtins().Index
	scratch := &ir.Block{}
	hb := ir.NewBuilder(f, t.ctx.Types)
	hb.SetBlock(scratch)
	hb.SetLoc(op.Loc)

	blocks := make([]ir.ValueID, dims)
	for d := range blocks {
		blocks[d] = f.NewValue(idx)
	}
	hb.Emit(ir.Op{Kind: ir.OpGPUSuggestBlockSize, Operands: append([]ir.ValueID(nil), ubs...), Results: blocks})

	grids := make([]ir.ValueID, dims)
	for d := range grids {
		grids[d] = hb.Op1(ir.OpArithCeilDivSI, idx, ubs[d], blocks[d])
	}
	one := hb.ConstIndex(1)
	operands := make([]ir.ValueID, 0, 6+len(args))
	for d := 0; d < 3; d++ {
		if d < dims {
			operands = append(operands, grids[d])
		} else {
			operands = append(operands, one)
		}
	}
	for d := 0; d < 3; d++ {
		if d < dims {
			operands = append(operands, blocks[d])
		} else {
			operands = append(operands, one)
		}
	}
	operands = append(operands, args...)
	launch := hb.Op0(ir.OpGPULaunchFunc, operands...)
	launch.SetAttr(ir.AttrNameGPUModule, ir.StringAttr(gpuModuleName(f)))
	launch.SetAttr(ir.AttrNameKernel, ir.StringAttr(kernel.Name))

	out := make([]ir.Op, 0, len(blk.Ops)+len(scratch.Ops)-1)
	out = append(out, blk.Ops[:i]...)
	out = append(out, scratch.Ops...)
	out = append(out, blk.Ops[i+1:]...)
	blk.Ops = out
	return true, len(scratch.Ops), nil
}

// outline builds the kernel function for the loop. Kernel parameters are the
// loop upper bounds followed by every value the body captures from the host;
// the returned args list matches that order with host values.
func (t *tiler) outline(op *ir.Op, ubs []ir.ValueID) (*ir.Func, []ir.ValueID, error) {
	f := t.host
	in := t.ctx.Types
	dims := len(ubs)

	args := append([]ir.ValueID(nil), ubs...)
	seen := make(map[ir.ValueID]bool, len(args))
	for _, v := range args {
		seen[v] = true
	}
	for _, v := range capturedValues(&op.Regions[0]) {
		if !seen[v] {
			seen[v] = true
			args = append(args, v)
		}
	}

	paramTypes := make([]types.TypeID, len(args))
	for i, v := range args {
		paramTypes[i] = f.ValueType(v)
	}

	kernel := &ir.Func{
		Name: uniqueFuncName(t.ctx.Module, f.Name+"_kernel"),
		Type: in.InternFunc(paramTypes, nil),
	}
	kernel.SetAttr(ir.AttrNameKernel, ir.UnitAttr())
	kernel.SetAttr(ir.AttrNameGPUModule, ir.StringAttr(gpuModuleName(f)))

	kb := ir.NewBuilder(kernel, in)
	entry := kb.NewBlock(&kernel.Body, paramTypes...)
	kb.SetBlock(entry)
	kb.SetLoc(op.Loc)

	vmap := make(map[ir.ValueID]ir.ValueID, len(args))
	for i, v := range args {
		vmap[v] = entry.Params[i]
	}

	// Global ids and the bounds guard. The loop space rarely divides the
	// block size evenly, so excess threads bail out.
	idx := in.Builtins().Index
	body := op.Regions[0].Entry()
	var cond ir.ValueID = ir.NoValueID
	for d := 0; d < dims; d++ {
		dim := int64(d)
		bid := kb.Op1(ir.OpGPUBlockID, idx)
		kb.Last().SetAttr(ir.AttrNameIndex, ir.IntAttr(dim))
		bdim := kb.Op1(ir.OpGPUBlockDim, idx)
		kb.Last().SetAttr(ir.AttrNameIndex, ir.IntAttr(dim))
		tid := kb.Op1(ir.OpGPUThreadID, idx)
		kb.Last().SetAttr(ir.AttrNameIndex, ir.IntAttr(dim))
		base := kb.Op1(ir.OpArithMulI, idx, bid, bdim)
		gid := kb.Op1(ir.OpArithAddI, idx, base, tid)
		vmap[body.Params[d]] = gid

		inBounds := kb.CmpI(ir.CmpISlt, gid, entry.Params[d])
		if cond == ir.NoValueID {
			cond = inBounds
		} else {
			cond = kb.Op1(ir.OpArithAndI, in.Builtins().I1, cond, inBounds)
		}
	}

	then := &ir.Block{Term: ir.Terminator{Kind: ir.TermUnreachable}}
	ops, err := cloneOps(f, kernel, body.Ops, vmap)
	if err != nil {
		return nil, nil, fmt.Errorf("outlining %s: %w", kernel.Name, err)
	}
	then.Ops = ops
	if n := len(then.Ops); n == 0 || then.Ops[n-1].Kind != ir.OpSCFYield {
		then.Ops = append(then.Ops, ir.Op{Kind: ir.OpSCFYield})
	}
	kb.Emit(ir.Op{
		Kind:     ir.OpSCFIf,
		Operands: []ir.ValueID{cond},
		Regions:  []ir.Region{{Blocks: []*ir.Block{then}}},
	})
	entry.Term = ir.Terminator{Kind: ir.TermReturn, Loc: op.Loc}

	t.ctx.Module.AddFunc(kernel)
	return kernel, args, nil
}

// cloneOps copies host ops into the kernel, remapping every value through
// vmap. Results allocate fresh kernel values; nested regions clone
// recursively.
func cloneOps(host, kernel *ir.Func, src []ir.Op, vmap map[ir.ValueID]ir.ValueID) ([]ir.Op, error) {
	out := make([]ir.Op, 0, len(src))
	for i := range src {
		op := &src[i]
		clone := ir.Op{Kind: op.Kind, Loc: op.Loc}
		clone.Attrs = append([]ir.NamedAttr(nil), op.Attrs...)
		clone.Results = make([]ir.ValueID, len(op.Results))
		for j, r := range op.Results {
			nv := kernel.NewValue(host.ValueType(r))
			vmap[r] = nv
			clone.Results[j] = nv
		}
		clone.Operands = make([]ir.ValueID, len(op.Operands))
		for j, v := range op.Operands {
			nv, ok := vmap[v]
			if !ok {
				return nil, fmt.Errorf("value v%d escapes the outlined region", v)
			}
			clone.Operands[j] = nv
		}
		for j := range op.Regions {
			r := &op.Regions[j]
			nr := ir.Region{Blocks: make([]*ir.Block, 0, len(r.Blocks))}
			for _, blk := range r.Blocks {
				nb := &ir.Block{ID: blk.ID, Term: blk.Term}
				nb.Params = make([]ir.ValueID, len(blk.Params))
				for k, p := range blk.Params {
					np := kernel.NewValue(host.ValueType(p))
					vmap[p] = np
					nb.Params[k] = np
				}
				ops, err := cloneOps(host, kernel, blk.Ops, vmap)
				if err != nil {
					return nil, err
				}
				nb.Ops = ops
				nr.Blocks = append(nr.Blocks, nb)
			}
			clone.Regions = append(clone.Regions, nr)
		}
		out = append(out, clone)
	}
	return out, nil
}

// capturedValues lists, in first-use order, every value the region reads
// but does not define.
func capturedValues(r *ir.Region) []ir.ValueID {
	defined := make(map[ir.ValueID]bool)
	var markDefs func(r *ir.Region)
	markDefs = func(r *ir.Region) {
		for _, blk := range r.Blocks {
			for _, p := range blk.Params {
				defined[p] = true
			}
			for i := range blk.Ops {
				for _, res := range blk.Ops[i].Results {
					defined[res] = true
				}
				for j := range blk.Ops[i].Regions {
					markDefs(&blk.Ops[i].Regions[j])
				}
			}
		}
	}
	markDefs(r)

	var captured []ir.ValueID
	inList := make(map[ir.ValueID]bool)
	use := func(v ir.ValueID) {
		if v == ir.NoValueID || defined[v] || inList[v] {
			return
		}
		inList[v] = true
		captured = append(captured, v)
	}
	var walk func(r *ir.Region)
	walk = func(r *ir.Region) {
		for _, blk := range r.Blocks {
			for i := range blk.Ops {
				for _, v := range blk.Ops[i].Operands {
					use(v)
				}
				for j := range blk.Ops[i].Regions {
					walk(&blk.Ops[i].Regions[j])
				}
			}
			switch blk.Term.Kind {
			case ir.TermBr:
				for _, v := range blk.Term.Br.Args {
					use(v)
				}
			case ir.TermCondBr:
				use(blk.Term.CondBr.Cond)
				for _, v := range blk.Term.CondBr.TrueArgs {
					use(v)
				}
				for _, v := range blk.Term.CondBr.FalseArgs {
					use(v)
				}
			case ir.TermReturn:
				for _, v := range blk.Term.Return.Values {
					use(v)
				}
			}
		}
	}
	walk(r)
	return captured
}

// constInt finds the defining arith.constant of v and returns its value.
func constInt(f *ir.Func, v ir.ValueID) (int64, bool) {
	var out int64
	found := false
	ir.WalkOps(f, func(_ *ir.Block, op *ir.Op) bool {
		if op.Kind != ir.OpArithConstant || len(op.Results) != 1 || op.Results[0] != v {
			return true
		}
		if a, ok := op.Attr(ir.AttrNameValue); ok && a.Kind == ir.AttrInt {
			out = a.Int
			found = true
		}
		return false
	})
	return out, found
}

// walkOpsIn visits every op nested under r.
func walkOpsIn(r *ir.Region, fn func(*ir.Op) bool) bool {
	for _, blk := range r.Blocks {
		for i := range blk.Ops {
			op := &blk.Ops[i]
			if !fn(op) {
				return false
			}
			for j := range op.Regions {
				if !walkOpsIn(&op.Regions[j], fn) {
					return false
				}
			}
		}
	}
	return true
}

// gpuModuleName is the device module every kernel outlined from f joins.
func gpuModuleName(f *ir.Func) string {
	return f.Name + "_gpu"
}

// uniqueFuncName suffixes base until it is free in m.
func uniqueFuncName(m *ir.Module, base string) string {
	if m.Lookup(base) == nil {
		return base
	}
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s_%d", base, n)
		if m.Lookup(name) == nil {
			return name
		}
	}
}
