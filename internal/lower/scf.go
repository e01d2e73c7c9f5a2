package lower

import (
	"fmt"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// StructureFunc collapses the function's CFG into structured control flow:
// straight-line merges, if/else diamonds into scf.if, counted range loops
// into scf.for (scf.parallel for prange), and general loops into scf.while.
// Runs to a fixpoint.
func StructureFunc(ctx *Context) error {
	r := &ctx.Fn.Body
	for iter := 0; ; iter++ {
		if iter >= maxIterations {
			return fmt.Errorf("%w: control flow structuring", ErrNotConverged)
		}
		if mergeStraightLine(ctx, r) {
			continue
		}
		changed, err := collapseRangeFor(ctx, r)
		if err != nil {
			return err
		}
		if changed {
			continue
		}
		changed, err = collapseWhile(ctx, r)
		if err != nil {
			return err
		}
		if changed {
			continue
		}
		if collapseIf(ctx, r) {
			continue
		}
		return nil
	}
}

// predecessors returns, per block, the IDs of blocks with an edge into it.
func predecessors(r *ir.Region) map[ir.BlockID][]ir.BlockID {
	preds := make(map[ir.BlockID][]ir.BlockID)
	add := func(to, from ir.BlockID) {
		for _, p := range preds[to] {
			if p == from {
				return
			}
		}
		preds[to] = append(preds[to], from)
	}
	for _, blk := range r.Blocks {
		switch blk.Term.Kind {
		case ir.TermBr:
			add(blk.Term.Br.Target, blk.ID)
		case ir.TermCondBr:
			add(blk.Term.CondBr.True, blk.ID)
			add(blk.Term.CondBr.False, blk.ID)
		}
	}
	return preds
}

// removeBlocks drops the given blocks, renumbers the rest, and remaps every
// terminator target.
func removeBlocks(r *ir.Region, dead map[ir.BlockID]bool) {
	remap := make(map[ir.BlockID]ir.BlockID, len(r.Blocks))
	kept := make([]*ir.Block, 0, len(r.Blocks))
	for _, blk := range r.Blocks {
		if dead[blk.ID] {
			continue
		}
		remap[blk.ID] = ir.BlockID(len(kept))
		kept = append(kept, blk)
	}
	for _, blk := range kept {
		blk.ID = remap[blk.ID]
		switch blk.Term.Kind {
		case ir.TermBr:
			blk.Term.Br.Target = remap[blk.Term.Br.Target]
		case ir.TermCondBr:
			blk.Term.CondBr.True = remap[blk.Term.CondBr.True]
			blk.Term.CondBr.False = remap[blk.Term.CondBr.False]
		}
	}
	r.Blocks = kept
}

// mergeStraightLine inlines a block into its unique predecessor when the
// edge is unconditional.
func mergeStraightLine(ctx *Context, r *ir.Region) bool {
	preds := predecessors(r)
	for _, p := range r.Blocks {
		if p.Term.Kind != ir.TermBr {
			continue
		}
		q := r.Block(p.Term.Br.Target)
		if q == p || q == r.Entry() {
			continue
		}
		if len(preds[q.ID]) != 1 {
			continue
		}
		for i, param := range q.Params {
			ir.ReplaceUses(ctx.Fn, param, p.Term.Br.Args[i])
		}
		p.Ops = append(p.Ops, q.Ops...)
		p.Term = q.Term
		removeBlocks(r, map[ir.BlockID]bool{q.ID: true})
		return true
	}
	return false
}

// collapseIf rewrites the diamond
//
//	A: cond_br c, T, F;  T: ... br J;  F: ... br J
//
// (or the degenerate form without an else block) into scf.if feeding J's
// parameters as results.
func collapseIf(ctx *Context, r *ir.Region) bool {
	preds := predecessors(r)
	for _, a := range r.Blocks {
		if a.Term.Kind != ir.TermCondBr {
			continue
		}
		cb := a.Term.CondBr
		t := r.Block(cb.True)
		f := r.Block(cb.False)
		if t == f || t == a || f == a {
			continue
		}

		var join *ir.Block
		var thenArgs, elseArgs []ir.ValueID
		dead := make(map[ir.BlockID]bool)

		thenBlk, thenOK := armOf(preds, a, t)
		elseBlk, elseOK := armOf(preds, a, f)

		switch {
		case thenOK && elseOK && thenBlk.Term.Br.Target == elseBlk.Term.Br.Target:
			join = r.Block(thenBlk.Term.Br.Target)
			if join == a || join == thenBlk || join == elseBlk {
				continue
			}
			thenArgs = thenBlk.Term.Br.Args
			elseArgs = elseBlk.Term.Br.Args
			dead[thenBlk.ID] = true
			dead[elseBlk.ID] = true
		case thenOK && thenBlk.Term.Br.Target == f.ID:
			// No else arm: false edge goes straight to the join.
			join = f
			thenArgs = thenBlk.Term.Br.Args
			elseArgs = cb.FalseArgs
			dead[thenBlk.ID] = true
			elseBlk = nil
		default:
			continue
		}
		if len(preds[join.ID]) != 2 {
			continue
		}

		// Arm params are fed by the conditional's edge args.
		for i, p := range t.Params {
			ir.ReplaceUses(ctx.Fn, p, cb.TrueArgs[i])
		}
		if elseBlk != nil {
			for i, p := range f.Params {
				ir.ReplaceUses(ctx.Fn, p, cb.FalseArgs[i])
			}
		}

		ifOp := ir.Op{Kind: ir.OpSCFIf, Operands: []ir.ValueID{cb.Cond}}
		results := make([]ir.ValueID, len(join.Params))
		for i, p := range join.Params {
			results[i] = ctx.Fn.NewValue(ctx.Fn.ValueType(p))
		}
		ifOp.Results = results
		ifOp.Regions = []ir.Region{
			armRegion(thenBlk, thenArgs),
			armRegion(elseBlk, elseArgs),
		}

		for i, p := range join.Params {
			ir.ReplaceUses(ctx.Fn, p, results[i])
		}
		join.Params = nil

		a.Ops = append(a.Ops, ifOp)
		a.Term = ir.Terminator{Kind: ir.TermBr, Br: ir.BrTerm{Target: join.ID}}
		removeBlocks(r, dead)
		return true
	}
	return false
}

// armOf checks that blk is a simple arm of the conditional: single
// predecessor a, unconditional exit.
func armOf(preds map[ir.BlockID][]ir.BlockID, a, blk *ir.Block) (*ir.Block, bool) {
	if blk.Term.Kind != ir.TermBr {
		return nil, false
	}
	if len(preds[blk.ID]) != 1 || preds[blk.ID][0] != a.ID {
		return nil, false
	}
	return blk, true
}

// armRegion packages an arm block (nil for an empty else) into a region
// ending in scf.yield of the join arguments.
func armRegion(blk *ir.Block, yieldArgs []ir.ValueID) ir.Region {
	nb := &ir.Block{}
	if blk != nil {
		nb.Ops = blk.Ops
	}
	nb.Ops = append(nb.Ops, ir.Op{Kind: ir.OpSCFYield, Operands: yieldArgs})
	nb.Term = ir.Terminator{Kind: ir.TermUnreachable}
	return ir.Region{Blocks: []*ir.Block{nb}}
}

// loopShape captures the blocks of a natural loop candidate:
//
//	P: ... br H;  H(params): ... cond_br c, B, E;  B: ... br H
type loopShape struct {
	pre, header, body, exit *ir.Block
}

func findLoop(r *ir.Region, preds map[ir.BlockID][]ir.BlockID) (loopShape, bool) {
	for _, h := range r.Blocks {
		if h == r.Entry() || h.Term.Kind != ir.TermCondBr {
			continue
		}
		cb := h.Term.CondBr
		b := r.Block(cb.True)
		e := r.Block(cb.False)
		if b == nil || e == nil || b == h || e == h || b == e {
			continue
		}
		if b.Term.Kind != ir.TermBr || b.Term.Br.Target != h.ID {
			continue
		}
		if len(preds[b.ID]) != 1 || len(preds[h.ID]) != 2 {
			continue
		}
		if len(preds[e.ID]) != 1 {
			continue
		}
		var p *ir.Block
		for _, pid := range preds[h.ID] {
			if pid != b.ID {
				p = r.Block(pid)
			}
		}
		if p == nil || p.Term.Kind != ir.TermBr {
			continue
		}
		return loopShape{pre: p, header: h, body: b, exit: e}, true
	}
	return loopShape{}, false
}

// headerDefs lists the values defined by the header (params and op results)
// that are used outside of it.
func headerDefs(ctx *Context, r *ir.Region, l loopShape) []ir.ValueID {
	defined := make(map[ir.ValueID]bool)
	for _, p := range l.header.Params {
		defined[p] = true
	}
	for i := range l.header.Ops {
		for _, res := range l.header.Ops[i].Results {
			defined[res] = true
		}
	}
	usedOutside := make(map[ir.ValueID]bool)
	for _, blk := range r.Blocks {
		if blk == l.header {
			continue
		}
		for i := range blk.Ops {
			for _, o := range blk.Ops[i].Operands {
				if defined[o] {
					usedOutside[o] = true
				}
			}
			markRegionUses(&blk.Ops[i], defined, usedOutside)
		}
		for _, v := range termUses(&blk.Term) {
			if defined[v] {
				usedOutside[v] = true
			}
		}
	}
	// Exit edge args always travel out.
	for _, v := range l.header.Term.CondBr.FalseArgs {
		if defined[v] {
			usedOutside[v] = true
		}
	}
	for _, v := range l.header.Term.CondBr.TrueArgs {
		if defined[v] {
			usedOutside[v] = true
		}
	}
	out := make([]ir.ValueID, 0, len(usedOutside))
	for _, p := range l.header.Params {
		if usedOutside[p] {
			out = append(out, p)
		}
	}
	for i := range l.header.Ops {
		for _, res := range l.header.Ops[i].Results {
			if usedOutside[res] {
				out = append(out, res)
			}
		}
	}
	return out
}

func markRegionUses(op *ir.Op, defined, used map[ir.ValueID]bool) {
	for i := range op.Regions {
		for _, blk := range op.Regions[i].Blocks {
			for j := range blk.Ops {
				for _, o := range blk.Ops[j].Operands {
					if defined[o] {
						used[o] = true
					}
				}
				markRegionUses(&blk.Ops[j], defined, used)
			}
			for _, v := range termUses(&blk.Term) {
				if defined[v] {
					used[v] = true
				}
			}
		}
	}
}

func termUses(t *ir.Terminator) []ir.ValueID {
	switch t.Kind {
	case ir.TermBr:
		return t.Br.Args
	case ir.TermCondBr:
		out := []ir.ValueID{t.CondBr.Cond}
		out = append(out, t.CondBr.TrueArgs...)
		return append(out, t.CondBr.FalseArgs...)
	case ir.TermReturn:
		return t.Return.Values
	}
	return nil
}

// collapseWhile rewrites a natural loop into scf.while. Header values used
// past the header are forwarded through scf.condition; the body sees them as
// after-region parameters and everything downstream reads while results.
func collapseWhile(ctx *Context, r *ir.Region) (bool, error) {
	preds := predecessors(r)
	l, ok := findLoop(r, preds)
	if !ok {
		return false, nil
	}
	cb := l.header.Term.CondBr
	fwd := headerDefs(ctx, r, l)
	fwdIndex := make(map[ir.ValueID]int, len(fwd))
	for i, v := range fwd {
		fwdIndex[v] = i
	}

	// Before region: the header, ending in scf.condition.
	condOperands := append([]ir.ValueID{cb.Cond}, fwd...)
	before := &ir.Block{Params: l.header.Params, Ops: l.header.Ops}
	before.Ops = append(before.Ops, ir.Op{Kind: ir.OpSCFCondition, Operands: condOperands})
	before.Term = ir.Terminator{Kind: ir.TermUnreachable}

	// After region: the body. Forwarded values become region params.
	after := &ir.Block{Ops: l.body.Ops}
	afterParams := make([]ir.ValueID, len(fwd))
	for i, v := range fwd {
		afterParams[i] = ctx.Fn.NewValue(ctx.Fn.ValueType(v))
	}
	after.Params = afterParams
	after.Ops = append(after.Ops, ir.Op{Kind: ir.OpSCFYield, Operands: l.body.Term.Br.Args})
	after.Term = ir.Terminator{Kind: ir.TermUnreachable}
	afterRegion := ir.Region{Blocks: []*ir.Block{after}}
	// Body params were fed by the true edge.
	for i, p := range l.body.Params {
		ir.ReplaceUsesInRegion(&afterRegion, p, cb.TrueArgs[i])
	}
	for i, v := range fwd {
		ir.ReplaceUsesInRegion(&afterRegion, v, afterParams[i])
	}

	whileOp := ir.Op{
		Kind:     ir.OpSCFWhile,
		Operands: l.pre.Term.Br.Args,
		Regions:  []ir.Region{{Blocks: []*ir.Block{before}}, afterRegion},
	}
	results := make([]ir.ValueID, len(fwd))
	for i, v := range fwd {
		results[i] = ctx.Fn.NewValue(ctx.Fn.ValueType(v))
	}
	whileOp.Results = results

	// Exit block params were fed by the false edge; map them to results.
	for i, p := range l.exit.Params {
		src := cb.FalseArgs[i]
		idx, ok := fwdIndex[src]
		if !ok {
			// Defined before the loop: use it directly.
			ir.ReplaceUses(ctx.Fn, p, src)
			continue
		}
		ir.ReplaceUses(ctx.Fn, p, results[idx])
	}
	l.exit.Params = nil

	l.pre.Ops = append(l.pre.Ops, whileOp)
	l.pre.Term = ir.Terminator{Kind: ir.TermBr, Br: ir.BrTerm{Target: l.exit.ID}}
	removeBlocks(r, map[ir.BlockID]bool{l.header.ID: true, l.body.ID: true})

	// Anything else still reading a forwarded header value reads the
	// while result now. The defs live inside the regions, untouched.
	if len(results) > 0 {
		whileRef := findOp(r, ir.OpSCFWhile, results[0])
		for i, v := range fwd {
			replaceUsesSkippingOp(r, whileRef, v, results[i])
		}
	}
	return true, nil
}

// findOp locates the op producing result in the region tree.
func findOp(r *ir.Region, kind ir.OpKind, result ir.ValueID) *ir.Op {
	var found *ir.Op
	for _, blk := range r.Blocks {
		for i := range blk.Ops {
			op := &blk.Ops[i]
			if op.Kind == kind {
				for _, res := range op.Results {
					if res == result {
						found = op
						return found
					}
				}
			}
		}
	}
	return nil
}

// replaceUsesSkippingOp rewrites uses of old outside of skip's regions.
func replaceUsesSkippingOp(r *ir.Region, skip *ir.Op, old, new ir.ValueID) {
	sub := func(vs []ir.ValueID) {
		for i, v := range vs {
			if v == old {
				vs[i] = new
			}
		}
	}
	for _, blk := range r.Blocks {
		for i := range blk.Ops {
			op := &blk.Ops[i]
			sub(op.Operands)
			if op == skip {
				continue
			}
			for j := range op.Regions {
				replaceUsesSkippingOp(&op.Regions[j], skip, old, new)
			}
		}
		switch blk.Term.Kind {
		case ir.TermBr:
			sub(blk.Term.Br.Args)
		case ir.TermCondBr:
			if blk.Term.CondBr.Cond == old {
				blk.Term.CondBr.Cond = new
			}
			sub(blk.Term.CondBr.TrueArgs)
			sub(blk.Term.CondBr.FalseArgs)
		case ir.TermReturn:
			sub(blk.Term.Return.Values)
		}
	}
}

// rangeLoop matches the counted-loop idiom the frontend emits:
//
//	P: r = call range(...); it = getiter(r); br H
//	H: p = iternext(it); c = pair_second(p); v = pair_first(p)
//	   cond_br c, B, E
//
// and rewrites it into scf.for with an index induction variable. A prange
// iterator produces scf.parallel instead, unless the loop carries values
// across iterations; those run sequentially.
func collapseRangeFor(ctx *Context, r *ir.Region) (bool, error) {
	preds := predecessors(r)
	l, ok := findLoop(r, preds)
	if !ok {
		return false, nil
	}
	rng, ok := matchRangeHeader(ctx, r, l)
	if !ok {
		return false, nil
	}
	cb := l.header.Term.CondBr

	in := ctx.Types
	indexT := in.Builtins().Index

	// Bounds cast to index in the preheader, still abstract casts.
	pb := ir.NewBuilder(ctx.Fn, in)
	pb.SetBlock(l.pre)
	lb, ub, step := rangeBounds(pb, indexT, rng.rangeArgs)

	carried := l.header.Params
	parallel := rng.parallel
	if parallel && len(carried) > 0 {
		diag.Warnf(ctx.Reporter, diag.LowerInfo, ctx.Fn.Name, l.header.Term.Loc.Line,
			"parallel range carries values across iterations; it runs sequentially")
		parallel = false
	}
	loopOp := ir.Op{Kind: ir.OpSCFFor}
	if parallel {
		loopOp.Kind = ir.OpSCFParallel
		loopOp.SetAttr(ir.AttrNameIndex, ir.IntAttr(1))
	}
	loopOp.Operands = append([]ir.ValueID{lb, ub, step}, l.pre.Term.Br.Args...)

	iv := ctx.Fn.NewValue(indexT)
	carriedParams := make([]ir.ValueID, len(carried))
	for i, c := range carried {
		carriedParams[i] = ctx.Fn.NewValue(ctx.Fn.ValueType(c))
	}
	bodyParams := append([]ir.ValueID{iv}, carriedParams...)

	body := &ir.Block{Params: bodyParams}
	// The induction value enters user code at the type the frontend gave it.
	var ivUser ir.ValueID
	if rng.indVar != ir.NoValueID {
		castOp := ir.Op{Kind: ir.OpPlierCast, Operands: []ir.ValueID{iv}}
		ivUser = ctx.Fn.NewValue(ctx.Fn.ValueType(rng.indVar))
		castOp.Results = []ir.ValueID{ivUser}
		body.Ops = append(body.Ops, castOp)
	}
	body.Ops = append(body.Ops, l.body.Ops...)
	body.Ops = append(body.Ops, ir.Op{Kind: ir.OpSCFYield, Operands: l.body.Term.Br.Args})
	body.Term = ir.Terminator{Kind: ir.TermUnreachable}
	bodyRegion := ir.Region{Blocks: []*ir.Block{body}}

	for i, p := range l.body.Params {
		ir.ReplaceUsesInRegion(&bodyRegion, p, cb.TrueArgs[i])
	}
	for i, c := range carried {
		ir.ReplaceUsesInRegion(&bodyRegion, c, carriedParams[i])
	}
	if rng.indVar != ir.NoValueID {
		ir.ReplaceUsesInRegion(&bodyRegion, rng.indVar, ivUser)
	}
	loopOp.Regions = []ir.Region{bodyRegion}

	results := make([]ir.ValueID, len(carried))
	for i, c := range carried {
		results[i] = ctx.Fn.NewValue(ctx.Fn.ValueType(c))
	}
	loopOp.Results = results

	for i, p := range l.exit.Params {
		src := cb.FalseArgs[i]
		replaced := false
		for j, c := range carried {
			if src == c {
				ir.ReplaceUses(ctx.Fn, p, results[j])
				replaced = true
				break
			}
		}
		if !replaced {
			if src == rng.indVar {
				return false, fmt.Errorf("induction variable of %s escapes its loop", ctx.Fn.Name)
			}
			ir.ReplaceUses(ctx.Fn, p, src)
		}
	}
	l.exit.Params = nil

	l.pre.Ops = append(l.pre.Ops, loopOp)
	l.pre.Term = ir.Terminator{Kind: ir.TermBr, Br: ir.BrTerm{Target: l.exit.ID}}
	removeBlocks(r, map[ir.BlockID]bool{l.header.ID: true, l.body.ID: true})

	if len(results) > 0 {
		forRef := findOp(r, ir.OpSCFFor, results[0])
		for i, c := range carried {
			replaceUsesSkippingOp(r, forRef, c, results[i])
		}
	}
	return true, nil
}

type rangeMatch struct {
	rangeArgs []ir.ValueID
	indVar    ir.ValueID
	parallel  bool
}

// matchRangeHeader accepts a header consisting solely of the iterator
// triplet over a range or prange iterator built in the preheader.
func matchRangeHeader(ctx *Context, r *ir.Region, l loopShape) (rangeMatch, bool) {
	var iternext, pairFirst, pairSecond *ir.Op
	for i := range l.header.Ops {
		op := &l.header.Ops[i]
		switch op.Kind {
		case ir.OpPlierIterNext:
			iternext = op
		case ir.OpPlierPairFirst:
			pairFirst = op
		case ir.OpPlierPairSecond:
			pairSecond = op
		default:
			return rangeMatch{}, false
		}
	}
	if iternext == nil || pairSecond == nil {
		return rangeMatch{}, false
	}
	if pairSecond.Operands[0] != iternext.Results[0] {
		return rangeMatch{}, false
	}
	if l.header.Term.CondBr.Cond != pairSecond.Results[0] {
		return rangeMatch{}, false
	}
	indVar := ir.NoValueID
	if pairFirst != nil {
		if pairFirst.Operands[0] != iternext.Results[0] {
			return rangeMatch{}, false
		}
		indVar = pairFirst.Results[0]
	}

	// The iterator must come from getiter(call range(...)).
	getiter := defOf(r, iternext.Operands[0])
	if getiter == nil || getiter.Kind != ir.OpPlierGetIter {
		return rangeMatch{}, false
	}
	call := defOf(r, getiter.Operands[0])
	if call == nil || call.Kind != ir.OpPlierCall {
		return rangeMatch{}, false
	}
	callee := defOf(r, call.Operands[0])
	if callee == nil || callee.Kind != ir.OpPlierGlobal {
		return rangeMatch{}, false
	}
	name := callee.StringAttrOr(ir.AttrNameName, "")
	if name != "range" && name != "prange" {
		return rangeMatch{}, false
	}
	nargs := len(call.Operands) - 1
	if nargs < 1 || nargs > 3 {
		return rangeMatch{}, false
	}
	return rangeMatch{rangeArgs: call.Operands[1:], indVar: indVar, parallel: name == "prange"}, true
}

// rangeBounds normalizes 1-, 2-, and 3-argument ranges to (lb, ub, step)
// index values, inserting abstract casts resolved by the next stage.
func rangeBounds(b *ir.Builder, indexT types.TypeID, args []ir.ValueID) (lb, ub, step ir.ValueID) {
	castIdx := func(v ir.ValueID) ir.ValueID {
		return b.Op1(ir.OpPlierCast, indexT, v)
	}
	switch len(args) {
	case 1:
		lb = b.ConstInt(indexT, 0)
		ub = castIdx(args[0])
		step = b.ConstInt(indexT, 1)
	case 2:
		lb = castIdx(args[0])
		ub = castIdx(args[1])
		step = b.ConstInt(indexT, 1)
	default:
		lb = castIdx(args[0])
		ub = castIdx(args[1])
		step = castIdx(args[2])
	}
	return lb, ub, step
}

// defOf finds the op in the top-level region defining v.
func defOf(r *ir.Region, v ir.ValueID) *ir.Op {
	for _, blk := range r.Blocks {
		for i := range blk.Ops {
			for _, res := range blk.Ops[i].Results {
				if res == v {
					return &blk.Ops[i]
				}
			}
		}
	}
	return nil
}
