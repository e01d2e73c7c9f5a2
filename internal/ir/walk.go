package ir

// WalkOps visits every op in the function body, including ops nested in
// regions, in block order. Returning false from fn stops the walk.
func WalkOps(f *Func, fn func(*Block, *Op) bool) {
	walkRegion(&f.Body, fn)
}

func walkRegion(r *Region, fn func(*Block, *Op) bool) bool {
	for _, blk := range r.Blocks {
		for i := range blk.Ops {
			op := &blk.Ops[i]
			if !fn(blk, op) {
				return false
			}
			for j := range op.Regions {
				if !walkRegion(&op.Regions[j], fn) {
					return false
				}
			}
		}
	}
	return true
}

// ReplaceUses rewrites every use of old to new across the function body,
// including branch arguments and nested regions.
func ReplaceUses(f *Func, old, new ValueID) {
	replaceInRegion(&f.Body, old, new)
}

// ReplaceUsesInRegion rewrites uses of old to new inside r only.
func ReplaceUsesInRegion(r *Region, old, new ValueID) {
	replaceInRegion(r, old, new)
}

func replaceInRegion(r *Region, old, new ValueID) {
	sub := func(vs []ValueID) {
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
			for j := range op.Regions {
				replaceInRegion(&op.Regions[j], old, new)
			}
		}
		switch blk.Term.Kind {
		case TermBr:
			sub(blk.Term.Br.Args)
		case TermCondBr:
			if blk.Term.CondBr.Cond == old {
				blk.Term.CondBr.Cond = new
			}
			sub(blk.Term.CondBr.TrueArgs)
			sub(blk.Term.CondBr.FalseArgs)
		case TermReturn:
			sub(blk.Term.Return.Values)
		}
	}
}
