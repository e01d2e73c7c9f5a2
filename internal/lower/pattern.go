// Package lower rewrites abstract frontend ops into concrete dialects:
// structured control flow, arithmetic, and calls. Passes are driven by
// (predicate, rewrite) pattern pairs applied greedily to a fixpoint.
package lower

import (
	"errors"
	"fmt"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/typeconv"
	"numir/internal/types"
)

// ErrNotConverged marks a greedy rewrite that hit its iteration cap.
var ErrNotConverged = errors.New("rewrite did not converge")

// ErrIllegalOps marks a full conversion that left illegal ops behind.
var ErrIllegalOps = errors.New("illegal ops remain")

// maxIterations bounds greedy fixpoint sweeps per function.
const maxIterations = 100

// Context carries shared state through a conversion pass.
type Context struct {
	Types    *types.Interner
	Registry *typeconv.Registry
	Module   *ir.Module
	Fn       *ir.Func
	Reporter diag.Reporter

	// RerunSCF is set when call lowering materializes loop structure that
	// the structuring stage must consume on a rerun.
	RerunSCF bool
}

// Rewrite replaces the matched op. It emits replacement ops through b (a
// scratch block) and returns the values standing in for the op's results.
// Returning ok=false leaves the op alone.
type Rewrite func(ctx *Context, b *ir.Builder, op *ir.Op) (repl []ir.ValueID, ok bool, err error)

// Pattern pairs a cheap predicate with a rewrite.
type Pattern struct {
	Name  string
	Match func(ctx *Context, op *ir.Op) bool
	Apply Rewrite
}

// applyGreedy runs the pattern set over fn until no pattern fires. Returns
// whether anything changed.
func applyGreedy(ctx *Context, patterns []Pattern) (bool, error) {
	changedEver := false
	for iter := 0; ; iter++ {
		if iter >= maxIterations {
			return changedEver, fmt.Errorf("%w after %d sweeps", ErrNotConverged, maxIterations)
		}
		changed, err := sweepRegion(ctx, &ctx.Fn.Body, patterns)
		if err != nil {
			return changedEver, err
		}
		if !changed {
			return changedEver, nil
		}
		changedEver = true
	}
}

func sweepRegion(ctx *Context, r *ir.Region, patterns []Pattern) (bool, error) {
	changed := false
	for _, blk := range r.Blocks {
		for i := 0; i < len(blk.Ops); i++ {
			op := &blk.Ops[i]
			for j := range op.Regions {
				c, err := sweepRegion(ctx, &op.Regions[j], patterns)
				if err != nil {
					return changed, err
				}
				changed = changed || c
			}
			fired, err := tryPatterns(ctx, blk, i, patterns)
			if err != nil {
				return changed, err
			}
			if fired {
				changed = true
				i-- // the splice may have put new ops at this index
			}
		}
	}
	return changed, nil
}

// tryPatterns applies the first matching pattern to blk.Ops[idx], splicing
// the replacement ops in place.
func tryPatterns(ctx *Context, blk *ir.Block, idx int, patterns []Pattern) (bool, error) {
	op := &blk.Ops[idx]
	for p := range patterns {
		pat := &patterns[p]
		if pat.Match != nil && !pat.Match(ctx, op) {
			continue
		}
		scratch := &ir.Block{}
		b := ir.NewBuilder(ctx.Fn, ctx.Types)
		b.SetBlock(scratch)
		b.SetLoc(op.Loc)

		repl, ok, err := pat.Apply(ctx, b, op)
		if err != nil {
			return false, fmt.Errorf("pattern %s: %w", pat.Name, err)
		}
		if !ok {
			continue
		}
		if len(repl) != len(op.Results) {
			return false, fmt.Errorf("pattern %s: %d replacement values for %d results",
				pat.Name, len(repl), len(op.Results))
		}
		old := op.Results
		splice(blk, idx, scratch.Ops)
		for i, o := range old {
			if repl[i] != o {
				ir.ReplaceUses(ctx.Fn, o, repl[i])
			}
		}
		return true, nil
	}
	return false, nil
}

// splice replaces blk.Ops[idx] with the given ops.
func splice(blk *ir.Block, idx int, with []ir.Op) {
	out := make([]ir.Op, 0, len(blk.Ops)-1+len(with))
	out = append(out, blk.Ops[:idx]...)
	out = append(out, with...)
	out = append(out, blk.Ops[idx+1:]...)
	blk.Ops = out
}

// Legality decides whether an op may remain after a conversion.
type Legality func(op *ir.Op) bool

// DialectLegal accepts ops from the given dialects.
func DialectLegal(ds ...ir.Dialect) Legality {
	set := make(map[ir.Dialect]bool, len(ds))
	for _, d := range ds {
		set[d] = true
	}
	return func(op *ir.Op) bool {
		return set[ir.DialectOf(op.Kind)]
	}
}

// runConversion applies patterns greedily and, when full is set, fails if
// any op the legality target rejects survives.
func runConversion(ctx *Context, patterns []Pattern, legal Legality, full bool) error {
	if _, err := applyGreedy(ctx, patterns); err != nil {
		return err
	}
	if !full {
		return nil
	}
	var errs []error
	ir.WalkOps(ctx.Fn, func(blk *ir.Block, op *ir.Op) bool {
		if !legal(op) {
			diag.Errorf(ctx.Reporter, diag.LowerIllegalLeft, ctx.Fn.Name, op.Loc.Line,
				"op %s not lowered", op.Kind)
			errs = append(errs, fmt.Errorf("%w: %s", ErrIllegalOps, op.Kind))
		}
		return true
	})
	return errors.Join(errs...)
}
