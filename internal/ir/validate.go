package ir

import (
	"errors"
	"fmt"

	"numir/internal/types"
)

// Validate checks module invariants. Returns a joined error describing every
// violation found.
func Validate(m *Module) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, f := range m.Funcs {
		if f == nil {
			continue
		}
		if err := ValidateFunc(m.Types, f); err != nil {
			errs = append(errs, fmt.Errorf("function %s: %w", f.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateFunc checks a single function.
func ValidateFunc(in *types.Interner, f *Func) error {
	if f == nil || f.Decl {
		return nil
	}
	var errs []error
	if err := validateValues(in, f); err != nil {
		errs = append(errs, err)
	}
	if err := validateRegion(f, &f.Body, "body"); err != nil {
		errs = append(errs, err)
	}
	if err := validateReturns(in, f); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// validateValues checks that every value has a known type.
func validateValues(in *types.Interner, f *Func) error {
	var errs []error
	for i, vi := range f.Values {
		if vi.Type == types.NoTypeID {
			errs = append(errs, fmt.Errorf("v%d: unknown type", i))
		} else if _, ok := in.Lookup(vi.Type); !ok {
			errs = append(errs, fmt.Errorf("v%d: dangling type id %d", i, vi.Type))
		}
	}
	return errors.Join(errs...)
}

func validateRegion(f *Func, r *Region, where string) error {
	var errs []error

	blockExists := func(id BlockID) bool {
		return id >= 0 && int(id) < len(r.Blocks)
	}
	valueExists := func(v ValueID) bool {
		return v >= 0 && int(v) < len(f.Values)
	}
	checkValues := func(vs []ValueID, ctx string) {
		for _, v := range vs {
			if !valueExists(v) {
				errs = append(errs, fmt.Errorf("%s: value v%d does not exist", ctx, v))
			}
		}
	}
	checkEdge := func(target BlockID, args []ValueID, ctx string) {
		if !blockExists(target) {
			errs = append(errs, fmt.Errorf("%s: target bb%d does not exist", ctx, target))
			return
		}
		want := len(r.Blocks[target].Params)
		if len(args) != want {
			errs = append(errs, fmt.Errorf("%s: bb%d expects %d args, got %d",
				ctx, target, want, len(args)))
		}
		checkValues(args, ctx)
	}

	for i, blk := range r.Blocks {
		checkValues(blk.Params, fmt.Sprintf("%s bb%d params", where, i))
		for j := range blk.Ops {
			op := &blk.Ops[j]
			ctx := fmt.Sprintf("%s bb%d op %d (%s)", where, i, j, op.Kind)
			if op.Kind == OpInvalid || op.Kind >= opKindCount {
				errs = append(errs, fmt.Errorf("%s: invalid op kind", ctx))
			}
			checkValues(op.Operands, ctx)
			checkValues(op.Results, ctx)
			for k := range op.Regions {
				if err := validateRegion(f, &op.Regions[k], ctx); err != nil {
					errs = append(errs, err)
				}
			}
			if err := validateStructured(op, ctx); err != nil {
				errs = append(errs, err)
			}
		}

		ctx := fmt.Sprintf("%s bb%d terminator", where, i)
		switch blk.Term.Kind {
		case TermNone:
			errs = append(errs, fmt.Errorf("%s bb%d: unterminated block", where, i))
		case TermBr:
			checkEdge(blk.Term.Br.Target, blk.Term.Br.Args, ctx)
		case TermCondBr:
			if !valueExists(blk.Term.CondBr.Cond) {
				errs = append(errs, fmt.Errorf("%s: cond v%d does not exist", ctx, blk.Term.CondBr.Cond))
			}
			checkEdge(blk.Term.CondBr.True, blk.Term.CondBr.TrueArgs, ctx)
			checkEdge(blk.Term.CondBr.False, blk.Term.CondBr.FalseArgs, ctx)
		case TermReturn:
			checkValues(blk.Term.Return.Values, ctx)
		}
	}
	return errors.Join(errs...)
}

// validateStructured checks region counts for structured control flow.
func validateStructured(op *Op, ctx string) error {
	var want int
	switch op.Kind {
	case OpSCFFor, OpSCFParallel, OpSCFReduce, OpUtilEnvRegion:
		want = 1
	case OpSCFWhile:
		want = 2
	case OpSCFIf:
		if len(op.Regions) != 1 && len(op.Regions) != 2 {
			return fmt.Errorf("%s: expects 1 or 2 regions, has %d", ctx, len(op.Regions))
		}
		return nil
	default:
		if len(op.Regions) != 0 {
			return fmt.Errorf("%s: unexpected region", ctx)
		}
		return nil
	}
	if len(op.Regions) != want {
		return fmt.Errorf("%s: expects %d region(s), has %d", ctx, want, len(op.Regions))
	}
	return nil
}

// validateReturns checks return arity against the function signature.
func validateReturns(in *types.Interner, f *Func) error {
	info, ok := in.FuncInfo(f.Type)
	if !ok {
		return fmt.Errorf("missing function signature type")
	}
	var errs []error
	entry := f.Entry()
	if entry != nil && len(entry.Params) != len(info.Params) {
		errs = append(errs, fmt.Errorf("entry block has %d params, signature has %d",
			len(entry.Params), len(info.Params)))
	}
	for i, blk := range f.Body.Blocks {
		if blk.Term.Kind != TermReturn {
			continue
		}
		if got := len(blk.Term.Return.Values); got != len(info.Results) {
			errs = append(errs, fmt.Errorf("bb%d: return has %d values, signature has %d",
				i, got, len(info.Results)))
		}
	}
	return errors.Join(errs...)
}
