package gpu

import (
	"strconv"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// FlattenMemRefs rewrites kernel buffer parameters of rank above one, or
// with an explicit layout, into flat one-dimensional views. Shader
// conversion only has to address linear buffers afterwards. The host side
// reinterprets each buffer before the launch and passes the dimension sizes
// the kernel needs to linearize its subscripts.
func FlattenMemRefs(ctx *Context, host *ir.Func) error {
	done := make(map[string]bool)
	var err error
	walkOpsIn(&host.Body, func(op *ir.Op) bool {
		if op.Kind != ir.OpGPULaunchFunc {
			return true
		}
		name := op.StringAttrOr(ir.AttrNameKernel, "")
		if done[name] {
			return true
		}
		done[name] = true
		kernel := ctx.Module.Lookup(name)
		if kernel == nil || kernel.Entry() == nil {
			return true
		}
		if e := flattenKernel(ctx, host, kernel, op); e != nil {
			err = e
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	insertHostViews(ctx, host)
	return nil
}

// flatPlan records one parameter to flatten and the kernel-side size values
// that linearize its subscripts.
type flatPlan struct {
	param ir.ValueID
	info  types.MemRefInfo
	sizes []ir.ValueID // per-dim sizes, nil for static strided layouts
	flatT types.TypeID
}

func flattenKernel(ctx *Context, host, kernel *ir.Func, launch *ir.Op) error {
	in := ctx.Types
	idx := in.Builtins().Index
	entry := kernel.Entry()

	var plans []flatPlan
	for pos, p := range entry.Params {
		info, ok := in.MemRefInfo(kernel.ValueType(p))
		if !ok {
			continue
		}
		if info.Rank() <= 1 && info.IdentityLayout() {
			continue
		}
		if !info.IdentityLayout() && !staticLayout(info) {
			diag.Warnf(ctx.Reporter, diag.GPUInfo, kernel.Name, launch.Loc.Line,
				"buffer parameter %d keeps its dynamic layout", pos)
			continue
		}
		plan := flatPlan{
			param: p,
			info:  info,
			flatT: in.InternMemRef(types.MemRefInfo{
				Shape: []int64{types.DynamicDim},
				Elem:  info.Elem,
				Space: info.Space,
			}),
		}
		if info.IdentityLayout() {
			plan.sizes = make([]ir.ValueID, info.Rank())
			for d := range plan.sizes {
				plan.sizes[d] = kernel.NewValue(idx)
				entry.Params = append(entry.Params, plan.sizes[d])
			}
		}
		plans = append(plans, plan)
		// The launch gains matching size operands once host views go in.
		launch.SetAttr(flatAttrName(pos), ir.IntsAttr(append([]int64(nil), info.Shape...)))
	}
	if len(plans) == 0 {
		return nil
	}

	for _, plan := range plans {
		flattenAccesses(ctx, kernel, &kernel.Body, plan)
		kernel.SetValueType(plan.param, plan.flatT)
	}

	pts := make([]types.TypeID, len(entry.Params))
	for i, p := range entry.Params {
		pts[i] = kernel.ValueType(p)
	}
	kernel.Type = in.InternFunc(pts, nil)
	return nil
}

// flatAttrName marks a launch argument position whose buffer was flattened.
func flatAttrName(pos int) string {
	return "flatten_arg_" + strconv.Itoa(pos)
}

// staticLayout reports whether every stride and the offset are known.
func staticLayout(info types.MemRefInfo) bool {
	if info.Offset == types.DynamicDim {
		return false
	}
	for _, s := range info.Strides {
		if s == types.DynamicDim {
			return false
		}
	}
	return true
}

// flattenAccesses rewrites loads and stores on plan.param to a single
// linearized subscript.
func flattenAccesses(ctx *Context, kernel *ir.Func, r *ir.Region, plan flatPlan) {
	idx := ctx.Types.Builtins().Index
	for _, blk := range r.Blocks {
		out := make([]ir.Op, 0, len(blk.Ops))
		scratch := &ir.Block{}
		kb := ir.NewBuilder(kernel, ctx.Types)
		for i := range blk.Ops {
			op := blk.Ops[i]
			for j := range op.Regions {
				flattenAccesses(ctx, kernel, &op.Regions[j], plan)
			}

			var indices []ir.ValueID
			switch {
			case op.Kind == ir.OpMemRefLoad && len(op.Operands) > 1 && op.Operands[0] == plan.param:
				indices = op.Operands[1:]
			case op.Kind == ir.OpMemRefStore && len(op.Operands) > 2 && op.Operands[1] == plan.param:
				indices = op.Operands[2:]
			default:
				out = append(out, op)
				continue
			}

			scratch.Ops = scratch.Ops[:0]
			kb.SetBlock(scratch)
			kb.SetLoc(op.Loc)
			flat := linearize(kb, idx, plan, indices)
			out = append(out, scratch.Ops...)

			if op.Kind == ir.OpMemRefLoad {
				op.Operands = []ir.ValueID{plan.param, flat}
			} else {
				op.Operands = []ir.ValueID{op.Operands[0], plan.param, flat}
			}
			out = append(out, op)
		}
		blk.Ops = out
	}
}

// linearize computes the flat element index for the subscript list.
func linearize(kb *ir.Builder, idx types.TypeID, plan flatPlan, indices []ir.ValueID) ir.ValueID {
	if plan.info.IdentityLayout() {
		// Row-major: ((i0*s1 + i1)*s2 + i2)...
		flat := indices[0]
		for k := 1; k < len(indices); k++ {
			flat = kb.Op1(ir.OpArithMulI, idx, flat, plan.sizes[k])
			flat = kb.Op1(ir.OpArithAddI, idx, flat, indices[k])
		}
		return flat
	}
	flat := kb.ConstIndex(plan.info.Offset)
	for k, i := range indices {
		step := kb.ConstIndex(plan.info.Strides[k])
		term := kb.Op1(ir.OpArithMulI, idx, i, step)
		flat = kb.Op1(ir.OpArithAddI, idx, flat, term)
	}
	return flat
}

// insertHostViews rewrites launch sites: flattened buffer arguments pass a
// one-dimensional reinterpreted view, and identity-layout buffers append
// their dimension sizes for the kernel's linearization.
func insertHostViews(ctx *Context, host *ir.Func) {
	in := ctx.Types
	idx := in.Builtins().Index
	insertHostViewsIn(ctx, host, &host.Body, in, idx)
}

func insertHostViewsIn(ctx *Context, host *ir.Func, r *ir.Region, in *types.Interner, idx types.TypeID) {
	for _, blk := range r.Blocks {
		out := make([]ir.Op, 0, len(blk.Ops))
		hb := ir.NewBuilder(host, in)
		for i := range blk.Ops {
			op := blk.Ops[i]
			for j := range op.Regions {
				insertHostViewsIn(ctx, host, &op.Regions[j], in, idx)
			}
			if op.Kind != ir.OpGPULaunchFunc {
				out = append(out, op)
				continue
			}

			scratch := &ir.Block{}
			hb.SetBlock(scratch)
			hb.SetLoc(op.Loc)
			var extra []ir.ValueID
			for argPos := launchArgStart; argPos < len(op.Operands); argPos++ {
				if !op.HasAttr(flatAttrName(argPos - launchArgStart)) {
					continue
				}
				buf := op.Operands[argPos]
				info, ok := in.MemRefInfo(host.ValueType(buf))
				if !ok {
					continue
				}

				var sizes []ir.ValueID
				total := hb.ConstIndex(1)
				for d := 0; d < info.Rank(); d++ {
					dim := hb.Op1(ir.OpMemRefDim, idx, buf, hb.ConstIndex(int64(d)))
					sizes = append(sizes, dim)
					total = hb.Op1(ir.OpArithMulI, idx, total, dim)
				}

				flatT := in.InternMemRef(types.MemRefInfo{
					Shape: []int64{types.DynamicDim},
					Elem:  info.Elem,
					Space: info.Space,
				})
				flat := hb.Op1(ir.OpMemRefReinterpretCast, flatT, buf, total)
				hb.Last().SetAttr(ir.AttrNameShape, ir.IntsAttr([]int64{types.DynamicDim}))
				hb.Last().SetAttr(ir.AttrNameStrides, ir.IntsAttr([]int64{1}))
				hb.Last().SetAttr(ir.AttrNameOffset, ir.IntAttr(0))
				op.Operands[argPos] = flat

				if info.IdentityLayout() {
					extra = append(extra, sizes...)
				}
			}
			op.Operands = append(op.Operands, extra...)
			out = append(out, scratch.Ops...)
			out = append(out, op)
		}
		blk.Ops = out
	}
}
