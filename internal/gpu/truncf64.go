package gpu

import (
	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// TruncateF64 rewrites kernels for devices without 64-bit floats. Scalar f64
// values compute in f32. Buffers of f64 keep their 8-byte element layout:
// the kernel sees them as i64 and converts the bit pattern on every load and
// store, so the host never repacks memory. Denormals, NaN and infinity are
// not preserved by the conversion.
//
// The exponent rebias between the two formats is 1023-127; the mantissa
// keeps its top 23 bits.
func TruncateF64(ctx *Context) error {
	converted := make(map[string]bool)
	for _, kernel := range ctx.Module.Funcs {
		if kernel == nil || !kernel.IsKernel() {
			continue
		}
		if truncateKernel(ctx, kernel) {
			converted[kernel.Name] = true
			diag.Warnf(ctx.Reporter, diag.GPUF64Emulated, kernel.Name, 0,
				"64-bit floats emulated in 32-bit precision")
		}
	}
	if len(converted) == 0 {
		return nil
	}
	for _, f := range ctx.Module.Funcs {
		if f == nil || f.Decl || f.IsKernel() {
			continue
		}
		fixLaunchSites(ctx, f, converted)
	}
	return nil
}

// truncateKernel rewrites one kernel in place. Reports whether anything
// used f64.
func truncateKernel(ctx *Context, kernel *ir.Func) bool {
	in := ctx.Types
	b := in.Builtins()

	touched := false
	var packed []ir.ValueID
	for v := range kernel.Values {
		id := ir.ValueID(v)
		t := kernel.ValueType(id)
		if t == b.F64 {
			kernel.SetValueType(id, b.F32)
			touched = true
			continue
		}
		if info, ok := in.MemRefInfo(t); ok && info.Elem == b.F64 {
			info.Elem = b.I64
			kernel.SetValueType(id, in.InternMemRef(info))
			packed = append(packed, id)
			touched = true
		}
	}
	if !touched {
		return false
	}

	if len(packed) > 0 {
		isPacked := make(map[ir.ValueID]bool, len(packed))
		for _, v := range packed {
			isPacked[v] = true
		}
		rewritePackedAccesses(ctx, kernel, &kernel.Body, isPacked)
	}

	if entry := kernel.Entry(); entry != nil {
		pts := make([]types.TypeID, len(entry.Params))
		for i, p := range entry.Params {
			pts[i] = kernel.ValueType(p)
		}
		kernel.Type = in.InternFunc(pts, nil)
	}
	return true
}

// rewritePackedAccesses wraps loads and stores of bit-packed buffers in the
// f64<->f32 bit conversion.
func rewritePackedAccesses(ctx *Context, kernel *ir.Func, r *ir.Region, isPacked map[ir.ValueID]bool) {
	kb := ir.NewBuilder(kernel, ctx.Types)
	b := ctx.Types.Builtins()
	for _, blk := range r.Blocks {
		out := make([]ir.Op, 0, len(blk.Ops))
		for i := range blk.Ops {
			op := blk.Ops[i]
			for j := range op.Regions {
				rewritePackedAccesses(ctx, kernel, &op.Regions[j], isPacked)
			}
			switch {
			case op.Kind == ir.OpMemRefLoad && len(op.Operands) > 0 && isPacked[op.Operands[0]]:
				res := op.Results[0]
				raw := kernel.NewValue(b.I64)
				op.Results = []ir.ValueID{raw}
				out = append(out, op)

				scratch := &ir.Block{}
				kb.SetBlock(scratch)
				kb.SetLoc(op.Loc)
				decodeF64Bits(kb, b, raw, res)
				kernel.SetValueType(res, b.F32)
				out = append(out, scratch.Ops...)

			case op.Kind == ir.OpMemRefStore && len(op.Operands) > 1 && isPacked[op.Operands[1]]:
				scratch := &ir.Block{}
				kb.SetBlock(scratch)
				kb.SetLoc(op.Loc)
				bits := encodeF64Bits(kb, b, op.Operands[0])
				out = append(out, scratch.Ops...)
				op.Operands[0] = bits
				out = append(out, op)

			default:
				out = append(out, op)
			}
		}
		blk.Ops = out
	}
}

// decodeF64Bits turns the double bit pattern in raw into an f32 stored in
// res: sign copied, exponent rebiased, mantissa truncated. Zero
// short-circuits so the exponent math never sees it.
func decodeF64Bits(kb *ir.Builder, b types.Builtins, raw, res ir.ValueID) {
	mag := kb.Op1(ir.OpArithAndI, b.I64, raw, kb.ConstInt(b.I64, 0x7FFFFFFFFFFFFFFF))
	isZero := kb.CmpI(ir.CmpIEq, mag, kb.ConstInt(b.I64, 0))

	hi := kb.Op1(ir.OpArithShRUI, b.I64, raw, kb.ConstInt(b.I64, 32))
	hi32 := kb.Op1(ir.OpArithTruncI, b.I32, hi)
	sign := kb.Op1(ir.OpArithAndI, b.I32, hi32, kb.ConstInt(b.I32, -0x80000000))

	e64 := kb.Op1(ir.OpArithShRUI, b.I64, raw, kb.ConstInt(b.I64, 52))
	e64 = kb.Op1(ir.OpArithAndI, b.I64, e64, kb.ConstInt(b.I64, 0x7FF))
	e64 = kb.Op1(ir.OpArithSubI, b.I64, e64, kb.ConstInt(b.I64, 1023-127))
	e32 := kb.Op1(ir.OpArithTruncI, b.I32, e64)
	eSh := kb.Op1(ir.OpArithShLI, b.I32, e32, kb.ConstInt(b.I32, 23))

	m64 := kb.Op1(ir.OpArithShRUI, b.I64, raw, kb.ConstInt(b.I64, 29))
	m64 = kb.Op1(ir.OpArithAndI, b.I64, m64, kb.ConstInt(b.I64, 0x7FFFFF))
	m32 := kb.Op1(ir.OpArithTruncI, b.I32, m64)

	word := kb.Op1(ir.OpArithOrI, b.I32, sign, eSh)
	word = kb.Op1(ir.OpArithOrI, b.I32, word, m32)
	f := kb.Op1(ir.OpArithBitcast, b.F32, word)
	zero := kb.ConstFloat(b.F32, 0)

	kb.Emit(ir.Op{
		Kind:     ir.OpArithSelect,
		Operands: []ir.ValueID{isZero, zero, f},
		Results:  []ir.ValueID{res},
	})
}

// encodeF64Bits packs an f32 into double bits for storage.
func encodeF64Bits(kb *ir.Builder, b types.Builtins, v ir.ValueID) ir.ValueID {
	w := kb.Op1(ir.OpArithBitcast, b.I32, v)
	mag := kb.Op1(ir.OpArithAndI, b.I32, w, kb.ConstInt(b.I32, 0x7FFFFFFF))
	isZero := kb.CmpI(ir.CmpIEq, mag, kb.ConstInt(b.I32, 0))

	w64 := kb.Op1(ir.OpArithExtUI, b.I64, w)
	sign := kb.Op1(ir.OpArithAndI, b.I64, w64, kb.ConstInt(b.I64, 0x80000000))
	sign = kb.Op1(ir.OpArithShLI, b.I64, sign, kb.ConstInt(b.I64, 32))

	e := kb.Op1(ir.OpArithShRUI, b.I64, w64, kb.ConstInt(b.I64, 23))
	e = kb.Op1(ir.OpArithAndI, b.I64, e, kb.ConstInt(b.I64, 0xFF))
	e = kb.Op1(ir.OpArithAddI, b.I64, e, kb.ConstInt(b.I64, 1023-127))
	eSh := kb.Op1(ir.OpArithShLI, b.I64, e, kb.ConstInt(b.I64, 52))

	m := kb.Op1(ir.OpArithAndI, b.I64, w64, kb.ConstInt(b.I64, 0x7FFFFF))
	mSh := kb.Op1(ir.OpArithShLI, b.I64, m, kb.ConstInt(b.I64, 29))

	bits := kb.Op1(ir.OpArithOrI, b.I64, sign, eSh)
	bits = kb.Op1(ir.OpArithOrI, b.I64, bits, mSh)
	zero := kb.ConstInt(b.I64, 0)
	return kb.Select(isZero, zero, bits)
}

// fixLaunchSites adapts host launch arguments to the emulated kernel
// signatures: scalar f64 arguments truncate to f32, f64 buffers pass an i64
// bit view.
func fixLaunchSites(ctx *Context, f *ir.Func, converted map[string]bool) {
	in := ctx.Types
	b := in.Builtins()
	fixRegion(ctx, f, &f.Body, in, b, converted)
}

func fixRegion(ctx *Context, f *ir.Func, r *ir.Region, in *types.Interner, b types.Builtins, converted map[string]bool) {
	hb := ir.NewBuilder(f, in)
	for _, blk := range r.Blocks {
		out := make([]ir.Op, 0, len(blk.Ops))
		for i := range blk.Ops {
			op := blk.Ops[i]
			for j := range op.Regions {
				fixRegion(ctx, f, &op.Regions[j], in, b, converted)
			}
			if op.Kind != ir.OpGPULaunchFunc || !converted[op.StringAttrOr(ir.AttrNameKernel, "")] {
				out = append(out, op)
				continue
			}

			scratch := &ir.Block{}
			hb.SetBlock(scratch)
			hb.SetLoc(op.Loc)
			for argPos := launchArgStart; argPos < len(op.Operands); argPos++ {
				v := op.Operands[argPos]
				t := f.ValueType(v)
				if t == b.F64 {
					op.Operands[argPos] = hb.Op1(ir.OpArithTruncF, b.F32, v)
					continue
				}
				if info, ok := in.MemRefInfo(t); ok && info.Elem == b.F64 {
					info.Elem = b.I64
					view := in.InternMemRef(info)
					op.Operands[argPos] = hb.Op1(ir.OpUtilMemRefBitcast, view, v)
				}
			}
			out = append(out, scratch.Ops...)
			out = append(out, op)
		}
		blk.Ops = out
	}
}
