package engine

import (
	"fmt"

	"numir/internal/ir"
	"numir/internal/types"
)

// Runtime values are Go scalars: int64 for every integer and index, float64
// for floats (32-bit results round through float32), bool for i1,
// complex128 for complex and *Buffer for memrefs.

// workItem is the device coordinate of one simulated thread.
type workItem struct {
	blockID  [3]int64
	threadID [3]int64
	gridDim  [3]int64
	blockDim [3]int64
}

// frame is one function activation.
type frame struct {
	fn     *ir.Func
	values []any
	item   *workItem
}

func (fr *frame) set(v ir.ValueID, x any) { fr.values[v] = x }
func (fr *frame) get(v ir.ValueID) any    { return fr.values[v] }

func (fr *frame) geti(v ir.ValueID) int64 {
	switch x := fr.values[v].(type) {
	case int64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func (fr *frame) getf(v ir.ValueID) float64 {
	x, _ := fr.values[v].(float64)
	return x
}

func (fr *frame) getb(v ir.ValueID) bool {
	switch x := fr.values[v].(type) {
	case bool:
		return x
	case int64:
		return x != 0
	default:
		return false
	}
}

// interp executes lowered IR functions.
type interp struct {
	prog *Program
}

// callFunc runs fn with the given arguments.
func (ip *interp) callFunc(fn *ir.Func, args []any, item *workItem) ([]any, error) {
	entry := fn.Entry()
	if entry == nil {
		return nil, fmt.Errorf("call of declaration %s", fn.Name)
	}
	if len(args) != len(entry.Params) {
		return nil, fmt.Errorf("%s: got %d arguments, want %d", fn.Name, len(args), len(entry.Params))
	}
	fr := &frame{fn: fn, values: make([]any, len(fn.Values)), item: item}
	for i, p := range entry.Params {
		fr.set(p, args[i])
	}
	res, _, err := ip.execRegion(fr, &fn.Body, nil)
	return res, err
}

// execRegion runs a region until a return or a structured-region terminator
// (yield/condition). It returns return values, the trailing yield op, or
// both nil when the region falls off its end.
func (ip *interp) execRegion(fr *frame, r *ir.Region, params []any) ([]any, *ir.Op, error) {
	blk := r.Entry()
	if blk == nil {
		return nil, nil, nil
	}
	if params != nil {
		if len(params) != len(blk.Params) {
			return nil, nil, fmt.Errorf("%s: region expects %d params, got %d",
				fr.fn.Name, len(blk.Params), len(params))
		}
		for i, p := range blk.Params {
			fr.set(p, params[i])
		}
	}

	for {
		for i := range blk.Ops {
			op := &blk.Ops[i]
			if op.Kind == ir.OpSCFYield || op.Kind == ir.OpSCFCondition {
				return nil, op, nil
			}
			if ret, err := ip.execOp(fr, op); err != nil {
				return nil, nil, err
			} else if ret != nil {
				return ret, nil, nil
			}
		}
		switch blk.Term.Kind {
		case ir.TermReturn:
			out := make([]any, len(blk.Term.Return.Values))
			for i, v := range blk.Term.Return.Values {
				out[i] = fr.get(v)
			}
			return out, nil, nil
		case ir.TermBr:
			t := r.Block(blk.Term.Br.Target)
			args := blk.Term.Br.Args
			for i, p := range t.Params {
				fr.set(p, fr.get(args[i]))
			}
			blk = t
		case ir.TermCondBr:
			cb := blk.Term.CondBr
			target, args := cb.True, cb.TrueArgs
			if !fr.getb(cb.Cond) {
				target, args = cb.False, cb.FalseArgs
			}
			t := r.Block(target)
			for i, p := range t.Params {
				fr.set(p, fr.get(args[i]))
			}
			blk = t
		default:
			// Structured region tail.
			return nil, nil, nil
		}
	}
}

// execOp runs one op. A non-nil first return carries function return values
// (only from nested control flow that reached a return).
func (ip *interp) execOp(fr *frame, op *ir.Op) ([]any, error) {
	in := ip.prog.types
	switch op.Kind {
	case ir.OpArithConstant:
		a, _ := op.Attr(ir.AttrNameValue)
		t := fr.fn.ValueType(op.Result())
		switch {
		case a.Kind == ir.AttrFloat:
			fr.set(op.Result(), ip.roundFloat(t, a.Float))
		case t == in.Builtins().I1:
			fr.set(op.Result(), a.Int != 0)
		default:
			fr.set(op.Result(), a.Int)
		}
		return nil, nil

	case ir.OpArithAddI, ir.OpArithSubI, ir.OpArithMulI, ir.OpArithDivSI,
		ir.OpArithDivUI, ir.OpArithCeilDivSI, ir.OpArithRemSI, ir.OpArithRemUI,
		ir.OpArithAndI, ir.OpArithOrI, ir.OpArithXOrI, ir.OpArithShLI,
		ir.OpArithShRSI, ir.OpArithShRUI:
		return nil, ip.intBinop(fr, op)

	case ir.OpArithAddF, ir.OpArithSubF, ir.OpArithMulF, ir.OpArithDivF, ir.OpArithRemF:
		return nil, ip.floatBinop(fr, op)

	case ir.OpArithNegF:
		t := fr.fn.ValueType(op.Result())
		fr.set(op.Result(), ip.roundFloat(t, -fr.getf(op.Operands[0])))
		return nil, nil

	case ir.OpArithCmpI:
		return nil, ip.cmpI(fr, op)

	case ir.OpArithCmpF:
		return nil, ip.cmpF(fr, op)

	case ir.OpArithSelect:
		if fr.getb(op.Operands[0]) {
			fr.set(op.Result(), fr.get(op.Operands[1]))
		} else {
			fr.set(op.Result(), fr.get(op.Operands[2]))
		}
		return nil, nil

	case ir.OpArithExtSI, ir.OpArithIndexCast:
		fr.set(op.Result(), fr.geti(op.Operands[0]))
		return nil, nil

	case ir.OpArithExtUI, ir.OpArithIndexCastUI:
		w := ip.width(fr.fn.ValueType(op.Operands[0]))
		fr.set(op.Result(), int64(maskTo(uint64(fr.geti(op.Operands[0])), w)))
		return nil, nil

	case ir.OpArithTruncI:
		w := ip.width(fr.fn.ValueType(op.Result()))
		fr.set(op.Result(), signExtend(uint64(fr.geti(op.Operands[0])), w))
		return nil, nil

	case ir.OpArithExtF, ir.OpArithTruncF:
		t := fr.fn.ValueType(op.Result())
		fr.set(op.Result(), ip.roundFloat(t, fr.getf(op.Operands[0])))
		return nil, nil

	case ir.OpArithFPToSI:
		fr.set(op.Result(), int64(fr.getf(op.Operands[0])))
		return nil, nil

	case ir.OpArithFPToUI:
		fr.set(op.Result(), int64(uint64(fr.getf(op.Operands[0]))))
		return nil, nil

	case ir.OpArithSIToFP:
		t := fr.fn.ValueType(op.Result())
		fr.set(op.Result(), ip.roundFloat(t, float64(fr.geti(op.Operands[0]))))
		return nil, nil

	case ir.OpArithUIToFP:
		t := fr.fn.ValueType(op.Result())
		w := ip.width(fr.fn.ValueType(op.Operands[0]))
		fr.set(op.Result(), ip.roundFloat(t, float64(maskTo(uint64(fr.geti(op.Operands[0])), w))))
		return nil, nil

	case ir.OpArithBitcast:
		return nil, ip.bitcast(fr, op)

	case ir.OpMathPowF, ir.OpMathFloor:
		return nil, ip.mathOp(fr, op)

	case ir.OpComplexCreate, ir.OpComplexRe, ir.OpComplexIm, ir.OpComplexAdd,
		ir.OpComplexSub, ir.OpComplexMul, ir.OpComplexDiv, ir.OpComplexPow,
		ir.OpComplexEq, ir.OpComplexNeq:
		return nil, ip.complexOp(fr, op)

	case ir.OpUtilSignCast, ir.OpUtilRetain:
		fr.set(op.Result(), fr.get(op.Operands[0]))
		return nil, nil

	case ir.OpUtilUndef:
		fr.set(op.Result(), int64(0))
		return nil, nil

	case ir.OpMemRefAlloc, ir.OpGPUAlloc:
		return nil, ip.alloc(fr, op)

	case ir.OpMemRefDealloc, ir.OpGPUDealloc:
		return nil, nil

	case ir.OpGPUMemcpy:
		dst, ok1 := fr.get(op.Operands[0]).(*Buffer)
		src, ok2 := fr.get(op.Operands[1]).(*Buffer)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("memcpy of non-buffer values")
		}
		copy(dst.words, src.words)
		return nil, nil

	case ir.OpMemRefLoad:
		buf, ok := fr.get(op.Operands[0]).(*Buffer)
		if !ok {
			return nil, fmt.Errorf("load from non-buffer value")
		}
		idx, err := ip.flatIndex(fr, buf, op.Operands[1:])
		if err != nil {
			return nil, err
		}
		fr.set(op.Result(), buf.load(idx))
		return nil, nil

	case ir.OpMemRefStore:
		buf, ok := fr.get(op.Operands[1]).(*Buffer)
		if !ok {
			return nil, fmt.Errorf("store to non-buffer value")
		}
		idx, err := ip.flatIndex(fr, buf, op.Operands[2:])
		if err != nil {
			return nil, err
		}
		buf.store(idx, fr.get(op.Operands[0]))
		return nil, nil

	case ir.OpMemRefDim:
		buf, ok := fr.get(op.Operands[0]).(*Buffer)
		if !ok {
			return nil, fmt.Errorf("dim of non-buffer value")
		}
		d := fr.geti(op.Operands[1])
		if d < 0 || int(d) >= len(buf.shape) {
			return nil, fmt.Errorf("dim %d out of range for rank %d", d, len(buf.shape))
		}
		fr.set(op.Result(), buf.shape[d])
		return nil, nil

	case ir.OpMemRefReinterpretCast:
		buf, ok := fr.get(op.Operands[0]).(*Buffer)
		if !ok {
			return nil, fmt.Errorf("reinterpret of non-buffer value")
		}
		total := buf.Len()
		if len(op.Operands) > 1 {
			total = fr.geti(op.Operands[1])
		}
		fr.set(op.Result(), buf.view(in, buf.elem, []int64{total}))
		return nil, nil

	case ir.OpUtilMemRefBitcast:
		buf, ok := fr.get(op.Operands[0]).(*Buffer)
		if !ok {
			return nil, fmt.Errorf("bitcast of non-buffer value")
		}
		info, _ := in.MemRefInfo(fr.fn.ValueType(op.Result()))
		fr.set(op.Result(), buf.view(in, info.Elem, buf.shape))
		return nil, nil

	case ir.OpMemRefCast, ir.OpMemRefCopy:
		if len(op.Results) == 1 {
			fr.set(op.Result(), fr.get(op.Operands[0]))
			return nil, nil
		}
		dst, _ := fr.get(op.Operands[1]).(*Buffer)
		src, _ := fr.get(op.Operands[0]).(*Buffer)
		if dst == nil || src == nil {
			return nil, fmt.Errorf("copy of non-buffer values")
		}
		copy(dst.words, src.words)
		return nil, nil

	case ir.OpGPUBlockID, ir.OpGPUThreadID, ir.OpGPUGridDim, ir.OpGPUBlockDim:
		if fr.item == nil {
			return nil, fmt.Errorf("%s outside a kernel", op.Kind)
		}
		d := op.IntAttrOr(ir.AttrNameIndex, 0)
		if d < 0 || d > 2 {
			return nil, fmt.Errorf("dimension %d out of range", d)
		}
		var v int64
		switch op.Kind {
		case ir.OpGPUBlockID:
			v = fr.item.blockID[d]
		case ir.OpGPUThreadID:
			v = fr.item.threadID[d]
		case ir.OpGPUGridDim:
			v = fr.item.gridDim[d]
		default:
			v = fr.item.blockDim[d]
		}
		fr.set(op.Result(), v)
		return nil, nil

	case ir.OpGPUBarrier:
		// Threads run to completion one at a time; a barrier is a no-op.
		return nil, nil

	case ir.OpGPUSuggestBlockSize:
		dims := make([]int64, len(op.Operands))
		for i, v := range op.Operands {
			dims[i] = fr.geti(v)
		}
		sizes := ip.prog.device.SuggestBlockSize(dims)
		for i, r := range op.Results {
			fr.set(r, sizes[i])
		}
		return nil, nil

	case ir.OpGPULaunchFunc:
		return nil, ip.launch(fr, op)

	case ir.OpFuncCall:
		return nil, ip.call(fr, op)

	case ir.OpSCFIf:
		return ip.execIf(fr, op)

	case ir.OpSCFFor:
		return ip.execFor(fr, op)

	case ir.OpSCFWhile:
		return ip.execWhile(fr, op)

	case ir.OpSCFParallel:
		return ip.execParallel(fr, op)

	case ir.OpUtilEnvRegion:
		res, yield, err := ip.execRegion(fr, &op.Regions[0], []any{})
		if err != nil || res != nil {
			return res, err
		}
		if yield != nil {
			for i, r := range op.Results {
				fr.set(r, fr.get(yield.Operands[i]))
			}
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("op %s is not executable", op.Kind)
	}
}

func (ip *interp) execIf(fr *frame, op *ir.Op) ([]any, error) {
	var region *ir.Region
	if fr.getb(op.Operands[0]) {
		region = &op.Regions[0]
	} else if len(op.Regions) == 2 {
		region = &op.Regions[1]
	}
	if region == nil {
		return nil, nil
	}
	res, yield, err := ip.execRegion(fr, region, []any{})
	if err != nil || res != nil {
		return res, err
	}
	if yield != nil {
		for i, r := range op.Results {
			fr.set(r, fr.get(yield.Operands[i]))
		}
	}
	return nil, nil
}

func (ip *interp) execFor(fr *frame, op *ir.Op) ([]any, error) {
	lb, ub, step := fr.geti(op.Operands[0]), fr.geti(op.Operands[1]), fr.geti(op.Operands[2])
	if step <= 0 {
		return nil, fmt.Errorf("loop step %d must be positive", step)
	}
	carried := make([]any, len(op.Operands)-3)
	for i := range carried {
		carried[i] = fr.get(op.Operands[3+i])
	}
	for iv := lb; iv < ub; iv += step {
		params := append([]any{iv}, carried...)
		res, yield, err := ip.execRegion(fr, &op.Regions[0], params)
		if err != nil || res != nil {
			return res, err
		}
		if yield == nil {
			return nil, fmt.Errorf("loop body without a yield")
		}
		for i := range carried {
			carried[i] = fr.get(yield.Operands[i])
		}
	}
	for i, r := range op.Results {
		fr.set(r, carried[i])
	}
	return nil, nil
}

func (ip *interp) execWhile(fr *frame, op *ir.Op) ([]any, error) {
	carried := make([]any, len(op.Operands))
	for i, v := range op.Operands {
		carried[i] = fr.get(v)
	}
	for {
		res, cond, err := ip.execRegion(fr, &op.Regions[0], carried)
		if err != nil || res != nil {
			return res, err
		}
		if cond == nil || cond.Kind != ir.OpSCFCondition {
			return nil, fmt.Errorf("while header without a condition")
		}
		fwd := make([]any, len(cond.Operands)-1)
		for i := range fwd {
			fwd[i] = fr.get(cond.Operands[1+i])
		}
		if !fr.getb(cond.Operands[0]) {
			for i, r := range op.Results {
				fr.set(r, fwd[i])
			}
			return nil, nil
		}
		res, yield, err := ip.execRegion(fr, &op.Regions[1], fwd)
		if err != nil || res != nil {
			return res, err
		}
		if yield == nil {
			return nil, fmt.Errorf("while body without a yield")
		}
		carried = make([]any, len(yield.Operands))
		for i, v := range yield.Operands {
			carried[i] = fr.get(v)
		}
	}
}

// execParallel runs a parallel loop sequentially; reductions are not
// supported on the host path.
func (ip *interp) execParallel(fr *frame, op *ir.Op) ([]any, error) {
	if len(op.Results) != 0 {
		return nil, fmt.Errorf("parallel reductions are not executable on the host")
	}
	dims := int(op.IntAttrOr(ir.AttrNameIndex, 0))
	if dims <= 0 || len(op.Operands) != 3*dims {
		return nil, fmt.Errorf("malformed parallel loop")
	}
	lbs := make([]int64, dims)
	ubs := make([]int64, dims)
	steps := make([]int64, dims)
	for d := 0; d < dims; d++ {
		lbs[d] = fr.geti(op.Operands[d])
		ubs[d] = fr.geti(op.Operands[dims+d])
		steps[d] = fr.geti(op.Operands[2*dims+d])
		if steps[d] <= 0 {
			return nil, fmt.Errorf("parallel step %d must be positive", steps[d])
		}
	}
	ivs := append([]int64(nil), lbs...)
	for {
		params := make([]any, dims)
		for d, iv := range ivs {
			params[d] = iv
		}
		res, _, err := ip.execRegion(fr, &op.Regions[0], params)
		if err != nil || res != nil {
			return res, err
		}
		d := dims - 1
		for ; d >= 0; d-- {
			ivs[d] += steps[d]
			if ivs[d] < ubs[d] {
				break
			}
			ivs[d] = lbs[d]
		}
		if d < 0 {
			return nil, nil
		}
	}
}

func (ip *interp) launch(fr *frame, op *ir.Op) error {
	name := op.StringAttrOr(ir.AttrNameKernel, "")
	kernel := ip.prog.module.Lookup(name)
	if kernel == nil {
		return fmt.Errorf("launch of unknown kernel %s", name)
	}
	var grid, block [3]int64
	for d := 0; d < 3; d++ {
		grid[d] = fr.geti(op.Operands[d])
		block[d] = fr.geti(op.Operands[3+d])
	}
	args := make([]any, len(op.Operands)-6)
	for i := range args {
		args[i] = fr.get(op.Operands[6+i])
	}
	return ip.prog.device.Launch(ip.prog, kernel, grid, block, args)
}

func (ip *interp) call(fr *frame, op *ir.Op) error {
	callee := op.StringAttrOr(ir.AttrNameCallee, "")
	args := make([]any, len(op.Operands))
	for i, v := range op.Operands {
		args[i] = fr.get(v)
	}
	target := ip.prog.module.Lookup(callee)
	if target != nil && !target.Decl {
		res, err := ip.callFunc(target, args, fr.item)
		if err != nil {
			return err
		}
		for i, r := range op.Results {
			fr.set(r, res[i])
		}
		return nil
	}
	ext, ok := ip.prog.symbols[callee]
	if !ok {
		return fmt.Errorf("unresolved call to %s", callee)
	}
	res, err := ext(args)
	if err != nil {
		return err
	}
	if len(op.Results) == 1 {
		fr.set(op.Result(), res)
	}
	return nil
}

func (ip *interp) alloc(fr *frame, op *ir.Op) error {
	info, ok := ip.prog.types.MemRefInfo(fr.fn.ValueType(op.Result()))
	if !ok {
		return fmt.Errorf("alloc of non-buffer type")
	}
	shape := make([]int64, len(info.Shape))
	dyn := 0
	total := int64(1)
	for i, d := range info.Shape {
		if d == types.DynamicDim {
			if dyn >= len(op.Operands) {
				return fmt.Errorf("alloc missing dynamic dimension %d", i)
			}
			d = fr.geti(op.Operands[dyn])
			dyn++
		}
		shape[i] = d
		total *= d
	}
	fr.set(op.Result(), NewBuffer(ip.prog.types, info.Elem, shape...))
	return nil
}

func (ip *interp) flatIndex(fr *frame, buf *Buffer, indices []ir.ValueID) (int64, error) {
	if len(indices) != len(buf.shape) {
		return 0, fmt.Errorf("rank-%d access of rank-%d buffer", len(indices), len(buf.shape))
	}
	flat := int64(0)
	for d, v := range indices {
		i := fr.geti(v)
		if i < 0 || i >= buf.shape[d] {
			return 0, fmt.Errorf("index %d out of range [0, %d)", i, buf.shape[d])
		}
		flat = flat*buf.shape[d] + i
	}
	return flat, nil
}

// width returns the bit width of an integer type, 64 for index.
func (ip *interp) width(t types.TypeID) uint {
	tt, ok := ip.prog.types.Lookup(t)
	if !ok || tt.Kind != types.KindInteger {
		return 64
	}
	return uint(tt.Width)
}

// roundFloat rounds through float32 when the result type is 32 bits wide.
func (ip *interp) roundFloat(t types.TypeID, v float64) float64 {
	if tt, ok := ip.prog.types.Lookup(t); ok && tt.Kind == types.KindFloat && tt.Width == 32 {
		return float64(float32(v))
	}
	return v
}

func maskTo(v uint64, w uint) uint64 {
	if w >= 64 {
		return v
	}
	return v & (1<<w - 1)
}

func signExtend(v uint64, w uint) int64 {
	if w >= 64 {
		return int64(v)
	}
	s := 64 - w
	return int64(v<<s) >> s
}
