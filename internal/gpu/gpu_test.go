package gpu

import (
	"errors"
	"math"
	"testing"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/spirv"
	"numir/internal/types"
)

type testEnv struct {
	in  *types.Interner
	mod *ir.Module
	bag *diag.Bag
	ctx *Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	in := types.NewInterner()
	mod := ir.NewModule("m", in)
	bag := diag.NewBag(64)
	return &testEnv{
		in:  in,
		mod: mod,
		bag: bag,
		ctx: &Context{
			Types:    in,
			Module:   mod,
			Env:      spirv.DefaultEnv(),
			Reporter: diag.BagReporter{Bag: bag},
		},
	}
}

// buildParallelFn builds
//
//	func name(buf memref<?xelem>) {
//	  n = dim buf, 0
//	  scf.parallel (i) = (0) to (n) step (1) { buf[i] = buf[i] + buf[i] }
//	}
func buildParallelFn(e *testEnv, name string, elem types.TypeID) (*ir.Func, ir.ValueID) {
	bufT := e.in.InternMemRef(types.MemRefInfo{Shape: []int64{types.DynamicDim}, Elem: elem})
	f := &ir.Func{Name: name, Type: e.in.InternFunc([]types.TypeID{bufT}, nil)}
	b := ir.NewBuilder(f, e.in)
	entry := b.NewBlock(&f.Body, bufT)
	b.SetBlock(entry)
	buf := entry.Params[0]

	c0 := b.ConstIndex(0)
	c1 := b.ConstIndex(1)
	n := b.Op1(ir.OpMemRefDim, e.in.Builtins().Index, buf, c0)

	body := &ir.Block{Term: ir.Terminator{Kind: ir.TermUnreachable}}
	iv := f.NewValue(e.in.Builtins().Index)
	body.Params = []ir.ValueID{iv}

	bb := ir.NewBuilder(f, e.in)
	bb.SetBlock(body)
	v := bb.Op1(ir.OpMemRefLoad, elem, buf, iv)
	var sum ir.ValueID
	if e.in.Kind(elem) == types.KindFloat {
		sum = bb.Op1(ir.OpArithAddF, elem, v, v)
	} else {
		sum = bb.Op1(ir.OpArithAddI, elem, v, v)
	}
	bb.Op0(ir.OpMemRefStore, sum, buf, iv)
	bb.Op0(ir.OpSCFYield)

	par := b.Emit(ir.Op{
		Kind:     ir.OpSCFParallel,
		Operands: []ir.ValueID{c0, n, c1},
		Regions:  []ir.Region{{Blocks: []*ir.Block{body}}},
	})
	par.SetAttr(ir.AttrNameIndex, ir.IntAttr(1))

	entry.Term = ir.Terminator{Kind: ir.TermReturn}
	e.mod.AddFunc(f)
	return f, buf
}

func countKind(f *ir.Func, kind ir.OpKind) int {
	n := 0
	ir.WalkOps(f, func(_ *ir.Block, op *ir.Op) bool {
		if op.Kind == kind {
			n++
		}
		return true
	})
	return n
}

func firstKind(f *ir.Func, kind ir.OpKind) *ir.Op {
	var out *ir.Op
	ir.WalkOps(f, func(_ *ir.Block, op *ir.Op) bool {
		if op.Kind == kind {
			out = op
			return false
		}
		return true
	})
	return out
}

func findKernel(m *ir.Module) *ir.Func {
	for _, f := range m.Funcs {
		if f != nil && f.IsKernel() {
			return f
		}
	}
	return nil
}

func hasCode(bag *diag.Bag, code diag.Code) bool {
	for _, d := range bag.Items() {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestMapParallelLoops(t *testing.T) {
	e := newTestEnv(t)
	f, _ := buildParallelFn(e, "axpy", e.in.Builtins().F32)
	MapParallelLoops(f)

	par := firstKind(f, ir.OpSCFParallel)
	a, ok := par.Attr(ir.AttrNameMapping)
	if !ok || a.Kind != ir.AttrIntSlice {
		t.Fatal("parallel loop did not get a mapping")
	}
	if len(a.Ints) != 1 || a.Ints[0] != int64(ProcBlockX) {
		t.Fatalf("mapping = %v, want [%d]", a.Ints, ProcBlockX)
	}
}

func TestTileOutlinesKernel(t *testing.T) {
	e := newTestEnv(t)
	f, _ := buildParallelFn(e, "axpy", e.in.Builtins().F32)
	MapParallelLoops(f)
	if err := TileParallelLoops(e.ctx, f); err != nil {
		t.Fatal(err)
	}

	if countKind(f, ir.OpSCFParallel) != 0 {
		t.Fatal("parallel loop survived tiling")
	}
	if countKind(f, ir.OpGPUSuggestBlockSize) != 1 {
		t.Fatal("no block size query")
	}
	if countKind(f, ir.OpArithCeilDivSI) != 1 {
		t.Fatal("grid is not derived from the bounds")
	}
	launch := firstKind(f, ir.OpGPULaunchFunc)
	if launch == nil {
		t.Fatal("no launch op")
	}
	if len(launch.Operands) != 6+2 {
		t.Fatalf("launch has %d operands, want grid+block+ub+buf", len(launch.Operands))
	}

	kernel := findKernel(e.mod)
	if kernel == nil {
		t.Fatal("no kernel function")
	}
	if kernel.Name != launch.StringAttrOr(ir.AttrNameKernel, "") {
		t.Fatal("launch does not name the kernel")
	}
	for _, kind := range []ir.OpKind{ir.OpGPUBlockID, ir.OpGPUBlockDim, ir.OpGPUThreadID} {
		if countKind(kernel, kind) != 1 {
			t.Fatalf("kernel missing %s", kind)
		}
	}
	// The iteration space rarely matches the launch grid exactly, so the
	// body must sit behind a bounds guard.
	if countKind(kernel, ir.OpSCFIf) != 1 || countKind(kernel, ir.OpArithCmpI) != 1 {
		t.Fatal("kernel body is not guarded")
	}
	if countKind(kernel, ir.OpMemRefStore) != 1 {
		t.Fatal("kernel body lost the store")
	}

	if err := ir.ValidateFunc(e.in, f); err != nil {
		t.Fatalf("host: %v", err)
	}
	if err := ir.ValidateFunc(e.in, kernel); err != nil {
		t.Fatalf("kernel: %v", err)
	}
}

func TestTileSkipsNonZeroLowerBound(t *testing.T) {
	e := newTestEnv(t)
	f, _ := buildParallelFn(e, "axpy", e.in.Builtins().F32)
	par := firstKind(f, ir.OpSCFParallel)
	// Rewrite the lower bound to a one.
	b := ir.NewBuilder(f, e.in)
	b.SetBlock(f.Entry())
	one := f.Entry().Ops[1].Results[0] // the step constant
	par.Operands[0] = one

	MapParallelLoops(f)
	if err := TileParallelLoops(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if countKind(f, ir.OpSCFParallel) != 1 {
		t.Fatal("non-zero-based loop should stay on the host")
	}
	if !hasCode(e.bag, diag.GPUBadLoopStructure) {
		t.Fatal("no warning about the loop staying behind")
	}
}

func TestInsertGPUAllocsCopies(t *testing.T) {
	e := newTestEnv(t)
	f, _ := buildParallelFn(e, "axpy", e.in.Builtins().F32)
	MapParallelLoops(f)
	if err := TileParallelLoops(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := InsertGPUAllocs(e.ctx, f); err != nil {
		t.Fatal(err)
	}

	if countKind(f, ir.OpGPUAlloc) != 1 {
		t.Fatal("no device allocation")
	}
	// The kernel both reads and writes, and the buffer is a parameter the
	// caller observes: copy in and copy out.
	if countKind(f, ir.OpGPUMemcpy) != 2 {
		t.Fatalf("memcpy count = %d, want 2", countKind(f, ir.OpGPUMemcpy))
	}
	if countKind(f, ir.OpGPUDealloc) != 1 {
		t.Fatal("device buffer is never freed")
	}

	launch := firstKind(f, ir.OpGPULaunchFunc)
	info, ok := e.in.MemRefInfo(f.ValueType(launch.Operands[7]))
	if !ok {
		t.Fatal("launch buffer argument is not a buffer")
	}
	if info.Space != types.SpaceShared {
		t.Fatalf("buffer space = %d, want shared (host observes it)", info.Space)
	}

	kernel := findKernel(e.mod)
	ki, _ := e.in.MemRefInfo(kernel.ValueType(kernel.Entry().Params[1]))
	if ki.Space != types.SpaceShared {
		t.Fatal("kernel parameter type does not match the launch operand")
	}

	if err := ir.ValidateFunc(e.in, f); err != nil {
		t.Fatal(err)
	}
}

func TestWriteOnlyBufferCopies(t *testing.T) {
	e := newTestEnv(t)
	elem := e.in.Builtins().F32
	bufT := e.in.InternMemRef(types.MemRefInfo{Shape: []int64{types.DynamicDim}, Elem: elem})
	f := &ir.Func{Name: "fill", Type: e.in.InternFunc([]types.TypeID{bufT}, nil)}
	b := ir.NewBuilder(f, e.in)
	entry := b.NewBlock(&f.Body, bufT)
	b.SetBlock(entry)
	buf := entry.Params[0]

	c0 := b.ConstIndex(0)
	c1 := b.ConstIndex(1)
	n := b.Op1(ir.OpMemRefDim, e.in.Builtins().Index, buf, c0)

	body := &ir.Block{Term: ir.Terminator{Kind: ir.TermUnreachable}}
	iv := f.NewValue(e.in.Builtins().Index)
	body.Params = []ir.ValueID{iv}
	bb := ir.NewBuilder(f, e.in)
	bb.SetBlock(body)
	v := bb.ConstFloat(elem, 1)
	bb.Op0(ir.OpMemRefStore, v, buf, iv)
	bb.Op0(ir.OpSCFYield)

	par := b.Emit(ir.Op{
		Kind:     ir.OpSCFParallel,
		Operands: []ir.ValueID{c0, n, c1},
		Regions:  []ir.Region{{Blocks: []*ir.Block{body}}},
	})
	par.SetAttr(ir.AttrNameIndex, ir.IntAttr(1))
	entry.Term = ir.Terminator{Kind: ir.TermReturn}
	e.mod.AddFunc(f)

	MapParallelLoops(f)
	if err := TileParallelLoops(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := InsertGPUAllocs(e.ctx, f); err != nil {
		t.Fatal(err)
	}

	// The device only writes: one alloc, no copy-in, one copy-out, one
	// dealloc.
	if got := countKind(f, ir.OpGPUAlloc); got != 1 {
		t.Fatalf("alloc count = %d, want 1", got)
	}
	if got := countKind(f, ir.OpGPUMemcpy); got != 1 {
		t.Fatalf("memcpy count = %d, want 1 (copy-out only)", got)
	}
	if got := countKind(f, ir.OpGPUDealloc); got != 1 {
		t.Fatalf("dealloc count = %d, want 1", got)
	}
}

func TestAccessConflict(t *testing.T) {
	e := newTestEnv(t)
	bufT := e.in.InternMemRef(types.MemRefInfo{Shape: []int64{types.DynamicDim}, Elem: e.in.Builtins().F32})
	f := &ir.Func{Name: "split", Type: e.in.InternFunc([]types.TypeID{bufT}, nil)}
	b := ir.NewBuilder(f, e.in)
	entry := b.NewBlock(&f.Body, bufT)
	b.SetBlock(entry)
	buf := entry.Params[0]
	one := b.ConstIndex(1)

	launchIn := func(env string) {
		inner := &ir.Block{Term: ir.Terminator{Kind: ir.TermUnreachable}}
		launch := ir.Op{
			Kind:     ir.OpGPULaunchFunc,
			Operands: []ir.ValueID{one, one, one, one, one, one, buf},
		}
		launch.SetAttr(ir.AttrNameKernel, ir.StringAttr("missing"))
		launch.SetAttr(ir.AttrNameGPUModule, ir.StringAttr("split_gpu"))
		inner.Ops = append(inner.Ops, launch)
		region := b.Emit(ir.Op{Kind: ir.OpUtilEnvRegion, Regions: []ir.Region{{Blocks: []*ir.Block{inner}}}})
		region.SetAttr(ir.AttrNameEnv, ir.StringAttr(env))
	}
	launchIn("level_zero:0")
	launchIn("level_zero:1")
	entry.Term = ir.Terminator{Kind: ir.TermReturn}
	e.mod.AddFunc(f)

	err := InsertGPUAllocs(e.ctx, f)
	if !errors.Is(err, ErrAccessConflict) {
		t.Fatalf("err = %v, want access conflict", err)
	}
	if !hasCode(e.bag, diag.GPUAccessConflict) {
		t.Fatal("conflict not reported")
	}
}

func TestRepeatedLaunchArgSharesDeviceBuffer(t *testing.T) {
	e := newTestEnv(t)
	bufT := e.in.InternMemRef(types.MemRefInfo{Shape: []int64{types.DynamicDim}, Elem: e.in.Builtins().F32})
	f := &ir.Func{Name: "selfadd", Type: e.in.InternFunc([]types.TypeID{bufT}, nil)}
	b := ir.NewBuilder(f, e.in)
	entry := b.NewBlock(&f.Body, bufT)
	b.SetBlock(entry)
	buf := entry.Params[0]
	one := b.ConstIndex(1)

	// The same buffer feeds two kernel parameters.
	launch := b.Emit(ir.Op{
		Kind:     ir.OpGPULaunchFunc,
		Operands: []ir.ValueID{one, one, one, one, one, one, buf, buf},
	})
	launch.SetAttr(ir.AttrNameKernel, ir.StringAttr("missing"))
	launch.SetAttr(ir.AttrNameGPUModule, ir.StringAttr("selfadd_gpu"))
	entry.Term = ir.Terminator{Kind: ir.TermReturn}
	e.mod.AddFunc(f)

	if err := InsertGPUAllocs(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if got := countKind(f, ir.OpGPUAlloc); got != 1 {
		t.Fatalf("alloc count = %d, want 1", got)
	}
	if got := countKind(f, ir.OpGPUMemcpy); got != 2 {
		t.Fatalf("memcpy count = %d, want copy-in and copy-out once each", got)
	}
	if got := countKind(f, ir.OpGPUDealloc); got != 1 {
		t.Fatalf("dealloc count = %d, want 1", got)
	}

	after := firstKind(f, ir.OpGPULaunchFunc)
	if after.Operands[6] == buf {
		t.Fatal("launch still passes the host buffer")
	}
	if after.Operands[6] != after.Operands[7] {
		t.Fatalf("launch operands %v and %v name different device buffers",
			after.Operands[6], after.Operands[7])
	}
	if err := ir.ValidateFunc(e.in, f); err != nil {
		t.Fatal(err)
	}
}

func TestFlattenMemRefs(t *testing.T) {
	e := newTestEnv(t)
	elem := e.in.Builtins().F32
	bufT := e.in.InternMemRef(types.MemRefInfo{
		Shape: []int64{types.DynamicDim, types.DynamicDim},
		Elem:  elem,
	})
	f := &ir.Func{Name: "grid", Type: e.in.InternFunc([]types.TypeID{bufT}, nil)}
	b := ir.NewBuilder(f, e.in)
	entry := b.NewBlock(&f.Body, bufT)
	b.SetBlock(entry)
	buf := entry.Params[0]

	idx := e.in.Builtins().Index
	c0 := b.ConstIndex(0)
	c1 := b.ConstIndex(1)
	n0 := b.Op1(ir.OpMemRefDim, idx, buf, c0)
	n1 := b.Op1(ir.OpMemRefDim, idx, buf, c1)

	body := &ir.Block{Term: ir.Terminator{Kind: ir.TermUnreachable}}
	i := f.NewValue(idx)
	j := f.NewValue(idx)
	body.Params = []ir.ValueID{i, j}
	bb := ir.NewBuilder(f, e.in)
	bb.SetBlock(body)
	v := bb.Op1(ir.OpMemRefLoad, elem, buf, i, j)
	bb.Op0(ir.OpMemRefStore, v, buf, i, j)
	bb.Op0(ir.OpSCFYield)

	par := b.Emit(ir.Op{
		Kind:     ir.OpSCFParallel,
		Operands: []ir.ValueID{c0, c0, n0, n1, c1, c1},
		Regions:  []ir.Region{{Blocks: []*ir.Block{body}}},
	})
	par.SetAttr(ir.AttrNameIndex, ir.IntAttr(2))
	entry.Term = ir.Terminator{Kind: ir.TermReturn}
	e.mod.AddFunc(f)

	MapParallelLoops(f)
	if err := TileParallelLoops(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := InsertGPUAllocs(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := FlattenMemRefs(e.ctx, f); err != nil {
		t.Fatal(err)
	}

	kernel := findKernel(e.mod)
	load := firstKind(kernel, ir.OpMemRefLoad)
	if len(load.Operands) != 2 {
		t.Fatalf("load has %d operands after flattening, want buffer+index", len(load.Operands))
	}
	store := firstKind(kernel, ir.OpMemRefStore)
	if len(store.Operands) != 3 {
		t.Fatalf("store has %d operands after flattening", len(store.Operands))
	}
	ki, _ := e.in.MemRefInfo(kernel.ValueType(load.Operands[0]))
	if ki.Rank() != 1 {
		t.Fatalf("kernel buffer rank = %d, want 1", ki.Rank())
	}
	// Two upper bounds, the buffer, then the two sizes for linearization.
	if got := len(kernel.Entry().Params); got != 5 {
		t.Fatalf("kernel has %d params, want 5", got)
	}
	if countKind(f, ir.OpMemRefReinterpretCast) != 1 {
		t.Fatal("host does not reinterpret the buffer")
	}
	launch := firstKind(f, ir.OpGPULaunchFunc)
	if len(launch.Operands) != 6+3+2 {
		t.Fatalf("launch has %d operands, want sizes appended", len(launch.Operands))
	}

	if err := ir.ValidateFunc(e.in, f); err != nil {
		t.Fatalf("host: %v", err)
	}
	if err := ir.ValidateFunc(e.in, kernel); err != nil {
		t.Fatalf("kernel: %v", err)
	}
}

func TestTruncateF64(t *testing.T) {
	e := newTestEnv(t)
	f, _ := buildParallelFn(e, "dsum", e.in.Builtins().F64)
	MapParallelLoops(f)
	if err := TileParallelLoops(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := InsertGPUAllocs(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := FlattenMemRefs(e.ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := TruncateF64(e.ctx); err != nil {
		t.Fatal(err)
	}

	kernel := findKernel(e.mod)
	load := firstKind(kernel, ir.OpMemRefLoad)
	ki, _ := e.in.MemRefInfo(kernel.ValueType(load.Operands[0]))
	if ki.Elem != e.in.Builtins().I64 {
		t.Fatal("packed buffer does not store 64-bit words")
	}
	// Load result decodes through a bitcast, store encodes through one.
	if countKind(kernel, ir.OpArithBitcast) < 2 {
		t.Fatal("no bit-level conversion around loads and stores")
	}
	if v := firstKind(kernel, ir.OpArithAddF); v != nil {
		if kernel.ValueType(v.Results[0]) != e.in.Builtins().F32 {
			t.Fatal("arithmetic did not drop to 32-bit floats")
		}
	}
	if countKind(f, ir.OpUtilMemRefBitcast) != 1 {
		t.Fatal("host does not pass a bit view of the buffer")
	}
	if !hasCode(e.bag, diag.GPUF64Emulated) {
		t.Fatal("emulation not reported")
	}

	if err := ir.ValidateFunc(e.in, kernel); err != nil {
		t.Fatal(err)
	}
}

func TestRunAttachesBinary(t *testing.T) {
	e := newTestEnv(t)
	f, _ := buildParallelFn(e, "axpy", e.in.Builtins().F32)
	if err := Run(e.ctx); err != nil {
		t.Fatal(err)
	}

	a, ok := e.mod.Attr(ir.AttrNameBinary + ":axpy_gpu")
	if !ok || a.Kind != ir.AttrWords {
		t.Fatal("no serialized binary on the module")
	}
	if len(a.Words) < 5 || a.Words[0] != spirv.Magic {
		t.Fatalf("binary does not start with the magic word: %#x", a.Words[0])
	}
	// The kernel body stays behind for hosts that execute it directly.
	kernel := findKernel(e.mod)
	if kernel == nil || kernel.Entry() == nil {
		t.Fatal("kernel body dropped after serialization")
	}
	if countKind(f, ir.OpGPULaunchFunc) != 1 {
		t.Fatal("host does not launch the serialized kernel")
	}
}

func TestRunRejectsF64WhenRequired(t *testing.T) {
	e := newTestEnv(t)
	e.ctx.Env = spirv.NewTargetEnv(spirv.Version13,
		spirv.CapabilityKernel, spirv.CapabilityAddresses,
		spirv.CapabilityInt64, spirv.CapabilityFloat64)
	f, _ := buildParallelFn(e, "dsum", e.in.Builtins().F64)
	if err := Run(e.ctx); err != nil {
		t.Fatal(err)
	}
	// With the capability present, nothing is emulated.
	if hasCode(e.bag, diag.GPUF64Emulated) {
		t.Fatal("f64 emulated despite device support")
	}
	kernel := findKernel(e.mod)
	load := firstKind(kernel, ir.OpMemRefLoad)
	ki, _ := e.in.MemRefInfo(kernel.ValueType(load.Operands[0]))
	if ki.Elem != e.in.Builtins().F64 {
		t.Fatal("buffer element changed despite device support")
	}
	if countKind(f, ir.OpUtilMemRefBitcast) != 0 {
		t.Fatal("host rewrote buffer views despite device support")
	}
}

// TestF64EmulationFormula pins the bit transform the kernels apply to
// packed 64-bit floats: sign copied, exponent rebiased by 1023-127,
// mantissa truncated to its top 23 bits, zero short-circuited.
func TestF64EmulationFormula(t *testing.T) {
	decode := func(bits uint64) float32 {
		if bits&0x7FFFFFFFFFFFFFFF == 0 {
			return 0
		}
		sign := uint32(bits>>32) & 0x80000000
		exp := uint32((bits>>52)&0x7FF - (1023 - 127))
		mant := uint32(bits>>29) & 0x7FFFFF
		return math.Float32frombits(sign | exp<<23 | mant)
	}
	encode := func(f float32) uint64 {
		w := math.Float32bits(f)
		if w&0x7FFFFFFF == 0 {
			return 0
		}
		sign := uint64(w&0x80000000) << 32
		exp := uint64((w>>23)&0xFF) + (1023 - 127)
		mant := uint64(w & 0x7FFFFF)
		return sign | exp<<52 | mant<<29
	}

	// Values exactly representable in both widths roundtrip bit-exact.
	for _, v := range []float64{0, 1, -1, 0.5, -2.5, 1.5, 4096, -0.015625} {
		if got := decode(math.Float64bits(v)); got != float32(v) {
			t.Fatalf("decode(%v) = %v, want %v", v, got, float32(v))
		}
		if got := encode(float32(v)); got != math.Float64bits(v) {
			t.Fatalf("encode(%v) = %#x, want %#x", v, got, math.Float64bits(v))
		}
	}
	// Truncation, not rounding, for excess mantissa bits.
	v := 1.0000001192092896 // 1 + 2^-23 + a sliver below f32 precision
	if got := decode(math.Float64bits(v)); got != math.Float32frombits(0x3F800001) {
		t.Fatalf("decode truncation: got %v", got)
	}
}
