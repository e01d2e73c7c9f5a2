package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"numir/internal/ir"
	"numir/internal/types"
)

// addConstFunc builds func name() -> i64 { return v }.
func addConstFunc(in *types.Interner, mod *ir.Module, name string, v int64) {
	i64 := in.Builtins().I64
	f := &ir.Func{Name: name, Type: in.InternFunc(nil, []types.TypeID{i64})}
	b := ir.NewBuilder(f, in)
	entry := b.NewBlock(&f.Body)
	b.SetBlock(entry)
	c := b.ConstInt(i64, v)
	entry.Term = ir.Terminator{Kind: ir.TermReturn, Return: ir.ReturnTerm{Values: []ir.ValueID{c}}}
	mod.AddFunc(f)
}

// addNoteCaller builds func name() { note(v) } with the given marker attr.
func addNoteCaller(in *types.Interner, mod *ir.Module, name, marker string, v int64) {
	f := &ir.Func{Name: name, Type: in.InternFunc(nil, nil)}
	f.SetAttr(marker, ir.UnitAttr())
	b := ir.NewBuilder(f, in)
	entry := b.NewBlock(&f.Body)
	b.SetBlock(entry)
	c := b.ConstInt(in.Builtins().I64, v)
	b.Op0(ir.OpFuncCall, c).SetAttr(ir.AttrNameCallee, ir.StringAttr("note"))
	entry.Term = ir.Terminator{Kind: ir.TermReturn}
	mod.AddFunc(f)
}

func TestConstantFunction(t *testing.T) {
	in := types.NewInterner()
	mod := ir.NewModule("m", in)
	addConstFunc(in, mod, "answer", 42)

	e := New(Options{})
	h, err := e.LoadModule(mod)
	if err != nil {
		t.Fatal(err)
	}
	call, err := e.Lookup(h, "answer")
	if err != nil {
		t.Fatal(err)
	}
	res, err := call()
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].(int64) != 42 {
		t.Fatalf("res = %v, want [42]", res)
	}
}

func TestLoopSum(t *testing.T) {
	in := types.NewInterner()
	mod := ir.NewModule("m", in)
	index := in.Builtins().Index

	f := &ir.Func{Name: "sum", Type: in.InternFunc([]types.TypeID{index}, []types.TypeID{index})}
	b := ir.NewBuilder(f, in)
	entry := b.NewBlock(&f.Body, index)
	b.SetBlock(entry)
	n := entry.Params[0]
	c0 := b.ConstIndex(0)
	c1 := b.ConstIndex(1)

	body := &ir.Block{Term: ir.Terminator{Kind: ir.TermUnreachable}}
	iv := f.NewValue(index)
	acc := f.NewValue(index)
	body.Params = []ir.ValueID{iv, acc}
	bb := ir.NewBuilder(f, in)
	bb.SetBlock(body)
	next := bb.Op1(ir.OpArithAddI, index, acc, iv)
	bb.Op0(ir.OpSCFYield, next)

	total := f.NewValue(index)
	b.Emit(ir.Op{
		Kind:     ir.OpSCFFor,
		Operands: []ir.ValueID{c0, n, c1, c0},
		Results:  []ir.ValueID{total},
		Regions:  []ir.Region{{Blocks: []*ir.Block{body}}},
	})
	entry.Term = ir.Terminator{Kind: ir.TermReturn, Return: ir.ReturnTerm{Values: []ir.ValueID{total}}}
	mod.AddFunc(f)

	e := New(Options{})
	h, err := e.LoadModule(mod)
	if err != nil {
		t.Fatal(err)
	}
	call, err := e.Lookup(h, "sum")
	if err != nil {
		t.Fatal(err)
	}
	res, err := call(int64(10))
	if err != nil {
		t.Fatal(err)
	}
	if res[0].(int64) != 45 {
		t.Fatalf("sum(10) = %v, want 45", res[0])
	}
}

func TestLookupAfterReleaseFails(t *testing.T) {
	in := types.NewInterner()
	mod := ir.NewModule("m", in)
	addConstFunc(in, mod, "answer", 1)

	e := New(Options{})
	h, err := e.LoadModule(mod)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReleaseModule(h); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Lookup(h, "answer"); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("lookup after release: err = %v, want ErrStaleHandle", err)
	}
	if err := e.ReleaseModule(h); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("double release: err = %v, want ErrStaleHandle", err)
	}
}

type recordingListener struct {
	loaded   []string
	released []string
}

func (l *recordingListener) NotifyLoad(name string)    { l.loaded = append(l.loaded, name) }
func (l *recordingListener) NotifyRelease(name string) { l.released = append(l.released, name) }

func TestUniqueModuleNames(t *testing.T) {
	e := New(Options{})
	rec := &recordingListener{}
	e.AddListener(rec)

	for i := 0; i < 2; i++ {
		in := types.NewInterner()
		mod := ir.NewModule("dup", in)
		addConstFunc(in, mod, "answer", int64(i))
		if _, err := e.LoadModule(mod); err != nil {
			t.Fatal(err)
		}
	}
	if len(rec.loaded) != 2 {
		t.Fatalf("loaded %d modules, want 2", len(rec.loaded))
	}
	if rec.loaded[0] == rec.loaded[1] {
		t.Fatalf("module names collide: %q", rec.loaded[0])
	}
	if got := len(e.Handles()); got != 2 {
		t.Fatalf("live handles = %d, want 2", got)
	}
}

func TestCtorDtorOrdering(t *testing.T) {
	in := types.NewInterner()
	mod := ir.NewModule("m", in)
	mod.AddFunc(&ir.Func{
		Name: "note",
		Type: in.InternFunc([]types.TypeID{in.Builtins().I64}, nil),
		Decl: true,
	})
	addNoteCaller(in, mod, "init_a", AttrNameCtor, 1)
	addNoteCaller(in, mod, "init_b", AttrNameCtor, 2)
	addNoteCaller(in, mod, "fini_a", AttrNameDtor, -1)
	addNoteCaller(in, mod, "fini_b", AttrNameDtor, -2)

	var notes []int64
	e := New(Options{
		SymbolResolver: func(name string) (Extern, bool) {
			if name != "note" {
				return nil, false
			}
			return func(args []any) (any, error) {
				notes = append(notes, args[0].(int64))
				return nil, nil
			}, true
		},
	})
	h, err := e.LoadModule(mod)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 || notes[0] != 1 || notes[1] != 2 {
		t.Fatalf("constructor order = %v, want [1 2]", notes)
	}
	if err := e.ReleaseModule(h); err != nil {
		t.Fatal(err)
	}
	// Destructors run in reverse declaration order.
	if len(notes) != 4 || notes[2] != -2 || notes[3] != -1 {
		t.Fatalf("destructor order = %v, want [... -2 -1]", notes[2:])
	}
}

func TestObjectCacheDump(t *testing.T) {
	in := types.NewInterner()
	mod := ir.NewModule("m", in)
	addConstFunc(in, mod, "answer", 7)
	mod.SetAttr(ir.AttrNameBinary+":m_gpu", ir.WordsAttr([]uint32{0x07230203, 1, 2, 3}))

	e := New(Options{EnableObjectCache: true, OptLevel: 2})
	if _, err := e.LoadModule(mod); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "m.obj")
	if err := e.DumpToObjectFile(path); err != nil {
		t.Fatal(err)
	}
	payloads, err := ReadObjectFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(payloads))
	}
	p := payloads[0]
	if p.IR == "" {
		t.Fatal("payload has no IR text")
	}
	if p.OptLevel != 2 {
		t.Fatalf("payload opt level = %d, want 2", p.OptLevel)
	}
	bin, ok := p.Binaries["m_gpu"]
	if !ok || len(bin) != 4 || bin[0] != 0x07230203 {
		t.Fatalf("payload binaries = %v", p.Binaries)
	}
}

func TestDumpWithoutCacheIsNoop(t *testing.T) {
	e := New(Options{})
	path := filepath.Join(t.TempDir(), "m.obj")
	if err := e.DumpToObjectFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("object file written without a cache: %v", err)
	}
}

func TestSimulatorLaunch(t *testing.T) {
	in := types.NewInterner()
	mod := ir.NewModule("m", in)
	index := in.Builtins().Index
	bufT := in.InternMemRef(types.MemRefInfo{Shape: []int64{types.DynamicDim}, Elem: in.Builtins().I64})

	// Kernel: buf[gid] = gid with gid = blockID*blockDim + threadID.
	k := &ir.Func{Name: "k", Type: in.InternFunc([]types.TypeID{bufT}, nil)}
	k.SetAttr(ir.AttrNameKernel, ir.UnitAttr())
	kb := ir.NewBuilder(k, in)
	kentry := kb.NewBlock(&k.Body, bufT)
	kb.SetBlock(kentry)
	bid := kb.Op1(ir.OpGPUBlockID, index)
	kb.Last().SetAttr(ir.AttrNameIndex, ir.IntAttr(0))
	bdim := kb.Op1(ir.OpGPUBlockDim, index)
	kb.Last().SetAttr(ir.AttrNameIndex, ir.IntAttr(0))
	tid := kb.Op1(ir.OpGPUThreadID, index)
	kb.Last().SetAttr(ir.AttrNameIndex, ir.IntAttr(0))
	mul := kb.Op1(ir.OpArithMulI, index, bid, bdim)
	gid := kb.Op1(ir.OpArithAddI, index, mul, tid)
	kb.Op0(ir.OpMemRefStore, gid, kentry.Params[0], gid)
	kentry.Term = ir.Terminator{Kind: ir.TermReturn}
	mod.AddFunc(k)

	// Host: launch k over a 2x2 grid.
	f := &ir.Func{Name: "host", Type: in.InternFunc([]types.TypeID{bufT}, nil)}
	b := ir.NewBuilder(f, in)
	entry := b.NewBlock(&f.Body, bufT)
	b.SetBlock(entry)
	c1 := b.ConstIndex(1)
	c2 := b.ConstIndex(2)
	launch := b.Op0(ir.OpGPULaunchFunc, c2, c1, c1, c2, c1, c1, entry.Params[0])
	launch.SetAttr(ir.AttrNameKernel, ir.StringAttr("k"))
	launch.SetAttr(ir.AttrNameGPUModule, ir.StringAttr("m_gpu"))
	entry.Term = ir.Terminator{Kind: ir.TermReturn}
	mod.AddFunc(f)

	e := New(Options{})
	h, err := e.LoadModule(mod)
	if err != nil {
		t.Fatal(err)
	}
	call, err := e.Lookup(h, "host")
	if err != nil {
		t.Fatal(err)
	}
	buf := NewBuffer(in, in.Builtins().I64, 4)
	if _, err := call(buf); err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 4; i++ {
		if got := buf.Int(i); got != i {
			t.Fatalf("buf[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestExternMathCall(t *testing.T) {
	in := types.NewInterner()
	mod := ir.NewModule("m", in)
	f64 := in.Builtins().F64
	mod.AddFunc(&ir.Func{
		Name: "sqrt(f64)",
		Type: in.InternFunc([]types.TypeID{f64}, []types.TypeID{f64}),
		Decl: true,
	})

	f := &ir.Func{Name: "root", Type: in.InternFunc([]types.TypeID{f64}, []types.TypeID{f64})}
	b := ir.NewBuilder(f, in)
	entry := b.NewBlock(&f.Body, f64)
	b.SetBlock(entry)
	r := b.Op1(ir.OpFuncCall, f64, entry.Params[0])
	b.Last().SetAttr(ir.AttrNameCallee, ir.StringAttr("sqrt(f64)"))
	entry.Term = ir.Terminator{Kind: ir.TermReturn, Return: ir.ReturnTerm{Values: []ir.ValueID{r}}}
	mod.AddFunc(f)

	e := New(Options{})
	h, err := e.LoadModule(mod)
	if err != nil {
		t.Fatal(err)
	}
	call, err := e.Lookup(h, "root")
	if err != nil {
		t.Fatal(err)
	}
	res, err := call(9.0)
	if err != nil {
		t.Fatal(err)
	}
	if res[0].(float64) != 3.0 {
		t.Fatalf("root(9) = %v, want 3", res[0])
	}
}
