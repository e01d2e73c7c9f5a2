// Package engine loads lowered modules and executes their functions. A
// module is compiled into a Program, handed an opaque handle, and executed
// through Callables looked up by name. Kernels launch through a Device;
// the default device is an in-process simulator.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"numir/internal/diag"
	"numir/internal/ir"
)

// Function attributes marking static constructors and destructors.
const (
	AttrNameCtor = "ctor"
	AttrNameDtor = "dtor"
)

// ErrStaleHandle is returned for operations on a handle that was never
// issued or has been released.
var ErrStaleHandle = errors.New("engine: module handle not loaded")

// Options configures an Engine. The zero value gives a simulator-backed
// engine with no cache and no hooks.
type Options struct {
	OptLevel          int
	EnableObjectCache bool
	// EnableGDBNotification and EnablePerfNotification install the
	// corresponding load/release listeners.
	EnableGDBNotification  bool
	EnablePerfNotification bool

	// SymbolResolver binds external declarations; built-in math bindings
	// apply after it.
	SymbolResolver SymbolResolver
	// Transformer runs over the module before codegen, LateTransformer
	// after it.
	Transformer     func(*ir.Module) error
	LateTransformer func(*ir.Module) error
	// AsmPrinter, when set, receives the final text of each loaded module.
	AsmPrinter func(name, text string)

	Device   Device
	Reporter diag.Reporter
}

// ModuleHandle identifies a loaded module. Handles are never reused.
type ModuleHandle uint64

// Callable invokes a loaded function.
type Callable func(args ...any) ([]any, error)

// Listener observes module lifecycle events.
type Listener interface {
	NotifyLoad(name string)
	NotifyRelease(name string)
}

type loadedModule struct {
	handle ModuleHandle
	name   string
	prog   *Program
	dtors  []*ir.Func
}

// Engine owns loaded modules, the object cache and lifecycle listeners.
type Engine struct {
	opts Options

	mu        sync.Mutex
	seq       uint64
	modules   map[ModuleHandle]*loadedModule
	order     []ModuleHandle
	cache     *ObjectCache
	listeners []Listener
}

// New constructs an engine. A nil device falls back to the simulator.
func New(opts Options) *Engine {
	if opts.Device == nil {
		opts.Device = Simulator{}
	}
	e := &Engine{
		opts:    opts,
		modules: make(map[ModuleHandle]*loadedModule),
	}
	if opts.EnableObjectCache {
		e.cache = NewObjectCache()
	}
	if opts.EnableGDBNotification {
		e.listeners = append(e.listeners, debugListener{kind: "gdb", r: opts.Reporter})
	}
	if opts.EnablePerfNotification {
		e.listeners = append(e.listeners, debugListener{kind: "perf", r: opts.Reporter})
	}
	return e
}

// AddListener installs a lifecycle listener.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// LoadModule compiles m into an executable program, runs its static
// constructors and returns the module's handle. The engine assigns every
// load a unique internal name.
func (e *Engine) LoadModule(m *ir.Module) (ModuleHandle, error) {
	e.mu.Lock()
	e.seq++
	handle := ModuleHandle(e.seq)
	name := fmt.Sprintf("%s.%d", m.Name, e.seq)
	e.mu.Unlock()

	if t := e.opts.Transformer; t != nil {
		if err := t(m); err != nil {
			diag.Errorf(e.opts.Reporter, diag.EngLoadFailed, m.Name, 0, "transform: %v", err)
			return 0, fmt.Errorf("engine: load %s: %w", name, err)
		}
	}
	prog := NewProgram(m, e.opts.Device, e.opts.SymbolResolver)
	if t := e.opts.LateTransformer; t != nil {
		if err := t(m); err != nil {
			diag.Errorf(e.opts.Reporter, diag.EngLoadFailed, m.Name, 0, "late transform: %v", err)
			return 0, fmt.Errorf("engine: load %s: %w", name, err)
		}
	}
	if p := e.opts.AsmPrinter; p != nil {
		p(name, ir.Print(m))
	}

	lm := &loadedModule{handle: handle, name: name, prog: prog}
	for _, f := range m.Funcs {
		if f == nil || f.Decl {
			continue
		}
		if _, ok := f.Attr(AttrNameDtor); ok {
			lm.dtors = append(lm.dtors, f)
		}
		if _, ok := f.Attr(AttrNameCtor); !ok {
			continue
		}
		if _, err := prog.Call(f.Name); err != nil {
			diag.Errorf(e.opts.Reporter, diag.EngLoadFailed, f.Name, 0, "constructor: %v", err)
			return 0, fmt.Errorf("engine: load %s: constructor %s: %w", name, f.Name, err)
		}
	}

	e.mu.Lock()
	e.modules[handle] = lm
	e.order = append(e.order, handle)
	if e.cache != nil {
		e.cache.Put(makePayload(name, m, e.opts.OptLevel))
	}
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range listeners {
		l.NotifyLoad(name)
	}
	return handle, nil
}

// ReleaseModule runs the module's destructors in reverse declaration order
// and invalidates the handle.
func (e *Engine) ReleaseModule(handle ModuleHandle) error {
	e.mu.Lock()
	lm, ok := e.modules[handle]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: release handle %d: %w", handle, ErrStaleHandle)
	}
	delete(e.modules, handle)
	for i, h := range e.order {
		if h == handle {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	var errs []error
	for i := len(lm.dtors) - 1; i >= 0; i-- {
		if _, err := lm.prog.Call(lm.dtors[i].Name); err != nil {
			errs = append(errs, fmt.Errorf("destructor %s: %w", lm.dtors[i].Name, err))
		}
	}
	for _, l := range listeners {
		l.NotifyRelease(lm.name)
	}
	return errors.Join(errs...)
}

// Lookup resolves a function in a loaded module. A released handle errors,
// never a stale hit.
func (e *Engine) Lookup(handle ModuleHandle, name string) (Callable, error) {
	e.mu.Lock()
	lm, ok := e.modules[handle]
	e.mu.Unlock()
	if !ok {
		diag.Errorf(e.opts.Reporter, diag.EngLookupFailed, name, 0, "handle %d not loaded", handle)
		return nil, fmt.Errorf("engine: lookup %s: %w", name, ErrStaleHandle)
	}
	fn := lm.prog.module.Lookup(name)
	if fn == nil || fn.Decl {
		diag.Errorf(e.opts.Reporter, diag.EngLookupFailed, name, 0, "no such function in %s", lm.name)
		return nil, fmt.Errorf("engine: lookup %s: not defined in %s", name, lm.name)
	}
	prog := lm.prog
	return func(args ...any) ([]any, error) {
		return prog.Call(name, args...)
	}, nil
}

// Handles returns the live handles in load order.
func (e *Engine) Handles() []ModuleHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ModuleHandle(nil), e.order...)
}

// DumpToObjectFile writes the cached object payloads to path. Without an
// object cache this is a no-op.
func (e *Engine) DumpToObjectFile(path string) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.WriteFile(path)
}

// Close releases every remaining module in reverse load order.
func (e *Engine) Close() error {
	var errs []error
	for {
		e.mu.Lock()
		if len(e.order) == 0 {
			e.mu.Unlock()
			break
		}
		handle := e.order[len(e.order)-1]
		e.mu.Unlock()
		if err := e.ReleaseModule(handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// debugListener stands in for the gdb/perf JIT registration interfaces:
// load and release events surface as info diagnostics.
type debugListener struct {
	kind string
	r    diag.Reporter
}

func (l debugListener) NotifyLoad(name string) {
	diag.Infof(l.r, diag.EngInfo, name, 0, "%s: module loaded", l.kind)
}

func (l debugListener) NotifyRelease(name string) {
	diag.Infof(l.r, diag.EngInfo, name, 0, "%s: module released", l.kind)
}
