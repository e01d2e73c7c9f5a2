// Package session ties the compiler together for embedders and the CLI: a
// Context owns the execution engine, compiles frontend descriptions through
// the lowering pipeline and tracks loaded modules so teardown releases them
// in reverse load order before the engine goes away.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"numir/internal/diag"
	"numir/internal/engine"
	"numir/internal/ir"
	"numir/internal/pipeline"
	"numir/internal/plier"
	"numir/internal/types"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Context is one compilation session.
type Context struct {
	cfg Config
	eng *engine.Engine

	// Progress receives pipeline stage events; nil drops them.
	Progress pipeline.ProgressSink
	// Dump receives IR dumps for stages named in the config.
	Dump io.Writer

	mu     sync.Mutex
	loaded []engine.ModuleHandle
	bags   []*diag.Bag
	closed bool
}

// New opens a session with the given configuration.
func New(cfg Config) *Context {
	return &Context{
		cfg: cfg,
		eng: engine.New(engine.Options{
			OptLevel:               cfg.Pipeline.OptLevel,
			EnableObjectCache:      cfg.Engine.ObjectCache,
			EnableGDBNotification:  cfg.Engine.GDBNotify,
			EnablePerfNotification: cfg.Engine.PerfNotify,
		}),
	}
}

// Config returns the session configuration.
func (c *Context) Config() Config { return c.cfg }

// Compile imports the function descriptions and runs the full lowering
// pipeline. The returned bag carries every diagnostic of this compilation;
// it is also retained for Diagnostics.
func (c *Context) Compile(name string, funcs []plier.FuncDesc) (*ir.Module, *diag.Bag, error) {
	if c.isClosed() {
		return nil, nil, ErrClosed
	}
	bag := diag.NewBag(c.cfg.MaxDiagnostics)
	c.mu.Lock()
	c.bags = append(c.bags, bag)
	c.mu.Unlock()

	in := types.NewInterner()
	mod, err := plier.LowerModule(in, name, funcs)
	if err != nil {
		return nil, bag, fmt.Errorf("session: import %s: %w", name, err)
	}

	runner, err := pipeline.Default()
	if err != nil {
		return nil, bag, err
	}
	runner.Progress = c.Progress
	runner.Dump = c.Dump
	pctx := &pipeline.Context{
		Types:    in,
		Module:   mod,
		Env:      c.cfg.TargetEnv(),
		Bag:      bag,
		Reporter: diag.BagReporter{Bag: bag},
		Config:   c.cfg.pipelineConfig(),
	}
	if err := runner.Run(pctx); err != nil {
		return nil, bag, err
	}
	if bag.HasErrors() {
		return nil, bag, fmt.Errorf("session: compile %s: %d diagnostics", name, len(bag.Items()))
	}
	return mod, bag, nil
}

// Load hands a compiled module to the engine and tracks its handle.
func (c *Context) Load(mod *ir.Module) (engine.ModuleHandle, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	h, err := c.eng.LoadModule(mod)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.loaded = append(c.loaded, h)
	c.mu.Unlock()
	return h, nil
}

// Lookup resolves a function in a loaded module.
func (c *Context) Lookup(h engine.ModuleHandle, name string) (engine.Callable, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.eng.Lookup(h, name)
}

// Release releases a module explicitly.
func (c *Context) Release(h engine.ModuleHandle) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	for i, v := range c.loaded {
		if v == h {
			c.loaded = append(c.loaded[:i], c.loaded[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return c.eng.ReleaseModule(h)
}

// Run compiles, loads and invokes entry in one step.
func (c *Context) Run(name string, funcs []plier.FuncDesc, entry string, args ...any) ([]any, error) {
	mod, _, err := c.Compile(name, funcs)
	if err != nil {
		return nil, err
	}
	h, err := c.Load(mod)
	if err != nil {
		return nil, err
	}
	call, err := c.Lookup(h, entry)
	if err != nil {
		return nil, err
	}
	return call(args...)
}

// DumpObjects writes the engine's cached object payloads to path.
func (c *Context) DumpObjects(path string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.eng.DumpToObjectFile(path)
}

// Diagnostics returns the bags of every compilation in this session.
func (c *Context) Diagnostics() []*diag.Bag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*diag.Bag(nil), c.bags...)
}

// Close releases leftover modules in reverse load order, then tears down
// the engine. The session is unusable afterwards.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	loaded := c.loaded
	c.loaded = nil
	c.mu.Unlock()

	var errs []error
	for i := len(loaded) - 1; i >= 0; i-- {
		if err := c.eng.ReleaseModule(loaded[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.eng.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
