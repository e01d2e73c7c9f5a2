package engine

import (
	"fmt"
	"math"
	"strings"

	"numir/internal/ir"
	"numir/internal/types"
)

// Extern is a host function bound to an external declaration. It receives
// runtime values and returns one result (nil for void).
type Extern func(args []any) (any, error)

// SymbolResolver maps a declaration name to a host binding. The resolver
// sees the full mangled name first and the bare name second.
type SymbolResolver func(name string) (Extern, bool)

// Program is a loaded module in executable form: the lowered IR plus the
// resolved external bindings and the device used for kernel launches.
type Program struct {
	module  *ir.Module
	types   *types.Interner
	device  Device
	symbols map[string]Extern
}

// NewProgram binds a lowered module for execution. Every external
// declaration is resolved eagerly: first through the resolver, then against
// the built-in math bindings. Unresolved declarations fail only when called.
func NewProgram(m *ir.Module, device Device, resolver SymbolResolver) *Program {
	p := &Program{
		module:  m,
		types:   m.Types,
		device:  device,
		symbols: make(map[string]Extern),
	}
	for _, f := range m.Funcs {
		if f == nil || !f.Decl {
			continue
		}
		if ext, ok := resolve(f.Name, resolver); ok {
			p.symbols[f.Name] = ext
		}
	}
	return p
}

// Call runs the named function with the given arguments.
func (p *Program) Call(name string, args ...any) ([]any, error) {
	fn := p.module.Lookup(name)
	if fn == nil || fn.Decl {
		return nil, fmt.Errorf("engine: no function %s", name)
	}
	ip := &interp{prog: p}
	return ip.callFunc(fn, args, nil)
}

// Module returns the underlying IR module.
func (p *Program) Module() *ir.Module { return p.module }

func resolve(name string, resolver SymbolResolver) (Extern, bool) {
	if resolver != nil {
		if ext, ok := resolver(name); ok {
			return ext, true
		}
	}
	bare := name
	if i := strings.IndexByte(bare, '('); i >= 0 {
		bare = bare[:i]
	}
	if resolver != nil {
		if ext, ok := resolver(bare); ok {
			return ext, true
		}
	}
	ext, ok := builtinExterns[bare]
	return ext, ok
}

func unary(f func(float64) float64) Extern {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("want 1 argument, got %d", len(args))
		}
		x, _ := args[0].(float64)
		return f(x), nil
	}
}

func binary(f func(a, b float64) float64) Extern {
	return func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("want 2 arguments, got %d", len(args))
		}
		x, _ := args[0].(float64)
		y, _ := args[1].(float64)
		return f(x, y), nil
	}
}

// builtinExterns covers the math declarations call lowering emits.
var builtinExterns = map[string]Extern{
	"pow":   binary(math.Pow),
	"atan2": binary(math.Atan2),
	"fmod":  binary(math.Mod),
	"floor": unary(math.Floor),
	"ceil":  unary(math.Ceil),
	"fabs":  unary(math.Abs),
	"sqrt":  unary(math.Sqrt),
	"exp":   unary(math.Exp),
	"log":   unary(math.Log),
	"log2":  unary(math.Log2),
	"log10": unary(math.Log10),
	"sin":   unary(math.Sin),
	"cos":   unary(math.Cos),
	"tan":   unary(math.Tan),
	"asin":  unary(math.Asin),
	"acos":  unary(math.Acos),
	"atan":  unary(math.Atan),
	"sinh":  unary(math.Sinh),
	"cosh":  unary(math.Cosh),
	"tanh":  unary(math.Tanh),
	"erf":   unary(math.Erf),
}
