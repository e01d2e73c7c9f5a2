// Package gpu lowers structured parallel loops onto device kernels: loop
// mapping, kernel outlining with tiling and bounds guards, buffer alloc and
// copy insertion, flattening of strided accesses, shader conversion and
// serialization, and f64 emulation for devices without 64-bit floats.
package gpu

import (
	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/spirv"
	"numir/internal/types"
)

// Context carries shared state through the device lowering stages.
type Context struct {
	Types    *types.Interner
	Module   *ir.Module
	Env      spirv.TargetEnv
	Reporter diag.Reporter
}

// Run applies the device lowering stages to every host function. Stages run
// in dependency order: kernels must exist before buffers are classified,
// and f64 rewriting must precede shader serialization so binaries reflect
// the emulated types.
func Run(ctx *Context) error {
	hosts := append([]*ir.Func(nil), ctx.Module.Funcs...)
	for _, f := range hosts {
		if f == nil || f.Decl || f.IsKernel() {
			continue
		}
		MapParallelLoops(f)
		if err := TileParallelLoops(ctx, f); err != nil {
			return err
		}
	}
	for _, f := range hosts {
		if f == nil || f.Decl || f.IsKernel() {
			continue
		}
		if err := InsertGPUAllocs(ctx, f); err != nil {
			return err
		}
	}
	for _, f := range hosts {
		if f == nil || f.Decl || f.IsKernel() {
			continue
		}
		if err := FlattenMemRefs(ctx, f); err != nil {
			return err
		}
	}
	if !ctx.Env.Has(spirv.CapabilityFloat64) {
		if err := TruncateF64(ctx); err != nil {
			return err
		}
	}
	return SerializeKernels(ctx)
}
