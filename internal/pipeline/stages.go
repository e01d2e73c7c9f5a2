package pipeline

import (
	"numir/internal/diag"
	"numir/internal/gpu"
	"numir/internal/ir"
	"numir/internal/lower"
	"numir/internal/typeconv"
)

// Stage names of the standard lowering pipeline.
const (
	StageAnnotate  = "annotate"
	StageStructure = "structure-scf"
	StageToStd     = "convert-to-std"
	StageOptimize  = "optimize"
	StageGPU       = "gpu-lowering"
	StageValidate  = "validate"
)

// Default registers the standard lowering pipeline: context attribute
// stamping, CFG structuring, abstract-to-arith conversion (which may ask
// for a structuring rerun when call lowering exposes new loops), the
// attribute-gated rewrites, the device pipeline when enabled, and a final
// validation.
func Default() (*Runner, error) {
	reg := NewRegistry()

	stages := []StageDef{
		{
			Name: StageAnnotate,
			Run:  runAnnotate,
		},
		{
			Name: StageStructure,
			Deps: []string{StageAnnotate},
			Run:  runStructure,
		},
		{
			Name:  StageToStd,
			Deps:  []string{StageStructure},
			Jumps: []string{StageStructure},
			Run:   runToStd,
		},
		{
			Name: StageOptimize,
			Deps: []string{StageToStd},
			Run:  runOptimize,
		},
		{
			Name: StageGPU,
			Deps: []string{StageOptimize},
			Run:  runGPU,
		},
		{
			Name: StageValidate,
			Deps: []string{StageGPU},
			Run:  runValidate,
		},
	}
	for _, def := range stages {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	return NewRunner(reg)
}

func lowerContext(ctx *Context, f *ir.Func) *lower.Context {
	return &lower.Context{
		Types:    ctx.Types,
		Registry: typeconv.NewDefaultRegistry(),
		Module:   ctx.Module,
		Fn:       f,
		Reporter: ctx.Reporter,
	}
}

// runAnnotate stamps the compilation context onto every imported function
// as attributes, where later stages and the engine read them.
func runAnnotate(ctx *Context) error {
	for _, f := range ctx.Module.Funcs {
		if f == nil || f.Decl {
			continue
		}
		f.SetAttr(ir.AttrNameOptLevel, ir.IntAttr(int64(ctx.Config.OptLevel)))
		if ctx.Config.FastMath {
			f.SetAttr(ir.AttrNameFastMath, ir.UnitAttr())
		}
		if ctx.Config.ForceInline {
			f.SetAttr(ir.AttrNameForceInline, ir.UnitAttr())
		}
		if ctx.Config.MaxConcurrency > 0 {
			f.SetAttr(ir.AttrNameMaxConcurrency, ir.IntAttr(int64(ctx.Config.MaxConcurrency)))
		}
	}
	return nil
}

func runStructure(ctx *Context) error {
	for _, f := range ctx.Module.Funcs {
		if f == nil || f.Decl || f.IsKernel() {
			continue
		}
		if err := lower.StructureFunc(lowerContext(ctx, f)); err != nil {
			return err
		}
	}
	return nil
}

func runToStd(ctx *Context) error {
	for _, f := range ctx.Module.Funcs {
		if f == nil || f.Decl || f.IsKernel() {
			continue
		}
		lctx := lowerContext(ctx, f)
		if err := lower.ConvertToStd(lctx); err != nil {
			return err
		}
		if lctx.RerunSCF {
			ctx.Jump = StageStructure
		}
		if matchStage(ctx.Config.DebugTypes, f.Name) {
			diag.Infof(ctx.Reporter, diag.PipeInfo, f.Name, 0,
				"signature after conversion: %s", ctx.Types.String(f.Type))
		}
	}
	return nil
}

func runOptimize(ctx *Context) error {
	for _, f := range ctx.Module.Funcs {
		if f == nil || f.Decl || f.IsKernel() {
			continue
		}
		if err := lower.OptimizeFunc(lowerContext(ctx, f)); err != nil {
			return err
		}
	}
	return nil
}

func runGPU(ctx *Context) error {
	if !ctx.Config.EnableGPUPipeline {
		return nil
	}
	return gpu.Run(&gpu.Context{
		Types:    ctx.Types,
		Module:   ctx.Module,
		Env:      ctx.Env,
		Reporter: ctx.Reporter,
	})
}

func runValidate(ctx *Context) error {
	return ir.Validate(ctx.Module)
}
