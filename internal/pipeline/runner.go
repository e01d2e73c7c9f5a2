package pipeline

import (
	"fmt"
	"io"
	"time"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/spirv"
	"numir/internal/types"
)

// Config is the caller-facing pipeline configuration.
type Config struct {
	EnableGPUPipeline bool
	OptLevel          int
	FastMath          bool
	ForceInline       bool
	// MaxConcurrency bounds parallel compilations driven by the caller;
	// the pipeline itself runs stages sequentially.
	MaxConcurrency int
	// DebugTypes enables verbose type reporting for the named functions.
	DebugTypes []string
	// PrintBefore and PrintAfter name stages whose IR is dumped; "all"
	// matches every stage.
	PrintBefore []string
	PrintAfter  []string
}

// Context is the state shared by every stage of one compilation.
type Context struct {
	Types    *types.Interner
	Module   *ir.Module
	Env      spirv.TargetEnv
	Bag      *diag.Bag
	Reporter diag.Reporter
	Config   Config

	// Jump, when set by a stage, names the earlier stage to rerun.
	Jump string
}

// maxReruns bounds how many times stages may jump backwards in one run.
const maxReruns = 8

// Runner executes a resolved stage order.
type Runner struct {
	reg   *Registry
	order []string

	// Progress receives stage events; nil drops them.
	Progress ProgressSink
	// Dump receives IR dumps for stages named in PrintBefore/PrintAfter.
	Dump io.Writer

	Timings Timings
}

// NewRunner resolves the registry into an execution order.
func NewRunner(reg *Registry) (*Runner, error) {
	order, err := reg.Resolve()
	if err != nil {
		return nil, err
	}
	return &Runner{reg: reg, order: order}, nil
}

// Order returns the resolved stage order.
func (r *Runner) Order() []string {
	return append([]string(nil), r.order...)
}

// Run executes the stages over ctx. A stage may set ctx.Jump to rerun an
// earlier stage it declared in its Jumps list; the total number of jumps is
// bounded so a stage pair cannot ping-pong forever.
func (r *Runner) Run(ctx *Context) error {
	reruns := 0
	for i := 0; i < len(r.order); {
		name := r.order[i]
		def, _ := r.reg.Stage(name)

		r.dump(ctx, name, "before", ctx.Config.PrintBefore)
		r.emit(Event{Stage: name, Status: StatusWorking})
		start := time.Now()
		err := def.Run(ctx)
		elapsed := time.Since(start)
		r.Timings.Add(name, elapsed)
		if err != nil {
			diag.Errorf(ctx.Reporter, diag.PipeStageError, name, 0, "stage failed: %v", err)
			r.emit(Event{Stage: name, Status: StatusError, Err: err, Elapsed: elapsed})
			return fmt.Errorf("pipeline: stage %s: %w", name, err)
		}
		r.emit(Event{Stage: name, Status: StatusDone, Elapsed: elapsed})
		r.dump(ctx, name, "after", ctx.Config.PrintAfter)

		if ctx.Jump == "" {
			i++
			continue
		}
		target := ctx.Jump
		ctx.Jump = ""
		if !contains(def.Jumps, target) {
			return fmt.Errorf("pipeline: stage %s jumped to undeclared stage %s", name, target)
		}
		pos := index(r.order, target)
		if pos < 0 {
			diag.Errorf(ctx.Reporter, diag.PipeUnknownDep, name, 0, "jump target %s not scheduled", target)
			return fmt.Errorf("pipeline: jump target %s not scheduled", target)
		}
		reruns++
		if reruns > maxReruns {
			return fmt.Errorf("pipeline: stage %s exceeded %d reruns of %s", name, maxReruns, target)
		}
		r.emit(Event{Stage: target, Status: StatusRerun})
		i = pos
	}
	return nil
}

func (r *Runner) emit(evt Event) {
	if r.Progress != nil {
		r.Progress.OnEvent(evt)
	}
}

func (r *Runner) dump(ctx *Context, stage, when string, names []string) {
	if r.Dump == nil || !matchStage(names, stage) {
		return
	}
	fmt.Fprintf(r.Dump, "// %s %s\n%s", when, stage, ir.Print(ctx.Module))
}

func matchStage(names []string, stage string) bool {
	for _, n := range names {
		if n == stage || n == "all" {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func index(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
