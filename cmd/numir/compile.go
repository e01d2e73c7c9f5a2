package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/session"
)

var (
	compileJobs    int
	compileObjects string
	compileNoGPU   bool
)

func init() {
	compileCmd.Flags().IntVar(&compileJobs, "jobs", 0, "parallel compilations (0 = GOMAXPROCS)")
	compileCmd.Flags().StringVar(&compileObjects, "objects", "", "dump cached object payloads to this file")
	compileCmd.Flags().BoolVar(&compileNoGPU, "no-gpu", false, "disable the GPU lowering pipeline")
}

var compileCmd = &cobra.Command{
	Use:   "compile <module.nmod>...",
	Short: "Compile module description files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCompileCmd,
}

type compileResult struct {
	path string
	mod  *ir.Module
	bag  *diag.Bag
	err  error
}

func runCompileCmd(cmd *cobra.Command, args []string) error {
	cfg, err := sessionConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := colorMode(cmd)
	if err != nil {
		return err
	}
	if compileNoGPU {
		cfg.Pipeline.EnableGPU = false
	}
	quiet, _ := cmd.Flags().GetBool("quiet")

	ctx := session.New(cfg)
	defer ctx.Close()

	jobs := compileJobs
	if jobs <= 0 {
		jobs = cfg.Pipeline.MaxConcurrency
	}
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	if jobs > len(args) {
		jobs = len(args)
	}

	// Modules are independent: compile them in parallel, report in input
	// order afterwards.
	results := make([]compileResult, len(args))
	g, gctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(jobs)
	for i, path := range args {
		i, path := i, path
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			r := compileResult{path: path}
			desc, err := session.ReadModuleFile(path)
			if err != nil {
				r.err = err
			} else {
				r.mod, r.bag, r.err = ctx.Compile(desc.Name, desc.Funcs)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed []error
	for _, r := range results {
		diag.Fprint(cmd.ErrOrStderr(), r.bag, mode)
		if r.err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.path, r.err)
			failed = append(failed, r.err)
			continue
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s (%d functions)\n", r.path, len(r.mod.Funcs))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d modules failed", len(failed), len(args))
	}

	if compileObjects != "" {
		// Object payloads come from the engine cache, which only sees
		// loaded modules.
		for _, r := range results {
			if _, err := ctx.Load(r.mod); err != nil {
				return err
			}
		}
		if err := ctx.DumpObjects(compileObjects); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "objects written to %s\n", compileObjects)
		}
	}
	return nil
}
