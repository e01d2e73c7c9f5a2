package pipeline

import (
	"errors"
	"strings"
	"testing"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/spirv"
	"numir/internal/types"
)

func newTestContext() *Context {
	in := types.NewInterner()
	bag := diag.NewBag(64)
	return &Context{
		Types:    in,
		Module:   ir.NewModule("m", in),
		Env:      spirv.DefaultEnv(),
		Bag:      bag,
		Reporter: diag.BagReporter{Bag: bag},
	}
}

func noop(*Context) error { return nil }

func TestResolveOrder(t *testing.T) {
	reg := NewRegistry()
	// Registration order deliberately reversed.
	for _, def := range []StageDef{
		{Name: "c", Deps: []string{"b"}, Run: noop},
		{Name: "b", Deps: []string{"a"}, Run: noop},
		{Name: "a", Run: noop},
	} {
		if err := reg.Register(def); err != nil {
			t.Fatal(err)
		}
	}
	order, err := reg.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCycleDetection(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(StageDef{Name: "a", Deps: []string{"c"}, Run: noop})
	_ = reg.Register(StageDef{Name: "b", Deps: []string{"a"}, Run: noop})
	_ = reg.Register(StageDef{Name: "c", Deps: []string{"b"}, Run: noop})
	_, err := reg.Resolve()
	if err == nil {
		t.Fatal("cycle not detected")
	}
	msg := err.Error()
	if !strings.Contains(msg, "cycle") {
		t.Fatalf("error does not mention the cycle: %v", err)
	}
	// The message names every member.
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(msg, name) {
			t.Fatalf("cycle message %q misses stage %s", msg, name)
		}
	}
}

func TestUnknownDependency(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(StageDef{Name: "a", Deps: []string{"ghost"}, Run: noop})
	if _, err := reg.Resolve(); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("err = %v, want unknown dependency", err)
	}
}

func TestDuplicateStage(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(StageDef{Name: "a", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(StageDef{Name: "a", Run: noop}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestJumpRerun(t *testing.T) {
	reg := NewRegistry()
	firstRuns := 0
	jumped := false
	_ = reg.Register(StageDef{Name: "first", Run: func(*Context) error {
		firstRuns++
		return nil
	}})
	_ = reg.Register(StageDef{
		Name:  "second",
		Deps:  []string{"first"},
		Jumps: []string{"first"},
		Run: func(ctx *Context) error {
			if !jumped {
				jumped = true
				ctx.Jump = "first"
			}
			return nil
		},
	})
	r, err := NewRunner(reg)
	if err != nil {
		t.Fatal(err)
	}
	var events []Event
	r.Progress = sinkFunc(func(e Event) { events = append(events, e) })

	if err := r.Run(newTestContext()); err != nil {
		t.Fatal(err)
	}
	if firstRuns != 2 {
		t.Fatalf("first ran %d times, want 2", firstRuns)
	}
	rerunSeen := false
	for _, e := range events {
		if e.Status == StatusRerun && e.Stage == "first" {
			rerunSeen = true
		}
	}
	if !rerunSeen {
		t.Fatal("no rerun event emitted")
	}
}

type sinkFunc func(Event)

func (f sinkFunc) OnEvent(e Event) { f(e) }

func TestJumpToUndeclaredStage(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(StageDef{Name: "first", Run: noop})
	_ = reg.Register(StageDef{Name: "second", Deps: []string{"first"}, Run: func(ctx *Context) error {
		ctx.Jump = "first"
		return nil
	}})
	r, err := NewRunner(reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Run(newTestContext()); err == nil {
		t.Fatal("undeclared jump accepted")
	}
}

func TestRerunLimit(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(StageDef{Name: "first", Run: noop})
	_ = reg.Register(StageDef{
		Name:  "second",
		Deps:  []string{"first"},
		Jumps: []string{"first"},
		Run: func(ctx *Context) error {
			ctx.Jump = "first"
			return nil
		},
	})
	r, err := NewRunner(reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Run(newTestContext()); err == nil || !strings.Contains(err.Error(), "rerun") {
		t.Fatalf("err = %v, want rerun limit", err)
	}
}

func TestStageErrorReported(t *testing.T) {
	boom := errors.New("boom")
	reg := NewRegistry()
	_ = reg.Register(StageDef{Name: "bad", Run: func(*Context) error { return boom }})
	r, err := NewRunner(reg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := newTestContext()
	if err := r.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped stage error", err)
	}
	found := false
	for _, d := range ctx.Bag.Items() {
		if d.Code == diag.PipeStageError {
			found = true
		}
	}
	if !found {
		t.Fatal("stage failure not in the bag")
	}
	if !r.Timings.Has("bad") {
		t.Fatal("failed stage has no timing")
	}
}

func TestDumpSinks(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(StageDef{Name: "only", Run: noop})
	r, err := NewRunner(reg)
	if err != nil {
		t.Fatal(err)
	}
	var buf strings.Builder
	r.Dump = &buf
	ctx := newTestContext()
	ctx.Config.PrintBefore = []string{"only"}
	ctx.Config.PrintAfter = []string{"all"}
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "// before only") || !strings.Contains(out, "// after only") {
		t.Fatalf("dump output missing markers:\n%s", out)
	}
}

func TestDefaultPipelineOrder(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	order := r.Order()
	want := []string{StageAnnotate, StageStructure, StageToStd, StageOptimize, StageGPU, StageValidate}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	// An empty module flows through without diagnostics.
	if err := r.Run(newTestContext()); err != nil {
		t.Fatal(err)
	}
}
