package diag

import (
	"strings"
	"testing"
)

func TestBagCap(t *testing.T) {
	b := NewBag(2)
	if !b.Add(Diagnostic{Code: ConvNoRule, Severity: SevError}) {
		t.Fatal("first add rejected")
	}
	if !b.Add(Diagnostic{Code: ConvNoRule, Severity: SevError}) {
		t.Fatal("second add rejected")
	}
	if b.Add(Diagnostic{Code: ConvNoRule, Severity: SevError}) {
		t.Fatal("add past cap accepted")
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d", b.Len())
	}
}

func TestBagSortAndDedup(t *testing.T) {
	b := NewBag(10)
	b.Add(Diagnostic{Severity: SevWarning, Code: GPUF64Emulated, Fn: "kern", Line: 5, Message: "emulated"})
	b.Add(Diagnostic{Severity: SevError, Code: GPUAccessConflict, Fn: "kern", Line: 5, Message: "conflict"})
	b.Add(Diagnostic{Severity: SevError, Code: LowerUnsupportedOp, Fn: "add", Line: 1, Message: "bad op"})
	b.Add(Diagnostic{Severity: SevError, Code: LowerUnsupportedOp, Fn: "add", Line: 1, Message: "bad op"})

	b.Sort()
	b.Dedup()

	items := b.Items()
	if len(items) != 3 {
		t.Fatalf("after dedup: %d items", len(items))
	}
	if items[0].Fn != "add" {
		t.Fatalf("sort order wrong: %v", items)
	}
	// Same location: error before warning.
	if items[1].Severity != SevError || items[2].Severity != SevWarning {
		t.Fatalf("severity order wrong: %v %v", items[1], items[2])
	}
}

func TestHasErrors(t *testing.T) {
	b := NewBag(4)
	b.Add(Diagnostic{Severity: SevWarning})
	if b.HasErrors() {
		t.Fatal("warning counted as error")
	}
	if !b.HasWarnings() {
		t.Fatal("warning not detected")
	}
	b.Add(Diagnostic{Severity: SevError})
	if !b.HasErrors() {
		t.Fatal("error not detected")
	}
}

func TestReporterHelpers(t *testing.T) {
	b := NewBag(4)
	r := BagReporter{Bag: b}
	Errorf(r, LowerUnresolvedCall, "f", 3, "cannot resolve %q", "range")
	Warnf(r, GPUF64Emulated, "k", 0, "f64 emulated")

	if b.Len() != 2 {
		t.Fatalf("Len = %d", b.Len())
	}
	got := b.Items()[0].String()
	if !strings.Contains(got, "NUM3002") || !strings.Contains(got, `f:3`) {
		t.Fatalf("diagnostic format: %q", got)
	}
}

func TestMultiReporter(t *testing.T) {
	b1 := NewBag(4)
	b2 := NewBag(4)
	m := MultiReporter{BagReporter{Bag: b1}, nil, BagReporter{Bag: b2}}
	m.Report(Diagnostic{Severity: SevError, Code: PipeCycle})
	if b1.Len() != 1 || b2.Len() != 1 {
		t.Fatalf("fan-out failed: %d %d", b1.Len(), b2.Len())
	}
}
