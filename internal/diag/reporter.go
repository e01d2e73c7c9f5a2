package diag

import "fmt"

// Reporter is the minimal contract passes use to hand off diagnostics.
type Reporter interface {
	Report(d Diagnostic)
}

// BagReporter writes into a Bag.
type BagReporter struct{ Bag *Bag }

func (r BagReporter) Report(d Diagnostic) {
	if r.Bag == nil {
		return
	}
	r.Bag.Add(d)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Report(Diagnostic) {}

// MultiReporter fans out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(d Diagnostic) {
	for _, r := range m {
		if r != nil {
			r.Report(d)
		}
	}
}

// Errorf reports a SevError diagnostic.
func Errorf(r Reporter, code Code, fn string, line uint32, format string, args ...any) {
	report(r, SevError, code, fn, line, format, args...)
}

// Warnf reports a SevWarning diagnostic.
func Warnf(r Reporter, code Code, fn string, line uint32, format string, args ...any) {
	report(r, SevWarning, code, fn, line, format, args...)
}

// Infof reports a SevInfo diagnostic.
func Infof(r Reporter, code Code, fn string, line uint32, format string, args ...any) {
	report(r, SevInfo, code, fn, line, format, args...)
}

func report(r Reporter, sev Severity, code Code, fn string, line uint32, format string, args ...any) {
	if r == nil {
		return
	}
	r.Report(Diagnostic{
		Severity: sev,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Fn:       fn,
		Line:     line,
	})
}
