// Package diag collects diagnostics emitted by lowering passes and the
// runtime, with stable ordering for reproducible output.
package diag

import "fmt"

// Severity defines the importance of a diagnostic.
type Severity uint8

const (
	// SevInfo is for informational diagnostics.
	SevInfo Severity = iota
	// SevWarning is for warning diagnostics.
	SevWarning
	SevError
)

func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "INFO"
	case SevWarning:
		return "WARNING"
	case SevError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Code identifies a diagnostic class.
type Code uint16

const (
	UnknownCode Code = 0

	// Frontend import.
	FrontInfo          Code = 1000
	FrontBadOperand    Code = 1001
	FrontBadBlockRef   Code = 1002
	FrontDuplicateName Code = 1003

	// Type conversion and casts.
	ConvInfo            Code = 2000
	ConvNoRule          Code = 2001
	ConvUnsupportedCast Code = 2002
	ConvBadCoerce       Code = 2003

	// Dialect conversion.
	LowerInfo           Code = 3000
	LowerUnsupportedOp  Code = 3001
	LowerUnresolvedCall Code = 3002
	LowerBadOperandType Code = 3003
	LowerNotConverged   Code = 3004
	LowerIllegalLeft    Code = 3005

	// GPU lowering.
	GPUInfo             Code = 4000
	GPUAccessConflict   Code = 4001
	GPUBadLoopStructure Code = 4002
	GPUMissingCap       Code = 4003
	GPUF64Emulated      Code = 4004

	// Pipeline.
	PipeInfo       Code = 5000
	PipeCycle      Code = 5001
	PipeUnknownDep Code = 5002
	PipeStageError Code = 5003

	// Execution engine.
	EngInfo          Code = 6000
	EngLookupFailed  Code = 6001
	EngLoadFailed    Code = 6002
	EngCacheCorrupt  Code = 6003
	EngDeviceFailure Code = 6004
)

func (c Code) String() string {
	return fmt.Sprintf("NUM%04d", uint16(c))
}

// Note attaches secondary context to a diagnostic.
type Note struct {
	Msg string
}

// Diagnostic is a single finding. Fn and Line locate it in the module being
// compiled; either may be empty.
type Diagnostic struct {
	Severity Severity
	Code     Code
	Message  string
	Fn       string
	Line     uint32
	Notes    []Note
}

func (d Diagnostic) String() string {
	where := d.Fn
	if d.Line != 0 {
		where = fmt.Sprintf("%s:%d", d.Fn, d.Line)
	}
	if where == "" {
		return fmt.Sprintf("%s [%s] %s", d.Severity, d.Code, d.Message)
	}
	return fmt.Sprintf("%s [%s] %s: %s", d.Severity, d.Code, where, d.Message)
}
