package ir

// TermKind enumerates block terminator kinds.
type TermKind uint8

const (
	TermNone TermKind = iota
	TermBr
	TermCondBr
	TermReturn
	TermUnreachable
)

// Terminator ends a block. Branch edges carry argument lists matching the
// target block's parameters; merged values travel as block arguments instead
// of phi nodes.
type Terminator struct {
	Kind TermKind

	Br          BrTerm
	CondBr      CondBrTerm
	Return      ReturnTerm
	Unreachable struct{}

	Loc Location
}

// BrTerm is an unconditional branch.
type BrTerm struct {
	Target BlockID
	Args   []ValueID
}

// CondBrTerm is a two-way branch on an i1 value.
type CondBrTerm struct {
	Cond      ValueID
	True      BlockID
	TrueArgs  []ValueID
	False     BlockID
	FalseArgs []ValueID
}

// ReturnTerm returns zero or more values from the function.
type ReturnTerm struct {
	Values []ValueID
}
