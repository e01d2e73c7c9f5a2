// Package plier imports frontend function descriptions into the abstract
// dialect. The input mirrors a numeric-Python bytecode IR: named variables,
// labeled blocks, explicit phi nodes, and a side table of inferred types.
package plier

// FuncDesc describes one function to import.
type FuncDesc struct {
	Name string
	Args []ArgDesc
	// TypeMap assigns every variable its inferred frontend type name.
	TypeMap map[string]string
	// ResultType is the frontend type name of the return value.
	ResultType string
	Blocks     []BlockDesc
}

// ArgDesc is a function parameter.
type ArgDesc struct {
	Name string
	Type string
}

// BlockDesc is a labeled block of instructions with one terminator.
type BlockDesc struct {
	Label int
	Insts []InstDesc
	Term  TermDesc
	Line  uint32
}

// ExprKind enumerates expression forms on the right of an assignment.
type ExprKind uint8

const (
	ExprInvalid ExprKind = iota
	// ExprArg reads a function argument by position.
	ExprArg
	// ExprConst is a literal.
	ExprConst
	// ExprGlobal references a global name. Iterating a call to the
	// "prange" global marks that range loop as parallel.
	ExprGlobal
	// ExprBinOp applies a binary operator to two variables.
	ExprBinOp
	// ExprInplaceBinOp applies an augmented-assignment operator.
	ExprInplaceBinOp
	// ExprUnaryOp applies a unary operator.
	ExprUnaryOp
	// ExprCall calls the value of a variable.
	ExprCall
	// ExprPhi merges values flowing in from predecessor blocks.
	ExprPhi
	// ExprCast converts a variable to the target's type.
	ExprCast
	// ExprBuildTuple packs variables into a tuple.
	ExprBuildTuple
	// ExprGetItem indexes a variable.
	ExprGetItem
	// ExprGetIter fetches an iterator.
	ExprGetIter
	// ExprIterNext advances an iterator.
	ExprIterNext
	// ExprPairFirst projects the first element of an iteration pair.
	ExprPairFirst
	// ExprPairSecond projects the second element of an iteration pair.
	ExprPairSecond
	// ExprGetAttr reads an attribute.
	ExprGetAttr
	// ExprSetItem stores into a container: operands [target, index, value].
	// A statement: it binds no variable.
	ExprSetItem
	// ExprDel ends a variable's live range. A statement with no effect on
	// lowering; kept so importers can pass descriptions through unchanged.
	ExprDel
)

// ConstKind distinguishes literal payloads.
type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstComplex
	ConstNone
)

// ConstDesc is a literal value.
type ConstDesc struct {
	Kind  ConstKind
	Int   int64
	Float float64
	Imag  float64
}

// PhiIncoming names the value a phi takes when entered from Block.
type PhiIncoming struct {
	Block int
	Var   string
}

// ExprDesc is the right-hand side of an assignment.
type ExprDesc struct {
	Kind ExprKind

	// ExprArg.
	ArgIndex int
	// ExprConst.
	Const ConstDesc
	// ExprGlobal, ExprGetAttr, operator name for ExprBinOp/ExprUnaryOp.
	Name string
	// Operand variables. BinOp: [lhs, rhs]. UnaryOp/Cast/GetIter/...: [v].
	// Call: callee first, then arguments. GetItem: [value, index].
	Operands []string
	// ExprPhi.
	Incoming []PhiIncoming
}

// InstDesc assigns an expression result to a variable.
type InstDesc struct {
	Target string
	Expr   ExprDesc
	Line   uint32
}

// TermKind enumerates block terminators.
type TermKind uint8

const (
	TermJump TermKind = iota
	TermBranch
	TermReturn
)

// TermDesc ends a block.
type TermDesc struct {
	Kind TermKind

	// TermJump, TermBranch targets.
	Target int
	True   int
	False  int
	// TermBranch condition, TermReturn value.
	Var string
}
