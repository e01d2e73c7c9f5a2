package ir

// ValueID identifies an SSA value inside a function.
type ValueID int32

// NoValueID marks the absence of a value.
const NoValueID ValueID = -1

// BlockID identifies a block inside its containing region.
type BlockID int32

// NoBlockID marks the absence of a block.
const NoBlockID BlockID = -1

// FuncID identifies a function inside a module.
type FuncID int32

// NoFuncID marks the absence of a function.
const NoFuncID FuncID = -1

// Location is a source position carried through lowering for diagnostics.
// Zero means unknown.
type Location struct {
	Line uint32
	Col  uint32
}
