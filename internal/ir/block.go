package ir

// Block is a basic block. Params are the block's arguments; the entry
// block's params are the function (or region) arguments.
type Block struct {
	ID     BlockID
	Params []ValueID
	Ops    []Op
	Term   Terminator
}

// Terminated reports whether the block ends with a terminator.
func (b *Block) Terminated() bool {
	if b == nil {
		return true
	}
	return b.Term.Kind != TermNone
}
