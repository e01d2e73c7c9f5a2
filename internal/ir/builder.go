package ir

import "numir/internal/types"

// Builder emits operations into a block. Rewrites move the insertion point
// with SetBlock; the builder never splits blocks itself.
type Builder struct {
	Fn    *Func
	Types *types.Interner

	blk *Block
	loc Location
}

// NewBuilder constructs a builder for f without an insertion point.
func NewBuilder(f *Func, in *types.Interner) *Builder {
	return &Builder{Fn: f, Types: in}
}

// SetBlock moves the insertion point to the end of blk.
func (b *Builder) SetBlock(blk *Block) { b.blk = blk }

// Block returns the current insertion block.
func (b *Builder) Block() *Block { return b.blk }

// SetLoc sets the location stamped on subsequently emitted ops.
func (b *Builder) SetLoc(loc Location) { b.loc = loc }

// Emit appends op to the current block and returns a pointer to it.
func (b *Builder) Emit(op Op) *Op {
	if op.Loc == (Location{}) {
		op.Loc = b.loc
	}
	b.blk.Ops = append(b.blk.Ops, op)
	return &b.blk.Ops[len(b.blk.Ops)-1]
}

// Last returns the most recently emitted op in the current block.
func (b *Builder) Last() *Op {
	return &b.blk.Ops[len(b.blk.Ops)-1]
}

// Op1 emits a one-result op and returns the result value.
func (b *Builder) Op1(kind OpKind, result types.TypeID, operands ...ValueID) ValueID {
	v := b.Fn.NewValue(result)
	b.Emit(Op{Kind: kind, Operands: operands, Results: []ValueID{v}})
	return v
}

// Op0 emits a zero-result op.
func (b *Builder) Op0(kind OpKind, operands ...ValueID) *Op {
	return b.Emit(Op{Kind: kind, Operands: operands})
}

// ConstInt emits an integer constant of the given type.
func (b *Builder) ConstInt(t types.TypeID, v int64) ValueID {
	r := b.Op1(OpArithConstant, t)
	b.Last().SetAttr(AttrNameValue, IntAttr(v))
	return r
}

// ConstFloat emits a float constant of the given type.
func (b *Builder) ConstFloat(t types.TypeID, v float64) ValueID {
	r := b.Op1(OpArithConstant, t)
	b.Last().SetAttr(AttrNameValue, FloatAttr(v))
	return r
}

// ConstIndex emits an index constant.
func (b *Builder) ConstIndex(v int64) ValueID {
	return b.ConstInt(b.Types.Builtins().Index, v)
}

// CmpI emits an integer comparison producing i1.
func (b *Builder) CmpI(pred CmpIPredicate, lhs, rhs ValueID) ValueID {
	r := b.Op1(OpArithCmpI, b.Types.Builtins().I1, lhs, rhs)
	b.Last().SetAttr(AttrNamePredicate, IntAttr(int64(pred)))
	return r
}

// CmpF emits a float comparison producing i1.
func (b *Builder) CmpF(pred CmpFPredicate, lhs, rhs ValueID) ValueID {
	r := b.Op1(OpArithCmpF, b.Types.Builtins().I1, lhs, rhs)
	b.Last().SetAttr(AttrNamePredicate, IntAttr(int64(pred)))
	return r
}

// SignCast emits a bit-preserving signedness change.
func (b *Builder) SignCast(to types.TypeID, v ValueID) ValueID {
	return b.Op1(OpUtilSignCast, to, v)
}

// Select emits cond ? a : b.
func (b *Builder) Select(cond, a, bv ValueID) ValueID {
	return b.Op1(OpArithSelect, b.Fn.ValueType(a), cond, a, bv)
}

// NewBlock appends a fresh block with the given parameter types to region r
// and returns it.
func (b *Builder) NewBlock(r *Region, paramTypes ...types.TypeID) *Block {
	id := BlockID(len(r.Blocks))
	params := make([]ValueID, len(paramTypes))
	for i, t := range paramTypes {
		params[i] = b.Fn.NewValue(t)
	}
	blk := &Block{ID: id, Params: params}
	r.Blocks = append(r.Blocks, blk)
	return blk
}
