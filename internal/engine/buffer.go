package engine

import (
	"math"

	"numir/internal/types"
)

// Buffer is the runtime form of a memref: shaped storage of 64-bit words,
// one per element, holding the element's bit pattern. Views produced by
// reinterpret and bitcast ops share the underlying words.
type Buffer struct {
	words []uint64
	shape []int64
	elem  types.TypeID
	kind  types.Kind
	width types.Width
}

// NewBuffer allocates a zeroed buffer of the given element type and shape.
func NewBuffer(in *types.Interner, elem types.TypeID, shape ...int64) *Buffer {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	b := &Buffer{
		words: make([]uint64, n),
		shape: append([]int64(nil), shape...),
		elem:  elem,
	}
	if t, ok := in.Lookup(elem); ok {
		b.kind = t.Kind
		b.width = t.Width
	}
	return b
}

// view reinterprets the same words under a different element type.
func (b *Buffer) view(in *types.Interner, elem types.TypeID, shape []int64) *Buffer {
	nb := &Buffer{words: b.words, shape: shape, elem: elem}
	if t, ok := in.Lookup(elem); ok {
		nb.kind = t.Kind
		nb.width = t.Width
	}
	return nb
}

// Len returns the element count.
func (b *Buffer) Len() int64 {
	n := int64(1)
	for _, d := range b.shape {
		n *= d
	}
	return n
}

// Rank returns the number of dimensions.
func (b *Buffer) Rank() int { return len(b.shape) }

// Dim returns the extent of dimension d.
func (b *Buffer) Dim(d int) int64 { return b.shape[d] }

// Float returns element i of a float buffer.
func (b *Buffer) Float(i int64) float64 {
	v, _ := b.load(i).(float64)
	return v
}

// SetFloat stores v at element i of a float buffer.
func (b *Buffer) SetFloat(i int64, v float64) { b.store(i, v) }

// Int returns element i of an integer or index buffer.
func (b *Buffer) Int(i int64) int64 {
	v, _ := b.load(i).(int64)
	return v
}

// SetInt stores v at element i of an integer or index buffer.
func (b *Buffer) SetInt(i int64, v int64) { b.store(i, v) }

// load decodes element i into a runtime value.
func (b *Buffer) load(i int64) any {
	w := b.words[i]
	switch {
	case b.kind == types.KindFloat && b.width == types.Width64:
		return math.Float64frombits(w)
	case b.kind == types.KindFloat:
		return float64(math.Float32frombits(uint32(w)))
	case b.kind == types.KindInteger && b.width == types.Width1:
		return w != 0
	default:
		return int64(w)
	}
}

// store encodes a runtime value into element i.
func (b *Buffer) store(i int64, v any) {
	switch {
	case b.kind == types.KindFloat && b.width == types.Width64:
		f, _ := v.(float64)
		b.words[i] = math.Float64bits(f)
	case b.kind == types.KindFloat:
		f, _ := v.(float64)
		b.words[i] = uint64(math.Float32bits(float32(f)))
	default:
		switch x := v.(type) {
		case int64:
			b.words[i] = uint64(x)
		case bool:
			if x {
				b.words[i] = 1
			} else {
				b.words[i] = 0
			}
		default:
			b.words[i] = 0
		}
	}
}
