package gpu

import (
	"numir/internal/ir"
)

// Processor names the hardware dimension a parallel loop dimension runs on.
type Processor uint8

const (
	ProcBlockX Processor = iota
	ProcBlockY
	ProcBlockZ
	ProcThreadX
	ProcThreadY
	ProcThreadZ
	// ProcSequential keeps the dimension as an in-kernel loop.
	ProcSequential
)

func (p Processor) String() string {
	switch p {
	case ProcBlockX:
		return "block_x"
	case ProcBlockY:
		return "block_y"
	case ProcBlockZ:
		return "block_z"
	case ProcThreadX:
		return "thread_x"
	case ProcThreadY:
		return "thread_y"
	case ProcThreadZ:
		return "thread_z"
	default:
		return "sequential"
	}
}

// MapParallelLoops annotates every unmapped scf.parallel with a processor
// mapping. The leading three dimensions map onto the flat grid (block and
// thread split happens at tiling time); any further dimensions stay
// sequential. Already-annotated loops keep their mapping.
func MapParallelLoops(f *ir.Func) {
	ir.WalkOps(f, func(_ *ir.Block, op *ir.Op) bool {
		if op.Kind != ir.OpSCFParallel || op.HasAttr(ir.AttrNameMapping) {
			return true
		}
		dims := int(op.IntAttrOr(ir.AttrNameIndex, 0))
		if dims <= 0 {
			return true
		}
		mapping := make([]int64, dims)
		for i := range mapping {
			if i < int(ProcBlockZ)+1 {
				mapping[i] = int64(ProcBlockX) + int64(i)
			} else {
				mapping[i] = int64(ProcSequential)
			}
		}
		op.SetAttr(ir.AttrNameMapping, ir.IntsAttr(mapping))
		return true
	})
}

// mappedDims returns how many leading dimensions of the loop are mapped to
// the grid, and whether the whole mapping is tileable (grid dims first,
// sequential after, nothing else).
func mappedDims(op *ir.Op) (int, bool) {
	a, ok := op.Attr(ir.AttrNameMapping)
	if !ok || a.Kind != ir.AttrIntSlice {
		return 0, false
	}
	n := 0
	for i, m := range a.Ints {
		if m >= int64(ProcBlockX) && m <= int64(ProcBlockZ) {
			if i != n {
				return 0, false
			}
			n++
			continue
		}
		if m != int64(ProcSequential) {
			return 0, false
		}
	}
	return n, n > 0
}
