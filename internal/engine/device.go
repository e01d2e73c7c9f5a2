package engine

import (
	"fmt"

	"numir/internal/ir"
	"numir/internal/types"
)

// Device abstracts the kernel execution target. The default implementation
// is an in-process simulator; an offload runtime plugs in through Options.
type Device interface {
	// SuggestBlockSize picks a block size per global dimension.
	SuggestBlockSize(dims []int64) []int64
	// Launch runs the kernel over grid x block work items.
	Launch(prog *Program, kernel *ir.Func, grid, block [3]int64, args []any) error
	// AllocKind maps a requested memory space to one the device supports.
	AllocKind(space types.MemorySpace) types.MemorySpace
}

// simMaxBlock is the simulated block size limit along x.
const simMaxBlock = 256

// Simulator executes kernels in process, one work item at a time, by
// interpreting the retained kernel bodies.
type Simulator struct{}

func (Simulator) SuggestBlockSize(dims []int64) []int64 {
	sizes := make([]int64, len(dims))
	for i, d := range dims {
		sizes[i] = 1
		if i == 0 {
			sizes[i] = simMaxBlock
			if d > 0 && d < simMaxBlock {
				// Round the trailing dimension up to a power of two.
				sizes[i] = 1
				for sizes[i] < d {
					sizes[i] <<= 1
				}
			}
		}
	}
	return sizes
}

func (Simulator) Launch(prog *Program, kernel *ir.Func, grid, block [3]int64, args []any) error {
	for _, d := range [6]int64{grid[0], grid[1], grid[2], block[0], block[1], block[2]} {
		if d <= 0 {
			return fmt.Errorf("engine: launch of %s with empty dimension", kernel.Name)
		}
	}
	ip := &interp{prog: prog}
	item := workItem{gridDim: grid, blockDim: block}
	for gz := int64(0); gz < grid[2]; gz++ {
		for gy := int64(0); gy < grid[1]; gy++ {
			for gx := int64(0); gx < grid[0]; gx++ {
				item.blockID = [3]int64{gx, gy, gz}
				for tz := int64(0); tz < block[2]; tz++ {
					for ty := int64(0); ty < block[1]; ty++ {
						for tx := int64(0); tx < block[0]; tx++ {
							item.threadID = [3]int64{tx, ty, tz}
							if _, err := ip.callFunc(kernel, args, &item); err != nil {
								return fmt.Errorf("engine: kernel %s: %w", kernel.Name, err)
							}
						}
					}
				}
			}
		}
	}
	return nil
}

func (Simulator) AllocKind(space types.MemorySpace) types.MemorySpace {
	// The simulator shares the host address space.
	return space
}
