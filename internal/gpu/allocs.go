package gpu

import (
	"errors"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/types"
)

// ErrAccessConflict is returned when a buffer is launched on two different
// execution environments.
var ErrAccessConflict = errors.New("gpu: buffer used on conflicting environments")

// launchArgStart is where kernel arguments begin in a launch op's operands,
// after the grid and block triples.
const launchArgStart = 6

// bufAccess classifies how one buffer is touched around kernel launches.
type bufAccess struct {
	hostRead    bool
	hostWrite   bool
	deviceRead  bool
	deviceWrite bool

	env    string
	envSet bool

	firstBlk *ir.Block
	firstIdx int
	lastBlk  *ir.Block
	lastIdx  int
}

type launchSite struct {
	blk *ir.Block
	idx int
	env string
}

// InsertGPUAllocs gives every buffer passed to a kernel a device-side
// allocation with the copies its access pattern requires: copy-in when the
// host wrote data the device reads, copy-out when the host reads data the
// device wrote. Buffers launched under two different execution environments
// are an error; there is no implicit cross-device migration.
func InsertGPUAllocs(ctx *Context, f *ir.Func) error {
	var sites []launchSite
	collectLaunches(&f.Body, "", &sites)
	if len(sites) == 0 {
		return nil
	}

	access := make(map[ir.ValueID]*bufAccess)
	for _, site := range sites {
		op := &site.blk.Ops[site.idx]
		kernel := ctx.Module.Lookup(op.StringAttrOr(ir.AttrNameKernel, ""))
		for argPos, buf := range op.Operands[launchArgStart:] {
			if _, ok := ctx.Types.MemRefInfo(f.ValueType(buf)); !ok {
				continue
			}
			a := access[buf]
			if a == nil {
				a = &bufAccess{firstBlk: site.blk, firstIdx: site.idx}
				access[buf] = a
			}
			if a.envSet && a.env != site.env {
				diag.Errorf(ctx.Reporter, diag.GPUAccessConflict, f.Name, op.Loc.Line,
					"buffer used on environments %q and %q", a.env, site.env)
				return ErrAccessConflict
			}
			a.env, a.envSet = site.env, true
			a.lastBlk, a.lastIdx = site.blk, site.idx
			read, write := kernelAccess(kernel, argPos)
			a.deviceRead = a.deviceRead || read
			a.deviceWrite = a.deviceWrite || write
		}
	}

	markHostAccess(f, access)

	// Rewrite blocks in program order so a buffer's allocation always
	// precedes its copies.
	seen := make(map[*ir.Block]bool)
	deviceBuf := make(map[ir.ValueID]ir.ValueID, len(access))
	for _, s := range sites {
		if seen[s.blk] {
			continue
		}
		seen[s.blk] = true
		rewriteLaunchBlock(ctx, f, s.blk, access, deviceBuf)
	}
	retypeKernelParams(ctx, f)
	return nil
}

// collectLaunches finds launch ops with the environment pinned by the
// innermost enclosing env region.
func collectLaunches(r *ir.Region, env string, out *[]launchSite) {
	for _, blk := range r.Blocks {
		for i := range blk.Ops {
			op := &blk.Ops[i]
			if op.Kind == ir.OpGPULaunchFunc {
				*out = append(*out, launchSite{blk: blk, idx: i, env: env})
				continue
			}
			inner := env
			if op.Kind == ir.OpUtilEnvRegion {
				inner = op.StringAttrOr(ir.AttrNameEnv, env)
			}
			for j := range op.Regions {
				collectLaunches(&op.Regions[j], inner, out)
			}
		}
	}
}

// kernelAccess reports whether the kernel reads or writes its argPos-th
// parameter. A missing kernel is treated as reading and writing everything.
func kernelAccess(kernel *ir.Func, argPos int) (read, write bool) {
	if kernel == nil || kernel.Entry() == nil || argPos >= len(kernel.Entry().Params) {
		return true, true
	}
	param := kernel.Entry().Params[argPos]
	ir.WalkOps(kernel, func(_ *ir.Block, op *ir.Op) bool {
		switch op.Kind {
		case ir.OpMemRefLoad:
			if len(op.Operands) > 0 && op.Operands[0] == param {
				read = true
			}
		case ir.OpMemRefStore:
			if len(op.Operands) > 1 && op.Operands[1] == param {
				write = true
			}
		}
		return !(read && write)
	})
	return read, write
}

// markHostAccess records host-side reads and writes of classified buffers.
// Function parameters and returned buffers belong to the caller, which may
// do anything with them.
func markHostAccess(f *ir.Func, access map[ir.ValueID]*bufAccess) {
	if entry := f.Entry(); entry != nil {
		for _, p := range entry.Params {
			if a := access[p]; a != nil {
				a.hostRead = true
				a.hostWrite = true
			}
		}
	}
	ir.WalkOps(f, func(_ *ir.Block, op *ir.Op) bool {
		switch op.Kind {
		case ir.OpGPULaunchFunc:
			return true
		case ir.OpMemRefLoad, ir.OpMemRefDim:
			if len(op.Operands) > 0 {
				if a := access[op.Operands[0]]; a != nil {
					a.hostRead = true
				}
			}
		case ir.OpMemRefStore:
			if len(op.Operands) > 1 {
				if a := access[op.Operands[1]]; a != nil {
					a.hostWrite = true
				}
			}
		default:
			// Anything else that sees the buffer may do both.
			for _, v := range op.Operands {
				if a := access[v]; a != nil {
					a.hostRead = true
					a.hostWrite = true
				}
			}
		}
		return true
	})
	for _, blk := range f.Body.Blocks {
		if blk.Term.Kind != ir.TermReturn {
			continue
		}
		for _, v := range blk.Term.Return.Values {
			if a := access[v]; a != nil {
				a.hostRead = true
				a.hostWrite = true
			}
		}
	}
}

// rewriteLaunchBlock rebuilds blk: device allocs and copy-ins land before a
// buffer's first launch, copy-outs and deallocs after its last.
func rewriteLaunchBlock(ctx *Context, f *ir.Func, blk *ir.Block,
	access map[ir.ValueID]*bufAccess, deviceBuf map[ir.ValueID]ir.ValueID) {

	out := make([]ir.Op, 0, len(blk.Ops))
	for i := range blk.Ops {
		op := blk.Ops[i]
		if op.Kind != ir.OpGPULaunchFunc {
			out = append(out, op)
			continue
		}

		// A buffer may feed several kernel parameters; alloc, copy-out and
		// dealloc still happen once.
		var bufs []ir.ValueID
		launchSeen := make(map[ir.ValueID]bool)
		for argPos := launchArgStart; argPos < len(op.Operands); argPos++ {
			buf := op.Operands[argPos]
			a := access[buf]
			if a == nil {
				continue
			}
			if !launchSeen[buf] {
				launchSeen[buf] = true
				bufs = append(bufs, buf)
			}
			dev, ok := deviceBuf[buf]
			if !ok && a.firstBlk == blk && a.firstIdx == i {
				dev = allocDevice(ctx, f, buf, a, &out, op.Loc)
				deviceBuf[buf] = dev
				ok = true
			}
			if ok {
				op.Operands[argPos] = dev
			}
		}
		out = append(out, op)

		for _, buf := range bufs {
			a := access[buf]
			if a.lastBlk == blk && a.lastIdx == i {
				finishDevice(buf, deviceBuf[buf], a, &out, op.Loc)
			}
		}
	}
	blk.Ops = out
}

// allocDevice emits the device allocation and, when needed, the copy-in.
// Host-visible buffers allocate in shared space so copies stay cheap.
func allocDevice(ctx *Context, f *ir.Func, buf ir.ValueID, a *bufAccess,
	out *[]ir.Op, loc ir.Location) ir.ValueID {

	info, _ := ctx.Types.MemRefInfo(f.ValueType(buf))
	devInfo := info
	devInfo.Space = types.SpaceDevice
	if a.hostRead || a.hostWrite {
		devInfo.Space = types.SpaceShared
	}
	dev := f.NewValue(ctx.Types.InternMemRef(devInfo))

	// Dynamic dimensions travel as alloc operands, read off the host buffer.
	var sizes []ir.ValueID
	for d, dim := range info.Shape {
		if dim != types.DynamicDim {
			continue
		}
		idx := f.NewValue(ctx.Types.Builtins().Index)
		c := ir.Op{Kind: ir.OpArithConstant, Results: []ir.ValueID{idx}, Loc: loc}
		c.SetAttr(ir.AttrNameValue, ir.IntAttr(int64(d)))
		*out = append(*out, c)
		size := f.NewValue(ctx.Types.Builtins().Index)
		*out = append(*out, ir.Op{Kind: ir.OpMemRefDim,
			Operands: []ir.ValueID{buf, idx}, Results: []ir.ValueID{size}, Loc: loc})
		sizes = append(sizes, size)
	}

	*out = append(*out, ir.Op{Kind: ir.OpGPUAlloc, Operands: sizes, Results: []ir.ValueID{dev}, Loc: loc})
	if a.hostWrite && a.deviceRead {
		// Memcpy operands are destination then source.
		*out = append(*out, ir.Op{Kind: ir.OpGPUMemcpy, Operands: []ir.ValueID{dev, buf}, Loc: loc})
	}
	return dev
}

// finishDevice emits the copy-out and dealloc after the buffer's last launch.
func finishDevice(buf, dev ir.ValueID, a *bufAccess, out *[]ir.Op, loc ir.Location) {
	if a.hostRead && a.deviceWrite {
		*out = append(*out, ir.Op{Kind: ir.OpGPUMemcpy, Operands: []ir.ValueID{buf, dev}, Loc: loc})
	}
	*out = append(*out, ir.Op{Kind: ir.OpGPUDealloc, Operands: []ir.ValueID{dev}, Loc: loc})
}

// retypeKernelParams pushes the substituted buffer types into kernel
// signatures so launch operands and kernel params agree.
func retypeKernelParams(ctx *Context, f *ir.Func) {
	ir.WalkOps(f, func(_ *ir.Block, op *ir.Op) bool {
		if op.Kind != ir.OpGPULaunchFunc {
			return true
		}
		kernel := ctx.Module.Lookup(op.StringAttrOr(ir.AttrNameKernel, ""))
		if kernel == nil || kernel.Entry() == nil {
			return true
		}
		params := kernel.Entry().Params
		changed := false
		for argPos, v := range op.Operands[launchArgStart:] {
			if argPos >= len(params) {
				break
			}
			t := f.ValueType(v)
			if kernel.ValueType(params[argPos]) != t {
				kernel.SetValueType(params[argPos], t)
				changed = true
			}
		}
		if changed {
			pts := make([]types.TypeID, len(params))
			for i, p := range params {
				pts[i] = kernel.ValueType(p)
			}
			kernel.Type = ctx.Types.InternFunc(pts, nil)
		}
		return true
	})
}
