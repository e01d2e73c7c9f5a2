package gpu

import (
	"fmt"
	"math"
	"strings"

	"numir/internal/diag"
	"numir/internal/ir"
	"numir/internal/spirv"
	"numir/internal/types"
)

// SerializeKernels converts every kernel function to a shader module,
// serializes it, and attaches the binary as a module attribute keyed by the
// device module name. Kernel bodies stay in the IR for hosts that execute
// them directly.
func SerializeKernels(ctx *Context) error {
	groups := make(map[string][]*ir.Func)
	var order []string
	for _, f := range ctx.Module.Funcs {
		if f == nil || !f.IsKernel() {
			continue
		}
		a, _ := f.Attr(ir.AttrNameGPUModule)
		if a.Kind != ir.AttrString || a.Str == "" {
			continue
		}
		if groups[a.Str] == nil {
			order = append(order, a.Str)
		}
		groups[a.Str] = append(groups[a.Str], f)
	}

	for _, name := range order {
		sm := spirv.NewModule(name)
		sm.AddCapability(spirv.CapabilityKernel)
		sm.AddCapability(spirv.CapabilityAddresses)
		sm.AddCapability(spirv.CapabilityInt64)
		sm.SetMemoryModel(spirv.AddressingPhysical64, spirv.MemoryOpenCL)

		conv := &converter{ctx: ctx, m: sm, builtins: make(map[spirv.Word]spirv.ID)}
		for _, kernel := range groups[name] {
			if err := conv.addKernel(kernel); err != nil {
				return err
			}
		}
		words := sm.Serialize(ctx.Env.Version)
		ctx.Module.SetAttr(ir.AttrNameBinary+":"+name, ir.WordsAttr(words))
	}
	return nil
}

// converter lowers kernel IR into one shader module.
type converter struct {
	ctx *Context
	m   *spirv.Module

	builtins map[spirv.Word]spirv.ID

	// per-kernel state
	fn       *ir.Func
	vmap     map[ir.ValueID]spirv.ID
	used     []spirv.ID
	curLabel spirv.ID
}

func (c *converter) addKernel(kernel *ir.Func) error {
	entry := kernel.Entry()
	if entry == nil {
		return nil
	}
	c.fn = kernel
	c.vmap = make(map[ir.ValueID]spirv.ID)
	c.used = nil

	void := c.m.TypeVoid()
	paramTypes := make([]spirv.ID, len(entry.Params))
	for i, p := range entry.Params {
		t, err := c.typeOf(kernel.ValueType(p))
		if err != nil {
			return err
		}
		paramTypes[i] = t
	}
	fnType := c.m.TypeFunction(void, paramTypes...)

	fnID := c.m.NewID()
	c.m.Emit(spirv.OpFunction, void, fnID, 0, fnType)
	for i, p := range entry.Params {
		id := c.m.NewID()
		c.m.Emit(spirv.OpFunctionParameter, paramTypes[i], id)
		c.vmap[p] = id
	}
	c.label(c.m.NewID())

	if err := c.emitOps(entry.Ops); err != nil {
		return fmt.Errorf("kernel %s: %w", kernel.Name, err)
	}
	c.m.Emit(spirv.OpReturn)
	c.m.Emit(spirv.OpFunctionEnd)

	c.m.EntryPoint(spirv.ExecutionModelKernel, fnID, kernel.Name, c.used...)
	c.m.SetName(fnID, kernel.Name)
	return nil
}

func (c *converter) label(id spirv.ID) {
	c.m.Emit(spirv.OpLabel, id)
	c.curLabel = id
}

// typeOf maps an IR type onto a shader type id. Buffers become pointers in
// cross-workgroup storage.
func (c *converter) typeOf(t types.TypeID) (spirv.ID, error) {
	in := c.ctx.Types
	b := in.Builtins()
	if t == b.Index {
		return c.m.TypeInt(64, false), nil
	}
	if t == b.I1 {
		return c.m.TypeBool(), nil
	}
	tt, ok := in.Lookup(t)
	if !ok {
		return 0, fmt.Errorf("unknown type id %d", t)
	}
	switch tt.Kind {
	case types.KindInteger:
		return c.m.TypeInt(spirv.Word(tt.Width), false), nil
	case types.KindFloat:
		if tt.Width == 64 {
			if !c.ctx.Env.Has(spirv.CapabilityFloat64) {
				diag.Errorf(c.ctx.Reporter, diag.GPUMissingCap, c.fn.Name, 0,
					"device does not support 64-bit floats")
				return 0, fmt.Errorf("missing Float64 capability")
			}
			c.m.AddCapability(spirv.CapabilityFloat64)
		}
		return c.m.TypeFloat(spirv.Word(tt.Width)), nil
	case types.KindMemRef:
		info, _ := in.MemRefInfo(t)
		elem, err := c.typeOf(info.Elem)
		if err != nil {
			return 0, err
		}
		return c.m.TypePointer(spirv.StorageCrossWorkgroup, elem), nil
	default:
		return 0, fmt.Errorf("type %s has no shader equivalent", in.String(t))
	}
}

func (c *converter) val(v ir.ValueID) (spirv.ID, error) {
	id, ok := c.vmap[v]
	if !ok {
		return 0, fmt.Errorf("value v%d has no shader id", v)
	}
	return id, nil
}

func (c *converter) emitOps(ops []ir.Op) error {
	for i := range ops {
		if err := c.emitOp(&ops[i]); err != nil {
			return err
		}
	}
	return nil
}

var binaryIntOps = map[ir.OpKind]spirv.Opcode{
	ir.OpArithAddI:  spirv.OpIAdd,
	ir.OpArithSubI:  spirv.OpISub,
	ir.OpArithMulI:  spirv.OpIMul,
	ir.OpArithDivSI: spirv.OpSDiv,
	ir.OpArithDivUI: spirv.OpUDiv,
	ir.OpArithRemSI: spirv.OpSRem,
	ir.OpArithRemUI: spirv.OpUMod,
	ir.OpArithAndI:  spirv.OpBitwiseAnd,
	ir.OpArithOrI:   spirv.OpBitwiseOr,
	ir.OpArithXOrI:  spirv.OpBitwiseXor,
	ir.OpArithShLI:  spirv.OpShiftLeftLogical,
	ir.OpArithShRSI: spirv.OpShiftRightArithmetic,
	ir.OpArithShRUI: spirv.OpShiftRightLogical,
	ir.OpArithAddF:  spirv.OpFAdd,
	ir.OpArithSubF:  spirv.OpFSub,
	ir.OpArithMulF:  spirv.OpFMul,
	ir.OpArithDivF:  spirv.OpFDiv,
	ir.OpArithRemF:  spirv.OpFRem,
}

var convertOps = map[ir.OpKind]spirv.Opcode{
	ir.OpArithExtSI:       spirv.OpSConvert,
	ir.OpArithExtUI:       spirv.OpUConvert,
	ir.OpArithTruncI:      spirv.OpUConvert,
	ir.OpArithExtF:        spirv.OpFConvert,
	ir.OpArithTruncF:      spirv.OpFConvert,
	ir.OpArithFPToSI:      spirv.OpConvertFToS,
	ir.OpArithFPToUI:      spirv.OpConvertFToU,
	ir.OpArithSIToFP:      spirv.OpConvertSToF,
	ir.OpArithUIToFP:      spirv.OpConvertUToF,
	ir.OpArithIndexCast:   spirv.OpSConvert,
	ir.OpArithIndexCastUI: spirv.OpUConvert,
	ir.OpArithBitcast:     spirv.OpBitcast,
}

var cmpIOps = map[ir.CmpIPredicate]spirv.Opcode{
	ir.CmpIEq:  spirv.OpIEqual,
	ir.CmpINe:  spirv.OpINotEqual,
	ir.CmpISlt: spirv.OpSLessThan,
	ir.CmpISle: spirv.OpSLessThanEqual,
	ir.CmpISgt: spirv.OpSGreaterThan,
	ir.CmpISge: spirv.OpSGreaterThanEqual,
	ir.CmpIUlt: spirv.OpULessThan,
	ir.CmpIUle: spirv.OpULessThanEqual,
	ir.CmpIUgt: spirv.OpUGreaterThan,
	ir.CmpIUge: spirv.OpUGreaterThanEqual,
}

var cmpFOps = map[ir.CmpFPredicate]spirv.Opcode{
	ir.CmpFOeq: spirv.OpFOrdEqual,
	ir.CmpFOne: spirv.OpFOrdNotEqual,
	ir.CmpFOlt: spirv.OpFOrdLessThan,
	ir.CmpFOle: spirv.OpFOrdLessThanEqual,
	ir.CmpFOgt: spirv.OpFOrdGreaterThan,
	ir.CmpFOge: spirv.OpFOrdGreaterThanEqual,
}

// openclStd maps callee base names onto OpenCL.std extended instructions.
var openclStd = map[string]spirv.Word{
	"ceil":  12,
	"cos":   14,
	"exp":   19,
	"fabs":  23,
	"abs":   23,
	"floor": 25,
	"log":   37,
	"pow":   48,
	"sin":   57,
	"sqrt":  61,
}

var gpuBuiltins = map[ir.OpKind]spirv.Word{
	ir.OpGPUBlockID:  spirv.BuiltInWorkgroupID,
	ir.OpGPUThreadID: spirv.BuiltInLocalInvocationID,
	ir.OpGPUBlockDim: spirv.BuiltInWorkgroupSize,
	ir.OpGPUGridDim:  spirv.BuiltInNumWorkgroups,
}

func (c *converter) emitOp(op *ir.Op) error {
	switch {
	case op.Kind == ir.OpArithConstant:
		return c.emitConstant(op)

	case binaryIntOps[op.Kind] != 0:
		return c.emitSimple(op, binaryIntOps[op.Kind])

	case op.Kind == ir.OpArithNegF:
		return c.emitSimple(op, spirv.OpFNegate)

	case op.Kind == ir.OpArithSelect:
		return c.emitSimple(op, spirv.OpSelect)

	case op.Kind == ir.OpArithCmpI:
		pred := ir.CmpIPredicate(op.IntAttrOr(ir.AttrNamePredicate, 0))
		opc, ok := cmpIOps[pred]
		if !ok {
			return fmt.Errorf("comparison predicate %s has no shader op", pred)
		}
		return c.emitSimple(op, opc)

	case op.Kind == ir.OpArithCmpF:
		pred := ir.CmpFPredicate(op.IntAttrOr(ir.AttrNamePredicate, 0))
		opc, ok := cmpFOps[pred]
		if !ok {
			return fmt.Errorf("comparison predicate %s has no shader op", pred)
		}
		return c.emitSimple(op, opc)

	case convertOps[op.Kind] != 0:
		return c.emitConvert(op)

	case op.Kind == ir.OpUtilSignCast:
		// Signedness is not part of the shader type model.
		src, err := c.val(op.Operands[0])
		if err != nil {
			return err
		}
		c.vmap[op.Result()] = src
		return nil

	case op.Kind == ir.OpUtilUndef:
		t, err := c.typeOf(c.fn.ValueType(op.Result()))
		if err != nil {
			return err
		}
		id := c.m.NewID()
		c.m.Emit(spirv.OpUndef, t, id)
		c.vmap[op.Result()] = id
		return nil

	case gpuBuiltins[op.Kind] != 0:
		return c.emitBuiltin(op, gpuBuiltins[op.Kind])

	case op.Kind == ir.OpGPUBarrier:
		i32 := c.m.TypeInt(32, false)
		scope := c.m.ConstantInt(i32, 32, uint64(spirv.ScopeWorkgroup))
		sem := c.m.ConstantInt(i32, 32, uint64(spirv.SemanticsAcqRel))
		c.m.Emit(spirv.OpControlBarrier, scope, scope, sem)
		return nil

	case op.Kind == ir.OpMemRefLoad:
		return c.emitLoad(op)

	case op.Kind == ir.OpMemRefStore:
		return c.emitStore(op)

	case op.Kind == ir.OpSCFIf:
		return c.emitIf(op)

	case op.Kind == ir.OpSCFFor:
		return c.emitFor(op)

	case op.Kind == ir.OpSCFYield:
		if len(op.Operands) != 0 {
			return fmt.Errorf("value-carrying yield inside a kernel")
		}
		return nil

	case op.Kind == ir.OpFuncCall:
		return c.emitCall(op)

	default:
		diag.Errorf(c.ctx.Reporter, diag.LowerUnsupportedOp, c.fn.Name, op.Loc.Line,
			"op %s cannot run on the device", op.Kind)
		return fmt.Errorf("op %s has no shader lowering", op.Kind)
	}
}

func (c *converter) emitConstant(op *ir.Op) error {
	res := op.Result()
	t := c.fn.ValueType(res)
	st, err := c.typeOf(t)
	if err != nil {
		return err
	}
	in := c.ctx.Types
	b := in.Builtins()
	a, _ := op.Attr(ir.AttrNameValue)

	var id spirv.ID
	switch {
	case t == b.I1:
		id = c.m.ConstantBool(st, a.Int != 0)
	case a.Kind == ir.AttrFloat:
		tt, _ := in.Lookup(t)
		if tt.Width == 32 {
			id = c.m.ConstantInt(st, 32, uint64(math.Float32bits(float32(a.Float))))
		} else {
			id = c.m.ConstantInt(st, 64, math.Float64bits(a.Float))
		}
	default:
		width := spirv.Word(64)
		if tt, ok := in.Lookup(t); ok && tt.Kind == types.KindInteger {
			width = spirv.Word(tt.Width)
		}
		id = c.m.ConstantInt(st, width, uint64(a.Int))
	}
	c.vmap[res] = id
	return nil
}

// emitSimple handles ops of the shape result = op(operands...).
func (c *converter) emitSimple(op *ir.Op, opc spirv.Opcode) error {
	res := op.Result()
	t, err := c.typeOf(c.fn.ValueType(res))
	if err != nil {
		return err
	}
	words := []spirv.Word{t, c.m.NewID()}
	for _, v := range op.Operands {
		id, err := c.val(v)
		if err != nil {
			return err
		}
		words = append(words, id)
	}
	c.m.Emit(opc, words...)
	c.vmap[res] = words[1]
	return nil
}

func (c *converter) emitConvert(op *ir.Op) error {
	res := op.Result()
	src, err := c.val(op.Operands[0])
	if err != nil {
		return err
	}
	dst, err := c.typeOf(c.fn.ValueType(res))
	if err != nil {
		return err
	}
	srcT, err := c.typeOf(c.fn.ValueType(op.Operands[0]))
	if err != nil {
		return err
	}
	if srcT == dst {
		c.vmap[res] = src
		return nil
	}
	id := c.m.NewID()
	c.m.Emit(convertOps[op.Kind], dst, id, src)
	c.vmap[res] = id
	return nil
}

// emitBuiltin loads one lane of a vec3 builtin variable.
func (c *converter) emitBuiltin(op *ir.Op, builtin spirv.Word) error {
	i64 := c.m.TypeInt(64, false)
	v3 := c.m.TypeVector(i64, 3)

	varID, ok := c.builtins[builtin]
	if !ok {
		ptr := c.m.TypePointer(spirv.StorageInput, v3)
		varID = c.m.GlobalVariable(ptr, spirv.StorageInput)
		c.m.Decorate(varID, spirv.DecorationBuiltIn, builtin)
		c.builtins[builtin] = varID
	}
	seen := false
	for _, u := range c.used {
		if u == varID {
			seen = true
		}
	}
	if !seen {
		c.used = append(c.used, varID)
	}

	vec := c.m.NewID()
	c.m.Emit(spirv.OpLoad, v3, vec, varID)
	lane := c.m.NewID()
	dim := spirv.Word(op.IntAttrOr(ir.AttrNameIndex, 0))
	c.m.Emit(spirv.OpCompositeExtract, i64, lane, vec, dim)
	c.vmap[op.Result()] = lane
	return nil
}

func (c *converter) accessChain(buf ir.ValueID, index ir.ValueID) (spirv.ID, spirv.ID, error) {
	info, ok := c.ctx.Types.MemRefInfo(c.fn.ValueType(buf))
	if !ok {
		return 0, 0, fmt.Errorf("load from a non-buffer value")
	}
	elem, err := c.typeOf(info.Elem)
	if err != nil {
		return 0, 0, err
	}
	ptr := c.m.TypePointer(spirv.StorageCrossWorkgroup, elem)
	base, err := c.val(buf)
	if err != nil {
		return 0, 0, err
	}
	idx, err := c.val(index)
	if err != nil {
		return 0, 0, err
	}
	ac := c.m.NewID()
	c.m.Emit(spirv.OpInBoundsAccessChain, ptr, ac, base, idx)
	return ac, elem, nil
}

func (c *converter) emitLoad(op *ir.Op) error {
	if len(op.Operands) != 2 {
		return fmt.Errorf("rank-%d load survived flattening", len(op.Operands)-1)
	}
	ac, elem, err := c.accessChain(op.Operands[0], op.Operands[1])
	if err != nil {
		return err
	}
	id := c.m.NewID()
	c.m.Emit(spirv.OpLoad, elem, id, ac)
	c.vmap[op.Result()] = id
	return nil
}

func (c *converter) emitStore(op *ir.Op) error {
	if len(op.Operands) != 3 {
		return fmt.Errorf("rank-%d store survived flattening", len(op.Operands)-2)
	}
	ac, _, err := c.accessChain(op.Operands[1], op.Operands[2])
	if err != nil {
		return err
	}
	v, err := c.val(op.Operands[0])
	if err != nil {
		return err
	}
	c.m.Emit(spirv.OpStore, ac, v)
	return nil
}

// emitIf lowers a result-less conditional to structured branches.
func (c *converter) emitIf(op *ir.Op) error {
	if len(op.Results) != 0 {
		return fmt.Errorf("value-producing conditional inside a kernel")
	}
	cond, err := c.val(op.Operands[0])
	if err != nil {
		return err
	}
	merge := c.m.NewID()
	then := c.m.NewID()
	other := merge
	if len(op.Regions) == 2 {
		other = c.m.NewID()
	}
	c.m.Emit(spirv.OpSelectionMerge, merge, 0)
	c.m.Emit(spirv.OpBranchConditional, cond, then, other)

	c.label(then)
	if blk := op.Regions[0].Entry(); blk != nil {
		if err := c.emitOps(blk.Ops); err != nil {
			return err
		}
	}
	c.m.Emit(spirv.OpBranch, merge)

	if len(op.Regions) == 2 {
		c.label(other)
		if blk := op.Regions[1].Entry(); blk != nil {
			if err := c.emitOps(blk.Ops); err != nil {
				return err
			}
		}
		c.m.Emit(spirv.OpBranch, merge)
	}
	c.label(merge)
	return nil
}

// emitFor lowers a counted loop without carried values. The induction
// variable is a phi over the preheader and the continue block.
func (c *converter) emitFor(op *ir.Op) error {
	if len(op.Results) != 0 {
		return fmt.Errorf("loop-carried values inside a kernel loop")
	}
	body := op.Regions[0].Entry()
	if body == nil || len(body.Params) != 1 {
		return fmt.Errorf("malformed kernel loop body")
	}
	lb, err := c.val(op.Operands[0])
	if err != nil {
		return err
	}
	ub, err := c.val(op.Operands[1])
	if err != nil {
		return err
	}
	step, err := c.val(op.Operands[2])
	if err != nil {
		return err
	}

	i64 := c.m.TypeInt(64, false)
	boolT := c.m.TypeBool()
	header := c.m.NewID()
	bodyL := c.m.NewID()
	cont := c.m.NewID()
	merge := c.m.NewID()
	pre := c.curLabel

	iv := c.m.NewID()
	ivNext := c.m.NewID()

	c.m.Emit(spirv.OpBranch, header)
	c.label(header)
	// Forward reference to ivNext is allowed in a phi.
	c.m.Emit(spirv.OpPhi, i64, iv, lb, pre, ivNext, cont)
	cmp := c.m.NewID()
	c.m.Emit(spirv.OpSLessThan, boolT, cmp, iv, ub)
	c.m.Emit(spirv.OpLoopMerge, merge, cont, 0)
	c.m.Emit(spirv.OpBranchConditional, cmp, bodyL, merge)

	c.label(bodyL)
	c.vmap[body.Params[0]] = iv
	if err := c.emitOps(body.Ops); err != nil {
		return err
	}
	c.m.Emit(spirv.OpBranch, cont)

	c.label(cont)
	c.m.Emit(spirv.OpIAdd, i64, ivNext, iv, step)
	c.m.Emit(spirv.OpBranch, header)

	c.label(merge)
	return nil
}

// emitCall lowers math library calls through the OpenCL extended set.
func (c *converter) emitCall(op *ir.Op) error {
	callee := op.StringAttrOr(ir.AttrNameCallee, "")
	base := callee
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	inst, ok := openclStd[base]
	if !ok {
		diag.Errorf(c.ctx.Reporter, diag.LowerUnsupportedOp, c.fn.Name, op.Loc.Line,
			"call to %s cannot run on the device", callee)
		return fmt.Errorf("call %s has no shader lowering", callee)
	}
	if len(op.Results) != 1 {
		return fmt.Errorf("call %s: expected one result", callee)
	}
	t, err := c.typeOf(c.fn.ValueType(op.Result()))
	if err != nil {
		return err
	}
	set := c.m.ImportExtInstSet("OpenCL.std")
	words := []spirv.Word{t, c.m.NewID(), set, inst}
	for _, v := range op.Operands {
		id, err := c.val(v)
		if err != nil {
			return err
		}
		words = append(words, id)
	}
	c.m.Emit(spirv.OpExtInst, words...)
	c.vmap[op.Result()] = words[1]
	return nil
}
