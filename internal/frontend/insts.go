package frontend

import "objforge/internal/ir"

// InstBuilder appends instructions at the builder's current block.
type InstBuilder struct {
	b *FunctionBuilder
}

func (ib InstBuilder) one(inst ir.Inst, ty ir.Type) ir.Value {
	return ib.b.append(inst, ty)[0]
}

// Iconst materializes imm as a value of type ty.
func (ib InstBuilder) Iconst(ty ir.Type, imm int64) ir.Value {
	return ib.one(ir.Inst{Op: ir.OpIconst, Type: ty, Imm: imm}, ty)
}

// Iadd adds x and y.
func (ib InstBuilder) Iadd(x, y ir.Value) ir.Value {
	return ib.binary(ir.OpIadd, x, y)
}

// Isub subtracts y from x.
func (ib InstBuilder) Isub(x, y ir.Value) ir.Value {
	return ib.binary(ir.OpIsub, x, y)
}

// Imul multiplies x and y.
func (ib InstBuilder) Imul(x, y ir.Value) ir.Value {
	return ib.binary(ir.OpImul, x, y)
}

func (ib InstBuilder) binary(op ir.Opcode, x, y ir.Value) ir.Value {
	ty := ib.b.Func.ValueType(x)
	return ib.one(ir.Inst{Op: op, Type: ty, Args: []ir.Value{x, y}}, ty)
}

// Icmp compares x and y and yields an i8 that is 1 when cc holds.
func (ib InstBuilder) Icmp(cc ir.IntCC, x, y ir.Value) ir.Value {
	return ib.one(ir.Inst{Op: ir.OpIcmp, Type: ir.I8, Cond: cc, Args: []ir.Value{x, y}}, ir.I8)
}

// Call calls fn with args and returns its results.
func (ib InstBuilder) Call(fn ir.FuncRef, args ...ir.Value) []ir.Value {
	var rets []ir.Type
	if ext, ok := ib.b.Func.ExtFunc(fn); ok {
		rets = ext.Signature.ReturnTypes()
	}
	return ib.b.append(ir.Inst{Op: ir.OpCall, Func: fn, Args: cloneValues(args)}, rets...)
}

// FuncAddr yields the address of fn as a value of type ty.
func (ib InstBuilder) FuncAddr(ty ir.Type, fn ir.FuncRef) ir.Value {
	return ib.one(ir.Inst{Op: ir.OpFuncAddr, Type: ty, Func: fn}, ty)
}

// GlobalValue yields the address of gv as a value of type ty.
func (ib InstBuilder) GlobalValue(ty ir.Type, gv ir.GlobalValue) ir.Value {
	return ib.one(ir.Inst{Op: ir.OpGlobalValue, Type: ty, Global: gv}, ty)
}

// Return ends the block, returning vals.
func (ib InstBuilder) Return(vals ...ir.Value) {
	ib.b.append(ir.Inst{Op: ir.OpReturn, Args: cloneValues(vals)})
}

// Jump ends the block with a branch to dest.
func (ib InstBuilder) Jump(dest ir.Block, args ...ir.Value) {
	ib.b.append(ir.Inst{Op: ir.OpJump, Then: ir.BlockCall{Block: dest, Args: cloneValues(args)}})
}

// Brif ends the block, branching to thenDest when cond is non-zero and to
// elseDest otherwise.
func (ib InstBuilder) Brif(cond ir.Value, thenDest ir.Block, thenArgs []ir.Value, elseDest ir.Block, elseArgs []ir.Value) {
	ib.b.append(ir.Inst{
		Op:   ir.OpBrif,
		Args: []ir.Value{cond},
		Then: ir.BlockCall{Block: thenDest, Args: cloneValues(thenArgs)},
		Else: ir.BlockCall{Block: elseDest, Args: cloneValues(elseArgs)},
	})
}

// Trap ends the block with an unconditional abort.
func (ib InstBuilder) Trap() {
	ib.b.append(ir.Inst{Op: ir.OpTrap})
}

// cloneValues copies args so that branch arguments added later for
// variables never write into the caller's slice.
func cloneValues(args []ir.Value) []ir.Value {
	if len(args) == 0 {
		return nil
	}
	return append([]ir.Value(nil), args...)
}
