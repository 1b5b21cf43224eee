// Package frontend builds IR function bodies from mutable variables.
//
// A FunctionBuilder appends instructions to blocks and translates variable
// definitions and uses into SSA values, adding block parameters at join
// points. Blocks are sealed once all of their predecessors are known; reads
// in an unsealed block are resolved when it is sealed.
//
// Misuse that the caller can recover from (an unknown variable, a value of
// the wrong type, an invalid block handle) is recorded and surfaced by
// Finalize. Appending an instruction with no current block, or after the
// block's terminator, is a programming error and panics.
package frontend

import (
	"errors"
	"fmt"
	"strings"

	"objforge/internal/cgerr"
	"objforge/internal/ir"
)

// BuilderContext holds the builder's scratch state. It is reset for every
// function and can be reused across functions to keep its allocations.
type BuilderContext struct {
	ssa      ssaBuilder
	varTypes []ir.Type
	// filled[b] is set once b received its terminator.
	filled []bool
}

// NewBuilderContext returns an empty context.
func NewBuilderContext() *BuilderContext {
	ctx := &BuilderContext{}
	ctx.clear()
	return ctx
}

func (c *BuilderContext) clear() {
	c.ssa.clear()
	c.varTypes = c.varTypes[:0]
	c.filled = c.filled[:0]
}

// FunctionBuilder appends instructions to Func.
type FunctionBuilder struct {
	Func *ir.Function

	ctx         *BuilderContext
	position    ir.Block
	hasPosition bool
	errs        []error
}

// NewFunctionBuilder starts building fn using ctx as scratch space.
// Blocks that fn already holds are registered as unsealed.
func NewFunctionBuilder(fn *ir.Function, ctx *BuilderContext) *FunctionBuilder {
	if ctx == nil {
		ctx = NewBuilderContext()
	}
	ctx.clear()
	b := &FunctionBuilder{Func: fn, ctx: ctx}
	for i := range fn.Blocks {
		b.registerBlock(ir.Block(i))
	}
	return b
}

func (b *FunctionBuilder) registerBlock(blk ir.Block) {
	b.ctx.ssa.declareBlock(blk)
	for int(blk) >= len(b.ctx.filled) {
		b.ctx.filled = append(b.ctx.filled, false)
	}
}

func (b *FunctionBuilder) fail(err error) {
	b.errs = append(b.errs, err)
}

// CreateBlock adds a new, empty and unsealed block.
func (b *FunctionBuilder) CreateBlock() ir.Block {
	blk := b.Func.CreateBlock()
	b.registerBlock(blk)
	return blk
}

// SwitchToBlock makes blk the insertion point. Switching to a block that
// already ends in a terminator is allowed; appending to it is not.
func (b *FunctionBuilder) SwitchToBlock(blk ir.Block) error {
	if !b.Func.ValidBlock(blk) {
		return cgerr.Symbolf(cgerr.KindInvalidBlock, blk.String(), "block does not exist in %s", b.Func.Name)
	}
	b.position = blk
	b.hasPosition = true
	return nil
}

// CurrentBlock returns the insertion block, if any.
func (b *FunctionBuilder) CurrentBlock() (ir.Block, bool) {
	return b.position, b.hasPosition
}

// IsFilled reports whether blk already ends in a terminator.
func (b *FunctionBuilder) IsFilled(blk ir.Block) bool {
	return int(blk) < len(b.ctx.filled) && b.ctx.filled[blk]
}

// SealBlock declares that every predecessor of blk has been added.
// Sealing is idempotent.
func (b *FunctionBuilder) SealBlock(blk ir.Block) {
	if !b.Func.ValidBlock(blk) {
		b.fail(cgerr.Symbolf(cgerr.KindInvalidBlock, blk.String(), "cannot seal a block that does not exist"))
		return
	}
	b.ctx.ssa.sealBlock(b.Func, blk, b.ctx.varTypes)
}

// SealAllBlocks seals every block not sealed yet, in creation order.
func (b *FunctionBuilder) SealAllBlocks() {
	for i := range b.Func.Blocks {
		b.SealBlock(ir.Block(i))
	}
}

// AppendBlockParam adds a parameter of type ty to blk.
func (b *FunctionBuilder) AppendBlockParam(blk ir.Block, ty ir.Type) ir.Value {
	if !b.Func.ValidBlock(blk) {
		b.fail(cgerr.Symbolf(cgerr.KindInvalidBlock, blk.String(), "cannot add a parameter to a block that does not exist"))
		return ir.NoValue
	}
	return b.Func.AppendBlockParam(blk, ty)
}

// AppendBlockParamsForFunctionParams adds one parameter to blk per
// signature parameter, in order.
func (b *FunctionBuilder) AppendBlockParamsForFunctionParams(blk ir.Block) []ir.Value {
	out := make([]ir.Value, 0, len(b.Func.Signature.Params))
	for _, p := range b.Func.Signature.Params {
		out = append(out, b.AppendBlockParam(blk, p.Type))
	}
	return out
}

// BlockParams returns the parameters of blk.
func (b *FunctionBuilder) BlockParams(blk ir.Block) []ir.Value {
	if !b.Func.ValidBlock(blk) {
		return nil
	}
	return b.Func.Blocks[blk].Params
}

// ImportFunction registers a callee in the function being built.
func (b *FunctionBuilder) ImportFunction(data ir.ExtFuncData) ir.FuncRef {
	return b.Func.ImportFunction(data)
}

// CreateGlobalValue registers a global address in the function being built.
func (b *FunctionBuilder) CreateGlobalValue(data ir.GlobalValueData) ir.GlobalValue {
	return b.Func.CreateGlobalValue(data)
}

// TryDeclareVar gives v the type ty. Redeclaring with the same type is a no-op.
func (b *FunctionBuilder) TryDeclareVar(v Variable, ty ir.Type) error {
	if !ty.Valid() {
		return cgerr.Symbolf(cgerr.KindTypeMismatch, v.String(), "cannot declare with type %s", ty)
	}
	for int(v) >= len(b.ctx.varTypes) {
		b.ctx.varTypes = append(b.ctx.varTypes, ir.InvalidType)
	}
	switch cur := b.ctx.varTypes[v]; {
	case cur == ir.InvalidType:
		b.ctx.varTypes[v] = ty
	case cur != ty:
		return cgerr.Symbolf(cgerr.KindTypeMismatch, v.String(), "already declared as %s, redeclared as %s", cur, ty)
	}
	return nil
}

// DeclareVar is TryDeclareVar with the error deferred to Finalize.
func (b *FunctionBuilder) DeclareVar(v Variable, ty ir.Type) {
	if err := b.TryDeclareVar(v, ty); err != nil {
		b.fail(err)
	}
}

func (b *FunctionBuilder) varType(v Variable) (ir.Type, error) {
	if int(v) >= len(b.ctx.varTypes) || b.ctx.varTypes[v] == ir.InvalidType {
		return ir.InvalidType, cgerr.Symbolf(cgerr.KindTypeMismatch, v.String(), "variable was never declared")
	}
	return b.ctx.varTypes[v], nil
}

// TryDefVar assigns val to v at the current position.
func (b *FunctionBuilder) TryDefVar(v Variable, val ir.Value) error {
	ty, err := b.varType(v)
	if err != nil {
		return err
	}
	if got := b.Func.ValueType(val); got != ty {
		return cgerr.Symbolf(cgerr.KindTypeMismatch, v.String(), "declared %s, assigned %s of type %s", ty, val, got)
	}
	if !b.hasPosition {
		return cgerr.Symbolf(cgerr.KindInvalidBlock, v.String(), "defined with no current block")
	}
	b.ctx.ssa.defVar(v, val, b.position)
	return nil
}

// DefVar is TryDefVar with the error deferred to Finalize.
func (b *FunctionBuilder) DefVar(v Variable, val ir.Value) {
	if err := b.TryDefVar(v, val); err != nil {
		b.fail(err)
	}
}

// TryUseVar returns the SSA value of v at the current position, adding
// block parameters where definitions merge.
func (b *FunctionBuilder) TryUseVar(v Variable) (ir.Value, error) {
	ty, err := b.varType(v)
	if err != nil {
		return ir.NoValue, err
	}
	if !b.hasPosition {
		return ir.NoValue, cgerr.Symbolf(cgerr.KindInvalidBlock, v.String(), "used with no current block")
	}
	before := len(b.ctx.ssa.errs)
	val := b.ctx.ssa.useVar(b.Func, v, ty, b.position)
	if len(b.ctx.ssa.errs) > before {
		err := errors.Join(b.ctx.ssa.errs[before:]...)
		b.ctx.ssa.errs = b.ctx.ssa.errs[:before]
		return val, err
	}
	return val, nil
}

// UseVar is TryUseVar with the error deferred to Finalize.
func (b *FunctionBuilder) UseVar(v Variable) ir.Value {
	val, err := b.TryUseVar(v)
	if err != nil {
		b.fail(err)
	}
	return val
}

// Ins returns the instruction appender for the current block.
func (b *FunctionBuilder) Ins() InstBuilder {
	return InstBuilder{b: b}
}

func (b *FunctionBuilder) append(inst ir.Inst, results ...ir.Type) []ir.Value {
	if !b.hasPosition {
		panic("frontend: no current block; call SwitchToBlock first")
	}
	blk := b.position
	if b.ctx.filled[blk] {
		panic(fmt.Sprintf("frontend: %s already ends in a terminator", blk))
	}
	idx := b.Func.AppendInst(blk, inst, results...)
	stored := &b.Func.Blocks[blk].Insts[idx]
	if stored.Op.IsTerminator() {
		b.ctx.filled[blk] = true
	}
	for e := 0; e < stored.Successors(); e++ {
		dst := stored.Edge(e).Block
		if !b.Func.ValidBlock(dst) {
			b.fail(cgerr.Symbolf(cgerr.KindInvalidBlock, dst.String(), "branch from %s to a block that does not exist", blk))
			continue
		}
		b.ctx.ssa.declarePredecessor(dst, predEdge{block: blk, inst: idx, edge: e})
	}
	return stored.Results
}

// Finalize checks the finished body and resets the builder's context.
// It reports recorded misuse, unsealed blocks, variables with no reaching
// definition and verifier failures, joined.
func (b *FunctionBuilder) Finalize() error {
	defer func() {
		b.ctx.clear()
		b.errs = nil
		b.hasPosition = false
	}()

	errs := append([]error(nil), b.errs...)
	errs = append(errs, b.ctx.ssa.errs...)

	var unsealed []string
	for i := range b.Func.Blocks {
		if !b.ctx.ssa.isSealed(ir.Block(i)) {
			unsealed = append(unsealed, ir.Block(i).String())
		}
	}
	if len(unsealed) > 0 {
		errs = append(errs, cgerr.Symbolf(cgerr.KindUnsealedBlock, strings.Join(unsealed, ", "),
			"blocks must be sealed before finalizing %s", b.Func.Name))
	} else {
		errs = append(errs, b.ctx.ssa.undefinedParams(b.Func)...)
	}

	if len(errs) == 0 {
		if err := ir.Verify(b.Func); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
