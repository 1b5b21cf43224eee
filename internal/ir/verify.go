package ir

import (
	"errors"
	"fmt"

	"objforge/internal/cgerr"
)

// Verify checks structural and type invariants of f.
// It returns every violation found, joined.
func Verify(f *Function) error {
	if f == nil {
		return nil
	}
	if len(f.Blocks) == 0 {
		return cgerr.Symbolf(cgerr.KindUnterminatedBlock, f.Name, "function has no blocks")
	}

	var errs []error

	if err := verifyEntryParams(f); err != nil {
		errs = append(errs, err)
	}
	for i := range f.Blocks {
		if err := verifyBlock(f, Block(i)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// verifyEntryParams enforces strict positional agreement between the entry
// block parameters and the signature parameters.
func verifyEntryParams(f *Function) error {
	entry := &f.Blocks[0]
	want := f.Signature.Params
	if len(entry.Params) != len(want) {
		return cgerr.Symbolf(cgerr.KindTypeMismatch, "block0",
			"entry block has %d params, signature has %d", len(entry.Params), len(want))
	}
	for i, p := range entry.Params {
		if got := f.ValueType(p); got != want[i].Type {
			return cgerr.Symbolf(cgerr.KindTypeMismatch, "block0",
				"entry param %d is %s, signature wants %s", i, got, want[i].Type)
		}
	}
	return nil
}

func verifyBlock(f *Function, b Block) error {
	bd := &f.Blocks[b]
	var errs []error

	if len(bd.Insts) == 0 || !bd.Insts[len(bd.Insts)-1].Op.IsTerminator() {
		errs = append(errs, cgerr.Symbolf(cgerr.KindUnterminatedBlock, b.String(),
			"last instruction is not a return or branch"))
	}
	for i := range bd.Insts {
		inst := &bd.Insts[i]
		if inst.Op.IsTerminator() && i != len(bd.Insts)-1 {
			errs = append(errs, cgerr.Symbolf(cgerr.KindInvalidBlock, b.String(),
				"instruction %d follows terminator %s", i+1, inst.Op))
		}
		if err := verifyInst(f, inst); err != nil {
			errs = append(errs, fmt.Errorf("%s inst %d (%s): %w", b, i, inst.Op, err))
		}
	}
	return errors.Join(errs...)
}

func verifyInst(f *Function, inst *Inst) error {
	for _, a := range inst.Args {
		if !f.ValidValue(a) {
			return cgerr.New(cgerr.KindTypeMismatch, "operand is not a value of this function")
		}
	}

	switch inst.Op {
	case OpIconst:
		if !inst.Type.Valid() {
			return cgerr.New(cgerr.KindTypeMismatch, "iconst without a type")
		}
		return expectResults(f, inst, inst.Type)
	case OpIadd, OpIsub, OpImul:
		if len(inst.Args) != 2 {
			return cgerr.New(cgerr.KindTypeMismatch, "expected 2 operands, got %d", len(inst.Args))
		}
		lt, rt := f.ValueType(inst.Args[0]), f.ValueType(inst.Args[1])
		if lt != rt || lt != inst.Type {
			return cgerr.New(cgerr.KindTypeMismatch, "operand types %s and %s, result %s", lt, rt, inst.Type)
		}
		return expectResults(f, inst, inst.Type)
	case OpIcmp:
		if len(inst.Args) != 2 {
			return cgerr.New(cgerr.KindTypeMismatch, "expected 2 operands, got %d", len(inst.Args))
		}
		lt, rt := f.ValueType(inst.Args[0]), f.ValueType(inst.Args[1])
		if lt != rt {
			return cgerr.New(cgerr.KindTypeMismatch, "comparing %s with %s", lt, rt)
		}
		return expectResults(f, inst, I8)
	case OpCall:
		ext, ok := f.ExtFunc(inst.Func)
		if !ok {
			return cgerr.New(cgerr.KindTypeMismatch, "unknown callee %s", inst.Func)
		}
		if err := matchTypes(f, "argument", inst.Args, ext.Signature.ParamTypes()); err != nil {
			return err
		}
		return expectResults(f, inst, ext.Signature.ReturnTypes()...)
	case OpFuncAddr:
		if _, ok := f.ExtFunc(inst.Func); !ok {
			return cgerr.New(cgerr.KindTypeMismatch, "unknown function %s", inst.Func)
		}
		return expectResults(f, inst, inst.Type)
	case OpGlobalValue:
		if _, ok := f.Global(inst.Global); !ok {
			return cgerr.New(cgerr.KindTypeMismatch, "unknown global %s", inst.Global)
		}
		return expectResults(f, inst, inst.Type)
	case OpJump:
		return verifyEdge(f, inst.Then)
	case OpBrif:
		if len(inst.Args) != 1 || !f.ValueType(inst.Args[0]).Valid() {
			return cgerr.New(cgerr.KindTypeMismatch, "brif needs one integer condition")
		}
		return errors.Join(verifyEdge(f, inst.Then), verifyEdge(f, inst.Else))
	case OpReturn:
		return matchTypes(f, "return value", inst.Args, f.Signature.ReturnTypes())
	case OpTrap:
		return nil
	default:
		return cgerr.New(cgerr.KindTypeMismatch, "unknown opcode %d", inst.Op)
	}
}

func verifyEdge(f *Function, bc BlockCall) error {
	if !f.ValidBlock(bc.Block) {
		return cgerr.Symbolf(cgerr.KindInvalidBlock, bc.Block.String(), "branch target does not exist")
	}
	if bc.Block == 0 {
		return cgerr.Symbolf(cgerr.KindInvalidBlock, bc.Block.String(), "entry block cannot be a branch target")
	}
	for _, a := range bc.Args {
		if !f.ValidValue(a) {
			return cgerr.New(cgerr.KindTypeMismatch, "branch argument is not a value of this function")
		}
	}
	params := f.Blocks[bc.Block].Params
	want := make([]Type, len(params))
	for i, p := range params {
		want[i] = f.ValueType(p)
	}
	return matchTypes(f, "branch argument to "+bc.Block.String(), bc.Args, want)
}

func matchTypes(f *Function, what string, vals []Value, want []Type) error {
	if len(vals) != len(want) {
		return cgerr.New(cgerr.KindTypeMismatch, "%d %ss, expected %d", len(vals), what, len(want))
	}
	for i, v := range vals {
		if got := f.ValueType(v); got != want[i] {
			return cgerr.New(cgerr.KindTypeMismatch, "%s %d is %s, expected %s", what, i, got, want[i])
		}
	}
	return nil
}

func expectResults(f *Function, inst *Inst, want ...Type) error {
	return matchTypes(f, "result", inst.Results, want)
}
