package ir

import (
	"errors"
	"strings"
	"testing"

	"objforge/internal/cgerr"
)

func sampleFunction() *Function {
	sig := NewSignature(CallConvSystemV)
	sig.Params = []AbiParam{NewAbiParam(I64), NewAbiParam(I64)}
	sig.Returns = []AbiParam{NewAbiParam(I64)}
	f := NewFunction("main", sig)

	callee := NewSignature(CallConvSystemV)
	callee.Params = []AbiParam{NewAbiParam(I64)}
	callee.Returns = []AbiParam{NewAbiParam(I32)}
	puts := f.ImportFunction(ExtFuncData{Name: ExternalName{Kind: NameFunc, Index: 1}, Signature: callee})
	str := f.CreateGlobalValue(GlobalValueData{Name: ExternalName{Kind: NameData, Index: 0}, Colocated: true})

	entry := f.CreateBlock()
	f.AppendBlockParam(entry, I64)
	f.AppendBlockParam(entry, I64)
	exit := f.CreateBlock()
	code := f.AppendBlockParam(exit, I64)

	i := f.AppendInst(entry, Inst{Op: OpGlobalValue, Type: I64, Global: str}, I64)
	p := f.Blocks[entry].Insts[i].Results[0]
	f.AppendInst(entry, Inst{Op: OpCall, Func: puts, Args: []Value{p}}, I32)
	i = f.AppendInst(entry, Inst{Op: OpIconst, Type: I64, Imm: 42}, I64)
	c := f.Blocks[entry].Insts[i].Results[0]
	f.AppendInst(entry, Inst{Op: OpJump, Then: BlockCall{Block: exit, Args: []Value{c}}})
	f.AppendInst(exit, Inst{Op: OpReturn, Args: []Value{code}})
	return f
}

func TestDumpFormat(t *testing.T) {
	out := sampleFunction().String()
	for _, want := range []string{
		"function %main(i64, i64) -> i64 system_v {",
		"    fn0 = u0:1 (i64) -> i32 system_v",
		"    gv0 = symbol colocated u1:0",
		"block0(v0: i64, v1: i64):",
		"    v3 = global_value.i64 gv0",
		"    v4 = call fn0(v3)",
		"    v5 = iconst.i64 42",
		"    jump block1(v5)",
		"block1(v2: i64):",
		"    return v2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestVerifyAcceptsWellFormed(t *testing.T) {
	if err := Verify(sampleFunction()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *Function)
		want   error
	}{
		{"no_blocks", func(f *Function) { f.Blocks = nil }, cgerr.ErrUnterminatedBlock},
		{"unterminated", func(f *Function) {
			f.Blocks[1].Insts = nil
		}, cgerr.ErrUnterminatedBlock},
		{"inst_after_terminator", func(f *Function) {
			f.Blocks[1].Insts = append(f.Blocks[1].Insts, Inst{Op: OpTrap})
		}, cgerr.ErrInvalidBlock},
		{"entry_param_count", func(f *Function) {
			f.Blocks[0].Params = f.Blocks[0].Params[:1]
		}, cgerr.ErrTypeMismatch},
		{"branch_arg_type", func(f *Function) {
			f.Values[f.Blocks[1].Params[0]].Type = I32
		}, cgerr.ErrTypeMismatch},
		{"return_count", func(f *Function) {
			f.Blocks[1].Insts[0].Args = nil
		}, cgerr.ErrTypeMismatch},
		{"branch_to_entry", func(f *Function) {
			jump := &f.Blocks[0].Insts[len(f.Blocks[0].Insts)-1]
			jump.Then = BlockCall{Block: 0}
		}, cgerr.ErrInvalidBlock},
		{"branch_to_missing", func(f *Function) {
			jump := &f.Blocks[0].Insts[len(f.Blocks[0].Insts)-1]
			jump.Then.Block = 9
		}, cgerr.ErrInvalidBlock},
		{"unknown_callee", func(f *Function) { f.ExtFuncs = nil }, cgerr.ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := sampleFunction()
			tt.mutate(f)
			if err := Verify(f); !errors.Is(err, tt.want) {
				t.Fatalf("Verify err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSignatureEqualAndClone(t *testing.T) {
	a := NewSignature(CallConvSystemV)
	a.Params = []AbiParam{NewAbiParam(I64)}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatalf("clone differs: %s vs %s", a, b)
	}
	b.Params[0] = NewAbiParam(I32)
	if a.Params[0].Type != I64 {
		t.Fatalf("clone shares storage with original")
	}
	if a.Equal(b) {
		t.Errorf("signatures with different params compare equal")
	}
	c := a.Clone()
	c.CallConv = CallConvAAPCS64
	if a.Equal(c) {
		t.Errorf("signatures with different call conventions compare equal")
	}
	if got := a.String(); got != "(i64) system_v" {
		t.Errorf("String = %q", got)
	}
}

func TestPredecessors(t *testing.T) {
	f := sampleFunction()
	preds := f.Predecessors()
	if len(preds[0]) != 0 || len(preds[1]) != 1 || preds[1][0] != 0 {
		t.Fatalf("Predecessors = %v", preds)
	}
}
