package frontend

import (
	"errors"
	"testing"

	"objforge/internal/cgerr"
	"objforge/internal/ir"
)

func i64Sig(params, returns int) ir.Signature {
	sig := ir.NewSignature(ir.CallConvSystemV)
	for i := 0; i < params; i++ {
		sig.Params = append(sig.Params, ir.NewAbiParam(ir.I64))
	}
	for i := 0; i < returns; i++ {
		sig.Returns = append(sig.Returns, ir.NewAbiParam(ir.I64))
	}
	return sig
}

func mustSwitch(t *testing.T, b *FunctionBuilder, blk ir.Block) {
	t.Helper()
	if err := b.SwitchToBlock(blk); err != nil {
		t.Fatalf("SwitchToBlock(%s): %v", blk, err)
	}
}

func sameValues(a, b []ir.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDiamondJoinGetsBlockParam(t *testing.T) {
	fn := ir.NewFunction("diamond", i64Sig(1, 1))
	b := NewFunctionBuilder(fn, NewBuilderContext())
	entry, left, right, join := b.CreateBlock(), b.CreateBlock(), b.CreateBlock(), b.CreateBlock()
	x := Variable(0)
	b.DeclareVar(x, ir.I64)

	b.AppendBlockParamsForFunctionParams(entry)
	mustSwitch(t, b, entry)
	b.SealBlock(entry)
	b.Ins().Brif(b.BlockParams(entry)[0], left, nil, right, nil)

	mustSwitch(t, b, left)
	b.SealBlock(left)
	one := b.Ins().Iconst(ir.I64, 1)
	b.DefVar(x, one)
	b.Ins().Jump(join)

	mustSwitch(t, b, right)
	b.SealBlock(right)
	two := b.Ins().Iconst(ir.I64, 2)
	b.DefVar(x, two)
	b.Ins().Jump(join)

	mustSwitch(t, b, join)
	b.SealBlock(join)
	r := b.UseVar(x)
	if again := b.UseVar(x); again != r {
		t.Fatalf("second read = %s, want memoized %s", again, r)
	}
	b.Ins().Return(r)

	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	params := fn.Blocks[join].Params
	if len(params) != 1 || params[0] != r {
		t.Fatalf("join params = %v, want [%s]", params, r)
	}
	if args := fn.Blocks[left].Insts[1].Then.Args; !sameValues(args, []ir.Value{one}) {
		t.Errorf("left edge args = %v, want [%s]", args, one)
	}
	if args := fn.Blocks[right].Insts[1].Then.Args; !sameValues(args, []ir.Value{two}) {
		t.Errorf("right edge args = %v, want [%s]", args, two)
	}
}

func TestSinglePredecessorNeedsNoParam(t *testing.T) {
	fn := ir.NewFunction("straight", i64Sig(0, 1))
	b := NewFunctionBuilder(fn, nil)
	entry, next := b.CreateBlock(), b.CreateBlock()
	x := Variable(3)
	b.DeclareVar(x, ir.I64)

	mustSwitch(t, b, entry)
	b.SealBlock(entry)
	c := b.Ins().Iconst(ir.I64, 7)
	b.DefVar(x, c)
	b.Ins().Jump(next)

	mustSwitch(t, b, next)
	b.SealBlock(next)
	got, err := b.TryUseVar(x)
	if err != nil {
		t.Fatalf("TryUseVar: %v", err)
	}
	if got != c {
		t.Errorf("UseVar = %s, want %s", got, c)
	}
	b.Ins().Return(got)
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n := len(fn.Blocks[next].Params); n != 0 {
		t.Errorf("next has %d params, want 0", n)
	}
}

func TestLoopHeaderSealedLate(t *testing.T) {
	fn := ir.NewFunction("count", i64Sig(0, 1))
	b := NewFunctionBuilder(fn, NewBuilderContext())
	entry, header, body, exit := b.CreateBlock(), b.CreateBlock(), b.CreateBlock(), b.CreateBlock()
	x := Variable(0)
	b.DeclareVar(x, ir.I64)

	mustSwitch(t, b, entry)
	b.SealBlock(entry)
	zero := b.Ins().Iconst(ir.I64, 0)
	b.DefVar(x, zero)
	b.Ins().Jump(header)

	mustSwitch(t, b, header)
	cur := b.UseVar(x)
	limit := b.Ins().Iconst(ir.I64, 10)
	cond := b.Ins().Icmp(ir.IntSlt, cur, limit)
	b.Ins().Brif(cond, body, nil, exit, nil)

	mustSwitch(t, b, body)
	b.SealBlock(body)
	step := b.Ins().Iconst(ir.I64, 1)
	sum := b.Ins().Iadd(b.UseVar(x), step)
	b.DefVar(x, sum)
	b.Ins().Jump(header)
	b.SealBlock(header)

	mustSwitch(t, b, exit)
	b.SealBlock(exit)
	out := b.UseVar(x)
	b.Ins().Return(out)

	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	params := fn.Blocks[header].Params
	if len(params) != 1 || params[0] != cur || out != cur {
		t.Fatalf("header params = %v, cur = %s, out = %s", params, cur, out)
	}
	if args := fn.Blocks[entry].Insts[1].Then.Args; !sameValues(args, []ir.Value{zero}) {
		t.Errorf("entry edge args = %v, want [%s]", args, zero)
	}
	bodyJump := fn.Blocks[body].Insts[len(fn.Blocks[body].Insts)-1]
	if !sameValues(bodyJump.Then.Args, []ir.Value{sum}) {
		t.Errorf("back edge args = %v, want [%s]", bodyJump.Then.Args, sum)
	}
}

func TestFinalizeRejectsUnsealedBlock(t *testing.T) {
	fn := ir.NewFunction("open", i64Sig(0, 0))
	b := NewFunctionBuilder(fn, nil)
	entry := b.CreateBlock()
	mustSwitch(t, b, entry)
	b.Ins().Return()

	err := b.Finalize()
	if !errors.Is(err, cgerr.ErrUnsealedBlock) {
		t.Fatalf("Finalize err = %v, want UnsealedBlock", err)
	}
}

func TestSealAllBlocks(t *testing.T) {
	fn := ir.NewFunction("sealall", i64Sig(0, 1))
	b := NewFunctionBuilder(fn, nil)
	entry, next := b.CreateBlock(), b.CreateBlock()
	x := Variable(0)
	b.DeclareVar(x, ir.I64)

	mustSwitch(t, b, entry)
	b.DefVar(x, b.Ins().Iconst(ir.I64, 5))
	b.Ins().Jump(next)
	mustSwitch(t, b, next)
	b.Ins().Return(b.UseVar(x))

	b.SealAllBlocks()
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// The read happened before sealing, so it went through a parameter.
	if n := len(fn.Blocks[next].Params); n != 1 {
		t.Errorf("next has %d params, want 1", n)
	}
}

func TestFinalizeRejectsUnterminatedBlock(t *testing.T) {
	fn := ir.NewFunction("open_end", i64Sig(0, 0))
	b := NewFunctionBuilder(fn, nil)
	entry := b.CreateBlock()
	mustSwitch(t, b, entry)
	b.SealBlock(entry)
	b.Ins().Iconst(ir.I64, 1)

	if err := b.Finalize(); !errors.Is(err, cgerr.ErrUnterminatedBlock) {
		t.Fatalf("Finalize err = %v, want UnterminatedBlock", err)
	}
}

func TestUndefinedVariable(t *testing.T) {
	t.Run("sealed_entry", func(t *testing.T) {
		fn := ir.NewFunction("undef", i64Sig(0, 1))
		b := NewFunctionBuilder(fn, nil)
		entry := b.CreateBlock()
		x := Variable(0)
		b.DeclareVar(x, ir.I64)
		mustSwitch(t, b, entry)
		b.SealBlock(entry)
		if _, err := b.TryUseVar(x); !errors.Is(err, cgerr.ErrUndefinedVariable) {
			t.Fatalf("TryUseVar err = %v, want UndefinedVariable", err)
		}
	})

	t.Run("resolved_at_seal", func(t *testing.T) {
		fn := ir.NewFunction("undef_late", i64Sig(0, 1))
		b := NewFunctionBuilder(fn, nil)
		entry, orphan := b.CreateBlock(), b.CreateBlock()
		x := Variable(0)
		b.DeclareVar(x, ir.I64)
		mustSwitch(t, b, entry)
		b.Ins().Return(b.Ins().Iconst(ir.I64, 0))
		mustSwitch(t, b, orphan)
		b.Ins().Return(b.UseVar(x))
		b.SealAllBlocks()

		if err := b.Finalize(); !errors.Is(err, cgerr.ErrUndefinedVariable) {
			t.Fatalf("Finalize err = %v, want UndefinedVariable", err)
		}
	})

	t.Run("undeclared", func(t *testing.T) {
		fn := ir.NewFunction("undeclared", i64Sig(0, 0))
		b := NewFunctionBuilder(fn, nil)
		mustSwitch(t, b, b.CreateBlock())
		if _, err := b.TryUseVar(Variable(9)); !errors.Is(err, cgerr.ErrTypeMismatch) {
			t.Fatalf("TryUseVar err = %v, want TypeMismatch", err)
		}
	})
}

func TestDefVarTypeMismatch(t *testing.T) {
	fn := ir.NewFunction("mismatch", i64Sig(0, 0))
	b := NewFunctionBuilder(fn, nil)
	entry := b.CreateBlock()
	x := Variable(0)
	b.DeclareVar(x, ir.I32)
	mustSwitch(t, b, entry)
	wide := b.Ins().Iconst(ir.I64, 1)
	if err := b.TryDefVar(x, wide); !errors.Is(err, cgerr.ErrTypeMismatch) {
		t.Fatalf("TryDefVar err = %v, want TypeMismatch", err)
	}
	if err := b.TryDeclareVar(x, ir.I64); !errors.Is(err, cgerr.ErrTypeMismatch) {
		t.Fatalf("redeclare err = %v, want TypeMismatch", err)
	}
	if err := b.TryDeclareVar(x, ir.I32); err != nil {
		t.Fatalf("same-type redeclare: %v", err)
	}
}

func TestInvalidBlock(t *testing.T) {
	fn := ir.NewFunction("invalid", i64Sig(0, 0))
	b := NewFunctionBuilder(fn, nil)
	entry := b.CreateBlock()
	if err := b.SwitchToBlock(ir.Block(42)); !errors.Is(err, cgerr.ErrInvalidBlock) {
		t.Fatalf("SwitchToBlock err = %v, want InvalidBlock", err)
	}
	mustSwitch(t, b, entry)
	b.SealBlock(entry)
	b.Ins().Jump(ir.Block(42))
	if err := b.Finalize(); !errors.Is(err, cgerr.ErrInvalidBlock) {
		t.Fatalf("Finalize err = %v, want InvalidBlock", err)
	}
}

func TestEntryParamOrderMustMatchSignature(t *testing.T) {
	sig := ir.NewSignature(ir.CallConvSystemV)
	sig.Params = []ir.AbiParam{ir.NewAbiParam(ir.I64), ir.NewAbiParam(ir.I32)}
	fn := ir.NewFunction("swapped", sig)
	b := NewFunctionBuilder(fn, nil)
	entry := b.CreateBlock()
	b.AppendBlockParam(entry, ir.I32)
	b.AppendBlockParam(entry, ir.I64)
	mustSwitch(t, b, entry)
	b.SealBlock(entry)
	b.Ins().Return()

	if err := b.Finalize(); !errors.Is(err, cgerr.ErrTypeMismatch) {
		t.Fatalf("Finalize err = %v, want TypeMismatch", err)
	}
}

func TestAppendAfterTerminatorPanics(t *testing.T) {
	fn := ir.NewFunction("after", i64Sig(0, 0))
	b := NewFunctionBuilder(fn, nil)
	mustSwitch(t, b, b.CreateBlock())
	b.Ins().Return()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	b.Ins().Trap()
}

func TestLongChainDoesNotRecurse(t *testing.T) {
	const n = 10000
	fn := ir.NewFunction("chain", i64Sig(0, 1))
	b := NewFunctionBuilder(fn, NewBuilderContext())
	x := Variable(0)
	b.DeclareVar(x, ir.I64)

	blocks := make([]ir.Block, n)
	for i := range blocks {
		blocks[i] = b.CreateBlock()
	}
	mustSwitch(t, b, blocks[0])
	def := b.Ins().Iconst(ir.I64, 99)
	b.DefVar(x, def)
	for i := 0; i < n-1; i++ {
		mustSwitch(t, b, blocks[i])
		if i > 0 {
			b.SealBlock(blocks[i])
		}
		b.Ins().Jump(blocks[i+1])
	}
	b.SealBlock(blocks[0])
	last := blocks[n-1]
	mustSwitch(t, b, last)
	b.SealBlock(last)
	got := b.UseVar(x)
	if got != def {
		t.Fatalf("UseVar = %s, want %s", got, def)
	}
	b.Ins().Return(got)
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestContextReuse(t *testing.T) {
	ctx := NewBuilderContext()
	for i := 0; i < 2; i++ {
		fn := ir.NewFunction("reuse", i64Sig(0, 1))
		b := NewFunctionBuilder(fn, ctx)
		entry := b.CreateBlock()
		mustSwitch(t, b, entry)
		b.SealBlock(entry)
		b.Ins().Return(b.Ins().Iconst(ir.I64, int64(i)))
		if err := b.Finalize(); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
}
