package x64

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"objforge/internal/cgerr"
	"objforge/internal/frontend"
	"objforge/internal/ir"
	"objforge/internal/mach"
	"objforge/internal/target"
)

func newBackend(t *testing.T, overrides map[string]string) *Backend {
	t.Helper()
	cfg, err := target.Resolve(target.HostInfo{Arch: "x86_64", OS: "linux"}, overrides)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

var (
	putsName = ir.ExternalName{Kind: ir.NameFunc, Index: 1}
	strName  = ir.ExternalName{Kind: ir.NameData, Index: 0}
)

// helloFunction builds main(i64, i64) -> i64 { puts(&str); return 42 }.
func helloFunction(t *testing.T, strColocated, tls bool) *ir.Function {
	t.Helper()
	sig := ir.NewSignature(ir.CallConvSystemV)
	sig.Params = []ir.AbiParam{ir.NewAbiParam(ir.I64), ir.NewAbiParam(ir.I64)}
	sig.Returns = []ir.AbiParam{ir.NewAbiParam(ir.I64)}
	fn := ir.NewFunction("main", sig)
	b := frontend.NewFunctionBuilder(fn, nil)

	putsSig := ir.NewSignature(ir.CallConvSystemV)
	putsSig.Params = []ir.AbiParam{ir.NewAbiParam(ir.I64)}
	putsSig.Returns = []ir.AbiParam{ir.NewAbiParam(ir.I32)}
	puts := b.ImportFunction(ir.ExtFuncData{Name: putsName, Signature: putsSig})
	str := b.CreateGlobalValue(ir.GlobalValueData{Name: strName, Colocated: strColocated, ThreadLocal: tls})

	entry := b.CreateBlock()
	b.AppendBlockParamsForFunctionParams(entry)
	if err := b.SwitchToBlock(entry); err != nil {
		t.Fatal(err)
	}
	b.SealBlock(entry)
	p := b.Ins().GlobalValue(ir.I64, str)
	b.Ins().Call(puts, p)
	b.Ins().Return(b.Ins().Iconst(ir.I64, 42))
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return fn
}

func relocKinds(cc *mach.CompiledCode) []mach.RelocKind {
	out := make([]mach.RelocKind, len(cc.Relocs))
	for i, r := range cc.Relocs {
		out[i] = r.Kind
	}
	return out
}

func TestHelloLowering(t *testing.T) {
	cc, err := newBackend(t, nil).CompileFunction(helloFunction(t, true, false))
	if err != nil {
		t.Fatalf("CompileFunction: %v", err)
	}
	if !bytes.HasPrefix(cc.Code, []byte{0x55, 0x48, 0x89, 0xE5}) {
		t.Errorf("missing frame setup: % x", cc.Code[:8])
	}
	if !bytes.HasSuffix(cc.Code, []byte{0xC9, 0xC3}) {
		t.Errorf("missing leave; ret: % x", cc.Code[len(cc.Code)-4:])
	}
	if !bytes.Contains(cc.Code, []byte{0x48, 0xC7, 0xC0, 42, 0, 0, 0}) {
		t.Errorf("constant 42 not materialized")
	}
	if cc.FrameSize%16 != 0 || cc.Align != FunctionAlign {
		t.Errorf("FrameSize = %d, Align = %d", cc.FrameSize, cc.Align)
	}
	want := []mach.RelocKind{mach.RelocX86PCRel4, mach.RelocX86CallPLTRel4}
	got := relocKinds(cc)
	if len(got) != len(want) {
		t.Fatalf("relocs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reloc %d = %v, want %v", i, got[i], want[i])
		}
		if cc.Relocs[i].Addend != -4 {
			t.Errorf("reloc %d addend = %d, want -4", i, cc.Relocs[i].Addend)
		}
	}
	if cc.Relocs[0].Target != strName || cc.Relocs[1].Target != putsName {
		t.Errorf("reloc targets = %v, %v", cc.Relocs[0].Target, cc.Relocs[1].Target)
	}
	call := cc.Relocs[1].Offset
	if cc.Code[call-1] != 0xE8 || cc.Code[call-3] != 0x31 {
		t.Errorf("call not preceded by xor eax,eax: % x", cc.Code[call-3:call])
	}
}

func TestNonColocatedAddressing(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]string
		want      mach.RelocKind
	}{
		{"pic", map[string]string{"is_pic": "true"}, mach.RelocX86GOTPCRel4},
		{"static", nil, mach.RelocAbs8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, err := newBackend(t, tt.overrides).CompileFunction(helloFunction(t, false, false))
			if err != nil {
				t.Fatalf("CompileFunction: %v", err)
			}
			if got := cc.Relocs[0].Kind; got != tt.want {
				t.Errorf("address reloc = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThreadLocalUnsupported(t *testing.T) {
	_, err := newBackend(t, nil).CompileFunction(helloFunction(t, true, true))
	if !errors.Is(err, cgerr.ErrUnsupportedRelocation) {
		t.Fatalf("err = %v, want UnsupportedRelocation", err)
	}
}

func TestJumpFixup(t *testing.T) {
	sig := ir.NewSignature(ir.CallConvSystemV)
	sig.Returns = []ir.AbiParam{ir.NewAbiParam(ir.I64)}
	fn := ir.NewFunction("jump", sig)
	b := frontend.NewFunctionBuilder(fn, nil)
	entry, next := b.CreateBlock(), b.CreateBlock()
	_ = b.SwitchToBlock(entry)
	b.Ins().Jump(next)
	_ = b.SwitchToBlock(next)
	b.Ins().Return(b.Ins().Iconst(ir.I64, 7))
	b.SealAllBlocks()
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	cc, err := newBackend(t, nil).CompileFunction(fn)
	if err != nil {
		t.Fatalf("CompileFunction: %v", err)
	}
	// push rbp; mov rbp,rsp; sub rsp,16; jmp rel32
	jmp := 8
	if cc.Code[jmp] != 0xE9 {
		t.Fatalf("expected jmp at %d: % x", jmp, cc.Code)
	}
	rel := int32(binary.LittleEndian.Uint32(cc.Code[jmp+1:]))
	dst := jmp + 5 + int(rel)
	if !bytes.HasPrefix(cc.Code[dst:], []byte{0x48, 0xC7, 0xC0, 7, 0, 0, 0}) {
		t.Errorf("jump lands at %d: % x", dst, cc.Code[dst:])
	}
}

func TestRejectsOtherArch(t *testing.T) {
	cfg, err := target.Resolve(target.HostInfo{Arch: "arm64", OS: "linux"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg); !errors.Is(err, cgerr.ErrUnsupportedHost) {
		t.Fatalf("New err = %v, want UnsupportedHost", err)
	}
}
