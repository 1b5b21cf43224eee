// Package x64 lowers IR functions to x86-64 machine code using the System V
// calling convention.
//
// Every value and block parameter lives in its own 8-byte stack slot below
// rbp; instructions load operands into rax/rcx, compute and store the result
// back. Values narrower than 64 bits are kept zero-extended in their slots.
package x64

import (
	"fmt"

	"objforge/internal/cgerr"
	"objforge/internal/ir"
	"objforge/internal/mach"
	"objforge/internal/target"
)

// FunctionAlign is the alignment of every function start.
const FunctionAlign = 16

// Backend compiles for one x86-64 target configuration.
type Backend struct {
	cfg target.Config
}

// New returns a backend for cfg, which must describe an x86-64 target.
func New(cfg target.Config) (*Backend, error) {
	if cfg.Arch != target.ArchX86_64 {
		return nil, cgerr.Symbolf(cgerr.KindUnsupportedHost, cfg.Triple, "x64 backend cannot target %s", cfg.Arch)
	}
	return &Backend{cfg: cfg}, nil
}

func (b *Backend) Name() string   { return "x64" }
func (b *Backend) Triple() string { return b.cfg.Triple }

func (b *Backend) RelocKinds() []mach.RelocKind {
	return []mach.RelocKind{
		mach.RelocAbs8,
		mach.RelocX86PCRel4,
		mach.RelocX86CallPCRel4,
		mach.RelocX86CallPLTRel4,
		mach.RelocX86GOTPCRel4,
	}
}

// CompileFunction lowers fn.
func (b *Backend) CompileFunction(fn *ir.Function) (*mach.CompiledCode, error) {
	if len(fn.Blocks) == 0 {
		return nil, cgerr.Symbolf(cgerr.KindUnterminatedBlock, fn.Name, "function has no blocks")
	}
	if n := len(fn.Signature.Returns); n > len(retRegs) {
		return nil, cgerr.Symbolf(cgerr.KindTypeMismatch, fn.Name, "%d return values, at most %d supported", n, len(retRegs))
	}
	l := &lowering{
		fn:       fn,
		frame:    mach.LayoutFrame(fn),
		pic:      b.cfg.Flags.PIC,
		blockOff: make([]int, len(fn.Blocks)),
	}
	if err := l.run(); err != nil {
		return nil, fmt.Errorf("x64: %s: %w", fn.Name, err)
	}
	return l.a.Finish(l.frame.Bytes(), FunctionAlign), nil
}
