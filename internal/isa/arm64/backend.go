// Package arm64 lowers IR functions to AArch64 machine code using AAPCS64.
//
// The frame mirrors the x64 backend: one 8-byte slot per value addressed
// from sp, above an area for outgoing stack arguments.
package arm64

import (
	"fmt"

	"objforge/internal/cgerr"
	"objforge/internal/ir"
	"objforge/internal/mach"
	"objforge/internal/target"
)

const (
	// FunctionAlign is the alignment of every function start.
	FunctionAlign = 16

	numArgRegs = 8
	numRetRegs = 2
	// maxSlotOffset is the largest offset a scaled 12-bit ldr/str reaches.
	maxSlotOffset = 4095 * 8
)

// Backend compiles for one AArch64 target configuration.
type Backend struct {
	cfg target.Config
}

// New returns a backend for cfg, which must describe an AArch64 target.
func New(cfg target.Config) (*Backend, error) {
	if cfg.Arch != target.ArchAArch64 {
		return nil, cgerr.Symbolf(cgerr.KindUnsupportedHost, cfg.Triple, "arm64 backend cannot target %s", cfg.Arch)
	}
	return &Backend{cfg: cfg}, nil
}

func (b *Backend) Name() string   { return "arm64" }
func (b *Backend) Triple() string { return b.cfg.Triple }

func (b *Backend) RelocKinds() []mach.RelocKind {
	return []mach.RelocKind{
		mach.RelocAbs8,
		mach.RelocArm64Call,
		mach.RelocAarch64AdrPrelPgHi21,
		mach.RelocAarch64AddAbsLo12Nc,
		mach.RelocAarch64AdrGotPage21,
		mach.RelocAarch64Ld64GotLo12Nc,
	}
}

// CompileFunction lowers fn.
func (b *Backend) CompileFunction(fn *ir.Function) (*mach.CompiledCode, error) {
	if len(fn.Blocks) == 0 {
		return nil, cgerr.Symbolf(cgerr.KindUnterminatedBlock, fn.Name, "function has no blocks")
	}
	if n := len(fn.Signature.Returns); n > numRetRegs {
		return nil, cgerr.Symbolf(cgerr.KindTypeMismatch, fn.Name, "%d return values, at most %d supported", n, numRetRegs)
	}
	fr := mach.LayoutFrame(fn)
	outArea := 0
	if fr.MaxCallArgs > numArgRegs {
		outArea = mach.AlignUp(8*(fr.MaxCallArgs-numArgRegs), 16)
	}
	l := &lowering{
		fn:       fn,
		frame:    fr,
		outArea:  outArea,
		size:     outArea + fr.Bytes(),
		pic:      b.cfg.Flags.PIC,
		blockOff: make([]int, len(fn.Blocks)),
	}
	if last := outArea + 8*(fr.Slots+fr.Scratch-1); last > maxSlotOffset {
		return nil, cgerr.Symbolf(cgerr.KindFrameTooLarge, fn.Name, "arm64 frame of %d bytes exceeds the addressable %d", l.size, maxSlotOffset)
	}
	if err := l.run(); err != nil {
		return nil, fmt.Errorf("arm64: %s: %w", fn.Name, err)
	}
	return l.a.Finish(l.size, FunctionAlign), nil
}
