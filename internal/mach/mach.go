// Package mach defines what a backend produces for one function: machine
// code bytes plus the relocations the object writer must record.
package mach

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"

	"objforge/internal/ir"
)

// RelocKind is an architecture-level relocation request. Object writers map
// each kind to their format's relocation type.
type RelocKind uint8

const (
	RelocUnknown RelocKind = iota
	// RelocAbs8 is a 64-bit absolute address.
	RelocAbs8
	// RelocX86PCRel4 is a 32-bit PC-relative displacement.
	RelocX86PCRel4
	// RelocX86CallPCRel4 is a call to a colocated function.
	RelocX86CallPCRel4
	// RelocX86CallPLTRel4 is a call that may go through the PLT.
	RelocX86CallPLTRel4
	// RelocX86GOTPCRel4 loads a symbol address from its GOT entry.
	RelocX86GOTPCRel4
	// RelocX86TLSGD is a general-dynamic TLS access.
	RelocX86TLSGD
	// RelocArm64Call is the 26-bit offset of bl.
	RelocArm64Call
	// RelocAarch64AdrPrelPgHi21 is the page of a symbol for adrp.
	RelocAarch64AdrPrelPgHi21
	// RelocAarch64AddAbsLo12Nc is the low 12 bits of a symbol for add.
	RelocAarch64AddAbsLo12Nc
	// RelocAarch64AdrGotPage21 is the page of a GOT entry for adrp.
	RelocAarch64AdrGotPage21
	// RelocAarch64Ld64GotLo12Nc is the low bits of a GOT entry for ldr.
	RelocAarch64Ld64GotLo12Nc
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs8:
		return "Abs8"
	case RelocX86PCRel4:
		return "X86PCRel4"
	case RelocX86CallPCRel4:
		return "X86CallPCRel4"
	case RelocX86CallPLTRel4:
		return "X86CallPLTRel4"
	case RelocX86GOTPCRel4:
		return "X86GOTPCRel4"
	case RelocX86TLSGD:
		return "X86TLSGD"
	case RelocArm64Call:
		return "Arm64Call"
	case RelocAarch64AdrPrelPgHi21:
		return "Aarch64AdrPrelPgHi21"
	case RelocAarch64AddAbsLo12Nc:
		return "Aarch64AddAbsLo12Nc"
	case RelocAarch64AdrGotPage21:
		return "Aarch64AdrGotPage21"
	case RelocAarch64Ld64GotLo12Nc:
		return "Aarch64Ld64GotLo12Nc"
	default:
		return "Unknown"
	}
}

// Reloc is a relocation at Offset bytes into a function's code.
type Reloc struct {
	Offset uint32
	Kind   RelocKind
	Target ir.ExternalName
	Addend int64
}

// CompiledCode is the machine code of one function.
type CompiledCode struct {
	Code      []byte
	Relocs    []Reloc
	FrameSize int
	// Align is the required alignment of the function's start, in bytes.
	Align int
}

// Backend lowers IR functions to machine code for one target.
type Backend interface {
	Name() string
	Triple() string
	CompileFunction(fn *ir.Function) (*CompiledCode, error)
	// RelocKinds lists every kind CompileFunction may emit.
	RelocKinds() []RelocKind
}

// Buffer accumulates little-endian machine code and relocations.
type Buffer struct {
	code   []byte
	relocs []Reloc
}

// Len returns the number of bytes emitted so far.
func (b *Buffer) Len() int { return len(b.code) }

// Bytes emits raw bytes.
func (b *Buffer) Bytes(bs ...byte) {
	b.code = append(b.code, bs...)
}

// U32 emits a 32-bit little-endian word.
func (b *Buffer) U32(v uint32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, v)
}

// U64 emits a 64-bit little-endian word.
func (b *Buffer) U64(v uint64) {
	b.code = binary.LittleEndian.AppendUint64(b.code, v)
}

// PatchU32 overwrites the 32-bit word at off.
func (b *Buffer) PatchU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.code[off:], v)
}

// ReadU32 returns the 32-bit word at off.
func (b *Buffer) ReadU32(off int) uint32 {
	return binary.LittleEndian.Uint32(b.code[off:])
}

// Reloc records a relocation at the current end of the buffer.
func (b *Buffer) Reloc(kind RelocKind, target ir.ExternalName, addend int64) error {
	return b.RelocAt(b.Len(), kind, target, addend)
}

// RelocAt records a relocation at off.
func (b *Buffer) RelocAt(off int, kind RelocKind, target ir.ExternalName, addend int64) error {
	at, err := safecast.Conv[uint32](off)
	if err != nil {
		return fmt.Errorf("relocation offset %d: %w", off, err)
	}
	b.relocs = append(b.relocs, Reloc{Offset: at, Kind: kind, Target: target, Addend: addend})
	return nil
}

// Finish returns the accumulated code.
func (b *Buffer) Finish(frameSize, align int) *CompiledCode {
	return &CompiledCode{Code: b.code, Relocs: b.relocs, FrameSize: frameSize, Align: align}
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}
