package x64

import (
	"math"

	"objforge/internal/ir"
	"objforge/internal/mach"
)

// Register numbers as encoded in ModRM/REX.
const (
	rax = 0
	rcx = 1
	rdx = 2
	rsp = 4
	rbp = 5
	rsi = 6
	rdi = 7
	r8  = 8
	r9  = 9
)

// argRegs are the System V integer argument registers in order.
var argRegs = [...]int{rdi, rsi, rdx, rcx, r8, r9}

// retRegs are the System V integer return registers in order.
var retRegs = [...]int{rax, rdx}

type asm struct {
	mach.Buffer
}

func rexW(reg int) byte {
	if reg >= 8 {
		return 0x4C // REX.W + REX.R
	}
	return 0x48
}

// slotDisp is the rbp-relative displacement of a frame slot.
func slotDisp(slot int) int32 {
	return int32(-8 * (slot + 1))
}

// load emits mov reg, [rbp+disp].
func (a *asm) load(reg int, disp int32) {
	a.Bytes(rexW(reg), 0x8B, 0x85|byte(reg&7)<<3)
	a.U32(uint32(disp))
}

// store emits mov [rbp+disp], reg.
func (a *asm) store(reg int, disp int32) {
	a.Bytes(rexW(reg), 0x89, 0x85|byte(reg&7)<<3)
	a.U32(uint32(disp))
}

func (a *asm) prologue(frame int) {
	a.Bytes(0x55)             // push rbp
	a.Bytes(0x48, 0x89, 0xE5) // mov rbp, rsp
	switch {
	case frame == 0:
	case frame <= math.MaxInt8:
		a.Bytes(0x48, 0x83, 0xEC, byte(frame)) // sub rsp, imm8
	default:
		a.Bytes(0x48, 0x81, 0xEC) // sub rsp, imm32
		a.U32(uint32(frame))
	}
}

func (a *asm) epilogue() {
	a.Bytes(0xC9) // leave
	a.Bytes(0xC3) // ret
}

// movImm materializes v in rax using the shortest encoding.
func (a *asm) movImm(v uint64) {
	s := int64(v)
	switch {
	case s >= math.MinInt32 && s <= math.MaxInt32:
		a.Bytes(0x48, 0xC7, 0xC0) // mov rax, simm32
		a.U32(uint32(s))
	case v <= math.MaxUint32:
		a.Bytes(0xB8) // mov eax, imm32 (zero-extends)
		a.U32(uint32(v))
	default:
		a.Bytes(0x48, 0xB8) // movabs rax, imm64
		a.U64(v)
	}
}

// zext clears the bits of rax above ty.
func (a *asm) zext(ty ir.Type) {
	switch ty {
	case ir.I8:
		a.Bytes(0x0F, 0xB6, 0xC0) // movzx eax, al
	case ir.I16:
		a.Bytes(0x0F, 0xB7, 0xC0) // movzx eax, ax
	case ir.I32:
		a.Bytes(0x89, 0xC0) // mov eax, eax
	}
}

// sext sign-extends the low ty bits of reg (rax or rcx) to 64 bits.
func (a *asm) sext(reg int, ty ir.Type) {
	modrm := 0xC0 | byte(reg)<<3 | byte(reg)
	switch ty {
	case ir.I8:
		a.Bytes(0x48, 0x0F, 0xBE, modrm) // movsx reg, reg8
	case ir.I16:
		a.Bytes(0x48, 0x0F, 0xBF, modrm) // movsx reg, reg16
	case ir.I32:
		a.Bytes(0x48, 0x63, modrm) // movsxd reg, reg32
	}
}

// setcc opcodes, second byte after 0F.
func setccOp(cc ir.IntCC) byte {
	switch cc {
	case ir.IntEq:
		return 0x94
	case ir.IntNe:
		return 0x95
	case ir.IntSlt:
		return 0x9C
	case ir.IntSge:
		return 0x9D
	case ir.IntSle:
		return 0x9E
	case ir.IntSgt:
		return 0x9F
	case ir.IntUlt:
		return 0x92
	case ir.IntUge:
		return 0x93
	case ir.IntUle:
		return 0x96
	case ir.IntUgt:
		return 0x97
	default:
		return 0
	}
}

// rel32 emits a zero placeholder and returns its offset.
func (a *asm) rel32() int {
	at := a.Len()
	a.U32(0)
	return at
}

// patchRel32 points the placeholder at `at` to target.
func (a *asm) patchRel32(at, target int) {
	a.PatchU32(at, uint32(int32(target-(at+4))))
}
