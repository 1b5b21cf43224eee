package arm64

import "objforge/internal/ir"

const (
	x9  = 9
	x10 = 10
	fp  = 29
	sp  = 31 // as a base register; xzr in data-processing operands
	xzr = 31
)

// Condition codes.
const (
	condEQ = 0
	condNE = 1
	condHS = 2
	condLO = 3
	condHI = 8
	condLS = 9
	condGE = 10
	condLT = 11
	condGT = 12
	condLE = 13
)

func condFor(cc ir.IntCC) (uint32, bool) {
	switch cc {
	case ir.IntEq:
		return condEQ, true
	case ir.IntNe:
		return condNE, true
	case ir.IntSlt:
		return condLT, true
	case ir.IntSge:
		return condGE, true
	case ir.IntSgt:
		return condGT, true
	case ir.IntSle:
		return condLE, true
	case ir.IntUlt:
		return condLO, true
	case ir.IntUge:
		return condHS, true
	case ir.IntUgt:
		return condHI, true
	case ir.IntUle:
		return condLS, true
	default:
		return 0, false
	}
}

func ldr(t, n uint32, off int) uint32 {
	return 0xF9400000 | uint32(off/8)<<10 | n<<5 | t
}

func str(t, n uint32, off int) uint32 {
	return 0xF9000000 | uint32(off/8)<<10 | n<<5 | t
}

func movz(d uint32, imm16 uint16, hw uint32) uint32 {
	return 0xD2800000 | hw<<21 | uint32(imm16)<<5 | d
}

func movk(d uint32, imm16 uint16, hw uint32) uint32 {
	return 0xF2800000 | hw<<21 | uint32(imm16)<<5 | d
}

func movReg(d, m uint32) uint32 { return 0xAA0003E0 | m<<16 | d }
func add(d, n, m uint32) uint32 { return 0x8B000000 | m<<16 | n<<5 | d }
func sub(d, n, m uint32) uint32 { return 0xCB000000 | m<<16 | n<<5 | d }
func mul(d, n, m uint32) uint32 { return 0x9B007C00 | m<<16 | n<<5 | d }
func cmp(n, m uint32) uint32    { return 0xEB00001F | m<<16 | n<<5 }

// cset sets d to 1 when cond holds (csinc d, xzr, xzr, !cond).
func cset(d, cond uint32) uint32 {
	return 0x9A9F07E0 | (cond^1)<<12 | d
}

// zext returns the instruction clearing the bits of r above ty. ok is
// false when ty already fills the register.
func zext(r uint32, ty ir.Type) (insn uint32, ok bool) {
	switch ty {
	case ir.I8:
		return 0x53001C00 | r<<5 | r, true // uxtb w, w
	case ir.I16:
		return 0x53003C00 | r<<5 | r, true // uxth w, w
	case ir.I32:
		return 0x2A0003E0 | r<<16 | r, true // mov w, w
	default:
		return 0, false
	}
}

// sext returns the instruction sign-extending the low ty bits of r. ok is
// false when ty already fills the register.
func sext(r uint32, ty ir.Type) (insn uint32, ok bool) {
	switch ty {
	case ir.I8:
		return 0x93401C00 | r<<5 | r, true // sxtb x, w
	case ir.I16:
		return 0x93403C00 | r<<5 | r, true // sxth x, w
	case ir.I32:
		return 0x93407C00 | r<<5 | r, true // sxtw x, w
	default:
		return 0, false
	}
}

const (
	insnB     = 0x14000000
	insnBL    = 0x94000000
	insnCBZ   = 0xB4000000
	insnBRK   = 0xD4200000
	insnRET   = 0xD65F03C0
	insnADRP  = 0x90000000
	insnADDri = 0x91000000

	insnSTPpre   = 0xA9BF7BFD // stp x29, x30, [sp, #-16]!
	insnMovFPSP  = 0x910003FD // mov x29, sp
	insnMovSPFP  = 0x910003BF // mov sp, x29
	insnLDPpost  = 0xA8C17BFD // ldp x29, x30, [sp], #16
	insnSubSP    = 0xD10003FF // sub sp, sp, #imm12
	insnSubSP12  = 0xD14003FF // sub sp, sp, #imm12, lsl #12
	insnLdrLit8  = 0x58000049 // ldr x9, #8
	insnSkipWord = 0x14000003 // b #12
)
