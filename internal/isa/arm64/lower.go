package arm64

import (
	"objforge/internal/cgerr"
	"objforge/internal/ir"
	"objforge/internal/mach"
)

type fixupKind uint8

const (
	fixB fixupKind = iota
	fixCBZ
)

type blockFixup struct {
	at    int
	kind  fixupKind
	block ir.Block
}

type lowering struct {
	fn      *ir.Function
	frame   mach.Frame
	outArea int
	size    int
	pic     bool
	a       mach.Buffer

	blockOff []int
	fixups   []blockFixup
}

func (l *lowering) emit(insns ...uint32) {
	for _, w := range insns {
		l.a.U32(w)
	}
}

// emitIf emits insn when ok; it takes zext and sext results directly.
func (l *lowering) emitIf(insn uint32, ok bool) {
	if ok {
		l.a.U32(insn)
	}
}

func (l *lowering) slotOff(slot int) int { return l.outArea + 8*slot }

func (l *lowering) loadValue(r uint32, v ir.Value) {
	l.emit(ldr(r, sp, l.slotOff(l.frame.ValueSlot(v))))
}

// storeResult narrows x9 to the type of v and stores it into v's slot.
func (l *lowering) storeResult(v ir.Value) {
	l.emitIf(zext(x9, l.fn.ValueType(v)))
	l.emit(str(x9, sp, l.slotOff(l.frame.ValueSlot(v))))
}

func (l *lowering) prologue() {
	l.emit(insnSTPpre, insnMovFPSP)
	if hi := l.size >> 12; hi > 0 {
		l.emit(insnSubSP12 | uint32(hi)<<10)
	}
	if lo := l.size & 0xFFF; lo > 0 {
		l.emit(insnSubSP | uint32(lo)<<10)
	}
}

func (l *lowering) epilogue() {
	l.emit(insnMovSPFP, insnLDPpost, insnRET)
}

func (l *lowering) run() error {
	l.prologue()
	for i, p := range l.fn.Blocks[0].Params {
		if i < numArgRegs {
			l.emit(movReg(x9, uint32(i)))
		} else {
			l.emit(ldr(x9, fp, 16+8*(i-numArgRegs)))
		}
		l.storeResult(p)
	}

	for i := range l.fn.Blocks {
		l.blockOff[i] = l.a.Len()
		bd := &l.fn.Blocks[i]
		if bd.Terminator() == nil {
			return cgerr.Symbolf(cgerr.KindUnterminatedBlock, ir.Block(i).String(), "block does not end in a terminator")
		}
		for j := range bd.Insts {
			if err := l.lowerInst(&bd.Insts[j]); err != nil {
				return err
			}
		}
	}
	for _, f := range l.fixups {
		if !l.fn.ValidBlock(f.block) {
			return cgerr.Symbolf(cgerr.KindInvalidBlock, f.block.String(), "branch target does not exist")
		}
		words := uint32((l.blockOff[f.block] - f.at) / 4)
		insn := l.a.ReadU32(f.at)
		switch f.kind {
		case fixB:
			insn |= words & 0x3FFFFFF
		case fixCBZ:
			insn |= (words & 0x7FFFF) << 5
		}
		l.a.PatchU32(f.at, insn)
	}
	return nil
}

func (l *lowering) lowerInst(inst *ir.Inst) error {
	switch inst.Op {
	case ir.OpIconst:
		l.movImm(x9, truncate(uint64(inst.Imm), inst.Type))
		l.storeResult(inst.Results[0])

	case ir.OpIadd, ir.OpIsub, ir.OpImul:
		l.loadValue(x9, inst.Args[0])
		l.loadValue(x10, inst.Args[1])
		switch inst.Op {
		case ir.OpIadd:
			l.emit(add(x9, x9, x10))
		case ir.OpIsub:
			l.emit(sub(x9, x9, x10))
		default:
			l.emit(mul(x9, x9, x10))
		}
		l.storeResult(inst.Results[0])

	case ir.OpIcmp:
		cond, ok := condFor(inst.Cond)
		if !ok {
			return cgerr.New(cgerr.KindTypeMismatch, "unknown condition %d", inst.Cond)
		}
		l.loadValue(x9, inst.Args[0])
		l.loadValue(x10, inst.Args[1])
		if inst.Cond.Signed() {
			ty := l.fn.ValueType(inst.Args[0])
			l.emitIf(sext(x9, ty))
			l.emitIf(sext(x10, ty))
		}
		l.emit(cmp(x9, x10), cset(x9, cond))
		l.storeResult(inst.Results[0])

	case ir.OpCall:
		return l.lowerCall(inst)

	case ir.OpFuncAddr:
		ext, ok := l.fn.ExtFunc(inst.Func)
		if !ok {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, inst.Func.String(), "function reference not imported")
		}
		if err := l.symbolAddr(ext.Name, ext.Colocated); err != nil {
			return err
		}
		l.storeResult(inst.Results[0])

	case ir.OpGlobalValue:
		gv, ok := l.fn.Global(inst.Global)
		if !ok {
			return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, inst.Global.String(), "global value not imported")
		}
		if gv.ThreadLocal {
			return cgerr.Symbolf(cgerr.KindUnsupportedRelocation, gv.Name.String(), "thread-local access is not supported")
		}
		if err := l.symbolAddr(gv.Name, gv.Colocated); err != nil {
			return err
		}
		l.storeResult(inst.Results[0])

	case ir.OpReturn:
		if len(inst.Args) > numRetRegs {
			return cgerr.New(cgerr.KindTypeMismatch, "%d return values, at most %d supported", len(inst.Args), numRetRegs)
		}
		for i, v := range inst.Args {
			l.loadValue(uint32(i), v)
		}
		l.epilogue()

	case ir.OpJump:
		l.edge(inst.Then)

	case ir.OpBrif:
		l.loadValue(x9, inst.Args[0])
		at := l.a.Len()
		l.emit(insnCBZ | x9)
		l.edge(inst.Then)
		words := uint32((l.a.Len() - at) / 4)
		l.a.PatchU32(at, l.a.ReadU32(at)|(words&0x7FFFF)<<5)
		l.edge(inst.Else)

	case ir.OpTrap:
		l.emit(insnBRK)

	default:
		return cgerr.New(cgerr.KindTypeMismatch, "cannot lower %s", inst.Op)
	}
	return nil
}

// edge copies branch arguments into the destination's parameters through
// the scratch area, then branches.
func (l *lowering) edge(bc ir.BlockCall) {
	if l.fn.ValidBlock(bc.Block) {
		params := l.fn.Blocks[bc.Block].Params
		for i, v := range bc.Args {
			l.loadValue(x9, v)
			l.emit(str(x9, sp, l.slotOff(l.frame.ScratchSlot(i))))
		}
		for i := range bc.Args {
			if i >= len(params) {
				break
			}
			l.emit(ldr(x9, sp, l.slotOff(l.frame.ScratchSlot(i))))
			l.emit(str(x9, sp, l.slotOff(l.frame.ValueSlot(params[i]))))
		}
	}
	l.fixups = append(l.fixups, blockFixup{at: l.a.Len(), kind: fixB, block: bc.Block})
	l.emit(insnB)
}

func (l *lowering) lowerCall(inst *ir.Inst) error {
	ext, ok := l.fn.ExtFunc(inst.Func)
	if !ok {
		return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, inst.Func.String(), "function reference not imported")
	}
	if len(inst.Results) > numRetRegs {
		return cgerr.Symbolf(cgerr.KindTypeMismatch, ext.Name.String(), "%d return values, at most %d supported", len(inst.Results), numRetRegs)
	}
	for i := numArgRegs; i < len(inst.Args); i++ {
		l.loadValue(x9, inst.Args[i])
		l.emit(str(x9, sp, 8*(i-numArgRegs)))
	}
	for i, v := range inst.Args {
		if i >= numArgRegs {
			break
		}
		l.loadValue(uint32(i), v)
	}
	if err := l.a.Reloc(mach.RelocArm64Call, ext.Name, 0); err != nil {
		return err
	}
	l.emit(insnBL)
	for i, r := range inst.Results {
		l.emit(movReg(x9, uint32(i)))
		l.storeResult(r)
	}
	return nil
}

// symbolAddr leaves the address of name in x9.
func (l *lowering) symbolAddr(name ir.ExternalName, colocated bool) error {
	switch {
	case colocated:
		if err := l.a.Reloc(mach.RelocAarch64AdrPrelPgHi21, name, 0); err != nil {
			return err
		}
		l.emit(insnADRP | x9)
		if err := l.a.Reloc(mach.RelocAarch64AddAbsLo12Nc, name, 0); err != nil {
			return err
		}
		l.emit(insnADDri | x9<<5 | x9)
	case l.pic:
		if err := l.a.Reloc(mach.RelocAarch64AdrGotPage21, name, 0); err != nil {
			return err
		}
		l.emit(insnADRP | x9)
		if err := l.a.Reloc(mach.RelocAarch64Ld64GotLo12Nc, name, 0); err != nil {
			return err
		}
		l.emit(ldr(x9, x9, 0))
	default:
		// Load an inline literal and branch over it.
		l.emit(insnLdrLit8, insnSkipWord)
		if err := l.a.Reloc(mach.RelocAbs8, name, 0); err != nil {
			return err
		}
		l.a.U64(0)
	}
	return nil
}

// movImm materializes v in r with movz/movk.
func (l *lowering) movImm(r uint32, v uint64) {
	first := true
	for hw := uint32(0); hw < 4; hw++ {
		part := uint16(v >> (16 * hw))
		if part == 0 {
			continue
		}
		if first {
			l.emit(movz(r, part, hw))
			first = false
		} else {
			l.emit(movk(r, part, hw))
		}
	}
	if first {
		l.emit(movz(r, 0, 0))
	}
}

func truncate(v uint64, ty ir.Type) uint64 {
	switch ty {
	case ir.I8:
		return v & 0xFF
	case ir.I16:
		return v & 0xFFFF
	case ir.I32:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}
