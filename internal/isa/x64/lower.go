package x64

import (
	"objforge/internal/cgerr"
	"objforge/internal/ir"
	"objforge/internal/mach"
)

type blockFixup struct {
	at    int
	block ir.Block
}

type lowering struct {
	fn    *ir.Function
	frame mach.Frame
	pic   bool
	a     asm

	blockOff []int
	fixups   []blockFixup
}

func (l *lowering) valueDisp(v ir.Value) int32   { return slotDisp(l.frame.ValueSlot(v)) }
func (l *lowering) scratchDisp(i int) int32      { return slotDisp(l.frame.ScratchSlot(i)) }
func (l *lowering) loadValue(reg int, v ir.Value) { l.a.load(reg, l.valueDisp(v)) }

// storeResult narrows rax to the type of v and stores it into v's slot.
func (l *lowering) storeResult(v ir.Value) {
	l.a.zext(l.fn.ValueType(v))
	l.a.store(rax, l.valueDisp(v))
}

func (l *lowering) run() error {
	l.a.prologue(l.frame.Bytes())
	l.spillParams()

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
		l.a.patchRel32(f.at, l.blockOff[f.block])
	}
	return nil
}

// spillParams moves the incoming arguments into the entry parameter slots.
func (l *lowering) spillParams() {
	for i, p := range l.fn.Blocks[0].Params {
		if i < len(argRegs) {
			l.a.Bytes(rexW(argRegs[i]), 0x89, 0xC0|byte(argRegs[i]&7)<<3) // mov rax, reg
		} else {
			l.a.load(rax, int32(16+8*(i-len(argRegs))))
		}
		l.storeResult(p)
	}
}

func (l *lowering) lowerInst(inst *ir.Inst) error {
	switch inst.Op {
	case ir.OpIconst:
		l.a.movImm(truncate(uint64(inst.Imm), inst.Type))
		l.storeResult(inst.Results[0])

	case ir.OpIadd, ir.OpIsub, ir.OpImul:
		l.loadValue(rax, inst.Args[0])
		l.loadValue(rcx, inst.Args[1])
		switch inst.Op {
		case ir.OpIadd:
			l.a.Bytes(0x48, 0x01, 0xC8) // add rax, rcx
		case ir.OpIsub:
			l.a.Bytes(0x48, 0x29, 0xC8) // sub rax, rcx
		default:
			l.a.Bytes(0x48, 0x0F, 0xAF, 0xC1) // imul rax, rcx
		}
		l.storeResult(inst.Results[0])

	case ir.OpIcmp:
		op := setccOp(inst.Cond)
		if op == 0 {
			return cgerr.New(cgerr.KindTypeMismatch, "unknown condition %d", inst.Cond)
		}
		l.loadValue(rax, inst.Args[0])
		l.loadValue(rcx, inst.Args[1])
		if inst.Cond.Signed() {
			ty := l.fn.ValueType(inst.Args[0])
			l.a.sext(rax, ty)
			l.a.sext(rcx, ty)
		}
		l.a.Bytes(0x48, 0x39, 0xC8) // cmp rax, rcx
		l.a.Bytes(0x0F, op, 0xC0)   // setcc al
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
		if len(inst.Args) > len(retRegs) {
			return cgerr.New(cgerr.KindTypeMismatch, "%d return values, at most %d supported", len(inst.Args), len(retRegs))
		}
		for i, v := range inst.Args {
			l.loadValue(retRegs[i], v)
		}
		l.a.epilogue()

	case ir.OpJump:
		l.edge(inst.Then)

	case ir.OpBrif:
		l.loadValue(rax, inst.Args[0])
		l.a.Bytes(0x48, 0x85, 0xC0) // test rax, rax
		l.a.Bytes(0x0F, 0x84)       // jz else
		elseAt := l.a.rel32()
		l.edge(inst.Then)
		l.a.patchRel32(elseAt, l.a.Len())
		l.edge(inst.Else)

	case ir.OpTrap:
		l.a.Bytes(0x0F, 0x0B) // ud2

	default:
		return cgerr.New(cgerr.KindTypeMismatch, "cannot lower %s", inst.Op)
	}
	return nil
}

// edge copies branch arguments into the destination's parameters through
// the scratch area, then jumps.
func (l *lowering) edge(bc ir.BlockCall) {
	if l.fn.ValidBlock(bc.Block) {
		params := l.fn.Blocks[bc.Block].Params
		for i, v := range bc.Args {
			l.loadValue(rax, v)
			l.a.store(rax, l.scratchDisp(i))
		}
		for i := range bc.Args {
			if i >= len(params) {
				break
			}
			l.a.load(rax, l.scratchDisp(i))
			l.a.store(rax, l.valueDisp(params[i]))
		}
	}
	l.a.Bytes(0xE9) // jmp rel32
	l.fixups = append(l.fixups, blockFixup{at: l.a.rel32(), block: bc.Block})
}

func (l *lowering) lowerCall(inst *ir.Inst) error {
	ext, ok := l.fn.ExtFunc(inst.Func)
	if !ok {
		return cgerr.Symbolf(cgerr.KindUndeclaredSymbol, inst.Func.String(), "function reference not imported")
	}
	if len(inst.Results) > len(retRegs) {
		return cgerr.Symbolf(cgerr.KindTypeMismatch, ext.Name.String(), "%d return values, at most %d supported", len(inst.Results), len(retRegs))
	}

	stackArgs := 0
	if len(inst.Args) > len(argRegs) {
		stackArgs = len(inst.Args) - len(argRegs)
	}
	pad := stackArgs % 2
	if pad == 1 {
		l.a.Bytes(0x48, 0x83, 0xEC, 0x08) // sub rsp, 8
	}
	for i := len(inst.Args) - 1; i >= len(argRegs); i-- {
		l.a.Bytes(0xFF, 0xB5) // push qword [rbp+disp32]
		l.a.U32(uint32(l.valueDisp(inst.Args[i])))
	}
	for i, v := range inst.Args {
		if i >= len(argRegs) {
			break
		}
		l.loadValue(argRegs[i], v)
	}

	// Variadic callees read al as the vector register count.
	l.a.Bytes(0x31, 0xC0) // xor eax, eax
	l.a.Bytes(0xE8)       // call rel32
	kind := mach.RelocX86CallPLTRel4
	if ext.Colocated {
		kind = mach.RelocX86CallPCRel4
	}
	if err := l.a.Reloc(kind, ext.Name, -4); err != nil {
		return err
	}
	l.a.U32(0)

	if n := stackArgs + pad; n > 0 {
		l.a.Bytes(0x48, 0x81, 0xC4) // add rsp, imm32
		l.a.U32(uint32(8 * n))
	}
	for i, r := range inst.Results {
		if i > 0 {
			// mov rax, rdx
			l.a.Bytes(0x48, 0x89, 0xD0)
		}
		l.storeResult(r)
	}
	return nil
}

// symbolAddr leaves the address of name in rax.
func (l *lowering) symbolAddr(name ir.ExternalName, colocated bool) error {
	switch {
	case colocated:
		l.a.Bytes(0x48, 0x8D, 0x05) // lea rax, [rip+disp32]
		if err := l.a.Reloc(mach.RelocX86PCRel4, name, -4); err != nil {
			return err
		}
		l.a.U32(0)
	case l.pic:
		l.a.Bytes(0x48, 0x8B, 0x05) // mov rax, [rip+GOT]
		if err := l.a.Reloc(mach.RelocX86GOTPCRel4, name, -4); err != nil {
			return err
		}
		l.a.U32(0)
	default:
		l.a.Bytes(0x48, 0xB8) // movabs rax, imm64
		if err := l.a.Reloc(mach.RelocAbs8, name, 0); err != nil {
			return err
		}
		l.a.U64(0)
	}
	return nil
}

// truncate keeps the low bits of v that fit ty.
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
