package ir

// Opcode enumerates instruction kinds.
type Opcode uint8

const (
	// OpIconst materializes an integer constant.
	OpIconst Opcode = iota + 1
	// OpIadd adds two integers.
	OpIadd
	// OpIsub subtracts two integers.
	OpIsub
	// OpImul multiplies two integers.
	OpImul
	// OpIcmp compares two integers and yields an i8 0/1.
	OpIcmp
	// OpCall calls an external function reference.
	OpCall
	// OpFuncAddr yields the address of a function reference.
	OpFuncAddr
	// OpGlobalValue yields the address of a global value.
	OpGlobalValue
	// OpJump branches unconditionally.
	OpJump
	// OpBrif branches on a non-zero condition.
	OpBrif
	// OpReturn returns from the function.
	OpReturn
	// OpTrap aborts execution.
	OpTrap
)

func (op Opcode) String() string {
	switch op {
	case OpIconst:
		return "iconst"
	case OpIadd:
		return "iadd"
	case OpIsub:
		return "isub"
	case OpImul:
		return "imul"
	case OpIcmp:
		return "icmp"
	case OpCall:
		return "call"
	case OpFuncAddr:
		return "func_addr"
	case OpGlobalValue:
		return "global_value"
	case OpJump:
		return "jump"
	case OpBrif:
		return "brif"
	case OpReturn:
		return "return"
	case OpTrap:
		return "trap"
	default:
		return "unknown"
	}
}

// IsTerminator reports whether op ends a block.
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpJump, OpBrif, OpReturn, OpTrap:
		return true
	default:
		return false
	}
}

// IsBranch reports whether op transfers control to other blocks.
func (op Opcode) IsBranch() bool {
	return op == OpJump || op == OpBrif
}

// IntCC is an integer comparison condition.
type IntCC uint8

const (
	IntEq IntCC = iota + 1
	IntNe
	IntSlt
	IntSge
	IntSgt
	IntSle
	IntUlt
	IntUge
	IntUgt
	IntUle
)

// Signed reports whether cc compares signed values.
func (cc IntCC) Signed() bool {
	switch cc {
	case IntSlt, IntSge, IntSgt, IntSle:
		return true
	default:
		return false
	}
}

func (cc IntCC) String() string {
	switch cc {
	case IntEq:
		return "eq"
	case IntNe:
		return "ne"
	case IntSlt:
		return "slt"
	case IntSge:
		return "sge"
	case IntSgt:
		return "sgt"
	case IntSle:
		return "sle"
	case IntUlt:
		return "ult"
	case IntUge:
		return "uge"
	case IntUgt:
		return "ugt"
	case IntUle:
		return "ule"
	default:
		return "unknown"
	}
}

// BlockCall is a branch destination together with its block arguments.
type BlockCall struct {
	Block Block
	Args  []Value
}

// Inst is one IR instruction. Fields beyond Op are used according to Op.
type Inst struct {
	Op Opcode

	// Type is the controlling type: the result type of iconst, iadd, isub,
	// imul, func_addr and global_value.
	Type Type
	Imm  int64
	Cond IntCC

	Args    []Value
	Results []Value

	Func   FuncRef
	Global GlobalValue

	// Then is the jump destination or the taken edge of brif; Else is the
	// fallthrough edge of brif.
	Then BlockCall
	Else BlockCall
}

// Successors returns the number of outgoing edges of inst.
func (inst *Inst) Successors() int {
	switch inst.Op {
	case OpJump:
		return 1
	case OpBrif:
		return 2
	default:
		return 0
	}
}

// Edge returns outgoing edge i (0 = Then, 1 = Else).
func (inst *Inst) Edge(i int) *BlockCall {
	if i == 0 {
		return &inst.Then
	}
	return &inst.Else
}
