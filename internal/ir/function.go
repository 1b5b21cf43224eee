// Package ir holds the intermediate representation built by the frontend
// and lowered by the backends: functions made of blocks with parameters,
// instructions over SSA values, and references to external symbols.
//
// All entities are small integer handles into arenas owned by Function.
package ir

import "fmt"

// Block identifies a basic block within one Function.
type Block uint32

// Value identifies an SSA value within one Function.
type Value uint32

// FuncRef identifies an external function referenced by a Function.
type FuncRef uint32

// GlobalValue identifies a global symbol address referenced by a Function.
type GlobalValue uint32

// NoValue is returned where no value could be produced.
const NoValue Value = ^Value(0)

func (b Block) String() string       { return fmt.Sprintf("block%d", uint32(b)) }
func (v Value) String() string       { return fmt.Sprintf("v%d", uint32(v)) }
func (f FuncRef) String() string     { return fmt.Sprintf("fn%d", uint32(f)) }
func (g GlobalValue) String() string { return fmt.Sprintf("gv%d", uint32(g)) }

// NameKind tells which symbol namespace an ExternalName points into.
type NameKind uint8

const (
	// NameFunc refers to a declared function.
	NameFunc NameKind = iota
	// NameData refers to a declared data object.
	NameData
)

// ExternalName is a module-level symbol identity, resolved at emission.
type ExternalName struct {
	Kind  NameKind
	Index uint32
}

func (n ExternalName) String() string {
	return fmt.Sprintf("u%d:%d", uint8(n.Kind), n.Index)
}

// ExtFuncData describes a callee imported into a function body.
type ExtFuncData struct {
	Name      ExternalName
	Signature Signature
	// Colocated callees are defined in the same object and cannot be preempted.
	Colocated bool
}

// GlobalValueData describes a symbol whose address a function body takes.
type GlobalValueData struct {
	Name        ExternalName
	Colocated   bool
	ThreadLocal bool
}

// ValueKind tells where a value was defined.
type ValueKind uint8

const (
	// ValueResult is an instruction result.
	ValueResult ValueKind = iota
	// ValueParam is a block parameter.
	ValueParam
)

// ValueData records a value's type and definition site.
type ValueData struct {
	Type  Type
	Kind  ValueKind
	Block Block
	// Num is the parameter index for ValueParam and the result index for ValueResult.
	Num int
}

// BlockData holds a block's parameters and instructions.
type BlockData struct {
	Params []Value
	Insts  []Inst
}

// Terminator returns the last instruction if it ends the block.
func (b *BlockData) Terminator() *Inst {
	if len(b.Insts) == 0 {
		return nil
	}
	last := &b.Insts[len(b.Insts)-1]
	if !last.Op.IsTerminator() {
		return nil
	}
	return last
}

// Function is one function body under construction or finished.
type Function struct {
	Name      string
	Signature Signature

	Blocks       []BlockData
	Values       []ValueData
	ExtFuncs     []ExtFuncData
	GlobalValues []GlobalValueData
}

// NewFunction returns an empty function with the given signature.
func NewFunction(name string, sig Signature) *Function {
	return &Function{Name: name, Signature: sig}
}

// Clear resets f for reuse, keeping allocated capacity.
func (f *Function) Clear() {
	f.Name = ""
	f.Signature = Signature{}
	f.Blocks = f.Blocks[:0]
	f.Values = f.Values[:0]
	f.ExtFuncs = f.ExtFuncs[:0]
	f.GlobalValues = f.GlobalValues[:0]
}

// Entry returns the entry block, which is the first block created.
func (f *Function) Entry() (Block, bool) {
	if len(f.Blocks) == 0 {
		return 0, false
	}
	return 0, true
}

// ValidBlock reports whether b belongs to f.
func (f *Function) ValidBlock(b Block) bool {
	return int(b) < len(f.Blocks)
}

// ValidValue reports whether v belongs to f.
func (f *Function) ValidValue(v Value) bool {
	return v != NoValue && int(v) < len(f.Values)
}

// ValueType returns the type of v, or InvalidType for a foreign value.
func (f *Function) ValueType(v Value) Type {
	if !f.ValidValue(v) {
		return InvalidType
	}
	return f.Values[v].Type
}

// CreateBlock appends a new empty block.
func (f *Function) CreateBlock() Block {
	f.Blocks = append(f.Blocks, BlockData{})
	return Block(len(f.Blocks) - 1)
}

// AppendBlockParam adds a parameter of type t to b.
func (f *Function) AppendBlockParam(b Block, t Type) Value {
	bd := &f.Blocks[b]
	v := f.newValue(ValueData{Type: t, Kind: ValueParam, Block: b, Num: len(bd.Params)})
	bd.Params = append(bd.Params, v)
	return v
}

// AppendInst appends inst to b, allocating result values of the given types.
// It returns the index of the instruction within the block.
func (f *Function) AppendInst(b Block, inst Inst, results ...Type) int {
	idx := len(f.Blocks[b].Insts)
	if len(results) > 0 {
		inst.Results = make([]Value, len(results))
		for i, t := range results {
			inst.Results[i] = f.newValue(ValueData{Type: t, Kind: ValueResult, Block: b, Num: i})
		}
	}
	f.Blocks[b].Insts = append(f.Blocks[b].Insts, inst)
	return idx
}

func (f *Function) newValue(vd ValueData) Value {
	f.Values = append(f.Values, vd)
	return Value(len(f.Values) - 1)
}

// ImportFunction registers a callee and returns its reference.
func (f *Function) ImportFunction(data ExtFuncData) FuncRef {
	f.ExtFuncs = append(f.ExtFuncs, data)
	return FuncRef(len(f.ExtFuncs) - 1)
}

// CreateGlobalValue registers a global symbol and returns its reference.
func (f *Function) CreateGlobalValue(data GlobalValueData) GlobalValue {
	f.GlobalValues = append(f.GlobalValues, data)
	return GlobalValue(len(f.GlobalValues) - 1)
}

// ExtFunc returns the callee data for ref.
func (f *Function) ExtFunc(ref FuncRef) (ExtFuncData, bool) {
	if int(ref) >= len(f.ExtFuncs) {
		return ExtFuncData{}, false
	}
	return f.ExtFuncs[ref], true
}

// Global returns the global value data for gv.
func (f *Function) Global(gv GlobalValue) (GlobalValueData, bool) {
	if int(gv) >= len(f.GlobalValues) {
		return GlobalValueData{}, false
	}
	return f.GlobalValues[gv], true
}

// Predecessors returns, for every block, the blocks branching to it in
// layout order. A block appears once per edge.
func (f *Function) Predecessors() [][]Block {
	preds := make([][]Block, len(f.Blocks))
	for i := range f.Blocks {
		term := f.Blocks[i].Terminator()
		if term == nil {
			continue
		}
		for e := 0; e < term.Successors(); e++ {
			dst := term.Edge(e).Block
			if f.ValidBlock(dst) {
				preds[dst] = append(preds[dst], Block(i))
			}
		}
	}
	return preds
}
