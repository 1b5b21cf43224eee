package ir

import (
	"fmt"
	"io"
	"strings"
)

// String renders f in the textual IR form.
func (f *Function) String() string {
	var sb strings.Builder
	_ = Dump(&sb, f)
	return sb.String()
}

// Dump writes a human-readable representation of f.
func Dump(w io.Writer, f *Function) error {
	if w == nil || f == nil {
		return nil
	}
	name := f.Name
	if name == "" {
		name = "_"
	}
	if _, err := fmt.Fprintf(w, "function %%%s%s {\n", name, f.Signature.String()); err != nil {
		return err
	}
	for i, ext := range f.ExtFuncs {
		flags := ""
		if ext.Colocated {
			flags = " colocated"
		}
		fmt.Fprintf(w, "    %s =%s %s %s\n", FuncRef(i), flags, ext.Name, ext.Signature.String())
	}
	for i, gv := range f.GlobalValues {
		flags := ""
		if gv.Colocated {
			flags += " colocated"
		}
		if gv.ThreadLocal {
			flags += " tls"
		}
		fmt.Fprintf(w, "    %s = symbol%s %s\n", GlobalValue(i), flags, gv.Name)
	}
	for i := range f.Blocks {
		dumpBlock(w, f, Block(i))
	}
	_, err := io.WriteString(w, "}\n")
	return err
}

func dumpBlock(w io.Writer, f *Function, b Block) {
	bd := &f.Blocks[b]
	fmt.Fprintf(w, "%s", b)
	if len(bd.Params) > 0 {
		parts := make([]string, len(bd.Params))
		for i, p := range bd.Params {
			parts[i] = fmt.Sprintf("%s: %s", p, f.ValueType(p))
		}
		fmt.Fprintf(w, "(%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w, ":")
	for i := range bd.Insts {
		fmt.Fprintf(w, "    %s\n", FormatInst(f, &bd.Insts[i]))
	}
}

// FormatInst renders a single instruction.
func FormatInst(f *Function, inst *Inst) string {
	var sb strings.Builder
	if len(inst.Results) > 0 {
		sb.WriteString(joinValues(inst.Results))
		sb.WriteString(" = ")
	}
	sb.WriteString(inst.Op.String())
	switch inst.Op {
	case OpIconst:
		fmt.Fprintf(&sb, ".%s %d", inst.Type, inst.Imm)
	case OpIadd, OpIsub, OpImul:
		fmt.Fprintf(&sb, " %s", joinValues(inst.Args))
	case OpIcmp:
		fmt.Fprintf(&sb, " %s %s", inst.Cond, joinValues(inst.Args))
	case OpCall:
		fmt.Fprintf(&sb, " %s(%s)", inst.Func, joinValues(inst.Args))
	case OpFuncAddr:
		fmt.Fprintf(&sb, ".%s %s", inst.Type, inst.Func)
	case OpGlobalValue:
		fmt.Fprintf(&sb, ".%s %s", inst.Type, inst.Global)
	case OpJump:
		fmt.Fprintf(&sb, " %s", formatBlockCall(inst.Then))
	case OpBrif:
		fmt.Fprintf(&sb, " %s, %s, %s", joinValues(inst.Args), formatBlockCall(inst.Then), formatBlockCall(inst.Else))
	case OpReturn:
		if len(inst.Args) > 0 {
			fmt.Fprintf(&sb, " %s", joinValues(inst.Args))
		}
	case OpTrap:
	}
	return sb.String()
}

func formatBlockCall(bc BlockCall) string {
	if len(bc.Args) == 0 {
		return bc.Block.String()
	}
	return fmt.Sprintf("%s(%s)", bc.Block, joinValues(bc.Args))
}

func joinValues(vs []Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		if v == NoValue {
			parts[i] = "v?"
			continue
		}
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}
