package ir

import (
	"fmt"
	"strings"
)

// Type is the type of an IR value. Only integer types exist; pointers are
// integers of the target's pointer width.
type Type uint8

const (
	// InvalidType marks a missing or unresolved type.
	InvalidType Type = iota
	I8
	I16
	I32
	I64
)

// Bits returns the width of t in bits.
func (t Type) Bits() int {
	switch t {
	case I8:
		return 8
	case I16:
		return 16
	case I32:
		return 32
	case I64:
		return 64
	default:
		return 0
	}
}

// Bytes returns the width of t in bytes.
func (t Type) Bytes() int {
	return t.Bits() / 8
}

// Valid reports whether t is a real value type.
func (t Type) Valid() bool {
	return t >= I8 && t <= I64
}

func (t Type) String() string {
	switch t {
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	default:
		return "invalid"
	}
}

// IntType returns the integer type with the given width in bits.
func IntType(bits int) (Type, error) {
	switch bits {
	case 8:
		return I8, nil
	case 16:
		return I16, nil
	case 32:
		return I32, nil
	case 64:
		return I64, nil
	default:
		return InvalidType, fmt.Errorf("no integer type of %d bits", bits)
	}
}

// CallConv selects the calling convention of a signature.
type CallConv uint8

const (
	// CallConvSystemV is the System V AMD64 ABI.
	CallConvSystemV CallConv = iota + 1
	// CallConvAAPCS64 is the Arm 64-bit procedure call standard.
	CallConvAAPCS64
)

func (cc CallConv) String() string {
	switch cc {
	case CallConvSystemV:
		return "system_v"
	case CallConvAAPCS64:
		return "aapcs64"
	default:
		return "unknown"
	}
}

// AbiParam is one parameter or return slot of a signature.
type AbiParam struct {
	Type Type
}

// NewAbiParam returns a parameter of type t.
func NewAbiParam(t Type) AbiParam {
	return AbiParam{Type: t}
}

// Signature describes a function's parameters, returns and calling convention.
type Signature struct {
	Params   []AbiParam
	Returns  []AbiParam
	CallConv CallConv
}

// NewSignature returns an empty signature using cc.
func NewSignature(cc CallConv) Signature {
	return Signature{CallConv: cc}
}

// Clone returns a deep copy of s.
func (s Signature) Clone() Signature {
	out := Signature{CallConv: s.CallConv}
	if len(s.Params) > 0 {
		out.Params = append([]AbiParam(nil), s.Params...)
	}
	if len(s.Returns) > 0 {
		out.Returns = append([]AbiParam(nil), s.Returns...)
	}
	return out
}

// Equal reports whether s and o are the same signature.
func (s Signature) Equal(o Signature) bool {
	if s.CallConv != o.CallConv || len(s.Params) != len(o.Params) || len(s.Returns) != len(o.Returns) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range s.Returns {
		if s.Returns[i] != o.Returns[i] {
			return false
		}
	}
	return true
}

// ParamTypes returns the parameter types in order.
func (s Signature) ParamTypes() []Type {
	return abiTypes(s.Params)
}

// ReturnTypes returns the return types in order.
func (s Signature) ReturnTypes() []Type {
	return abiTypes(s.Returns)
}

func abiTypes(ps []AbiParam) []Type {
	out := make([]Type, len(ps))
	for i, p := range ps {
		out[i] = p.Type
	}
	return out
}

func (s Signature) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	for i, p := range s.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Type.String())
	}
	sb.WriteString(")")
	if len(s.Returns) > 0 {
		sb.WriteString(" -> ")
		for i, r := range s.Returns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(r.Type.String())
		}
	}
	sb.WriteString(" ")
	sb.WriteString(s.CallConv.String())
	return sb.String()
}
