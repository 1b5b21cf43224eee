// Package cgerr defines the error taxonomy shared by the IR builder, the
// module, the backends and the object writers.
//
// Every failure is reported as a *Error carrying a Kind. Callers test for a
// kind with errors.Is against the package-level sentinels:
//
//	if errors.Is(err, cgerr.ErrDuplicateSymbol) { ... }
//
// All kinds are local, synchronous and non-retryable.
package cgerr

import (
	"fmt"
	"strings"
)

// Kind enumerates failure classes.
type Kind uint8

const (
	// KindUnsupportedHost: the target has no backend or object format.
	KindUnsupportedHost Kind = iota + 1
	KindDuplicateSymbol
	KindUndeclaredSymbol
	KindAlreadyDefined
	KindLinkageMismatch
	KindUnresolvedExport
	KindInvalidBlock
	KindUnsealedBlock
	KindUnterminatedBlock
	KindTypeMismatch
	KindUnsupportedRelocation
	// KindUndefinedVariable: a variable read has no reaching definition.
	KindUndefinedVariable
	// KindInvalidData: a data description cannot be laid out.
	KindInvalidData
	// KindFinished: the module was already consumed by Finish.
	KindFinished
	// KindFrameTooLarge: a function needs more stack than the backend can address.
	KindFrameTooLarge
)

// String returns the taxonomy name of k.
func (k Kind) String() string {
	switch k {
	case KindUnsupportedHost:
		return "UnsupportedHost"
	case KindDuplicateSymbol:
		return "DuplicateSymbol"
	case KindUndeclaredSymbol:
		return "UndeclaredSymbol"
	case KindAlreadyDefined:
		return "AlreadyDefined"
	case KindLinkageMismatch:
		return "LinkageMismatch"
	case KindUnresolvedExport:
		return "UnresolvedExport"
	case KindInvalidBlock:
		return "InvalidBlock"
	case KindUnsealedBlock:
		return "UnsealedBlock"
	case KindUnterminatedBlock:
		return "UnterminatedBlock"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindUnsupportedRelocation:
		return "UnsupportedRelocation"
	case KindUndefinedVariable:
		return "UndefinedVariable"
	case KindInvalidData:
		return "InvalidData"
	case KindFinished:
		return "Finished"
	case KindFrameTooLarge:
		return "FrameTooLarge"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Symbol string // offending symbol, block or variable, if any
	Detail string
	Err    error
}

// Sentinels for errors.Is.
var (
	ErrUnsupportedHost       = &Error{Kind: KindUnsupportedHost}
	ErrDuplicateSymbol       = &Error{Kind: KindDuplicateSymbol}
	ErrUndeclaredSymbol      = &Error{Kind: KindUndeclaredSymbol}
	ErrAlreadyDefined        = &Error{Kind: KindAlreadyDefined}
	ErrLinkageMismatch       = &Error{Kind: KindLinkageMismatch}
	ErrUnresolvedExport      = &Error{Kind: KindUnresolvedExport}
	ErrInvalidBlock          = &Error{Kind: KindInvalidBlock}
	ErrUnsealedBlock         = &Error{Kind: KindUnsealedBlock}
	ErrUnterminatedBlock     = &Error{Kind: KindUnterminatedBlock}
	ErrTypeMismatch          = &Error{Kind: KindTypeMismatch}
	ErrUnsupportedRelocation = &Error{Kind: KindUnsupportedRelocation}
	ErrUndefinedVariable     = &Error{Kind: KindUndefinedVariable}
	ErrInvalidData           = &Error{Kind: KindInvalidData}
	ErrFinished              = &Error{Kind: KindFinished}
	ErrFrameTooLarge         = &Error{Kind: KindFrameTooLarge}
)

// New builds an error of the given kind with a formatted detail message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Symbolf builds an error of the given kind attributed to symbol.
func Symbolf(kind Kind, symbol, format string, args ...any) *Error {
	return &Error{Kind: kind, Symbol: symbol, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, symbol string, err error) *Error {
	return &Error{Kind: kind, Symbol: symbol, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Symbol != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Symbol)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				if k := KindOf(inner); k != 0 {
					return k
				}
			}
			return 0
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
