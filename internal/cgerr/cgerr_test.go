package cgerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Symbolf(KindDuplicateSymbol, "puts", "signature differs")
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Fatalf("expected DuplicateSymbol, got %v", err)
	}
	if errors.Is(err, ErrAlreadyDefined) {
		t.Fatalf("kind mismatch matched: %v", err)
	}
}

func TestErrorIsThroughWrapAndJoin(t *testing.T) {
	base := New(KindUnsealedBlock, "block3")
	wrapped := fmt.Errorf("function main: %w", base)
	joined := errors.Join(New(KindUnterminatedBlock, "block1"), wrapped)

	if !errors.Is(joined, ErrUnsealedBlock) {
		t.Errorf("joined error lost UnsealedBlock")
	}
	if !errors.Is(joined, ErrUnterminatedBlock) {
		t.Errorf("joined error lost UnterminatedBlock")
	}
	if got := KindOf(wrapped); got != KindUnsealedBlock {
		t.Errorf("KindOf = %v, want UnsealedBlock", got)
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInvalidData, ".str", cause)
	msg := err.Error()
	for _, want := range []string{"InvalidData", ".str", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Errorf("Unwrap chain lost cause")
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{KindTypeMismatch: "TypeMismatch", KindFrameTooLarge: "FrameTooLarge"} {
		if k.String() != want {
			t.Errorf("unexpected name %q, want %q", k.String(), want)
		}
	}
	if !strings.HasPrefix(Kind(200).String(), "Kind(") {
		t.Errorf("unknown kind should print numerically")
	}
}
