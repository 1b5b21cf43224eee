// Package object is the format-independent model of a relocatable object:
// sections with contents and relocations, a symbol table, and notes.
// A Format serializes it.
package object

import (
	"fmt"
	"io"

	"objforge/internal/mach"
	"objforge/internal/target"
)

// SectionKind classifies a section's contents and permissions.
type SectionKind uint8

const (
	SectionText SectionKind = iota + 1
	SectionData
	SectionReadOnly
	// SectionReadOnlyReloc is read-only after relocation (.data.rel.ro).
	SectionReadOnlyReloc
	SectionBSS
	SectionTData
	SectionTBSS
)

func (k SectionKind) String() string {
	switch k {
	case SectionText:
		return "text"
	case SectionData:
		return "data"
	case SectionReadOnly:
		return "rodata"
	case SectionReadOnlyReloc:
		return "data.rel.ro"
	case SectionBSS:
		return "bss"
	case SectionTData:
		return "tdata"
	case SectionTBSS:
		return "tbss"
	default:
		return "unknown"
	}
}

// NoBits reports whether sections of kind k occupy no file space.
func (k SectionKind) NoBits() bool {
	return k == SectionBSS || k == SectionTBSS
}

// Section is one output section.
type Section struct {
	Name  string
	Kind  SectionKind
	Align uint64
	// Data holds the contents; for NoBits kinds it is nil and Size applies.
	Data   []byte
	Size   uint64
	Relocs []Relocation
}

// Len returns the section's size in memory.
func (s *Section) Len() uint64 {
	if s.Kind.NoBits() {
		return s.Size
	}
	return uint64(len(s.Data))
}

// Binding is the link-time visibility of a symbol across objects.
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

// Visibility restricts a global symbol to the linked image.
type Visibility uint8

const (
	VisDefault Visibility = iota
	VisHidden
)

// SymbolKind is what a symbol names.
type SymbolKind uint8

const (
	SymNone SymbolKind = iota
	SymFunc
	SymData
	SymTLS
)

// Undefined is the Section index of a symbol defined elsewhere.
const Undefined = -1

// Symbol is one entry of the object's symbol table.
type Symbol struct {
	Name       string
	Kind       SymbolKind
	Binding    Binding
	Visibility Visibility
	// Section indexes File.Sections, or is Undefined.
	Section int
	Value   uint64
	Size    uint64
}

// Relocation patches Offset bytes into its section with the address of
// File.Symbols[Symbol] plus Addend.
type Relocation struct {
	Offset uint64
	Symbol int
	Kind   mach.RelocKind
	Addend int64
}

// Note is a vendor note. Notes naming the same Section are stored together.
type Note struct {
	Section string
	Owner   string
	Type    uint32
	Desc    []byte
}

// File is a complete relocatable object.
type File struct {
	Arch target.Arch
	OS   target.OS
	// SourceName becomes the file symbol, if set.
	SourceName string
	Sections   []*Section
	Symbols    []*Symbol
	Notes      []Note
}

// AddSection appends s and returns its index.
func (f *File) AddSection(s *Section) int {
	f.Sections = append(f.Sections, s)
	return len(f.Sections) - 1
}

// AddSymbol appends s and returns its index.
func (f *File) AddSymbol(s *Symbol) int {
	f.Symbols = append(f.Symbols, s)
	return len(f.Symbols) - 1
}

// Validate checks cross references between sections, symbols and relocations.
func (f *File) Validate() error {
	for i, sym := range f.Symbols {
		if sym.Section != Undefined && (sym.Section < 0 || sym.Section >= len(f.Sections)) {
			return fmt.Errorf("symbol %d (%s): section %d out of range", i, sym.Name, sym.Section)
		}
	}
	for _, s := range f.Sections {
		for _, r := range s.Relocs {
			if r.Symbol < 0 || r.Symbol >= len(f.Symbols) {
				return fmt.Errorf("section %s: relocation at %#x names symbol %d", s.Name, r.Offset, r.Symbol)
			}
			if s.Kind.NoBits() || r.Offset >= s.Len() {
				return fmt.Errorf("section %s: relocation at %#x outside contents", s.Name, r.Offset)
			}
		}
	}
	return nil
}

// Format serializes a File.
type Format interface {
	Name() string
	Write(w io.Writer, f *File) error
}
